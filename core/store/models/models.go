// Package models holds the shared data-model types that
// cross package boundaries: block-tracker records, subscriber rows, and
// the member-key types a SubscriptionBatch tracks.
package models

import (
	"time"

	"gopkg.in/guregu/null.v4"

	"github.com/0xNedAlbo/midcurve-finance-sub000/core/chain"
)

// MemberKind distinguishes the four member-key shapes a batch can track.
type MemberKind string

const (
	MemberPool     MemberKind = "pool"
	MemberNFT      MemberKind = "nft"
	MemberContract MemberKind = "contract"
	MemberWallet   MemberKind = "wallet"
)

// MemberKey identifies one filtered entity within a SubscriptionBatch: a
// pool address, NFT id, contract address, or wallet address.
type MemberKey struct {
	Kind  MemberKind
	Value string // lower-cased hex address, or decimal NFT id
}

// MemberMeta is the metadata addMember() attaches to a member key; it
// carries whatever the owning worker needs to rebuild filters and to
// re-derive routing keys on log delivery. ContractAddress is set for
// id-keyed members (NFT ids, close orders) to the shared contract whose
// logs carry that id; address-keyed members leave it empty and filter on
// the key itself.
type MemberMeta struct {
	Key             MemberKey
	ChainID         chain.ID
	EntityID        string
	ContractAddress string
	AddedAt         time.Time
	Description     string
}

// BlockTrackerRecord is the per-(chainId, subsystem) progress marker
// stored in the distributed cache.
type BlockTrackerRecord struct {
	BlockNumber string    `json:"blockNumber"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// SubscriberState is the state-machine enum for a poll-driven Subscriber
// row.
type SubscriberState string

const (
	SubscriberActive  SubscriberState = "active"
	SubscriberPaused  SubscriberState = "paused"
	SubscriberDeleted SubscriberState = "deleted"
)

// SubscriberRow is the poll-driven external subscriber lifecycle row.
// ExpiresAfterMs and PausedAt are nullable columns.
type SubscriberRow struct {
	ID             string
	ChainID        chain.ID
	WalletAddress  string
	State          SubscriberState
	LastPolledAt   time.Time
	ExpiresAfterMs null.Int
	PausedAt       null.Time
}

// IsStale reports whether the row should transition active -> paused given
// "now": an active row with an expiry whose last poll is older than that
// expiry.
func (s SubscriberRow) IsStale(now time.Time) bool {
	if s.State != SubscriberActive || !s.ExpiresAfterMs.Valid {
		return false
	}
	return now.Sub(s.LastPolledAt) > time.Duration(s.ExpiresAfterMs.Int64)*time.Millisecond
}

// IsPrunable reports whether a paused row has aged past the prune
// threshold and should be removed outright.
func (s SubscriberRow) IsPrunable(now time.Time, pruneThreshold time.Duration) bool {
	if s.State != SubscriberPaused || !s.PausedAt.Valid {
		return false
	}
	return now.Sub(s.PausedAt.Time) > pruneThreshold
}

// Position mirrors the position fields the worker and reconciliation
// layers need; full schema design stays with the relational store.
// CostBasis is a decimal string in the position's quote token;
// QuotePriceSourceID names the external price feed for that quote token.
type Position struct {
	NFTID              string
	ChainID            chain.ID
	PoolAddress        string
	OwnerUserID        string
	Active             bool
	CostBasis          string
	QuotePriceSourceID string
}

// Pool mirrors the minimal pool fields needed for the pool-price worker.
type Pool struct {
	Address string
	ChainID chain.ID
	Active  bool
}
