// Package blocktracker persists the highest block number whose effects
// have been durably published, keyed by (chainId, subsystem) in the
// distributed cache with a one-year TTL.
package blocktracker

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/0xNedAlbo/midcurve-finance-sub000/core/cache"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/chain"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/store/models"
)

// TTL is the cache TTL for a progress record.
const TTL = 365 * 24 * time.Hour

// Tracker reads and advances the per-(chainId, subsystem) last-published
// block number.
type Tracker struct {
	cache     cache.Cache
	subsystem string
}

// New builds a Tracker for one subsystem (e.g. "position-liquidity",
// "pool-prices"); each subsystem gets its own cache-key namespace.
func New(c cache.Cache, subsystem string) *Tracker {
	return &Tracker{cache: c, subsystem: subsystem}
}

func (t *Tracker) key(id chain.ID) string {
	return fmt.Sprintf("onchain-data:%s:last-block:%d", t.subsystem, uint64(id))
}

// Get returns the last durably-published block for a chain, or (0, false)
// if no record exists yet.
func (t *Tracker) Get(ctx context.Context, id chain.ID) (uint64, bool, error) {
	raw, err := t.cache.Get(ctx, t.key(id))
	if err == cache.ErrNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrap(err, "blocktracker: get")
	}
	var rec models.BlockTrackerRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return 0, false, errors.Wrap(err, "blocktracker: unmarshal")
	}
	n, err := strconv.ParseUint(rec.BlockNumber, 10, 64)
	if err != nil {
		return 0, false, errors.Wrap(err, "blocktracker: parse block number")
	}
	return n, true, nil
}

// Advance writes a new last-published block number, enforcing the
// monotonically-non-decreasing invariant: a write that
// would move the tracker backwards is silently ignored.
func (t *Tracker) Advance(ctx context.Context, id chain.ID, blockNumber uint64) error {
	current, ok, err := t.Get(ctx, id)
	if err != nil {
		return err
	}
	if ok && blockNumber < current {
		return nil
	}
	rec := models.BlockTrackerRecord{
		BlockNumber: strconv.FormatUint(blockNumber, 10),
		UpdatedAt:   time.Now().UTC(),
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "blocktracker: marshal")
	}
	if err := t.cache.Set(ctx, t.key(id), string(raw), TTL); err != nil {
		return errors.Wrap(err, "blocktracker: set")
	}
	return nil
}

// Heartbeat writes the current chain head as the tracker value when no
// events occurred, bounding the restart catch-up range during idle periods
//. It is Advance with the observed head, so the same monotonic guard
// applies: a head at or below the stored value leaves it unchanged.
func (t *Tracker) Heartbeat(ctx context.Context, id chain.ID, head uint64) error {
	return t.Advance(ctx, id, head)
}
