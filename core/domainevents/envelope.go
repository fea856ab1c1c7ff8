// Package domainevents defines the self-describing domain event envelope
// and the glob-based routing-key dispatch that feeds inbound events to
// registered consumers.
package domainevents

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/0xNedAlbo/midcurve-finance-sub000/core/chain"
)

// BigInt is a wire-safe wrapper around an arbitrary-precision integer,
// serialised as a decimal string on the wire and held as a
// shopspring/decimal value in memory: every integer field with
// potentially > 53-bit magnitude rides the wire as a string.
type BigInt struct {
	decimal.Decimal
}

// NewBigInt wraps a decimal.Decimal as a BigInt.
func NewBigInt(d decimal.Decimal) BigInt { return BigInt{d} }

func (b BigInt) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.Decimal.String())
}

func (b *BigInt) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return err
	}
	b.Decimal = d
	return nil
}

// Envelope is the self-describing Domain Event Envelope
type Envelope struct {
	Type            string          `json:"type"`
	ChainID         chain.ID        `json:"chainId"`
	EntityID        string          `json:"entityId"`
	EntityType      string          `json:"entityType"`
	UserID          *string         `json:"userId,omitempty"`
	Payload         json.RawMessage `json:"payload"`
	Source          string          `json:"source"`
	ReceivedAt      time.Time       `json:"receivedAt"`
	BlockNumber     *BigInt         `json:"blockNumber,omitempty"`
	TransactionHash *string         `json:"transactionHash,omitempty"`
	LogIndex        *uint           `json:"logIndex,omitempty"`
}
