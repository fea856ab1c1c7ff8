// Package chain defines the fixed set of chains this core supports and
// the per-chain constants (env-var suffix, finality safety margin).
package chain

import "fmt"

// ID is a non-negative chain identifier, e.g. 1 for Ethereum mainnet.
type ID uint64

// Well-known chain ids this core is configured to support.
const (
	Ethereum ID = 1
	Optimism ID = 10
	BSC      ID = 56
	Polygon  ID = 137
	Base     ID = 8453
	Arbitrum ID = 42161
	Local    ID = 1337
)

// Info carries a supported chain's static configuration.
type Info struct {
	ID ID
	// EnvSuffix is the WS_RPC_URL_<EnvSuffix> environment variable suffix.
	EnvSuffix string
	// SafetyMargin is the number of blocks behind head treated as
	// finalized when the RPC has no `finalized` tag.
	SafetyMargin uint64
	// HasFinalizedTag reports whether the chain's RPC is expected to
	// expose a `finalized` block tag directly.
	HasFinalizedTag bool
}

var registry = map[ID]Info{
	Ethereum: {ID: Ethereum, EnvSuffix: "ETHEREUM", SafetyMargin: 64, HasFinalizedTag: true},
	Arbitrum: {ID: Arbitrum, EnvSuffix: "ARBITRUM", SafetyMargin: 64, HasFinalizedTag: false},
	Base:     {ID: Base, EnvSuffix: "BASE", SafetyMargin: 64, HasFinalizedTag: false},
	BSC:      {ID: BSC, EnvSuffix: "BSC", SafetyMargin: 64, HasFinalizedTag: false},
	Polygon:  {ID: Polygon, EnvSuffix: "POLYGON", SafetyMargin: 128, HasFinalizedTag: false},
	Optimism: {ID: Optimism, EnvSuffix: "OPTIMISM", SafetyMargin: 64, HasFinalizedTag: false},
	Local:    {ID: Local, EnvSuffix: "LOCAL", SafetyMargin: 5, HasFinalizedTag: false},
}

// ErrUnsupported is returned by Lookup for any chain id outside the
// fixed registry; unsupported chains are rejected at input validation.
type ErrUnsupported struct{ ID ID }

func (e ErrUnsupported) Error() string {
	return fmt.Sprintf("chain %d is not supported", uint64(e.ID))
}

// Lookup returns the static Info for a supported chain id, or
// ErrUnsupported.
func Lookup(id ID) (Info, error) {
	info, ok := registry[id]
	if !ok {
		return Info{}, ErrUnsupported{ID: id}
	}
	return info, nil
}

// All returns every supported chain's Info, in a stable order.
func All() []Info {
	ids := []ID{Ethereum, Arbitrum, Base, BSC, Polygon, Optimism, Local}
	infos := make([]Info, 0, len(ids))
	for _, id := range ids {
		infos = append(infos, registry[id])
	}
	return infos
}

func (id ID) String() string {
	return fmt.Sprintf("%d", uint64(id))
}
