// Package worker implements the worker shells and the Coordinator:
// turning a set of entities into subscription batches, wiring the
// startup/shutdown lifecycle and the membership-sync timers, and running
// many workers in parallel under one Coordinator.
package worker

import (
	"gorm.io/gorm"

	"github.com/0xNedAlbo/midcurve-finance-sub000/core/bus"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/cache"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/chain"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/config"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/rpcclient"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/scheduler"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/store/orm"
)

// AppContext bundles every process-wide collaborator. It is constructed
// once in cmd/*/main.go and passed into every worker; there is no mutable
// process-wide state beyond it.
type AppContext struct {
	Config    config.Config
	Bus       bus.Publisher
	Cache     cache.Cache
	Clients   map[chain.ID]rpcclient.Client
	DB        *gorm.DB
	Scheduler *scheduler.Scheduler

	Positions   orm.PositionsRepo
	Pools       orm.PoolsRepo
	Subscribers orm.SubscribersRepo
	Users       orm.UsersRepo
	Contracts   orm.ContractsRepo
	Balances    orm.BalancesRepo
}

// Client returns the RPC client for a chain, or (nil, false) when that
// chain has no configured endpoint.
func (a *AppContext) Client(id chain.ID) (rpcclient.Client, bool) {
	c, ok := a.Clients[id]
	return c, ok
}

// ConfiguredChains returns every chain id with both a supported-chain
// registry entry and a live RPC client, the set every streaming worker
// iterates over on Start().
func (a *AppContext) ConfiguredChains() []chain.ID {
	chains := make([]chain.ID, 0, len(a.Clients))
	for _, info := range chain.All() {
		if _, ok := a.Clients[info.ID]; ok {
			chains = append(chains, info.ID)
		}
	}
	return chains
}
