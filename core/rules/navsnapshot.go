package rules

import (
	"context"
	"encoding/json"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/0xNedAlbo/midcurve-finance-sub000/core/bus"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/chain"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/domainevents"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/finance"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/logger"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/rpcclient"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/scheduler"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/store/models"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/store/orm"
)

// PriceFetcher resolves external price-source ids to quote-token prices in
// the platform reporting base, in one batch.
type PriceFetcher interface {
	FetchPrices(ctx context.Context, sourceIDs []string) (map[string]decimal.Decimal, error)
}

var (
	slot0Selector     = crypto.Keccak256([]byte("slot0()"))[:4]
	positionsSelector = crypto.Keccak256([]byte("positions(uint256)"))[:4]
)

// navMulticallWindow caps how many contract reads share one aggregate3
// call during the refresh phase.
const navMulticallWindow = 50

const (
	navSnapshotRuleName = "daily-nav-snapshot"
	navSnapshotCron     = "0 0 * * *"
)

// NAVSnapshotDeps bundles the collaborators the snapshot pipeline reads
// and writes through.
type NAVSnapshotDeps struct {
	Clients        map[chain.ID]rpcclient.Client
	Publisher      bus.Publisher
	Positions      orm.PositionsRepo
	Users          orm.UsersRepo
	PositionStates orm.PositionStatesRepo
	Journal        orm.JournalRepo
	Snapshots      orm.SnapshotsRepo
	Prices         PriceFetcher
	Contracts      orm.ContractsRepo
}

// DailyNAVSnapshotRule recomputes every active position's valuation from
// chain state, fetches quote-token prices in one batch, and writes one
// net-asset-value snapshot row per user.
type DailyNAVSnapshotRule struct {
	BaseRule

	deps NAVSnapshotDeps
}

// NewDailyNAVSnapshotRule builds the rule.
func NewDailyNAVSnapshotRule(sched *scheduler.Scheduler, deps NAVSnapshotDeps) *DailyNAVSnapshotRule {
	return &DailyNAVSnapshotRule{
		BaseRule: BaseRule{
			RuleName:        navSnapshotRuleName,
			RuleDescription: "Daily per-user net-asset-value snapshot",
			Scheduler:       sched,
		},
		deps: deps,
	}
}

// OnStartup registers the midnight-UTC schedule.
func (r *DailyNAVSnapshotRule) OnStartup(ctx context.Context) error {
	return r.RegisterSchedule(scheduler.Options{
		CronExpression: navSnapshotCron,
		Description:    r.RuleDescription,
		Timezone:       time.UTC,
	}, func() error {
		return r.Run(context.Background())
	})
}

// refreshedPosition carries one position through the pipeline's phases.
type refreshedPosition struct {
	Position      models.Position
	CurrentValue  decimal.Decimal
	UnrealizedPnl decimal.Decimal
	UnclaimedFees decimal.Decimal
}

// Run executes the three-phase pipeline: refresh valuations from chain
// state, batch-fetch quote prices, then snapshot per user.
func (r *DailyNAVSnapshotRule) Run(ctx context.Context) error {
	refreshed, err := r.refreshPhase(ctx)
	if err != nil {
		return err
	}
	if len(refreshed) == 0 {
		return nil
	}

	prices, err := r.pricesPhase(ctx, refreshed)
	if err != nil {
		return err
	}

	return r.snapshotPhase(ctx, refreshed, prices)
}

func (r *DailyNAVSnapshotRule) refreshPhase(ctx context.Context) ([]refreshedPosition, error) {
	var refreshed []refreshedPosition
	for id, client := range r.deps.Clients {
		chainRefreshed, err := r.refreshChain(ctx, id, client)
		if err != nil {
			logger.Warnw("rules: NAV refresh failed for chain, continuing", "chainId", id, "err", err)
			continue
		}
		refreshed = append(refreshed, chainRefreshed...)
	}
	return refreshed, nil
}

func (r *DailyNAVSnapshotRule) refreshChain(ctx context.Context, id chain.ID, client rpcclient.Client) ([]refreshedPosition, error) {
	positions, err := r.deps.Positions.ListActiveByChain(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(positions) == 0 {
		return nil, nil
	}

	nfpm, err := r.nfpmAddress(ctx, id)
	if err != nil {
		return nil, err
	}

	// Identical pool reads collapse to one slot0 call each.
	sqrtPrices, err := r.readPoolPrices(ctx, client, positions)
	if err != nil {
		return nil, err
	}

	states, err := r.readPositionStates(ctx, client, nfpm, positions)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	refreshed := make([]refreshedPosition, 0, len(positions))
	for _, p := range positions {
		sqrtPrice, ok := sqrtPrices[p.PoolAddress]
		if !ok {
			continue
		}
		st, ok := states[p.NFTID]
		if !ok {
			continue
		}

		price0 := finance.SqrtPriceX96ToPrice(sqrtPrice, 18, 18)
		amount0, amount1 := finance.AmountsForLiquidity(st.Liquidity, sqrtPrice, st.TickLower, st.TickUpper)
		currentValue := finance.CurrentValue(amount0, amount1, price0, decimal.NewFromInt(1))
		unclaimed := finance.UnclaimedFees(st.TokensOwed0, st.TokensOwed1, price0, decimal.NewFromInt(1))

		costBasis := decimal.Zero
		if p.CostBasis != "" {
			if cb, err := decimal.NewFromString(p.CostBasis); err == nil {
				costBasis = cb
			}
		}
		pnl := finance.UnrealizedPnl(currentValue, costBasis)

		if err := r.deps.PositionStates.Upsert(ctx, orm.PositionState{
			ChainID:       id,
			NFTID:         p.NFTID,
			CurrentValue:  currentValue.String(),
			UnrealizedPnl: pnl.String(),
			UnclaimedFees: unclaimed.String(),
			RefreshedAt:   now,
		}); err != nil {
			logger.Warnw("rules: failed to persist position state", "chainId", id, "nftId", p.NFTID, "err", err)
			continue
		}

		r.publishStateRefreshed(id, p, currentValue, pnl, unclaimed, now)
		refreshed = append(refreshed, refreshedPosition{
			Position:      p,
			CurrentValue:  currentValue,
			UnrealizedPnl: pnl,
			UnclaimedFees: unclaimed,
		})
	}
	return refreshed, nil
}

func (r *DailyNAVSnapshotRule) nfpmAddress(ctx context.Context, id chain.ID) (common.Address, error) {
	contracts, err := r.deps.Contracts.ListByChainAndKind(ctx, id, "nfpm")
	if err != nil {
		return common.Address{}, err
	}
	if len(contracts) == 0 {
		return common.Address{}, errors.Errorf("rules: no position manager registered for chain %d", uint64(id))
	}
	return common.HexToAddress(contracts[0].Address), nil
}

func (r *DailyNAVSnapshotRule) readPoolPrices(ctx context.Context, client rpcclient.Client, positions []models.Position) (map[string]decimal.Decimal, error) {
	var pools []string
	seen := make(map[string]bool)
	for _, p := range positions {
		if !seen[p.PoolAddress] {
			seen[p.PoolAddress] = true
			pools = append(pools, p.PoolAddress)
		}
	}

	out := make(map[string]decimal.Decimal, len(pools))
	for start := 0; start < len(pools); start += navMulticallWindow {
		end := start + navMulticallWindow
		if end > len(pools) {
			end = len(pools)
		}
		window := pools[start:end]
		calls := make([]rpcclient.Call, len(window))
		for i, pool := range window {
			calls[i] = rpcclient.Call{Target: common.HexToAddress(pool), CallData: slot0Selector}
		}
		results, err := client.Multicall(ctx, calls, true)
		if err != nil {
			return nil, err
		}
		for i, res := range results {
			if !res.Success || len(res.ReturnData) < 32 {
				continue
			}
			sqrt := new(big.Int).SetBytes(res.ReturnData[:32])
			out[window[i]] = decimal.NewFromBigInt(sqrt, 0)
		}
	}
	return out, nil
}

// positionChainState is the slice of the position manager's positions()
// tuple the valuation needs.
type positionChainState struct {
	TickLower   int32
	TickUpper   int32
	Liquidity   decimal.Decimal
	TokensOwed0 decimal.Decimal
	TokensOwed1 decimal.Decimal
}

func (r *DailyNAVSnapshotRule) readPositionStates(ctx context.Context, client rpcclient.Client, nfpm common.Address, positions []models.Position) (map[string]positionChainState, error) {
	out := make(map[string]positionChainState, len(positions))
	for start := 0; start < len(positions); start += navMulticallWindow {
		end := start + navMulticallWindow
		if end > len(positions) {
			end = len(positions)
		}
		window := positions[start:end]
		calls := make([]rpcclient.Call, 0, len(window))
		called := make([]string, 0, len(window))
		for _, p := range window {
			tokenID, ok := new(big.Int).SetString(p.NFTID, 10)
			if !ok {
				continue
			}
			data := make([]byte, 0, 36)
			data = append(data, positionsSelector...)
			data = append(data, common.LeftPadBytes(tokenID.Bytes(), 32)...)
			calls = append(calls, rpcclient.Call{Target: nfpm, CallData: data})
			called = append(called, p.NFTID)
		}
		results, err := client.Multicall(ctx, calls, true)
		if err != nil {
			return nil, err
		}
		for i, res := range results {
			if i >= len(called) {
				break
			}
			st, ok := decodePositionsReturn(res)
			if !ok {
				continue
			}
			out[called[i]] = st
		}
	}
	return out, nil
}

// decodePositionsReturn picks tickLower, tickUpper, liquidity and the
// tokensOwed pair out of the positions() return tuple (words 5, 6, 7, 10
// and 11).
func decodePositionsReturn(res rpcclient.CallResult) (positionChainState, bool) {
	if !res.Success || len(res.ReturnData) < 12*32 {
		return positionChainState{}, false
	}
	word := func(i int) []byte { return res.ReturnData[i*32 : (i+1)*32] }
	return positionChainState{
		TickLower:   int32(signedWord(word(5)).Int64()),
		TickUpper:   int32(signedWord(word(6)).Int64()),
		Liquidity:   decimal.NewFromBigInt(new(big.Int).SetBytes(word(7)), 0),
		TokensOwed0: decimal.NewFromBigInt(new(big.Int).SetBytes(word(10)), 0),
		TokensOwed1: decimal.NewFromBigInt(new(big.Int).SetBytes(word(11)), 0),
	}, true
}

// signedWord interprets a 32-byte ABI word as a signed two's-complement
// integer.
func signedWord(b []byte) *big.Int {
	n := new(big.Int).SetBytes(b)
	if b[0]&0x80 != 0 {
		max := new(big.Int).Lsh(big.NewInt(1), 256)
		n.Sub(n, max)
	}
	return n
}

func (r *DailyNAVSnapshotRule) publishStateRefreshed(id chain.ID, p models.Position, value, pnl, fees decimal.Decimal, now time.Time) {
	payload, err := json.Marshal(map[string]string{
		"currentValue":   value.String(),
		"unrealizedPnl":  pnl.String(),
		"unClaimedFees":  fees.String(),
		"poolAddress":    p.PoolAddress,
	})
	if err != nil {
		return
	}
	userID := p.OwnerUserID
	env := domainevents.Envelope{
		Type:       "position.state.refreshed",
		ChainID:    id,
		EntityID:   p.NFTID,
		EntityType: "position",
		UserID:     &userID,
		Payload:    payload,
		Source:     "daily-nav-snapshot",
		ReceivedAt: now,
	}
	body, err := json.Marshal(env)
	if err != nil {
		return
	}
	key := "position.state.refreshed." + id.String() + "." + p.NFTID
	if err := r.deps.Publisher.Publish(bus.ExchangeDomainEvents, key, body); err != nil {
		logger.Warnw("rules: state-refreshed publish failed", "chainId", id, "nftId", p.NFTID, "err", err)
	}
}

func (r *DailyNAVSnapshotRule) pricesPhase(ctx context.Context, refreshed []refreshedPosition) (map[string]decimal.Decimal, error) {
	var ids []string
	seen := make(map[string]bool)
	for _, rp := range refreshed {
		id := rp.Position.QuotePriceSourceID
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return map[string]decimal.Decimal{}, nil
	}
	prices, err := r.deps.Prices.FetchPrices(ctx, ids)
	if err != nil {
		return nil, errors.Wrap(err, "rules: fetch quote prices")
	}
	return prices, nil
}

func (r *DailyNAVSnapshotRule) snapshotPhase(ctx context.Context, refreshed []refreshedPosition, prices map[string]decimal.Decimal) error {
	byUser := make(map[string][]refreshedPosition)
	for _, rp := range refreshed {
		byUser[rp.Position.OwnerUserID] = append(byUser[rp.Position.OwnerUserID], rp)
	}

	now := time.Now().UTC()
	for userID, userPositions := range byUser {
		user, err := r.deps.Users.Get(ctx, userID)
		if err != nil {
			logger.Warnw("rules: user lookup failed, skipping snapshot", "userId", userID, "err", err)
			continue
		}

		totalValue, totalPnl, totalFees := decimal.Zero, decimal.Zero, decimal.Zero
		for _, rp := range userPositions {
			fx := decimal.NewFromInt(1)
			if p, ok := prices[rp.Position.QuotePriceSourceID]; ok {
				fx = p
			}
			totalValue = totalValue.Add(finance.ConvertToReportingCurrency(rp.CurrentValue, fx))
			totalPnl = totalPnl.Add(finance.ConvertToReportingCurrency(rp.UnrealizedPnl, fx))
			totalFees = totalFees.Add(finance.ConvertToReportingCurrency(rp.UnclaimedFees, fx))
		}

		entries, err := r.deps.Journal.ListEntriesByUser(ctx, userID)
		if err != nil {
			logger.Warnw("rules: journal read failed, skipping snapshot", "userId", userID, "err", err)
			continue
		}
		balances := finance.AggregateByAccount(entries)
		balancesJSON, err := marshalBalances(balances)
		if err != nil {
			logger.Warnw("rules: failed to serialize balances", "userId", userID, "err", err)
			continue
		}

		if err := r.deps.Snapshots.Insert(ctx, orm.NAVSnapshot{
			ID:                orm.NewSnapshotID(),
			UserID:            userID,
			Currency:          user.ReportingCurrency,
			TotalValue:        totalValue.String(),
			TotalPnl:          totalPnl.String(),
			TotalFees:         totalFees.String(),
			AccountBalancesJS: balancesJSON,
			CreatedAt:         now,
		}); err != nil {
			logger.Warnw("rules: snapshot insert failed", "userId", userID, "err", err)
		}
	}
	return nil
}

func marshalBalances(balances map[string]decimal.Decimal) (string, error) {
	out := make(map[string]string, len(balances))
	for code, amount := range balances {
		out[code] = amount.String()
	}
	raw, err := json.Marshal(out)
	return string(raw), err
}
