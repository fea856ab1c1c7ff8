package rules

import (
	"context"
	"time"

	"github.com/0xNedAlbo/midcurve-finance-sub000/core/cache"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/logger"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/scheduler"
)

// TokenListFetcher pulls the external token list and stores it; the rule
// only decides when to call it.
type TokenListFetcher interface {
	FetchAndStore(ctx context.Context) error
}

const (
	tokenListRuleName   = "refresh-coingecko-tokens"
	tokenListCron       = "17 3 * * *"
	tokenListGateKey    = "rule:refresh-coingecko-tokens:last-run"
	tokenListGateWindow = 24 * time.Hour
)

// TokenListRefreshRule refreshes the token list once a day. A cache-backed
// gate makes the callback idempotent when the scheduler double-fires (or
// when run-on-start lands shortly after a cron tick).
type TokenListRefreshRule struct {
	BaseRule

	cache   cache.Cache
	fetcher TokenListFetcher
}

// NewTokenListRefreshRule builds the rule.
func NewTokenListRefreshRule(sched *scheduler.Scheduler, c cache.Cache, fetcher TokenListFetcher) *TokenListRefreshRule {
	return &TokenListRefreshRule{
		BaseRule: BaseRule{
			RuleName:        tokenListRuleName,
			RuleDescription: "Daily token-list refresh from the external price catalogue",
			Scheduler:       sched,
		},
		cache:   c,
		fetcher: fetcher,
	}
}

// OnStartup registers the daily schedule with an immediate first run.
func (r *TokenListRefreshRule) OnStartup(ctx context.Context) error {
	return r.RegisterSchedule(scheduler.Options{
		CronExpression: tokenListCron,
		Description:    r.RuleDescription,
		Timezone:       time.UTC,
		RunOnStart:     true,
	}, func() error {
		return r.Run(context.Background())
	})
}

// Run executes one gated refresh.
func (r *TokenListRefreshRule) Run(ctx context.Context) error {
	lastRun, err := r.cache.Get(ctx, tokenListGateKey)
	if err == nil {
		if t, perr := time.Parse(time.RFC3339, lastRun); perr == nil && time.Since(t) < tokenListGateWindow {
			logger.Debugw("rules: token-list refresh gated, already ran", "lastRun", lastRun)
			return nil
		}
	} else if err != cache.ErrNotFound {
		return err
	}

	if err := r.fetcher.FetchAndStore(ctx); err != nil {
		return err
	}

	return r.cache.Set(ctx, tokenListGateKey, time.Now().UTC().Format(time.RFC3339), tokenListGateWindow)
}
