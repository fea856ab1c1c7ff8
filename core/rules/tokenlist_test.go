package rules

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xNedAlbo/midcurve-finance-sub000/core/cache"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/scheduler"
)

type countingFetcher struct {
	calls int64
}

func (f *countingFetcher) FetchAndStore(context.Context) error {
	atomic.AddInt64(&f.calls, 1)
	return nil
}

// A second firing inside the 24h window reads the gate key and returns
// without hitting the external fetch.
func TestTokenListRefresh_GateSuppressesSecondRun(t *testing.T) {
	fetcher := &countingFetcher{}
	rule := NewTokenListRefreshRule(scheduler.New(), cache.NewMemory(), fetcher)

	require.NoError(t, rule.Run(context.Background()))
	require.NoError(t, rule.Run(context.Background()))

	assert.Equal(t, int64(1), atomic.LoadInt64(&fetcher.calls))
}

func TestTokenListRefresh_RunsAgainWhenGateExpired(t *testing.T) {
	fetcher := &countingFetcher{}
	c := cache.NewMemory()
	rule := NewTokenListRefreshRule(scheduler.New(), c, fetcher)

	require.NoError(t, rule.Run(context.Background()))
	require.NoError(t, c.Delete(context.Background(), tokenListGateKey))
	require.NoError(t, rule.Run(context.Background()))

	assert.Equal(t, int64(2), atomic.LoadInt64(&fetcher.calls))
}
