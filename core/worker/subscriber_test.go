package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gopkg.in/guregu/null.v4"

	busmocks "github.com/0xNedAlbo/midcurve-finance-sub000/core/bus/mocks"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/chain"
	ormmocks "github.com/0xNedAlbo/midcurve-finance-sub000/core/store/orm/mocks"
	rpcmocks "github.com/0xNedAlbo/midcurve-finance-sub000/core/rpcclient/mocks"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/store/models"
)

// A row whose owner stopped polling gets paused and unsubscribed on the
// next sweep; nothing is published along the way.
func TestSubscriberWorker_SweepOnce_PausesStaleRow(t *testing.T) {
	cl := new(rpcmocks.Client)
	pub := new(busmocks.Publisher)
	repo := new(ormmocks.SubscribersRepo)

	now := time.Now().UTC()
	stale := models.SubscriberRow{
		ID:             "sub-1",
		ChainID:        chain.Ethereum,
		WalletAddress:  "0xAbCd000000000000000000000000000000000001",
		State:          models.SubscriberActive,
		LastPolledAt:   now.Add(-90 * time.Second),
		ExpiresAfterMs: null.IntFrom(60_000),
	}
	require.True(t, stale.IsStale(now))

	repo.On("ListStale", mock.Anything, now).Return([]models.SubscriberRow{stale}, nil)
	repo.On("Pause", mock.Anything, "sub-1", now).Return(nil)
	repo.On("ListPrunable", mock.Anything, now, mock.Anything).Return(nil, nil)

	appCtx := newTestAppCtx(cl, pub)
	appCtx.Subscribers = repo
	w := NewSubscriberWorker(appCtx)

	w.SweepOnce(context.Background(), now)

	repo.AssertCalled(t, "Pause", mock.Anything, "sub-1", now)
	pub.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
}

// A row paused for longer than the prune threshold is deleted.
func TestSubscriberWorker_SweepOnce_PrunesOldPausedRow(t *testing.T) {
	cl := new(rpcmocks.Client)
	pub := new(busmocks.Publisher)
	repo := new(ormmocks.SubscribersRepo)

	now := time.Now().UTC()
	paused := models.SubscriberRow{
		ID:       "sub-2",
		ChainID:  chain.Ethereum,
		State:    models.SubscriberPaused,
		PausedAt: null.TimeFrom(now.Add(-25 * time.Hour)),
	}
	require.True(t, paused.IsPrunable(now, 24*time.Hour))

	repo.On("ListStale", mock.Anything, now).Return(nil, nil)
	repo.On("ListPrunable", mock.Anything, now, 24*time.Hour).Return([]models.SubscriberRow{paused}, nil)
	repo.On("Delete", mock.Anything, "sub-2").Return(nil)

	appCtx := newTestAppCtx(cl, pub)
	appCtx.Subscribers = repo
	w := NewSubscriberWorker(appCtx)

	w.SweepOnce(context.Background(), now)

	repo.AssertCalled(t, "Delete", mock.Anything, "sub-2")
}
