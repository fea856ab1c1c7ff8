package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	busmocks "github.com/0xNedAlbo/midcurve-finance-sub000/core/bus/mocks"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/chain"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/domainevents"
	ormmocks "github.com/0xNedAlbo/midcurve-finance-sub000/core/store/orm/mocks"
	rpcmocks "github.com/0xNedAlbo/midcurve-finance-sub000/core/rpcclient/mocks"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/store/models"
)

const testPool = "0x3333333333333333333333333333333333333333"

func positionEnvelope(t *testing.T, eventType, nftID string) domainevents.Envelope {
	t.Helper()
	payload, err := json.Marshal(map[string]string{"poolAddress": testPool})
	require.NoError(t, err)
	return domainevents.Envelope{
		Type:       eventType,
		ChainID:    chain.Ethereum,
		EntityID:   nftID,
		EntityType: "position",
		Payload:    payload,
		Source:     "test",
		ReceivedAt: time.Now().UTC(),
	}
}

func newConsumerFixture(t *testing.T) (*IngestConsumers, *StreamingWorker, *StreamingWorker, *ormmocks.PositionsRepo) {
	t.Helper()
	cl := new(rpcmocks.Client)
	pub := new(busmocks.Publisher)

	sub := rpcmocks.NewSubscription()
	sub.On("Unsubscribe").Return()
	cl.On("SubscribeEvents", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(sub, nil)
	cl.On("BlockNumber", mock.Anything).Return(uint64(1005), nil)
	cl.On("FinalizedBlockNumber", mock.Anything).Return(uint64(1000), true, nil)
	cl.On("GetLogs", mock.Anything, mock.Anything).Return([]types.Log{}, nil)

	positions := new(ormmocks.PositionsRepo)
	appCtx := newTestAppCtx(cl, pub)
	appCtx.Positions = positions

	posLiquidity := NewPositionLiquidityWorker(appCtx)
	poolPrice := NewPoolPriceWorker(appCtx)

	// Seed both workers with one subscribed position on testPool.
	nftMeta := models.MemberMeta{
		Key:             models.MemberKey{Kind: models.MemberNFT, Value: "42"},
		ChainID:         chain.Ethereum,
		EntityID:        "42",
		ContractAddress: "0x1111111111111111111111111111111111111111",
	}
	require.NoError(t, posLiquidity.HandleEntityCreated(context.Background(), chain.Ethereum, nftMeta))

	poolMeta := models.MemberMeta{
		Key:      models.MemberKey{Kind: models.MemberPool, Value: testPool},
		ChainID:  chain.Ethereum,
		EntityID: testPool,
	}
	require.NoError(t, poolPrice.HandleEntityCreated(context.Background(), chain.Ethereum, poolMeta))

	consumers := NewIngestConsumers(appCtx, posLiquidity, poolPrice, nil, nil)
	return consumers, posLiquidity, poolPrice, positions
}

// position.closed keeps the NFT subscription (the position can be
// re-funded) but drops the pool once no active position references it.
func TestIngestConsumers_PositionClosed(t *testing.T) {
	consumers, posLiquidity, poolPrice, positions := newConsumerFixture(t)

	positions.On("CountActiveByPool", mock.Anything, chain.Ethereum, testPool).Return(int64(0), nil)

	env := positionEnvelope(t, "position.closed", "42")
	require.NoError(t, consumers.onPositionClosed(context.Background(), env))

	assert.True(t, posLiquidity.hasAnyMember(chain.Ethereum, models.MemberKey{Kind: models.MemberNFT, Value: "42"}))
	assert.False(t, poolPrice.hasAnyMember(chain.Ethereum, models.MemberKey{Kind: models.MemberPool, Value: testPool}))
}

// position.closed leaves the pool subscribed while other active positions
// still reference it.
func TestIngestConsumers_PositionClosed_PoolStillReferenced(t *testing.T) {
	consumers, _, poolPrice, positions := newConsumerFixture(t)

	positions.On("CountActiveByPool", mock.Anything, chain.Ethereum, testPool).Return(int64(2), nil)

	env := positionEnvelope(t, "position.closed", "42")
	require.NoError(t, consumers.onPositionClosed(context.Background(), env))

	assert.True(t, poolPrice.hasAnyMember(chain.Ethereum, models.MemberKey{Kind: models.MemberPool, Value: testPool}))
}

// position.deleted removes the NFT subscription unconditionally.
func TestIngestConsumers_PositionDeleted(t *testing.T) {
	consumers, posLiquidity, _, positions := newConsumerFixture(t)

	positions.On("CountActiveByPool", mock.Anything, chain.Ethereum, testPool).Return(int64(1), nil)

	env := positionEnvelope(t, "position.deleted", "42")
	require.NoError(t, consumers.onPositionRemoved(context.Background(), env))

	assert.False(t, posLiquidity.hasAnyMember(chain.Ethereum, models.MemberKey{Kind: models.MemberNFT, Value: "42"}))
}
