package subscription_test

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	busmocks "github.com/0xNedAlbo/midcurve-finance-sub000/core/bus/mocks"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/chain"
	rpcmocks "github.com/0xNedAlbo/midcurve-finance-sub000/core/rpcclient/mocks"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/store/models"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/subscription"
)

func poolKeyFromLog(log types.Log) (models.MemberKey, error) {
	return models.MemberKey{Kind: models.MemberPool, Value: strings.ToLower(log.Address.Hex())}, nil
}

// testPoolAddr is common.HexToAddress("0xabc") in the lower-cased form
// member keys use.
const testPoolAddr = "0x0000000000000000000000000000000000000abc"

func poolFilterBuilder(members map[string]models.MemberMeta) ([]common.Address, [][]common.Hash) {
	addrs := make([]common.Address, 0, len(members))
	for _, m := range members {
		addrs = append(addrs, common.HexToAddress(m.Key.Value))
	}
	return addrs, nil
}

func poolEnvelopeBuilder(log types.Log, member models.MemberMeta) (string, string, []byte, error) {
	body := []byte(fmt.Sprintf("%d:%d", log.BlockNumber, log.Index))
	return "pool-prices", "uniswapv3." + member.ChainID.String() + "." + member.Key.Value, body, nil
}

func newTestBatch(t *testing.T) (*subscription.Batch, *rpcmocks.Client, *busmocks.Publisher) {
	t.Helper()
	cl := new(rpcmocks.Client)
	pub := new(busmocks.Publisher)
	b := subscription.NewBatch(subscription.Options{
		ChainID:       chain.Ethereum,
		EndpointURL:   "wss://example",
		BatchIndex:    0,
		Client:        cl,
		Publisher:     pub,
		BuildFilter:   poolFilterBuilder,
		KeyFromLog:    poolKeyFromLog,
		BuildEnvelope: poolEnvelopeBuilder,
	})
	return b, cl, pub
}

func member(addr string) models.MemberMeta {
	return models.MemberMeta{Key: models.MemberKey{Kind: models.MemberPool, Value: addr}, ChainID: chain.Ethereum}
}

// AddMember succeeds under capacity, fails with
// CapacityExceeded at capacity, without changing state.
func TestBatch_AddMember_Capacity(t *testing.T) {
	b, cl, _ := newTestBatch(t)
	sub := rpcmocks.NewSubscription()
	sub.On("Unsubscribe").Return()
	cl.On("SubscribeEvents", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(sub, nil)

	for i := 0; i < subscription.MaxPerBatch; i++ {
		addr := common.BigToAddress(big.NewInt(int64(i + 1))).Hex()
		require.NoError(t, b.AddMember(member(addr)))
	}
	assert.Equal(t, subscription.MaxPerBatch, b.MemberCount())
	assert.False(t, b.HasCapacity())

	err := b.AddMember(member("0xExtra"))
	assert.ErrorIs(t, err, subscription.ErrCapacityExceeded)
	assert.Equal(t, subscription.MaxPerBatch, b.MemberCount())
}

// RemoveMember of a non-member is a no-op; removing the last
// member while running transitions the batch to Stopped.
func TestBatch_RemoveMember(t *testing.T) {
	b, cl, _ := newTestBatch(t)
	sub := rpcmocks.NewSubscription()
	sub.On("Unsubscribe").Return()
	cl.On("SubscribeEvents", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(sub, nil)

	require.NoError(t, b.RemoveMember(models.MemberKey{Kind: models.MemberPool, Value: "0xnope"}))
	assert.Equal(t, 0, b.MemberCount())

	m := member("0xabc")
	require.NoError(t, b.AddMember(m))
	assert.Equal(t, subscription.Connected, b.State())

	require.NoError(t, b.RemoveMember(m.Key))
	assert.Equal(t, 0, b.MemberCount())
	assert.Equal(t, subscription.Stopped, b.State())
}

// Logs delivered in ascending (blockNumber, logIndex) order in
// Normal mode publish in the same order.
func TestBatch_NormalMode_PreservesOrder(t *testing.T) {
	b, cl, pub := newTestBatch(t)
	sub := rpcmocks.NewSubscription()
	sub.On("Unsubscribe").Return()
	var onLogFn func(types.Log)
	cl.On("SubscribeEvents", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			onLogFn = args.Get(2).(func(types.Log))
		}).
		Return(sub, nil)

	m := member(testPoolAddr)
	require.NoError(t, b.AddMember(m))
	require.NotNil(t, onLogFn)

	var published []string
	pub.On("Publish", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			published = append(published, string(args.Get(2).([]byte)))
		}).
		Return(nil)

	onLogFn(types.Log{Address: common.HexToAddress("0xabc"), BlockNumber: 100, Index: 0})
	onLogFn(types.Log{Address: common.HexToAddress("0xabc"), BlockNumber: 100, Index: 1})
	onLogFn(types.Log{Address: common.HexToAddress("0xabc"), BlockNumber: 101, Index: 0})

	require.Len(t, published, 3)
	assert.Equal(t, []string{"100:0", "100:1", "101:0"}, published)
}

// Buffered events flush in insertion order; each publish
// failure is logged and does not stop the flush; buffer is empty after.
func TestBatch_Buffering_FlushInOrder_ToleratesFailures(t *testing.T) {
	b, cl, pub := newTestBatch(t)
	sub := rpcmocks.NewSubscription()
	sub.On("Unsubscribe").Return()
	var onLogFn func(types.Log)
	cl.On("SubscribeEvents", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			onLogFn = args.Get(2).(func(types.Log))
		}).
		Return(sub, nil)

	m := member(testPoolAddr)
	require.NoError(t, b.AddMember(m))
	require.NotNil(t, onLogFn)

	b.EnableBuffering()

	onLogFn(types.Log{Address: common.HexToAddress("0xabc"), BlockNumber: 1, Index: 0})
	onLogFn(types.Log{Address: common.HexToAddress("0xabc"), BlockNumber: 2, Index: 0})
	onLogFn(types.Log{Address: common.HexToAddress("0xabc"), BlockNumber: 3, Index: 0})
	assert.Equal(t, 3, b.GlobalBufferLen())

	var published []string
	record := func(args mock.Arguments) {
		published = append(published, string(args.Get(2).([]byte)))
	}
	pub.On("Publish", mock.Anything, mock.Anything, mock.Anything).
		Run(record).Return(nil).Once()
	pub.On("Publish", mock.Anything, mock.Anything, mock.Anything).
		Run(record).Return(errors.New("bus outage")).Once()
	pub.On("Publish", mock.Anything, mock.Anything, mock.Anything).
		Run(record).Return(nil).Once()

	b.FlushBufferAndDisableBuffering()

	assert.Equal(t, 0, b.GlobalBufferLen())
	pub.AssertNumberOfCalls(t, "Publish", 3)
	assert.Equal(t, []string{"1:0", "2:0", "3:0"}, published)
}

// A reorg-removed log is dropped; no publish, no block-observer call.
func TestBatch_ReorgDrop(t *testing.T) {
	b, cl, pub := newTestBatch(t)
	sub := rpcmocks.NewSubscription()
	sub.On("Unsubscribe").Return()
	var onLogFn func(types.Log)
	cl.On("SubscribeEvents", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			onLogFn = args.Get(2).(func(types.Log))
		}).
		Return(sub, nil)

	observed := false
	b.SetBlockObserver(func(chain.ID, uint64) { observed = true })

	m := member("0xabc")
	require.NoError(t, b.AddMember(m))
	require.NotNil(t, onLogFn)

	onLogFn(types.Log{Address: common.HexToAddress("0xabc"), BlockNumber: 5, Removed: true})

	pub.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
	assert.False(t, observed)
}

// Seeded members populate an idle batch without starting the stream.
func TestBatch_SeededMembersStayIdle(t *testing.T) {
	cl := new(rpcmocks.Client)
	pub := new(busmocks.Publisher)
	b := subscription.NewBatch(subscription.Options{
		ChainID:       chain.Ethereum,
		Client:        cl,
		Publisher:     pub,
		BuildFilter:   poolFilterBuilder,
		KeyFromLog:    poolKeyFromLog,
		BuildEnvelope: poolEnvelopeBuilder,
		Members:       []models.MemberMeta{member("0xabc"), member("0xdef")},
	})

	assert.Equal(t, 2, b.MemberCount())
	assert.Equal(t, subscription.Idle, b.State())
	cl.AssertNotCalled(t, "SubscribeEvents", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}
