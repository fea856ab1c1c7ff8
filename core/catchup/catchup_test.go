package catchup_test

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/0xNedAlbo/midcurve-finance-sub000/core/blocktracker"
	busmocks "github.com/0xNedAlbo/midcurve-finance-sub000/core/bus/mocks"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/cache"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/catchup"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/chain"
	rpcmocks "github.com/0xNedAlbo/midcurve-finance-sub000/core/rpcclient/mocks"
)

func envelopeBuilder(id chain.ID, log types.Log) (string, string, []byte, error) {
	return "pool-prices", "uniswapv3.1." + log.Address.Hex(), []byte("{}"), nil
}

// Scanning [a,b] yields a sorted-by-
// (blockNumber, logIndex) sequence with no duplicate (txHash, logIndex).
func TestScanFinalized_DedupsAndSorts(t *testing.T) {
	cl := new(rpcmocks.Client)
	pub := new(busmocks.Publisher)

	dup := types.Log{Address: common.HexToAddress("0xa1"), BlockNumber: 100, Index: 0, TxHash: common.HexToHash("0x1")}
	later := types.Log{Address: common.HexToAddress("0xa2"), BlockNumber: 100, Index: 1, TxHash: common.HexToHash("0x2")}
	earlier := types.Log{Address: common.HexToAddress("0xa3"), BlockNumber: 99, Index: 0, TxHash: common.HexToHash("0x3")}

	cl.On("GetLogs", mock.Anything, mock.Anything).
		Return([]types.Log{later, dup, earlier, dup}, nil).Once()

	var publishedKeys []string
	pub.On("Publish", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			publishedKeys = append(publishedKeys, args.String(1))
		}).
		Return(nil)

	phase := catchup.ScanFinalized(context.Background(), catchup.Options{
		ChainID:       chain.Ethereum,
		Client:        cl,
		Publisher:     pub,
		BuildEnvelope: envelopeBuilder,
	}, 90, 100)

	require.NoError(t, phase.Err)
	assert.Equal(t, 3, phase.EventsFound)
	assert.Equal(t, 3, phase.EventsPublished)
	require.Len(t, publishedKeys, 3)
	// earlier (block 99) then the two at block 100 in index order.
	assert.Equal(t, []string{
		"uniswapv3.1." + earlier.Address.Hex(),
		"uniswapv3.1." + dup.Address.Hex(),
		"uniswapv3.1." + later.Address.Hex(),
	}, publishedKeys)
}

// A failed window is logged and scanning continues with the rest of the
// range.
func TestScan_WindowFailureContinues(t *testing.T) {
	cl := new(rpcmocks.Client)
	pub := new(busmocks.Publisher)

	cl.On("GetLogs", mock.Anything, mock.MatchedBy(func(f ethereum.FilterQuery) bool {
		return f.FromBlock.Uint64() == 0
	})).Return(nil, errors.New("rpc timeout")).Once()
	cl.On("GetLogs", mock.Anything, mock.MatchedBy(func(f ethereum.FilterQuery) bool {
		return f.FromBlock.Uint64() != 0
	})).Return([]types.Log{
		{Address: common.HexToAddress("0xabc"), BlockNumber: 10000, Index: 0, TxHash: common.HexToHash("0x9")},
	}, nil)

	pub.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	phase := catchup.ScanNonFinalized(context.Background(), catchup.Options{
		ChainID:         chain.Ethereum,
		Client:          cl,
		Publisher:       pub,
		BuildEnvelope:   envelopeBuilder,
		BatchSizeBlocks: 10000,
	}, 0, 15000)

	require.Error(t, phase.Err)
	assert.Equal(t, 1, phase.EventsFound)
	assert.Equal(t, 1, phase.EventsPublished)
}

// ScanNonFinalized never touches the block tracker, even on full success.
func TestScanNonFinalized_NeverAdvancesTracker(t *testing.T) {
	cl := new(rpcmocks.Client)
	pub := new(busmocks.Publisher)

	cl.On("GetLogs", mock.Anything, mock.Anything).Return([]types.Log{}, nil)
	tracker := blocktracker.New(cache.NewMemory(), "pool-prices")

	phase := catchup.ScanNonFinalized(context.Background(), catchup.Options{
		ChainID:       chain.Ethereum,
		Client:        cl,
		Publisher:     pub,
		BuildEnvelope: envelopeBuilder,
		Tracker:       tracker,
	}, 1, 100)

	require.NoError(t, phase.Err)
	assert.Equal(t, 0, phase.EventsFound)

	_, ok, err := tracker.Get(context.Background(), chain.Ethereum)
	require.NoError(t, err)
	assert.False(t, ok)
}

// A fully successful finalized scan advances the cached last-block to the
// scanned upper bound; a failed one leaves it untouched.
func TestScanFinalized_AdvancesTrackerOnSuccessOnly(t *testing.T) {
	cl := new(rpcmocks.Client)
	pub := new(busmocks.Publisher)
	mem := cache.NewMemory()
	tracker := blocktracker.New(mem, "pool-prices")

	cl.On("GetLogs", mock.Anything, mock.Anything).Return([]types.Log{}, nil).Once()

	phase := catchup.ScanFinalized(context.Background(), catchup.Options{
		ChainID:       chain.Ethereum,
		Client:        cl,
		Publisher:     pub,
		BuildEnvelope: envelopeBuilder,
		Tracker:       tracker,
	}, 100, 200)
	require.NoError(t, phase.Err)

	cached, ok, err := tracker.Get(context.Background(), chain.Ethereum)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(200), cached)

	// A failed window keeps the tracker where it was.
	cl.On("GetLogs", mock.Anything, mock.Anything).Return(nil, errors.New("rpc down")).Once()
	phase = catchup.ScanFinalized(context.Background(), catchup.Options{
		ChainID:       chain.Ethereum,
		Client:        cl,
		Publisher:     pub,
		BuildEnvelope: envelopeBuilder,
		Tracker:       tracker,
	}, 200, 300)
	require.Error(t, phase.Err)

	cached, _, err = tracker.Get(context.Background(), chain.Ethereum)
	require.NoError(t, err)
	assert.Equal(t, uint64(200), cached)
}
