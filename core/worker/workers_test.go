package worker

import (
	"context"
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	busmocks "github.com/0xNedAlbo/midcurve-finance-sub000/core/bus/mocks"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/cache"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/chain"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/domainevents"
	rpcmocks "github.com/0xNedAlbo/midcurve-finance-sub000/core/rpcclient/mocks"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/rpcclient"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/store/models"
)

func TestIDKeyedFilter(t *testing.T) {
	build := idKeyedFilter(positionLiquidityTopics)

	nfpm := "0x1111111111111111111111111111111111111111"
	members := map[string]models.MemberMeta{
		"nft:42": {Key: models.MemberKey{Kind: models.MemberNFT, Value: "42"}, ContractAddress: nfpm},
		"nft:99": {Key: models.MemberKey{Kind: models.MemberNFT, Value: "99"}, ContractAddress: nfpm},
	}

	addresses, topics := build(members)

	// Both members share the position manager, so one address.
	require.Len(t, addresses, 1)
	assert.Equal(t, common.HexToAddress(nfpm), addresses[0])

	require.Len(t, topics, 2)
	assert.Equal(t, positionLiquidityTopics, topics[0])
	assert.ElementsMatch(t, []common.Hash{
		common.BigToHash(big.NewInt(42)),
		common.BigToHash(big.NewInt(99)),
	}, topics[1])
}

func TestNFPMTransferKind(t *testing.T) {
	someone := common.BytesToHash(common.HexToAddress("0xabc").Bytes())

	tests := []struct {
		name string
		from common.Hash
		to   common.Hash
		want string
	}{
		{"mint", zeroAddressHash, someone, "MINT"},
		{"burn", someone, zeroAddressHash, "BURN"},
		{"transfer", someone, someone, "TRANSFER"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log := types.Log{Topics: []common.Hash{transferTopic, tt.from, tt.to, common.BigToHash(big.NewInt(7))}}
			assert.Equal(t, tt.want, string(nfpmTransferKind(log)))
		})
	}
}

func TestCloseOrderTriggerMode(t *testing.T) {
	word := func(v byte) []byte {
		b := make([]byte, 32)
		b[31] = v
		return b
	}
	assert.Equal(t, "take-profit", string(closeOrderTriggerMode(word(0))))
	assert.Equal(t, "stop-loss", string(closeOrderTriggerMode(word(1))))
	assert.Equal(t, "manual", string(closeOrderTriggerMode(word(9))))
	assert.Equal(t, "manual", string(closeOrderTriggerMode(nil)))
}

func TestBuildPositionLiquidityEnvelope(t *testing.T) {
	log := types.Log{
		Address:     common.HexToAddress("0x2222222222222222222222222222222222222222"),
		Topics:      []common.Hash{increaseLiquidityTopic, common.BigToHash(big.NewInt(42))},
		BlockNumber: 123456,
		TxHash:      common.HexToHash("0xdead"),
		Index:       3,
	}

	exchange, routingKey, body, err := buildPositionLiquidityEnvelope(chain.Ethereum, log)
	require.NoError(t, err)
	assert.Equal(t, "position-liquidity-events", exchange)
	assert.Equal(t, "uniswapv3.1.42", routingKey)

	var env domainevents.Envelope
	require.NoError(t, json.Unmarshal(body, &env))
	assert.Equal(t, "position.liquidity.increased", env.Type)
	assert.Equal(t, "42", env.EntityID)
	assert.Equal(t, "position", env.EntityType)
	require.NotNil(t, env.BlockNumber)
	assert.Equal(t, "123456", env.BlockNumber.String())

	// Block numbers ride the wire as decimal strings.
	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &raw))
	assert.Equal(t, "123456", raw["blockNumber"])
}

func TestBuildNFPMTransferEnvelope_RoutingKey(t *testing.T) {
	log := types.Log{
		Topics: []common.Hash{
			transferTopic,
			zeroAddressHash,
			common.BytesToHash(common.HexToAddress("0xabc").Bytes()),
			common.BigToHash(big.NewInt(7)),
		},
		BlockNumber: 10,
	}
	_, routingKey, _, err := buildNFPMTransferEnvelope(chain.Base, log)
	require.NoError(t, err)
	assert.Equal(t, "uniswapv3.8453.mint.7", routingKey)
}

func newTestAppCtx(cl *rpcmocks.Client, pub *busmocks.Publisher) *AppContext {
	return &AppContext{
		Config:  newTestConfig(),
		Bus:     pub,
		Cache:   cache.NewMemory(),
		Clients: map[chain.ID]rpcclient.Client{chain.Ethereum: cl},
	}
}

// Two deliveries of the same created entity must produce exactly one
// membership.
func TestStreamingWorker_HandleEntityCreated_Idempotent(t *testing.T) {
	cl := new(rpcmocks.Client)
	pub := new(busmocks.Publisher)

	sub := rpcmocks.NewSubscription()
	sub.On("Unsubscribe").Return()
	cl.On("SubscribeEvents", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(sub, nil)
	cl.On("BlockNumber", mock.Anything).Return(uint64(1005), nil)
	cl.On("FinalizedBlockNumber", mock.Anything).Return(uint64(1000), true, nil)
	cl.On("GetLogs", mock.Anything, mock.Anything).Return([]types.Log{}, nil)

	appCtx := newTestAppCtx(cl, pub)
	w := NewStreamingWorker(appCtx, StreamingSpec{
		Name:                 "test",
		Subsystem:            "test",
		BuildFilter:          idKeyedFilter(positionLiquidityTopics),
		KeyFromLog:           func(log types.Log) (models.MemberKey, error) { return models.MemberKey{}, nil },
		BuildEnvelope:        func(log types.Log, m models.MemberMeta) (string, string, []byte, error) { return "", "", nil, nil },
		CatchupBuildEnvelope: buildPositionLiquidityEnvelope,
	})

	meta := models.MemberMeta{
		Key:             models.MemberKey{Kind: models.MemberNFT, Value: "99"},
		ChainID:         chain.Ethereum,
		EntityID:        "99",
		ContractAddress: "0x1111111111111111111111111111111111111111",
		AddedAt:         time.Now().UTC(),
	}

	require.NoError(t, w.HandleEntityCreated(context.Background(), chain.Ethereum, meta))
	require.NoError(t, w.HandleEntityCreated(context.Background(), chain.Ethereum, meta))

	total := 0
	for _, batches := range w.batchesByChain {
		for _, b := range batches {
			total += b.MemberCount()
		}
	}
	assert.Equal(t, 1, total)

	// The per-entity scan covered (F, C] exactly once.
	cl.AssertNumberOfCalls(t, "GetLogs", 1)
}
