package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/0xNedAlbo/midcurve-finance-sub000/core/bus"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/chain"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/domainevents"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/store/models"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/store/orm"
)

// Event signatures the streaming workers filter on. Hashed at init the
// same way abigen binds them.
var (
	increaseLiquidityTopic = crypto.Keccak256Hash([]byte("IncreaseLiquidity(uint256,uint128,uint256,uint256)"))
	decreaseLiquidityTopic = crypto.Keccak256Hash([]byte("DecreaseLiquidity(uint256,uint128,uint256,uint256)"))
	collectTopic           = crypto.Keccak256Hash([]byte("Collect(uint256,address,uint256,uint256)"))
	swapTopic              = crypto.Keccak256Hash([]byte("Swap(address,address,int256,int256,uint160,uint128,int24)"))
	transferTopic          = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
	orderRegisteredTopic   = crypto.Keccak256Hash([]byte("OrderRegistered(uint256,uint8)"))
	orderExecutedTopic     = crypto.Keccak256Hash([]byte("OrderExecuted(uint256,uint8)"))
	orderCancelledTopic    = crypto.Keccak256Hash([]byte("OrderCancelled(uint256,uint8)"))
)

var zeroAddressHash = common.Hash{}

const (
	contractKindNFPM   = "nfpm"
	contractKindCloser = "closer"
)

func nftIDFromTopic(h common.Hash) string {
	return new(big.Int).SetBytes(h.Bytes()).String()
}

func topicForNFTID(id string) (common.Hash, bool) {
	n, ok := new(big.Int).SetString(id, 10)
	if !ok {
		return common.Hash{}, false
	}
	return common.BigToHash(n), true
}

// idKeyedFilter builds a FilterQuery for members keyed by an indexed id on
// a shared contract: the address list is the distinct contract addresses
// the members point at, topic0 is the event-signature union, topic1 the
// padded ids.
func idKeyedFilter(eventTopics []common.Hash) func(members map[string]models.MemberMeta) ([]common.Address, [][]common.Hash) {
	return func(members map[string]models.MemberMeta) ([]common.Address, [][]common.Hash) {
		seen := make(map[common.Address]bool)
		var addresses []common.Address
		var ids []common.Hash
		for _, m := range members {
			if m.ContractAddress != "" {
				addr := common.HexToAddress(m.ContractAddress)
				if !seen[addr] {
					seen[addr] = true
					addresses = append(addresses, addr)
				}
			}
			if t, ok := topicForNFTID(m.Key.Value); ok {
				ids = append(ids, t)
			}
		}
		return addresses, [][]common.Hash{eventTopics, ids}
	}
}

// addressKeyedFilter builds a FilterQuery for members keyed by their own
// contract address (pools): one address per member, topic0 only.
func addressKeyedFilter(eventTopics []common.Hash) func(members map[string]models.MemberMeta) ([]common.Address, [][]common.Hash) {
	return func(members map[string]models.MemberMeta) ([]common.Address, [][]common.Hash) {
		addresses := make([]common.Address, 0, len(members))
		for _, m := range members {
			addresses = append(addresses, common.HexToAddress(m.Key.Value))
		}
		return addresses, [][]common.Hash{eventTopics}
	}
}

// logPayload is the raw-log projection carried in every on-chain envelope.
type logPayload struct {
	Address     string   `json:"address"`
	Topics      []string `json:"topics"`
	Data        string   `json:"data"`
	BlockNumber string   `json:"blockNumber"`
	TxHash      string   `json:"transactionHash"`
	LogIndex    uint     `json:"logIndex"`
}

func encodeEnvelope(eventType string, id chain.ID, entityID, entityType string, log types.Log) ([]byte, error) {
	payload, err := json.Marshal(logPayload{
		Address:     log.Address.Hex(),
		Topics:      hashesToHex(log.Topics),
		Data:        "0x" + common.Bytes2Hex(log.Data),
		BlockNumber: decimal.NewFromInt(int64(log.BlockNumber)).String(),
		TxHash:      log.TxHash.Hex(),
		LogIndex:    log.Index,
	})
	if err != nil {
		return nil, errors.Wrap(err, "worker: marshal log payload")
	}

	txHash := log.TxHash.Hex()
	logIndex := log.Index
	blockNumber := domainevents.NewBigInt(decimal.NewFromInt(int64(log.BlockNumber)))
	env := domainevents.Envelope{
		Type:            eventType,
		ChainID:         id,
		EntityID:        entityID,
		EntityType:      entityType,
		Payload:         payload,
		Source:          "onchain-ingest",
		ReceivedAt:      time.Now().UTC(),
		BlockNumber:     &blockNumber,
		TransactionHash: &txHash,
		LogIndex:        &logIndex,
	}
	return json.Marshal(env)
}

func hashesToHex(hs []common.Hash) []string {
	out := make([]string, len(hs))
	for i, h := range hs {
		out[i] = h.Hex()
	}
	return out
}

// --- position-liquidity worker ---

var positionLiquidityTopics = []common.Hash{increaseLiquidityTopic, decreaseLiquidityTopic, collectTopic}

func positionLiquidityEventType(topic0 common.Hash) string {
	switch topic0 {
	case increaseLiquidityTopic:
		return "position.liquidity.increased"
	case decreaseLiquidityTopic:
		return "position.liquidity.decreased"
	default:
		return "position.liquidity.collected"
	}
}

func buildPositionLiquidityEnvelope(id chain.ID, log types.Log) (string, string, []byte, error) {
	if len(log.Topics) < 2 {
		return "", "", nil, errors.New("worker: liquidity log missing token id topic")
	}
	nftID := nftIDFromTopic(log.Topics[1])
	body, err := encodeEnvelope(positionLiquidityEventType(log.Topics[0]), id, nftID, "position", log)
	if err != nil {
		return "", "", nil, err
	}
	return bus.ExchangePositionLiquidity, bus.PositionLiquidityRoutingKey(id, nftID), body, nil
}

// NewPositionLiquidityWorker watches IncreaseLiquidity/DecreaseLiquidity/
// Collect on the position manager for every active position's NFT id. A
// closed position keeps its subscription (the NFT can be re-funded); only
// deletion or burn removes it, so the cleanup sweep checks row existence
// rather than the active flag.
func NewPositionLiquidityWorker(appCtx *AppContext) *StreamingWorker {
	return NewStreamingWorker(appCtx, StreamingSpec{
		Name:      "position-liquidity",
		Subsystem: "position-liquidity",

		BuildFilter: idKeyedFilter(positionLiquidityTopics),
		KeyFromLog: func(log types.Log) (models.MemberKey, error) {
			if len(log.Topics) < 2 {
				return models.MemberKey{}, errors.New("worker: liquidity log missing token id topic")
			}
			return models.MemberKey{Kind: models.MemberNFT, Value: nftIDFromTopic(log.Topics[1])}, nil
		},
		BuildEnvelope: func(log types.Log, m models.MemberMeta) (string, string, []byte, error) {
			return buildPositionLiquidityEnvelope(m.ChainID, log)
		},
		CatchupBuildEnvelope: buildPositionLiquidityEnvelope,

		LoadActiveEntities: loadPositionNFTMembers(contractKindNFPM),
		IsEntityActive: func(ctx context.Context, appCtx *AppContext, m models.MemberMeta) (bool, error) {
			_, err := appCtx.Positions.GetByNFTID(ctx, m.ChainID, m.Key.Value)
			if err == sql.ErrNoRows {
				return false, nil
			}
			if err != nil {
				return false, err
			}
			return true, nil
		},
	})
}

// loadPositionNFTMembers loads every active position on a chain as an
// NFT-id member pointed at the chain's shared contract of the given kind.
func loadPositionNFTMembers(kind string) func(ctx context.Context, appCtx *AppContext, id chain.ID) ([]models.MemberMeta, error) {
	return func(ctx context.Context, appCtx *AppContext, id chain.ID) ([]models.MemberMeta, error) {
		contract, err := sharedContract(ctx, appCtx.Contracts, id, kind)
		if err != nil {
			return nil, err
		}
		positions, err := appCtx.Positions.ListActiveByChain(ctx, id)
		if err != nil {
			return nil, err
		}
		members := make([]models.MemberMeta, 0, len(positions))
		for _, p := range positions {
			members = append(members, models.MemberMeta{
				Key:             models.MemberKey{Kind: models.MemberNFT, Value: p.NFTID},
				ChainID:         id,
				EntityID:        p.NFTID,
				ContractAddress: contract,
				AddedAt:         time.Now().UTC(),
			})
		}
		return members, nil
	}
}

func sharedContract(ctx context.Context, repo orm.ContractsRepo, id chain.ID, kind string) (string, error) {
	contracts, err := repo.ListByChainAndKind(ctx, id, kind)
	if err != nil {
		return "", errors.Wrapf(err, "worker: load %s contract", kind)
	}
	if len(contracts) == 0 {
		return "", errors.Errorf("worker: no %s contract registered for chain %d", kind, uint64(id))
	}
	return contracts[0].Address, nil
}

// --- pool-price worker ---

func buildPoolPriceEnvelope(id chain.ID, log types.Log) (string, string, []byte, error) {
	pool := log.Address.Hex()
	body, err := encodeEnvelope("pool.swap", id, pool, "pool", log)
	if err != nil {
		return "", "", nil, err
	}
	return bus.ExchangePoolPrices, bus.SwapRoutingKey(id, pool), body, nil
}

// NewPoolPriceWorker watches Swap on every pool referenced by at least one
// active position. A pool's subscription is dropped as soon as no active
// position references it any more.
func NewPoolPriceWorker(appCtx *AppContext) *StreamingWorker {
	return NewStreamingWorker(appCtx, StreamingSpec{
		Name:      "pool-price",
		Subsystem: "pool-prices",

		BuildFilter: addressKeyedFilter([]common.Hash{swapTopic}),
		KeyFromLog: func(log types.Log) (models.MemberKey, error) {
			return models.MemberKey{Kind: models.MemberPool, Value: strings.ToLower(log.Address.Hex())}, nil
		},
		BuildEnvelope: func(log types.Log, m models.MemberMeta) (string, string, []byte, error) {
			return buildPoolPriceEnvelope(m.ChainID, log)
		},
		CatchupBuildEnvelope: buildPoolPriceEnvelope,

		LoadActiveEntities: func(ctx context.Context, appCtx *AppContext, id chain.ID) ([]models.MemberMeta, error) {
			pools, err := appCtx.Pools.ListActiveByChain(ctx, id)
			if err != nil {
				return nil, err
			}
			members := make([]models.MemberMeta, 0, len(pools))
			for _, p := range pools {
				members = append(members, models.MemberMeta{
					Key:      models.MemberKey{Kind: models.MemberPool, Value: p.Address},
					ChainID:  id,
					EntityID: p.Address,
					AddedAt:  time.Now().UTC(),
				})
			}
			return members, nil
		},
		IsEntityActive: func(ctx context.Context, appCtx *AppContext, m models.MemberMeta) (bool, error) {
			count, err := appCtx.Positions.CountActiveByPool(ctx, m.ChainID, m.Key.Value)
			if err != nil {
				return false, err
			}
			return count > 0, nil
		},
	})
}

// --- NFPM transfer worker ---

func nfpmTransferKind(log types.Log) bus.NFPMTransferKind {
	switch {
	case log.Topics[1] == zeroAddressHash:
		return bus.NFPMTransferMint
	case log.Topics[2] == zeroAddressHash:
		return bus.NFPMTransferBurn
	default:
		return bus.NFPMTransferTransfer
	}
}

func buildNFPMTransferEnvelope(id chain.ID, log types.Log) (string, string, []byte, error) {
	if len(log.Topics) < 4 {
		return "", "", nil, errors.New("worker: transfer log missing token id topic")
	}
	nftID := nftIDFromTopic(log.Topics[3])
	kind := nfpmTransferKind(log)
	body, err := encodeEnvelope("nfpm.transfer", id, nftID, "position", log)
	if err != nil {
		return "", "", nil, err
	}
	return bus.ExchangeNFPMTransferEvents, bus.NFPMTransferRoutingKey(id, kind, nftID), body, nil
}

// NewNFPMTransferWorker watches ERC-721 Transfer on the position manager
// for every tracked position's NFT id, classifying mint/burn/transfer by
// the zero address.
func NewNFPMTransferWorker(appCtx *AppContext) *StreamingWorker {
	return NewStreamingWorker(appCtx, StreamingSpec{
		Name:      "nfpm-transfer",
		Subsystem: "nfpm-transfers",

		BuildFilter: func(members map[string]models.MemberMeta) ([]common.Address, [][]common.Hash) {
			addresses, topics := idKeyedFilter([]common.Hash{transferTopic})(members)
			// Transfer carries the token id in topic3, not topic1.
			return addresses, [][]common.Hash{topics[0], nil, nil, topics[1]}
		},
		KeyFromLog: func(log types.Log) (models.MemberKey, error) {
			if len(log.Topics) < 4 {
				return models.MemberKey{}, errors.New("worker: transfer log missing token id topic")
			}
			return models.MemberKey{Kind: models.MemberNFT, Value: nftIDFromTopic(log.Topics[3])}, nil
		},
		BuildEnvelope: func(log types.Log, m models.MemberMeta) (string, string, []byte, error) {
			return buildNFPMTransferEnvelope(m.ChainID, log)
		},
		CatchupBuildEnvelope: buildNFPMTransferEnvelope,

		LoadActiveEntities: loadPositionNFTMembers(contractKindNFPM),
		IsEntityActive: func(ctx context.Context, appCtx *AppContext, m models.MemberMeta) (bool, error) {
			_, err := appCtx.Positions.GetByNFTID(ctx, m.ChainID, m.Key.Value)
			if err == sql.ErrNoRows {
				return false, nil
			}
			if err != nil {
				return false, err
			}
			return true, nil
		},
	})
}

// --- close-order worker ---

var closeOrderTopics = []common.Hash{orderRegisteredTopic, orderExecutedTopic, orderCancelledTopic}

func closeOrderEventType(topic0 common.Hash) string {
	switch topic0 {
	case orderRegisteredTopic:
		return "closeorder.registered"
	case orderExecutedTopic:
		return "closeorder.executed"
	default:
		return "closeorder.cancelled"
	}
}

// closeOrderTriggerMode decodes the uint8 trigger-mode word at the front
// of the event data.
func closeOrderTriggerMode(data []byte) bus.TriggerMode {
	if len(data) < 32 {
		return bus.TriggerManual
	}
	switch data[31] {
	case 0:
		return bus.TriggerTakeProfit
	case 1:
		return bus.TriggerStopLoss
	default:
		return bus.TriggerManual
	}
}

func buildCloseOrderEnvelope(id chain.ID, log types.Log) (string, string, []byte, error) {
	if len(log.Topics) < 2 {
		return "", "", nil, errors.New("worker: close-order log missing token id topic")
	}
	nftID := nftIDFromTopic(log.Topics[1])
	body, err := encodeEnvelope(closeOrderEventType(log.Topics[0]), id, nftID, "position", log)
	if err != nil {
		return "", "", nil, err
	}
	return bus.ExchangeCloseOrderEvents, bus.CloseOrderRoutingKey(id, nftID, closeOrderTriggerMode(log.Data)), body, nil
}

// NewCloseOrderWorker watches order lifecycle events on the closer
// contract for every tracked position's NFT id.
func NewCloseOrderWorker(appCtx *AppContext) *StreamingWorker {
	return NewStreamingWorker(appCtx, StreamingSpec{
		Name:      "close-order",
		Subsystem: "close-orders",

		BuildFilter: idKeyedFilter(closeOrderTopics),
		KeyFromLog: func(log types.Log) (models.MemberKey, error) {
			if len(log.Topics) < 2 {
				return models.MemberKey{}, errors.New("worker: close-order log missing token id topic")
			}
			return models.MemberKey{Kind: models.MemberNFT, Value: nftIDFromTopic(log.Topics[1])}, nil
		},
		BuildEnvelope: func(log types.Log, m models.MemberMeta) (string, string, []byte, error) {
			return buildCloseOrderEnvelope(m.ChainID, log)
		},
		CatchupBuildEnvelope: buildCloseOrderEnvelope,

		LoadActiveEntities: loadPositionNFTMembers(contractKindCloser),
		IsEntityActive: func(ctx context.Context, appCtx *AppContext, m models.MemberMeta) (bool, error) {
			return appCtx.Positions.IsActive(ctx, m.ChainID, m.Key.Value)
		},
	})
}
