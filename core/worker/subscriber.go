package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/0xNedAlbo/midcurve-finance-sub000/core/bus"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/chain"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/domainevents"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/logger"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/store/models"
)

// walletTransferRoutingKey: wallet.transfer.{chainId}.{walletAddress-lowercased}
func walletTransferRoutingKey(id chain.ID, wallet string) string {
	return fmt.Sprintf("wallet.transfer.%d.%s", uint64(id), strings.ToLower(wallet))
}

func walletTopic(address string) common.Hash {
	return common.BytesToHash(common.HexToAddress(address).Bytes())
}

func buildWalletTransferEnvelope(id chain.ID, log types.Log) (string, string, []byte, error) {
	if len(log.Topics) < 3 {
		return "", "", nil, errors.New("worker: transfer log missing recipient topic")
	}
	wallet := common.BytesToAddress(log.Topics[2].Bytes()).Hex()

	payload, err := json.Marshal(logPayload{
		Address:     log.Address.Hex(),
		Topics:      hashesToHex(log.Topics),
		Data:        "0x" + common.Bytes2Hex(log.Data),
		BlockNumber: decimal.NewFromInt(int64(log.BlockNumber)).String(),
		TxHash:      log.TxHash.Hex(),
		LogIndex:    log.Index,
	})
	if err != nil {
		return "", "", nil, errors.Wrap(err, "worker: marshal wallet payload")
	}

	txHash := log.TxHash.Hex()
	logIndex := log.Index
	blockNumber := domainevents.NewBigInt(decimal.NewFromInt(int64(log.BlockNumber)))
	env := domainevents.Envelope{
		Type:            "wallet.transfer.received",
		ChainID:         id,
		EntityID:        strings.ToLower(wallet),
		EntityType:      "wallet",
		Payload:         payload,
		Source:          "onchain-ingest",
		ReceivedAt:      time.Now().UTC(),
		BlockNumber:     &blockNumber,
		TransactionHash: &txHash,
		LogIndex:        &logIndex,
	}
	body, err := json.Marshal(env)
	if err != nil {
		return "", "", nil, err
	}
	return bus.ExchangeDomainEvents, walletTransferRoutingKey(id, wallet), body, nil
}

// SubscriberWorker tracks poll-driven subscriber wallets: it streams ERC-20
// transfers into those wallets and runs the row lifecycle sweeps on top of
// the common streaming shell — pausing rows whose owner stopped polling,
// pruning rows paused for longer than the prune threshold, and discovering
// newly activated rows.
type SubscriberWorker struct {
	*StreamingWorker

	appCtx *AppContext
}

// NewSubscriberWorker builds the subscriber wallet worker.
func NewSubscriberWorker(appCtx *AppContext) *SubscriberWorker {
	inner := NewStreamingWorker(appCtx, StreamingSpec{
		Name:      "subscriber-wallets",
		Subsystem: "subscriber-wallets",

		BuildFilter: func(members map[string]models.MemberMeta) ([]common.Address, [][]common.Hash) {
			wallets := make([]common.Hash, 0, len(members))
			for _, m := range members {
				wallets = append(wallets, walletTopic(m.Key.Value))
			}
			// Incoming transfers only: the wallet sits in the indexed
			// `to` slot.
			return nil, [][]common.Hash{{transferTopic}, nil, wallets}
		},
		KeyFromLog: func(log types.Log) (models.MemberKey, error) {
			if len(log.Topics) < 3 {
				return models.MemberKey{}, errors.New("worker: transfer log missing recipient topic")
			}
			wallet := common.BytesToAddress(log.Topics[2].Bytes()).Hex()
			return models.MemberKey{Kind: models.MemberWallet, Value: strings.ToLower(wallet)}, nil
		},
		BuildEnvelope: func(log types.Log, m models.MemberMeta) (string, string, []byte, error) {
			return buildWalletTransferEnvelope(m.ChainID, log)
		},
		CatchupBuildEnvelope: buildWalletTransferEnvelope,

		LoadActiveEntities: func(ctx context.Context, appCtx *AppContext, id chain.ID) ([]models.MemberMeta, error) {
			rows, err := appCtx.Subscribers.ListActiveByChain(ctx, id)
			if err != nil {
				return nil, err
			}
			members := make([]models.MemberMeta, 0, len(rows))
			for _, r := range rows {
				members = append(members, subscriberMember(r))
			}
			return members, nil
		},
	})
	return &SubscriberWorker{StreamingWorker: inner, appCtx: appCtx}
}

func subscriberMember(r models.SubscriberRow) models.MemberMeta {
	return models.MemberMeta{
		Key:      models.MemberKey{Kind: models.MemberWallet, Value: strings.ToLower(r.WalletAddress)},
		ChainID:  r.ChainID,
		EntityID: r.ID,
		AddedAt:  time.Now().UTC(),
	}
}

// Start runs the common streaming startup, then the subscriber lifecycle
// timers on top of it.
func (w *SubscriberWorker) Start(ctx context.Context) error {
	if err := w.StreamingWorker.Start(ctx); err != nil {
		return err
	}

	w.wg.Add(2)
	go w.runLifecycleSweeps()
	go w.runDiscovery()
	return nil
}

// runLifecycleSweeps pauses stale rows and prunes long-paused ones.
func (w *SubscriberWorker) runLifecycleSweeps() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.appCtx.Config.CleanupInterval())
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.SweepOnce(context.Background(), time.Now().UTC())
		}
	}
}

// SweepOnce runs one stale-pause plus prune pass at the given instant.
func (w *SubscriberWorker) SweepOnce(ctx context.Context, now time.Time) {
	stale, err := w.appCtx.Subscribers.ListStale(ctx, now)
	if err != nil {
		logger.Warnw("worker: stale-subscriber query failed", "err", err)
	}
	for _, row := range stale {
		if err := w.appCtx.Subscribers.Pause(ctx, row.ID, now); err != nil {
			logger.Warnw("worker: failed to pause subscriber", "subscriberId", row.ID, "err", err)
			continue
		}
		if err := w.RemoveEntity(row.ChainID, subscriberMember(row).Key); err != nil {
			logger.Warnw("worker: failed to unsubscribe paused subscriber", "subscriberId", row.ID, "err", err)
		}
		logger.Infow("worker: paused stale subscriber", "subscriberId", row.ID, "chainId", row.ChainID)
	}

	prunable, err := w.appCtx.Subscribers.ListPrunable(ctx, now, w.appCtx.Config.PruneThreshold())
	if err != nil {
		logger.Warnw("worker: prunable-subscriber query failed", "err", err)
	}
	for _, row := range prunable {
		if err := w.appCtx.Subscribers.Delete(ctx, row.ID); err != nil {
			logger.Warnw("worker: failed to prune subscriber", "subscriberId", row.ID, "err", err)
			continue
		}
		logger.Infow("worker: pruned subscriber", "subscriberId", row.ID, "chainId", row.ChainID)
	}
}

// runDiscovery picks up rows that re-activated or were created since the
// last poll and idempotently subscribes them.
func (w *SubscriberWorker) runDiscovery() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.appCtx.Config.PollInterval())
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.DiscoverOnce(context.Background())
		}
	}
}

// DiscoverOnce runs one new-subscriber discovery pass.
func (w *SubscriberWorker) DiscoverOnce(ctx context.Context) {
	for _, chainID := range w.appCtx.ConfiguredChains() {
		rows, err := w.appCtx.Subscribers.ListActiveByChain(ctx, chainID)
		if err != nil {
			logger.Warnw("worker: subscriber discovery query failed", "chainId", chainID, "err", err)
			continue
		}
		for _, row := range rows {
			meta := subscriberMember(row)
			if w.hasAnyMember(chainID, meta.Key) {
				continue
			}
			if err := w.HandleEntityCreated(ctx, chainID, meta); err != nil {
				logger.Warnw("worker: failed to subscribe discovered subscriber", "subscriberId", row.ID, "err", err)
			}
		}
	}
}
