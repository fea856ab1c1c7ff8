package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/0xNedAlbo/midcurve-finance-sub000/core/domainevents"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/logger"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/store/models"
)

// positionEventPayload is the slice of a position domain event the
// membership handlers need.
type positionEventPayload struct {
	PoolAddress string `json:"poolAddress"`
}

func decodePositionPayload(env domainevents.Envelope) (positionEventPayload, error) {
	var p positionEventPayload
	if len(env.Payload) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return p, errors.Wrap(err, "worker: decode position payload")
	}
	return p, nil
}

// IngestConsumers wires the position lifecycle events onto the ingest
// process's streaming workers. The two position.closed strategies differ
// on purpose: the NFT-keyed workers keep their subscription until the
// position is deleted or burned (the NFT can be re-funded with new
// liquidity), while the pool-price worker drops a pool as soon as no
// other active position references it.
type IngestConsumers struct {
	appCtx *AppContext

	PositionLiquidity *StreamingWorker
	PoolPrice         *StreamingWorker
	NFPMTransfer      *StreamingWorker
	CloseOrder        *StreamingWorker
}

// NewIngestConsumers bundles the ingest workers for router registration.
func NewIngestConsumers(appCtx *AppContext, posLiquidity, poolPrice, nfpmTransfer, closeOrder *StreamingWorker) *IngestConsumers {
	return &IngestConsumers{
		appCtx:            appCtx,
		PositionLiquidity: posLiquidity,
		PoolPrice:         poolPrice,
		NFPMTransfer:      nfpmTransfer,
		CloseOrder:        closeOrder,
	}
}

// Register binds the lifecycle routing keys onto router.
func (c *IngestConsumers) Register(router *domainevents.Router) {
	router.Bind("position.created.#", domainevents.ConsumerFunc(c.onPositionCreated))
	router.Bind("position.closed.#", domainevents.ConsumerFunc(c.onPositionClosed))
	router.Bind("position.deleted.#", domainevents.ConsumerFunc(c.onPositionRemoved))
	router.Bind("position.burned.#", domainevents.ConsumerFunc(c.onPositionRemoved))
}

func (c *IngestConsumers) onPositionCreated(ctx context.Context, env domainevents.Envelope) error {
	payload, err := decodePositionPayload(env)
	if err != nil {
		return err
	}

	nftKey := models.MemberKey{Kind: models.MemberNFT, Value: env.EntityID}

	for _, target := range []struct {
		worker *StreamingWorker
		kind   string
	}{
		{c.PositionLiquidity, contractKindNFPM},
		{c.NFPMTransfer, contractKindNFPM},
		{c.CloseOrder, contractKindCloser},
	} {
		if target.worker == nil {
			continue
		}
		contract, err := sharedContract(ctx, c.appCtx.Contracts, env.ChainID, target.kind)
		if err != nil {
			logger.Warnw("worker: skipping subscription for created position", "worker", target.worker.Name(), "chainId", env.ChainID, "err", err)
			continue
		}
		meta := models.MemberMeta{
			Key:             nftKey,
			ChainID:         env.ChainID,
			EntityID:        env.EntityID,
			ContractAddress: contract,
			AddedAt:         time.Now().UTC(),
		}
		if err := target.worker.HandleEntityCreated(ctx, env.ChainID, meta); err != nil {
			logger.Errorw("worker: failed to subscribe created position", "worker", target.worker.Name(), "chainId", env.ChainID, "nftId", env.EntityID, "err", err)
		}
	}

	if c.PoolPrice != nil && payload.PoolAddress != "" {
		meta := models.MemberMeta{
			Key:      models.MemberKey{Kind: models.MemberPool, Value: payload.PoolAddress},
			ChainID:  env.ChainID,
			EntityID: payload.PoolAddress,
			AddedAt:  time.Now().UTC(),
		}
		if err := c.PoolPrice.HandleEntityCreated(ctx, env.ChainID, meta); err != nil {
			logger.Errorw("worker: failed to subscribe pool for created position", "chainId", env.ChainID, "pool", payload.PoolAddress, "err", err)
		}
	}

	return nil
}

// onPositionClosed leaves the NFT-keyed subscriptions in place and prunes
// the pool subscription if this was the last active position on the pool.
func (c *IngestConsumers) onPositionClosed(ctx context.Context, env domainevents.Envelope) error {
	if c.PoolPrice == nil {
		return nil
	}
	payload, err := decodePositionPayload(env)
	if err != nil {
		return err
	}
	if payload.PoolAddress == "" {
		return nil
	}
	return c.removePoolIfUnreferenced(ctx, env, payload.PoolAddress)
}

func (c *IngestConsumers) onPositionRemoved(ctx context.Context, env domainevents.Envelope) error {
	nftKey := models.MemberKey{Kind: models.MemberNFT, Value: env.EntityID}

	for _, w := range []*StreamingWorker{c.PositionLiquidity, c.NFPMTransfer, c.CloseOrder} {
		if w == nil {
			continue
		}
		if err := w.RemoveEntity(env.ChainID, nftKey); err != nil {
			logger.Errorw("worker: failed to unsubscribe removed position", "worker", w.Name(), "chainId", env.ChainID, "nftId", env.EntityID, "err", err)
		}
	}

	if c.PoolPrice != nil {
		payload, err := decodePositionPayload(env)
		if err != nil {
			return err
		}
		if payload.PoolAddress != "" {
			return c.removePoolIfUnreferenced(ctx, env, payload.PoolAddress)
		}
	}
	return nil
}

func (c *IngestConsumers) removePoolIfUnreferenced(ctx context.Context, env domainevents.Envelope, poolAddress string) error {
	count, err := c.appCtx.Positions.CountActiveByPool(ctx, env.ChainID, poolAddress)
	if err != nil {
		return errors.Wrap(err, "worker: count active positions by pool")
	}
	if count > 0 {
		return nil
	}
	return c.PoolPrice.RemoveEntity(env.ChainID, models.MemberKey{Kind: models.MemberPool, Value: poolAddress})
}
