package worker

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/0xNedAlbo/midcurve-finance-sub000/core/blocktracker"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/catchup"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/chain"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/logger"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/store/models"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/subscription"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/utils"
)

// StreamingSpec parameterises StreamingWorker with everything that
// differs between the concrete streaming workers (position-liquidity,
// pool-price, nfpm-transfer, close-order): the filter/key/envelope
// builders a Batch needs, how to load the initial entity set, and how to
// detect an entity has gone inactive during the cleanup sweep.
type StreamingSpec struct {
	Name      string
	Subsystem string // blocktracker namespace, e.g. "position-liquidity"

	BuildFilter          subscription.FilterBuilder
	KeyFromLog           subscription.KeyFromLog
	BuildEnvelope        subscription.EnvelopeBuilder
	CatchupBuildEnvelope catchup.EnvelopeBuilder

	// DeploymentBlock is the fallback "from" for the finalized catch-up
	// phase when no cached block-tracker value exists yet.
	DeploymentBlock uint64

	// LoadActiveEntities loads the initial member set for one chain.
	LoadActiveEntities func(ctx context.Context, appCtx *AppContext, chainID chain.ID) ([]models.MemberMeta, error)

	// IsEntityActive backs the inactive-entity cleanup timer; nil disables
	// that timer for this worker.
	IsEntityActive func(ctx context.Context, appCtx *AppContext, m models.MemberMeta) (bool, error)

	CleanupInterval   time.Duration
	HeartbeatInterval time.Duration
	CatchupBatchSize  uint64
}

// StreamingWorker is the common worker shell over one or more
// subscription batches per chain; the batch/catch-up machinery itself
// lives in core/subscription and core/catchup.
type StreamingWorker struct {
	utils.StartStopOnce

	spec    StreamingSpec
	appCtx  *AppContext
	tracker *blocktracker.Tracker

	mu             sync.Mutex
	batchesByChain map[chain.ID][]*subscription.Batch
	lastErr        error

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewStreamingWorker builds a StreamingWorker bound to appCtx and spec.
func NewStreamingWorker(appCtx *AppContext, spec StreamingSpec) *StreamingWorker {
	if spec.CatchupBatchSize == 0 {
		spec.CatchupBatchSize = catchup.DefaultBatchSizeBlocks
	}
	if spec.HeartbeatInterval == 0 {
		spec.HeartbeatInterval = time.Minute
	}
	if spec.CleanupInterval == 0 {
		spec.CleanupInterval = time.Minute
	}
	return &StreamingWorker{
		spec:           spec,
		appCtx:         appCtx,
		tracker:        blocktracker.New(appCtx.Cache, spec.Subsystem),
		batchesByChain: make(map[chain.ID][]*subscription.Batch),
	}
}

func (w *StreamingWorker) Name() string { return w.spec.Name }

// Start loads entities, begins streaming in buffering mode, closes the
// catch-up gap, and arms the timers.
func (w *StreamingWorker) Start(ctx context.Context) error {
	return w.StartOnce(w.spec.Name, func() error {
		w.stopCh = make(chan struct{})

		// 1-2. load entities per chain and partition into batches.
		maxPerBatch := w.appCtx.Config.MaxPoolsPerConnection()
		if maxPerBatch <= 0 || maxPerBatch > subscription.MaxPerBatch {
			maxPerBatch = subscription.MaxPerBatch
		}

		for _, chainID := range w.appCtx.ConfiguredChains() {
			entities, err := w.spec.LoadActiveEntities(ctx, w.appCtx, chainID)
			if err != nil {
				logger.Warnw("worker: failed to load entities, skipping chain", "worker", w.spec.Name, "chainId", chainID, "err", err)
				continue
			}

			batches := w.buildBatches(chainID, entities, maxPerBatch)
			if len(batches) == 0 {
				continue
			}

			w.mu.Lock()
			w.batchesByChain[chainID] = batches
			w.mu.Unlock()
		}

		// 3. global buffering + start streaming on every batch.
		w.forEachBatch(func(b *subscription.Batch) {
			b.EnableBuffering()
			if err := b.Start(); err != nil {
				logger.Errorw("worker: batch failed to start", "worker", w.spec.Name, "err", err)
			}
		})

		// 4. non-finalized catch-up, blocking.
		w.runNonFinalizedCatchup(ctx)

		// 5. flush every batch's buffer.
		w.forEachBatch(func(b *subscription.Batch) {
			b.FlushBufferAndDisableBuffering()
			b.SetBlockObserver(func(id chain.ID, blockNumber uint64) {
				if err := w.tracker.Heartbeat(context.Background(), id, blockNumber); err != nil {
					logger.Warnw("worker: block-observed heartbeat failed", "worker", w.spec.Name, "chainId", id, "err", err)
				}
			})
		})

		// 6. membership-sync timers.
		w.startHeartbeatTimer()
		if w.spec.IsEntityActive != nil {
			w.startCleanupTimer()
		}

		// 7. finalized catch-up in the background; fire and forget.
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.runFinalizedCatchup(context.Background())
		}()

		logger.Infow("worker: started", "worker", w.spec.Name, "chains", len(w.batchesByChain))
		return nil
	})
}

func (w *StreamingWorker) buildBatches(chainID chain.ID, entities []models.MemberMeta, maxPerBatch int) []*subscription.Batch {
	rpc, _ := w.appCtx.Client(chainID)
	var batches []*subscription.Batch
	for i := 0; i < len(entities); i += maxPerBatch {
		end := i + maxPerBatch
		if end > len(entities) {
			end = len(entities)
		}
		b := subscription.NewBatch(subscription.Options{
			ChainID:       chainID,
			BatchIndex:    len(batches),
			Client:        rpc,
			Publisher:     w.appCtx.Bus,
			BuildFilter:   w.spec.BuildFilter,
			KeyFromLog:    w.spec.KeyFromLog,
			BuildEnvelope: w.spec.BuildEnvelope,
			Members:       entities[i:end],
		})
		batches = append(batches, b)
	}
	return batches
}

func (w *StreamingWorker) forEachBatch(fn func(*subscription.Batch)) {
	w.mu.Lock()
	var all []*subscription.Batch
	for _, bs := range w.batchesByChain {
		all = append(all, bs...)
	}
	w.mu.Unlock()
	for _, b := range all {
		fn(b)
	}
}

func singleMemberFilter(meta models.MemberMeta) map[string]models.MemberMeta {
	m := make(map[string]models.MemberMeta, 1)
	m[string(meta.Key.Kind)+":"+meta.Key.Value] = meta
	return m
}

// runNonFinalizedCatchup scans [F+1, C] for every batch's current member
// set, blocking. Never advances the block tracker.
func (w *StreamingWorker) runNonFinalizedCatchup(ctx context.Context) {
	w.mu.Lock()
	snapshot := make(map[chain.ID][]*subscription.Batch, len(w.batchesByChain))
	for id, bs := range w.batchesByChain {
		snapshot[id] = bs
	}
	w.mu.Unlock()

	for chainID, batches := range snapshot {
		client, ok := w.appCtx.Client(chainID)
		if !ok {
			continue
		}
		f, c, err := catchup.FinalizedBlock(ctx, client, chainID)
		if err != nil {
			logger.Warnw("worker: finalized-block lookup failed, skipping non-finalized catch-up", "worker", w.spec.Name, "chainId", chainID, "err", err)
			continue
		}
		if f+1 > c {
			continue
		}
		for _, b := range batches {
			addresses, topics := w.spec.BuildFilter(b.Members())
			phase := catchup.ScanNonFinalized(ctx, catchup.Options{
				ChainID:         chainID,
				Client:          client,
				Publisher:       w.appCtx.Bus,
				Addresses:       addresses,
				Topics:          topics,
				BuildEnvelope:   w.spec.CatchupBuildEnvelope,
				BatchSizeBlocks: int(w.spec.CatchupBatchSize),
			}, f+1, c)
			w.recordPhase("non-finalized", chainID, phase)
		}
	}
}

// runFinalizedCatchup scans [from, F] per chain in the background and
// advances the tracker once per chain, only if every batch's scan of that
// range succeeded.
func (w *StreamingWorker) runFinalizedCatchup(ctx context.Context) {
	w.mu.Lock()
	snapshot := make(map[chain.ID][]*subscription.Batch, len(w.batchesByChain))
	for id, bs := range w.batchesByChain {
		snapshot[id] = bs
	}
	w.mu.Unlock()

	for chainID, batches := range snapshot {
		client, ok := w.appCtx.Client(chainID)
		if !ok {
			continue
		}
		f, _, err := catchup.FinalizedBlock(ctx, client, chainID)
		if err != nil {
			logger.Warnw("worker: finalized-block lookup failed, skipping finalized catch-up", "worker", w.spec.Name, "chainId", chainID, "err", err)
			continue
		}

		cached, ok, err := w.tracker.Get(ctx, chainID)
		from := w.spec.DeploymentBlock
		if err == nil && ok && cached > from {
			from = cached
		}
		if from > f {
			continue
		}

		allSucceeded := true
		for _, b := range batches {
			addresses, topics := w.spec.BuildFilter(b.Members())
			phase := catchup.ScanFinalized(ctx, catchup.Options{
				ChainID:         chainID,
				Client:          client,
				Publisher:       w.appCtx.Bus,
				Addresses:       addresses,
				Topics:          topics,
				BuildEnvelope:   w.spec.CatchupBuildEnvelope,
				BatchSizeBlocks: int(w.spec.CatchupBatchSize),
				// Tracker intentionally omitted: this worker advances once
				// per chain below, after every batch has succeeded, not
				// once per batch.
			}, from, f)
			w.recordPhase("finalized", chainID, phase)
			if phase.Err != nil {
				allSucceeded = false
			}
		}

		if allSucceeded {
			if err := w.tracker.Advance(ctx, chainID, f); err != nil {
				logger.Errorw("worker: failed to advance block tracker", "worker", w.spec.Name, "chainId", chainID, "err", err)
			}
		}
	}
}

func (w *StreamingWorker) recordPhase(phaseName string, chainID chain.ID, phase catchup.Phase) {
	if phase.Err != nil {
		w.mu.Lock()
		w.lastErr = errors.Wrapf(phase.Err, "%s catch-up chain=%d", phaseName, chainID)
		w.mu.Unlock()
	}
	logger.Infow("worker: catch-up phase complete", "worker", w.spec.Name, "phase", phaseName, "chainId", chainID,
		"from", phase.FromBlock, "to", phase.ToBlock, "found", phase.EventsFound, "published", phase.EventsPublished, "err", phase.Err)
}

func (w *StreamingWorker) startHeartbeatTimer() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.spec.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-w.stopCh:
				return
			case <-ticker.C:
				for _, chainID := range w.appCtx.ConfiguredChains() {
					client, ok := w.appCtx.Client(chainID)
					if !ok {
						continue
					}
					ctx := context.Background()
					head, err := client.BlockNumber(ctx)
					if err != nil {
						logger.Warnw("worker: heartbeat BlockNumber failed", "worker", w.spec.Name, "chainId", chainID, "err", err)
						continue
					}
					if err := w.tracker.Heartbeat(ctx, chainID, head); err != nil {
						logger.Warnw("worker: heartbeat write failed", "worker", w.spec.Name, "chainId", chainID, "err", err)
					}
				}
			}
		}
	}()
}

func (w *StreamingWorker) startCleanupTimer() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.spec.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-w.stopCh:
				return
			case <-ticker.C:
				w.runCleanupSweep()
			}
		}
	}()
}

func (w *StreamingWorker) runCleanupSweep() {
	ctx := context.Background()
	w.forEachBatch(func(b *subscription.Batch) {
		for key, meta := range b.Members() {
			active, err := w.spec.IsEntityActive(ctx, w.appCtx, meta)
			if err != nil {
				logger.Warnw("worker: cleanup liveness check failed", "worker", w.spec.Name, "key", key, "err", err)
				continue
			}
			if !active {
				if err := b.RemoveMember(meta.Key); err != nil {
					logger.Warnw("worker: cleanup removeMember failed", "worker", w.spec.Name, "key", key, "err", err)
				}
			}
		}
	})
}

// Stop implements the three-step sequence: stop timers, then
// stop all batches, then close downstream connections (the shared bus/RPC
// connections are owned by AppContext, so there is nothing further to
// close here).
func (w *StreamingWorker) Stop() error {
	return w.StopOnce(w.spec.Name, func() error {
		if w.stopCh != nil {
			close(w.stopCh)
		}
		w.wg.Wait()

		w.forEachBatch(func(b *subscription.Batch) {
			if err := b.Stop(); err != nil {
				logger.Warnw("worker: batch failed to stop cleanly", "worker", w.spec.Name, "err", err)
			}
		})

		logger.Infow("worker: stopped", "worker", w.spec.Name)
		return nil
	})
}

// HandleEntityCreated subscribes a newly created entity at runtime,
// generalised across every streaming worker: find-or-create a batch with
// capacity, enable
// per-member buffering, add the member (forcing reconnect), run the
// per-position non-finalized scan, then flush and disable per-member
// buffering.
func (w *StreamingWorker) HandleEntityCreated(ctx context.Context, chainID chain.ID, meta models.MemberMeta) error {
	client, ok := w.appCtx.Client(chainID)
	if !ok {
		return errors.Errorf("worker: no RPC client configured for chain %d", chainID)
	}

	b := w.findOrCreateBatchWithCapacity(chainID)

	// Idempotency: two deliveries for the same
	// key must not grow membership twice.
	if b.HasMember(meta.Key) {
		return nil
	}

	b.EnableBufferingForMember(meta.Key)
	if err := b.AddMember(meta); err != nil {
		return errors.Wrap(err, "worker: addMember")
	}

	f, c, err := catchup.FinalizedBlock(ctx, client, chainID)
	if err == nil && f+1 <= c {
		addresses, topics := w.spec.BuildFilter(singleMemberFilter(meta))
		phase := catchup.ScanNonFinalized(ctx, catchup.Options{
			ChainID:         chainID,
			Client:          client,
			Publisher:       w.appCtx.Bus,
			Addresses:       addresses,
			Topics:          topics,
			BuildEnvelope:   w.spec.CatchupBuildEnvelope,
			BatchSizeBlocks: int(w.spec.CatchupBatchSize),
		}, f+1, c)
		w.recordPhase("per-position non-finalized", chainID, phase)
	} else if err != nil {
		logger.Warnw("worker: finalized-block lookup failed for per-position scan", "worker", w.spec.Name, "chainId", chainID, "err", err)
	}

	b.FlushMemberBufferAndDisableBuffering(meta.Key)
	return nil
}

// RemoveEntity removes key from whichever of this worker's batches holds
// it.deleted/burned (and, for workers that
// choose to, position.closed) handling.
func (w *StreamingWorker) RemoveEntity(chainID chain.ID, key models.MemberKey) error {
	w.mu.Lock()
	batches := w.batchesByChain[chainID]
	w.mu.Unlock()

	for _, b := range batches {
		if b.HasMember(key) {
			return b.RemoveMember(key)
		}
	}
	return nil
}

// hasAnyMember reports whether any of this worker's batches on a chain
// holds key.
func (w *StreamingWorker) hasAnyMember(chainID chain.ID, key models.MemberKey) bool {
	w.mu.Lock()
	batches := w.batchesByChain[chainID]
	w.mu.Unlock()
	for _, b := range batches {
		if b.HasMember(key) {
			return true
		}
	}
	return false
}

func (w *StreamingWorker) findOrCreateBatchWithCapacity(chainID chain.ID) *subscription.Batch {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, b := range w.batchesByChain[chainID] {
		if b.HasCapacity() {
			return b
		}
	}

	rpc, _ := w.appCtx.Client(chainID)
	b := subscription.NewBatch(subscription.Options{
		ChainID:       chainID,
		BatchIndex:    len(w.batchesByChain[chainID]),
		Client:        rpc,
		Publisher:     w.appCtx.Bus,
		BuildFilter:   w.spec.BuildFilter,
		KeyFromLog:    w.spec.KeyFromLog,
		BuildEnvelope: w.spec.BuildEnvelope,
	})
	w.batchesByChain[chainID] = append(w.batchesByChain[chainID], b)
	return b
}

// Status reports this worker's running state and every batch's
// connectivity/member counts.
func (w *StreamingWorker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()

	status := Status{
		Name:    w.spec.Name,
		Running: w.State() == utils.StartStopOnceStarted,
	}
	if w.lastErr != nil {
		status.LastError = w.lastErr.Error()
	}
	for chainID, batches := range w.batchesByChain {
		for _, b := range batches {
			status.Batches = append(status.Batches, BatchStatus{
				ChainID:     chainID,
				BatchIndex:  b.BatchIndex(),
				State:       b.State().String(),
				MemberCount: b.MemberCount(),
			})
		}
	}
	return status
}
