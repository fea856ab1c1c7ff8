package worker

import (
	"context"
	"sync"

	"github.com/0xNedAlbo/midcurve-finance-sub000/core/chain"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/logger"
)

// BatchStatus reports one SubscriptionBatch's health for status().
type BatchStatus struct {
	ChainID     chain.ID
	BatchIndex  int
	State       string
	MemberCount int
}

// TaskStatus reports one scheduled task's bookkeeping for status().
type TaskStatus struct {
	RuleName        string
	TaskID          string
	ExecutionCount  int64
	LastError       string
	LastExecutionAt string
}

// Status is the structured report a Worker exposes: running state, batch
// connectivity and member counts, last error, scheduler task stats.
type Status struct {
	Name      string
	Running   bool
	Batches   []BatchStatus
	Tasks     []TaskStatus
	LastError string
}

// Worker is the uniform lifecycle contract every worker implements.
type Worker interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Status() Status
}

// Coordinator manages a collection of Workers, starting them all in
// parallel and stopping them all together.
type Coordinator struct {
	mu      sync.Mutex
	workers map[string]Worker
	order   []string
}

// NewCoordinator builds an empty Coordinator.
func NewCoordinator() *Coordinator {
	return &Coordinator{workers: make(map[string]Worker)}
}

// Register adds a Worker under its own Name(). Must be called before
// StartAll.
func (c *Coordinator) Register(w Worker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.workers[w.Name()]; !exists {
		c.order = append(c.order, w.Name())
	}
	c.workers[w.Name()] = w
}

// StartAll starts every registered Worker concurrently.
// It returns the first error encountered, after waiting for every worker's
// Start() to return (successful or not), so a single slow/failing worker
// does not hide whether its siblings also failed.
func (c *Coordinator) StartAll(ctx context.Context) error {
	c.mu.Lock()
	names := append([]string(nil), c.order...)
	c.mu.Unlock()

	var wg sync.WaitGroup
	errs := make([]error, len(names))

	for i, name := range names {
		c.mu.Lock()
		w := c.workers[name]
		c.mu.Unlock()

		wg.Add(1)
		go func(i int, w Worker) {
			defer wg.Done()
			if err := w.Start(ctx); err != nil {
				logger.Errorw("coordinator: worker failed to start", "worker", w.Name(), "err", err)
				errs[i] = err
			}
		}(i, w)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// StopAll stops every registered Worker, in registration order, logging
// (not aborting on) individual failures so shutdown always attempts every
// worker.
func (c *Coordinator) StopAll() {
	c.mu.Lock()
	names := append([]string(nil), c.order...)
	c.mu.Unlock()

	for _, name := range names {
		c.mu.Lock()
		w := c.workers[name]
		c.mu.Unlock()

		if err := w.Stop(); err != nil {
			logger.Errorw("coordinator: worker failed to stop cleanly", "worker", w.Name(), "err", err)
		}
	}
}

// Status returns every registered worker's current status report.
func (c *Coordinator) Status() []Status {
	c.mu.Lock()
	names := append([]string(nil), c.order...)
	c.mu.Unlock()

	out := make([]Status, 0, len(names))
	for _, name := range names {
		c.mu.Lock()
		w := c.workers[name]
		c.mu.Unlock()
		out = append(out, w.Status())
	}
	return out
}
