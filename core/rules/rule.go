// Package rules holds the business-logic process's periodic
// reconciliation rules: small units that register cron schedules on
// startup and tear them down on shutdown.
package rules

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/0xNedAlbo/midcurve-finance-sub000/core/logger"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/scheduler"
)

// Rule is the capability set every reconciliation rule implements.
type Rule interface {
	Name() string
	Description() string
	OnStartup(ctx context.Context) error
	OnShutdown() error
}

// BaseRule carries the schedule bookkeeping shared by every rule: it
// registers schedules under the rule's name so OnShutdown can unregister
// them all by that name without each rule re-implementing the same loop.
type BaseRule struct {
	RuleName        string
	RuleDescription string
	Scheduler       *scheduler.Scheduler

	mu      sync.Mutex
	taskIDs []string
}

func (b *BaseRule) Name() string        { return b.RuleName }
func (b *BaseRule) Description() string { return b.RuleDescription }

// RegisterSchedule registers a cron schedule under this rule's name and
// appends the returned task id to the rule's list.
func (b *BaseRule) RegisterSchedule(opts scheduler.Options, cb scheduler.Callback) error {
	taskID, err := b.Scheduler.RegisterSchedule(b.RuleName, opts, cb)
	if err != nil {
		return errors.Wrapf(err, "rules: register schedule for %s", b.RuleName)
	}
	b.mu.Lock()
	b.taskIDs = append(b.taskIDs, taskID)
	b.mu.Unlock()
	return nil
}

// OnShutdown unregisters every schedule this rule registered. Idempotent.
func (b *BaseRule) OnShutdown() error {
	b.Scheduler.UnregisterAllForRule(b.RuleName)
	b.mu.Lock()
	b.taskIDs = nil
	b.mu.Unlock()
	return nil
}

// Registry holds rules by name and drives their startup/shutdown as a
// group.
type Registry struct {
	mu    sync.Mutex
	rules map[string]Rule
	order []string
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{rules: make(map[string]Rule)}
}

// Register adds a rule under its own name; re-registering a name replaces
// the previous rule.
func (r *Registry) Register(rule Rule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.rules[rule.Name()]; !exists {
		r.order = append(r.order, rule.Name())
	}
	r.rules[rule.Name()] = rule
}

// Get returns the rule registered under name.
func (r *Registry) Get(name string) (Rule, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rule, ok := r.rules[name]
	return rule, ok
}

// StartupAll runs every rule's OnStartup in registration order, stopping
// at the first failure.
func (r *Registry) StartupAll(ctx context.Context) error {
	r.mu.Lock()
	names := append([]string(nil), r.order...)
	r.mu.Unlock()

	for _, name := range names {
		rule, _ := r.Get(name)
		if err := rule.OnStartup(ctx); err != nil {
			return errors.Wrapf(err, "rules: startup %s", name)
		}
		logger.Infow("rules: started", "rule", name)
	}
	return nil
}

// ShutdownAll runs every rule's OnShutdown, logging failures rather than
// aborting so every rule gets its teardown.
func (r *Registry) ShutdownAll() {
	r.mu.Lock()
	names := append([]string(nil), r.order...)
	r.mu.Unlock()

	for _, name := range names {
		rule, _ := r.Get(name)
		if err := rule.OnShutdown(); err != nil {
			logger.Errorw("rules: shutdown failed", "rule", name, "err", err)
		}
	}
}
