// Package scheduler registers callbacks against 5-field
// minute-granularity cron expressions and wraps every invocation in a
// capture/await/record lifecycle. Thin wrapper around robfig/cron/v3.
package scheduler

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"

	"github.com/0xNedAlbo/midcurve-finance-sub000/core/logger"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/utils"
)

// State mirrors the Scheduler's own lifecycle: it must be Running before
// any RegisterSchedule call.
type State int32

const (
	Stopped State = iota
	Running
)

// Callback is a scheduled unit of work; errors are captured into the
// Task's lastError rather than propagated.
type Callback func() error

// Options configures one RegisterSchedule call.
type Options struct {
	CronExpression string
	Description    string
	Timezone       *time.Location
	RunOnStart     bool
}

// Task is the owned record.
type Task struct {
	ID              string
	RuleName        string
	CronExpression  string
	Timezone        string
	Description     string
	RegisteredAt    time.Time
	mu              sync.Mutex
	lastExecutionAt time.Time
	executionCount  int64
	lastError       error
	running         bool

	entryID cron.EntryID
}

// LastExecutionAt, ExecutionCount and LastError are read under the task's
// own lock so concurrent status() reporting never races the callback
// wrapper.
func (t *Task) LastExecutionAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastExecutionAt
}

func (t *Task) ExecutionCount() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.executionCount
}

func (t *Task) LastError() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastError
}

// Scheduler registers cron-scheduled callbacks. State is
// single-writer (only the scheduler's own methods mutate it); it does not
// serialise distinct tasks' callbacks against each other, but it never
// re-enters the same task while a prior invocation is still running
// (belt-and-braces on top of cron's own single-instance serial dispatch).
type Scheduler struct {
	utils.StartStopOnce

	mu          sync.Mutex
	cron        *cron.Cron
	tasksByID   map[string]*Task
	tasksByRule map[string][]string
}

// New builds a Stopped Scheduler.
func New() *Scheduler {
	return &Scheduler{
		cron:        cron.New(),
		tasksByID:   make(map[string]*Task),
		tasksByRule: make(map[string][]string),
	}
}

// Start transitions the Scheduler into Running; must be called before any
// RegisterSchedule.
func (s *Scheduler) Start() error {
	return s.StartOnce("Scheduler", func() error {
		s.cron.Start()
		logger.Infow("scheduler: started")
		return nil
	})
}

// RegisterSchedule validates cronExpression, creates a Task, installs its
// cron timer, and optionally fires it once immediately.
func (s *Scheduler) RegisterSchedule(ruleName string, opts Options, cb Callback) (string, error) {
	if s.State() != utils.StartStopOnceStarted {
		return "", errors.New("scheduler: must be started before RegisterSchedule")
	}

	schedule, err := cron.ParseStandard(opts.CronExpression)
	if err != nil {
		return "", errors.Wrapf(err, "scheduler: invalid cron expression %q", opts.CronExpression)
	}

	tz := opts.Timezone
	if tz == nil {
		tz = time.UTC
	}

	task := &Task{
		ID:             uuid.NewString(),
		RuleName:       ruleName,
		CronExpression: opts.CronExpression,
		Timezone:       tz.String(),
		Description:    opts.Description,
		RegisteredAt:   time.Now().UTC(),
	}

	// robfig/cron's SpecSchedule carries its own Location; set it directly
	// so each task can run against a different timezone than the
	// process-wide default.
	if spec, ok := schedule.(*cron.SpecSchedule); ok {
		spec.Location = tz
	}

	wrapped := s.wrap(task, cb)

	s.mu.Lock()
	entryID := s.cron.Schedule(schedule, cron.FuncJob(wrapped))
	task.entryID = entryID
	s.tasksByID[task.ID] = task
	s.tasksByRule[ruleName] = append(s.tasksByRule[ruleName], task.ID)
	s.mu.Unlock()

	logger.Infow("scheduler: task registered", "ruleName", ruleName, "taskId", task.ID, "cron", opts.CronExpression)

	if opts.RunOnStart {
		go wrapped()
	}

	return task.ID, nil
}

// wrap implements the three-step callback wrapper: capture
// startTime, await the callback, then record success or failure.
func (s *Scheduler) wrap(task *Task, cb Callback) func() {
	return func() {
		task.mu.Lock()
		if task.running {
			task.mu.Unlock()
			logger.Warnw("scheduler: skipping tick, previous invocation still running", "ruleName", task.RuleName, "taskId", task.ID)
			return
		}
		task.running = true
		task.mu.Unlock()

		startTime := time.Now().UTC()
		err := cb()

		task.mu.Lock()
		task.running = false
		task.lastExecutionAt = startTime
		task.executionCount++
		task.lastError = err
		task.mu.Unlock()

		if err != nil {
			logger.Errorw("scheduler: task callback failed", "ruleName", task.RuleName, "taskId", task.ID, "err", err)
		}
	}
}

// UnregisterSchedule stops the timer and removes the task. Idempotent.
func (s *Scheduler) UnregisterSchedule(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasksByID[taskID]
	if !ok {
		return
	}
	s.cron.Remove(task.entryID)
	delete(s.tasksByID, taskID)
	s.tasksByRule[task.RuleName] = removeID(s.tasksByRule[task.RuleName], taskID)
}

// UnregisterAllForRule stops and removes every task registered under
// ruleName. Idempotent.
func (s *Scheduler) UnregisterAllForRule(ruleName string) {
	s.mu.Lock()
	ids := append([]string(nil), s.tasksByRule[ruleName]...)
	s.mu.Unlock()

	for _, id := range ids {
		s.UnregisterSchedule(id)
	}
}

// Task returns the task record for a given id, if it is still registered.
func (s *Scheduler) Task(taskID string) (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasksByID[taskID]
	return t, ok
}

// Tasks returns a snapshot of every currently registered task.
func (s *Scheduler) Tasks() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Task, 0, len(s.tasksByID))
	for _, t := range s.tasksByID {
		out = append(out, t)
	}
	return out
}

// Shutdown stops all timers, clears indexes, and transitions to Stopped.
func (s *Scheduler) Shutdown() error {
	return s.StopOnce("Scheduler", func() error {
		ctx := s.cron.Stop()
		<-ctx.Done()

		s.mu.Lock()
		s.tasksByID = make(map[string]*Task)
		s.tasksByRule = make(map[string][]string)
		s.mu.Unlock()

		logger.Infow("scheduler: shut down")
		return nil
	})
}

func removeID(ids []string, target string) []string {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}
