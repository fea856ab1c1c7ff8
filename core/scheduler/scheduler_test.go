package scheduler_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/onsi/gomega"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xNedAlbo/midcurve-finance-sub000/core/scheduler"
)

func TestRegisterSchedule_RejectsInvalidCron(t *testing.T) {
	s := scheduler.New()
	require.NoError(t, s.Start())
	defer s.Shutdown()

	_, err := s.RegisterSchedule("bad-rule", scheduler.Options{CronExpression: "not a cron"}, func() error { return nil })
	assert.Error(t, err)
}

func TestRegisterSchedule_RunOnStartFiresImmediately(t *testing.T) {
	s := scheduler.New()
	require.NoError(t, s.Start())
	defer s.Shutdown()

	var calls int32
	_, err := s.RegisterSchedule("startup-rule", scheduler.Options{
		CronExpression: "0 0 1 1 *",
		RunOnStart:     true,
	}, func() error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	require.NoError(t, err)

	gomega.NewGomegaWithT(t).Eventually(func() int32 {
		return atomic.LoadInt32(&calls)
	}, time.Second).Should(gomega.BeNumerically(">=", int32(1)))
}

// executionCount never grows by more than 1 per
// cron tick for any task, and a failing callback sets lastError without
// unregistering the task.
func TestScheduler_FailingCallbackSetsLastErrorButKeepsTask(t *testing.T) {
	s := scheduler.New()
	require.NoError(t, s.Start())
	defer s.Shutdown()

	taskID, err := s.RegisterSchedule("failing-rule", scheduler.Options{
		CronExpression: "0 0 1 1 *",
		RunOnStart:     true,
	}, func() error { return assert.AnError })
	require.NoError(t, err)

	gomega.NewGomegaWithT(t).Eventually(func() error {
		task, ok := s.Task(taskID)
		if !ok {
			return nil
		}
		return task.LastError()
	}, time.Second).Should(gomega.HaveOccurred())

	task, ok := s.Task(taskID)
	require.True(t, ok)
	assert.Equal(t, int64(1), task.ExecutionCount())
}

func TestUnregisterSchedule_IsIdempotent(t *testing.T) {
	s := scheduler.New()
	require.NoError(t, s.Start())
	defer s.Shutdown()

	taskID, err := s.RegisterSchedule("one-off", scheduler.Options{CronExpression: "0 0 1 1 *"}, func() error { return nil })
	require.NoError(t, err)

	s.UnregisterSchedule(taskID)
	s.UnregisterSchedule(taskID) // idempotent

	_, ok := s.Task(taskID)
	assert.False(t, ok)
}

func TestUnregisterAllForRule(t *testing.T) {
	s := scheduler.New()
	require.NoError(t, s.Start())
	defer s.Shutdown()

	id1, err := s.RegisterSchedule("multi-rule", scheduler.Options{CronExpression: "0 0 1 1 *"}, func() error { return nil })
	require.NoError(t, err)
	id2, err := s.RegisterSchedule("multi-rule", scheduler.Options{CronExpression: "0 0 2 1 *"}, func() error { return nil })
	require.NoError(t, err)

	s.UnregisterAllForRule("multi-rule")

	_, ok1 := s.Task(id1)
	_, ok2 := s.Task(id2)
	assert.False(t, ok1)
	assert.False(t, ok2)
}
