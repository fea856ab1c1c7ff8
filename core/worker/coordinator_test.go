package worker

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWorker struct {
	name    string
	started int64
	stopped int64
	failure error
}

func (f *fakeWorker) Name() string { return f.name }

func (f *fakeWorker) Start(context.Context) error {
	atomic.AddInt64(&f.started, 1)
	return f.failure
}

func (f *fakeWorker) Stop() error {
	atomic.AddInt64(&f.stopped, 1)
	return nil
}

func (f *fakeWorker) Status() Status {
	return Status{Name: f.name, Running: atomic.LoadInt64(&f.started) > atomic.LoadInt64(&f.stopped)}
}

func TestCoordinator_StartAll_RunsEveryWorkerDespiteFailure(t *testing.T) {
	c := NewCoordinator()
	ok1 := &fakeWorker{name: "a"}
	bad := &fakeWorker{name: "b", failure: errors.New("boom")}
	ok2 := &fakeWorker{name: "c"}
	c.Register(ok1)
	c.Register(bad)
	c.Register(ok2)

	err := c.StartAll(context.Background())
	require.Error(t, err)

	// Every sibling still got its Start even though one failed.
	assert.Equal(t, int64(1), atomic.LoadInt64(&ok1.started))
	assert.Equal(t, int64(1), atomic.LoadInt64(&ok2.started))

	c.StopAll()
	assert.Equal(t, int64(1), atomic.LoadInt64(&ok1.stopped))

	statuses := c.Status()
	require.Len(t, statuses, 3)
	assert.Equal(t, "a", statuses[0].Name)
}

func TestCoordinator_RegisterReplacesByName(t *testing.T) {
	c := NewCoordinator()
	first := &fakeWorker{name: "a"}
	second := &fakeWorker{name: "a"}
	c.Register(first)
	c.Register(second)

	require.NoError(t, c.StartAll(context.Background()))
	assert.Equal(t, int64(0), atomic.LoadInt64(&first.started))
	assert.Equal(t, int64(1), atomic.LoadInt64(&second.started))
}
