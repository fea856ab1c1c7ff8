package utils_test

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xNedAlbo/midcurve-finance-sub000/core/utils"
)

func TestStartStopOnce_StartRunsExactlyOnce(t *testing.T) {
	var s utils.StartStopOnce
	var calls int64

	require.NoError(t, s.StartOnce("svc", func() error {
		atomic.AddInt64(&calls, 1)
		return nil
	}))
	assert.Equal(t, utils.StartStopOnceStarted, s.State())

	err := s.StartOnce("svc", func() error {
		atomic.AddInt64(&calls, 1)
		return nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already been started once")
	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
}

func TestStartStopOnce_FailedStartAllowsRetry(t *testing.T) {
	var s utils.StartStopOnce

	err := s.StartOnce("svc", func() error { return errors.New("dial failed") })
	require.Error(t, err)
	assert.Equal(t, utils.StartStopOnceUnstarted, s.State())

	require.NoError(t, s.StartOnce("svc", func() error { return nil }))
	assert.Equal(t, utils.StartStopOnceStarted, s.State())
}

func TestStartStopOnce_StopIsIdempotent(t *testing.T) {
	var s utils.StartStopOnce
	var stops int64

	require.NoError(t, s.StartOnce("svc", func() error { return nil }))

	require.NoError(t, s.StopOnce("svc", func() error {
		atomic.AddInt64(&stops, 1)
		return nil
	}))
	assert.Equal(t, utils.StartStopOnceStopped, s.State())

	// Second stop is a no-op returning nil.
	require.NoError(t, s.StopOnce("svc", func() error {
		atomic.AddInt64(&stops, 1)
		return nil
	}))
	assert.Equal(t, int64(1), atomic.LoadInt64(&stops))
}

func TestStartStopOnce_StartAfterStopErrors(t *testing.T) {
	var s utils.StartStopOnce

	require.NoError(t, s.StartOnce("svc", func() error { return nil }))
	require.NoError(t, s.StopOnce("svc", func() error { return nil }))

	err := s.StartOnce("svc", func() error { return nil })
	require.Error(t, err)
	assert.Equal(t, utils.StartStopOnceStopped, s.State())
}

func TestStartStopOnce_ConcurrentStartsRunOnce(t *testing.T) {
	var s utils.StartStopOnce
	var calls int64

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.StartOnce("svc", func() error {
				atomic.AddInt64(&calls, 1)
				return nil
			})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
	assert.Equal(t, utils.StartStopOnceStarted, s.State())
}
