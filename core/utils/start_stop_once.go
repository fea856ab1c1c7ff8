package utils

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// StartStopOnceState enumerates the lifecycle a StartStopOnce-embedding
// type moves through.
type StartStopOnceState int32

const (
	StartStopOnceUnstarted StartStopOnceState = iota
	StartStopOnceStarted
	StartStopOnceStarting
	StartStopOnceStopped
	StartStopOnceStopping
)

// StartStopOnce gives embedding structs idempotent, concurrency-safe
// Start/Stop semantics without each one reimplementing the state machine.
type StartStopOnce struct {
	state atomic.Value
	sync.Mutex
}

func (s *StartStopOnce) loadState() StartStopOnceState {
	v := s.state.Load()
	if v == nil {
		return StartStopOnceUnstarted
	}
	return v.(StartStopOnceState)
}

// StartOnce runs fn exactly once, transitioning Unstarted -> Starting ->
// Started. A second call returns an error instead of re-running fn.
func (s *StartStopOnce) StartOnce(name string, fn func() error) error {
	s.Lock()
	defer s.Unlock()

	if state := s.loadState(); state != StartStopOnceUnstarted {
		return fmt.Errorf("%s has already been started once; state=%v", name, state)
	}
	s.state.Store(StartStopOnceStarting)

	err := fn()

	if err != nil {
		s.state.Store(StartStopOnceUnstarted)
	} else {
		s.state.Store(StartStopOnceStarted)
	}
	return err
}

// StopOnce runs fn exactly once, transitioning Started -> Stopping ->
// Stopped. Subsequent calls are a no-op returning nil, matching the
// idempotent stop contract.
func (s *StartStopOnce) StopOnce(name string, fn func() error) error {
	s.Lock()
	defer s.Unlock()

	state := s.loadState()
	if state == StartStopOnceStopped || state == StartStopOnceStopping {
		return nil
	}
	s.state.Store(StartStopOnceStopping)

	err := fn()

	s.state.Store(StartStopOnceStopped)
	return err
}

// State returns the current lifecycle state.
func (s *StartStopOnce) State() StartStopOnceState {
	return s.loadState()
}
