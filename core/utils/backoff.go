package utils

import (
	"time"

	"github.com/jpillora/backoff"
)

// LinearBackoff tracks reconnect attempts and computes delay = attempt *
// base, capped at maxAttempts. It reuses jpillora/backoff.Backoff purely
// as a concurrency-safe attempt counter; its own exponential Duration()
// is not used because reconnects follow a strictly linear schedule.
type LinearBackoff struct {
	counter     backoff.Backoff
	base        time.Duration
	maxAttempts int
}

// NewLinearBackoff builds a LinearBackoff with the given base delay and
// attempt cap (0 means unlimited).
func NewLinearBackoff(base time.Duration, maxAttempts int) *LinearBackoff {
	return &LinearBackoff{base: base, maxAttempts: maxAttempts}
}

// Next advances the attempt counter and returns the delay for this attempt
// plus whether the cap has been reached.
func (l *LinearBackoff) Next() (delay time.Duration, exhausted bool) {
	attempt := int(l.counter.Attempt()) + 1
	if l.maxAttempts > 0 && attempt > l.maxAttempts {
		return 0, true
	}
	// Duration() is what advances the underlying counter; its exponential
	// value is discarded in favour of the linear schedule.
	l.counter.Duration()
	return time.Duration(attempt) * l.base, false
}

// Attempt returns the 1-based attempt number that the next call to Next
// will use, without advancing the counter.
func (l *LinearBackoff) Attempt() int {
	return int(l.counter.Attempt()) + 1
}

// Reset clears the attempt counter, called after a successful (re)connect.
func (l *LinearBackoff) Reset() {
	l.counter.Reset()
}
