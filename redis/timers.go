package redis

import (
	"time"
)

// Timer is a scheduled callback that may be stopped before it fires.
type Timer interface {
	// Stop prevents the callback from firing. It reports whether the
	// timer was stopped before expiring.
	Stop() bool
}

// Timers is the scheduling facility used by the supervisor for delayed
// retries. It is injected so tests can drive time deterministically. The
// inactivity probes do not use it; they run on the wall clock.
type Timers interface {
	AfterFunc(d time.Duration, fn func()) Timer
}

// RealTimers schedules on the wall clock via time.AfterFunc.
type RealTimers struct{}

func (RealTimers) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}
