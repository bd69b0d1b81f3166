// Package clock abstracts wall time and timers so that backoff, heartbeat
// and timeout logic can be driven deterministically in tests.
package clock

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Clock provides the current time and one-shot timers.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// AfterFunc calls f in its own goroutine after d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancellable one-shot timer.
type Timer interface {
	// Stop prevents the timer from firing.
	// Returns false if the timer already fired or was stopped.
	Stop() bool
}

// Real returns a Clock backed by the system clock.
func Real() Clock {
	return FromClockwork(clockwork.NewRealClock())
}

// FromClockwork adapts a clockwork clock, real or fake.
func FromClockwork(c clockwork.Clock) Clock {
	return clockworkClock{c}
}

type clockworkClock struct {
	c clockwork.Clock
}

func (w clockworkClock) Now() time.Time { return w.c.Now() }

func (w clockworkClock) AfterFunc(d time.Duration, f func()) Timer {
	return w.c.AfterFunc(d, f)
}
