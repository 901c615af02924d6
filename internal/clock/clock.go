// Package clock abstracts time so timers in the dispatch client can be driven
// deterministically in tests. Production code uses Real(); tests use Fake().
package clock

import "time"

type Clock interface {
	Now() time.Time
	// After behaves like time.After. If d <= 0 the channel is ready immediately.
	After(d time.Duration) <-chan time.Time
	// AfterFunc behaves like time.AfterFunc. The returned Timer has a nil C.
	AfterFunc(d time.Duration, f func()) *Timer
	// NewTicker behaves like time.NewTicker and panics if d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// Ticker delivers ticks on C (capacity 1, ticks dropped when full).
type Ticker struct {
	C <-chan time.Time

	stopFunc func()
}

func (t *Ticker) Stop() { t.stopFunc() }

type Timer struct {
	C <-chan time.Time

	stopFunc func() bool
}

// Stop reports whether the call prevented the timer from firing.
func (t *Timer) Stop() bool { return t.stopFunc() }

func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	t := time.AfterFunc(d, f)
	return &Timer{stopFunc: t.Stop}
}

func (realClock) NewTicker(d time.Duration) *Ticker {
	t := time.NewTicker(d)
	return &Ticker{C: t.C, stopFunc: t.Stop}
}
