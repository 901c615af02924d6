// Package supervisor holds the single wall-clock timer attached to a ride.
//
// It has no retry logic. A timeout only forces the state machine into a
// terminal state; retrying is a fresh request the user asks for.
package supervisor

import (
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/clock"
)

type Supervisor struct {
	clock clock.Clock

	mu    sync.Mutex
	timer *clock.Timer
	gen   uint64
}

func New(c clock.Clock) *Supervisor {
	if c == nil {
		c = clock.Real()
	}
	return &Supervisor{clock: c}
}

// Arm replaces any active timer with a fresh one. onTimeout runs at most once,
// and never if the timer is disarmed or re-armed before it fires.
func (s *Supervisor) Arm(d time.Duration, onTimeout func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	s.gen++
	gen := s.gen
	if d <= 0 {
		d = time.Nanosecond
	}
	s.timer = s.clock.AfterFunc(d, func() {
		s.mu.Lock()
		if s.gen != gen || s.timer == nil {
			s.mu.Unlock()
			return
		}
		s.timer = nil
		s.mu.Unlock()
		onTimeout()
	})
}

func (s *Supervisor) Disarm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	s.gen++
}

func (s *Supervisor) Armed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

func (s *Supervisor) stopLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
