package location

import (
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

// Tracker keeps the newest sample per subject. Newest means latest
// CapturedAt, not latest arrival: a delayed sample never overwrites a fresher one.
type Tracker struct {
	mu     sync.RWMutex
	latest map[string]models.LocationSample
}

func NewTracker() *Tracker {
	return &Tracker{latest: make(map[string]models.LocationSample)}
}

// Observe records s for subject and reports whether it was kept.
func (t *Tracker) Observe(subject string, s models.LocationSample) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.latest[subject]; ok && !s.CapturedAt.After(cur.CapturedAt) {
		return false
	}
	t.latest[subject] = s
	return true
}

func (t *Tracker) Latest(subject string) (models.LocationSample, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.latest[subject]
	return s, ok
}

func (t *Tracker) Forget(subject string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.latest, subject)
}
