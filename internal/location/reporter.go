package location

import (
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/clock"
	"github.com/example/ride-dispatch/internal/models"
)

const DefaultInterval = 5 * time.Second

// Publisher pushes one sample to the server.
type Publisher func(models.LocationSample) error

// Reporter samples the device position on a fixed cadence and pushes it out.
// No smoothing, no adaptive interval: the only consumer is a map marker.
type Reporter struct {
	clock    clock.Clock
	interval time.Duration
	publish  Publisher
	logger   *slog.Logger

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

func NewReporter(c clock.Clock, interval time.Duration, publish Publisher, logger *slog.Logger) *Reporter {
	if c == nil {
		c = clock.Real()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Reporter{clock: c, interval: interval, publish: publish, logger: logger}
}

// Start emits one sample immediately and then one per interval until Stop.
// A nil sample (no fix, permission denied) is skipped rather than sent empty.
// Calling Start while running restarts the cadence with the new source.
func (r *Reporter) Start(current func() *models.LocationSample) {
	r.Stop()

	r.mu.Lock()
	stop := make(chan struct{})
	done := make(chan struct{})
	r.stop, r.done = stop, done
	ticker := r.clock.NewTicker(r.interval)
	r.mu.Unlock()

	r.report(current)
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				r.report(current)
			}
		}
	}()
}

func (r *Reporter) Stop() {
	r.mu.Lock()
	stop, done := r.stop, r.done
	r.stop, r.done = nil, nil
	r.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (r *Reporter) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stop != nil
}

func (r *Reporter) report(current func() *models.LocationSample) {
	s := current()
	if s == nil {
		return
	}
	sample := *s
	if sample.CapturedAt.IsZero() {
		sample.CapturedAt = r.clock.Now()
	}
	if err := r.publish(sample); err != nil {
		r.logger.Debug("location publish failed", "error", err)
	}
}
