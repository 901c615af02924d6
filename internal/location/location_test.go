package location

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/clock"
	"github.com/example/ride-dispatch/internal/models"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func waitSample(t *testing.T, ch <-chan models.LocationSample) models.LocationSample {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatalf("no sample published")
	}
	return models.LocationSample{}
}

func TestReporterEmitsImmediatelyThenOnInterval(t *testing.T) {
	c := clock.Fake(t0)
	out := make(chan models.LocationSample, 8)
	r := NewReporter(c, 5*time.Second, func(s models.LocationSample) error { out <- s; return nil }, nil)

	r.Start(func() *models.LocationSample {
		return &models.LocationSample{Latitude: 36.1, Longitude: -94.15}
	})
	defer r.Stop()

	first := waitSample(t, out)
	if !first.CapturedAt.Equal(t0) {
		t.Fatalf("expected capture time stamped from clock, got %s", first.CapturedAt)
	}
	c.WaitForTimers(1)
	c.Advance(5 * time.Second)
	second := waitSample(t, out)
	if second.Latitude != 36.1 {
		t.Fatalf("unexpected sample %+v", second)
	}
}

func TestReporterSkipsMissingFix(t *testing.T) {
	c := clock.Fake(t0)
	var published atomic.Int32
	out := make(chan models.LocationSample, 8)
	r := NewReporter(c, time.Second, func(s models.LocationSample) error {
		published.Add(1)
		out <- s
		return nil
	}, nil)

	var calls atomic.Int32
	r.Start(func() *models.LocationSample {
		if calls.Add(1) == 1 {
			return nil
		}
		return &models.LocationSample{Latitude: 1, Longitude: 2}
	})
	if published.Load() != 0 {
		t.Fatalf("nil fix should not be published")
	}
	c.WaitForTimers(1)
	c.Advance(time.Second)
	waitSample(t, out)
	r.Stop()
	if r.Running() {
		t.Fatalf("reporter still running after Stop")
	}
	if published.Load() != 1 {
		t.Fatalf("expected exactly one publish, got %d", published.Load())
	}
}

func TestTrackerLastWriteWinsByCaptureTime(t *testing.T) {
	tr := NewTracker()
	newer := models.LocationSample{Latitude: 2, CapturedAt: t0.Add(10 * time.Second)}
	older := models.LocationSample{Latitude: 1, CapturedAt: t0}

	if !tr.Observe("d1", newer) {
		t.Fatalf("first sample should be kept")
	}
	if tr.Observe("d1", older) {
		t.Fatalf("older sample arriving late must be discarded")
	}
	got, ok := tr.Latest("d1")
	if !ok || got.Latitude != 2 {
		t.Fatalf("expected newer sample retained, got %+v", got)
	}
	tr.Forget("d1")
	if _, ok := tr.Latest("d1"); ok {
		t.Fatalf("expected subject forgotten")
	}
}
