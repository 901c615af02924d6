package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeAfterFuncFiresOnAdvance(t *testing.T) {
	c := Fake(epoch)
	fired := 0
	c.AfterFunc(time.Minute, func() { fired++ })
	c.Advance(59 * time.Second)
	if fired != 0 {
		t.Fatalf("fired early")
	}
	c.Advance(time.Second)
	c.Advance(time.Hour)
	if fired != 1 {
		t.Fatalf("expected exactly one fire, got %d", fired)
	}
}

func TestFakeTimerStop(t *testing.T) {
	c := Fake(epoch)
	fired := false
	tm := c.AfterFunc(time.Second, func() { fired = true })
	if !tm.Stop() {
		t.Fatalf("expected Stop to report an active timer")
	}
	if tm.Stop() {
		t.Fatalf("second Stop should report false")
	}
	c.Advance(time.Minute)
	if fired {
		t.Fatalf("stopped timer fired")
	}
	if c.PendingCount() != 0 {
		t.Fatalf("expected no pending timers, got %d", c.PendingCount())
	}
}

func TestFakeTickerReschedules(t *testing.T) {
	c := Fake(epoch)
	tk := c.NewTicker(5 * time.Second)
	defer tk.Stop()
	for i := 0; i < 3; i++ {
		c.Advance(5 * time.Second)
		select {
		case <-tk.C:
		default:
			t.Fatalf("tick %d not delivered", i)
		}
	}
	if got := c.Now().Sub(epoch); got != 15*time.Second {
		t.Fatalf("unexpected elapsed %s", got)
	}
}
