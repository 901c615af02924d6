package ridestate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/clock"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeDispatcher struct {
	mu         sync.Mutex
	n          int
	keys       []string
	cancels    []string
	requestErr error
	cancelErr  error
	current    *models.Ride
	rides      map[string]*models.Ride
	// runs inside RequestRide before it returns
	during  func(id string)
	release chan struct{}
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{rides: make(map[string]*models.Ride)}
}

func (f *fakeDispatcher) RequestRide(_ context.Context, _ models.RideRequest, key string) (models.Ride, error) {
	f.mu.Lock()
	f.keys = append(f.keys, key)
	if f.requestErr != nil {
		err := f.requestErr
		f.mu.Unlock()
		return models.Ride{}, err
	}
	f.n++
	id := fmt.Sprintf("r%d", f.n)
	during, release := f.during, f.release
	f.mu.Unlock()
	if release != nil {
		<-release
	}
	if during != nil {
		during(id)
	}
	return models.Ride{ID: id, State: models.StateSearching, EstimatedFare: 14.5}, nil
}

func (f *fakeDispatcher) CancelRide(_ context.Context, id, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, id+":"+reason)
	return f.cancelErr
}

func (f *fakeDispatcher) CurrentRide(context.Context) (*models.Ride, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current.Clone(), nil
}

func (f *fakeDispatcher) GetRide(_ context.Context, id string) (*models.Ride, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rides[id]
	if !ok {
		return nil, &dispatch.APIError{Status: http.StatusNotFound, Message: "ride not found"}
	}
	return r.Clone(), nil
}

func (f *fakeDispatcher) requests() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.keys)
}

func (f *fakeDispatcher) cancelCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancels...)
}

type emitted struct {
	event   string
	payload any
}

type fakeChannel struct {
	mu        sync.Mutex
	handlers  map[string]func(json.RawMessage)
	reconnect []func()
	sent      []emitted
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{handlers: make(map[string]func(json.RawMessage))}
}

func (c *fakeChannel) Subscribe(event string, h func(json.RawMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = h
}

func (c *fakeChannel) OnReconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnect = append(c.reconnect, fn)
}

func (c *fakeChannel) Emit(event string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, emitted{event, payload})
	return nil
}

func (c *fakeChannel) deliver(t *testing.T, ev events.Event) {
	t.Helper()
	b, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal %s: %v", ev.Name(), err)
	}
	c.mu.Lock()
	h, ok := c.handlers[ev.Name()]
	c.mu.Unlock()
	if !ok {
		t.Fatalf("no handler for %s", ev.Name())
	}
	h(b)
}

func (c *fakeChannel) fireReconnect() {
	c.mu.Lock()
	hooks := append([]func(){}, c.reconnect...)
	c.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

func (c *fakeChannel) acks() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, e := range c.sent {
		if e.event == events.NameRideCancelledAck {
			out = append(out, e.payload.(events.RideCancelledAck).RideID)
		}
	}
	return out
}

type harness struct {
	m       *Machine
	clk     *clock.FakeClock
	disp    *fakeDispatcher
	ch      *fakeChannel
	history *storage.MemoryHistory

	mu          sync.Mutex
	transitions []Transition
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clk:     clock.Fake(epoch),
		disp:    newFakeDispatcher(),
		ch:      newFakeChannel(),
		history: storage.NewMemoryHistory(),
	}
	h.m = New(Config{Dispatcher: h.disp, History: h.history, Clock: h.clk})
	h.m.Attach(h.ch)
	h.m.OnTransition(func(tr Transition) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.transitions = append(h.transitions, tr)
	})
	return h
}

func (h *harness) entered(state models.RideState) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, tr := range h.transitions {
		if tr.To == state && tr.From != state {
			n++
		}
	}
	return n
}

func (h *harness) expect(t *testing.T, want models.RideState) Snapshot {
	t.Helper()
	s := h.m.Snapshot()
	if s.State != want {
		t.Fatalf("expected state %s, got %s", want, s.State)
	}
	return s
}

func testRequest() models.RideRequest {
	return models.RideRequest{
		Pickup:       models.Place{Coord: models.Coord{Lat: 36.10, Lon: -94.15}, Address: "Old Main"},
		Destination:  models.Place{Coord: models.Coord{Lat: 36.37, Lon: -94.20}, Address: "Airport"},
		VehicleClass: models.VehicleStandard,
	}
}

func driverD1() models.DriverSnapshot {
	return models.DriverSnapshot{ID: "d1", DisplayName: "Dana", Rating: 4.9, Vehicle: "Blue Prius"}
}

// request puts the machine into searching with ride r1.
func (h *harness) request(t *testing.T) models.Ride {
	t.Helper()
	r, err := h.m.Request(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	return r
}

func (h *harness) toInProgress(t *testing.T) {
	t.Helper()
	h.request(t)
	h.ch.deliver(t, events.RideAccepted{RideID: "r1", Driver: driverD1(), ETASeconds: 240})
	h.ch.deliver(t, events.DriverArrived{RideID: "r1"})
	h.ch.deliver(t, events.TripStatusChanged{RideID: "r1", Status: events.TripInProgress})
	h.expect(t, models.StateInProgress)
}

func TestRequestThenAcceptedAtEightSeconds(t *testing.T) {
	h := newHarness(t)
	r := h.request(t)
	if r.ID != "r1" {
		t.Fatalf("expected ride r1, got %q", r.ID)
	}
	s := h.expect(t, models.StateSearching)
	if s.Pending != nil {
		t.Fatalf("pending ride must be cleared once the id is known")
	}
	if s.Ride.Pickup.Lat != 36.10 || s.Ride.VehicleClass != models.VehicleStandard {
		t.Fatalf("ride lost request details: %+v", s.Ride)
	}
	if h.clk.PendingCount() != 1 {
		t.Fatalf("expected search timer armed, pending=%d", h.clk.PendingCount())
	}

	h.clk.Advance(8 * time.Second)
	h.ch.deliver(t, events.RideAccepted{RideID: "r1", Driver: driverD1(), ETASeconds: 300})

	s = h.expect(t, models.StateAssigned)
	if s.Ride.AssignedDriver == nil || s.Ride.AssignedDriver.ID != "d1" {
		t.Fatalf("expected driver d1, got %+v", s.Ride.AssignedDriver)
	}
	if s.Ride.AcceptedAt == nil || !s.Ride.AcceptedAt.Equal(epoch.Add(8*time.Second)) {
		t.Fatalf("acceptedAt = %v", s.Ride.AcceptedAt)
	}
	if s.ETASeconds != 300 {
		t.Fatalf("eta = %v", s.ETASeconds)
	}
	if h.clk.PendingCount() != 0 {
		t.Fatalf("search timer should be disarmed, pending=%d", h.clk.PendingCount())
	}

	h.clk.Advance(2 * time.Minute)
	h.expect(t, models.StateAssigned)
}

func TestSearchTimesOutOnceAndRetryCreatesNewRide(t *testing.T) {
	h := newHarness(t)
	h.request(t)

	h.clk.Advance(59 * time.Second)
	h.expect(t, models.StateSearching)
	h.clk.Advance(time.Second)
	s := h.expect(t, models.StateTimedOut)
	h.clk.Advance(5 * time.Minute)

	if s.Ride.CancelledAt == nil || s.Ride.CompletedAt != nil {
		t.Fatalf("timed out ride must carry cancelledAt only: %+v", s.Ride)
	}
	if c := s.Ride.Cancellation; c == nil || c.CancelledBy != models.CancelledBySystem || c.Reason != SearchTimeoutReason {
		t.Fatalf("cancellation = %+v", s.Ride.Cancellation)
	}

	if n := h.entered(models.StateTimedOut); n != 1 {
		t.Fatalf("expected one timed_out transition, got %d", n)
	}
	if got := h.disp.cancelCalls(); len(got) != 1 || got[0] != "r1:"+SearchTimeoutReason {
		t.Fatalf("expected best-effort server cancel, got %v", got)
	}
	if acts := s.Actions(); len(acts) != 2 || acts[0] != ActionRetry {
		t.Fatalf("actions = %v", acts)
	}

	r, err := h.m.Retry(context.Background())
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if r.ID == "r1" {
		t.Fatalf("retry resumed the old ride")
	}
	h.expect(t, models.StateSearching)
	if h.disp.keys[0] == h.disp.keys[1] {
		t.Fatalf("retry must use a fresh idempotency key")
	}
}

func TestCancelRejectedWhileInProgress(t *testing.T) {
	h := newHarness(t)
	h.toInProgress(t)
	before := h.m.Snapshot().Version

	err := h.m.UserCancel(context.Background(), "changed my mind")
	if !errors.Is(err, ErrTripUnderway) {
		t.Fatalf("expected ErrTripUnderway, got %v", err)
	}
	s := h.expect(t, models.StateInProgress)
	if s.Version != before {
		t.Fatalf("rejected cancel must not transition")
	}
	if len(h.disp.cancelCalls()) != 0 {
		t.Fatalf("no REST cancel expected")
	}
}

func TestOutOfOrderEventsLeaveStateUnchanged(t *testing.T) {
	h := newHarness(t)
	h.request(t)
	before := h.m.Snapshot().Version

	fare := 20.0
	h.ch.deliver(t, events.DriverArrived{RideID: "r1"})
	h.ch.deliver(t, events.TripStatusChanged{RideID: "r1", Status: events.TripCompleted, FinalFare: &fare})
	h.ch.deliver(t, events.TripStatusChanged{RideID: "r1", Status: events.TripInProgress})
	h.ch.deliver(t, events.RideAccepted{RideID: "other", Driver: driverD1()})

	s := h.expect(t, models.StateSearching)
	if s.Version != before {
		t.Fatalf("dropped events must not change the snapshot")
	}
	if s.Ride.AssignedDriver != nil || s.Ride.FinalFare != nil {
		t.Fatalf("dropped events leaked into the ride: %+v", s.Ride)
	}
}

func TestDuplicateRideAcceptedKeepsDriver(t *testing.T) {
	h := newHarness(t)
	h.request(t)
	h.ch.deliver(t, events.RideAccepted{RideID: "r1", Driver: driverD1()})
	accepted := h.m.Snapshot().Ride.AcceptedAt

	h.clk.Advance(3 * time.Second)
	h.ch.deliver(t, events.RideAccepted{RideID: "r1", Driver: models.DriverSnapshot{ID: "d2"}})

	s := h.expect(t, models.StateAssigned)
	if s.Ride.AssignedDriver.ID != "d1" {
		t.Fatalf("duplicate acceptance replaced driver with %s", s.Ride.AssignedDriver.ID)
	}
	if !s.Ride.AcceptedAt.Equal(*accepted) {
		t.Fatalf("acceptedAt moved")
	}
	if h.clk.PendingCount() != 0 {
		t.Fatalf("duplicate acceptance re-armed a timer")
	}
	if n := h.entered(models.StateAssigned); n != 1 {
		t.Fatalf("expected one assigned transition, got %d", n)
	}
}

func TestCompletedRideIgnoresLateCancel(t *testing.T) {
	h := newHarness(t)
	h.toInProgress(t)
	fare := 18.75
	h.ch.deliver(t, events.TripStatusChanged{RideID: "r1", Status: events.TripCompleted, FinalFare: &fare})
	h.ch.deliver(t, events.RideCancelled{RideID: "r1", CancelledBy: models.CancelledBySystem})

	s := h.expect(t, models.StateCompleted)
	if s.Ride.CompletedAt == nil || s.Ride.CancelledAt != nil {
		t.Fatalf("completed ride must carry only completedAt: %+v", s.Ride)
	}
	if *s.Ride.FinalFare != 18.75 {
		t.Fatalf("final fare = %v", *s.Ride.FinalFare)
	}
	if n := h.entered(models.StateCompleted); n != 1 {
		t.Fatalf("expected exactly one completed transition, got %d", n)
	}
	saved, err := h.history.GetRide(context.Background(), "r1")
	if err != nil || saved.State != models.StateCompleted {
		t.Fatalf("completed ride not persisted: %+v err=%v", saved, err)
	}
}

func TestCancelledRideIgnoresLateCompletion(t *testing.T) {
	h := newHarness(t)
	h.toInProgress(t)
	refund := 0.0
	h.ch.deliver(t, events.RideCancelled{RideID: "r1", CancelledBy: models.CancelledBySystem, Reason: "vehicle issue", RefundAmount: &refund})
	h.ch.deliver(t, events.TripStatusChanged{RideID: "r1", Status: events.TripCompleted})

	s := h.expect(t, models.StateCancelled)
	if s.Ride.CancelledAt == nil || s.Ride.CompletedAt != nil {
		t.Fatalf("cancelled ride must carry only cancelledAt: %+v", s.Ride)
	}
	if s.Ride.Cancellation.CancelledBy != models.CancelledBySystem {
		t.Fatalf("attribution lost: %+v", s.Ride.Cancellation)
	}
	if acks := h.ch.acks(); len(acks) != 1 || acks[0] != "r1" {
		t.Fatalf("expected one ack, got %v", acks)
	}
}

func TestUserCancelWaitsForServer(t *testing.T) {
	h := newHarness(t)
	h.request(t)
	if err := h.m.UserCancel(context.Background(), "too slow"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	h.expect(t, models.StateCancelling)
	if got := h.disp.cancelCalls(); len(got) != 1 || got[0] != "r1:too slow" {
		t.Fatalf("cancel calls = %v", got)
	}
	if err := h.m.UserCancel(context.Background(), "again"); !errors.Is(err, ErrCancelPending) {
		t.Fatalf("expected ErrCancelPending, got %v", err)
	}

	refund := 14.5
	h.ch.deliver(t, events.RideCancelled{RideID: "r1", CancelledBy: models.CancelledByRider, RefundAmount: &refund})
	s := h.expect(t, models.StateCancelled)
	if *s.Ride.Cancellation.RefundAmount != 14.5 {
		t.Fatalf("refund = %v", s.Ride.Cancellation.RefundAmount)
	}
	h.ch.deliver(t, events.RideCancelled{RideID: "r1", CancelledBy: models.CancelledByRider})
	if acks := h.ch.acks(); len(acks) != 2 {
		t.Fatalf("redelivered cancel should be acked again, got %v", acks)
	}
	if n := h.entered(models.StateCancelled); n != 1 {
		t.Fatalf("expected one cancelled transition, got %d", n)
	}
}

func TestCancelRaceLastServerEventWins(t *testing.T) {
	t.Run("accept then cancel", func(t *testing.T) {
		h := newHarness(t)
		h.request(t)
		_ = h.m.UserCancel(context.Background(), "")
		h.ch.deliver(t, events.RideAccepted{RideID: "r1", Driver: driverD1()})
		h.expect(t, models.StateAssigned)
		h.ch.deliver(t, events.RideCancelled{RideID: "r1", CancelledBy: models.CancelledByRider})
		h.expect(t, models.StateCancelled)
	})
	t.Run("accept wins", func(t *testing.T) {
		h := newHarness(t)
		h.request(t)
		_ = h.m.UserCancel(context.Background(), "")
		h.ch.deliver(t, events.RideAccepted{RideID: "r1", Driver: driverD1()})
		s := h.expect(t, models.StateAssigned)
		if s.Ride.AssignedDriver.ID != "d1" {
			t.Fatalf("driver = %+v", s.Ride.AssignedDriver)
		}
		if h.clk.PendingCount() != 0 {
			t.Fatalf("timers left armed after leaving cancelling: %d", h.clk.PendingCount())
		}
	})
}

func TestCancelFailureRevertsToPriorState(t *testing.T) {
	h := newHarness(t)
	h.request(t)
	h.ch.deliver(t, events.RideAccepted{RideID: "r1", Driver: driverD1()})
	h.disp.cancelErr = &dispatch.APIError{Status: http.StatusConflict, Message: "ride already started"}

	err := h.m.UserCancel(context.Background(), "")
	var apiErr *dispatch.APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusConflict {
		t.Fatalf("expected APIError 409, got %v", err)
	}
	s := h.expect(t, models.StateAssigned)
	if s.LastError == nil {
		t.Fatalf("cancel failure must surface on the snapshot")
	}
}

func TestCancelWhileRequestingIsSentOnceIDArrives(t *testing.T) {
	h := newHarness(t)
	h.disp.release = make(chan struct{})
	requesting := make(chan struct{})
	h.m.OnTransition(func(tr Transition) {
		if tr.To == models.StateRequesting && tr.From != models.StateRequesting {
			close(requesting)
		}
	})

	done := make(chan error, 1)
	go func() {
		_, err := h.m.Request(context.Background(), testRequest())
		done <- err
	}()
	<-requesting

	if err := h.m.UserCancel(context.Background(), "wrong address"); err != nil {
		t.Fatalf("cancel while requesting: %v", err)
	}
	h.expect(t, models.StateCancelling)
	if len(h.disp.cancelCalls()) != 0 {
		t.Fatalf("cancel cannot be sent before the ride has an id")
	}

	close(h.disp.release)
	if err := <-done; err != nil {
		t.Fatalf("request: %v", err)
	}
	if got := h.disp.cancelCalls(); len(got) != 1 || got[0] != "r1:wrong address" {
		t.Fatalf("cancel calls = %v", got)
	}
	s := h.expect(t, models.StateCancelling)
	if s.Ride == nil || s.Ride.ID != "r1" {
		t.Fatalf("ride id not adopted: %+v", s.Ride)
	}
	h.ch.deliver(t, events.RideCancelled{RideID: "r1", CancelledBy: models.CancelledByRider})
	h.expect(t, models.StateCancelled)
}

func TestRequestGuardsAgainstRepeatSubmission(t *testing.T) {
	h := newHarness(t)
	h.request(t)
	if _, err := h.m.Request(context.Background(), testRequest()); !errors.Is(err, ErrRideActive) {
		t.Fatalf("expected ErrRideActive, got %v", err)
	}
	if h.disp.requests() != 1 {
		t.Fatalf("REST request issued %d times", h.disp.requests())
	}
}

func TestRequestRejectedReturnsToIdle(t *testing.T) {
	h := newHarness(t)
	h.disp.requestErr = &dispatch.APIError{Status: http.StatusPaymentRequired, Message: "card declined"}
	if _, err := h.m.Request(context.Background(), testRequest()); err == nil {
		t.Fatalf("expected error")
	}
	s := h.expect(t, models.StateIdle)
	if s.LastError == nil || s.Ride != nil || s.Pending != nil {
		t.Fatalf("unexpected snapshot after rejection: %+v", s)
	}
}

func TestEventsBeforeRESTResponseAreReplayed(t *testing.T) {
	h := newHarness(t)
	h.disp.during = func(id string) {
		h.ch.deliver(t, events.FindingDriver{RideID: id, Message: "Looking nearby"})
		h.ch.deliver(t, events.RideAccepted{RideID: id, Driver: driverD1()})
	}
	h.request(t)
	s := h.expect(t, models.StateAssigned)
	if s.Ride.AssignedDriver.ID != "d1" {
		t.Fatalf("driver = %+v", s.Ride.AssignedDriver)
	}
}

func TestResyncMovesForwardOnly(t *testing.T) {
	h := newHarness(t)
	h.request(t)

	d := driverD1()
	accepted := epoch.Add(5 * time.Second)
	h.disp.current = &models.Ride{ID: "r1", State: models.StateArrived, AssignedDriver: &d, AcceptedAt: &accepted}
	h.ch.fireReconnect()
	s := h.expect(t, models.StateArrived)
	if s.Ride.AssignedDriver == nil || !s.Ride.AcceptedAt.Equal(accepted) {
		t.Fatalf("resync did not adopt server ride: %+v", s.Ride)
	}

	h.disp.current = &models.Ride{ID: "r1", State: models.StateSearching}
	h.ch.fireReconnect()
	h.expect(t, models.StateArrived)
}

func TestResyncLearnsHowRideEnded(t *testing.T) {
	h := newHarness(t)
	h.request(t)
	h.ch.deliver(t, events.RideAccepted{RideID: "r1", Driver: driverD1()})

	refund := 9.0
	h.disp.rides["r1"] = &models.Ride{ID: "r1", State: models.StateCancelled,
		Cancellation: &models.Cancellation{CancelledBy: models.CancelledByDriver, Reason: "flat tyre", RefundAmount: &refund}}
	h.ch.fireReconnect()

	s := h.expect(t, models.StateCancelled)
	if s.Ride.Cancellation.CancelledBy != models.CancelledByDriver || s.Ride.CancelledAt == nil {
		t.Fatalf("cancellation not adopted: %+v", s.Ride)
	}
}

func TestMissingCancelAckResyncs(t *testing.T) {
	h := newHarness(t)
	h.request(t)
	_ = h.m.UserCancel(context.Background(), "")

	h.clk.Advance(9 * time.Second)
	h.expect(t, models.StateCancelling)
	// Server no longer knows the ride at all.
	h.clk.Advance(time.Second)
	s := h.expect(t, models.StateCancelled)
	if s.Ride.Cancellation.CancelledBy != models.CancelledByRider {
		t.Fatalf("cancellation = %+v", s.Ride.Cancellation)
	}
	if h.clk.PendingCount() != 0 {
		t.Fatalf("timers left armed: %d", h.clk.PendingCount())
	}
}

func TestRecoverAdoptsServerRide(t *testing.T) {
	h := newHarness(t)
	d := driverD1()
	h.disp.current = &models.Ride{ID: "r9", State: models.StateInProgress, AssignedDriver: &d}

	ok, err := h.m.Recover(context.Background())
	if err != nil || !ok {
		t.Fatalf("recover: ok=%v err=%v", ok, err)
	}
	s := h.expect(t, models.StateInProgress)
	if s.Ride.ID != "r9" {
		t.Fatalf("ride = %+v", s.Ride)
	}
}

func TestDriverLocationLastWriteWins(t *testing.T) {
	h := newHarness(t)
	h.request(t)
	h.ch.deliver(t, events.RideAccepted{RideID: "r1", Driver: driverD1()})

	newer := models.LocationSample{Latitude: 36.11, Longitude: -94.16, CapturedAt: epoch.Add(10 * time.Second)}
	older := models.LocationSample{Latitude: 36.00, Longitude: -94.00, CapturedAt: epoch.Add(5 * time.Second)}
	h.ch.deliver(t, events.DriverLocationUpdate{RideID: "r1", DriverID: "d1", Location: newer})
	h.ch.deliver(t, events.DriverLocationUpdate{RideID: "r1", DriverID: "d1", Location: older})

	s := h.expect(t, models.StateAssigned)
	loc := s.Ride.AssignedDriver.Location
	if loc == nil || loc.Latitude != 36.11 {
		t.Fatalf("expected newest sample to win, got %+v", loc)
	}
}

func TestTransitionsDeliveredInOrder(t *testing.T) {
	h := newHarness(t)
	h.toInProgress(t)

	var got []models.RideState
	h.mu.Lock()
	for _, tr := range h.transitions {
		if tr.From != tr.To {
			got = append(got, tr.To)
		}
	}
	h.mu.Unlock()
	want := []models.RideState{models.StateRequesting, models.StateSearching, models.StateAssigned, models.StateArrived, models.StateInProgress}
	if len(got) != len(want) {
		t.Fatalf("transitions = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("transitions = %v", got)
		}
	}
}

func TestNoDriversIsASystemCancel(t *testing.T) {
	h := newHarness(t)
	h.request(t)
	h.ch.deliver(t, events.NoDriversAvailable{RideID: "r1", Reason: "no drivers nearby"})
	s := h.expect(t, models.StateNoDrivers)
	if s.Ride.CancelledAt == nil || s.Ride.CompletedAt != nil {
		t.Fatalf("no_drivers ride must carry cancelledAt only: %+v", s.Ride)
	}
	c := s.Ride.Cancellation
	if c == nil || c.CancelledBy != models.CancelledBySystem || c.Reason != "no drivers nearby" {
		t.Fatalf("cancellation = %+v", c)
	}
	at := *s.Ride.CancelledAt

	// a late cancel confirmation must not restamp the ride
	h.clk.Advance(time.Minute)
	h.ch.deliver(t, events.RideCancelled{RideID: "r1", CancelledBy: models.CancelledBySystem})
	s = h.expect(t, models.StateNoDrivers)
	if !s.Ride.CancelledAt.Equal(at) {
		t.Fatalf("cancelledAt moved from %v to %v", at, *s.Ride.CancelledAt)
	}
}

func TestDismissClearsTerminalRide(t *testing.T) {
	h := newHarness(t)
	h.request(t)
	if err := h.m.Dismiss(); !errors.Is(err, ErrRideActive) {
		t.Fatalf("dismiss of an active ride: %v", err)
	}
	h.ch.deliver(t, events.NoDriversAvailable{RideID: "r1", Reason: "no drivers nearby"})
	s := h.expect(t, models.StateNoDrivers)
	if s.Ride.NoDriversReason != "no drivers nearby" {
		t.Fatalf("reason = %q", s.Ride.NoDriversReason)
	}
	if err := h.m.Dismiss(); err != nil {
		t.Fatalf("dismiss: %v", err)
	}
	s = h.expect(t, models.StateIdle)
	if s.Ride != nil {
		t.Fatalf("ride not cleared")
	}
	if _, err := h.history.GetRide(context.Background(), "r1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("no_drivers rides are not persisted, err=%v", err)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	h := newHarness(t)
	h.request(t)
	s := h.m.Snapshot()
	s.Ride.ID = "mutated"
	if h.m.Snapshot().Ride.ID != "r1" {
		t.Fatalf("snapshot aliases machine state")
	}
}
