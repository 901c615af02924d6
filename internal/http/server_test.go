package httpapi_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/channel"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/driverclient"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/ridestate"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	pickup = models.Place{Coord: models.Coord{Lat: 36.10, Lon: -94.15}, Address: "Old Main"}
	dest   = models.Place{Coord: models.Coord{Lat: 36.20, Lon: -94.15}, Address: "Airport"}
)

type testServer struct {
	*httptest.Server
	idx *geo.Index
	hub *httpapi.Hub
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	idx := geo.NewIndex()
	hub := httpapi.NewHub(nil)
	m := &matcher.Service{
		Geo:             idx,
		Notify:          hub,
		Store:           storage.NewMemoryStore(),
		Fares:           &eta.Estimator{SpeedMps: 8},
		DefaultSpeedMps: 10,
		TopN:            5,
	}
	ts := httptest.NewServer(httpapi.NewServer(m, hub, nil))
	t.Cleanup(ts.Close)
	return &testServer{Server: ts, idx: idx, hub: hub}
}

func (ts *testServer) wsURL() string { return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws" }

func (ts *testServer) do(t *testing.T, method, path, token string, body string, hdr map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

const requestJSON = `{"pickup":{"lat":36.10,"lng":-94.15},"destination":{"lat":36.20,"lng":-94.15},"vehicleClass":"economy","preferences":[]}`

func TestRidesRequireBearerToken(t *testing.T) {
	ts := newTestServer(t)
	if resp := ts.do(t, http.MethodGet, "/rides/current", "", "", nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("want 401, got %d", resp.StatusCode)
	}
	if resp := ts.do(t, http.MethodGet, "/healthz", "", "", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: %d", resp.StatusCode)
	}
}

func TestRequestIsIdempotentAndCurrentIsScoped(t *testing.T) {
	ts := newTestServer(t)
	hdr := map[string]string{"Idempotency-Key": "k-1"}

	first := ts.do(t, http.MethodPost, "/rides/request", "u1", requestJSON, hdr)
	if first.StatusCode != http.StatusCreated {
		t.Fatalf("first request: %d", first.StatusCode)
	}
	var a struct{ Ride models.Ride }
	json.NewDecoder(first.Body).Decode(&a)

	again := ts.do(t, http.MethodPost, "/rides/request", "u1", requestJSON, hdr)
	if again.StatusCode != http.StatusOK {
		t.Fatalf("replay: %d", again.StatusCode)
	}
	var b struct{ Ride models.Ride }
	json.NewDecoder(again.Body).Decode(&b)
	if a.Ride.ID == "" || a.Ride.ID != b.Ride.ID {
		t.Fatalf("replay created a new ride: %s vs %s", a.Ride.ID, b.Ride.ID)
	}

	if resp := ts.do(t, http.MethodGet, "/rides/"+a.Ride.ID, "u2", "", nil); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("other user read ride: %d", resp.StatusCode)
	}
	if resp := ts.do(t, http.MethodGet, "/rides/nope", "u1", "", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown ride: %d", resp.StatusCode)
	}
	resp := ts.do(t, http.MethodGet, "/rides/current", "u2", "", nil)
	var cur struct{ Ride *models.Ride }
	json.NewDecoder(resp.Body).Decode(&cur)
	if resp.StatusCode != http.StatusOK || cur.Ride != nil {
		t.Fatalf("u2 current: %d %+v", resp.StatusCode, cur.Ride)
	}
}

func TestEstimateReturnsEveryClass(t *testing.T) {
	ts := newTestServer(t)
	svc := dispatch.NewService(ts.URL, dispatch.StaticToken("u1"), nil)
	got, err := svc.Estimate(context.Background(), pickup.Coord, dest.Coord)
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if len(got) != len(models.VehicleClasses) || got[0].Fare <= 0 {
		t.Fatalf("unexpected estimates %+v", got)
	}
	if resp := ts.do(t, http.MethodGet, "/rides/estimate?pickupLat=x", "u1", "", nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad query: %d", resp.StatusCode)
	}
}

func waitState(t *testing.T, ch <-chan models.RideState, want models.RideState) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case st := <-ch:
			if st == want {
				return
			}
		case <-deadline:
			t.Fatalf("never reached %s", want)
		}
	}
}

func connect(t *testing.T, ts *testServer, id channel.Identity, loc *models.LocationSample) *channel.Client {
	t.Helper()
	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+id.UserID)
	c := channel.New(channel.Options{URL: ts.wsURL(), Header: hdr, MinBackoff: 50 * time.Millisecond, MaxBackoff: 200 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(context.Background(), id, loc); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(c.Disconnect)
	if err := c.WaitConnected(ctx); err != nil {
		t.Fatalf("wait connected: %v", err)
	}
	return c
}

func TestRideEndToEnd(t *testing.T) {
	ts := newTestServer(t)

	driverCh := connect(t, ts, channel.Identity{UserID: "d1", UserType: events.UserDriver, DisplayName: "Dana", Rating: 4.9},
		&models.LocationSample{Latitude: 36.101, Longitude: -94.15, CapturedAt: time.Now()})
	drv := driverclient.New("d1", driverCh, nil)
	drv.OnOffer(func(o models.MatchOffer) { _ = drv.Accept(o.RideID) })

	deadline := time.Now().Add(10 * time.Second)
	for len(ts.idx.Nearby(pickup.Lat, pickup.Lon, 1)) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("driver never came online")
		}
		time.Sleep(10 * time.Millisecond)
	}

	riderCh := connect(t, ts, channel.Identity{UserID: "u1", UserType: events.UserRider}, nil)
	for !ts.hub.Connected(events.Room(events.UserRider, "u1")) {
		if time.Now().After(deadline) {
			t.Fatal("rider never joined")
		}
		time.Sleep(10 * time.Millisecond)
	}
	machine := ridestate.New(ridestate.Config{
		Dispatcher: dispatch.NewService(ts.URL, dispatch.StaticToken("u1"), nil),
		History:    storage.NewMemoryHistory(),
	})
	states := make(chan models.RideState, 32)
	machine.OnTransition(func(tr ridestate.Transition) {
		if tr.From != tr.To {
			states <- tr.To
		}
	})
	machine.Attach(riderCh)

	ride, err := machine.Request(context.Background(), models.RideRequest{Pickup: pickup, Destination: dest, VehicleClass: models.VehicleStandard})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	waitState(t, states, models.StateAssigned)
	if snap := machine.Snapshot(); snap.Ride.ID != ride.ID || snap.Ride.AssignedDriver.ID != "d1" {
		t.Fatalf("unexpected assignment %+v", snap.Ride)
	}

	for {
		if _, ok := drv.Current(); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("driver never saw the assignment")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := drv.Arrive(); err != nil {
		t.Fatalf("arrive: %v", err)
	}
	waitState(t, states, models.StateArrived)

	if err := machine.UserCancel(context.Background(), "late"); err != nil {
		t.Fatalf("cancel while arrived should be allowed: %v", err)
	}
	waitState(t, states, models.StateCancelled)
	snap := machine.Snapshot()
	if c := snap.Ride.Cancellation; c == nil || c.CancelledBy != models.CancelledByRider || c.RefundAmount == nil {
		t.Fatalf("cancellation not recorded: %+v", snap.Ride)
	}
	if snap.Ride.CompletedAt != nil {
		t.Fatal("cancelled ride has completedAt")
	}
}

func TestTripCompletesEndToEnd(t *testing.T) {
	ts := newTestServer(t)
	driverCh := connect(t, ts, channel.Identity{UserID: "d1", UserType: events.UserDriver, Rating: 5},
		&models.LocationSample{Latitude: 36.101, Longitude: -94.15, CapturedAt: time.Now()})
	drv := driverclient.New("d1", driverCh, nil)
	assigned := make(chan driverclient.Assignment, 8)
	drv.OnUpdate(func(a driverclient.Assignment) { assigned <- a })
	drv.OnOffer(func(o models.MatchOffer) { _ = drv.Accept(o.RideID) })
	for len(ts.idx.Nearby(pickup.Lat, pickup.Lon, 1)) == 0 {
		time.Sleep(10 * time.Millisecond)
	}

	riderCh := connect(t, ts, channel.Identity{UserID: "u1", UserType: events.UserRider}, nil)
	for !ts.hub.Connected(events.Room(events.UserRider, "u1")) {
		time.Sleep(10 * time.Millisecond)
	}
	history := storage.NewMemoryHistory()
	machine := ridestate.New(ridestate.Config{
		Dispatcher: dispatch.NewService(ts.URL, dispatch.StaticToken("u1"), nil),
		History:    history,
	})
	states := make(chan models.RideState, 32)
	machine.OnTransition(func(tr ridestate.Transition) {
		if tr.From != tr.To {
			states <- tr.To
		}
	})
	machine.Attach(riderCh)

	ride, err := machine.Request(context.Background(), models.RideRequest{Pickup: pickup, Destination: dest, VehicleClass: models.VehicleEconomy})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	waitState(t, states, models.StateAssigned)

	// each driver command is only valid once the driver's own view has caught up
	driverAt := func(want models.RideState) {
		t.Helper()
		timeout := time.After(5 * time.Second)
		for {
			select {
			case a := <-assigned:
				if a.State == want {
					return
				}
			case <-timeout:
				t.Fatalf("driver never reached %s", want)
			}
		}
	}
	driverAt(models.StateAssigned)
	if err := drv.Arrive(); err != nil {
		t.Fatalf("arrive: %v", err)
	}
	waitState(t, states, models.StateArrived)
	driverAt(models.StateArrived)
	if err := drv.StartTrip(); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitState(t, states, models.StateInProgress)

	if err := machine.UserCancel(context.Background(), ""); !errors.Is(err, ridestate.ErrTripUnderway) {
		t.Fatalf("cancel underway: want ErrTripUnderway, got %v", err)
	}
	driverAt(models.StateInProgress)
	fare := 19.75
	if err := drv.CompleteTrip(&fare); err != nil {
		t.Fatalf("complete: %v", err)
	}
	waitState(t, states, models.StateCompleted)

	snap := machine.Snapshot()
	if snap.Ride.FinalFare == nil || *snap.Ride.FinalFare != fare || snap.Ride.CancelledAt != nil {
		t.Fatalf("unexpected final ride %+v", snap.Ride)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		saved, err := history.GetRide(context.Background(), ride.ID)
		if err == nil && saved.State == models.StateCompleted {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("completed ride not in history: %+v %v", saved, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestJWTBearerVerified(t *testing.T) {
	ts := newTestServer(t)
	signer := auth.NewJWT("s3cret", "ride-dispatch")
	ts.hub.Verifier = signer

	if resp := ts.do(t, http.MethodGet, "/rides/current", "u1", "", nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("plain token: want 401, got %d", resp.StatusCode)
	}
	tok, err := signer.Issue("u1", "rider", time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if resp := ts.do(t, http.MethodGet, "/rides/current", tok, "", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("signed token: want 200, got %d", resp.StatusCode)
	}

	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer forged")
	_, resp, err := websocket.DefaultDialer.Dial(ts.wsURL(), hdr)
	if err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("ws with bad token: err=%v resp=%v", err, resp)
	}

	_, resp, err = websocket.DefaultDialer.Dial(ts.wsURL(), nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("ws without token: err=%v resp=%v", err, resp)
	}

	hdr.Set("Authorization", "Bearer "+tok)
	ws, _, err := websocket.DefaultDialer.Dial(ts.wsURL(), hdr)
	if err != nil {
		t.Fatalf("ws with signed token: %v", err)
	}
	ws.Close()
}

func TestJoinNeedsTokenWhenSigned(t *testing.T) {
	h := NewHub(nil)
	h.Verifier = auth.NewJWT("s3cret", "ride-dispatch")
	if err := h.Join(&Conn{}, "u1", events.UserRider); err == nil {
		t.Fatalf("unauthenticated connection joined a room")
	}
	if err := h.Join(&Conn{authUser: "u2"}, "u1", events.UserRider); err == nil {
		t.Fatalf("joined another user's room")
	}
	if err := h.Join(&Conn{authUser: "u1"}, "u1", events.UserRider); err != nil {
		t.Fatalf("join own room: %v", err)
	}
	if !h.Connected(events.Room(events.UserRider, "u1")) {
		t.Fatalf("room not joined")
	}
}
