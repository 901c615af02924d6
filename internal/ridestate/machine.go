// Package ridestate is the single authority for a ride's state on a client.
//
// Every input (a REST result, a server event, a timer firing, a user action)
// is applied under one lock, checked against the lifecycle graph, and
// published to listeners as a Transition. Callers only ever see copies.
package ridestate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/clock"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/location"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/supervisor"
)

const (
	DefaultSearchTimeout    = 60 * time.Second
	DefaultCancelAckTimeout = 10 * time.Second
	DefaultResyncTimeout    = 10 * time.Second

	SearchTimeoutReason = "search_timeout"

	// events seen while the request is in flight, replayed once the id is known
	maxEarlyEvents = 16
)

var (
	ErrRideActive     = errors.New("a ride is already active")
	ErrTripUnderway   = errors.New("cannot cancel, trip underway")
	ErrNoActiveRide   = errors.New("no active ride")
	ErrCancelPending  = errors.New("cancellation already in progress")
	ErrNothingToRetry = errors.New("no previous request to retry")
)

// Dispatcher is the REST surface the machine drives. *dispatch.Service
// implements it.
type Dispatcher interface {
	RequestRide(ctx context.Context, req models.RideRequest, idempotencyKey string) (models.Ride, error)
	CancelRide(ctx context.Context, rideID, reason string) error
	CurrentRide(ctx context.Context) (*models.Ride, error)
	GetRide(ctx context.Context, rideID string) (*models.Ride, error)
}

// Channel is the part of the event channel client the machine uses.
type Channel interface {
	Subscribe(event string, h func(data json.RawMessage))
	OnReconnect(fn func())
	Emit(event string, payload any) error
}

type Config struct {
	Dispatcher Dispatcher
	History    storage.HistoryStore // optional
	Clock      clock.Clock
	Logger     *slog.Logger

	SearchTimeout    time.Duration
	CancelAckTimeout time.Duration
	// ResyncTimeout bounds the REST round trips made after a reconnect or a
	// missing cancel acknowledgement.
	ResyncTimeout time.Duration
}

type Listener func(Transition)

type Machine struct {
	dispatcher Dispatcher
	history    storage.HistoryStore
	clock      clock.Clock
	logger     *slog.Logger
	search     *supervisor.Supervisor
	cancelAck  *supervisor.Supervisor
	driverLoc  *location.Tracker

	searchTimeout    time.Duration
	cancelAckTimeout time.Duration
	resyncTimeout    time.Duration

	mu           sync.Mutex
	emitter      Channel
	listeners    []Listener
	outbox       []Transition
	state        models.RideState
	pending      *models.PendingRide
	ride         *models.Ride
	early        []events.Event
	lastRequest  *models.RideRequest
	cancelFrom   models.RideState
	cancelReason string
	statusText   string
	eta          float64
	lastErr      error
	version      uint64

	// held while delivering to listeners so deliveries never interleave
	notifyMu sync.Mutex
}

func New(cfg Config) *Machine {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.SearchTimeout <= 0 {
		cfg.SearchTimeout = DefaultSearchTimeout
	}
	if cfg.CancelAckTimeout <= 0 {
		cfg.CancelAckTimeout = DefaultCancelAckTimeout
	}
	if cfg.ResyncTimeout <= 0 {
		cfg.ResyncTimeout = DefaultResyncTimeout
	}
	return &Machine{
		dispatcher:       cfg.Dispatcher,
		history:          cfg.History,
		clock:            cfg.Clock,
		logger:           cfg.Logger.With("component", "ride_state"),
		search:           supervisor.New(cfg.Clock),
		cancelAck:        supervisor.New(cfg.Clock),
		driverLoc:        location.NewTracker(),
		searchTimeout:    cfg.SearchTimeout,
		cancelAckTimeout: cfg.CancelAckTimeout,
		resyncTimeout:    cfg.ResyncTimeout,
		state:            models.StateIdle,
	}
}

// Attach subscribes the machine to every ride event on ch, resyncs after each
// reconnect, and sends acknowledgements through ch.
func (m *Machine) Attach(ch Channel) {
	m.mu.Lock()
	m.emitter = ch
	m.mu.Unlock()

	for _, name := range events.RideEventNames {
		ch.Subscribe(name, func(data json.RawMessage) {
			ev, err := events.Decode(name, data)
			if err != nil {
				m.logger.Warn("undecodable event", "event", name, "error", err)
				return
			}
			m.HandleEvent(ev)
		})
	}
	ch.OnReconnect(func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.resyncTimeout)
		defer cancel()
		if err := m.Resync(ctx); err != nil {
			m.logger.Warn("resync after reconnect failed", "error", err)
		}
	})
}

// OnTransition registers l. Listeners run in transition order, outside the
// state lock. They may read Snapshot but must not call mutating methods
// synchronously.
func (m *Machine) OnTransition(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Request starts a new ride. It is refused while another ride is active, so
// the REST call is made exactly once per logical request. From a terminal
// state it starts over with a new idempotency key and the server creates a
// new ride.
func (m *Machine) Request(ctx context.Context, req models.RideRequest) (models.Ride, error) {
	if err := req.Validate(); err != nil {
		return models.Ride{}, err
	}
	m.mu.Lock()
	if m.state != models.StateIdle && !m.state.Terminal() {
		m.mu.Unlock()
		return models.Ride{}, ErrRideActive
	}
	pending := &models.PendingRide{
		Request:        req,
		IdempotencyKey: dispatch.NewIdempotencyKey(),
		CreatedAt:      m.clock.Now(),
	}
	r := req
	m.lastRequest = &r
	if m.ride != nil && m.ride.AssignedDriver != nil {
		m.driverLoc.Forget(m.ride.AssignedDriver.ID)
	}
	m.ride = nil
	m.early = nil
	m.pending = pending
	m.lastErr = nil
	m.statusText = "Requesting your ride"
	m.eta = 0
	fx := &effects{}
	m.enter(models.StateRequesting, fx)
	m.commit(fx)

	created, err := m.dispatcher.RequestRide(ctx, req, pending.IdempotencyKey)

	m.mu.Lock()
	if m.pending != pending {
		// A resync adopted the server's ride while the call was in flight.
		m.mu.Unlock()
		if err != nil {
			return models.Ride{}, fmt.Errorf("request ride: %w", err)
		}
		return created, nil
	}
	m.pending = nil
	early := m.early
	m.early = nil
	fx = &effects{}
	if err != nil {
		m.logger.Error("ride request rejected", "error", err)
		m.lastErr = err
		m.statusText = ""
		m.enter(models.StateIdle, fx)
		m.commit(fx)
		return models.Ride{}, fmt.Errorf("request ride: %w", err)
	}

	m.ride = newRide(created, pending)
	if m.state == models.StateCancelling {
		// The user cancelled before the id arrived; send it now.
		m.cancelFrom = models.StateSearching
		m.ride.State = models.StateCancelling
		m.touch(fx)
		m.armCancelAck()
		id, reason := m.ride.ID, m.cancelReason
		out := *m.ride.Clone()
		m.replay(early, fx)
		m.commit(fx)
		if cerr := m.issueCancel(ctx, id, reason); cerr != nil {
			m.logger.Warn("deferred cancel failed", "ride_id", id, "error", cerr)
		}
		return out, nil
	}
	m.statusText = "Finding your driver"
	m.enter(models.StateSearching, fx)
	out := *m.ride.Clone()
	m.replay(early, fx)
	m.commit(fx)
	return out, nil
}

// Retry re-issues the last request as a brand-new ride. It is the "Try
// Again" action offered after no_drivers, timed_out and cancelled.
func (m *Machine) Retry(ctx context.Context) (models.Ride, error) {
	m.mu.Lock()
	last := m.lastRequest
	m.mu.Unlock()
	if last == nil {
		return models.Ride{}, ErrNothingToRetry
	}
	return m.Request(ctx, *last)
}

// UserCancel asks the server to cancel. It is cooperative: the machine waits
// in cancelling for the server's ride-cancelled before reaching cancelled.
func (m *Machine) UserCancel(ctx context.Context, reason string) error {
	m.mu.Lock()
	switch {
	case m.state == models.StateInProgress:
		m.mu.Unlock()
		return ErrTripUnderway
	case m.state == models.StateCancelling:
		m.mu.Unlock()
		return ErrCancelPending
	case m.state == models.StateIdle || m.state.Terminal():
		m.mu.Unlock()
		return ErrNoActiveRide
	}
	m.cancelFrom = m.state
	m.cancelReason = reason
	m.statusText = "Cancelling"
	fx := &effects{}
	m.enter(models.StateCancelling, fx)
	if m.ride == nil {
		// Still requesting: Request issues the cancel once the id is known.
		m.commit(fx)
		return nil
	}
	id := m.ride.ID
	m.commit(fx)
	return m.issueCancel(ctx, id, reason)
}

func (m *Machine) issueCancel(ctx context.Context, id, reason string) error {
	err := m.dispatcher.CancelRide(ctx, id, reason)
	if err == nil {
		return nil
	}
	m.mu.Lock()
	if m.state != models.StateCancelling || m.ride == nil || m.ride.ID != id {
		m.mu.Unlock()
		return fmt.Errorf("cancel ride: %w", err)
	}
	// The server never took the cancel, so the ride carries on where it was.
	m.logger.Error("cancel rejected", "ride_id", id, "error", err)
	m.lastErr = err
	back := m.cancelFrom
	if back == models.StateRequesting {
		back = models.StateSearching
	}
	m.statusText = ""
	fx := &effects{resync: true}
	m.enter(back, fx)
	m.commit(fx)
	return fmt.Errorf("cancel ride: %w", err)
}

// Dismiss clears a terminal ride so the UI can start over.
func (m *Machine) Dismiss() error {
	m.mu.Lock()
	if m.state == models.StateIdle {
		m.mu.Unlock()
		return nil
	}
	if !m.state.Terminal() {
		m.mu.Unlock()
		return ErrRideActive
	}
	if m.ride != nil && m.ride.AssignedDriver != nil {
		m.driverLoc.Forget(m.ride.AssignedDriver.ID)
	}
	m.ride = nil
	m.pending = nil
	m.lastErr = nil
	m.statusText = ""
	m.eta = 0
	fx := &effects{}
	m.enter(models.StateIdle, fx)
	m.commit(fx)
	return nil
}

// HandleEvent applies one server event. Events that are not valid for the
// current state, or that belong to another ride, are logged and dropped.
func (m *Machine) HandleEvent(ev events.Event) {
	m.mu.Lock()
	if m.ride == nil {
		if m.pending != nil && len(m.early) < maxEarlyEvents {
			m.early = append(m.early, ev)
		} else {
			m.drop(ev, "no ride")
		}
		m.mu.Unlock()
		return
	}
	if ev.Ride() != m.ride.ID {
		m.drop(ev, "other ride")
		m.mu.Unlock()
		return
	}
	fx := &effects{}
	if !m.apply(ev, fx) {
		m.drop(ev, "invalid for state")
	}
	m.commit(fx)
}

func (m *Machine) replay(early []events.Event, fx *effects) {
	for _, ev := range early {
		if ev.Ride() != m.ride.ID {
			m.drop(ev, "other ride")
			continue
		}
		if !m.apply(ev, fx) {
			m.drop(ev, "invalid for state")
		}
	}
}

func (m *Machine) searchExpired(rideID string) func() {
	return func() {
		m.mu.Lock()
		if m.state != models.StateSearching || m.ride == nil || m.ride.ID != rideID {
			m.mu.Unlock()
			return
		}
		observability.TimeoutsTotal.WithLabelValues(string(models.StateSearching)).Inc()
		m.logger.Info("search timed out", "ride_id", rideID)
		m.statusText = "No driver found in time"
		fx := &effects{cancel: &cancelCall{rideID: rideID, reason: SearchTimeoutReason}}
		m.enter(models.StateTimedOut, fx)
		m.commit(fx)
	}
}

func (m *Machine) armCancelAck() {
	if m.ride == nil {
		return
	}
	id := m.ride.ID
	m.cancelAck.Arm(m.cancelAckTimeout, func() {
		m.mu.Lock()
		active := m.state == models.StateCancelling && m.ride != nil && m.ride.ID == id
		m.mu.Unlock()
		if !active {
			return
		}
		observability.TimeoutsTotal.WithLabelValues(string(models.StateCancelling)).Inc()
		m.logger.Warn("no cancel acknowledgement, resyncing", "ride_id", id)
		ctx, cancel := context.WithTimeout(context.Background(), m.resyncTimeout)
		defer cancel()
		if err := m.Resync(ctx); err != nil {
			m.logger.Warn("resync after missing cancel ack failed", "ride_id", id, "error", err)
		}
	})
}

func newRide(created models.Ride, p *models.PendingRide) *models.Ride {
	r := created.Clone()
	r.State = models.StateSearching
	r.Pickup = p.Request.Pickup
	r.Destination = p.Request.Destination
	r.VehicleClass = p.Request.VehicleClass
	r.PaymentMethodID = p.Request.PaymentMethodID
	r.Preferences = append([]string(nil), p.Request.Preferences...)
	r.CreatedAt = p.CreatedAt
	r.AssignedDriver = nil
	r.AcceptedAt, r.StartedAt, r.CompletedAt, r.CancelledAt = nil, nil, nil, nil
	return r
}
