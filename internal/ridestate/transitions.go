package ridestate

import (
	"context"

	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// effects collects what a locked section decided; commit carries it out once
// the lock is released.
type effects struct {
	transitions []Transition
	ack         string
	persist     *models.Ride
	cancel      *cancelCall
	resync      bool
}

type cancelCall struct {
	rideID string
	reason string
}

// effective is the state events are validated against. While cancelling, the
// ride still accepts whatever the state it came from accepts: the server may
// have moved on before it saw the cancel.
func (m *Machine) effective() models.RideState {
	if m.state != models.StateCancelling {
		return m.state
	}
	if m.cancelFrom == models.StateRequesting {
		return models.StateSearching
	}
	return m.cancelFrom
}

// apply reports whether ev was valid for the current state. Caller holds mu
// and has matched ev to the current ride.
func (m *Machine) apply(ev events.Event, fx *effects) bool {
	cur := m.effective()
	now := m.clock.Now()

	switch e := ev.(type) {
	case events.FindingDriver:
		if cur != models.StateSearching {
			return false
		}
		if e.Message != "" {
			m.statusText = e.Message
		}
		m.touch(fx)
		return true

	case events.RideAccepted:
		if cur != models.StateSearching {
			return false
		}
		d := e.Driver
		if d.Location != nil {
			loc := *d.Location
			d.Location = &loc
			m.driverLoc.Observe(d.ID, loc)
		}
		m.ride.AssignedDriver = &d
		if m.ride.AcceptedAt == nil {
			m.ride.AcceptedAt = &now
		}
		m.eta = e.ETASeconds
		m.statusText = driverName(d) + " is on the way"
		m.enter(models.StateAssigned, fx)
		return true

	case events.NoDriversAvailable:
		if cur != models.StateSearching {
			return false
		}
		m.ride.NoDriversReason = e.Reason
		m.statusText = "No drivers available"
		m.enter(models.StateNoDrivers, fx)
		return true

	case events.DriverArrived:
		if cur != models.StateAssigned {
			return false
		}
		m.eta = 0
		m.statusText = driverName(*m.ride.AssignedDriver) + " has arrived"
		m.enter(models.StateArrived, fx)
		return true

	case events.TripStatusChanged:
		switch e.Status {
		case events.TripInProgress:
			if cur != models.StateArrived {
				return false
			}
			if m.ride.StartedAt == nil {
				m.ride.StartedAt = &now
			}
			m.statusText = "On your way"
			m.enter(models.StateInProgress, fx)
			return true
		case events.TripCompleted:
			if cur != models.StateInProgress || m.ride.CancelledAt != nil {
				return false
			}
			if e.FinalFare != nil {
				fare := *e.FinalFare
				m.ride.FinalFare = &fare
			}
			m.ride.CompletedAt = &now
			m.statusText = "You have arrived"
			m.enter(models.StateCompleted, fx)
			return true
		}
		return false

	case events.RideCancelled:
		switch m.state {
		case models.StateCancelled, models.StateTimedOut:
			// Redelivery, or the server confirming a timeout cancel. Ack again
			// so the server stops resending.
			fx.ack = m.ride.ID
			return true
		case models.StateSearching, models.StateAssigned, models.StateArrived,
			models.StateInProgress, models.StateCancelling:
		default:
			return false
		}
		if m.ride.CompletedAt != nil {
			return false
		}
		m.markCancelled(models.Cancellation{
			CancelledBy:  e.CancelledBy,
			Reason:       e.Reason,
			RefundAmount: e.RefundAmount,
		}, fx)
		fx.ack = m.ride.ID
		return true

	case events.DriverLocationUpdate:
		d := m.ride.AssignedDriver
		if d == nil || m.state.Terminal() {
			return false
		}
		if e.DriverID != "" && e.DriverID != d.ID {
			return false
		}
		if !m.driverLoc.Observe(d.ID, e.Location) {
			m.logger.Debug("stale driver location", "ride_id", m.ride.ID, "captured_at", e.Location.CapturedAt)
			return true
		}
		loc := e.Location
		d.Location = &loc
		m.touch(fx)
		return true
	}
	return false
}

func (m *Machine) markCancelled(c models.Cancellation, fx *effects) {
	if c.RefundAmount != nil {
		refund := *c.RefundAmount
		c.RefundAmount = &refund
	}
	if c.CancelledBy == "" {
		c.CancelledBy = models.CancelledBySystem
	}
	m.ride.Cancellation = &c
	if m.ride.CancelledAt == nil {
		now := m.clock.Now()
		m.ride.CancelledAt = &now
	}
	m.statusText = "Ride cancelled"
	m.enter(models.StateCancelled, fx)
}

// endUnmatched closes a ride that never got a driver. It counts as a system
// cancellation, so cancelledAt is set like any other cancel.
func (m *Machine) endUnmatched(to models.RideState) {
	r := m.ride
	if r == nil || r.CompletedAt != nil {
		return
	}
	reason := SearchTimeoutReason
	if to == models.StateNoDrivers {
		reason = r.NoDriversReason
	}
	if r.Cancellation == nil {
		r.Cancellation = &models.Cancellation{CancelledBy: models.CancelledBySystem, Reason: reason}
	}
	if r.CancelledAt == nil {
		now := m.clock.Now()
		r.CancelledAt = &now
	}
}

// enter moves the machine to `to`, keeps the timers in step with the new
// state, and queues the transition for listeners.
func (m *Machine) enter(to models.RideState, fx *effects) {
	from := m.state
	m.state = to
	if m.ride != nil {
		m.ride.State = to
	}
	m.version++

	switch to {
	case models.StateSearching:
		if !m.search.Armed() {
			m.search.Arm(m.searchTimeout, m.searchExpired(m.ride.ID))
		}
	case models.StateCancelling:
		// a search timer keeps running so a failed cancel resumes it
	default:
		m.search.Disarm()
	}
	if to == models.StateCancelling {
		m.armCancelAck()
	} else {
		m.cancelAck.Disarm()
	}

	if to == models.StateTimedOut || to == models.StateNoDrivers {
		m.endUnmatched(to)
	}
	if to == models.StateCompleted || to == models.StateCancelled {
		fx.persist = m.ride.Clone()
	}

	observability.TransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	m.logger.Info("ride state changed", "from", from, "to", to, "ride_id", m.rideID())
	fx.transitions = append(fx.transitions, Transition{From: from, To: to, Snapshot: m.snapshotLocked()})
}

// touch publishes an in-place update (status text, driver location) that
// leaves the state as it was.
func (m *Machine) touch(fx *effects) {
	m.version++
	fx.transitions = append(fx.transitions, Transition{From: m.state, To: m.state, Snapshot: m.snapshotLocked()})
}

func (m *Machine) drop(ev events.Event, why string) {
	observability.DroppedEventsTotal.WithLabelValues(ev.Name(), string(m.state)).Inc()
	m.logger.Debug("event dropped", "event", ev.Name(), "ride_id", ev.Ride(), "state", m.state, "why", why)
}

// commit releases mu, delivers queued transitions in order, then performs the
// side effects. Caller holds mu.
func (m *Machine) commit(fx *effects) {
	m.outbox = append(m.outbox, fx.transitions...)
	emitter, history := m.emitter, m.history
	m.mu.Unlock()

	m.flush()

	if fx.ack != "" && emitter != nil {
		if err := emitter.Emit(events.NameRideCancelledAck, events.RideCancelledAck{RideID: fx.ack}); err != nil {
			m.logger.Warn("cancel ack not sent", "ride_id", fx.ack, "error", err)
		}
	}
	if fx.persist != nil && history != nil {
		ctx, cancel := context.WithTimeout(context.Background(), m.resyncTimeout)
		if err := history.SaveRide(ctx, fx.persist); err != nil {
			m.logger.Warn("ride history not saved", "ride_id", fx.persist.ID, "error", err)
		}
		cancel()
	}
	if fx.cancel != nil {
		ctx, cancel := context.WithTimeout(context.Background(), m.resyncTimeout)
		if err := m.dispatcher.CancelRide(ctx, fx.cancel.rideID, fx.cancel.reason); err != nil {
			m.logger.Warn("server cancel after timeout failed", "ride_id", fx.cancel.rideID, "error", err)
		}
		cancel()
	}
	if fx.resync {
		ctx, cancel := context.WithTimeout(context.Background(), m.resyncTimeout)
		if err := m.Resync(ctx); err != nil {
			m.logger.Warn("resync failed", "error", err)
		}
		cancel()
	}
}

func (m *Machine) flush() {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	for {
		m.mu.Lock()
		batch := m.outbox
		m.outbox = nil
		listeners := append([]Listener(nil), m.listeners...)
		m.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, t := range batch {
			for _, l := range listeners {
				l(t)
			}
		}
	}
}

func (m *Machine) rideID() string {
	if m.ride == nil {
		return ""
	}
	return m.ride.ID
}

func driverName(d models.DriverSnapshot) string {
	if d.DisplayName != "" {
		return d.DisplayName
	}
	return "Your driver"
}
