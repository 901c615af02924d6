package ridestate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
)

// Resync reconciles local state with the server's view. It never moves the
// ride backwards; events missed during a disconnect are recovered here rather
// than trusted to replay.
func (m *Machine) Resync(ctx context.Context) error {
	m.mu.Lock()
	state := m.state
	localID := m.rideID()
	m.mu.Unlock()
	if state.Terminal() {
		return nil
	}

	cur, err := m.dispatcher.CurrentRide(ctx)
	if err != nil {
		return fmt.Errorf("resync: %w", err)
	}
	server := cur
	if localID != "" && (cur == nil || cur.ID != localID) {
		// Our ride is no longer current; find out how it ended.
		final, err := m.dispatcher.GetRide(ctx, localID)
		if err != nil && !isNotFound(err) {
			return fmt.Errorf("resync %s: %w", localID, err)
		}
		server = final
	}

	m.mu.Lock()
	if m.rideID() != localID {
		// Something else moved the machine on while we were asking.
		m.mu.Unlock()
		return nil
	}
	fx := &effects{}
	m.reconcile(server, fx)
	m.commit(fx)
	return nil
}

// Recover adopts the server's current ride after a process restart. It
// reports whether a ride was adopted.
func (m *Machine) Recover(ctx context.Context) (bool, error) {
	if err := m.Resync(ctx); err != nil {
		return false, err
	}
	s := m.Snapshot()
	if s.Ride != nil {
		m.logger.Info("recovered ride", "ride_id", s.Ride.ID, "state", s.State)
		return true, nil
	}
	return false, nil
}

func (m *Machine) reconcile(server *models.Ride, fx *effects) {
	if server == nil {
		if m.state == models.StateCancelling && m.ride != nil {
			// The server has forgotten the ride, so the cancel went through.
			m.markCancelled(models.Cancellation{CancelledBy: models.CancelledByRider, Reason: m.cancelReason}, fx)
		}
		return
	}

	if m.ride == nil {
		if m.state != models.StateIdle && m.state != models.StateRequesting {
			return
		}
		if server.State.Terminal() || server.State.Rank() < models.StateSearching.Rank() {
			return
		}
		if server.State.HasDriver() && server.AssignedDriver == nil {
			m.logger.Warn("server ride has no driver", "ride_id", server.ID, "state", server.State)
			return
		}
		m.pending = nil
		m.early = nil
		m.ride = server.Clone()
		m.statusText = ""
		m.enter(server.State, fx)
		return
	}

	merge(m.ride, server)
	local := m.effective()
	if server.State.Rank() <= local.Rank() {
		m.touch(fx)
		return
	}
	if server.State.HasDriver() && m.ride.AssignedDriver == nil {
		m.logger.Warn("server ride has no driver", "ride_id", server.ID, "state", server.State)
		return
	}
	now := m.clock.Now()
	switch server.State {
	case models.StateCompleted:
		if m.ride.CancelledAt != nil {
			return
		}
		if m.ride.CompletedAt == nil {
			m.ride.CompletedAt = &now
		}
	case models.StateCancelled:
		if m.ride.CompletedAt != nil {
			return
		}
		c := models.Cancellation{CancelledBy: models.CancelledByRider, Reason: m.cancelReason}
		if server.Cancellation != nil {
			c = *server.Cancellation
		}
		m.markCancelled(c, fx)
		return
	case models.StateInProgress:
		if m.ride.StartedAt == nil {
			m.ride.StartedAt = &now
		}
	case models.StateAssigned, models.StateArrived:
		if m.ride.AcceptedAt == nil {
			m.ride.AcceptedAt = &now
		}
	}
	m.enter(server.State, fx)
}

// merge fills fields the local ride has not learned yet. Timestamps are set
// once and never overwritten.
func merge(local, server *models.Ride) {
	fill := func(dst **time.Time, src *time.Time) {
		if *dst == nil && src != nil {
			t := *src
			*dst = &t
		}
	}
	fill(&local.AcceptedAt, server.AcceptedAt)
	fill(&local.StartedAt, server.StartedAt)
	if local.CancelledAt == nil {
		fill(&local.CompletedAt, server.CompletedAt)
	}
	if local.CompletedAt == nil {
		fill(&local.CancelledAt, server.CancelledAt)
	}
	if local.Cancellation == nil && local.CompletedAt == nil && server.Cancellation != nil {
		c := *server.Cancellation
		if c.RefundAmount != nil {
			refund := *c.RefundAmount
			c.RefundAmount = &refund
		}
		local.Cancellation = &c
	}
	if local.AssignedDriver == nil && server.AssignedDriver != nil {
		d := *server.AssignedDriver
		if d.Location != nil {
			loc := *d.Location
			d.Location = &loc
		}
		local.AssignedDriver = &d
	}
	if server.FinalFare != nil {
		f := *server.FinalFare
		local.FinalFare = &f
	}
	if local.EstimatedFare == 0 {
		local.EstimatedFare = server.EstimatedFare
	}
	if local.NoDriversReason == "" {
		local.NoDriversReason = server.NoDriversReason
	}
	if local.RiderID == "" {
		local.RiderID = server.RiderID
	}
}

func isNotFound(err error) bool {
	var apiErr *dispatch.APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}
