package matcher

import (
	"context"
	"math"

	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// RideFor returns the ride if userID is its rider or assigned driver.
func (s *Service) RideFor(ctx context.Context, userID, rideID string) (*models.Ride, error) {
	s.init()
	r, err := s.Store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if !participant(r, userID) {
		return nil, ErrForbidden
	}
	return r, nil
}

func (s *Service) CurrentRide(ctx context.Context, riderID string) (*models.Ride, error) {
	s.init()
	return s.Store.CurrentRide(ctx, riderID)
}

func (s *Service) Estimate(ctx context.Context, from, to models.Coord) []models.Estimate {
	s.init()
	return s.Fares.Estimate(ctx, from, to)
}

// Cancel ends a ride on behalf of by. Riders and drivers may cancel until the
// trip starts; the system may also cancel a trip in progress. Cancelling a ride
// that is already cancelled re-sends the notification and succeeds.
func (s *Service) Cancel(ctx context.Context, rideID string, by models.CancelledBy, actorID, reason string) (*models.Ride, error) {
	s.init()
	r, err := s.Store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if by != models.CancelledBySystem && !participant(r, actorID) {
		return nil, ErrForbidden
	}
	if r.State == models.StateCancelled {
		s.notifyCancelled(r)
		return r, nil
	}

	now := s.Clock.Now()
	updated, err := s.Store.UpdateRide(ctx, rideID, func(r *models.Ride) error {
		if !cancellable(r.State, by) {
			return ErrInvalidState
		}
		refund := s.refund(r, by)
		r.Cancellation = &models.Cancellation{CancelledBy: by, Reason: reason, RefundAmount: &refund}
		r.State = models.StateCancelled
		r.CancelledAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.stopSearch(rideID)
	if updated.AssignedDriver != nil {
		s.release(updated.AssignedDriver.ID, rideID)
	}
	charge := updated.EstimatedFare - *updated.Cancellation.RefundAmount
	s.releaseHold(ctx, updated, charge)

	observability.CancellationsTotal.WithLabelValues(string(by)).Inc()
	s.Logger.Info("ride cancelled", "ride_id", rideID, "cancelled_by", by, "reason", reason, "refund", *updated.Cancellation.RefundAmount)
	s.notifyCancelled(updated)
	return updated, nil
}

func cancellable(st models.RideState, by models.CancelledBy) bool {
	switch st {
	case models.StateSearching, models.StateAssigned, models.StateArrived:
		return true
	case models.StateInProgress:
		return by == models.CancelledBySystem
	}
	return false
}

// refund is the full estimate unless a rider cancels after a driver was
// assigned, which costs the cancellation fee.
func (s *Service) refund(r *models.Ride, by models.CancelledBy) float64 {
	if by != models.CancelledByRider || r.AssignedDriver == nil {
		return r.EstimatedFare
	}
	return math.Max(0, math.Round((r.EstimatedFare-s.CancellationFee)*100)/100)
}

func (s *Service) notifyCancelled(r *models.Ride) {
	ev := events.RideCancelled{RideID: r.ID}
	if c := r.Cancellation; c != nil {
		ev.CancelledBy, ev.Reason, ev.RefundAmount = c.CancelledBy, c.Reason, c.RefundAmount
	}
	s.push(events.Room(events.UserRider, r.RiderID), events.NameRideCancelled, ev)
	if r.AssignedDriver != nil {
		s.push(events.Room(events.UserDriver, r.AssignedDriver.ID), events.NameRideCancelled, ev)
	}
}

// Arrived records that the assigned driver reached the pickup.
func (s *Service) Arrived(ctx context.Context, driverID, rideID string) (*models.Ride, error) {
	s.init()
	updated, err := s.Store.UpdateRide(ctx, rideID, func(r *models.Ride) error {
		if r.AssignedDriver == nil || r.AssignedDriver.ID != driverID {
			return ErrForbidden
		}
		if r.State != models.StateAssigned {
			return ErrInvalidState
		}
		r.State = models.StateArrived
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.Logger.Info("driver arrived", "ride_id", rideID, "driver_id", driverID)
	s.push(events.Room(events.UserRider, updated.RiderID), events.NameDriverArrived, events.DriverArrived{RideID: rideID})
	return updated, nil
}

// TripStatus starts or completes the trip. A completed trip without a final
// fare is charged the estimate.
func (s *Service) TripStatus(ctx context.Context, driverID, rideID string, status events.TripStatus, finalFare *float64) (*models.Ride, error) {
	s.init()
	now := s.Clock.Now()
	updated, err := s.Store.UpdateRide(ctx, rideID, func(r *models.Ride) error {
		if r.AssignedDriver == nil || r.AssignedDriver.ID != driverID {
			return ErrForbidden
		}
		switch {
		case status == events.TripInProgress && r.State == models.StateArrived:
			r.State = models.StateInProgress
			r.StartedAt = &now
		case status == events.TripCompleted && r.State == models.StateInProgress:
			fare := r.EstimatedFare
			if finalFare != nil && *finalFare >= 0 {
				fare = *finalFare
			}
			r.State = models.StateCompleted
			r.FinalFare = &fare
			r.CompletedAt = &now
		default:
			return ErrInvalidState
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if updated.State == models.StateCompleted {
		s.release(driverID, rideID)
		s.releaseHold(ctx, updated, *updated.FinalFare)
	}
	s.Logger.Info("trip status", "ride_id", rideID, "driver_id", driverID, "state", updated.State)
	ev := events.TripStatusChanged{RideID: rideID, Status: status, FinalFare: updated.FinalFare}
	s.push(events.Room(events.UserRider, updated.RiderID), events.NameTripStatusUpdate, ev)
	s.push(events.Room(events.UserDriver, driverID), events.NameTripStatusUpdate, ev)
	return updated, nil
}

// DriverOnline puts a connected driver into the geo index.
func (s *Service) DriverOnline(d models.Driver) {
	s.init()
	d.Online = true
	s.mu.Lock()
	if prev, ok := s.drivers[d.ID]; ok && d.Loc == (models.Coord{}) {
		d.Loc, d.Updated = prev.Loc, prev.Updated
	}
	s.drivers[d.ID] = d
	s.mu.Unlock()
	s.Geo.Upsert(d)
	s.Logger.Info("driver online", "driver_id", d.ID)
}

// DriverOffline hides the driver from matching. A ride they already accepted
// is left alone; the rider sees it through the ride's own events.
func (s *Service) DriverOffline(driverID string) {
	s.init()
	s.mu.Lock()
	d, ok := s.drivers[driverID]
	if ok {
		d.Online = false
		s.drivers[driverID] = d
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	s.Geo.Upsert(d)
	s.Logger.Info("driver offline", "driver_id", driverID)
}

// DriverLocation folds a position sample into the index, publishes it
// downstream, and relays it to the rider of the driver's current ride.
// Samples older than the last one seen are ignored.
func (s *Service) DriverLocation(ctx context.Context, driverID string, sample models.LocationSample) {
	s.init()
	s.mu.Lock()
	d, ok := s.drivers[driverID]
	if ok && sample.CapturedAt.Before(d.Updated) {
		s.mu.Unlock()
		return
	}
	if !ok {
		d = models.Driver{ID: driverID, Online: true}
	}
	d.Loc = sample.Coord()
	d.Updated = sample.CapturedAt
	s.drivers[driverID] = d
	rideID, busy := s.busy[driverID]
	s.mu.Unlock()

	s.Geo.Upsert(d)
	if s.Locations != nil {
		if err := s.Locations.PublishLocation(ctx, d); err != nil {
			s.Logger.Warn("publish location failed", "driver_id", driverID, "error", err)
		}
	}
	if !busy {
		return
	}
	r, err := s.Store.GetRide(ctx, rideID)
	if err != nil || r.AssignedDriver == nil || r.AssignedDriver.ID != driverID || r.State.Terminal() {
		return
	}
	s.push(events.Room(events.UserRider, r.RiderID), events.NameDriverLocationUpdate,
		events.DriverLocationUpdate{RideID: rideID, DriverID: driverID, Location: sample})
}

// Acknowledge records a client's receipt of ride-cancelled.
func (s *Service) Acknowledge(ctx context.Context, userID, rideID string) {
	s.init()
	r, err := s.Store.GetRide(ctx, rideID)
	if err != nil || !participant(r, userID) {
		s.Logger.Debug("ignoring cancel ack", "ride_id", rideID, "user_id", userID)
		return
	}
	s.Logger.Info("cancel acknowledged", "ride_id", rideID, "user_id", userID)
}

func participant(r *models.Ride, userID string) bool {
	if r.RiderID == userID {
		return true
	}
	return r.AssignedDriver != nil && r.AssignedDriver.ID == userID
}
