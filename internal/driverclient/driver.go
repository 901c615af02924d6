// Package driverclient is the driver's side of the event channel: it
// receives ride offers, answers them, and reports progress through the trip.
package driverclient

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/models"
)

var (
	ErrNoOffer      = errors.New("no open offer for that ride")
	ErrNoRide       = errors.New("no assigned ride")
	ErrInvalidState = errors.New("ride is not in a state that allows this")
)

type Channel interface {
	Subscribe(event string, h func(json.RawMessage))
	Emit(event string, payload any) error
}

// Assignment is the ride a driver is working.
type Assignment struct {
	RideID      string           `json:"rideId"`
	State       models.RideState `json:"state"`
	Pickup      models.Place     `json:"pickup"`
	Destination models.Place     `json:"destination"`
	FinalFare   *float64         `json:"finalFare,omitempty"`
}

type Driver struct {
	id     string
	ch     Channel
	logger *slog.Logger

	mu       sync.Mutex
	offers   map[string]models.MatchOffer
	current  *Assignment
	onOffer  []func(models.MatchOffer)
	onUpdate []func(Assignment)
}

func New(driverID string, ch Channel, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	d := &Driver{
		id:     driverID,
		ch:     ch,
		logger: logger.With("component", "driver", "driver_id", driverID),
		offers: make(map[string]models.MatchOffer),
	}
	ch.Subscribe(events.NameRideOffer, d.handleOffer)
	ch.Subscribe(events.NameRideAccepted, d.handleAccepted)
	ch.Subscribe(events.NameTripStatusUpdate, d.handleTripStatus)
	ch.Subscribe(events.NameRideCancelled, d.handleCancelled)
	return d
}

// OnOffer registers fn for each incoming offer. It runs on the channel's
// read goroutine and may call Accept or Decline.
func (d *Driver) OnOffer(fn func(models.MatchOffer)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onOffer = append(d.onOffer, fn)
}

// OnUpdate registers fn for every change to the current assignment.
func (d *Driver) OnUpdate(fn func(Assignment)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onUpdate = append(d.onUpdate, fn)
}

func (d *Driver) Current() (Assignment, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.current == nil {
		return Assignment{}, false
	}
	return *d.current, true
}

func (d *Driver) Accept(rideID string) error  { return d.answer(rideID, events.NameAcceptRide) }
func (d *Driver) Decline(rideID string) error { return d.answer(rideID, events.NameDeclineRide) }

func (d *Driver) answer(rideID, name string) error {
	d.mu.Lock()
	_, ok := d.offers[rideID]
	delete(d.offers, rideID)
	d.mu.Unlock()
	if !ok {
		return ErrNoOffer
	}
	return d.ch.Emit(name, events.RideCommand{RideID: rideID, DriverID: d.id})
}

// Arrive tells the server the driver is at the pickup. The rider hears about
// it from the server; the driver's own view moves on once the emit succeeds.
func (d *Driver) Arrive() error {
	rideID, err := d.expect(models.StateAssigned)
	if err != nil {
		return err
	}
	if err := d.ch.Emit(events.NameDriverArrivedCmd, events.RideCommand{RideID: rideID, DriverID: d.id}); err != nil {
		return err
	}
	d.update(rideID, func(a *Assignment) bool {
		if a.State != models.StateAssigned {
			return false
		}
		a.State = models.StateArrived
		return true
	})
	return nil
}

// StartTrip and CompleteTrip take effect when the server echoes
// trip-status-update.
func (d *Driver) StartTrip() error {
	rideID, err := d.expect(models.StateArrived)
	if err != nil {
		return err
	}
	return d.ch.Emit(events.NameTripStatus, events.RideCommand{RideID: rideID, DriverID: d.id, Status: events.TripInProgress})
}

func (d *Driver) CompleteTrip(finalFare *float64) error {
	rideID, err := d.expect(models.StateInProgress)
	if err != nil {
		return err
	}
	return d.ch.Emit(events.NameTripStatus, events.RideCommand{RideID: rideID, DriverID: d.id, Status: events.TripCompleted, FinalFare: finalFare})
}

func (d *Driver) expect(st models.RideState) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.current == nil {
		return "", ErrNoRide
	}
	if d.current.State != st {
		return "", ErrInvalidState
	}
	return d.current.RideID, nil
}

func (d *Driver) handleOffer(data json.RawMessage) {
	var offer models.MatchOffer
	if err := json.Unmarshal(data, &offer); err != nil || offer.RideID == "" {
		d.logger.Warn("bad ride offer", "error", err)
		return
	}
	d.mu.Lock()
	if d.current != nil && !d.current.State.Terminal() {
		d.mu.Unlock()
		d.logger.Info("declining offer while busy", "ride_id", offer.RideID)
		_ = d.ch.Emit(events.NameDeclineRide, events.RideCommand{RideID: offer.RideID, DriverID: d.id})
		return
	}
	d.offers[offer.RideID] = offer
	fns := append([]func(models.MatchOffer){}, d.onOffer...)
	d.mu.Unlock()
	d.logger.Info("ride offer", "ride_id", offer.RideID, "eta_seconds", offer.ETA, "fare", offer.Fare)
	for _, fn := range fns {
		fn(offer)
	}
}

func (d *Driver) handleAccepted(data json.RawMessage) {
	var ev events.RideAccepted
	if err := json.Unmarshal(data, &ev); err != nil || ev.Driver.ID != d.id {
		return
	}
	d.mu.Lock()
	if d.current != nil && d.current.RideID == ev.RideID {
		d.mu.Unlock()
		return
	}
	d.current = &Assignment{RideID: ev.RideID, State: models.StateAssigned, Pickup: ev.Pickup, Destination: ev.Destination}
	delete(d.offers, ev.RideID)
	d.mu.Unlock()
	d.logger.Info("ride assigned", "ride_id", ev.RideID)
	d.notify()
}

func (d *Driver) handleTripStatus(data json.RawMessage) {
	var ev events.TripStatusChanged
	if err := json.Unmarshal(data, &ev); err != nil {
		return
	}
	d.update(ev.RideID, func(a *Assignment) bool {
		switch {
		case ev.Status == events.TripInProgress && a.State == models.StateArrived:
			a.State = models.StateInProgress
		case ev.Status == events.TripCompleted && a.State == models.StateInProgress:
			a.State = models.StateCompleted
			a.FinalFare = ev.FinalFare
		default:
			return false
		}
		return true
	})
}

func (d *Driver) handleCancelled(data json.RawMessage) {
	var ev events.RideCancelled
	if err := json.Unmarshal(data, &ev); err != nil {
		return
	}
	d.mu.Lock()
	delete(d.offers, ev.RideID)
	d.mu.Unlock()
	changed := d.update(ev.RideID, func(a *Assignment) bool {
		if a.State.Terminal() {
			return false
		}
		a.State = models.StateCancelled
		return true
	})
	if changed {
		d.logger.Info("ride cancelled", "ride_id", ev.RideID, "cancelled_by", ev.CancelledBy)
	}
	_ = d.ch.Emit(events.NameRideCancelledAck, events.RideCancelledAck{RideID: ev.RideID})
}

func (d *Driver) update(rideID string, fn func(*Assignment) bool) bool {
	d.mu.Lock()
	if d.current == nil || d.current.RideID != rideID || !fn(d.current) {
		d.mu.Unlock()
		return false
	}
	d.mu.Unlock()
	d.notify()
	return true
}

func (d *Driver) notify() {
	d.mu.Lock()
	if d.current == nil {
		d.mu.Unlock()
		return
	}
	a := *d.current
	fns := append([]func(Assignment){}, d.onUpdate...)
	d.mu.Unlock()
	for _, fn := range fns {
		fn(a)
	}
}
