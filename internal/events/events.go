// Package events defines the dispatch protocol spoken over the event channel:
// the wire names, the JSON envelope, and the closed set of server events the
// ride state machine consumes.
package events

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/example/ride-dispatch/internal/models"
)

// Server to client.
const (
	NameFindingDriver        = "finding-driver"
	NameRideAccepted         = "ride-accepted"
	NameNoDriversAvailable   = "no-drivers-available"
	NameDriverArrived        = "driver_arrived"
	NameDriverLocationUpdate = "driver-location-update"
	NameTripStatusUpdate     = "trip-status-update"
	NameRideCancelled        = "ride-cancelled"
	NameRideOffer            = "ride-offer"
)

// Client to server.
const (
	NameJoinRoom         = "join-room"
	NameRiderConnect     = "rider-connect"
	NameDriverConnect    = "driver-connect"
	NameLocationUpdate   = "location-update"
	NameRideCancelledAck = "ride-cancelled-ack"
	NameAcceptRide       = "accept-ride"
	NameDeclineRide      = "decline-ride"
	NameDriverArrivedCmd = "driver-arrived"
	NameTripStatus       = "trip-status"
)

// RideEventNames lists every server event the rider state machine subscribes to.
var RideEventNames = []string{
	NameFindingDriver,
	NameRideAccepted,
	NameNoDriversAvailable,
	NameDriverArrived,
	NameDriverLocationUpdate,
	NameTripStatusUpdate,
	NameRideCancelled,
}

// Envelope is a single text frame on the channel.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func Encode(name string, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", name, err)
		}
		raw = b
	}
	return json.Marshal(Envelope{Type: name, Data: raw})
}

// Event is a server-emitted dispatch event. The set is closed: only types in
// this package implement it, so the state machine's type switch is exhaustive.
type Event interface {
	Name() string
	Ride() string
	isEvent()
}

type FindingDriver struct {
	RideID  string `json:"rideId"`
	Message string `json:"message,omitempty"`
}

type RideAccepted struct {
	RideID      string                `json:"rideId"`
	Driver      models.DriverSnapshot `json:"driver"`
	ETASeconds  float64               `json:"eta"`
	Pickup      models.Place          `json:"pickup"`
	Destination models.Place          `json:"destination"`
}

type NoDriversAvailable struct {
	RideID string `json:"rideId"`
	Reason string `json:"reason,omitempty"`
}

type DriverArrived struct {
	RideID string `json:"rideId"`
}

type TripStatus string

const (
	TripInProgress TripStatus = "in_progress"
	TripCompleted  TripStatus = "completed"
)

type TripStatusChanged struct {
	RideID    string     `json:"rideId"`
	Status    TripStatus `json:"status"`
	FinalFare *float64   `json:"finalFare,omitempty"`
}

type RideCancelled struct {
	RideID       string             `json:"rideId"`
	CancelledBy  models.CancelledBy `json:"cancelledBy"`
	Reason       string             `json:"reason,omitempty"`
	RefundAmount *float64           `json:"refundAmount,omitempty"`
}

type DriverLocationUpdate struct {
	RideID   string                `json:"rideId"`
	DriverID string                `json:"driverId,omitempty"`
	Location models.LocationSample `json:"location"`
}

func (FindingDriver) Name() string        { return NameFindingDriver }
func (RideAccepted) Name() string         { return NameRideAccepted }
func (NoDriversAvailable) Name() string   { return NameNoDriversAvailable }
func (DriverArrived) Name() string        { return NameDriverArrived }
func (TripStatusChanged) Name() string    { return NameTripStatusUpdate }
func (RideCancelled) Name() string        { return NameRideCancelled }
func (DriverLocationUpdate) Name() string { return NameDriverLocationUpdate }

func (e FindingDriver) Ride() string        { return e.RideID }
func (e RideAccepted) Ride() string         { return e.RideID }
func (e NoDriversAvailable) Ride() string   { return e.RideID }
func (e DriverArrived) Ride() string        { return e.RideID }
func (e TripStatusChanged) Ride() string    { return e.RideID }
func (e RideCancelled) Ride() string        { return e.RideID }
func (e DriverLocationUpdate) Ride() string { return e.RideID }

func (FindingDriver) isEvent()        {}
func (RideAccepted) isEvent()         {}
func (NoDriversAvailable) isEvent()   {}
func (DriverArrived) isEvent()        {}
func (TripStatusChanged) isEvent()    {}
func (RideCancelled) isEvent()        {}
func (DriverLocationUpdate) isEvent() {}

var ErrUnknownEvent = errors.New("unknown event")

// Decode turns a named payload into its typed event.
func Decode(name string, data []byte) (Event, error) {
	var ev Event
	var err error
	switch name {
	case NameFindingDriver:
		var e FindingDriver
		err = unmarshal(data, &e)
		ev = e
	case NameRideAccepted:
		var e RideAccepted
		err = unmarshal(data, &e)
		ev = e
	case NameNoDriversAvailable:
		var e NoDriversAvailable
		err = unmarshal(data, &e)
		ev = e
	case NameDriverArrived:
		var e DriverArrived
		err = unmarshal(data, &e)
		ev = e
	case NameTripStatusUpdate:
		var e TripStatusChanged
		err = unmarshal(data, &e)
		ev = e
	case NameRideCancelled:
		var e RideCancelled
		err = unmarshal(data, &e)
		ev = e
	case NameDriverLocationUpdate:
		var e DriverLocationUpdate
		err = unmarshal(data, &e)
		ev = e
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, name)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	return ev, nil
}

func unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}
