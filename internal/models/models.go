package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lng"`
}

// Place is a coordinate plus the free-text address shown to the user.
type Place struct {
	Coord
	Address string `json:"address,omitempty"`
}

type VehicleClass string

const (
	VehicleEconomy  VehicleClass = "economy"
	VehicleStandard VehicleClass = "standard"
	VehicleXL       VehicleClass = "xl"
	VehiclePremium  VehicleClass = "premium"
)

var VehicleClasses = []VehicleClass{VehicleEconomy, VehicleStandard, VehicleXL, VehiclePremium}

func (v VehicleClass) Valid() bool {
	for _, c := range VehicleClasses {
		if v == c {
			return true
		}
	}
	return false
}

// ParseVehicleClass accepts the lowercase wire names.
func ParseVehicleClass(s string) (VehicleClass, error) {
	v := VehicleClass(s)
	if !v.Valid() {
		return "", fmt.Errorf("unknown vehicle class %q", s)
	}
	return v, nil
}

// LocationSample is an ephemeral position fix. Consumers keep only the
// newest one per subject, ordered by CapturedAt.
type LocationSample struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Heading    *float64  `json:"heading,omitempty"`
	Speed      *float64  `json:"speed,omitempty"`
	CapturedAt time.Time `json:"capturedAt"`
}

func (s LocationSample) Coord() Coord { return Coord{Lat: s.Latitude, Lon: s.Longitude} }

// DriverSnapshot is a lightweight copy of the assigned driver, not an owned entity.
type DriverSnapshot struct {
	ID          string          `json:"id"`
	DisplayName string          `json:"displayName,omitempty"`
	Rating      float64         `json:"rating"`
	Vehicle     string          `json:"vehicle,omitempty"`
	Location    *LocationSample `json:"location,omitempty"`
}

type CancelledBy string

const (
	CancelledByRider  CancelledBy = "rider"
	CancelledByDriver CancelledBy = "driver"
	CancelledBySystem CancelledBy = "system"
)

type Cancellation struct {
	CancelledBy  CancelledBy `json:"cancelledBy"`
	Reason       string      `json:"reason,omitempty"`
	RefundAmount *float64    `json:"refundAmount,omitempty"`
}

// RideRequest is what the rider confirms before a ride exists on the server.
type RideRequest struct {
	Pickup          Place        `json:"pickup"`
	Destination     Place        `json:"destination"`
	VehicleClass    VehicleClass `json:"vehicleClass"`
	PaymentMethodID string       `json:"paymentMethodId,omitempty"`
	Preferences     []string     `json:"preferences,omitempty"`
}

func (r RideRequest) Validate() error {
	if !r.VehicleClass.Valid() {
		return fmt.Errorf("unknown vehicle class %q", r.VehicleClass)
	}
	if !validCoord(r.Pickup.Coord) {
		return fmt.Errorf("pickup out of range: %v", r.Pickup.Coord)
	}
	if !validCoord(r.Destination.Coord) {
		return fmt.Errorf("destination out of range: %v", r.Destination.Coord)
	}
	return nil
}

// ParseCoord reads "lat,lng".
func ParseCoord(s string) (Coord, error) {
	lat, lng, ok := strings.Cut(s, ",")
	if !ok {
		return Coord{}, fmt.Errorf("coordinate %q: want lat,lng", s)
	}
	var c Coord
	var err error
	if c.Lat, err = strconv.ParseFloat(strings.TrimSpace(lat), 64); err != nil {
		return Coord{}, fmt.Errorf("coordinate %q: %w", s, err)
	}
	if c.Lon, err = strconv.ParseFloat(strings.TrimSpace(lng), 64); err != nil {
		return Coord{}, fmt.Errorf("coordinate %q: %w", s, err)
	}
	if !validCoord(c) {
		return Coord{}, fmt.Errorf("coordinate %q out of range", s)
	}
	return c, nil
}

func validCoord(c Coord) bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

// PendingRide is the optimistic ride held between the user confirming and the
// server assigning an id. It is never persisted.
type PendingRide struct {
	Request        RideRequest `json:"request"`
	IdempotencyKey string      `json:"idempotencyKey"`
	CreatedAt      time.Time   `json:"createdAt"`
}

// Ride is a ride the server knows about.
type Ride struct {
	ID              string          `json:"id"`
	RiderID         string          `json:"riderId,omitempty"`
	State           RideState       `json:"state"`
	Pickup          Place           `json:"pickup"`
	Destination     Place           `json:"destination"`
	VehicleClass    VehicleClass    `json:"vehicleClass"`
	PaymentMethodID string          `json:"paymentMethodId,omitempty"`
	Preferences     []string        `json:"preferences,omitempty"`
	EstimatedFare   float64         `json:"estimatedFare"`
	FinalFare       *float64        `json:"finalFare,omitempty"`
	AssignedDriver  *DriverSnapshot `json:"assignedDriver,omitempty"`
	Cancellation    *Cancellation   `json:"cancellation,omitempty"`
	NoDriversReason string          `json:"noDriversReason,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	AcceptedAt  *time.Time `json:"acceptedAt,omitempty"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	CancelledAt *time.Time `json:"cancelledAt,omitempty"`
}

// Clone returns a deep copy so snapshots never alias machine-owned state.
func (r *Ride) Clone() *Ride {
	if r == nil {
		return nil
	}
	c := *r
	c.Preferences = append([]string(nil), r.Preferences...)
	c.FinalFare = cloneFloat(r.FinalFare)
	if r.AssignedDriver != nil {
		d := *r.AssignedDriver
		if d.Location != nil {
			loc := *d.Location
			d.Location = &loc
		}
		c.AssignedDriver = &d
	}
	if r.Cancellation != nil {
		cc := *r.Cancellation
		cc.RefundAmount = cloneFloat(r.Cancellation.RefundAmount)
		c.Cancellation = &cc
	}
	c.AcceptedAt = cloneTime(r.AcceptedAt)
	c.StartedAt = cloneTime(r.StartedAt)
	c.CompletedAt = cloneTime(r.CompletedAt)
	c.CancelledAt = cloneTime(r.CancelledAt)
	return &c
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Estimate is one row of the fare/route estimator's answer.
type Estimate struct {
	VehicleClass    VehicleClass `json:"vehicleClass"`
	Fare            float64      `json:"fare"`
	DistanceMeters  float64      `json:"distanceMeters"`
	DurationSeconds float64      `json:"durationSeconds"`
}

// ScheduledRide is a request the rider wants issued later.
type ScheduledRide struct {
	ID           string      `json:"id"`
	Request      RideRequest `json:"request"`
	ScheduledFor time.Time   `json:"scheduledFor"`
	CreatedAt    time.Time   `json:"createdAt"`
}

// Driver is the matching server's view of a driver.
type Driver struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"displayName,omitempty"`
	Vehicle     string    `json:"vehicle,omitempty"`
	Loc         Coord     `json:"loc"`
	Rating      float64   `json:"rating"` // 0..5
	Online      bool      `json:"online"`
	Updated     time.Time `json:"updated"`
}

func (d Driver) Snapshot() *DriverSnapshot {
	return &DriverSnapshot{
		ID:          d.ID,
		DisplayName: d.DisplayName,
		Rating:      d.Rating,
		Vehicle:     d.Vehicle,
		Location:    &LocationSample{Latitude: d.Loc.Lat, Longitude: d.Loc.Lon, CapturedAt: d.Updated},
	}
}

type MatchOffer struct {
	RideID      string  `json:"rideId"`
	DriverID    string  `json:"driverId"`
	ETA         float64 `json:"etaSeconds"`
	Cost        float64 `json:"cost"`
	Pickup      Place   `json:"pickup"`
	Destination Place   `json:"destination"`
	Fare        float64 `json:"fare"`
}
