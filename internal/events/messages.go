package events

import "github.com/example/ride-dispatch/internal/models"

// Payloads for client-emitted messages.

type UserType string

const (
	UserRider  UserType = "rider"
	UserDriver UserType = "driver"
)

// Room names the per-user room a server pushes to, e.g. "driver:d1".
func Room(t UserType, userID string) string { return string(t) + ":" + userID }

type JoinRoom struct {
	UserID   string   `json:"userId"`
	UserType UserType `json:"userType"`
}

type RiderConnect struct {
	RiderID  string                 `json:"riderId"`
	Location *models.LocationSample `json:"location,omitempty"`
	Status   string                 `json:"status"`
}

type DriverConnect struct {
	DriverID    string                 `json:"driverId"`
	DisplayName string                 `json:"displayName,omitempty"`
	Vehicle     string                 `json:"vehicle,omitempty"`
	Rating      float64                `json:"rating,omitempty"`
	Location    *models.LocationSample `json:"location,omitempty"`
	Status      string                 `json:"status"`
}

type LocationUpdate struct {
	UserID   string                `json:"userId"`
	UserType UserType              `json:"userType"`
	Location models.LocationSample `json:"location"`
}

type RideCancelledAck struct {
	RideID string `json:"rideId"`
}

// RideCommand carries a driver's answer or progress report for a ride.
type RideCommand struct {
	RideID    string     `json:"rideId"`
	DriverID  string     `json:"driverId,omitempty"`
	Status    TripStatus `json:"status,omitempty"`
	FinalFare *float64   `json:"finalFare,omitempty"`
}
