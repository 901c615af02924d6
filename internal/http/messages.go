package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

var errNotJoined = errors.New("join-room must come first")

const messageTimeout = 5 * time.Second

// handleMessage routes one inbound channel frame. Failures are returned to
// the hub, which logs them; nothing is sent back to the peer.
func (s *Server) handleMessage(c *Conn, name string, data json.RawMessage) error {
	if name == events.NameJoinRoom {
		var m events.JoinRoom
		if err := json.Unmarshal(data, &m); err != nil {
			return err
		}
		return s.Hub.Join(c, m.UserID, m.UserType)
	}
	userID, userType := c.Identity()
	if userID == "" {
		return errNotJoined
	}
	ctx, cancel := context.WithTimeout(context.Background(), messageTimeout)
	defer cancel()

	switch name {
	case events.NameRiderConnect:
		s.logger.Debug("rider connected", "rider_id", userID)
		return nil
	case events.NameRideCancelledAck:
		var m events.RideCancelledAck
		if err := json.Unmarshal(data, &m); err != nil {
			return err
		}
		s.Matcher.Acknowledge(ctx, userID, m.RideID)
		return nil
	case events.NameLocationUpdate:
		var m events.LocationUpdate
		if err := json.Unmarshal(data, &m); err != nil {
			return err
		}
		// riders report too, but only driver positions feed matching
		if userType == events.UserDriver {
			s.Matcher.DriverLocation(ctx, userID, m.Location)
		}
		return nil
	}

	if userType != events.UserDriver {
		return fmt.Errorf("%s: drivers only", name)
	}
	switch name {
	case events.NameDriverConnect:
		var m events.DriverConnect
		if err := json.Unmarshal(data, &m); err != nil {
			return err
		}
		d := models.Driver{ID: userID, DisplayName: m.DisplayName, Vehicle: m.Vehicle, Rating: m.Rating}
		if m.Location != nil {
			d.Loc, d.Updated = m.Location.Coord(), m.Location.CapturedAt
		}
		s.Matcher.DriverOnline(d)
		c.mu.Lock()
		first := !c.online
		c.online = true
		c.mu.Unlock()
		if first {
			observability.DriversOnline.Inc()
		}
		return nil
	case events.NameAcceptRide, events.NameDeclineRide, events.NameDriverArrivedCmd, events.NameTripStatus:
		var m events.RideCommand
		if err := json.Unmarshal(data, &m); err != nil {
			return err
		}
		return s.rideCommand(ctx, userID, name, m)
	}
	return fmt.Errorf("%w: %s", events.ErrUnknownEvent, name)
}

func (s *Server) rideCommand(ctx context.Context, driverID, name string, m events.RideCommand) error {
	var err error
	switch name {
	case events.NameAcceptRide:
		err = s.Matcher.Accept(ctx, driverID, m.RideID)
	case events.NameDeclineRide:
		err = s.Matcher.Decline(ctx, driverID, m.RideID)
	case events.NameDriverArrivedCmd:
		_, err = s.Matcher.Arrived(ctx, driverID, m.RideID)
	case events.NameTripStatus:
		_, err = s.Matcher.TripStatus(ctx, driverID, m.RideID, m.Status, m.FinalFare)
	}
	if err != nil {
		return fmt.Errorf("%s %s: %w", name, m.RideID, err)
	}
	return nil
}

// handleClose takes a driver offline once their last connection is gone.
func (s *Server) handleClose(c *Conn) {
	userID, userType := c.Identity()
	c.mu.Lock()
	online := c.online
	c.mu.Unlock()
	if online {
		observability.DriversOnline.Dec()
	}
	if userType != events.UserDriver || s.Hub.Connected(events.Room(userType, userID)) {
		return
	}
	s.Matcher.DriverOffline(userID)
}
