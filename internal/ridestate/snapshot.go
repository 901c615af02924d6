package ridestate

import "github.com/example/ride-dispatch/internal/models"

// Snapshot is a read-only copy of the machine. Mutating it has no effect on
// the machine.
type Snapshot struct {
	State      models.RideState
	Pending    *models.PendingRide
	Ride       *models.Ride
	StatusText string
	ETASeconds float64
	LastError  error
	Version    uint64
}

// Transition is delivered to listeners. From equals To for in-place updates
// such as a new driver location or status text.
type Transition struct {
	From     models.RideState
	To       models.RideState
	Snapshot Snapshot
}

type Action string

const (
	ActionRequest Action = "request"
	ActionCancel  Action = "cancel"
	ActionRetry   Action = "retry"
	ActionDismiss Action = "dismiss"
)

// Actions lists what the user can do from this snapshot.
func (s Snapshot) Actions() []Action {
	switch s.State {
	case models.StateIdle:
		return []Action{ActionRequest}
	case models.StateRequesting, models.StateSearching, models.StateAssigned, models.StateArrived:
		return []Action{ActionCancel}
	case models.StateCompleted:
		return []Action{ActionRequest, ActionDismiss}
	case models.StateNoDrivers, models.StateTimedOut, models.StateCancelled:
		return []Action{ActionRetry, ActionDismiss}
	}
	return nil
}

func (m *Machine) snapshotLocked() Snapshot {
	s := Snapshot{
		State:      m.state,
		StatusText: m.statusText,
		ETASeconds: m.eta,
		LastError:  m.lastErr,
		Version:    m.version,
	}
	if m.pending != nil {
		p := *m.pending
		p.Request.Preferences = append([]string(nil), p.Request.Preferences...)
		s.Pending = &p
	}
	if m.ride != nil {
		s.Ride = m.ride.Clone()
	}
	return s
}
