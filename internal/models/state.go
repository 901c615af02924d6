package models

type RideState string

const (
	StateIdle       RideState = "idle"
	StateRequesting RideState = "requesting"
	StateSearching  RideState = "searching"
	StateCancelling RideState = "cancelling"
	StateAssigned   RideState = "assigned"
	StateArrived    RideState = "arrived"
	StateInProgress RideState = "in_progress"
	StateCompleted  RideState = "completed"
	StateCancelled  RideState = "cancelled"
	StateNoDrivers  RideState = "no_drivers"
	StateTimedOut   RideState = "timed_out"
)

// Terminal reports whether no further automatic transition leaves s.
func (s RideState) Terminal() bool {
	switch s {
	case StateCompleted, StateCancelled, StateNoDrivers, StateTimedOut:
		return true
	}
	return false
}

// Rank orders states along the lifecycle graph. Transitions never lower it.
// cancelling has no rank of its own; it sits alongside the state it was
// entered from.
func (s RideState) Rank() int {
	switch s {
	case StateIdle:
		return 0
	case StateRequesting:
		return 1
	case StateSearching:
		return 2
	case StateAssigned:
		return 3
	case StateArrived:
		return 4
	case StateInProgress:
		return 5
	case StateCompleted, StateCancelled, StateNoDrivers, StateTimedOut:
		return 6
	}
	return -1
}

// HasDriver reports whether a ride in s must carry an assigned driver.
func (s RideState) HasDriver() bool {
	switch s {
	case StateAssigned, StateArrived, StateInProgress, StateCompleted:
		return true
	}
	return false
}

func (s RideState) String() string { return string(s) }
