package changefeed

import "fmt"

// State is the lifecycle state of a Consumer.
type State int32

const (
	// StateStopped is the zero value: not started, or stopped on request.
	StateStopped State = iota
	// StateRunning means a change feed is open and being consumed.
	StateRunning
	// StateReconnecting means the feed was lost and is being reopened.
	StateReconnecting
	// StateFailed means the feed was lost and reopening it was given up.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "Stopped"
	case StateRunning:
		return "Running"
	case StateReconnecting:
		return "Reconnecting"
	case StateFailed:
		return "Failed"
	default:
		return "InvalidState"
	}
}

// MarshalText renders the state name, for health endpoints.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s State) validateTransitionTo(newState State) error {
	switch s {
	case StateStopped, StateFailed:
		if newState == StateRunning || newState == StateStopped {
			return nil
		}
	case StateRunning:
		switch newState {
		case StateReconnecting, StateStopped:
			return nil
		}
	case StateReconnecting:
		switch newState {
		case StateRunning, StateFailed, StateStopped:
			return nil
		}
	}

	return fmt.Errorf("invalid state transition from %v to %v", s, newState)
}
