package rews

import "fmt"

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosing
	// StateClosed is reached by an explicit shutdown.
	StateClosed
	// StateTerminated is reached when the retry budget runs out.
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateTerminated
}

func (s State) TransitionTo(
	newState State,
) (State, error) {
	switch s {
	case StateDisconnected:
		switch newState {
		case StateConnecting, StateClosing, StateTerminated:
			return newState, nil
		}
	case StateConnecting:
		switch newState {
		case StateConnected, StateDisconnected, StateClosing:
			return newState, nil
		}
	case StateConnected:
		switch newState {
		case StateDisconnected, StateClosing:
			return newState, nil
		}
	case StateClosing:
		if newState == StateClosed {
			return newState, nil
		}
	}

	return s, fmt.Errorf("invalid state transition from %v to %v", s, newState)
}
