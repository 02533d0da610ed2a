package session

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when a state change is not allowed from
// the current state.
var ErrInvalidTransition = errors.New("session: invalid state transition")

// State is the lifecycle state of a [Session].
type State int

const (
	// StateConnecting is the initial state: the channel is being dialled.
	StateConnecting State = iota

	// StateHandshaking: settings are being sent while the device streams
	// are opened.
	StateHandshaking

	// StateStreaming: audio flows in both directions.
	StateStreaming

	// StateDraining: devices are stopping and buffered audio is discarded.
	StateDraining

	// StateClosed is terminal.
	StateClosed
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// transitions lists the allowed successors of each state. Failures before
// streaming go straight to closed.
var transitions = map[State][]State{
	StateConnecting:  {StateHandshaking, StateClosed},
	StateHandshaking: {StateStreaming, StateClosed},
	StateStreaming:   {StateDraining},
	StateDraining:    {StateClosed},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
