package supervisor

import "time"

// State is a supervisor lifecycle state. Terminated is absorbing.
type State int

const (
	StateIdle State = iota
	StateWaitingForWindow
	StateStarting
	StateStreaming
	StateRotating
	StateReconnecting
	StateStopping
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaitingForWindow:
		return "waiting_for_window"
	case StateStarting:
		return "starting"
	case StateStreaming:
		return "streaming"
	case StateRotating:
		return "rotating"
	case StateReconnecting:
		return "reconnecting"
	case StateStopping:
		return "stopping"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Transition records one state change with the reason that caused it.
type Transition struct {
	From   State
	To     State
	Reason string
	At     time.Time
}
