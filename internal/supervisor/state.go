package supervisor

import "fmt"

// State is the lifecycle state of the managed backend.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for c := StateStopped; c <= StateFailed; c++ {
		if c.String() == string(b) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", b)
}

var allStates = []State{StateStopped, StateStarting, StateRunning, StateStopping, StateFailed}

// transitions lists the allowed moves. Failed -> Stopping only happens on an
// explicit Stop or Close.
var transitions = map[State][]State{
	StateStopped:  {StateStarting},
	StateStarting: {StateRunning, StateFailed},
	StateRunning:  {StateStopping, StateStopped},
	StateStopping: {StateStopped, StateFailed},
	StateFailed:   {StateStarting, StateStopping},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
