package binary

import "fmt"

// State is the lifecycle state of a registered binary.
//
// StateUnregistered is the zero value. It denotes the absence of a slot and
// is never stored in one.
type State uint8

const (
	StateUnregistered State = iota
	StateInactive
	StateLoadingDone
	StateRunning
	StateWaitUnload
	StateFault
)

var stateNames = map[State]string{
	StateUnregistered: "UNREGISTERED",
	StateInactive:     "INACTIVE",
	StateLoadingDone:  "LOADING_DONE",
	StateRunning:      "RUNNING",
	StateWaitUnload:   "WAITUNLOAD",
	StateFault:        "FAULT",
}

// String returns the upper-case state name used in logs and traces.
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// ParseState is the inverse of State.String.
func ParseState(name string) (State, error) {
	for s, n := range stateNames {
		if n == name {
			return s, nil
		}
	}
	return StateUnregistered, fmt.Errorf("unknown binary state %q", name)
}

// NeedsResponse reports whether entering s requires every subscriber to
// acknowledge the notification before the caller proceeds.
func (s State) NeedsResponse() bool {
	return s == StateWaitUnload
}

// Occupied reports whether a binary in state s holds a bin id.
func (s State) Occupied() bool {
	switch s {
	case StateLoadingDone, StateRunning, StateWaitUnload, StateFault:
		return true
	default:
		return false
	}
}

// transitions is the complete table of legal moves.
var transitions = map[State][]State{
	StateInactive:    {StateLoadingDone},
	StateLoadingDone: {StateRunning},
	StateRunning:     {StateWaitUnload, StateFault},
	StateWaitUnload:  {StateInactive},
	StateFault:       {StateInactive},
}

// ValidTransition reports whether from -> to appears in the transition table.
func ValidTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
