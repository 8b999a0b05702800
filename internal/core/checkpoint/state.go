package checkpoint

import (
	"errors"
	"slices"

	"github.com/vietddude/relay/internal/core/domain"
)

// State is an alias for domain.SessionState for internal use.
type State = domain.SessionState

// State constants re-exported for convenience.
const (
	StateNew        = domain.SessionStateNew
	StateInProgress = domain.SessionStateInProgress
	StateCompleted  = domain.SessionStateCompleted
)

// ErrInvalidTransition is returned when an invalid state transition is attempted.
var ErrInvalidTransition = errors.New("invalid state transition")

// ValidTransitions defines allowed state transitions.
// Key is the current state, value is the list of valid next states.
// A session with target 1 goes from new straight to completed.
var ValidTransitions = map[State][]State{
	StateNew:        {StateInProgress, StateCompleted},
	StateInProgress: {StateCompleted},
	StateCompleted:  {},
}

// CanTransition checks if a transition from one state to another is valid.
func CanTransition(from, to State) bool {
	validTargets, ok := ValidTransitions[from]
	if !ok {
		return false
	}
	return slices.Contains(validTargets, to)
}

// StateDescription returns a human-readable description of a state.
func StateDescription(s State) string {
	switch s {
	case StateNew:
		return "New - session created, nothing recorded yet"
	case StateInProgress:
		return "In progress - recording items"
	case StateCompleted:
		return "Completed - target reached"
	default:
		return "Unknown state"
	}
}
