// Package session tracks per-session ingestion state and room lifecycle.
package session

import "fmt"

// State is the lifecycle position of one ingestion session.
type State string

// Session states. Completed and failed are terminal.
const (
	StateIdle         State = "idle"
	StateAwaitingJoin State = "awaiting_join"
	StateProcessing   State = "processing"
	StateStopping     State = "stopping"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
)

// Terminal reports whether no further transition may leave the state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Active reports whether a job currently owns the session.
func (s State) Active() bool {
	return s == StateProcessing || s == StateStopping
}

var transitions = map[State][]State{
	StateIdle:         {StateAwaitingJoin, StateProcessing},
	StateAwaitingJoin: {StateProcessing},
	StateProcessing:   {StateStopping, StateCompleted, StateFailed},
	StateStopping:     {StateCompleted, StateFailed},
	StateCompleted:    {},
	StateFailed:       {},
}

func legal(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// InvalidTransitionError reports an attempt to move a session along an edge
// the state machine does not allow. It indicates a defect in the caller, not
// a user error.
type InvalidTransitionError struct {
	SessionID string
	From      State
	To        State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("session %s: invalid transition %s -> %s", e.SessionID, e.From, e.To)
}
