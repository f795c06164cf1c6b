package persistence

import "errors"

var (
	// ErrNotFound is returned when a session or message does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyDecided is returned when a decision is recorded for a gate
	// that already holds one.
	ErrAlreadyDecided = errors.New("approval already decided")
	// ErrInvalidTransition is returned when an operation's precondition on
	// the session status does not hold.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrLeaseLost is returned when a lease-fenced write finds the token
	// no longer matches (expired and reclaimed, or released).
	ErrLeaseLost = errors.New("lease lost")
	// ErrInvalidInput is returned for malformed arguments.
	ErrInvalidInput = errors.New("invalid input")
)

// TransitionError carries the statuses involved in a rejected transition.
type TransitionError struct {
	SessionID string
	From      TaskStatus
	To        TaskStatus
	Op        string
}

func (e *TransitionError) Error() string {
	return "session " + e.SessionID + ": " + e.Op + ": cannot move from " + string(e.From) + " to " + string(e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}
