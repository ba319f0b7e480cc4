package dose

import (
	"errors"
	"fmt"
)

var (
	// ErrTransitionGuard is returned when a transition is attempted while
	// CanTransition is false. The mutator is not called.
	ErrTransitionGuard = errors.New("dose transition not permitted")

	// ErrTransitionInFlight is returned while another transition for the same
	// reminder has not settled.
	ErrTransitionInFlight = errors.New("dose transition already in flight")

	ErrInvalidTargetStatus = errors.New("target status must be completed or not required")

	ErrReminderNotFound = errors.New("reminder not found")
)

// MutationError wraps a failure reported by the mutation collaborator
type MutationError struct {
	ReminderID int64
	Status     Status
	Err        error
}

func (e *MutationError) Error() string {
	return fmt.Sprintf("record dose status %s for reminder %d: %v", e.Status, e.ReminderID, e.Err)
}

func (e *MutationError) Unwrap() error { return e.Err }
