package agreement

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound          = errors.New("agreement: not found")
	ErrInvalidTransition = errors.New("agreement: invalid transition")
	ErrTerminalState     = errors.New("agreement: terminal state")
	ErrDateRange         = errors.New("agreement: end date before start date")
	// ErrForbidden is returned when the acting party may not perform an operation.
	ErrForbidden = errors.New("agreement: forbidden")
	// ErrLocked is returned when editable fields are frozen by a signature or status.
	ErrLocked = errors.New("agreement: locked")
	// ErrNotDeletable is returned for deletes outside the pending, unsigned window.
	ErrNotDeletable = errors.New("agreement: not deletable")
	// ErrConcurrentUpdate signals the optimistic version check failed.
	ErrConcurrentUpdate = errors.New("agreement: concurrent update")
	// ErrConstraint wraps rejections raised by database checks and triggers.
	ErrConstraint = errors.New("agreement: constraint violated")
)

// InvalidTransitionError reports an event that is not allowed from the current status.
type InvalidTransitionError struct {
	Event  Event
	From   Status
	Reason string
}

func (e *InvalidTransitionError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("agreement: cannot %s from %s", e.Event, e.From)
	}
	return fmt.Sprintf("agreement: cannot %s from %s: %s", e.Event, e.From, e.Reason)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// TerminalStateError reports an event applied to a completed or canceled agreement.
type TerminalStateError struct {
	Event Event
	State Status
}

func (e *TerminalStateError) Error() string {
	return fmt.Sprintf("agreement: cannot %s: agreement is %s", e.Event, e.State)
}

func (e *TerminalStateError) Unwrap() error { return ErrTerminalState }

// DateRangeError reports a service period whose end precedes its start.
type DateRangeError struct {
	Start time.Time
	End   time.Time
}

func (e *DateRangeError) Error() string {
	return fmt.Sprintf("agreement: end date %s is before start date %s",
		e.End.Format(time.DateOnly), e.Start.Format(time.DateOnly))
}

func (e *DateRangeError) Unwrap() error { return ErrDateRange }
