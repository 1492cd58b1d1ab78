// Package errors provides centralized error definitions and error handling
// utilities for the Dirigent codebase. It defines the failure taxonomy used
// across the scheduler, agent pool, mission state machine, quota tracker,
// merge engine and coordinator, plus constructors with context wrapping and
// classification helpers.
//
// Every failure surfaced by the core carries a stable machine-readable Kind
// plus a human-readable message; no operation returns an undifferentiated
// generic error.
//
// Creating errors:
//
//	err := errors.NewNotFound("task", taskID)
//	err := errors.NewInvalidState("start", "task", string(task.Status))
//	err := errors.NewQuotaExceeded("anthropic", 0.97)
//
// Checking errors:
//
//	if errors.Is(err, errors.ErrQuotaExceeded) { ... }
//	if errors.KindOf(err) == errors.KindTimeout { ... }
//	if errors.IsRetryable(err) { ... }
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Kind is the machine-readable classification of a failure.
type Kind string

const (
	// KindNotFound indicates an unknown identity.
	KindNotFound Kind = "not_found"
	// KindInvalidState indicates an operation illegal for the current status.
	KindInvalidState Kind = "invalid_state"
	// KindDependenciesUnmet indicates a task cannot start because a required
	// dependency is incomplete.
	KindDependenciesUnmet Kind = "dependencies_unmet"
	// KindInvalidTransition indicates a phase transition outside the graph.
	KindInvalidTransition Kind = "invalid_transition"
	// KindCapacityExceeded indicates a pool or queue is full.
	KindCapacityExceeded Kind = "capacity_exceeded"
	// KindQuotaExceeded indicates provider usage is at the hard stop.
	KindQuotaExceeded Kind = "quota_exceeded"
	// KindTimeout indicates a deadline elapsed.
	KindTimeout Kind = "timeout"
	// KindCancelled indicates explicit cancellation.
	KindCancelled Kind = "cancelled"
	// KindExecutionFailed indicates an underlying model or tool call failed.
	KindExecutionFailed Kind = "execution_failed"
	// KindMergeFailed indicates a branch merge failed.
	KindMergeFailed Kind = "merge_failed"
	// KindNoRollbackPoint indicates no recovery point exists for a rollback.
	KindNoRollbackPoint Kind = "no_rollback_point"
	// KindInternal is the fallback for errors that carry no Kind.
	KindInternal Kind = "internal"
)

// Sentinel errors, one per Kind. Typed errors wrap the matching sentinel so
// errors.Is works against these without knowing the concrete type.
var (
	ErrNotFound          = New("not found")
	ErrInvalidState      = New("invalid state")
	ErrDependenciesUnmet = New("dependencies unmet")
	ErrInvalidTransition = New("invalid transition")
	ErrCapacityExceeded  = New("capacity exceeded")
	ErrQuotaExceeded     = New("quota exceeded")
	ErrTimeout           = New("operation timed out")
	ErrCancelled         = New("operation cancelled")
	ErrExecutionFailed   = New("execution failed")
	ErrMergeFailed       = New("merge failed")
	ErrNoRollbackPoint   = New("no rollback point")
)

// sentinelFor maps a Kind to its sentinel error.
func sentinelFor(k Kind) error {
	switch k {
	case KindNotFound:
		return ErrNotFound
	case KindInvalidState:
		return ErrInvalidState
	case KindDependenciesUnmet:
		return ErrDependenciesUnmet
	case KindInvalidTransition:
		return ErrInvalidTransition
	case KindCapacityExceeded:
		return ErrCapacityExceeded
	case KindQuotaExceeded:
		return ErrQuotaExceeded
	case KindTimeout:
		return ErrTimeout
	case KindCancelled:
		return ErrCancelled
	case KindExecutionFailed:
		return ErrExecutionFailed
	case KindMergeFailed:
		return ErrMergeFailed
	case KindNoRollbackPoint:
		return ErrNoRollbackPoint
	default:
		return nil
	}
}

// Error is the concrete error type carried across component boundaries.
// It pairs a Kind with a human-readable message and optional cause.
type Error struct {
	kind      Kind
	message   string
	cause     error
	retryable bool
}

// newError builds an Error with the retryability default for its kind.
// Timeouts and failed executions are transient; everything else is not.
func newError(kind Kind, message string) *Error {
	return &Error{
		kind:      kind,
		message:   message,
		retryable: kind == KindTimeout || kind == KindExecutionFailed,
	}
}

// Error returns the formatted error message.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.message)
}

// Kind returns the machine-readable classification.
func (e *Error) Kind() Kind { return e.kind }

// Message returns the human-readable message without the kind prefix.
func (e *Error) Message() string { return e.message }

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// Is reports whether this error matches the target. An Error matches its
// kind's sentinel, another Error of the same kind, and anything its cause
// matches.
func (e *Error) Is(target error) bool {
	if s := sentinelFor(e.kind); s != nil && target == s {
		return true
	}
	if other, ok := target.(*Error); ok {
		return other.kind == e.kind
	}
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

// IsRetryable reports whether the operation may succeed on retry.
func (e *Error) IsRetryable() bool { return e.retryable }

// WithCause attaches an underlying error.
func (e *Error) WithCause(cause error) *Error {
	e.cause = cause
	return e
}

// WithRetryable overrides the default retryability for this error.
func (e *Error) WithRetryable(r bool) *Error {
	e.retryable = r
	return e
}

// -----------------------------------------------------------------------------
// Constructors
// -----------------------------------------------------------------------------

// NewNotFound reports an unknown identity, e.g. "task 'abc123' not found".
func NewNotFound(resourceType, resourceID string) *Error {
	return newError(KindNotFound, fmt.Sprintf("%s '%s' not found", resourceType, resourceID))
}

// NewInvalidState reports an operation illegal for the current status.
func NewInvalidState(operation, resourceType, status string) *Error {
	return newError(KindInvalidState,
		fmt.Sprintf("cannot %s %s in status %q", operation, resourceType, status))
}

// NewDependenciesUnmet reports a task blocked on incomplete dependencies.
func NewDependenciesUnmet(taskID string, missing []string) *Error {
	return newError(KindDependenciesUnmet,
		fmt.Sprintf("task %s has unmet dependencies %v", taskID, missing))
}

// NewInvalidTransition reports a phase edge outside the phase graph.
func NewInvalidTransition(from, to string) *Error {
	return newError(KindInvalidTransition,
		fmt.Sprintf("no transition from %q to %q", from, to))
}

// NewCapacityExceeded reports a full pool or queue.
func NewCapacityExceeded(resource string, limit int) *Error {
	return newError(KindCapacityExceeded,
		fmt.Sprintf("%s capacity of %d reached", resource, limit))
}

// NewQuotaExceeded reports provider usage at the hard stop.
func NewQuotaExceeded(provider string, ratio float64) *Error {
	return newError(KindQuotaExceeded,
		fmt.Sprintf("provider %s usage ratio %.2f is at the hard stop", provider, ratio))
}

// NewTimeout reports an elapsed deadline.
func NewTimeout(operation string, d time.Duration) *Error {
	return newError(KindTimeout, fmt.Sprintf("%s exceeded %s", operation, d))
}

// NewCancelled reports explicit cancellation.
func NewCancelled(operation string) *Error {
	return newError(KindCancelled, fmt.Sprintf("%s was cancelled", operation))
}

// NewExecutionFailed reports a failed model or tool call.
func NewExecutionFailed(message string, cause error) *Error {
	return newError(KindExecutionFailed, message).WithCause(cause)
}

// NewMergeFailed reports a failed branch merge.
func NewMergeFailed(branchID string, cause error) *Error {
	return newError(KindMergeFailed, fmt.Sprintf("merge of branch %s failed", branchID)).WithCause(cause)
}

// NewNoRollbackPoint reports a rollback with no recovery point.
func NewNoRollbackPoint(missionID string) *Error {
	return newError(KindNoRollbackPoint,
		fmt.Sprintf("mission %s has no rollback point", missionID))
}

// -----------------------------------------------------------------------------
// Classification helpers
// -----------------------------------------------------------------------------

// KindOf returns the Kind carried by err, mapping context errors to their
// taxonomy equivalents. Unrecognized errors report KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if As(err, &e) {
		return e.kind
	}
	switch {
	case Is(err, ErrTimeout):
		return KindTimeout
	case Is(err, ErrCancelled):
		return KindCancelled
	}
	return KindInternal
}

// IsRetryable reports whether the error represents a transient condition
// that may succeed on retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if As(err, &e) {
		return e.IsRetryable()
	}
	return Is(err, ErrTimeout)
}

// Wrap wraps an error with additional context message.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
