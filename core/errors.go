package core

import "errors"

// Domain error taxonomy. Every mutating operation returns one of these,
// possibly wrapped with call-site context. Callers inspect with errors.Is.
var (
	// ErrNotFound is returned when the referenced entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned when a status change is not an edge
	// in the allowed transition graph.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrTerminalState is returned when a mutation is attempted on a
	// completed or cancelled intervention.
	ErrTerminalState = errors.New("intervention is in a terminal state")

	// ErrResourceUnavailable is returned when a resource already has an
	// active ledger entry and cannot be assigned again.
	ErrResourceUnavailable = errors.New("resource unavailable")

	// ErrResourceBusy is returned when a lock acquisition times out.
	// This is the only error that is safe to retry automatically.
	ErrResourceBusy = errors.New("resource busy")

	// ErrValidationFailed is returned for malformed commands. Commands are
	// shape-validated upstream, so this is a backstop, not the normal path.
	ErrValidationFailed = errors.New("validation failed")

	// ErrInvariantViolation indicates corrupted state detected at runtime,
	// such as two active ledger entries for one resource. It is a fatal
	// programming error: the offending operation halts and the condition is
	// logged distinctly from expected domain errors.
	ErrInvariantViolation = errors.New("invariant violation")
)

// Retryable reports whether the error is safe to retry with backoff.
func Retryable(err error) bool {
	return errors.Is(err, ErrResourceBusy)
}
