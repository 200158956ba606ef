package core

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a run or session does not exist or has
	// expired. Store backends map TTL eviction to this error so clients see
	// uniform semantics regardless of backend choice.
	ErrNotFound = errors.New("not found")

	// ErrSessionBusy is returned when a new run is requested for a session
	// that already has a non-terminal run. Callers may retry after the
	// active run reaches a terminal status; the engine never retries this.
	ErrSessionBusy = errors.New("session busy")

	// ErrVersionConflict is returned by optimistic-concurrency writes when
	// the expected version is stale. The session manager retries these
	// internally with a re-read; it surfaces only when retries are exhausted
	// or the caller supplied the version explicitly.
	ErrVersionConflict = errors.New("version conflict")

	// ErrInvalidTransition signals an attempt to move a run out of a state
	// that does not permit the transition (for example resuming a run that is
	// not awaiting, or mutating a terminal run). It indicates a protocol or
	// usage error and is never retried.
	ErrInvalidTransition = errors.New("invalid run state transition")

	// ErrStoreUnavailable wraps backend connectivity failures. The engine
	// does not fall back to a different backend on this error; doing so would
	// break the shared-state guarantee multi-replica deployments rely on.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrRunCancelled is returned from RunContext.Yield once cancellation of
	// the run has been requested. Agents should propagate it unchanged.
	ErrRunCancelled = errors.New("run cancelled")
)

// ValidationError describes a malformed message or part. Runs are never
// created from invalid input, so this error is always surfaced before any
// state exists for the request.
type ValidationError struct {
	Field  string
	Reason string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
