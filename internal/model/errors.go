package model

import (
	"errors"
	"fmt"
)

// ValidationError reports malformed input rejected before storage.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// NewValidationError builds a ValidationError.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err (or any error it wraps) is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

var (
	// ErrInsufficientEvidence is a legitimate resolver outcome, not a failure.
	ErrInsufficientEvidence = errors.New("insufficient evidence")
	// ErrConflictBelowThreshold marks a result left for human review.
	ErrConflictBelowThreshold = errors.New("conflict below threshold")
	// ErrStaleLock marks a job whose lease expired and was reset.
	ErrStaleLock = errors.New("stale lock")
	// ErrMergeInvariantSkip marks a child row that could not be moved
	// without violating a uniqueness invariant.
	ErrMergeInvariantSkip = errors.New("merge invariant skip")
	// ErrSourceDisabled is returned when scheduling targets a disabled source.
	ErrSourceDisabled = errors.New("source disabled")
	// ErrMaxAttemptsExceeded marks a job that failed terminally.
	ErrMaxAttemptsExceeded = errors.New("max attempts exceeded")
	// ErrNotFound is returned when a referenced row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict is returned when a compare-and-swap lost a race.
	ErrVersionConflict = errors.New("version conflict")
	// ErrLeaseLost is returned when a job transition is attempted by a
	// worker that no longer holds the lease.
	ErrLeaseLost = errors.New("lease lost")
)
