package types

import (
	"errors"
	"fmt"
)

// ValidationError reports a snapshot or metric that violates the history invariants.
// Nothing is persisted when it is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid snapshot: %s %s", e.Field, e.Reason)
}

// MalformedInputError reports harness output missing required fields.
// It is raised before anything reaches the store.
type MalformedInputError struct {
	Field  string
	Reason string
	Err    error
}

func (e *MalformedInputError) Error() string {
	msg := "malformed harness result"
	if e.Field != "" {
		msg += ": " + e.Field
	}
	if e.Reason != "" {
		msg += " " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MalformedInputError) Unwrap() error {
	return e.Err
}

// UnavailableError reports that the history store could not be reached in time.
// Callers must treat it as "no verdict", never as a pass.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("history store unavailable during %s: %v", e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// ConcurrentWriteConflict reports a lost write race on an environment's history.
// The whole append must be retried; partial results must not be merged.
type ConcurrentWriteConflict struct {
	EnvironmentID string
	Err           error
}

func (e *ConcurrentWriteConflict) Error() string {
	return fmt.Sprintf("concurrent write conflict on environment %q: %v", e.EnvironmentID, e.Err)
}

func (e *ConcurrentWriteConflict) Unwrap() error {
	return e.Err
}

// IsValidation reports whether err is or wraps a *ValidationError
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// IsMalformedInput reports whether err is or wraps a *MalformedInputError
func IsMalformedInput(err error) bool {
	var target *MalformedInputError
	return errors.As(err, &target)
}

// IsUnavailable reports whether err is or wraps an *UnavailableError
func IsUnavailable(err error) bool {
	var target *UnavailableError
	return errors.As(err, &target)
}

// IsConflict reports whether err is or wraps a *ConcurrentWriteConflict
func IsConflict(err error) bool {
	var target *ConcurrentWriteConflict
	return errors.As(err, &target)
}
