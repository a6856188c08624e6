package scraper

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across subsystems.
var (
	// ErrInvalidBounds marks geographic bounds that fail validation.
	ErrInvalidBounds = errors.New("invalid bounds")
	// ErrInvalidConfig marks campaign configuration rejected at submission.
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrNotFound is returned when a job id has no entry.
	ErrNotFound = errors.New("not found")
)

// DriverError wraps a failure from the external page automation surface. It
// is always recovered locally: the session treats it as exhaustion of the
// current candidate or cell, never as a fatal abort.
type DriverError struct {
	Op  string
	Err error
}

func (e *DriverError) Error() string {
	return fmt.Sprintf("page driver %s: %v", e.Op, e.Err)
}

func (e *DriverError) Unwrap() error {
	return e.Err
}

// PersistenceError wraps an I/O failure from a progress store or result
// sink. It is fatal to the owning job; the component name is surfaced in
// the job's error message so operators can tell storage faults apart from
// driver flakiness.
type PersistenceError struct {
	Component string
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Component, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// IsPersistence reports whether err is (or wraps) a PersistenceError.
func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}
