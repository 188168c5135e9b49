package entry

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no store holds the requested entry.
	ErrNotFound = errors.New("entry not found")

	ErrEmptyText   = errors.New("text is empty")
	ErrTextTooLong = fmt.Errorf("text exceeds %d characters", MaxTextLength)
	ErrInvalidType = errors.New("invalid entry type")
)

// ValidationError rejects input before anything is written.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Err.Error()
}

func (e *ValidationError) Unwrap() error { return e.Err }

// PersistenceError means no store accepted a write.
type PersistenceError struct {
	Op      string
	Primary error
	Mirror  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: all stores failed: primary: %v; mirror: %v", e.Op, e.Primary, e.Mirror)
}

func (e *PersistenceError) Unwrap() []error {
	var errs []error
	if e.Primary != nil {
		errs = append(errs, e.Primary)
	}
	if e.Mirror != nil {
		errs = append(errs, e.Mirror)
	}
	return errs
}

// ReadError means the primary query failed and the mirror could not be
// enumerated either.
type ReadError struct {
	Primary error
	Mirror  error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("reading entries: primary: %v; mirror: %v", e.Primary, e.Mirror)
}

func (e *ReadError) Unwrap() []error {
	var errs []error
	if e.Primary != nil {
		errs = append(errs, e.Primary)
	}
	if e.Mirror != nil {
		errs = append(errs, e.Mirror)
	}
	return errs
}
