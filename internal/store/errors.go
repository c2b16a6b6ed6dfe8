package store

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// PersistenceError marks a failed database write. The extraction loop cannot
// safely continue without durable progress, so it treats this as job-fatal.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return fmt.Sprintf("persistence %s: %v", e.Op, e.Err) }
func (e *PersistenceError) Unwrap() error { return e.Err }

// PreconditionError rejects an operation at the API boundary before the
// engine starts (duplicate active job, missing cookbook).
type PreconditionError struct {
	Reason string
}

func (e *PreconditionError) Error() string { return "precondition failed: " + e.Reason }

// IsPrecondition reports whether err is a PreconditionError.
func IsPrecondition(err error) bool {
	var pe *PreconditionError
	return errors.As(err, &pe)
}

func perr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Err: err}
}
