// Package persistence provides the durable storage layer for runs, their
// event logs, and timers.
package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations return.
var (
	// ErrConflict indicates a concurrent append already claimed the next
	// sequence number for the run. The caller must re-read the log and
	// retry its decision.
	ErrConflict = errors.New("event log append conflict")

	// ErrRunNotFound indicates no run exists for the given identifier.
	ErrRunNotFound = errors.New("run not found")

	// ErrRunAlreadyExists indicates a run with the same identifier already
	// exists.
	ErrRunAlreadyExists = errors.New("run already exists")

	// ErrTimerNotFound indicates no timer exists for the given identifier.
	ErrTimerNotFound = errors.New("timer not found")
)

// RunError wraps run-related storage errors with operation context.
type RunError struct {
	Op    string // operation being performed, e.g. "AppendEvents"
	RunID string
	Err   error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("%s failed for run %s: %v", e.Op, e.RunID, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

func IsRunNotFound(err error) bool {
	return errors.Is(err, ErrRunNotFound)
}
