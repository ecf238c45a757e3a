package activity

import (
	"errors"
	"fmt"
)

// ErrUnknownActivity means no handler is registered for the invocation's
// name. Registries are closed at startup, so this is a wiring bug.
var ErrUnknownActivity = errors.New("unknown activity")

// FatalError marks a failure that retrying cannot fix (bad credentials,
// rejected input). The executor records it and stops immediately.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return fmt.Sprintf("fatal: %v", e.Err) }
func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err so the executor skips the remaining retry budget.
func Fatal(err error) error {
	if err == nil {
		return nil
	}

	return &FatalError{Err: err}
}

func IsFatal(err error) bool {
	var fatal *FatalError

	return errors.As(err, &fatal)
}

// TransientError marks a failure worth retrying. Untyped errors are treated
// as transient too; the wrapper exists so handlers can be explicit.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

func Transient(err error) error {
	if err == nil {
		return nil
	}

	return &TransientError{Err: err}
}
