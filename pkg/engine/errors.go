package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownWorkflowType means no decision function is registered for
	// the run's workflow type.
	ErrUnknownWorkflowType = errors.New("unknown workflow type")

	// ErrRunTerminal means the run already reached a terminal status and
	// cannot be advanced, signalled, or cancelled.
	ErrRunTerminal = errors.New("run is terminal")
)

// QuarantineError reports a determinism violation: replaying the log produced
// a decision that does not match the recorded intent. The run is parked as
// quarantined for inspection rather than silently resolved.
type QuarantineError struct {
	RunID    string
	Sequence uint64
	Reason   string
}

func (e *QuarantineError) Error() string {
	return fmt.Sprintf("run %s quarantined at sequence %d: %s", e.RunID, e.Sequence, e.Reason)
}

func IsQuarantine(err error) bool {
	var quarantine *QuarantineError

	return errors.As(err, &quarantine)
}
