// Package events defines the immutable facts appended to a run's event log
// and the transient notifications carried on the wake bus.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/lainie-ftw/capflow/pkg/models"
)

// Kind identifies the type of a durable log event.
type Kind string

const (
	ActivityScheduledKind     Kind = "activity.scheduled"
	ActivityAttemptFailedKind Kind = "activity.attempt_failed"
	ActivityCompletedKind     Kind = "activity.completed"
	ActivityFailedKind        Kind = "activity.failed"
	TimerStartedKind          Kind = "timer.started"
	TimerFiredKind            Kind = "timer.fired"
	SignalReceivedKind        Kind = "signal.received"
	ProgressCheckpointKind    Kind = "progress.checkpoint"
	RunCompletedKind          Kind = "run.completed"
	RunFailedKind             Kind = "run.failed"
	RunCancelledKind          Kind = "run.cancelled"
	RunQuarantinedKind        Kind = "run.quarantined"
)

// Event is one immutable fact in a run's history. Events for a run are
// totally ordered by SequenceNumber, strictly increasing and gapless
// starting at 1.
type Event struct {
	ID             string          `json:"id"`
	RunID          string          `json:"run_id"`
	SequenceNumber uint64          `json:"sequence_number"`
	Kind           Kind            `json:"kind"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

// Payload is implemented by every durable event payload.
type Payload interface {
	EventKind() Kind
}

// ActivityScheduled records the engine's intent to run an activity. Logged
// before the invocation is handed to an executor, so recovery re-derives the
// same intent instead of re-deciding.
type ActivityScheduled struct {
	Invocation models.ActivityInvocation `json:"invocation"`
	DecidedAt  time.Time                 `json:"decided_at"`
}

func (ActivityScheduled) EventKind() Kind { return ActivityScheduledKind }

// ActivityAttemptFailed records a single failed attempt. Observability only;
// replay keeps it out of the decision path.
type ActivityAttemptFailed struct {
	ActivityID string        `json:"activity_id"`
	Attempt    int           `json:"attempt"`
	Error      string        `json:"error"`
	WillRetry  bool          `json:"will_retry"`
	Backoff    time.Duration `json:"backoff,omitempty"`
}

func (ActivityAttemptFailed) EventKind() Kind { return ActivityAttemptFailedKind }

// ActivityCompleted records an activity's final successful result.
type ActivityCompleted struct {
	ActivityID string          `json:"activity_id"`
	Result     json.RawMessage `json:"result,omitempty"`
	Attempts   int             `json:"attempts"`
}

func (ActivityCompleted) EventKind() Kind { return ActivityCompletedKind }

// ActivityFailed records an activity's final failure after exhausting its
// retry budget.
type ActivityFailed struct {
	ActivityID string `json:"activity_id"`
	Error      string `json:"error"`
	Attempts   int    `json:"attempts"`
}

func (ActivityFailed) EventKind() Kind { return ActivityFailedKind }

// TimerStarted records the engine's intent to sleep until FireAt.
type TimerStarted struct {
	TimerID   string    `json:"timer_id"`
	FireAt    time.Time `json:"fire_at"`
	DecidedAt time.Time `json:"decided_at"`
}

func (TimerStarted) EventKind() Kind { return TimerStartedKind }

// TimerFired records a durable timer delivery. Appended exactly once per
// timer.
type TimerFired struct {
	TimerID string    `json:"timer_id"`
	FiredAt time.Time `json:"fired_at"`

	// Immediate marks a timer whose fire time was already in the past when
	// the intent was logged; no durable timer was registered for it.
	Immediate bool `json:"immediate,omitempty"`
}

func (TimerFired) EventKind() Kind { return TimerFiredKind }

// SignalReceived records an external state mutation delivered to the run.
type SignalReceived struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (SignalReceived) EventKind() Kind { return SignalReceivedKind }

// ProgressCheckpoint is a liveness record emitted by long loops so an
// external supervisor can detect a stalled run.
type ProgressCheckpoint struct {
	Processed int    `json:"processed"`
	Total     int    `json:"total,omitempty"`
	Note      string `json:"note,omitempty"`
}

func (ProgressCheckpoint) EventKind() Kind { return ProgressCheckpointKind }

// RunCompleted records a run's terminal result.
type RunCompleted struct {
	Result json.RawMessage `json:"result,omitempty"`
	Errors []string        `json:"errors,omitempty"`
}

func (RunCompleted) EventKind() Kind { return RunCompletedKind }

// RunFailed records a run's terminal failure with the ordered list of
// encountered errors.
type RunFailed struct {
	Result json.RawMessage `json:"result,omitempty"`
	Errors []string        `json:"errors"`
}

func (RunFailed) EventKind() Kind { return RunFailedKind }

// RunCancelled records an external cancellation.
type RunCancelled struct {
	Reason      string `json:"reason,omitempty"`
	CancelledBy string `json:"cancelled_by,omitempty"`
}

func (RunCancelled) EventKind() Kind { return RunCancelledKind }

// RunQuarantined records a determinism violation: replay produced a decision
// that differs from the recorded one. The run is parked for inspection
// rather than silently resolved.
type RunQuarantined struct {
	Reason           string `json:"reason"`
	DivergedSequence uint64 `json:"diverged_sequence"`
}

func (RunQuarantined) EventKind() Kind { return RunQuarantinedKind }

// New wraps a payload into an Event envelope. The sequence number is
// assigned by the store on append.
func New(id, runID string, payload Payload, at time.Time) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("failed to encode %s payload: %w", payload.EventKind(), err)
	}

	return Event{
		ID:        id,
		RunID:     runID,
		Kind:      payload.EventKind(),
		Payload:   raw,
		Timestamp: at,
	}, nil
}

// Decode unmarshals the event payload into out, checking the kind matches.
func Decode(ev Event, out Payload) error {
	if ev.Kind != out.EventKind() {
		return fmt.Errorf("event %d is %s, not %s", ev.SequenceNumber, ev.Kind, out.EventKind())
	}

	if err := json.Unmarshal(ev.Payload, out); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", ev.Kind, err)
	}

	return nil
}
