package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/lainie-ftw/capflow/pkg/events"
	"github.com/lainie-ftw/capflow/pkg/models"
)

// ActivityState is the replayed view of one scheduled activity.
type ActivityState struct {
	Invocation  models.ActivityInvocation
	ScheduledAt time.Time
	Done        bool
	Failed      bool
	Result      json.RawMessage
	Error       string
	Attempts    int
	FinishedAt  time.Time
}

// Succeeded reports whether the decider should treat the activity as
// successful. Failure-ignored invocations present success even when the log
// records a failure.
func (a *ActivityState) Succeeded() bool {
	return a.Done && (!a.Failed || a.Invocation.IgnoreFailure)
}

// Pending reports whether a final outcome has not been recorded yet.
func (a *ActivityState) Pending() bool {
	return a != nil && !a.Done
}

// TimerState is the replayed view of one durable timer.
type TimerState struct {
	TimerID   string
	FireAt    time.Time
	StartedAt time.Time
	Fired     bool
	FiredAt   time.Time
}

// SignalEvent is one delivered signal, in log order.
type SignalEvent struct {
	Sequence uint64
	Name     string
	Payload  json.RawMessage
	At       time.Time
}

// RunState is the projection of a run's event log. It is rebuilt from scratch
// on every decision cycle; nothing here survives outside the log.
type RunState struct {
	RunID string
	Type  models.WorkflowType
	Input json.RawMessage

	Status       models.RunStatus
	Result       json.RawMessage
	Errors       []string
	CancelReason string

	Activities map[string]*ActivityState
	Timers     map[string]*TimerState
	Signals    []SignalEvent

	Checkpoints    int
	LastCheckpoint *events.ProgressCheckpoint

	// NextSequence is the expected sequence number for the next append.
	NextSequence uint64
}

// Activity returns the replayed state for an activity ID, or nil if it was
// never scheduled.
func (s *RunState) Activity(id string) *ActivityState {
	return s.Activities[id]
}

// Timer returns the replayed state for a timer ID, or nil.
func (s *RunState) Timer(id string) *TimerState {
	return s.Timers[id]
}

// LastSignal returns the most recently delivered signal with the given name,
// resolved strictly by sequence number.
func (s *RunState) LastSignal(name string) *SignalEvent {
	for i := len(s.Signals) - 1; i >= 0; i-- {
		if s.Signals[i].Name == name {
			return &s.Signals[i]
		}
	}

	return nil
}

// Terminal reports whether the log already contains a terminal event.
func (s *RunState) Terminal() bool {
	return s.Status.Terminal()
}

// Replay folds the run's event log into a RunState. When decider is non-nil,
// every recorded intent is checked against what the decider re-derives from
// the state preceding it; a mismatch returns a QuarantineError identifying
// the diverged sequence. Events appended after a terminal event (late
// activity results) are applied but never verified or consulted.
func Replay(run *models.WorkflowRun, log []*events.Event, decider Decider) (*RunState, *QuarantineError, error) {
	state := &RunState{
		RunID:        run.ID,
		Type:         run.Type,
		Input:        run.Input,
		Status:       models.RunStatusRunning,
		Activities:   make(map[string]*ActivityState),
		Timers:       make(map[string]*TimerState),
		NextSequence: 1,
	}

	for _, ev := range log {
		if decider != nil && !state.Terminal() && isIntentKind(ev.Kind) {
			decision, err := decider(state)
			if err != nil {
				return nil, nil, fmt.Errorf("replay decision at sequence %d: %w", ev.SequenceNumber, err)
			}

			if reason := intentMismatch(decision, ev); reason != "" {
				return state, &QuarantineError{
					RunID:    run.ID,
					Sequence: ev.SequenceNumber,
					Reason:   reason,
				}, nil
			}
		}

		err := state.apply(ev)
		if err != nil {
			return nil, nil, err
		}
	}

	return state, nil, nil
}

func isIntentKind(kind events.Kind) bool {
	switch kind {
	case events.ActivityScheduledKind, events.TimerStartedKind,
		events.ProgressCheckpointKind, events.RunCompletedKind, events.RunFailedKind:
		return true
	default:
		return false
	}
}

// intentMismatch compares a re-derived decision against a recorded intent
// event. Empty string means they match.
func intentMismatch(decision Decision, ev *events.Event) string {
	switch ev.Kind {
	case events.ActivityScheduledKind:
		var recorded events.ActivityScheduled
		if err := events.Decode(*ev, &recorded); err != nil {
			return err.Error()
		}

		if decision.Kind != DecisionScheduleActivity {
			return fmt.Sprintf("recorded activity %s, replay decided %s",
				recorded.Invocation.ActivityID, decision.Kind)
		}

		if decision.Activity.ActivityID != recorded.Invocation.ActivityID ||
			decision.Activity.Name != recorded.Invocation.Name {
			return fmt.Sprintf("recorded activity %s (%s), replay decided %s (%s)",
				recorded.Invocation.ActivityID, recorded.Invocation.Name,
				decision.Activity.ActivityID, decision.Activity.Name)
		}

	case events.TimerStartedKind:
		var recorded events.TimerStarted
		if err := events.Decode(*ev, &recorded); err != nil {
			return err.Error()
		}

		if decision.Kind != DecisionStartTimer {
			return fmt.Sprintf("recorded timer %s, replay decided %s", recorded.TimerID, decision.Kind)
		}

		if decision.Timer.TimerID != recorded.TimerID || !decision.Timer.FireAt.Equal(recorded.FireAt) {
			return fmt.Sprintf("recorded timer %s firing at %s, replay decided %s firing at %s",
				recorded.TimerID, recorded.FireAt.Format(time.RFC3339),
				decision.Timer.TimerID, decision.Timer.FireAt.Format(time.RFC3339))
		}

	case events.ProgressCheckpointKind:
		var recorded events.ProgressCheckpoint
		if err := events.Decode(*ev, &recorded); err != nil {
			return err.Error()
		}

		if decision.Kind != DecisionRecordCheckpoint {
			return fmt.Sprintf("recorded checkpoint at %d processed, replay decided %s",
				recorded.Processed, decision.Kind)
		}

		if decision.Checkpoint.Processed != recorded.Processed {
			return fmt.Sprintf("recorded checkpoint at %d processed, replay decided %d",
				recorded.Processed, decision.Checkpoint.Processed)
		}

	case events.RunCompletedKind:
		if decision.Kind != DecisionComplete {
			return fmt.Sprintf("recorded completion, replay decided %s", decision.Kind)
		}

	case events.RunFailedKind:
		if decision.Kind != DecisionFail {
			return fmt.Sprintf("recorded failure, replay decided %s", decision.Kind)
		}
	}

	return ""
}

func (s *RunState) apply(ev *events.Event) error {
	if ev.SequenceNumber >= s.NextSequence {
		s.NextSequence = ev.SequenceNumber + 1
	}

	switch ev.Kind {
	case events.ActivityScheduledKind:
		var payload events.ActivityScheduled
		if err := events.Decode(*ev, &payload); err != nil {
			return err
		}

		s.Activities[payload.Invocation.ActivityID] = &ActivityState{
			Invocation:  payload.Invocation,
			ScheduledAt: ev.Timestamp,
		}

	case events.ActivityAttemptFailedKind:
		// Observability only; attempts are carried by the final outcome.

	case events.ActivityCompletedKind:
		var payload events.ActivityCompleted
		if err := events.Decode(*ev, &payload); err != nil {
			return err
		}

		if s.Terminal() {
			return nil // late result, recorded but never consulted
		}

		activity := s.Activities[payload.ActivityID]
		if activity == nil {
			return fmt.Errorf("completion at sequence %d for unscheduled activity %s",
				ev.SequenceNumber, payload.ActivityID)
		}

		activity.Done = true
		activity.Result = payload.Result
		activity.Attempts = payload.Attempts
		activity.FinishedAt = ev.Timestamp

	case events.ActivityFailedKind:
		var payload events.ActivityFailed
		if err := events.Decode(*ev, &payload); err != nil {
			return err
		}

		if s.Terminal() {
			return nil
		}

		activity := s.Activities[payload.ActivityID]
		if activity == nil {
			return fmt.Errorf("failure at sequence %d for unscheduled activity %s",
				ev.SequenceNumber, payload.ActivityID)
		}

		activity.Done = true
		activity.Failed = true
		activity.Error = payload.Error
		activity.Attempts = payload.Attempts
		activity.FinishedAt = ev.Timestamp

	case events.TimerStartedKind:
		var payload events.TimerStarted
		if err := events.Decode(*ev, &payload); err != nil {
			return err
		}

		s.Timers[payload.TimerID] = &TimerState{
			TimerID:   payload.TimerID,
			FireAt:    payload.FireAt,
			StartedAt: ev.Timestamp,
		}

	case events.TimerFiredKind:
		var payload events.TimerFired
		if err := events.Decode(*ev, &payload); err != nil {
			return err
		}

		timer := s.Timers[payload.TimerID]
		if timer == nil {
			return fmt.Errorf("fire at sequence %d for unknown timer %s",
				ev.SequenceNumber, payload.TimerID)
		}

		timer.Fired = true
		timer.FiredAt = payload.FiredAt

	case events.SignalReceivedKind:
		var payload events.SignalReceived
		if err := events.Decode(*ev, &payload); err != nil {
			return err
		}

		s.Signals = append(s.Signals, SignalEvent{
			Sequence: ev.SequenceNumber,
			Name:     payload.Name,
			Payload:  payload.Payload,
			At:       ev.Timestamp,
		})

	case events.ProgressCheckpointKind:
		var payload events.ProgressCheckpoint
		if err := events.Decode(*ev, &payload); err != nil {
			return err
		}

		s.Checkpoints++
		s.LastCheckpoint = &payload

	case events.RunCompletedKind:
		var payload events.RunCompleted
		if err := events.Decode(*ev, &payload); err != nil {
			return err
		}

		s.Status = models.RunStatusCompleted
		s.Result = payload.Result
		s.Errors = payload.Errors

	case events.RunFailedKind:
		var payload events.RunFailed
		if err := events.Decode(*ev, &payload); err != nil {
			return err
		}

		s.Status = models.RunStatusFailed
		s.Result = payload.Result
		s.Errors = payload.Errors

	case events.RunCancelledKind:
		var payload events.RunCancelled
		if err := events.Decode(*ev, &payload); err != nil {
			return err
		}

		s.Status = models.RunStatusCancelled
		s.CancelReason = payload.Reason

	case events.RunQuarantinedKind:
		s.Status = models.RunStatusQuarantined

	default:
		return fmt.Errorf("unknown event kind %s at sequence %d", ev.Kind, ev.SequenceNumber)
	}

	return nil
}
