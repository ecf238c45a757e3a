package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/lainie-ftw/capflow/pkg/models"
)

// DecisionKind tags the variant of a Decision.
type DecisionKind string

const (
	DecisionScheduleActivity DecisionKind = "schedule_activity"
	DecisionStartTimer       DecisionKind = "start_timer"
	DecisionRecordCheckpoint DecisionKind = "record_checkpoint"
	DecisionComplete         DecisionKind = "complete"
	DecisionFail             DecisionKind = "fail"
	DecisionWait             DecisionKind = "wait"
)

// TimerDecision is the payload of a StartTimer decision.
type TimerDecision struct {
	TimerID string
	FireAt  time.Time
}

// Decision is the engine's next step for a run, derived purely from replayed
// state. Exactly one payload field is set, selected by Kind.
type Decision struct {
	Kind DecisionKind

	Activity   *models.ActivityInvocation
	Timer      *TimerDecision
	Checkpoint *CheckpointDecision
	Result     json.RawMessage
	Errors     []string
}

// CheckpointDecision is the payload of a RecordCheckpoint decision.
type CheckpointDecision struct {
	Processed int
	Total     int
	Note      string
}

func ScheduleActivity(inv models.ActivityInvocation) Decision {
	return Decision{Kind: DecisionScheduleActivity, Activity: &inv}
}

func StartTimer(timerID string, fireAt time.Time) Decision {
	return Decision{Kind: DecisionStartTimer, Timer: &TimerDecision{TimerID: timerID, FireAt: fireAt}}
}

func RecordCheckpoint(processed, total int, note string) Decision {
	return Decision{Kind: DecisionRecordCheckpoint, Checkpoint: &CheckpointDecision{
		Processed: processed,
		Total:     total,
		Note:      note,
	}}
}

func Complete(result json.RawMessage, errs []string) Decision {
	return Decision{Kind: DecisionComplete, Result: result, Errors: errs}
}

func Fail(result json.RawMessage, errs []string) Decision {
	return Decision{Kind: DecisionFail, Result: result, Errors: errs}
}

func Wait() Decision {
	return Decision{Kind: DecisionWait}
}

// Decider derives the next decision for a run from its replayed state. It
// must be deterministic: same state, same decision. Deciders read time only
// from recorded event timestamps and run input, never the live clock.
type Decider func(state *RunState) (Decision, error)

// Deciders is the closed registry of decision functions, keyed by workflow
// type. Unknown types are rejected at submission, not discovered mid-run.
type Deciders map[models.WorkflowType]Decider

func (d Deciders) Validate() error {
	if len(d) == 0 {
		return fmt.Errorf("no decision functions registered")
	}

	for workflowType, decider := range d {
		if decider == nil {
			return fmt.Errorf("nil decision function for workflow type %s", workflowType)
		}
	}

	return nil
}

func (d Deciders) For(workflowType models.WorkflowType) (Decider, error) {
	decider, exists := d[workflowType]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorkflowType, workflowType)
	}

	return decider, nil
}
