package workflows

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lainie-ftw/capflow/pkg/engine"
	"github.com/lainie-ftw/capflow/pkg/events"
	"github.com/lainie-ftw/capflow/pkg/models"
)

// outcome scripts one activity's final result, keyed by activity ID.
type outcome struct {
	result json.RawMessage
	err    string
}

func succeedWith(v any) outcome {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}

	return outcome{result: raw}
}

func failWith(msg string) outcome {
	return outcome{err: msg}
}

// runner folds a decider over a synthetic event log, playing the role of the
// engine, executor, and timer sweep at once. Every step replays the full log
// with intent verification on, so a nondeterministic decider trips the test.
type runner struct {
	t       *testing.T
	decider engine.Decider
	run     *models.WorkflowRun
	history []*events.Event
	clock   time.Time
	scripts map[string]outcome

	// holdTimers names timers that are started but deliberately left
	// unfired, so a test can interleave signals with a pending wait.
	holdTimers map[string]bool
}

func newRunner(t *testing.T, workflowType models.WorkflowType, decider engine.Decider, input any) *runner {
	t.Helper()

	raw, err := json.Marshal(input)
	require.NoError(t, err)

	return &runner{
		t:       t,
		decider: decider,
		run: &models.WorkflowRun{
			ID:     "run-test",
			Type:   workflowType,
			Input:  raw,
			Status: models.RunStatusRunning,
		},
		clock:      time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC),
		scripts:    map[string]outcome{},
		holdTimers: map[string]bool{},
	}
}

func (r *runner) script(activityID string, o outcome) {
	r.scripts[activityID] = o
}

func (r *runner) append(payload events.Payload, at time.Time) {
	r.t.Helper()

	ev, err := events.New(fmt.Sprintf("ev-%d", len(r.history)+1), r.run.ID, payload, at)
	require.NoError(r.t, err)

	ev.SequenceNumber = uint64(len(r.history)) + 1
	r.history = append(r.history, &ev)
}

func (r *runner) tick() time.Time {
	at := r.clock
	r.clock = r.clock.Add(time.Second)

	return at
}

func (r *runner) state() *engine.RunState {
	r.t.Helper()

	state, diverged, err := engine.Replay(r.run, r.history, r.decider)
	require.NoError(r.t, err)
	require.Nil(r.t, diverged, "replay diverged from recorded history")

	return state
}

func (r *runner) decide() engine.Decision {
	r.t.Helper()

	decision, err := r.decider(r.state())
	require.NoError(r.t, err)

	return decision
}

func (r *runner) signal(name string, payload any) {
	r.t.Helper()

	raw, err := json.Marshal(payload)
	require.NoError(r.t, err)

	r.append(&events.SignalReceived{Name: name, Payload: raw}, r.tick())
}

func (r *runner) fireTimer(timerID string) {
	r.t.Helper()

	timer := r.state().Timer(timerID)
	require.NotNil(r.t, timer, "timer %s was never started", timerID)

	at := timer.FireAt
	if at.Before(r.clock) {
		at = r.tick()
	} else {
		r.clock = at.Add(time.Second)
	}

	r.append(&events.TimerFired{TimerID: timerID, FiredAt: at}, at)
}

// drive advances the run until it is terminal or parked on a held timer.
func (r *runner) drive() {
	r.t.Helper()

	for range 200 {
		state := r.state()
		if state.Terminal() {
			return
		}

		decision, err := r.decider(state)
		require.NoError(r.t, err)

		switch decision.Kind {
		case engine.DecisionScheduleActivity:
			invocation := *decision.Activity
			invocation.RunID = r.run.ID
			r.append(&events.ActivityScheduled{Invocation: invocation, DecidedAt: r.clock}, r.tick())

			scripted, ok := r.scripts[invocation.ActivityID]
			if !ok {
				scripted = succeedWith(map[string]any{})
			}

			if scripted.err != "" {
				r.append(&events.ActivityFailed{
					ActivityID: invocation.ActivityID,
					Error:      scripted.err,
					Attempts:   invocation.Retry.MaxAttempts,
				}, r.tick())
			} else {
				r.append(&events.ActivityCompleted{
					ActivityID: invocation.ActivityID,
					Result:     scripted.result,
					Attempts:   1,
				}, r.tick())
			}

		case engine.DecisionStartTimer:
			r.append(&events.TimerStarted{
				TimerID:   decision.Timer.TimerID,
				FireAt:    decision.Timer.FireAt,
				DecidedAt: r.clock,
			}, r.tick())

			if r.holdTimers[decision.Timer.TimerID] {
				return
			}

			r.fireTimer(decision.Timer.TimerID)

		case engine.DecisionRecordCheckpoint:
			r.append(&events.ProgressCheckpoint{
				Processed: decision.Checkpoint.Processed,
				Total:     decision.Checkpoint.Total,
				Note:      decision.Checkpoint.Note,
			}, r.tick())

		case engine.DecisionComplete:
			r.append(&events.RunCompleted{Result: decision.Result, Errors: decision.Errors}, r.tick())

		case engine.DecisionFail:
			r.append(&events.RunFailed{Result: decision.Result, Errors: decision.Errors}, r.tick())

		case engine.DecisionWait:
			r.t.Fatalf("decider waits with no outcome outstanding")

		default:
			r.t.Fatalf("unexpected decision kind %s", decision.Kind)
		}
	}

	r.t.Fatalf("run did not finish within the step budget")
}

func (r *runner) kindCounts() map[events.Kind]int {
	counts := map[events.Kind]int{}
	for _, ev := range r.history {
		counts[ev.Kind]++
	}

	return counts
}

func (r *runner) scheduledActivityIDs() []string {
	var ids []string

	for _, ev := range r.history {
		if ev.Kind != events.ActivityScheduledKind {
			continue
		}

		var payload events.ActivityScheduled
		require.NoError(r.t, events.Decode(*ev, &payload))
		ids = append(ids, payload.Invocation.ActivityID)
	}

	return ids
}
