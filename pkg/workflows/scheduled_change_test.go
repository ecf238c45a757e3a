package workflows

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lainie-ftw/capflow/pkg/engine"
	"github.com/lainie-ftw/capflow/pkg/events"
	"github.com/lainie-ftw/capflow/pkg/models"
)

func capacityAt(ns string, mode models.CapacityMode, trus int) outcome {
	return succeedWith(models.CapacityState{Namespace: ns, Mode: mode, TRUCount: trus})
}

func newChangeRunner(t *testing.T, input models.ScheduledCapacityChangeInput) *runner {
	return newRunner(t, models.WorkflowTypeScheduledCapacityChange, ScheduledCapacityChange, input)
}

func changeResult(t *testing.T, state *engine.RunState) models.ScheduledCapacityChangeResult {
	t.Helper()

	var result models.ScheduledCapacityChangeResult
	require.NoError(t, json.Unmarshal(state.Result, &result))

	return result
}

func TestScheduledChangeFullWindow(t *testing.T) {
	end := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	r := newChangeRunner(t, models.ScheduledCapacityChangeInput{
		Namespace:   "prod",
		DesiredTRUs: 3,
		EndTime:     &end,
		VerifyDelay: models.Duration(2 * time.Minute),
	})

	r.script(guardEnableID, capacityAt("prod", models.CapacityModeOnDemand, 0))
	r.script(enableID, capacityAt("prod", models.CapacityModeProvisioned, 3))
	r.script(verifyEnableID, capacityAt("prod", models.CapacityModeProvisioned, 3))
	r.script(guardDisableID, capacityAt("prod", models.CapacityModeProvisioned, 3))
	r.script(disableID, capacityAt("prod", models.CapacityModeOnDemand, 0))
	r.script(verifyDisableID, capacityAt("prod", models.CapacityModeOnDemand, 0))

	r.drive()

	assert.Equal(t, []string{
		guardEnableID, enableID, verifyEnableID,
		guardDisableID, disableID, verifyDisableID,
	}, r.scheduledActivityIDs())

	state := r.state()
	assert.Equal(t, models.RunStatusCompleted, state.Status)
	assert.Empty(t, state.Errors)

	result := changeResult(t, state)
	assert.True(t, result.InitialChangeSuccess)
	assert.True(t, result.VerificationSuccess)
	assert.True(t, result.RevertedToOnDemand)
	assert.True(t, result.RevertVerificationSuccess)
	assert.Empty(t, result.Errors)

	// The settle wait is anchored on the recorded outcome, not the clock.
	settle := state.Timer(settleEnableTimerID)
	require.NotNil(t, settle)
	enable := state.Activity(enableID)
	assert.Equal(t, enable.FinishedAt.Add(2*time.Minute), settle.FireAt)

	answer, err := ScheduledCapacityChangeState(state)
	require.NoError(t, err)

	var report struct {
		EffectiveEndTime *time.Time `json:"effective_end_time"`
		InitialChange    bool       `json:"initial_change_done"`
		Reverted         bool       `json:"reverted"`
	}

	require.NoError(t, json.Unmarshal(answer, &report))
	require.NotNil(t, report.EffectiveEndTime)
	assert.True(t, report.EffectiveEndTime.Equal(end))
	assert.True(t, report.InitialChange)
	assert.True(t, report.Reverted)
}

func TestScheduledChangeSkipsWhenAlreadyAtTarget(t *testing.T) {
	r := newChangeRunner(t, models.ScheduledCapacityChangeInput{
		Namespace:   "prod",
		DesiredTRUs: 3,
	})

	r.script(guardEnableID, capacityAt("prod", models.CapacityModeProvisioned, 3))

	r.drive()

	// Only the guard read ran; no write, no verification, no notification.
	assert.Equal(t, []string{guardEnableID}, r.scheduledActivityIDs())

	state := r.state()
	assert.Equal(t, models.RunStatusCompleted, state.Status)

	result := changeResult(t, state)
	assert.True(t, result.InitialChangeSuccess)
	assert.True(t, result.VerificationSuccess)
	assert.False(t, result.RevertedToOnDemand)
}

func TestScheduledChangeGuardFailureProceedsWithChange(t *testing.T) {
	r := newChangeRunner(t, models.ScheduledCapacityChangeInput{
		Namespace:   "prod",
		DesiredTRUs: 2,
	})

	r.script(guardEnableID, failWith("control plane timeout"))
	r.script(enableID, capacityAt("prod", models.CapacityModeProvisioned, 2))
	r.script(verifyEnableID, capacityAt("prod", models.CapacityModeProvisioned, 2))

	r.drive()

	state := r.state()
	assert.Equal(t, models.RunStatusCompleted, state.Status)

	result := changeResult(t, state)
	assert.True(t, result.InitialChangeSuccess)
	assert.True(t, result.VerificationSuccess)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "guard check failed")
}

func TestScheduledChangeEnableFailureFailsRun(t *testing.T) {
	r := newChangeRunner(t, models.ScheduledCapacityChangeInput{
		Namespace:   "prod",
		DesiredTRUs: 4,
	})

	r.script(guardEnableID, capacityAt("prod", models.CapacityModeOnDemand, 0))
	r.script(enableID, failWith("api returned 500"))

	r.drive()

	assert.Equal(t, []string{guardEnableID, enableID, notifyEnableFailedID}, r.scheduledActivityIDs())

	state := r.state()
	assert.Equal(t, models.RunStatusFailed, state.Status)
	require.NotEmpty(t, state.Errors)
	assert.Contains(t, state.Errors[0], "api returned 500")

	// The failure notification never gates the run outcome.
	notify := state.Activity(notifyEnableFailedID)
	require.NotNil(t, notify)
	assert.True(t, notify.Invocation.IgnoreFailure)
}

func TestScheduledChangeVerifyMismatchCompletesWithoutRollback(t *testing.T) {
	end := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	r := newChangeRunner(t, models.ScheduledCapacityChangeInput{
		Namespace:   "prod",
		DesiredTRUs: 4,
		EndTime:     &end,
	})

	r.script(guardEnableID, capacityAt("prod", models.CapacityModeOnDemand, 0))
	r.script(enableID, capacityAt("prod", models.CapacityModeProvisioned, 4))
	r.script(verifyEnableID, capacityAt("prod", models.CapacityModeProvisioned, 2))

	r.drive()

	state := r.state()
	assert.Equal(t, models.RunStatusCompleted, state.Status)

	result := changeResult(t, state)
	assert.True(t, result.InitialChangeSuccess)
	assert.False(t, result.VerificationSuccess)
	assert.False(t, result.RevertedToOnDemand)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "wanted 4 provisioned")

	assert.Contains(t, r.scheduledActivityIDs(), notifyVerifyFailedID)
	assert.NotContains(t, r.scheduledActivityIDs(), disableID)
}

func TestScheduledChangeDisableFailureCompletesWithError(t *testing.T) {
	end := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	r := newChangeRunner(t, models.ScheduledCapacityChangeInput{
		Namespace:   "prod",
		DesiredTRUs: 3,
		EndTime:     &end,
	})

	r.script(guardEnableID, capacityAt("prod", models.CapacityModeOnDemand, 0))
	r.script(enableID, capacityAt("prod", models.CapacityModeProvisioned, 3))
	r.script(verifyEnableID, capacityAt("prod", models.CapacityModeProvisioned, 3))
	r.script(guardDisableID, capacityAt("prod", models.CapacityModeProvisioned, 3))
	r.script(disableID, failWith("api returned 503"))

	r.drive()

	state := r.state()
	assert.Equal(t, models.RunStatusCompleted, state.Status)

	result := changeResult(t, state)
	assert.True(t, result.InitialChangeSuccess)
	assert.True(t, result.VerificationSuccess)
	assert.False(t, result.RevertedToOnDemand)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "failed to revert")

	assert.Contains(t, r.scheduledActivityIDs(), notifyDisableFailedID)
}

func TestScheduledChangeSkipsRevertWhenAlreadyOnDemand(t *testing.T) {
	end := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	r := newChangeRunner(t, models.ScheduledCapacityChangeInput{
		Namespace:   "prod",
		DesiredTRUs: 3,
		EndTime:     &end,
	})

	r.script(guardEnableID, capacityAt("prod", models.CapacityModeOnDemand, 0))
	r.script(enableID, capacityAt("prod", models.CapacityModeProvisioned, 3))
	r.script(verifyEnableID, capacityAt("prod", models.CapacityModeProvisioned, 3))
	r.script(guardDisableID, capacityAt("prod", models.CapacityModeOnDemand, 0))

	r.drive()

	assert.NotContains(t, r.scheduledActivityIDs(), disableID)
	assert.NotContains(t, r.scheduledActivityIDs(), verifyDisableID)

	result := changeResult(t, r.state())
	assert.True(t, result.RevertedToOnDemand)
	assert.True(t, result.RevertVerificationSuccess)
}

func TestScheduledChangeEndTimeSignalMovesRevert(t *testing.T) {
	firstEnd := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	secondEnd := firstEnd.Add(2 * time.Hour)

	r := newChangeRunner(t, models.ScheduledCapacityChangeInput{
		Namespace:   "prod",
		DesiredTRUs: 3,
		EndTime:     &firstEnd,
	})

	r.script(guardEnableID, capacityAt("prod", models.CapacityModeOnDemand, 0))
	r.script(enableID, capacityAt("prod", models.CapacityModeProvisioned, 3))
	r.script(verifyEnableID, capacityAt("prod", models.CapacityModeProvisioned, 3))
	r.script(guardDisableID, capacityAt("prod", models.CapacityModeProvisioned, 3))
	r.script(disableID, capacityAt("prod", models.CapacityModeOnDemand, 0))
	r.script(verifyDisableID, capacityAt("prod", models.CapacityModeOnDemand, 0))

	r.holdTimers[endTimerID(firstEnd)] = true
	r.holdTimers[endTimerID(secondEnd)] = true

	// Parked waiting for the original end time.
	r.drive()
	require.NotNil(t, r.state().Timer(endTimerID(firstEnd)))

	// Moving the end time supersedes the pending timer with a fresh one.
	r.signal(SignalUpdateEndTime, models.UpdateEndTimePayload{
		EndTime: secondEnd.Format(time.RFC3339),
	})

	decision := r.decide()
	require.Equal(t, engine.DecisionStartTimer, decision.Kind)
	assert.Equal(t, endTimerID(secondEnd), decision.Timer.TimerID)
	assert.True(t, decision.Timer.FireAt.Equal(secondEnd))

	r.drive()

	// The superseded timer firing changes nothing.
	r.fireTimer(endTimerID(firstEnd))
	assert.Equal(t, engine.DecisionWait, r.decide().Kind)

	r.fireTimer(endTimerID(secondEnd))
	r.drive()

	state := r.state()
	assert.Equal(t, models.RunStatusCompleted, state.Status)

	result := changeResult(t, state)
	assert.True(t, result.RevertedToOnDemand)
	assert.True(t, result.RevertVerificationSuccess)

	// Both timers are in the history; only the effective one gated the revert.
	kinds := r.kindCounts()
	assert.Equal(t, 2, countEndTimers(t, r.history))
	assert.GreaterOrEqual(t, kinds[events.TimerFiredKind], 2)
}

func countEndTimers(t *testing.T, history []*events.Event) int {
	t.Helper()

	count := 0

	for _, ev := range history {
		if ev.Kind != events.TimerStartedKind {
			continue
		}

		var started events.TimerStarted
		require.NoError(t, events.Decode(*ev, &started))

		if len(started.TimerID) > len("end_wait:") && started.TimerID[:len("end_wait:")] == "end_wait:" {
			count++
		}
	}

	return count
}
