package workflows

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/lainie-ftw/capflow/pkg/engine"
	"github.com/lainie-ftw/capflow/pkg/models"
)

const (
	guardEnableID         = "guard_enable"
	enableID              = "enable"
	settleEnableTimerID   = "settle:enable"
	verifyEnableID        = "verify_enable"
	guardDisableID        = "guard_disable"
	disableID             = "disable"
	settleDisableTimerID  = "settle:disable"
	verifyDisableID       = "verify_disable"
	notifyEnableFailedID  = "notify:enable_failed"
	notifyVerifyFailedID  = "notify:verify_failed"
	notifyDisableFailedID = "notify:disable_failed"
	notifyRevertFailedID  = "notify:revert_verify_failed"
)

// ScheduledCapacityChange provisions a namespace to a desired TRU count,
// verifies the change settled, and, when an end time is set, reverts to
// on-demand after it passes and verifies the revert. Both the enable and the
// disable are guarded by a fresh capacity read: a change that already holds
// is skipped along with its verification, so re-running the workflow against
// an already-provisioned namespace touches nothing.
func ScheduledCapacityChange(state *engine.RunState) (engine.Decision, error) {
	var input models.ScheduledCapacityChangeInput
	if err := json.Unmarshal(state.Input, &input); err != nil {
		return engine.Decision{}, fmt.Errorf("failed to decode scheduled change input: %w", err)
	}

	result := models.ScheduledCapacityChangeResult{Namespace: input.Namespace}

	var errs []string

	// Guard: is the namespace already at the target?
	guard := state.Activity(guardEnableID)
	if guard == nil {
		return scheduleCapacityRead(guardEnableID, input.Namespace)
	}

	if guard.Pending() {
		return engine.Wait(), nil
	}

	alreadyTarget := false

	if guard.Succeeded() {
		current, err := decodeCapacityState(guard.Result)
		if err != nil {
			return engine.Decision{}, err
		}

		alreadyTarget = current.Matches(models.CapacityModeProvisioned, input.DesiredTRUs)
	} else {
		// Reading the state failed; assume the change is needed and let the
		// write path surface any real problem.
		errs = append(errs, "capacity guard check failed: "+guard.Error)
	}

	if alreadyTarget {
		result.InitialChangeSuccess = true
		result.VerificationSuccess = true
	} else {
		enable := state.Activity(enableID)
		if enable == nil {
			return scheduleCapacityWrite(enableID, input.Namespace, models.CapacityModeProvisioned, input.DesiredTRUs)
		}

		if enable.Pending() {
			return engine.Wait(), nil
		}

		if !enable.Succeeded() {
			errs = append(errs, fmt.Sprintf("failed to provision %s to %d TRUs: %s",
				input.Namespace, input.DesiredTRUs, enable.Error))

			decision, done, err := notifyStep(state, notifyEnableFailedID, models.SeverityCritical,
				fmt.Sprintf("Capacity change for %s failed: could not provision %d TRUs",
					input.Namespace, input.DesiredTRUs))
			if err != nil {
				return engine.Decision{}, err
			}

			if !done {
				return decision, nil
			}

			return terminalDecision(engine.Fail, result, errs)
		}

		result.InitialChangeSuccess = true

		// Let the control plane settle before reading the state back.
		settled, decision := timerWait(state, settleEnableTimerID, enable.FinishedAt.Add(input.VerifyDelay.Std()))
		if !settled {
			return decision, nil
		}

		verify := state.Activity(verifyEnableID)
		if verify == nil {
			return scheduleCapacityRead(verifyEnableID, input.Namespace)
		}

		if verify.Pending() {
			return engine.Wait(), nil
		}

		verified := false

		if verify.Succeeded() {
			current, err := decodeCapacityState(verify.Result)
			if err != nil {
				return engine.Decision{}, err
			}

			verified = current.Matches(models.CapacityModeProvisioned, input.DesiredTRUs)
			if !verified {
				errs = append(errs, fmt.Sprintf("verification found %s at mode %s with %d TRUs, wanted %d provisioned",
					input.Namespace, current.Mode, current.TRUCount, input.DesiredTRUs))
			}
		} else {
			errs = append(errs, "failed to verify capacity change: "+verify.Error)
		}

		result.VerificationSuccess = verified

		if !verified {
			decision, done, err := notifyStep(state, notifyVerifyFailedID, models.SeverityWarning,
				fmt.Sprintf("Capacity change for %s did not verify; leaving current state in place", input.Namespace))
			if err != nil {
				return engine.Decision{}, err
			}

			if !done {
				return decision, nil
			}

			return terminalDecision(engine.Complete, result, errs)
		}
	}

	if input.EndTime == nil {
		return terminalDecision(engine.Complete, result, errs)
	}

	// Wait out the provisioning window. The end time can be moved by signal
	// until the disable phase begins; each effective end gets its own timer,
	// and fires from superseded timers are simply ignored.
	if state.Activity(guardDisableID) == nil {
		end := effectiveEndTime(state, input)

		fired, decision := timerWait(state, endTimerID(end), end)
		if !fired {
			return decision, nil
		}

		return scheduleCapacityRead(guardDisableID, input.Namespace)
	}

	guardDisable := state.Activity(guardDisableID)
	if guardDisable.Pending() {
		return engine.Wait(), nil
	}

	alreadyOnDemand := false

	if guardDisable.Succeeded() {
		current, err := decodeCapacityState(guardDisable.Result)
		if err != nil {
			return engine.Decision{}, err
		}

		alreadyOnDemand = current.Mode == models.CapacityModeOnDemand
	} else {
		errs = append(errs, "capacity guard check before revert failed: "+guardDisable.Error)
	}

	if alreadyOnDemand {
		result.RevertedToOnDemand = true
		result.RevertVerificationSuccess = true

		return terminalDecision(engine.Complete, result, errs)
	}

	disable := state.Activity(disableID)
	if disable == nil {
		return scheduleCapacityWrite(disableID, input.Namespace, models.CapacityModeOnDemand, 0)
	}

	if disable.Pending() {
		return engine.Wait(), nil
	}

	if !disable.Succeeded() {
		errs = append(errs, fmt.Sprintf("failed to revert %s to on-demand: %s", input.Namespace, disable.Error))

		decision, done, err := notifyStep(state, notifyDisableFailedID, models.SeverityCritical,
			fmt.Sprintf("Namespace %s is still provisioned past its end time; revert to on-demand failed",
				input.Namespace))
		if err != nil {
			return engine.Decision{}, err
		}

		if !done {
			return decision, nil
		}

		// The requested change itself succeeded; the run completes carrying
		// the revert failure in its result.
		return terminalDecision(engine.Complete, result, errs)
	}

	result.RevertedToOnDemand = true

	settled, decision := timerWait(state, settleDisableTimerID, disable.FinishedAt.Add(input.VerifyDelay.Std()))
	if !settled {
		return decision, nil
	}

	verifyDisable := state.Activity(verifyDisableID)
	if verifyDisable == nil {
		return scheduleCapacityRead(verifyDisableID, input.Namespace)
	}

	if verifyDisable.Pending() {
		return engine.Wait(), nil
	}

	reverted := false

	if verifyDisable.Succeeded() {
		current, err := decodeCapacityState(verifyDisable.Result)
		if err != nil {
			return engine.Decision{}, err
		}

		reverted = current.Mode == models.CapacityModeOnDemand
		if !reverted {
			errs = append(errs, fmt.Sprintf("revert verification found %s still at mode %s with %d TRUs",
				input.Namespace, current.Mode, current.TRUCount))
		}
	} else {
		errs = append(errs, "failed to verify revert: "+verifyDisable.Error)
	}

	result.RevertVerificationSuccess = reverted

	if !reverted {
		decision, done, err := notifyStep(state, notifyRevertFailedID, models.SeverityWarning,
			fmt.Sprintf("Revert of %s to on-demand did not verify", input.Namespace))
		if err != nil {
			return engine.Decision{}, err
		}

		if !done {
			return decision, nil
		}
	}

	return terminalDecision(engine.Complete, result, errs)
}

func scheduleCapacityRead(activityID, namespace string) (engine.Decision, error) {
	input, err := json.Marshal(models.GetCapacityStateInput{Namespace: namespace})
	if err != nil {
		return engine.Decision{}, fmt.Errorf("failed to encode capacity read input: %w", err)
	}

	return engine.ScheduleActivity(models.ActivityInvocation{
		ActivityID: activityID,
		Name:       ActivityGetCapacityState,
		Input:      input,
		Retry:      models.DefaultRetryPolicy(),
	}), nil
}

func scheduleCapacityWrite(activityID, namespace string, mode models.CapacityMode, trus int) (engine.Decision, error) {
	input, err := json.Marshal(models.SetCapacityStateInput{
		Namespace: namespace,
		Mode:      mode,
		TRUCount:  trus,
	})
	if err != nil {
		return engine.Decision{}, fmt.Errorf("failed to encode capacity write input: %w", err)
	}

	return engine.ScheduleActivity(models.ActivityInvocation{
		ActivityID: activityID,
		Name:       ActivitySetCapacityState,
		Input:      input,
		Retry:      models.DefaultRetryPolicy(),
	}), nil
}

// notifyStep drives a failure-ignored notification activity. It returns the
// next decision until the notification has an outcome, then reports done.
func notifyStep(state *engine.RunState, activityID string, severity models.NotificationSeverity, text string) (engine.Decision, bool, error) {
	activity := state.Activity(activityID)
	if activity == nil {
		input, err := json.Marshal(models.Notification{Severity: severity, Message: text})
		if err != nil {
			return engine.Decision{}, false, fmt.Errorf("failed to encode notification: %w", err)
		}

		return engine.ScheduleActivity(models.ActivityInvocation{
			ActivityID:    activityID,
			Name:          ActivityNotify,
			Input:         input,
			Retry:         models.DefaultRetryPolicy(),
			IgnoreFailure: true,
		}), false, nil
	}

	if activity.Pending() {
		return engine.Wait(), false, nil
	}

	return engine.Decision{}, true, nil
}

// timerWait drives one durable timer to completion: start it if needed, wait
// until its fired event is in the log.
func timerWait(state *engine.RunState, timerID string, fireAt time.Time) (bool, engine.Decision) {
	timer := state.Timer(timerID)
	if timer == nil {
		return false, engine.StartTimer(timerID, fireAt.UTC())
	}

	if !timer.Fired {
		return false, engine.Wait()
	}

	return true, engine.Decision{}
}

func terminalDecision(end func(json.RawMessage, []string) engine.Decision,
	result models.ScheduledCapacityChangeResult, errs []string,
) (engine.Decision, error) {
	if errs == nil {
		errs = []string{}
	}

	result.Errors = errs

	body, err := json.Marshal(result)
	if err != nil {
		return engine.Decision{}, fmt.Errorf("failed to encode scheduled change result: %w", err)
	}

	return end(body, errs), nil
}

// effectiveEndTime resolves the provisioning window's end: the most recent
// update_end_time signal wins over the submitted input, strictly by log
// order.
func effectiveEndTime(state *engine.RunState, input models.ScheduledCapacityChangeInput) time.Time {
	end := input.EndTime.UTC()

	signal := state.LastSignal(SignalUpdateEndTime)
	if signal == nil {
		return end
	}

	var payload models.UpdateEndTimePayload
	if err := json.Unmarshal(signal.Payload, &payload); err != nil {
		return end
	}

	parsed, err := time.Parse(time.RFC3339, payload.EndTime)
	if err != nil {
		return end
	}

	return parsed.UTC()
}

func endTimerID(end time.Time) string {
	return "end_wait:" + strconv.FormatInt(end.Unix(), 10)
}

func decodeCapacityState(raw json.RawMessage) (models.CapacityState, error) {
	var state models.CapacityState
	if err := json.Unmarshal(raw, &state); err != nil {
		return models.CapacityState{}, fmt.Errorf("failed to decode capacity state: %w", err)
	}

	return state, nil
}

// ScheduledCapacityChangeState answers the state query with the stage flags
// assembled so far.
func ScheduledCapacityChangeState(state *engine.RunState) (json.RawMessage, error) {
	var input models.ScheduledCapacityChangeInput
	if err := json.Unmarshal(state.Input, &input); err != nil {
		return nil, fmt.Errorf("failed to decode scheduled change input: %w", err)
	}

	report := struct {
		Namespace        string     `json:"namespace"`
		DesiredTRUs      int        `json:"desired_trus"`
		EffectiveEndTime *time.Time `json:"effective_end_time,omitempty"`
		InitialChange    bool       `json:"initial_change_done"`
		Reverted         bool       `json:"reverted"`
	}{
		Namespace:   input.Namespace,
		DesiredTRUs: input.DesiredTRUs,
	}

	if input.EndTime != nil {
		end := effectiveEndTime(state, input)
		report.EffectiveEndTime = &end
	}

	if enable := state.Activity(enableID); enable != nil && enable.Succeeded() {
		report.InitialChange = true
	}

	if disable := state.Activity(disableID); disable != nil && disable.Succeeded() {
		report.Reverted = true
	}

	return json.Marshal(report)
}
