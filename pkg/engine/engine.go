// Package engine drives workflow runs by replaying their event logs,
// deriving the next decision, and logging each intent before acting on it.
// Workers coordinate only through append conflicts on the log; whichever
// worker appends first owns the cycle.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/lainie-ftw/capflow/pkg/eventbus"
	"github.com/lainie-ftw/capflow/pkg/events"
	"github.com/lainie-ftw/capflow/pkg/log"
	"github.com/lainie-ftw/capflow/pkg/models"
	"github.com/lainie-ftw/capflow/pkg/otelhelper"
	"github.com/lainie-ftw/capflow/pkg/persistence"
)

// maxConflictRetries bounds how often one Advance call re-reads after losing
// an append race before giving up and waiting for the next wake.
const maxConflictRetries = 10

// ActivityDispatcher hands a logged invocation to an executor. Dispatch must
// be asynchronous: the outcome arrives later as an appended event, never as a
// return value.
type ActivityDispatcher interface {
	Dispatch(ctx context.Context, invocation models.ActivityInvocation) error
}

type Engine struct {
	store    persistence.Store
	timers   persistence.TimerStore
	bus      eventbus.EventBus
	dispatch ActivityDispatcher
	deciders Deciders
	tracer   trace.Tracer
	logger   *slog.Logger
	workerID string
	now      func() time.Time

	// Side effects issued by this process, keyed by run then intent. A
	// claimed intent is not re-issued on later wakes; claims are released
	// when the issue fails and forgotten when the run finishes.
	dispatched claims
	registered claims
}

// claims is a per-process set of issued intent side effects.
type claims struct {
	mu   sync.Mutex
	seen map[string]map[string]struct{}
}

// claim records the intent and reports whether the caller is the first to do
// so in this process.
func (c *claims) claim(runID, id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.seen == nil {
		c.seen = make(map[string]map[string]struct{})
	}

	ids := c.seen[runID]
	if ids == nil {
		ids = make(map[string]struct{})
		c.seen[runID] = ids
	}

	if _, taken := ids[id]; taken {
		return false
	}

	ids[id] = struct{}{}

	return true
}

func (c *claims) release(runID, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.seen[runID], id)
}

func (c *claims) forget(runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.seen, runID)
}

func New(store persistence.Store, timers persistence.TimerStore, bus eventbus.EventBus,
	dispatcher ActivityDispatcher, deciders Deciders, tracer trace.Tracer, workerID string,
) (*Engine, error) {
	if err := deciders.Validate(); err != nil {
		return nil, fmt.Errorf("invalid decider registry: %w", err)
	}

	if timers == nil {
		timers = store
	}

	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("engine")
	}

	return &Engine{
		store:    store,
		timers:   timers,
		bus:      bus,
		dispatch: dispatcher,
		deciders: deciders,
		tracer:   tracer,
		logger:   log.WithModule("engine").With("worker_id", workerID),
		workerID: workerID,
		now:      time.Now,
	}, nil
}

// AttachTo registers the engine's wake handlers on the bus. Both submission
// and advance notifications drive the same cycle; the log decides what, if
// anything, is left to do.
func (e *Engine) AttachTo(subscriber eventbus.NotificationSubscriber) {
	handler := func(ctx context.Context, notification events.Notification) error {
		return e.Advance(ctx, notification.GetRunID())
	}

	subscriber.Handle(events.RunSubmittedNotification, handler)
	subscriber.Handle(events.RunAdvanceRequestedNotification, handler)
}

// Advance drives decision cycles for the run until it has nothing left to do:
// the decider waits on a pending activity or timer, or the run is terminal.
// Losing an append race to another worker re-reads and retries; a determinism
// violation quarantines the run and returns a QuarantineError.
func (e *Engine) Advance(ctx context.Context, runID string) error {
	conflicts := 0

	for {
		progressed, err := e.cycle(ctx, runID)

		switch {
		case err == nil && progressed:
			conflicts = 0

			continue
		case err == nil:
			return nil
		case persistence.IsConflict(err):
			conflicts++
			if conflicts >= maxConflictRetries {
				return fmt.Errorf("run %s: gave up after %d append conflicts: %w", runID, conflicts, err)
			}

			continue
		default:
			return err
		}
	}
}

// cycle performs one read → replay → decide → log intent → act pass.
// It reports whether it made progress, meaning the caller should run another
// cycle against the fresh log.
func (e *Engine) cycle(ctx context.Context, runID string) (bool, error) {
	run, err := e.store.Run(ctx, runID)
	if err != nil {
		return false, err
	}

	if run.Status.Terminal() {
		return false, nil
	}

	decider, err := e.deciders.For(run.Type)
	if err != nil {
		return false, err
	}

	history, err := e.store.ReadEvents(ctx, runID, 1)
	if err != nil {
		return false, err
	}

	state, diverged, err := Replay(run, history, decider)
	if err != nil {
		return false, err
	}

	if diverged != nil {
		return false, e.quarantine(ctx, run, state, diverged)
	}

	if state.Terminal() {
		// The terminal event is logged but the run record was not updated
		// before a crash. Finish the bookkeeping now.
		return false, e.finalize(ctx, run, state)
	}

	if err := e.recoverPending(ctx, run, state); err != nil {
		return false, err
	}

	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "engine.decide",
		attribute.String(otelhelper.RunIDKey, run.ID),
		attribute.String(otelhelper.WorkflowTypeKey, string(run.Type)),
		attribute.Int64(otelhelper.SequenceKey, int64(state.NextSequence)),
	)
	defer span.End()

	decision, err := decider(state)
	if err != nil {
		otelhelper.SetError(span, err)

		return false, fmt.Errorf("run %s: decision at sequence %d: %w", run.ID, state.NextSequence, err)
	}

	return e.perform(ctx, run, state, decision)
}

// perform logs the decision's intent and executes its side effect. The intent
// append always comes first: recovery after a crash between the two re-derives
// the same intent from the log instead of re-deciding.
func (e *Engine) perform(ctx context.Context, run *models.WorkflowRun, state *RunState, decision Decision) (bool, error) {
	switch decision.Kind {
	case DecisionWait:
		return false, nil

	case DecisionScheduleActivity:
		invocation := *decision.Activity
		invocation.RunID = run.ID

		intent, err := events.New(e.bus.GenerateID(), run.ID, &events.ActivityScheduled{
			Invocation: invocation,
			DecidedAt:  e.now().UTC(),
		}, e.now().UTC())
		if err != nil {
			return false, err
		}

		lastSeq, err := e.store.AppendEvents(ctx, run.ID, state.NextSequence, []*events.Event{&intent})
		if err != nil {
			return false, err
		}

		e.updateCursor(ctx, run, lastSeq)

		e.logger.Info("activity scheduled",
			"run_id", run.ID, "activity_id", invocation.ActivityID, "activity", invocation.Name)

		// The next cycle dispatches the invocation off the replayed log, the
		// same path a recovering worker takes.
		return true, nil

	case DecisionStartTimer:
		return e.performStartTimer(ctx, run, state, decision.Timer)

	case DecisionRecordCheckpoint:
		checkpoint, err := events.New(e.bus.GenerateID(), run.ID, &events.ProgressCheckpoint{
			Processed: decision.Checkpoint.Processed,
			Total:     decision.Checkpoint.Total,
			Note:      decision.Checkpoint.Note,
		}, e.now().UTC())
		if err != nil {
			return false, err
		}

		lastSeq, err := e.store.AppendEvents(ctx, run.ID, state.NextSequence, []*events.Event{&checkpoint})
		if err != nil {
			return false, err
		}

		e.updateCursor(ctx, run, lastSeq)

		return true, nil

	case DecisionComplete, DecisionFail:
		return false, e.performTerminal(ctx, run, state, decision)

	default:
		return false, fmt.Errorf("run %s: unknown decision kind %s", run.ID, decision.Kind)
	}
}

// performStartTimer logs the timer intent and registers the durable timer. A
// fire time already in the past is resolved once, here: the fired fact is
// appended in the same batch and no timer is registered, so replay never
// consults the clock.
func (e *Engine) performStartTimer(ctx context.Context, run *models.WorkflowRun, state *RunState, timer *TimerDecision) (bool, error) {
	now := e.now().UTC()

	intent, err := events.New(e.bus.GenerateID(), run.ID, &events.TimerStarted{
		TimerID:   timer.TimerID,
		FireAt:    timer.FireAt,
		DecidedAt: now,
	}, now)
	if err != nil {
		return false, err
	}

	batch := []*events.Event{&intent}
	pastDue := !timer.FireAt.After(now)

	if pastDue {
		fired, err := events.New(e.bus.GenerateID(), run.ID, &events.TimerFired{
			TimerID:   timer.TimerID,
			FiredAt:   now,
			Immediate: true,
		}, now)
		if err != nil {
			return false, err
		}

		batch = append(batch, &fired)
	}

	lastSeq, err := e.store.AppendEvents(ctx, run.ID, state.NextSequence, batch)
	if err != nil {
		return false, err
	}

	e.updateCursor(ctx, run, lastSeq)

	if pastDue {
		e.logger.Info("timer already due, fired immediately", "run_id", run.ID, "timer_id", timer.TimerID)
	} else {
		e.logger.Info("timer started", "run_id", run.ID, "timer_id", timer.TimerID, "fire_at", timer.FireAt)
	}

	// The next cycle registers the durable timer off the replayed log, the
	// same path a recovering worker takes.
	return true, nil
}

// recoverPending issues the side effects of every logged intent without a
// recorded outcome: pending activities are dispatched, unfired timers are
// registered. All side effects flow through here, derived from the log rather
// than the in-memory decision, so a crash between appending an intent and
// acting on it heals on the next wake. Claims keep the issue to once per
// intent per process; across processes the executor's recorded-outcome check
// and insert-if-absent timer registration bound the overlap.
func (e *Engine) recoverPending(ctx context.Context, run *models.WorkflowRun, state *RunState) error {
	for _, activity := range state.Activities {
		if activity.Done {
			continue
		}

		id := activity.Invocation.ActivityID
		if !e.dispatched.claim(run.ID, id) {
			continue
		}

		if err := e.dispatch.Dispatch(ctx, activity.Invocation); err != nil {
			e.dispatched.release(run.ID, id)
			e.logger.Error("activity dispatch failed, will retry on next wake",
				"run_id", run.ID, "activity_id", id, "error", err)

			continue
		}

		e.logger.Info("activity dispatched",
			"run_id", run.ID, "activity_id", id, "activity", activity.Invocation.Name)
	}

	for _, timer := range state.Timers {
		if timer.Fired {
			continue
		}

		if !e.registered.claim(run.ID, timer.TimerID) {
			continue
		}

		err := e.timers.SaveTimer(ctx, &models.Timer{
			ID:     timer.TimerID,
			RunID:  run.ID,
			FireAt: timer.FireAt,
		})
		if err != nil {
			e.registered.release(run.ID, timer.TimerID)

			return fmt.Errorf("run %s: failed to register timer %s: %w", run.ID, timer.TimerID, err)
		}

		e.logger.Info("timer registered", "run_id", run.ID, "timer_id", timer.TimerID, "fire_at", timer.FireAt)
	}

	return nil
}

func (e *Engine) performTerminal(ctx context.Context, run *models.WorkflowRun, state *RunState, decision Decision) error {
	var payload events.Payload
	if decision.Kind == DecisionComplete {
		payload = &events.RunCompleted{Result: decision.Result, Errors: decision.Errors}
	} else {
		payload = &events.RunFailed{Result: decision.Result, Errors: decision.Errors}
	}

	terminal, err := events.New(e.bus.GenerateID(), run.ID, payload, e.now().UTC())
	if err != nil {
		return err
	}

	lastSeq, err := e.store.AppendEvents(ctx, run.ID, state.NextSequence, []*events.Event{&terminal})
	if err != nil {
		return err
	}

	state.NextSequence = lastSeq + 1
	if err := state.apply(&events.Event{
		SequenceNumber: lastSeq,
		Kind:           terminal.Kind,
		Payload:        terminal.Payload,
		Timestamp:      terminal.Timestamp,
	}); err != nil {
		return err
	}

	return e.finalize(ctx, run, state)
}

// finalize carries a log-terminal status onto the run record and announces the
// run on the bus. Safe to repeat: the record update is idempotent.
func (e *Engine) finalize(ctx context.Context, run *models.WorkflowRun, state *RunState) error {
	now := e.now().UTC()

	run.Status = state.Status
	run.Result = state.Result
	run.Errors = state.Errors
	run.Cursor = state.NextSequence - 1
	run.CompletedAt = &now

	if err := e.store.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("run %s: failed to finalize: %w", run.ID, err)
	}

	e.dispatched.forget(run.ID)
	e.registered.forget(run.ID)

	e.logger.Info("run finished", "run_id", run.ID, "workflow_type", run.Type, "status", run.Status)

	if e.bus == nil {
		return nil
	}

	notification := events.RunFinished{
		BaseNotification: events.BaseNotification{
			ID:        e.bus.GenerateID(),
			RunID:     run.ID,
			Timestamp: now,
			WorkerID:  e.workerID,
		},
		WorkflowType: run.Type,
		Status:       run.Status,
		Errors:       run.Errors,
	}

	if err := e.bus.Publish(ctx, notification); err != nil {
		e.logger.Warn("failed to publish run finished", "run_id", run.ID, "error", err)
	}

	return nil
}

// quarantine parks a run whose replay diverged from its recorded history. The
// quarantine event is appended best-effort; the run record is authoritative.
func (e *Engine) quarantine(ctx context.Context, run *models.WorkflowRun, state *RunState, diverged *QuarantineError) error {
	e.logger.Error("replay diverged from recorded history",
		"run_id", run.ID, "sequence", diverged.Sequence, "reason", diverged.Reason)

	quarantined, err := events.New(e.bus.GenerateID(), run.ID, &events.RunQuarantined{
		Reason:           diverged.Reason,
		DivergedSequence: diverged.Sequence,
	}, e.now().UTC())
	if err == nil {
		lastSeq, appendErr := e.store.AppendEvents(ctx, run.ID, state.NextSequence, []*events.Event{&quarantined})
		if appendErr != nil {
			e.logger.Warn("failed to append quarantine event", "run_id", run.ID, "error", appendErr)
		} else {
			state.NextSequence = lastSeq + 1
		}
	}

	state.Status = models.RunStatusQuarantined

	if err := e.finalize(ctx, run, state); err != nil {
		return errors.Join(diverged, err)
	}

	return diverged
}

func (e *Engine) updateCursor(ctx context.Context, run *models.WorkflowRun, lastSeq uint64) {
	run.Cursor = lastSeq

	if err := e.store.UpdateRun(ctx, run); err != nil {
		e.logger.Warn("failed to update run cursor", "run_id", run.ID, "error", err)
	}
}
