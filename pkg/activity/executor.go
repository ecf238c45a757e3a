// Package activity executes scheduled invocations against their handlers,
// honoring per-invocation deadlines and retry policies. Every attempt leaves
// a trace in the owning run's log; the final outcome is what deciders see.
package activity

import (
	"context"
	"encoding/json"
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

// Handler executes one activity attempt. The context carries the
// invocation's deadline; handlers must respect it.
type Handler func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)

// Handlers is the closed registry of activity handlers, keyed by the names
// deciders schedule.
type Handlers map[string]Handler

func (h Handlers) Validate() error {
	if len(h) == 0 {
		return fmt.Errorf("no activity handlers registered")
	}

	for name, handler := range h {
		if handler == nil {
			return fmt.Errorf("nil handler for activity %s", name)
		}
	}

	return nil
}

type Executor struct {
	store    persistence.Store
	bus      eventbus.EventBus
	handlers Handlers
	tracer   trace.Tracer
	logger   *slog.Logger
	workerID string
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error

	wg sync.WaitGroup
}

func NewExecutor(store persistence.Store, bus eventbus.EventBus, handlers Handlers,
	tracer trace.Tracer, workerID string,
) (*Executor, error) {
	if err := handlers.Validate(); err != nil {
		return nil, fmt.Errorf("invalid handler registry: %w", err)
	}

	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("activity")
	}

	return &Executor{
		store:    store,
		bus:      bus,
		handlers: handlers,
		tracer:   tracer,
		logger:   log.WithModule("activity").With("worker_id", workerID),
		workerID: workerID,
		now:      time.Now,
		sleep:    sleepContext,
	}, nil
}

// Dispatch runs the invocation in the background and returns immediately.
// The outcome reaches the engine as an appended event plus a wake, never as a
// return value. The invocation's lifetime is detached from the caller's
// context; only its own deadline bounds it.
func (e *Executor) Dispatch(ctx context.Context, invocation models.ActivityInvocation) error {
	if _, exists := e.handlers[invocation.Name]; !exists {
		return fmt.Errorf("%w: %s", ErrUnknownActivity, invocation.Name)
	}

	detached := context.WithoutCancel(ctx)

	e.wg.Add(1)

	go func() {
		defer e.wg.Done()

		e.Execute(detached, invocation)
	}()

	return nil
}

// Wait blocks until every dispatched invocation has recorded its outcome.
func (e *Executor) Wait() {
	e.wg.Wait()
}

// Execute runs the invocation synchronously through its retry budget and
// appends the final outcome. Re-executing an invocation whose outcome is
// already logged is a no-op, which keeps recovery at most-once per intent.
func (e *Executor) Execute(ctx context.Context, invocation models.ActivityInvocation) {
	ctx, span := e.startSpan(ctx, invocation)
	defer span.End()

	done, err := e.alreadyRecorded(ctx, invocation)
	if err != nil {
		e.logger.Error("failed to check activity outcome",
			"run_id", invocation.RunID, "activity_id", invocation.ActivityID, "error", err)

		return
	}

	if done {
		e.logger.Debug("activity outcome already recorded, skipping",
			"run_id", invocation.RunID, "activity_id", invocation.ActivityID)

		return
	}

	handler := e.handlers[invocation.Name]
	policy := invocation.Retry

	if policy.MaxAttempts < 1 {
		policy = models.DefaultRetryPolicy()
	}

	var lastErr error

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if backoff := policy.Backoff(attempt); backoff > 0 {
			if err := e.sleep(ctx, backoff); err != nil {
				lastErr = err

				break
			}
		}

		result, err := e.attempt(ctx, handler, invocation, attempt)
		if err == nil {
			e.recordOutcome(ctx, invocation, &events.ActivityCompleted{
				ActivityID: invocation.ActivityID,
				Result:     result,
				Attempts:   attempt,
			}, "completed")

			return
		}

		lastErr = err
		willRetry := attempt < policy.MaxAttempts && !IsFatal(err) && !e.pastDeadline(invocation)

		e.appendEvent(ctx, invocation.RunID, &events.ActivityAttemptFailed{
			ActivityID: invocation.ActivityID,
			Attempt:    attempt,
			Error:      err.Error(),
			WillRetry:  willRetry,
			Backoff:    policy.Backoff(attempt + 1),
		})

		e.logger.Warn("activity attempt failed",
			"run_id", invocation.RunID, "activity_id", invocation.ActivityID,
			"activity", invocation.Name, "attempt", attempt, "will_retry", willRetry, "error", err)

		if !willRetry {
			e.recordOutcome(ctx, invocation, &events.ActivityFailed{
				ActivityID: invocation.ActivityID,
				Error:      lastErr.Error(),
				Attempts:   attempt,
			}, "failed")

			return
		}
	}

	e.recordOutcome(ctx, invocation, &events.ActivityFailed{
		ActivityID: invocation.ActivityID,
		Error:      lastErr.Error(),
		Attempts:   policy.MaxAttempts,
	}, "failed")
}

func (e *Executor) attempt(ctx context.Context, handler Handler, invocation models.ActivityInvocation, attempt int) (json.RawMessage, error) {
	actx := ctx

	if !invocation.Deadline.IsZero() {
		var cancel context.CancelFunc

		actx, cancel = context.WithDeadline(ctx, invocation.Deadline)
		defer cancel()
	}

	_, span := e.tracer.Start(actx, "activity.attempt", trace.WithAttributes(
		attribute.String(otelhelper.ActivityIDKey, invocation.ActivityID),
		attribute.String(otelhelper.ActivityNameKey, invocation.Name),
		attribute.Int(otelhelper.AttemptKey, attempt),
	))
	defer span.End()

	return handler(actx, invocation.Input)
}

// alreadyRecorded reports whether a final outcome for the invocation is in
// the log already.
func (e *Executor) alreadyRecorded(ctx context.Context, invocation models.ActivityInvocation) (bool, error) {
	history, err := e.store.ReadEvents(ctx, invocation.RunID, 1)
	if err != nil {
		return false, err
	}

	for _, ev := range history {
		switch ev.Kind {
		case events.ActivityCompletedKind:
			var payload events.ActivityCompleted
			if err := events.Decode(*ev, &payload); err != nil {
				return false, err
			}

			if payload.ActivityID == invocation.ActivityID {
				return true, nil
			}

		case events.ActivityFailedKind:
			var payload events.ActivityFailed
			if err := events.Decode(*ev, &payload); err != nil {
				return false, err
			}

			if payload.ActivityID == invocation.ActivityID {
				return true, nil
			}
		}
	}

	return false, nil
}

// recordOutcome durably appends the final outcome, then wakes the engine.
// Late outcomes for terminal runs still land in the log; replay ignores them.
func (e *Executor) recordOutcome(ctx context.Context, invocation models.ActivityInvocation, payload events.Payload, outcome string) {
	if !e.appendEvent(ctx, invocation.RunID, payload) {
		return
	}

	e.logger.Info("activity "+outcome,
		"run_id", invocation.RunID, "activity_id", invocation.ActivityID, "activity", invocation.Name)

	e.publishWake(ctx, invocation.RunID, "activity_"+outcome)
}

// appendEvent appends a single event at the current log tail, racing signals
// and timer fires for the sequence number.
func (e *Executor) appendEvent(ctx context.Context, runID string, payload events.Payload) bool {
	ev, err := events.New(e.bus.GenerateID(), runID, payload, e.now().UTC())
	if err != nil {
		e.logger.Error("failed to encode event", "run_id", runID, "error", err)

		return false
	}

	if _, err := persistence.AppendAtTail(ctx, e.store, runID, &ev); err != nil {
		e.logger.Error("failed to append event", "run_id", runID, "kind", payload.EventKind(), "error", err)

		return false
	}

	return true
}

func (e *Executor) publishWake(ctx context.Context, runID, cause string) {
	if e.bus == nil {
		return
	}

	notification := events.RunAdvanceRequested{
		BaseNotification: events.BaseNotification{
			ID:        e.bus.GenerateID(),
			RunID:     runID,
			Timestamp: e.now().UTC(),
			WorkerID:  e.workerID,
		},
		Cause: cause,
	}

	if err := e.bus.Publish(ctx, notification); err != nil {
		e.logger.Warn("failed to publish wake", "run_id", runID, "error", err)
	}
}

func (e *Executor) pastDeadline(invocation models.ActivityInvocation) bool {
	return !invocation.Deadline.IsZero() && e.now().After(invocation.Deadline)
}

func (e *Executor) startSpan(ctx context.Context, invocation models.ActivityInvocation) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, "activity.execute", trace.WithAttributes(
		attribute.String(otelhelper.RunIDKey, invocation.RunID),
		attribute.String(otelhelper.ActivityIDKey, invocation.ActivityID),
		attribute.String(otelhelper.ActivityNameKey, invocation.Name),
	))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
