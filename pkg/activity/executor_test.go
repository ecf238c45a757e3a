package activity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lainie-ftw/capflow/pkg/eventbus"
	"github.com/lainie-ftw/capflow/pkg/events"
	"github.com/lainie-ftw/capflow/pkg/models"
	"github.com/lainie-ftw/capflow/pkg/persistence"
	"github.com/lainie-ftw/capflow/pkg/persistence/memory"
)

type stubBus struct {
	mu        sync.Mutex
	counter   int
	published []events.Notification
}

func (b *stubBus) Publish(_ context.Context, notification events.Notification) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.published = append(b.published, notification)

	return nil
}

func (b *stubBus) Handle(events.NotificationType, eventbus.NotificationHandler) {}
func (b *stubBus) Subscribe(context.Context) error                              { return nil }
func (b *stubBus) Close() error                                                 { return nil }

func (b *stubBus) GenerateID() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.counter++

	return fmt.Sprintf("ev-%d", b.counter)
}

func newExecutorForTest(t *testing.T, handlers Handlers) (*Executor, *memory.Store, *stubBus, *[]time.Duration) {
	t.Helper()

	store := memory.NewStore()
	bus := &stubBus{}

	executor, err := NewExecutor(store, bus, handlers, nil, "worker-test")
	require.NoError(t, err)

	sleeps := &[]time.Duration{}
	executor.sleep = func(_ context.Context, d time.Duration) error {
		*sleeps = append(*sleeps, d)

		return nil
	}

	run := &models.WorkflowRun{
		ID:        "run-1",
		Type:      models.WorkflowTypeBulkAnalysis,
		Status:    models.RunStatusRunning,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.CreateRun(context.Background(), run))

	return executor, store, bus, sleeps
}

func invocationFor(name string, policy models.RetryPolicy) models.ActivityInvocation {
	return models.ActivityInvocation{
		RunID:      "run-1",
		ActivityID: "step-1",
		Name:       name,
		Input:      json.RawMessage(`{}`),
		Retry:      policy,
	}
}

func readLog(t *testing.T, store *memory.Store) []*events.Event {
	t.Helper()

	log, err := store.ReadEvents(context.Background(), "run-1", 1)
	require.NoError(t, err)

	return log
}

func TestExecuteRetriesUntilSuccess(t *testing.T) {
	calls := 0
	handlers := Handlers{
		"flaky": func(context.Context, json.RawMessage) (json.RawMessage, error) {
			calls++
			if calls < 3 {
				return nil, Transient(errors.New("connection reset"))
			}

			return json.RawMessage(`{"ok":true}`), nil
		},
	}

	executor, store, bus, sleeps := newExecutorForTest(t, handlers)
	policy := models.RetryPolicy{MaxAttempts: 3, BackoffBase: time.Second, BackoffCap: 30 * time.Second}

	executor.Execute(context.Background(), invocationFor("flaky", policy))

	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *sleeps)

	log := readLog(t, store)
	require.Len(t, log, 3)
	assert.Equal(t, events.ActivityAttemptFailedKind, log[0].Kind)
	assert.Equal(t, events.ActivityAttemptFailedKind, log[1].Kind)
	assert.Equal(t, events.ActivityCompletedKind, log[2].Kind)

	var firstAttempt events.ActivityAttemptFailed
	require.NoError(t, events.Decode(*log[0], &firstAttempt))
	assert.Equal(t, 1, firstAttempt.Attempt)
	assert.True(t, firstAttempt.WillRetry)
	assert.Equal(t, time.Second, firstAttempt.Backoff)

	var completed events.ActivityCompleted
	require.NoError(t, events.Decode(*log[2], &completed))
	assert.Equal(t, 3, completed.Attempts)
	assert.JSONEq(t, `{"ok":true}`, string(completed.Result))

	require.NotEmpty(t, bus.published)
	wake, ok := bus.published[len(bus.published)-1].(events.RunAdvanceRequested)
	require.True(t, ok)
	assert.Equal(t, "run-1", wake.RunID)
	assert.Equal(t, "activity_completed", wake.Cause)
}

func TestExecuteExhaustsRetryBudget(t *testing.T) {
	handlers := Handlers{
		"broken": func(context.Context, json.RawMessage) (json.RawMessage, error) {
			return nil, errors.New("always down")
		},
	}

	executor, store, bus, _ := newExecutorForTest(t, handlers)
	policy := models.RetryPolicy{MaxAttempts: 2, BackoffBase: time.Millisecond}

	executor.Execute(context.Background(), invocationFor("broken", policy))

	log := readLog(t, store)
	require.Len(t, log, 3)
	assert.Equal(t, events.ActivityFailedKind, log[2].Kind)

	var lastAttempt events.ActivityAttemptFailed
	require.NoError(t, events.Decode(*log[1], &lastAttempt))
	assert.False(t, lastAttempt.WillRetry)

	var failed events.ActivityFailed
	require.NoError(t, events.Decode(*log[2], &failed))
	assert.Equal(t, 2, failed.Attempts)
	assert.Contains(t, failed.Error, "always down")

	wake, ok := bus.published[len(bus.published)-1].(events.RunAdvanceRequested)
	require.True(t, ok)
	assert.Equal(t, "activity_failed", wake.Cause)
}

func TestExecuteFatalErrorSkipsRemainingRetries(t *testing.T) {
	calls := 0
	handlers := Handlers{
		"rejected": func(context.Context, json.RawMessage) (json.RawMessage, error) {
			calls++

			return nil, Fatal(errors.New("bad credentials"))
		},
	}

	executor, store, _, sleeps := newExecutorForTest(t, handlers)
	policy := models.RetryPolicy{MaxAttempts: 5, BackoffBase: time.Second}

	executor.Execute(context.Background(), invocationFor("rejected", policy))

	assert.Equal(t, 1, calls)
	assert.Empty(t, *sleeps)

	log := readLog(t, store)
	require.Len(t, log, 2)
	assert.Equal(t, events.ActivityAttemptFailedKind, log[0].Kind)
	assert.Equal(t, events.ActivityFailedKind, log[1].Kind)

	var failed events.ActivityFailed
	require.NoError(t, events.Decode(*log[1], &failed))
	assert.Equal(t, 1, failed.Attempts)
}

func TestExecuteSkipsAlreadyRecordedOutcome(t *testing.T) {
	calls := 0
	handlers := Handlers{
		"noop": func(context.Context, json.RawMessage) (json.RawMessage, error) {
			calls++

			return nil, nil
		},
	}

	executor, store, _, _ := newExecutorForTest(t, handlers)

	// A previous worker already recorded the outcome before crashing.
	prior, err := events.New("prior", "run-1", &events.ActivityCompleted{
		ActivityID: "step-1",
		Attempts:   1,
	}, time.Now().UTC())
	require.NoError(t, err)

	_, err = persistence.AppendAtTail(context.Background(), store, "run-1", &prior)
	require.NoError(t, err)

	executor.Execute(context.Background(), invocationFor("noop", models.DefaultRetryPolicy()))

	assert.Zero(t, calls)
	assert.Len(t, readLog(t, store), 1)
}

func TestDispatchRejectsUnknownActivity(t *testing.T) {
	handlers := Handlers{
		"known": func(context.Context, json.RawMessage) (json.RawMessage, error) {
			return nil, nil
		},
	}

	executor, _, _, _ := newExecutorForTest(t, handlers)

	err := executor.Dispatch(context.Background(), invocationFor("unknown", models.DefaultRetryPolicy()))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownActivity)
}

func TestDispatchRunsInBackground(t *testing.T) {
	done := make(chan struct{})
	handlers := Handlers{
		"slow": func(context.Context, json.RawMessage) (json.RawMessage, error) {
			close(done)

			return nil, nil
		},
	}

	executor, store, _, _ := newExecutorForTest(t, handlers)

	require.NoError(t, executor.Dispatch(context.Background(), invocationFor("slow", models.DefaultRetryPolicy())))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler never ran")
	}

	executor.Wait()
	require.Len(t, readLog(t, store), 1)
	assert.Equal(t, events.ActivityCompletedKind, readLog(t, store)[0].Kind)
}
