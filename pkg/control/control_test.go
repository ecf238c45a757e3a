package control

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lainie-ftw/capflow/pkg/engine"
	"github.com/lainie-ftw/capflow/pkg/eventbus"
	"github.com/lainie-ftw/capflow/pkg/events"
	"github.com/lainie-ftw/capflow/pkg/models"
	"github.com/lainie-ftw/capflow/pkg/persistence"
	"github.com/lainie-ftw/capflow/pkg/persistence/memory"
)

const testWorkflowType models.WorkflowType = "test_workflow"

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

func newServiceForTest(t *testing.T, queries Queries) (*Service, *memory.Store, *stubBus) {
	t.Helper()

	store := memory.NewStore()
	bus := &stubBus{}

	return NewService(store, bus, queries, "api-test"), store, bus
}

func createRun(t *testing.T, store *memory.Store, id string, status models.RunStatus) {
	t.Helper()

	require.NoError(t, store.CreateRun(context.Background(), &models.WorkflowRun{
		ID:        id,
		Type:      testWorkflowType,
		Status:    status,
		CreatedAt: time.Now().UTC(),
	}))
}

func appendPayload(t *testing.T, store *memory.Store, runID string, payload events.Payload) {
	t.Helper()

	ev, err := events.New("ev", runID, payload, time.Now().UTC())
	require.NoError(t, err)

	_, err = persistence.AppendAtTail(context.Background(), store, runID, &ev)
	require.NoError(t, err)
}

func TestStatusQueryReflectsLog(t *testing.T) {
	service, store, _ := newServiceForTest(t, nil)
	createRun(t, store, "run-1", models.RunStatusRunning)

	appendPayload(t, store, "run-1", &events.ProgressCheckpoint{Processed: 5, Total: 10})
	appendPayload(t, store, "run-1", &events.RunCompleted{
		Result: json.RawMessage(`{"done":true}`),
	})

	answer, err := service.Query(context.Background(), "run-1", QueryStatus)
	require.NoError(t, err)

	var report StatusReport
	require.NoError(t, json.Unmarshal(answer, &report))
	assert.Equal(t, "run-1", report.RunID)
	assert.Equal(t, models.RunStatusCompleted, report.Status)
	assert.Equal(t, uint64(2), report.Cursor)
	assert.Equal(t, 1, report.Checkpoints)
	assert.JSONEq(t, `{"done":true}`, string(report.Result))
}

func TestNamedQueryDispatchesByWorkflowType(t *testing.T) {
	queries := Queries{
		testWorkflowType: {
			"signals": func(state *engine.RunState) (json.RawMessage, error) {
				return json.Marshal(len(state.Signals))
			},
		},
	}

	service, store, _ := newServiceForTest(t, queries)
	createRun(t, store, "run-1", models.RunStatusRunning)
	appendPayload(t, store, "run-1", &events.SignalReceived{Name: "ping"})

	answer, err := service.Query(context.Background(), "run-1", "signals")
	require.NoError(t, err)
	assert.Equal(t, "1", string(answer))

	_, err = service.Query(context.Background(), "run-1", "nope")
	assert.ErrorIs(t, err, ErrUnknownQuery)
}

func TestQueryUnknownRun(t *testing.T) {
	service, _, _ := newServiceForTest(t, nil)

	_, err := service.Query(context.Background(), "missing", QueryStatus)
	assert.True(t, persistence.IsRunNotFound(err))
}

func TestSignalAppendsAndWakes(t *testing.T) {
	service, store, bus := newServiceForTest(t, nil)
	createRun(t, store, "run-1", models.RunStatusRunning)

	payload := json.RawMessage(`{"end_time":"2026-09-01T00:00:00Z"}`)
	require.NoError(t, service.Signal(context.Background(), "run-1", "update_end_time", payload))

	log, err := store.ReadEvents(context.Background(), "run-1", 1)
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.Equal(t, events.SignalReceivedKind, log[0].Kind)

	var signal events.SignalReceived
	require.NoError(t, events.Decode(*log[0], &signal))
	assert.Equal(t, "update_end_time", signal.Name)
	assert.JSONEq(t, string(payload), string(signal.Payload))

	require.Len(t, bus.published, 1)
	wake, ok := bus.published[0].(events.RunAdvanceRequested)
	require.True(t, ok)
	assert.Equal(t, "signal", wake.Cause)
}

func TestSignalRejectsTerminalRun(t *testing.T) {
	service, store, bus := newServiceForTest(t, nil)
	createRun(t, store, "run-1", models.RunStatusCompleted)

	err := service.Signal(context.Background(), "run-1", "update_end_time", json.RawMessage(`{}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrRunTerminal)
	assert.Empty(t, bus.published)
}

func TestCancelAppendsCancellation(t *testing.T) {
	service, store, bus := newServiceForTest(t, nil)
	createRun(t, store, "run-1", models.RunStatusRunning)

	require.NoError(t, service.Cancel(context.Background(), "run-1", "window moved", "oncall"))

	log, err := store.ReadEvents(context.Background(), "run-1", 1)
	require.NoError(t, err)
	require.Len(t, log, 1)

	var cancelled events.RunCancelled
	require.NoError(t, events.Decode(*log[0], &cancelled))
	assert.Equal(t, "window moved", cancelled.Reason)
	assert.Equal(t, "oncall", cancelled.CancelledBy)

	require.Len(t, bus.published, 1)
}

func TestCancelRejectsTerminalRun(t *testing.T) {
	service, store, _ := newServiceForTest(t, nil)
	createRun(t, store, "run-1", models.RunStatusFailed)

	err := service.Cancel(context.Background(), "run-1", "", "")
	assert.ErrorIs(t, err, engine.ErrRunTerminal)
}
