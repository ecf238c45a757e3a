package timer

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lainie-ftw/capflow/pkg/eventbus"
	"github.com/lainie-ftw/capflow/pkg/events"
	"github.com/lainie-ftw/capflow/pkg/models"
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

func newServiceForTest(t *testing.T) (*Service, *memory.Store, *stubBus) {
	t.Helper()

	store := memory.NewStore()
	bus := &stubBus{}
	service := NewService(store, nil, bus, time.Minute, "worker-test")

	require.NoError(t, store.CreateRun(context.Background(), &models.WorkflowRun{
		ID:        "run-1",
		Type:      models.WorkflowTypeScheduledCapacityChange,
		Status:    models.RunStatusRunning,
		CreatedAt: time.Now().UTC(),
	}))

	return service, store, bus
}

func firedEvents(t *testing.T, store *memory.Store) []events.TimerFired {
	t.Helper()

	log, err := store.ReadEvents(context.Background(), "run-1", 1)
	require.NoError(t, err)

	var fired []events.TimerFired

	for _, ev := range log {
		if ev.Kind != events.TimerFiredKind {
			continue
		}

		var payload events.TimerFired
		require.NoError(t, events.Decode(*ev, &payload))
		fired = append(fired, payload)
	}

	return fired
}

func TestSweepFiresOnlyDueTimers(t *testing.T) {
	service, store, bus := newServiceForTest(t)
	ctx := context.Background()

	require.NoError(t, store.SaveTimer(ctx, &models.Timer{
		ID:     "due",
		RunID:  "run-1",
		FireAt: time.Now().Add(-time.Minute),
	}))
	require.NoError(t, store.SaveTimer(ctx, &models.Timer{
		ID:     "future",
		RunID:  "run-1",
		FireAt: time.Now().Add(time.Hour),
	}))

	service.Sweep(ctx)

	fired := firedEvents(t, store)
	require.Len(t, fired, 1)
	assert.Equal(t, "due", fired[0].TimerID)

	require.Len(t, bus.published, 1)
	wake, ok := bus.published[0].(events.RunAdvanceRequested)
	require.True(t, ok)
	assert.Equal(t, "run-1", wake.RunID)
	assert.Equal(t, "timer_fired", wake.Cause)

	// The fired timer is gone; the future one is still registered.
	due, err := store.DueTimers(ctx, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "future", due[0].ID)
}

func TestSweepFiresEachTimerOnce(t *testing.T) {
	service, store, _ := newServiceForTest(t)
	ctx := context.Background()

	require.NoError(t, store.SaveTimer(ctx, &models.Timer{
		ID:     "once",
		RunID:  "run-1",
		FireAt: time.Now().Add(-time.Second),
	}))

	service.Sweep(ctx)
	service.Sweep(ctx)

	assert.Len(t, firedEvents(t, store), 1)
}

// appendBlockedStore refuses appends while blocked, simulating an event log
// outage during a sweep.
type appendBlockedStore struct {
	*memory.Store
	blocked bool
}

func (s *appendBlockedStore) AppendEvents(ctx context.Context, runID string, expectedNext uint64, evs []*events.Event) (uint64, error) {
	if s.blocked {
		return 0, fmt.Errorf("log unavailable")
	}

	return s.Store.AppendEvents(ctx, runID, expectedNext, evs)
}

func TestSweepRestoresTimerWhenAppendFails(t *testing.T) {
	inner := memory.NewStore()
	store := &appendBlockedStore{Store: inner, blocked: true}
	bus := &stubBus{}
	service := NewService(store, nil, bus, time.Minute, "worker-test")
	ctx := context.Background()

	require.NoError(t, inner.CreateRun(ctx, &models.WorkflowRun{
		ID:        "run-1",
		Type:      models.WorkflowTypeScheduledCapacityChange,
		Status:    models.RunStatusRunning,
		CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, store.SaveTimer(ctx, &models.Timer{
		ID:     "due",
		RunID:  "run-1",
		FireAt: time.Now().Add(-time.Minute),
	}))

	service.Sweep(ctx)

	// Nothing durable happened, and the timer is back in the index rather
	// than stranded behind a won fire claim.
	assert.Empty(t, firedEvents(t, inner))
	assert.Empty(t, bus.published)

	due, err := store.DueTimers(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "due", due[0].ID)

	// Once the log is reachable again the next sweep fires it.
	store.blocked = false
	service.Sweep(ctx)

	fired := firedEvents(t, inner)
	require.Len(t, fired, 1)
	assert.Equal(t, "due", fired[0].TimerID)
	require.Len(t, bus.published, 1)
}

func TestCancelRemovesPendingTimer(t *testing.T) {
	service, store, _ := newServiceForTest(t)
	ctx := context.Background()

	require.NoError(t, store.SaveTimer(ctx, &models.Timer{
		ID:     "pending",
		RunID:  "run-1",
		FireAt: time.Now().Add(time.Hour),
	}))

	require.NoError(t, service.Cancel(ctx, "pending"))

	service.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	service.Sweep(ctx)

	assert.Empty(t, firedEvents(t, store))
}

func TestStartSweepsOnInterval(t *testing.T) {
	service, store, _ := newServiceForTest(t)
	service.interval = 10 * time.Millisecond

	require.NoError(t, store.SaveTimer(context.Background(), &models.Timer{
		ID:     "due",
		RunID:  "run-1",
		FireAt: time.Now().Add(-time.Second),
	}))

	service.Start(context.Background())
	defer service.Stop()

	require.Eventually(t, func() bool {
		log, err := store.ReadEvents(context.Background(), "run-1", 1)

		return err == nil && len(log) == 1
	}, time.Second, 10*time.Millisecond)
}
