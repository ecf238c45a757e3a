package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lainie-ftw/capflow/pkg/events"
	"github.com/lainie-ftw/capflow/pkg/models"
	"github.com/lainie-ftw/capflow/pkg/persistence"
)

func newRun(t *testing.T, store *Store, id string) *models.WorkflowRun {
	t.Helper()

	run := &models.WorkflowRun{
		ID:        id,
		Type:      models.WorkflowTypeBulkAnalysis,
		Status:    models.RunStatusRunning,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}

	require.NoError(t, store.CreateRun(context.Background(), run))

	return run
}

func appendOne(t *testing.T, store *Store, runID string, expectedNext uint64, payload events.Payload) uint64 {
	t.Helper()

	ev, err := events.New("ev-"+runID, runID, payload, time.Now().UTC())
	require.NoError(t, err)

	last, err := store.AppendEvents(context.Background(), runID, expectedNext, []*events.Event{&ev})
	require.NoError(t, err)

	return last
}

func TestCreateRunDuplicate(t *testing.T) {
	store := NewStore()
	run := newRun(t, store, "run-1")

	err := store.CreateRun(context.Background(), run)
	require.Error(t, err)
	assert.ErrorIs(t, err, persistence.ErrRunAlreadyExists)
}

func TestAppendEventsAssignsGaplessSequence(t *testing.T) {
	store := NewStore()
	newRun(t, store, "run-1")

	last := appendOne(t, store, "run-1", 1, &events.SignalReceived{Name: "first"})
	assert.Equal(t, uint64(1), last)

	last = appendOne(t, store, "run-1", 2, &events.SignalReceived{Name: "second"})
	assert.Equal(t, uint64(2), last)

	log, err := store.ReadEvents(context.Background(), "run-1", 1)
	require.NoError(t, err)
	require.Len(t, log, 2)
	assert.Equal(t, uint64(1), log[0].SequenceNumber)
	assert.Equal(t, uint64(2), log[1].SequenceNumber)
}

func TestAppendEventsConflictOnStaleSequence(t *testing.T) {
	store := NewStore()
	newRun(t, store, "run-1")

	appendOne(t, store, "run-1", 1, &events.SignalReceived{Name: "first"})

	// A writer that read the log before the append above will try seq 1 again.
	ev, err := events.New("ev-stale", "run-1", &events.SignalReceived{Name: "stale"}, time.Now().UTC())
	require.NoError(t, err)

	_, err = store.AppendEvents(context.Background(), "run-1", 1, []*events.Event{&ev})
	require.Error(t, err)
	assert.True(t, persistence.IsConflict(err))

	log, err := store.ReadEvents(context.Background(), "run-1", 1)
	require.NoError(t, err)
	assert.Len(t, log, 1)
}

func TestAppendEventsUnknownRun(t *testing.T) {
	store := NewStore()

	ev, err := events.New("ev-1", "missing", &events.SignalReceived{Name: "x"}, time.Now().UTC())
	require.NoError(t, err)

	_, err = store.AppendEvents(context.Background(), "missing", 1, []*events.Event{&ev})
	assert.ErrorIs(t, err, persistence.ErrRunNotFound)
}

func TestReadEventsFromOffset(t *testing.T) {
	store := NewStore()
	newRun(t, store, "run-1")

	for i := uint64(1); i <= 4; i++ {
		appendOne(t, store, "run-1", i, &events.ProgressCheckpoint{Processed: int(i)})
	}

	log, err := store.ReadEvents(context.Background(), "run-1", 3)
	require.NoError(t, err)
	require.Len(t, log, 2)
	assert.Equal(t, uint64(3), log[0].SequenceNumber)
}

func TestMarkTimerFiredIsCompareAndSwap(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	require.NoError(t, store.SaveTimer(ctx, &models.Timer{
		ID:     "timer-1",
		RunID:  "run-1",
		FireAt: time.Now().Add(-time.Minute),
	}))

	won, err := store.MarkTimerFired(ctx, "timer-1")
	require.NoError(t, err)
	assert.True(t, won)

	// Second sweeper loses the race.
	won, err = store.MarkTimerFired(ctx, "timer-1")
	require.NoError(t, err)
	assert.False(t, won)
}

func TestSaveTimerLeavesExistingTimerUntouched(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.SaveTimer(ctx, &models.Timer{ID: "t", RunID: "r", FireAt: now.Add(-time.Minute)}))

	won, err := store.MarkTimerFired(ctx, "t")
	require.NoError(t, err)
	require.True(t, won)

	// Re-registering a fired timer does not resurrect it.
	require.NoError(t, store.SaveTimer(ctx, &models.Timer{ID: "t", RunID: "r", FireAt: now.Add(-time.Minute)}))

	due, err := store.DueTimers(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestDueTimersExcludesFiredAndFuture(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.SaveTimer(ctx, &models.Timer{ID: "due", RunID: "r", FireAt: now.Add(-time.Second)}))
	require.NoError(t, store.SaveTimer(ctx, &models.Timer{ID: "future", RunID: "r", FireAt: now.Add(time.Hour)}))
	require.NoError(t, store.SaveTimer(ctx, &models.Timer{ID: "fired", RunID: "r", FireAt: now.Add(-time.Hour)}))

	_, err := store.MarkTimerFired(ctx, "fired")
	require.NoError(t, err)

	due, err := store.DueTimers(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "due", due[0].ID)
}

func TestPurgeTerminalRuns(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	old := newRun(t, store, "run-old")
	completed := time.Now().Add(-48 * time.Hour)
	old.Status = models.RunStatusCompleted
	old.CompletedAt = &completed
	require.NoError(t, store.UpdateRun(ctx, old))

	newRun(t, store, "run-live")

	purged, err := store.PurgeTerminalRuns(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	_, err = store.Run(ctx, "run-old")
	assert.ErrorIs(t, err, persistence.ErrRunNotFound)

	_, err = store.Run(ctx, "run-live")
	assert.NoError(t, err)
}
