package persistence

import (
	"context"
	"time"

	"github.com/lainie-ftw/capflow/pkg/events"
	"github.com/lainie-ftw/capflow/pkg/models"
)

// RunFilter selects runs from the store. Zero values mean "no filter".
type RunFilter struct {
	Type   models.WorkflowType
	Status models.RunStatus
}

// TimerStore is the durable timer index swept by the timer service. The main
// Store satisfies it; a Redis sorted set can stand in for deployments that
// want sweeps off the primary database.
type TimerStore interface {
	// SaveTimer registers a timer if no timer with the ID exists yet.
	// Registration is idempotent: re-saving an existing timer, fired or
	// not, leaves it untouched, so recovery can re-issue registrations
	// straight from the log.
	SaveTimer(ctx context.Context, timer *models.Timer) error

	// DueTimers returns unfired timers with fire_at <= now.
	DueTimers(ctx context.Context, now time.Time) ([]*models.Timer, error)

	// MarkTimerFired flips the fired flag with compare-and-set semantics and
	// reports whether this caller won. Concurrent sweepers agree on exactly
	// one winner.
	MarkTimerFired(ctx context.Context, timerID string) (bool, error)

	// DeleteTimer removes a timer. Idempotent.
	DeleteTimer(ctx context.Context, timerID string) error
}

// Store is the single source of truth for workflow runs. Engines on
// different processes coordinate solely through AppendEvents conflict
// detection; there is no cross-process lock.
type Store interface {
	CreateRun(ctx context.Context, run *models.WorkflowRun) error
	Run(ctx context.Context, id string) (*models.WorkflowRun, error)
	Runs(ctx context.Context, filter RunFilter) ([]*models.WorkflowRun, error)
	UpdateRun(ctx context.Context, run *models.WorkflowRun) error

	// AppendEvents appends events to the run's log in order, assigning
	// sequence numbers starting at expectedNext. Returns ErrConflict if the
	// log has moved past expectedNext. Once it returns, the events are
	// visible to every subsequent ReadEvents call, surviving restart.
	AppendEvents(ctx context.Context, runID string, expectedNext uint64, evs []*events.Event) (uint64, error)

	// ReadEvents returns the run's events with sequence number >= fromSeq,
	// ordered by sequence number.
	ReadEvents(ctx context.Context, runID string, fromSeq uint64) ([]*events.Event, error)

	TimerStore

	// PurgeTerminalRuns deletes runs (and their logs and timers) that
	// reached a terminal status before the cutoff. Returns how many runs
	// were removed.
	PurgeTerminalRuns(ctx context.Context, cutoff time.Time) (int, error)

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}
