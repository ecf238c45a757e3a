// Package control is the read/write surface for external callers: queries
// replay a run's log without appending, signals and cancellations append and
// wake the engine. Ordering against concurrent writers is settled entirely by
// log sequence numbers.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lainie-ftw/capflow/pkg/engine"
	"github.com/lainie-ftw/capflow/pkg/eventbus"
	"github.com/lainie-ftw/capflow/pkg/events"
	"github.com/lainie-ftw/capflow/pkg/log"
	"github.com/lainie-ftw/capflow/pkg/models"
	"github.com/lainie-ftw/capflow/pkg/persistence"
)

// QueryStatus is available for every workflow type.
const QueryStatus = "status"

// QueryFunc answers one named query from replayed state. Read-only: it must
// never mutate the state it is handed.
type QueryFunc func(state *engine.RunState) (json.RawMessage, error)

// Queries is the closed per-workflow-type query registry.
type Queries map[models.WorkflowType]map[string]QueryFunc

// ErrUnknownQuery means the workflow type has no query with that name.
var ErrUnknownQuery = fmt.Errorf("unknown query")

// StatusReport is the generic status query answer.
type StatusReport struct {
	RunID        string              `json:"run_id"`
	WorkflowType models.WorkflowType `json:"workflow_type"`
	Status       models.RunStatus    `json:"status"`
	Cursor       uint64              `json:"cursor"`
	Checkpoints  int                 `json:"checkpoints"`
	Result       json.RawMessage     `json:"result,omitempty"`
	Errors       []string            `json:"errors,omitempty"`
}

type Service struct {
	store    persistence.Store
	bus      eventbus.EventBus
	queries  Queries
	logger   *slog.Logger
	workerID string
	now      func() time.Time
}

func NewService(store persistence.Store, bus eventbus.EventBus, queries Queries, workerID string) *Service {
	return &Service{
		store:    store,
		bus:      bus,
		queries:  queries,
		logger:   log.WithModule("control"),
		workerID: workerID,
		now:      time.Now,
	}
}

// Query replays the run read-only and answers the named query. Available for
// every run, terminal ones included.
func (s *Service) Query(ctx context.Context, runID, name string) (json.RawMessage, error) {
	run, err := s.store.Run(ctx, runID)
	if err != nil {
		return nil, err
	}

	history, err := s.store.ReadEvents(ctx, runID, 1)
	if err != nil {
		return nil, err
	}

	state, _, err := engine.Replay(run, history, nil)
	if err != nil {
		return nil, err
	}

	if name == QueryStatus {
		report := StatusReport{
			RunID:        run.ID,
			WorkflowType: run.Type,
			Status:       state.Status,
			Cursor:       state.NextSequence - 1,
			Checkpoints:  state.Checkpoints,
			Result:       state.Result,
			Errors:       state.Errors,
		}

		if run.Status.Terminal() && !state.Status.Terminal() {
			// Quarantine without a logged quarantine event; the record wins.
			report.Status = run.Status
		}

		return json.Marshal(report)
	}

	query, exists := s.queries[run.Type][name]
	if !exists {
		return nil, fmt.Errorf("%w: %s for workflow type %s", ErrUnknownQuery, name, run.Type)
	}

	return query(state)
}

// Signal appends a SignalReceived event and wakes the engine. Whether the
// signal lands before or after a racing activity completion is decided by
// which append wins the sequence number; the decider sees that order and no
// other.
func (s *Service) Signal(ctx context.Context, runID, name string, payload json.RawMessage) error {
	run, err := s.store.Run(ctx, runID)
	if err != nil {
		return err
	}

	if run.Status.Terminal() {
		return fmt.Errorf("run %s: %w", runID, engine.ErrRunTerminal)
	}

	ev, err := events.New(s.generateID(), runID, &events.SignalReceived{
		Name:    name,
		Payload: payload,
	}, s.now().UTC())
	if err != nil {
		return err
	}

	seq, err := persistence.AppendAtTail(ctx, s.store, runID, &ev)
	if err != nil {
		return err
	}

	s.logger.Info("signal delivered", "run_id", runID, "signal", name, "sequence", seq)

	s.publishWake(ctx, runID, "signal")

	return nil
}

// Cancel appends a RunCancelled event; the engine finalizes the run on its
// next cycle. In-flight activity results arriving later are still appended
// but never consulted.
func (s *Service) Cancel(ctx context.Context, runID, reason, cancelledBy string) error {
	run, err := s.store.Run(ctx, runID)
	if err != nil {
		return err
	}

	if run.Status.Terminal() {
		return fmt.Errorf("run %s: %w", runID, engine.ErrRunTerminal)
	}

	ev, err := events.New(s.generateID(), runID, &events.RunCancelled{
		Reason:      reason,
		CancelledBy: cancelledBy,
	}, s.now().UTC())
	if err != nil {
		return err
	}

	if _, err := persistence.AppendAtTail(ctx, s.store, runID, &ev); err != nil {
		return err
	}

	s.logger.Info("run cancelled", "run_id", runID, "reason", reason, "cancelled_by", cancelledBy)

	s.publishWake(ctx, runID, "cancelled")

	return nil
}

// generateID mints event IDs even when no bus is attached, which read-mostly
// deployments of the API use.
func (s *Service) generateID() string {
	if s.bus == nil {
		return uuid.NewString()
	}

	return s.bus.GenerateID()
}

func (s *Service) publishWake(ctx context.Context, runID, cause string) {
	if s.bus == nil {
		return
	}

	notification := events.RunAdvanceRequested{
		BaseNotification: events.BaseNotification{
			ID:        s.bus.GenerateID(),
			RunID:     runID,
			Timestamp: s.now().UTC(),
			WorkerID:  s.workerID,
		},
		Cause: cause,
	}

	if err := s.bus.Publish(ctx, notification); err != nil {
		s.logger.Warn("failed to publish wake", "run_id", runID, "error", err)
	}
}
