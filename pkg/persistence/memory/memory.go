// Package memory provides an in-memory Store for tests and single-process
// development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/lainie-ftw/capflow/pkg/events"
	"github.com/lainie-ftw/capflow/pkg/models"
	"github.com/lainie-ftw/capflow/pkg/persistence"
)

type Store struct {
	mu     sync.RWMutex
	runs   map[string]*models.WorkflowRun
	logs   map[string][]*events.Event
	timers map[string]*models.Timer
}

var _ persistence.Store = (*Store)(nil)

func NewStore() *Store {
	return &Store{
		runs:   make(map[string]*models.WorkflowRun),
		logs:   make(map[string][]*events.Event),
		timers: make(map[string]*models.Timer),
	}
}

func (s *Store) CreateRun(ctx context.Context, run *models.WorkflowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[run.ID]; exists {
		return &persistence.RunError{Op: "CreateRun", RunID: run.ID, Err: persistence.ErrRunAlreadyExists}
	}

	copied := *run
	s.runs[run.ID] = &copied

	return nil
}

func (s *Store) Run(ctx context.Context, id string) (*models.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, exists := s.runs[id]
	if !exists {
		return nil, &persistence.RunError{Op: "Run", RunID: id, Err: persistence.ErrRunNotFound}
	}

	copied := *run

	return &copied, nil
}

func (s *Store) Runs(ctx context.Context, filter persistence.RunFilter) ([]*models.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.WorkflowRun, 0, len(s.runs))

	for _, run := range s.runs {
		if filter.Type != "" && run.Type != filter.Type {
			continue
		}

		if filter.Status != "" && run.Status != filter.Status {
			continue
		}

		copied := *run
		out = append(out, &copied)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})

	return out, nil
}

func (s *Store) UpdateRun(ctx context.Context, run *models.WorkflowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[run.ID]; !exists {
		return &persistence.RunError{Op: "UpdateRun", RunID: run.ID, Err: persistence.ErrRunNotFound}
	}

	copied := *run
	copied.UpdatedAt = time.Now().UTC()
	s.runs[run.ID] = &copied

	return nil
}

func (s *Store) AppendEvents(ctx context.Context, runID string, expectedNext uint64, evs []*events.Event) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[runID]; !exists {
		return 0, &persistence.RunError{Op: "AppendEvents", RunID: runID, Err: persistence.ErrRunNotFound}
	}

	log := s.logs[runID]

	next := uint64(len(log)) + 1
	if expectedNext != next {
		return 0, &persistence.RunError{Op: "AppendEvents", RunID: runID, Err: persistence.ErrConflict}
	}

	last := uint64(0)

	for _, ev := range evs {
		copied := *ev
		copied.SequenceNumber = next
		log = append(log, &copied)
		last = next
		next++
	}

	s.logs[runID] = log

	return last, nil
}

func (s *Store) ReadEvents(ctx context.Context, runID string, fromSeq uint64) ([]*events.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.logs[runID]
	out := make([]*events.Event, 0, len(log))

	for _, ev := range log {
		if ev.SequenceNumber >= fromSeq {
			copied := *ev
			out = append(out, &copied)
		}
	}

	return out, nil
}

func (s *Store) SaveTimer(ctx context.Context, timer *models.Timer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.timers[timer.ID]; exists {
		return nil
	}

	copied := *timer
	s.timers[timer.ID] = &copied

	return nil
}

func (s *Store) DueTimers(ctx context.Context, now time.Time) ([]*models.Timer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Timer

	for _, timer := range s.timers {
		if !timer.Fired && !timer.FireAt.After(now) {
			copied := *timer
			out = append(out, &copied)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].FireAt.Before(out[j].FireAt)
	})

	return out, nil
}

func (s *Store) MarkTimerFired(ctx context.Context, timerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	timer, exists := s.timers[timerID]
	if !exists {
		return false, persistence.ErrTimerNotFound
	}

	if timer.Fired {
		return false, nil
	}

	timer.Fired = true

	return true, nil
}

func (s *Store) DeleteTimer(ctx context.Context, timerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.timers, timerID)

	return nil
}

func (s *Store) PurgeTerminalRuns(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0

	for id, run := range s.runs {
		if !run.Status.Terminal() || run.CompletedAt == nil || run.CompletedAt.After(cutoff) {
			continue
		}

		delete(s.runs, id)
		delete(s.logs, id)

		for timerID, timer := range s.timers {
			if timer.RunID == id {
				delete(s.timers, timerID)
			}
		}

		purged++
	}

	return purged, nil
}

func (s *Store) HealthCheck(ctx context.Context) error {
	return nil
}

func (s *Store) Close(ctx context.Context) error {
	return nil
}
