// Package timer delivers durable delayed wakes. Timers survive restarts in a
// TimerStore; a periodic sweep fires whatever is due, using compare-and-set
// so concurrent sweepers agree on exactly one winner per timer.
package timer

import (
	"context"
	"log/slog"
	"time"

	"github.com/lainie-ftw/capflow/pkg/eventbus"
	"github.com/lainie-ftw/capflow/pkg/events"
	"github.com/lainie-ftw/capflow/pkg/log"
	"github.com/lainie-ftw/capflow/pkg/models"
	"github.com/lainie-ftw/capflow/pkg/persistence"
)

const defaultSweepInterval = 5 * time.Second

type Service struct {
	store    persistence.Store
	timers   persistence.TimerStore
	bus      eventbus.EventBus
	interval time.Duration
	logger   *slog.Logger
	workerID string
	now      func() time.Time
	done     chan struct{}
	stopped  chan struct{}
}

func NewService(store persistence.Store, timers persistence.TimerStore, bus eventbus.EventBus,
	interval time.Duration, workerID string,
) *Service {
	if timers == nil {
		timers = store
	}

	if interval <= 0 {
		interval = defaultSweepInterval
	}

	return &Service{
		store:    store,
		timers:   timers,
		bus:      bus,
		interval: interval,
		logger:   log.WithModule("timer").With("worker_id", workerID),
		workerID: workerID,
		now:      time.Now,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Start runs the sweep loop until Stop is called or the context ends. A
// timer that was already due when registered is picked up by the very next
// sweep; nothing fires early, late only by at most one interval.
func (s *Service) Start(ctx context.Context) {
	go func() {
		defer close(s.stopped)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.logger.Info("timer sweep started", "interval", s.interval)

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case <-ticker.C:
				s.Sweep(ctx)
			}
		}
	}()
}

// Stop halts the sweep loop and waits for the in-flight sweep to finish.
func (s *Service) Stop() {
	close(s.done)
	<-s.stopped
}

// Sweep fires every due timer once: win the CAS, append the fired fact, wake
// the engine, drop the timer. Losing the CAS means another sweeper owns it.
func (s *Service) Sweep(ctx context.Context) {
	now := s.now().UTC()

	due, err := s.timers.DueTimers(ctx, now)
	if err != nil {
		s.logger.Error("failed to query due timers", "error", err)

		return
	}

	for _, timer := range due {
		won, err := s.timers.MarkTimerFired(ctx, timer.ID)
		if err != nil {
			s.logger.Error("failed to mark timer fired", "timer_id", timer.ID, "error", err)

			continue
		}

		if !won {
			continue
		}

		if !s.appendFired(ctx, timer.RunID, timer.ID, now) {
			// The claim stands but nothing durable happened. Put the timer
			// back so a later sweep retries the fire.
			s.restoreTimer(ctx, timer)

			continue
		}

		s.logger.Info("timer fired", "timer_id", timer.ID, "run_id", timer.RunID, "fire_at", timer.FireAt)

		s.publishWake(ctx, timer.RunID)

		if err := s.timers.DeleteTimer(ctx, timer.ID); err != nil {
			s.logger.Warn("failed to delete fired timer", "timer_id", timer.ID, "error", err)
		}
	}
}

// restoreTimer undoes a won fire claim whose fired event could not be
// appended. Delete then re-save: registration is insert-if-absent, so the
// fresh record comes back unfired. No other sweeper can interfere while the
// claim is held.
func (s *Service) restoreTimer(ctx context.Context, timer *models.Timer) {
	if err := s.timers.DeleteTimer(ctx, timer.ID); err != nil {
		s.logger.Error("failed to restore timer after append failure", "timer_id", timer.ID, "error", err)

		return
	}

	fresh := models.Timer{ID: timer.ID, RunID: timer.RunID, FireAt: timer.FireAt}
	if err := s.timers.SaveTimer(ctx, &fresh); err != nil {
		s.logger.Error("failed to restore timer after append failure", "timer_id", timer.ID, "error", err)
	}
}

// Cancel removes a timer that has not fired. Cancelling after the fired
// event was appended is a silent no-op.
func (s *Service) Cancel(ctx context.Context, timerID string) error {
	return s.timers.DeleteTimer(ctx, timerID)
}

func (s *Service) appendFired(ctx context.Context, runID, timerID string, firedAt time.Time) bool {
	ev, err := events.New(s.bus.GenerateID(), runID, &events.TimerFired{TimerID: timerID, FiredAt: firedAt}, firedAt)
	if err != nil {
		s.logger.Error("failed to encode fired event", "timer_id", timerID, "error", err)

		return false
	}

	if _, err := persistence.AppendAtTail(ctx, s.store, runID, &ev); err != nil {
		s.logger.Error("failed to append fired event", "timer_id", timerID, "run_id", runID, "error", err)

		return false
	}

	return true
}

func (s *Service) publishWake(ctx context.Context, runID string) {
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
		Cause: "timer_fired",
	}

	if err := s.bus.Publish(ctx, notification); err != nil {
		s.logger.Warn("failed to publish wake", "run_id", runID, "error", err)
	}
}
