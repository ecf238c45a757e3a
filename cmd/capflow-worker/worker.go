package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/lainie-ftw/capflow/pkg/activities"
	"github.com/lainie-ftw/capflow/pkg/activity"
	"github.com/lainie-ftw/capflow/pkg/cloudops"
	"github.com/lainie-ftw/capflow/pkg/config"
	"github.com/lainie-ftw/capflow/pkg/engine"
	"github.com/lainie-ftw/capflow/pkg/eventbus"
	"github.com/lainie-ftw/capflow/pkg/models"
	"github.com/lainie-ftw/capflow/pkg/notify"
	"github.com/lainie-ftw/capflow/pkg/openmetrics"
	"github.com/lainie-ftw/capflow/pkg/otelhelper"
	"github.com/lainie-ftw/capflow/pkg/persistence"
	"github.com/lainie-ftw/capflow/pkg/runs"
	"github.com/lainie-ftw/capflow/pkg/scheduler"
	"github.com/lainie-ftw/capflow/pkg/timer"
	"github.com/lainie-ftw/capflow/pkg/workflows"
)

const retentionSweepInterval = time.Hour

type WorkerConfig struct {
	ID            string
	Store         persistence.Store
	Timers        persistence.TimerStore
	Bus           eventbus.EventBus
	Settings      config.Settings
	ScheduleFile  string
	SweepInterval time.Duration
	Retention     time.Duration
	Tracing       bool
}

type Worker struct {
	cfg       WorkerConfig
	logger    *slog.Logger
	engine    *engine.Engine
	executor  *activity.Executor
	timers    *timer.Service
	scheduler *scheduler.Scheduler
	runs      *runs.Service
}

func NewWorker(cfg WorkerConfig, logger *slog.Logger) (*Worker, error) {
	var tracer trace.Tracer

	if cfg.Tracing {
		t, err := otelhelper.NewTracer(context.Background(), "capflow-worker")
		if err != nil {
			return nil, err
		}

		tracer = t
	}

	metricsClient := openmetrics.NewClient(cfg.Settings.MetricsBaseURL, cfg.Settings.MetricsAPIKey)
	opsClient := cloudops.NewClient(cfg.Settings.CloudOpsBaseURL, cfg.Settings.CloudOpsAPIKey, cfg.Settings.DryRun)
	sink := notify.NewSlack(cfg.Settings.SlackWebhookURL)

	executor, err := activity.NewExecutor(cfg.Store, cfg.Bus,
		activities.Handlers(metricsClient, opsClient, sink), tracer, cfg.ID)
	if err != nil {
		return nil, err
	}

	eng, err := engine.New(cfg.Store, cfg.Timers, cfg.Bus, executor, workflows.Deciders(), tracer, cfg.ID)
	if err != nil {
		return nil, err
	}

	runService := runs.NewService(cfg.Store, cfg.Bus)

	return &Worker{
		cfg:       cfg,
		logger:    logger,
		engine:    eng,
		executor:  executor,
		timers:    timer.NewService(cfg.Store, cfg.Timers, cfg.Bus, cfg.SweepInterval, cfg.ID),
		scheduler: scheduler.New(runService),
		runs:      runService,
	}, nil
}

func (w *Worker) Start(ctx context.Context) error {
	w.engine.AttachTo(w.cfg.Bus)

	if err := w.cfg.Bus.Subscribe(ctx); err != nil {
		w.logger.ErrorContext(ctx, "Failed to subscribe to event bus", "error", err)

		return err
	}

	w.timers.Start(ctx)
	defer w.timers.Stop()

	if w.cfg.ScheduleFile != "" {
		count, err := w.scheduler.LoadFile(ctx, w.cfg.ScheduleFile)
		if err != nil {
			return err
		}

		w.logger.InfoContext(ctx, "Schedules loaded", "count", count)
		w.scheduler.Start()
		defer w.scheduler.Stop()
	}

	retentionDone := make(chan struct{})
	defer close(retentionDone)

	go w.retentionLoop(ctx, retentionDone)

	// Catch up runs that were in flight when the previous worker died and
	// whose wakes are gone.
	w.resumeRunning(ctx)

	w.logger.InfoContext(ctx, "Worker started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
	case <-ctx.Done():
	}

	w.logger.InfoContext(ctx, "Shutting down worker, draining activities")
	w.executor.Wait()

	return nil
}

// resumeRunning drives one decision cycle for every non-terminal run, which
// re-dispatches any intent logged before a crash.
func (w *Worker) resumeRunning(ctx context.Context) {
	running, err := w.runs.List(ctx, persistence.RunFilter{Status: models.RunStatusRunning})
	if err != nil {
		w.logger.ErrorContext(ctx, "Failed to list running runs for resume", "error", err)

		return
	}

	for _, run := range running {
		if err := w.engine.Advance(ctx, run.ID); err != nil {
			w.logger.ErrorContext(ctx, "Failed to resume run", "run_id", run.ID, "error", err)
		}
	}
}

func (w *Worker) retentionLoop(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(retentionSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-w.cfg.Retention)

			purged, err := w.cfg.Store.PurgeTerminalRuns(ctx, cutoff)
			if err != nil {
				w.logger.ErrorContext(ctx, "Retention purge failed", "error", err)

				continue
			}

			if purged > 0 {
				w.logger.InfoContext(ctx, "Purged terminal runs", "count", purged, "cutoff", cutoff)
			}
		}
	}
}
