package main

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"

	"github.com/lainie-ftw/capflow/pkg/cmd"
	"github.com/lainie-ftw/capflow/pkg/config"
	"github.com/lainie-ftw/capflow/pkg/log"
)

func main() {
	command := &cli.Command{
		Name:                  "capflow-worker",
		EnableShellCompletion: true,
		Usage:                 "Run the capacity workflow worker: engine, activity executor, timer sweep, and scheduler",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "worker-id",
				Aliases: []string{"id"},
				Usage:   "Custom worker ID (auto-generated if not provided)",
				Value:   "",
				Sources: cli.EnvVars("WORKER_ID"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL (postgres://, sqlite://, memory://)",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus provider (gochannel, kafka)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "Optional Redis URL for the dedicated timer index",
				Value:   "",
				Sources: cli.EnvVars("REDIS_URL"),
			},
			&cli.StringFlag{
				Name:     "metrics-url",
				Usage:    "Base URL of the cloud metrics endpoint",
				Required: true,
				Sources:  cli.EnvVars("METRICS_URL"),
			},
			&cli.StringFlag{
				Name:     "metrics-api-key",
				Usage:    "API key for the metrics endpoint",
				Required: true,
				Sources:  cli.EnvVars("METRICS_API_KEY"),
			},
			&cli.StringFlag{
				Name:     "cloudops-url",
				Usage:    "Base URL of the cloud operations API",
				Required: true,
				Sources:  cli.EnvVars("CLOUDOPS_URL"),
			},
			&cli.StringFlag{
				Name:     "cloudops-api-key",
				Usage:    "API key for the cloud operations API",
				Required: true,
				Sources:  cli.EnvVars("CLOUDOPS_API_KEY"),
			},
			&cli.StringFlag{
				Name:    "slack-webhook-url",
				Usage:   "Slack incoming webhook for notifications (empty disables)",
				Value:   "",
				Sources: cli.EnvVars("SLACK_WEBHOOK_URL"),
			},
			&cli.BoolFlag{
				Name:    "dry-run",
				Usage:   "Log capacity changes instead of applying them",
				Sources: cli.EnvVars("DRY_RUN"),
			},
			&cli.StringFlag{
				Name:    "schedule-file",
				Usage:   "JSON file with recurring run schedules",
				Value:   "",
				Sources: cli.EnvVars("SCHEDULE_FILE"),
			},
			&cli.DurationFlag{
				Name:    "sweep-interval",
				Usage:   "How often the timer sweep runs",
				Value:   5 * time.Second,
				Sources: cli.EnvVars("SWEEP_INTERVAL"),
			},
			&cli.DurationFlag{
				Name:    "retention",
				Usage:   "How long terminal runs are kept before purging",
				Value:   30 * 24 * time.Hour,
				Sources: cli.EnvVars("RUN_RETENTION"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Export OpenTelemetry traces",
				Sources: cli.EnvVars("TRACING_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			workerID := command.String("worker-id")
			if workerID == "" {
				workerID = "worker-" + uuid.New().String()[:8]
			}

			logger := log.WithModule("capflow-worker").With("worker_id", workerID)
			logger.InfoContext(ctx, "Initializing capflow worker")

			settings := config.Settings{
				MetricsBaseURL:  command.String("metrics-url"),
				MetricsAPIKey:   command.String("metrics-api-key"),
				CloudOpsBaseURL: command.String("cloudops-url"),
				CloudOpsAPIKey:  command.String("cloudops-api-key"),
				SlackWebhookURL: command.String("slack-webhook-url"),
				DryRun:          command.Bool("dry-run"),
			}
			if err := settings.Validate(); err != nil {
				return err
			}

			store := cmd.NewPersistence(ctx, logger, command.String("database-url"))
			defer func() {
				if err := store.Close(ctx); err != nil {
					logger.ErrorContext(ctx, "Failed to close store", "error", err)
				}
			}()

			eventBus := cmd.NewEventBus(command.String("event-bus"), logger)
			defer func() {
				if err := eventBus.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			timers := cmd.NewTimerStore(ctx, command.String("redis-url"))

			worker, err := NewWorker(WorkerConfig{
				ID:            workerID,
				Store:         store,
				Timers:        timers,
				Bus:           eventBus,
				Settings:      settings,
				ScheduleFile:  command.String("schedule-file"),
				SweepInterval: command.Duration("sweep-interval"),
				Retention:     command.Duration("retention"),
				Tracing:       command.Bool("tracing"),
			}, logger)
			if err != nil {
				return err
			}

			return worker.Start(ctx)
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		panic(err)
	}
}
