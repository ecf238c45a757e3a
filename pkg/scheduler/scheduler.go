// Package scheduler submits recurring workflow runs from a JSON schedule
// file, one cron entry per schedule.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/robfig/cron/v3"

	"github.com/lainie-ftw/capflow/pkg/log"
	"github.com/lainie-ftw/capflow/pkg/models"
)

// Submitter is what the scheduler needs from the runs service.
type Submitter interface {
	Submit(ctx context.Context, workflowType models.WorkflowType, input json.RawMessage) (*models.WorkflowRun, error)
}

// Schedule is one recurring submission.
type Schedule struct {
	Name         string              `json:"name"          validate:"required"`
	Cron         string              `json:"cron"          validate:"required"`
	WorkflowType models.WorkflowType `json:"workflow_type" validate:"required"`
	Input        json.RawMessage     `json:"input,omitempty"`
}

type scheduleFile struct {
	Schedules []Schedule `json:"schedules"`
}

type Scheduler struct {
	submitter Submitter
	cron      *cron.Cron
	logger    *slog.Logger
}

func New(submitter Submitter) *Scheduler {
	return &Scheduler{
		submitter: submitter,
		cron:      cron.New(),
		logger:    log.WithModule("scheduler"),
	}
}

// LoadFile reads a schedule file and registers every entry. Returns how many
// schedules were registered.
func (s *Scheduler) LoadFile(ctx context.Context, path string) (int, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read schedule file: %w", err)
	}

	var parsed scheduleFile
	if err := json.Unmarshal(body, &parsed); err != nil {
		return 0, fmt.Errorf("failed to parse schedule file: %w", err)
	}

	for _, schedule := range parsed.Schedules {
		if err := s.Add(ctx, schedule); err != nil {
			return 0, err
		}
	}

	return len(parsed.Schedules), nil
}

// Add registers one schedule.
func (s *Scheduler) Add(ctx context.Context, schedule Schedule) error {
	if schedule.Name == "" || schedule.Cron == "" || schedule.WorkflowType == "" {
		return fmt.Errorf("schedule %q is missing a name, cron expression, or workflow type", schedule.Name)
	}

	_, err := s.cron.AddFunc(schedule.Cron, func() {
		run, err := s.submitter.Submit(ctx, schedule.WorkflowType, schedule.Input)
		if err != nil {
			s.logger.Error("scheduled submission failed",
				"schedule", schedule.Name, "workflow_type", schedule.WorkflowType, "error", err)

			return
		}

		s.logger.Info("scheduled run submitted",
			"schedule", schedule.Name, "run_id", run.ID, "workflow_type", schedule.WorkflowType)
	})
	if err != nil {
		return fmt.Errorf("schedule %q has an invalid cron expression %q: %w", schedule.Name, schedule.Cron, err)
	}

	s.logger.Info("schedule registered",
		"schedule", schedule.Name, "cron", schedule.Cron, "workflow_type", schedule.WorkflowType)

	return nil
}

// Start begins firing schedules in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling and waits for in-flight submissions.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
