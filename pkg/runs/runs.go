// Package runs creates workflow runs: input validation against the workflow
// type's JSON schema, the durable run record, and the wake that gets the
// first decision cycle going.
package runs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"

	"github.com/lainie-ftw/capflow/pkg/eventbus"
	"github.com/lainie-ftw/capflow/pkg/events"
	"github.com/lainie-ftw/capflow/pkg/log"
	"github.com/lainie-ftw/capflow/pkg/models"
	"github.com/lainie-ftw/capflow/pkg/persistence"
)

// defaultVerifyDelay is applied to scheduled capacity changes that do not set
// their own settle delay.
const defaultVerifyDelay = 2 * time.Minute

// ErrUnknownWorkflowType mirrors the engine's closed registry: a run can only
// be created for a type that has a decider and a schema.
var ErrUnknownWorkflowType = fmt.Errorf("unknown workflow type")

// ValidationError reports why an input document was rejected.
type ValidationError struct {
	WorkflowType models.WorkflowType
	Details      []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s input: %s", e.WorkflowType, strings.Join(e.Details, "; "))
}

var inputSchemas = map[models.WorkflowType]string{
	models.WorkflowTypeBulkAnalysis: `{
		"type": "object",
		"properties": {
			"namespace_allowlist": {"type": "array", "items": {"type": "string", "minLength": 1}},
			"namespace_denylist":  {"type": "array", "items": {"type": "string", "minLength": 1}}
		},
		"additionalProperties": false
	}`,
	models.WorkflowTypeScheduledCapacityChange: `{
		"type": "object",
		"required": ["namespace", "desired_trus"],
		"properties": {
			"namespace":    {"type": "string", "minLength": 1},
			"desired_trus": {"type": "integer", "minimum": 0},
			"end_time":     {"type": "string", "format": "date-time"},
			"verify_delay": {
				"description": "settle window before verification: seconds when numeric, or a duration string like \"2m\"",
				"oneOf": [
					{"type": "integer", "minimum": 0},
					{"type": "string", "minLength": 1}
				]
			}
		},
		"additionalProperties": false
	}`,
}

type Service struct {
	store  persistence.Store
	bus    eventbus.EventBus
	logger *slog.Logger
	now    func() time.Time
}

func NewService(store persistence.Store, bus eventbus.EventBus) *Service {
	return &Service{
		store:  store,
		bus:    bus,
		logger: log.WithModule("runs"),
		now:    time.Now,
	}
}

// Submit validates the input, persists the run, and publishes the submission
// wake. The returned run is already durable; callers poll its status and
// fetch the terminal result through the control surface.
func (s *Service) Submit(ctx context.Context, workflowType models.WorkflowType, input json.RawMessage) (*models.WorkflowRun, error) {
	schema, exists := inputSchemas[workflowType]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorkflowType, workflowType)
	}

	if len(input) == 0 {
		input = json.RawMessage("{}")
	}

	if err := validateInput(workflowType, schema, input); err != nil {
		return nil, err
	}

	input, err := applyDefaults(workflowType, input)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	run := &models.WorkflowRun{
		ID:        uuid.NewString(),
		Type:      workflowType,
		Input:     input,
		Status:    models.RunStatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	s.logger.Info("run submitted", "run_id", run.ID, "workflow_type", workflowType)

	s.publishSubmitted(ctx, run)

	return run, nil
}

// Get returns one run record.
func (s *Service) Get(ctx context.Context, runID string) (*models.WorkflowRun, error) {
	return s.store.Run(ctx, runID)
}

// List returns run records matching the filter, oldest first.
func (s *Service) List(ctx context.Context, filter persistence.RunFilter) ([]*models.WorkflowRun, error) {
	return s.store.Runs(ctx, filter)
}

func validateInput(workflowType models.WorkflowType, schema string, input json.RawMessage) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(schema),
		gojsonschema.NewBytesLoader(input),
	)
	if err != nil {
		return &ValidationError{WorkflowType: workflowType, Details: []string{err.Error()}}
	}

	if result.Valid() {
		return nil
	}

	details := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		details = append(details, desc.String())
	}

	return &ValidationError{WorkflowType: workflowType, Details: details}
}

// applyDefaults fills submission-time defaults into the input document, so
// replay sees one immutable, fully resolved input for the run's lifetime.
func applyDefaults(workflowType models.WorkflowType, input json.RawMessage) (json.RawMessage, error) {
	if workflowType != models.WorkflowTypeScheduledCapacityChange {
		return input, nil
	}

	var parsed models.ScheduledCapacityChangeInput
	if err := json.Unmarshal(input, &parsed); err != nil {
		return nil, &ValidationError{WorkflowType: workflowType, Details: []string{err.Error()}}
	}

	if parsed.VerifyDelay == 0 {
		parsed.VerifyDelay = models.Duration(defaultVerifyDelay)
	}

	return json.Marshal(parsed)
}

func (s *Service) publishSubmitted(ctx context.Context, run *models.WorkflowRun) {
	if s.bus == nil {
		return
	}

	notification := events.RunSubmitted{
		BaseNotification: events.BaseNotification{
			ID:        s.bus.GenerateID(),
			RunID:     run.ID,
			Timestamp: s.now().UTC(),
		},
		WorkflowType: run.Type,
	}

	if err := s.bus.Publish(ctx, notification); err != nil {
		s.logger.Warn("failed to publish run submitted", "run_id", run.ID, "error", err)
	}
}
