// Package web provides the HTTP control plane for workflow runs.
package web

import (
	"encoding/json"
	"time"

	"github.com/lainie-ftw/capflow/pkg/models"
)

// SubmitRunRequest is the body for creating a run.
type SubmitRunRequest struct {
	WorkflowType models.WorkflowType `json:"workflow_type" validate:"required"`
	Input        json.RawMessage     `json:"input,omitempty"`
}

// SignalRequest carries the payload delivered to a run's signal.
type SignalRequest struct {
	Payload json.RawMessage `json:"payload,omitempty"`
}

// CancelRequest carries the cancellation metadata recorded in the run's log.
type CancelRequest struct {
	Reason      string `json:"reason,omitempty"`
	CancelledBy string `json:"cancelled_by,omitempty"`
}

// RunResponse is the run record shape returned by the API.
type RunResponse struct {
	ID           string              `json:"id"`
	WorkflowType models.WorkflowType `json:"workflow_type"`
	Status       models.RunStatus    `json:"status"`
	Cursor       uint64              `json:"cursor"`
	Input        json.RawMessage     `json:"input,omitempty"`
	Result       json.RawMessage     `json:"result,omitempty"`
	Errors       []string            `json:"errors,omitempty"`
	CreatedAt    string              `json:"created_at"`
	CompletedAt  string              `json:"completed_at,omitempty"`
}

func toRunResponse(run *models.WorkflowRun) RunResponse {
	resp := RunResponse{
		ID:           run.ID,
		WorkflowType: run.Type,
		Status:       run.Status,
		Cursor:       run.Cursor,
		Input:        run.Input,
		Result:       run.Result,
		Errors:       run.Errors,
		CreatedAt:    run.CreatedAt.UTC().Format(time.RFC3339),
	}

	if run.CompletedAt != nil {
		resp.CompletedAt = run.CompletedAt.UTC().Format(time.RFC3339)
	}

	return resp
}
