// Package models defines the core domain models for durable capacity workflows.
package models

import (
	"encoding/json"
	"time"
)

// RunStatus represents the lifecycle state of a workflow run.
type RunStatus string

const (
	RunStatusRunning     RunStatus = "running"
	RunStatusCompleted   RunStatus = "completed"
	RunStatusFailed      RunStatus = "failed"
	RunStatusCancelled   RunStatus = "cancelled"
	RunStatusQuarantined RunStatus = "quarantined" // replay diverged from recorded history
)

// Terminal reports whether the status can no longer change.
func (s RunStatus) Terminal() bool {
	return s != RunStatusRunning
}

// WorkflowType selects which decision function drives a run.
type WorkflowType string

const (
	WorkflowTypeBulkAnalysis            WorkflowType = "bulk_analysis"
	WorkflowTypeScheduledCapacityChange WorkflowType = "scheduled_capacity_change"
)

// WorkflowRun is one durable execution instance. The input payload is
// immutable once the run is created; everything else is derived from the
// run's event log.
type WorkflowRun struct {
	ID          string          `json:"id"            validate:"required"`
	Type        WorkflowType    `json:"workflow_type" validate:"required"`
	Input       json.RawMessage `json:"input,omitempty"`
	Status      RunStatus       `json:"status"        validate:"required"`
	Cursor      uint64          `json:"cursor"`
	Result      json.RawMessage `json:"result,omitempty"`
	Errors      []string        `json:"errors,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}
