package events

import (
	"time"

	"github.com/lainie-ftw/capflow/pkg/models"
)

// NotificationType identifies a transient wake-bus notification. These are
// delivery hints between processes, never part of a run's durable history.
type NotificationType string

// Bus topic for run notifications.
const Topic = "capflow.runs"

const NotificationMetadataKey = "notification_type"
const RunMetadataKey = "run_id"

const (
	RunSubmittedNotification        NotificationType = "run.submitted"
	RunAdvanceRequestedNotification NotificationType = "run.advance_requested"
	RunFinishedNotification         NotificationType = "run.finished"
)

// Notification is implemented by every wake-bus message.
type Notification interface {
	GetType() NotificationType
	GetRunID() string
}

type BaseNotification struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	Timestamp time.Time `json:"timestamp"`
	WorkerID  string    `json:"worker_id,omitempty"`
}

func (b BaseNotification) GetRunID() string { return b.RunID }

// RunSubmitted announces a freshly created run waiting for its first
// decision cycle.
type RunSubmitted struct {
	BaseNotification

	WorkflowType models.WorkflowType `json:"workflow_type"`
}

func (RunSubmitted) GetType() NotificationType { return RunSubmittedNotification }

// RunAdvanceRequested asks whichever worker wins the append race to drive
// another decision cycle: an activity finished, a timer fired, or a signal
// arrived.
type RunAdvanceRequested struct {
	BaseNotification

	Cause string `json:"cause,omitempty"`
}

func (RunAdvanceRequested) GetType() NotificationType { return RunAdvanceRequestedNotification }

// RunFinished announces a terminal run, carrying enough for listeners
// (notification sinks, schedulers) to react without re-reading the log.
type RunFinished struct {
	BaseNotification

	WorkflowType models.WorkflowType `json:"workflow_type"`
	Status       models.RunStatus    `json:"status"`
	Errors       []string            `json:"errors,omitempty"`
}

func (RunFinished) GetType() NotificationType { return RunFinishedNotification }
