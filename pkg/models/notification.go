package models

// NotificationSeverity classifies outbound notifications.
type NotificationSeverity string

const (
	SeverityInfo     NotificationSeverity = "info"
	SeverityWarning  NotificationSeverity = "warning"
	SeverityError    NotificationSeverity = "error"
	SeverityCritical NotificationSeverity = "critical"
)

// Notification is the input of the notify activity.
type Notification struct {
	Severity NotificationSeverity `json:"severity" validate:"required"`
	Message  string               `json:"message"  validate:"required"`
}
