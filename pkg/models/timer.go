package models

import "time"

// Timer is a durable delayed wake for a run. Owned by the timer service,
// destroyed once its fired event has been appended to the run's log.
type Timer struct {
	ID     string    `json:"id"      validate:"required"`
	RunID  string    `json:"run_id"  validate:"required"`
	FireAt time.Time `json:"fire_at" validate:"required"`
	Fired  bool      `json:"fired"`
}
