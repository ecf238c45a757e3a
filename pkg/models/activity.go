package models

import (
	"encoding/json"
	"math"
	"time"
)

// RetryPolicy controls how an activity invocation is retried. Backoff grows
// exponentially: BackoffBase * 2^(attempt-1), capped at BackoffCap.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts" validate:"min=1"`
	BackoffBase time.Duration `json:"backoff_base"`
	BackoffCap  time.Duration `json:"backoff_cap"`
}

// DefaultRetryPolicy mirrors the policy the capacity workflows attach to
// every external call: three attempts, 1s initial backoff, 30s cap.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BackoffBase: time.Second,
		BackoffCap:  30 * time.Second,
	}
}

// Backoff returns the delay to wait before the given attempt (1-based).
// Attempt 1 runs immediately.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt <= 1 || p.BackoffBase <= 0 {
		return 0
	}

	delay := time.Duration(float64(p.BackoffBase) * math.Pow(2, float64(attempt-2)))
	if p.BackoffCap > 0 && delay > p.BackoffCap {
		return p.BackoffCap
	}

	return delay
}

// ActivityInvocation is a scheduled external-call step awaiting execution.
// ActivityID is unique within the owning run and doubles as the idempotency
// key: a recovered engine re-derives the same invocation instead of minting
// a new one.
type ActivityInvocation struct {
	RunID      string          `json:"run_id"      validate:"required"`
	ActivityID string          `json:"activity_id" validate:"required"`
	Name       string          `json:"name"        validate:"required"`
	Input      json.RawMessage `json:"input,omitempty"`
	Retry      RetryPolicy     `json:"retry"`
	Deadline   time.Time       `json:"deadline"`

	// IgnoreFailure records the failure but reports success to the decision
	// function. Used for notification side effects that must never fail the
	// owning run.
	IgnoreFailure bool `json:"ignore_failure,omitempty"`
}
