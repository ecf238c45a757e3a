// Package config holds the external-service settings shared by the worker
// and the CLI. Daemon-level flags (ports, database URLs, bus provider) stay
// on the command definitions; this is only what the activity clients need.
package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

type Settings struct {
	// Metrics endpoint (usage samples).
	MetricsBaseURL string `validate:"required,url"`
	MetricsAPIKey  string `validate:"required"`

	// Cloud operations API (capacity reads and writes).
	CloudOpsBaseURL string `validate:"required,url"`
	CloudOpsAPIKey  string `validate:"required"`

	// Optional Slack incoming webhook; empty disables the sink.
	SlackWebhookURL string `validate:"omitempty,url"`

	// DryRun logs capacity writes instead of performing them.
	DryRun bool
}

func (s Settings) Validate() error {
	if err := validator.New().Struct(s); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}

	return nil
}
