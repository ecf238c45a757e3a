// Package notify posts operator notifications to a Slack incoming webhook.
// Best-effort by contract: an unconfigured webhook is a silent skip, and sink
// failures never propagate into the owning run.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/lainie-ftw/capflow/pkg/log"
	"github.com/lainie-ftw/capflow/pkg/models"
)

var severityColors = map[models.NotificationSeverity]string{
	models.SeverityInfo:     "#36a64f",
	models.SeverityWarning:  "#ffcc00",
	models.SeverityError:    "#ff6600",
	models.SeverityCritical: "#ff0000",
}

var severityEmojis = map[models.NotificationSeverity]string{
	models.SeverityInfo:     ":information_source:",
	models.SeverityWarning:  ":warning:",
	models.SeverityError:    ":x:",
	models.SeverityCritical: ":rotating_light:",
}

type Slack struct {
	webhookURL string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewSlack(webhookURL string) *Slack {
	return &Slack{
		webhookURL: webhookURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: log.WithModule("notify"),
	}
}

// Configured reports whether a webhook URL was provided.
func (s *Slack) Configured() bool {
	return s.webhookURL != ""
}

type attachment struct {
	Color string `json:"color"`
	Text  string `json:"text"`
	Ts    int64  `json:"ts"`
}

type message struct {
	Text        string       `json:"text"`
	Attachments []attachment `json:"attachments"`
}

// Send posts one notification. Without a webhook it logs the message locally
// and reports success, so callers never have to special-case the sink.
func (s *Slack) Send(ctx context.Context, notification models.Notification) error {
	if !s.Configured() {
		s.logger.Info("notification sink not configured, skipping",
			"severity", notification.Severity, "message", notification.Message)

		return nil
	}

	body, err := BuildPayload(notification, time.Now())
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build notification request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("notification webhook returned %d", resp.StatusCode)
	}

	return nil
}

// BuildPayload renders the webhook wire shape for a notification. Unknown
// severities fall back to info styling.
func BuildPayload(notification models.Notification, at time.Time) ([]byte, error) {
	emoji, exists := severityEmojis[notification.Severity]
	if !exists {
		emoji = severityEmojis[models.SeverityInfo]
	}

	color, exists := severityColors[notification.Severity]
	if !exists {
		color = severityColors[models.SeverityInfo]
	}

	return json.Marshal(message{
		Text: fmt.Sprintf("%s *capflow* %s", emoji, notification.Severity),
		Attachments: []attachment{{
			Color: color,
			Text:  notification.Message,
			Ts:    at.Unix(),
		}},
	})
}
