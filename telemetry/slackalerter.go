// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/soothill/mppt-core/pkg/logger"
)

// SlackAlerter posts formatted alert messages to a Slack incoming
// webhook, grounded in pkg/notifications.SlackNotifier. It is the sole
// surviving implementation of the teacher's two overlapping Slack
// notifier packages (see DESIGN.md).
type SlackAlerter struct {
	webhookURL string
	client     *http.Client
	enabled    bool
}

// NewSlackAlerter builds a SlackAlerter. An empty webhookURL disables
// sending silently, matching the teacher's "disabled-gate-on-empty-URL"
// behavior.
func NewSlackAlerter(webhookURL string) *SlackAlerter {
	return &SlackAlerter{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
		enabled:    webhookURL != "",
	}
}

// IsEnabled reports whether a webhook URL was configured.
func (s *SlackAlerter) IsEnabled() bool { return s.enabled }

type slackMessage struct {
	Attachments []slackAttachment `json:"attachments,omitempty"`
}

type slackAttachment struct {
	Color  string `json:"color,omitempty"`
	Title  string `json:"title,omitempty"`
	Text   string `json:"text,omitempty"`
	Footer string `json:"footer,omitempty"`
	Ts     int64  `json:"ts,omitempty"`
}

// SendAlert posts a severity-colored alert to Slack. Disabled alerters
// return nil without making a request.
func (s *SlackAlerter) SendAlert(ctx context.Context, severity, title, message string) error {
	if !s.enabled {
		logger.Debug().Msg("slack alerting disabled, skipping alert")
		return nil
	}

	payload := slackMessage{Attachments: []slackAttachment{{
		Color:  severityToColor(severity),
		Title:  title,
		Text:   message,
		Footer: "mppt-core",
		Ts:     time.Now().Unix(),
	}}}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send slack request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack webhook returned status %d", resp.StatusCode)
	}
	logger.Debug().Str("title", title).Msg("slack alert sent")
	return nil
}

func severityToColor(severity string) string {
	switch severity {
	case "danger", "error":
		return "danger"
	case "warning", "warn":
		return "warning"
	case "good", "success":
		return "good"
	default:
		return "#808080"
	}
}

var _ Alerter = (*SlackAlerter)(nil)
