package status

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// SlackReporter posts run status to a Slack incoming webhook.
type SlackReporter struct {
	webhookURL string
	channel    string
	client     *http.Client
}

// SlackOptions configures the Slack reporter.
type SlackOptions struct {
	WebhookURL string
	Channel    string
}

// NewSlackReporter creates a Slack reporter.
func NewSlackReporter(opts SlackOptions) (*SlackReporter, error) {
	if opts.WebhookURL == "" {
		return nil, fmt.Errorf("webhook URL is required")
	}
	return &SlackReporter{
		webhookURL: opts.WebhookURL,
		channel:    opts.Channel,
		client:     &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Name returns the reporter name.
func (s *SlackReporter) Name() string {
	return "slack"
}

// Report posts one attachment per update.
func (s *SlackReporter) Report(ctx context.Context, update Update) error {
	emoji, color := slackStyle(update.State)

	attachment := map[string]any{
		"color":     color,
		"title":     fmt.Sprintf("%s Screenshot run %s", emoji, update.State),
		"text":      update.Description,
		"footer":    fmt.Sprintf("Run: %s", update.RunID),
		"ts":        update.Timestamp.Unix(),
		"mrkdwn_in": []string{"text"},
	}
	if update.TargetURL != "" {
		attachment["title_link"] = update.TargetURL
	}

	payload := map[string]any{
		"username":    "shotdiff",
		"icon_emoji":  ":camera:",
		"attachments": []map[string]any{attachment},
	}
	if s.channel != "" {
		payload["channel"] = s.channel
	}
	return s.sendWebhook(ctx, payload)
}

func slackStyle(state State) (emoji, color string) {
	switch state {
	case StatePassed:
		return ":white_check_mark:", "#00FF00"
	case StateFailed:
		return ":x:", "#FF0000"
	case StateError:
		return ":rotating_light:", "#FF0000"
	case StateRunning:
		return ":hourglass_flowing_sand:", "#FFAA00"
	default:
		return ":clock1:", "#0066FF"
	}
}

func (s *SlackReporter) sendWebhook(ctx context.Context, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("slack webhook failed: %d %s", resp.StatusCode, string(body))
	}
	return nil
}
