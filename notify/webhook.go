package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"reddit-marker/pkg/marker"
)

// WebhookNotifier posts a JSON digest to an HTTP endpoint.
type WebhookNotifier struct {
	url    string
	client *http.Client
	logger *slog.Logger
	delay  time.Duration
}

// NewWebhookNotifier creates a new webhook notifier.
func NewWebhookNotifier(url string, client *http.Client, logger *slog.Logger) *WebhookNotifier {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &WebhookNotifier{
		url:    url,
		client: client,
		logger: logger,
		delay:  time.Second,
	}
}

// webhookPayload is the body sent to the webhook.
type webhookPayload struct {
	Text  string             `json:"text"`
	Users []*marker.UserInfo `json:"users"`
	Sent  int64              `json:"sent"`
}

// NotifyTagged posts the tagged users. Server errors and transport failures
// are retried; client errors are not.
func (w *WebhookNotifier) NotifyTagged(ctx context.Context, users []*marker.UserInfo) error {
	if len(users) == 0 {
		return nil
	}

	body, err := json.Marshal(webhookPayload{
		Text:  Summary(users),
		Users: users,
		Sent:  time.Now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	return retry.Do(
		func() error {
			w.logger.Info("Webhook request starting", "method", "POST", "users", len(users))

			startTime := time.Now()
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.Header.Set("Content-Type", "application/json")

			resp, err := w.client.Do(req)
			duration := time.Since(startTime)
			if err != nil {
				w.logger.Warn("Webhook request failed, will retry",
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					w.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			switch {
			case resp.StatusCode >= 500:
				w.logger.Warn("Webhook returned server error, will retry", "status_code", resp.StatusCode)
				return fmt.Errorf("HTTP %d", resp.StatusCode)
			case resp.StatusCode < 200 || resp.StatusCode >= 300:
				return retry.Unrecoverable(fmt.Errorf("HTTP %d", resp.StatusCode))
			}

			w.logger.Info("Webhook request completed",
				"users", len(users),
				"duration_ms", duration.Milliseconds(),
				"status", "success")
			return nil
		},
		retry.Attempts(3),
		retry.Delay(w.delay),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(w.delay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			w.logger.Info("Retrying webhook delivery after error", "attempt", n, "error", err)
		}),
	)
}
