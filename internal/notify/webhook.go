package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/we-make-money/midjourney-proxy/internal/domain"
	"github.com/we-make-money/midjourney-proxy/pkg/retry"
)

// Webhook POSTs task snapshots to a configured callback URL. Transient
// failures are retried with linear backoff.
type Webhook struct {
	url    string
	http   *http.Client
	retry  retry.Config
	logger *slog.Logger
}

// NewWebhook creates a webhook notifier for the given callback URL.
func NewWebhook(url string, logger *slog.Logger) *Webhook {
	l := logger.With(slog.String("component", "webhook-notify"))
	return &Webhook{
		url:  url,
		http: &http.Client{Timeout: 10 * time.Second},
		retry: retry.Config{
			MaxAttempts: 3,
			BaseDelay:   500 * time.Millisecond,
			OnRetry: func(attempt int, err error) {
				l.Warn("webhook delivery retry",
					slog.Int("attempt", attempt),
					slog.String("error", err.Error()),
				)
			},
		},
		logger: l,
	}
}

func (w *Webhook) NotifyTaskChange(ctx context.Context, task domain.TaskData) error {
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", task.ID, err)
	}
	return retry.Do(ctx, w.retry, func(ctx context.Context) error {
		return w.post(ctx, body)
	})
}

func (w *Webhook) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.http.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
