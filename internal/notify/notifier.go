// Package notify delivers task-change notifications. Delivery is
// best-effort: the dispatcher core logs and swallows notifier errors, so a
// broken notification channel never affects task outcome.
package notify

import (
	"context"
	"log/slog"

	"github.com/we-make-money/midjourney-proxy/internal/domain"
	"github.com/we-make-money/midjourney-proxy/pkg/telemetry"
)

// Notifier receives the post-change snapshot of every task transition.
type Notifier interface {
	NotifyTaskChange(ctx context.Context, task domain.TaskData) error
}

// Noop discards all notifications.
type Noop struct{}

func (Noop) NotifyTaskChange(context.Context, domain.TaskData) error { return nil }

// Multi fans a notification out to several channels. Individual failures
// are logged and counted; Multi itself never fails.
type Multi struct {
	channels []namedNotifier
	logger   *slog.Logger
}

type namedNotifier struct {
	name string
	n    Notifier
}

// NewMulti creates an empty fan-out notifier.
func NewMulti(logger *slog.Logger) *Multi {
	return &Multi{logger: logger.With(slog.String("component", "notify"))}
}

// Add registers a channel under a name used for logging and metrics.
func (m *Multi) Add(name string, n Notifier) *Multi {
	m.channels = append(m.channels, namedNotifier{name: name, n: n})
	return m
}

// Len returns the number of registered channels.
func (m *Multi) Len() int { return len(m.channels) }

func (m *Multi) NotifyTaskChange(ctx context.Context, task domain.TaskData) error {
	for _, ch := range m.channels {
		if err := ch.n.NotifyTaskChange(ctx, task); err != nil {
			telemetry.NotifyFailuresTotal.WithLabelValues(ch.name).Inc()
			m.logger.Error("task change notification failed",
				slog.String("channel", ch.name),
				slog.String("task_id", task.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}
