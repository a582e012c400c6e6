// Package events applies inbound upstream notifications to running tasks.
// The upstream never answers synchronously beyond acceptance; everything
// after that arrives here.
package events

import (
	"context"
	"log/slog"

	"github.com/we-make-money/midjourney-proxy/internal/dispatch"
	"github.com/we-make-money/midjourney-proxy/internal/domain"
	"github.com/we-make-money/midjourney-proxy/internal/instance"
	"github.com/we-make-money/midjourney-proxy/pkg/telemetry"
)

// Event types recognized by the bridge.
const (
	TypeStarted  = "started"
	TypeProgress = "progress"
	TypeSuccess  = "success"
	TypeFailure  = "failure"
)

// Event is one upstream notification about a generation job. Started
// events correlate by nonce; later ones usually correlate by message id.
type Event struct {
	Type        string `json:"type"`
	InstanceID  string `json:"instanceId,omitempty"`
	Nonce       string `json:"nonce,omitempty"`
	MessageID   string `json:"messageId,omitempty"`
	MessageHash string `json:"messageHash,omitempty"`
	Progress    string `json:"progress,omitempty"`
	ImageURL    string `json:"imageUrl,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Flags       int    `json:"flags,omitempty"`
}

// Bridge routes events onto the running tasks they describe.
type Bridge struct {
	registry *instance.Registry
	logger   *slog.Logger
}

// NewBridge creates an event bridge over the instance registry.
func NewBridge(registry *instance.Registry, logger *slog.Logger) *Bridge {
	return &Bridge{
		registry: registry,
		logger:   logger.With(slog.String("component", "events")),
	}
}

// Apply mutates the task the event describes. Events that match no
// running task are dropped; the upstream also emits messages for work this
// service never submitted.
func (b *Bridge) Apply(ctx context.Context, ev Event) {
	task := b.findTask(ev)
	if task == nil {
		b.logger.Debug("event matched no running task",
			slog.String("type", ev.Type),
			slog.String("nonce", ev.Nonce),
			slog.String("message_id", ev.MessageID),
		)
		return
	}

	var err error
	switch ev.Type {
	case TypeStarted:
		if ev.MessageID != "" {
			task.SetMessageID(ev.MessageID)
		}
		if ev.Flags != 0 {
			task.SetProperty(dispatch.PropertyFlags, ev.Flags)
		}
		err = task.SetStatus(domain.StatusInProgress)
	case TypeProgress:
		if ev.Progress != "" {
			task.SetProgress(ev.Progress)
		}
	case TypeSuccess:
		if ev.MessageID != "" {
			task.SetMessageID(ev.MessageID)
		}
		if ev.MessageHash != "" {
			task.SetMessageHash(ev.MessageHash)
		}
		if ev.Flags != 0 {
			task.SetProperty(dispatch.PropertyFlags, ev.Flags)
		}
		err = task.Succeed(ev.ImageURL)
	case TypeFailure:
		reason := ev.Reason
		if reason == "" {
			reason = "upstream reported failure"
		}
		err = task.Fail(reason)
	default:
		b.logger.Warn("unknown event type", slog.String("type", ev.Type))
		return
	}

	if err != nil {
		b.logger.Warn("event rejected by task state machine",
			slog.String("type", ev.Type),
			slog.String("task_id", task.ID()),
			slog.String("error", err.Error()),
		)
		return
	}
	telemetry.EventsAppliedTotal.WithLabelValues(ev.Type).Inc()
}

func (b *Bridge) findTask(ev Event) *domain.Task {
	instances := b.registry.All()
	if ev.InstanceID != "" {
		if inst := b.registry.Get(ev.InstanceID); inst != nil {
			instances = []*instance.Instance{inst}
		}
	}
	for _, inst := range instances {
		if task := inst.GetRunningByNonce(ev.Nonce); task != nil {
			return task
		}
		if task := inst.GetRunningByMessageID(ev.MessageID); task != nil {
			return task
		}
	}
	return nil
}
