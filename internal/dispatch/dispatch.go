// Package dispatch is the submission front of the task system: it creates
// task records, picks an instance for fresh work, and routes follow-up
// work back to the instance holding the source message.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/we-make-money/midjourney-proxy/internal/balancer"
	"github.com/we-make-money/midjourney-proxy/internal/discord"
	"github.com/we-make-money/midjourney-proxy/internal/domain"
	"github.com/we-make-money/midjourney-proxy/internal/instance"
	"github.com/we-make-money/midjourney-proxy/internal/store"
	"github.com/we-make-money/midjourney-proxy/pkg/telemetry"
)

// PropertyFlags carries the upstream message flags needed to act on a
// finished message.
const PropertyFlags = "flags"

// ChangeAction is a follow-up operation on a finished grid.
type ChangeAction string

const (
	ChangeUpscale   ChangeAction = "UPSCALE"
	ChangeVariation ChangeAction = "VARIATION"
	ChangeReroll    ChangeAction = "REROLL"
)

// Service accepts task submissions and fans them across the registered
// instances.
type Service struct {
	registry *instance.Registry
	rule     balancer.Rule
	store    store.Store
	logger   *slog.Logger
	tracer   trace.Tracer

	newID    func() string
	newNonce func() string
}

// NewService wires the submission front.
func NewService(registry *instance.Registry, rule balancer.Rule, st store.Store, logger *slog.Logger) *Service {
	return &Service{
		registry: registry,
		rule:     rule,
		store:    st,
		logger:   logger.With(slog.String("component", "dispatch")),
		tracer:   otel.Tracer("dispatch"),
		newID:    func() string { return uuid.NewString() },
		newNonce: func() string { return strconv.FormatInt(rand.Int63(), 10) },
	}
}

// chooseInstance picks an alive instance under the configured policy.
func (s *Service) chooseInstance() (*instance.Instance, error) {
	alive := s.registry.Alive()
	candidates := make([]balancer.Candidate, len(alive))
	for n, inst := range alive {
		candidates[n] = inst
	}
	chosen := balancer.Choose(s.rule, candidates)
	if chosen == nil {
		return nil, fmt.Errorf("no available instance")
	}
	return chosen.(*instance.Instance), nil
}

// instanceForTask routes follow-up work to the instance that produced the
// source message.
func (s *Service) instanceForTask(parent *domain.TaskData) (*instance.Instance, error) {
	id, _ := parent.Properties[domain.PropertyDiscordInstanceID].(string)
	inst := s.registry.Get(id)
	if inst == nil {
		return nil, &domain.InstanceNotFoundError{InstanceID: id}
	}
	if !inst.IsAlive() {
		return nil, fmt.Errorf("instance %s is disabled", id)
	}
	return inst, nil
}

func (s *Service) newTask(action domain.TaskAction, prompt string) *domain.Task {
	return domain.NewTask(domain.TaskData{
		ID:     s.newID(),
		Action: action,
		Nonce:  s.newNonce(),
		Prompt: prompt,
	})
}

func (s *Service) record(span trace.Span, action domain.TaskAction, res *domain.SubmitResult) *domain.SubmitResult {
	span.SetAttributes(
		attribute.Int("submit.code", res.Code),
		attribute.String("submit.task_id", res.Result),
	)
	span.End()
	telemetry.APISubmitTotal.WithLabelValues(string(action), strconv.Itoa(res.Code)).Inc()
	return res
}

// SubmitImagine creates and queues a text-to-image task.
func (s *Service) SubmitImagine(ctx context.Context, prompt string) *domain.SubmitResult {
	_, span := s.tracer.Start(ctx, "dispatch.SubmitImagine")
	task := s.newTask(domain.ActionImagine, prompt)

	inst, err := s.chooseInstance()
	if err != nil {
		return s.record(span, task.Action(), domain.SubmitFailure(err.Error()))
	}
	s.logger.Info("task routed",
		slog.String("task_id", task.ID()),
		slog.String("action", string(task.Action())),
		slog.String("instance_id", inst.ID()),
	)
	return s.record(span, task.Action(), inst.SubmitImagine(task))
}

// SubmitChange queues an upscale, variation or reroll of a finished task.
// index selects the image within the grid for upscale and variation.
func (s *Service) SubmitChange(ctx context.Context, parentID string, change ChangeAction, index int) *domain.SubmitResult {
	_, span := s.tracer.Start(ctx, "dispatch.SubmitChange",
		trace.WithAttributes(attribute.String("change.action", string(change))))

	parent, err := s.store.Get(ctx, parentID)
	if err != nil {
		return s.record(span, domain.TaskAction(change), domain.SubmitFailure(err.Error()))
	}
	if parent.Status != domain.StatusSuccess {
		return s.record(span, domain.TaskAction(change),
			domain.SubmitFailure(fmt.Sprintf("source task %s has not finished", parentID)))
	}
	if parent.MessageID == "" || parent.MessageHash == "" {
		return s.record(span, domain.TaskAction(change),
			domain.SubmitFailure(fmt.Sprintf("source task %s carries no message reference", parentID)))
	}

	inst, err := s.instanceForTask(parent)
	if err != nil {
		return s.record(span, domain.TaskAction(change), domain.SubmitFailure(err.Error()))
	}

	flags := 0
	if v, ok := parent.Properties[PropertyFlags].(float64); ok {
		flags = int(v)
	} else if v, ok := parent.Properties[PropertyFlags].(int); ok {
		flags = v
	}

	var (
		task *domain.Task
		res  *domain.SubmitResult
	)
	switch change {
	case ChangeUpscale:
		task = s.newTask(domain.ActionUpscale, parent.Prompt)
		res = inst.SubmitUpscale(task, parent.MessageID, index, parent.MessageHash, flags)
	case ChangeVariation:
		task = s.newTask(domain.ActionVariation, parent.Prompt)
		res = inst.SubmitVariation(task, parent.MessageID, index, parent.MessageHash, flags)
	case ChangeReroll:
		task = s.newTask(domain.ActionReroll, parent.Prompt)
		res = inst.SubmitReroll(task, parent.MessageID, parent.MessageHash, flags)
	default:
		return s.record(span, domain.TaskAction(change),
			domain.SubmitFailure(fmt.Sprintf("unknown change action %q", change)))
	}
	return s.record(span, task.Action(), res)
}

// SubmitAction queues an arbitrary component interaction on a finished
// task's message.
func (s *Service) SubmitAction(ctx context.Context, parentID, customID string) *domain.SubmitResult {
	_, span := s.tracer.Start(ctx, "dispatch.SubmitAction")

	parent, err := s.store.Get(ctx, parentID)
	if err != nil {
		return s.record(span, domain.ActionCustom, domain.SubmitFailure(err.Error()))
	}
	if parent.MessageID == "" {
		return s.record(span, domain.ActionCustom,
			domain.SubmitFailure(fmt.Sprintf("source task %s carries no message reference", parentID)))
	}
	inst, err := s.instanceForTask(parent)
	if err != nil {
		return s.record(span, domain.ActionCustom, domain.SubmitFailure(err.Error()))
	}

	flags := 0
	if v, ok := parent.Properties[PropertyFlags].(float64); ok {
		flags = int(v)
	}
	task := s.newTask(domain.ActionCustom, parent.Prompt)
	return s.record(span, task.Action(), inst.SubmitAction(task, parent.MessageID, customID, flags))
}

// SubmitDescribe queues an image-to-text description of an uploaded image.
func (s *Service) SubmitDescribe(ctx context.Context, fileName, dataURL string) *domain.SubmitResult {
	_, span := s.tracer.Start(ctx, "dispatch.SubmitDescribe")
	task := s.newTask(domain.ActionDescribe, "")

	inst, err := s.chooseInstance()
	if err != nil {
		return s.record(span, task.Action(), domain.SubmitFailure(err.Error()))
	}
	return s.record(span, task.Action(), inst.SubmitDescribe(task, fileName, dataURL))
}

// SubmitBlend queues a blend of several uploaded images.
func (s *Service) SubmitBlend(ctx context.Context, fileNames, dataURLs []string, dimensions discord.BlendDimensions) *domain.SubmitResult {
	_, span := s.tracer.Start(ctx, "dispatch.SubmitBlend")
	task := s.newTask(domain.ActionBlend, "")

	if len(fileNames) != len(dataURLs) || len(dataURLs) < 2 {
		return s.record(span, task.Action(), domain.SubmitFailure("blend needs between 2 and 5 images"))
	}
	inst, err := s.chooseInstance()
	if err != nil {
		return s.record(span, task.Action(), domain.SubmitFailure(err.Error()))
	}
	return s.record(span, task.Action(), inst.SubmitBlend(task, fileNames, dataURLs, dimensions))
}

// CancelTask cancels a queued or running task wherever it lives. Returns
// TaskNotFoundError when no instance owns it.
func (s *Service) CancelTask(ctx context.Context, id string) error {
	for _, inst := range s.registry.All() {
		if inst.ExitTask(id) {
			s.logger.Info("task cancelled",
				slog.String("task_id", id),
				slog.String("instance_id", inst.ID()),
			)
			return nil
		}
	}
	return &domain.TaskNotFoundError{TaskID: id}
}

// GetTask loads a task snapshot, preferring the live in-memory record over
// the persisted one.
func (s *Service) GetTask(ctx context.Context, id string) (*domain.TaskData, error) {
	if _, task := s.registry.FindTask(id); task != nil {
		snap := task.Snapshot()
		return &snap, nil
	}
	return s.store.Get(ctx, id)
}

// ListTasks returns all persisted task snapshots.
func (s *Service) ListTasks(ctx context.Context) ([]*domain.TaskData, error) {
	return s.store.List(ctx)
}

// Instances exposes the registry for the account listing surface.
func (s *Service) Instances() []*instance.Instance {
	return s.registry.All()
}
