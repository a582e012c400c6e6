// Package api exposes the submission and query surface over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/we-make-money/midjourney-proxy/internal/discord"
	"github.com/we-make-money/midjourney-proxy/internal/dispatch"
	"github.com/we-make-money/midjourney-proxy/internal/domain"
	"github.com/we-make-money/midjourney-proxy/internal/instance"
)

// Submitter is the dispatch surface the handlers depend on.
type Submitter interface {
	SubmitImagine(ctx context.Context, prompt string) *domain.SubmitResult
	SubmitChange(ctx context.Context, parentID string, change dispatch.ChangeAction, index int) *domain.SubmitResult
	SubmitAction(ctx context.Context, parentID, customID string) *domain.SubmitResult
	SubmitDescribe(ctx context.Context, fileName, dataURL string) *domain.SubmitResult
	SubmitBlend(ctx context.Context, fileNames, dataURLs []string, dimensions discord.BlendDimensions) *domain.SubmitResult
	CancelTask(ctx context.Context, id string) error
	GetTask(ctx context.Context, id string) (*domain.TaskData, error)
	ListTasks(ctx context.Context) ([]*domain.TaskData, error)
	Instances() []*instance.Instance
}

// Handlers serves the /mj API.
type Handlers struct {
	dispatch Submitter
	validate *validator.Validate
	logger   *slog.Logger
}

// NewHandlers creates the handler set.
func NewHandlers(dispatch Submitter, logger *slog.Logger) *Handlers {
	return &Handlers{
		dispatch: dispatch,
		validate: validator.New(),
		logger:   logger.With(slog.String("component", "api")),
	}
}

func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// Imagine handles POST /mj/submit/imagine.
func (h *Handlers) Imagine(w http.ResponseWriter, r *http.Request) {
	var req ImagineRequest
	if !h.decode(w, r, &req) {
		return
	}
	writeResult(w, h.dispatch.SubmitImagine(r.Context(), req.Prompt))
}

// Change handles POST /mj/submit/change.
func (h *Handlers) Change(w http.ResponseWriter, r *http.Request) {
	var req ChangeRequest
	if !h.decode(w, r, &req) {
		return
	}
	change := dispatch.ChangeAction(req.Action)
	if (change == dispatch.ChangeUpscale || change == dispatch.ChangeVariation) && req.Index == 0 {
		writeError(w, http.StatusBadRequest, "field 'index' is required for UPSCALE and VARIATION")
		return
	}
	writeResult(w, h.dispatch.SubmitChange(r.Context(), req.TaskID, change, req.Index))
}

// Action handles POST /mj/submit/action.
func (h *Handlers) Action(w http.ResponseWriter, r *http.Request) {
	var req ActionRequest
	if !h.decode(w, r, &req) {
		return
	}
	writeResult(w, h.dispatch.SubmitAction(r.Context(), req.TaskID, req.CustomID))
}

// Describe handles POST /mj/submit/describe.
func (h *Handlers) Describe(w http.ResponseWriter, r *http.Request) {
	var req DescribeRequest
	if !h.decode(w, r, &req) {
		return
	}
	writeResult(w, h.dispatch.SubmitDescribe(r.Context(), "describe.png", req.Base64))
}

// Blend handles POST /mj/submit/blend.
func (h *Handlers) Blend(w http.ResponseWriter, r *http.Request) {
	var req BlendRequest
	if !h.decode(w, r, &req) {
		return
	}
	dimensions := discord.BlendDimensions(req.Dimensions)
	if dimensions == "" {
		dimensions = discord.BlendSquare
	}
	names := make([]string, len(req.Base64Array))
	for n := range req.Base64Array {
		names[n] = fmt.Sprintf("blend-%d.png", n)
	}
	writeResult(w, h.dispatch.SubmitBlend(r.Context(), names, req.Base64Array, dimensions))
}

// FetchTask handles GET /mj/task/{id}/fetch.
func (h *Handlers) FetchTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, err := h.dispatch.GetTask(r.Context(), id)
	if err != nil {
		var notFound *domain.TaskNotFoundError
		if errors.As(err, &notFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		h.logger.Error("fetch task failed",
			slog.String("task_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to retrieve task")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// ListTasks handles GET /mj/task/list.
func (h *Handlers) ListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.dispatch.ListTasks(r.Context())
	if err != nil {
		h.logger.Error("list tasks failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	if tasks == nil {
		tasks = []*domain.TaskData{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

// CancelTask handles POST /mj/task/{id}/cancel.
func (h *Handlers) CancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.dispatch.CancelTask(r.Context(), id); err != nil {
		var notFound *domain.TaskNotFoundError
		if errors.As(err, &notFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to cancel task")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// ListAccounts handles GET /mj/account/list.
func (h *Handlers) ListAccounts(w http.ResponseWriter, r *http.Request) {
	instances := h.dispatch.Instances()
	views := make([]AccountView, 0, len(instances))
	for _, inst := range instances {
		account := inst.Account()
		views = append(views, AccountView{
			ID:           account.ID,
			Enabled:      account.Enabled,
			CoreSize:     inst.EffectiveCoreSize(),
			Weight:       account.Weight,
			QueueLength:  inst.QueueLen(),
			RunningCount: inst.RunningFutureCount(),
		})
	}
	writeJSON(w, http.StatusOK, views)
}

// Healthz handles GET /healthz.
func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// Readyz handles GET /readyz. Ready means at least one alive instance.
func (h *Handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	for _, inst := range h.dispatch.Instances() {
		if inst.IsAlive() {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"status":"ready"}`))
			return
		}
	}
	writeError(w, http.StatusServiceUnavailable, "no alive instance")
}

// writeResult maps a submission outcome onto an HTTP status. Accepted and
// queued submissions are 200; rejections keep the body but signal the
// class of failure in the status.
func writeResult(w http.ResponseWriter, res *domain.SubmitResult) {
	status := http.StatusOK
	switch res.Code {
	case domain.CodeSuccess, domain.CodeInQueue:
	case domain.CodeExisted, domain.CodeBannedPrompt:
		status = http.StatusBadRequest
	case domain.CodeQueueFull:
		status = http.StatusTooManyRequests
	default:
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, res)
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
