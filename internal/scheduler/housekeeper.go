// Package scheduler runs the periodic maintenance jobs of the dispatcher:
// stale-task sweeping and gauge refresh.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/we-make-money/midjourney-proxy/internal/domain"
	"github.com/we-make-money/midjourney-proxy/internal/instance"
	"github.com/we-make-money/midjourney-proxy/internal/store"
	"github.com/we-make-money/midjourney-proxy/pkg/telemetry"
)

// Housekeeper owns the cron runner. Jobs are registered at construction
// and fire until Stop.
type Housekeeper struct {
	cron     *cron.Cron
	registry *instance.Registry
	store    store.Store
	staleAge time.Duration
	logger   *slog.Logger
}

// NewHousekeeper builds the runner. sweepSpec is a standard cron
// expression (descriptors like @every accepted); staleAge is how long a
// persisted non-terminal task may go untouched before the sweep fails it.
func NewHousekeeper(registry *instance.Registry, st store.Store, sweepSpec string, staleAge time.Duration, logger *slog.Logger) (*Housekeeper, error) {
	h := &Housekeeper{
		cron:     cron.New(),
		registry: registry,
		store:    st,
		staleAge: staleAge,
		logger:   logger.With(slog.String("component", "housekeeper")),
	}
	if _, err := h.cron.AddFunc(sweepSpec, h.sweep); err != nil {
		return nil, fmt.Errorf("register sweep job %q: %w", sweepSpec, err)
	}
	if _, err := h.cron.AddFunc("@every 15s", h.refreshGauges); err != nil {
		return nil, fmt.Errorf("register gauge refresh: %w", err)
	}
	return h, nil
}

// Start launches the cron runner in its own goroutine.
func (h *Housekeeper) Start() { h.cron.Start() }

// Stop halts scheduling and waits for in-flight jobs.
func (h *Housekeeper) Stop() {
	<-h.cron.Stop().Done()
}

// sweep fails persisted tasks that are non-terminal but no longer owned by
// any instance, typically leftovers from a crashed process.
func (h *Housekeeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tasks, err := h.store.List(ctx)
	if err != nil {
		h.logger.Error("sweep list failed", slog.String("error", err.Error()))
		return
	}

	cutoff := time.Now().Add(-h.staleAge).UnixMilli()
	swept := 0
	for _, snap := range tasks {
		if snap.Status.IsTerminal() || snap.SubmitTime > cutoff {
			continue
		}
		if inst, _ := h.registry.FindTask(snap.ID); inst != nil {
			continue
		}
		snap.Status = domain.StatusFailure
		snap.FailReason = "task abandoned, no instance owns it"
		snap.FinishTime = time.Now().UnixMilli()
		if err := h.store.Save(ctx, *snap); err != nil {
			h.logger.Error("sweep save failed",
				slog.String("task_id", snap.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		swept++
	}
	if swept > 0 {
		h.logger.Info("swept abandoned tasks", slog.Int("count", swept))
	}
}

func (h *Housekeeper) refreshGauges() {
	for _, inst := range h.registry.All() {
		telemetry.InstanceQueueLength.WithLabelValues(inst.ID()).Set(float64(inst.QueueLen()))
		telemetry.InstanceRunning.WithLabelValues(inst.ID()).Set(float64(inst.RunningFutureCount()))
	}
}
