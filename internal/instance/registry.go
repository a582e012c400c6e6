package instance

import (
	"log/slog"
	"sync"

	"github.com/we-make-money/midjourney-proxy/internal/domain"
)

// Registry holds the configured instances in registration order. Order is
// preserved so balancing tie-breaks are deterministic.
type Registry struct {
	mu    sync.RWMutex
	order []*Instance
	byID  map[string]*Instance

	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		byID:   make(map[string]*Instance),
		logger: logger.With(slog.String("component", "registry")),
	}
}

// Register adds an instance, replacing any previous one with the same id.
func (r *Registry) Register(inst *Instance) {
	account := inst.Account()
	if account.CoreSize > domain.MaxCoreSize {
		r.logger.Warn("core size above limit, clamped",
			slog.String("instance_id", account.ID),
			slog.Int("requested", account.CoreSize),
			slog.Int("effective", account.EffectiveCoreSize()),
		)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[inst.ID()]; ok {
		for n, existing := range r.order {
			if existing.ID() == inst.ID() {
				r.order[n] = inst
				break
			}
		}
	} else {
		r.order = append(r.order, inst)
	}
	r.byID[inst.ID()] = inst
}

// Get returns the instance with the given id, or nil.
func (r *Registry) Get(id string) *Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[id]
}

// All returns every registered instance in registration order.
func (r *Registry) All() []*Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Instance, len(r.order))
	copy(out, r.order)
	return out
}

// Alive returns the instances whose accounts accept new work, in
// registration order.
func (r *Registry) Alive() []*Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Instance, 0, len(r.order))
	for _, inst := range r.order {
		if inst.IsAlive() {
			out = append(out, inst)
		}
	}
	return out
}

// FindTask scans all instances for the task, queued or running. Returns
// the owning instance and the task, or nils.
func (r *Registry) FindTask(id string) (*Instance, *domain.Task) {
	for _, inst := range r.All() {
		if task := inst.GetRunningTask(id); task != nil {
			return inst, task
		}
		for _, task := range inst.QueuedTasks() {
			if task.ID() == id {
				return inst, task
			}
		}
	}
	return nil, nil
}
