package store

import (
	"context"
	"sort"
	"sync"

	"github.com/we-make-money/midjourney-proxy/internal/domain"
)

// MemoryStore is an in-process Store used in tests and redis-less
// deployments.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]domain.TaskData
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]domain.TaskData)}
}

func (s *MemoryStore) Save(_ context.Context, task domain.TaskData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = task
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, id)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*domain.TaskData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	return &task, nil
}

// List returns all tasks, newest submissions first.
func (s *MemoryStore) List(_ context.Context) ([]*domain.TaskData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tasks := make([]*domain.TaskData, 0, len(s.tasks))
	for _, task := range s.tasks {
		t := task
		tasks = append(tasks, &t)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].SubmitTime > tasks[j].SubmitTime })
	return tasks, nil
}
