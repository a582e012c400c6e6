package instance

import (
	"container/list"
	"sync"

	"github.com/we-make-money/midjourney-proxy/internal/domain"
)

// taskQueue is a FIFO of pending tasks with constant-time removal by task
// id, used when a queued task is cancelled before dispatch.
type taskQueue struct {
	mu    sync.Mutex
	ll    *list.List
	index map[string]*list.Element
	cap   int
}

// newTaskQueue creates a queue bounded at capacity. capacity <= 0 means
// unbounded.
func newTaskQueue(capacity int) *taskQueue {
	return &taskQueue{
		ll:    list.New(),
		index: make(map[string]*list.Element),
		cap:   capacity,
	}
}

// push appends the task and returns the queue depth before the append. A
// full queue returns ok=false and leaves the queue unchanged.
func (q *taskQueue) push(task *domain.Task) (before int, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	before = q.ll.Len()
	if q.cap > 0 && before >= q.cap {
		return before, false
	}
	q.index[task.ID()] = q.ll.PushBack(task)
	return before, true
}

// pop removes and returns the oldest task, or nil when the queue is empty.
func (q *taskQueue) pop() *domain.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	front := q.ll.Front()
	if front == nil {
		return nil
	}
	task := q.ll.Remove(front).(*domain.Task)
	delete(q.index, task.ID())
	return task
}

// remove pulls the task with the given id out of the queue, wherever it
// sits. Returns nil when the id is not queued.
func (q *taskQueue) remove(id string) *domain.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	elem, ok := q.index[id]
	if !ok {
		return nil
	}
	delete(q.index, id)
	return q.ll.Remove(elem).(*domain.Task)
}

func (q *taskQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ll.Len()
}

// tasks returns a front-to-back snapshot of the queued tasks.
func (q *taskQueue) tasks() []*domain.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*domain.Task, 0, q.ll.Len())
	for e := q.ll.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*domain.Task))
	}
	return out
}
