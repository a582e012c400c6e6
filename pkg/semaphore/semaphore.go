// Package semaphore provides the bounded counting semaphore gating
// concurrent task execution on an instance.
package semaphore

import (
	"context"
	"sync/atomic"
	"time"

	xsem "golang.org/x/sync/semaphore"
)

// Semaphore is a fixed-capacity counting semaphore with a blocking Acquire,
// a deadline-bounded TryAcquire, and a Release that panics on over-release.
// Waiters are served FIFO, so starvation is bounded.
type Semaphore struct {
	capacity int64
	held     atomic.Int64
	w        *xsem.Weighted
}

// New creates a semaphore with n permits. n must be >= 1.
func New(n int) *Semaphore {
	if n < 1 {
		panic("semaphore: capacity must be >= 1")
	}
	return &Semaphore{capacity: int64(n), w: xsem.NewWeighted(int64(n))}
}

// Acquire blocks until a permit is free or ctx is done.
func (s *Semaphore) Acquire(ctx context.Context) error {
	if err := s.w.Acquire(ctx, 1); err != nil {
		return err
	}
	s.held.Add(1)
	return nil
}

// TryAcquire returns true if a permit was obtained within timeout.
func (s *Semaphore) TryAcquire(timeout time.Duration) bool {
	if s.w.TryAcquire(1) {
		s.held.Add(1)
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.w.Acquire(ctx, 1); err != nil {
		return false
	}
	s.held.Add(1)
	return true
}

// Release returns a permit. Releasing more permits than were acquired is a
// programmer error and panics.
func (s *Semaphore) Release() {
	if s.held.Add(-1) < 0 {
		s.held.Add(1)
		panic("semaphore: released more than held")
	}
	s.w.Release(1)
}

// Cap returns the permit capacity.
func (s *Semaphore) Cap() int { return int(s.capacity) }

// Available returns the number of free permits at the moment of the call.
func (s *Semaphore) Available() int { return int(s.capacity - s.held.Load()) }
