// Package store persists task snapshots. The live store is Redis-backed;
// an optional Postgres mirror keeps a durable audit copy.
package store

import (
	"context"

	"github.com/we-make-money/midjourney-proxy/internal/domain"
)

// Store is the task store consumed by the dispatcher core. Save upserts by
// task id. Implementations must be safe for concurrent use.
type Store interface {
	Save(ctx context.Context, task domain.TaskData) error
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*domain.TaskData, error)
	List(ctx context.Context) ([]*domain.TaskData, error)
}
