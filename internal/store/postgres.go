package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/we-make-money/midjourney-proxy/internal/domain"
)

// NewPool creates a pgx pool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

// AuditStore decorates an inner Store with a durable Postgres mirror.
// Reads are served by the inner store; every write is additionally
// upserted into the mj_task table, and audit failures are logged without
// affecting task outcome.
type AuditStore struct {
	inner  Store
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewAuditStore wraps inner with the Postgres mirror.
func NewAuditStore(inner Store, pool *pgxpool.Pool, logger *slog.Logger) *AuditStore {
	return &AuditStore{
		inner:  inner,
		pool:   pool,
		logger: logger.With(slog.String("component", "task-audit")),
	}
}

// EnsureSchema creates the audit table when it does not exist.
func (s *AuditStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS mj_task (
			id          TEXT PRIMARY KEY,
			action      TEXT NOT NULL,
			status      TEXT NOT NULL,
			prompt      TEXT,
			progress    TEXT,
			image_url   TEXT,
			fail_reason TEXT,
			submit_time BIGINT,
			start_time  BIGINT,
			finish_time BIGINT,
			updated_at  TIMESTAMPTZ NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create mj_task table: %w", err)
	}
	return nil
}

func (s *AuditStore) Save(ctx context.Context, task domain.TaskData) error {
	if err := s.inner.Save(ctx, task); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO mj_task
			(id, action, status, prompt, progress, image_url, fail_reason,
			 submit_time, start_time, finish_time, updated_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			progress = EXCLUDED.progress,
			image_url = EXCLUDED.image_url,
			fail_reason = EXCLUDED.fail_reason,
			start_time = EXCLUDED.start_time,
			finish_time = EXCLUDED.finish_time,
			updated_at = EXCLUDED.updated_at
	`,
		task.ID, string(task.Action), string(task.Status), task.Prompt,
		task.Progress, task.ImageURL, task.FailReason,
		task.SubmitTime, task.StartTime, task.FinishTime, time.Now().UTC(),
	)
	if err != nil {
		s.logger.Error("audit upsert failed",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

func (s *AuditStore) Delete(ctx context.Context, id string) error {
	if err := s.inner.Delete(ctx, id); err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM mj_task WHERE id = $1`, id); err != nil {
		s.logger.Error("audit delete failed",
			slog.String("task_id", id),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

func (s *AuditStore) Get(ctx context.Context, id string) (*domain.TaskData, error) {
	return s.inner.Get(ctx, id)
}

func (s *AuditStore) List(ctx context.Context) ([]*domain.TaskData, error) {
	return s.inner.List(ctx)
}
