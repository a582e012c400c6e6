package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/we-make-money/midjourney-proxy/internal/domain"
)

const defaultTaskTTL = 24 * time.Hour

func taskKey(id string) string { return "mj:task:" + id }

// RedisStore keeps task snapshots in Redis with a TTL.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewClient creates a Redis client with the pool settings used throughout
// the service.
func NewClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
		PoolSize:     10,
	})
}

// NewRedisStore creates a Redis-backed Store. ttl <= 0 uses the default of
// 24 hours.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = defaultTaskTTL
	}
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) Save(ctx context.Context, task domain.TaskData) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", task.ID, err)
	}
	if err := s.client.Set(ctx, taskKey(task.ID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis save task %s: %w", task.ID, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, taskKey(id)).Err(); err != nil {
		return fmt.Errorf("redis delete task %s: %w", id, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*domain.TaskData, error) {
	data, err := s.client.Get(ctx, taskKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, &domain.TaskNotFoundError{TaskID: id}
		}
		return nil, fmt.Errorf("redis get task %s: %w", id, err)
	}
	var task domain.TaskData
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("unmarshal task %s: %w", id, err)
	}
	return &task, nil
}

// List scans all task keys. Intended for the admin/task-list surface, not
// hot paths.
func (s *RedisStore) List(ctx context.Context) ([]*domain.TaskData, error) {
	var tasks []*domain.TaskData
	iter := s.client.Scan(ctx, 0, taskKey("*"), 200).Iterator()
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue // expired between scan and get
			}
			return nil, fmt.Errorf("redis get %s: %w", iter.Val(), err)
		}
		var task domain.TaskData
		if err := json.Unmarshal(data, &task); err != nil {
			continue
		}
		tasks = append(tasks, &task)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan tasks: %w", err)
	}
	return tasks, nil
}
