package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/we-make-money/midjourney-proxy/internal/domain"
	"github.com/we-make-money/midjourney-proxy/internal/store"
)

func TestMemoryStore_SaveGetDelete(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	task := domain.TaskData{ID: "t-1", Action: domain.ActionImagine, Status: domain.StatusNotStart}
	require.NoError(t, s.Save(ctx, task))

	got, err := s.Get(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ActionImagine, got.Action)

	// Save is an upsert by id.
	task.Status = domain.StatusSuccess
	require.NoError(t, s.Save(ctx, task))
	got, err = s.Get(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, got.Status)

	require.NoError(t, s.Delete(ctx, "t-1"))
	_, err = s.Get(ctx, "t-1")
	var notFound *domain.TaskNotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestMemoryStore_GetMissing(t *testing.T) {
	s := store.NewMemoryStore()
	_, err := s.Get(context.Background(), "nope")
	var notFound *domain.TaskNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "nope", notFound.TaskID)
}

func TestMemoryStore_ListNewestFirst(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, domain.TaskData{ID: "old", SubmitTime: 100}))
	require.NoError(t, s.Save(ctx, domain.TaskData{ID: "new", SubmitTime: 300}))
	require.NoError(t, s.Save(ctx, domain.TaskData{ID: "mid", SubmitTime: 200}))

	tasks, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.Equal(t, "new", tasks[0].ID)
	assert.Equal(t, "mid", tasks[1].ID)
	assert.Equal(t, "old", tasks[2].ID)
}

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, domain.TaskData{ID: "t-1", Progress: "10%"}))

	got, err := s.Get(ctx, "t-1")
	require.NoError(t, err)
	got.Progress = "mutated"

	again, err := s.Get(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, "10%", again.Progress)
}
