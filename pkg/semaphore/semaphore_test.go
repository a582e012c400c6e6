package semaphore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireReleaseCyclesRestoreCount(t *testing.T) {
	s := New(3)
	require.Equal(t, 3, s.Available())

	for i := 0; i < 10; i++ {
		require.NoError(t, s.Acquire(context.Background()))
		require.NoError(t, s.Acquire(context.Background()))
		s.Release()
		s.Release()
	}
	assert.Equal(t, 3, s.Available())
}

func TestTryAcquire_TimesOutWhenExhausted(t *testing.T) {
	s := New(1)
	require.NoError(t, s.Acquire(context.Background()))

	start := time.Now()
	ok := s.TryAcquire(20 * time.Millisecond)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	s.Release()
	assert.True(t, s.TryAcquire(20*time.Millisecond))
}

func TestTryAcquire_SucceedsWhenReleasedDuringWait(t *testing.T) {
	s := New(1)
	require.NoError(t, s.Acquire(context.Background()))

	go func() {
		time.Sleep(10 * time.Millisecond)
		s.Release()
	}()

	assert.True(t, s.TryAcquire(time.Second))
}

func TestAcquire_BlocksUntilPermitFree(t *testing.T) {
	s := New(1)
	require.NoError(t, s.Acquire(context.Background()))

	acquired := make(chan struct{})
	go func() {
		_ = s.Acquire(context.Background())
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("acquire returned while no permit was free")
	case <-time.After(20 * time.Millisecond):
	}

	s.Release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("acquire did not observe the released permit")
	}
}

func TestRelease_OverReleasePanics(t *testing.T) {
	s := New(2)
	require.NoError(t, s.Acquire(context.Background()))
	s.Release()

	assert.Panics(t, func() { s.Release() })
}

func TestNew_RejectsZeroCapacity(t *testing.T) {
	assert.Panics(t, func() { New(0) })
}
