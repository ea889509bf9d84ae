package automation

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRateLimiter_SlidingWindow(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryRateLimiter()
	t0 := time.Date(2026, 2, 2, 10, 0, 0, 0, time.UTC)

	_, ok, err := l.Acquire(ctx, "k", 2, time.Hour, t0)
	require.NoError(t, err)
	assert.True(t, ok)
	_, ok, _ = l.Acquire(ctx, "k", 2, time.Hour, t0.Add(10*time.Minute))
	assert.True(t, ok)
	_, ok, _ = l.Acquire(ctx, "k", 2, time.Hour, t0.Add(59*time.Minute))
	assert.False(t, ok, "window is full")

	// the first hit has rolled out of the window
	_, ok, _ = l.Acquire(ctx, "k", 2, time.Hour, t0.Add(61*time.Minute))
	assert.True(t, ok)
}

func TestMemoryRateLimiter_LifetimeAndRelease(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryRateLimiter()
	t0 := time.Date(2026, 2, 2, 10, 0, 0, 0, time.UTC)

	token, ok, err := l.Acquire(ctx, "lead", 1, 0, t0)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, _ = l.Acquire(ctx, "lead", 1, 0, t0.Add(365*24*time.Hour))
	assert.False(t, ok, "a zero window never expires")

	require.NoError(t, l.Release(ctx, "lead", token))
	_, ok, _ = l.Acquire(ctx, "lead", 1, 0, t0)
	assert.True(t, ok)
}

func TestMemoryRateLimiter_ConcurrentCap(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryRateLimiter()
	now := time.Now()

	var granted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok, err := l.Acquire(ctx, "rule:x:hour", 5, time.Hour, now); err == nil && ok {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(5), granted.Load())
}
