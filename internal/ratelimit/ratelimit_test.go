package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdholdren/chapterhouse/internal/catalog"
)

func newMemoryStore(t *testing.T) *MemoryStore {
	t.Helper()

	s, err := NewMemoryStore(128)
	require.NoError(t, err)
	return s
}

func TestMemoryStore_BurstThenWait(t *testing.T) {
	var (
		ctx   = context.Background()
		store = newMemoryStore(t)
		b     = Bucket{Capacity: 10, Rate: 5}
		now   = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	)

	for i := range 10 {
		wait, err := store.Take(ctx, "mangadex", b, now)
		require.NoError(t, err)
		assert.Zero(t, wait, "take %d should be granted", i+1)
	}

	// The 11th in the same instant has to wait for one token at 5/s.
	wait, err := store.Take(ctx, "mangadex", b, now)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, wait, 200*time.Millisecond)

	// Once that time has passed it goes through.
	wait, err = store.Take(ctx, "mangadex", b, now.Add(200*time.Millisecond))
	require.NoError(t, err)
	assert.Zero(t, wait)
}

func TestMemoryStore_SourcesAreIndependent(t *testing.T) {
	var (
		ctx   = context.Background()
		store = newMemoryStore(t)
		b     = Bucket{Capacity: 1, Rate: 1}
		now   = time.Now()
	)

	wait, err := store.Take(ctx, "a", b, now)
	require.NoError(t, err)
	assert.Zero(t, wait)

	wait, err = store.Take(ctx, "b", b, now)
	require.NoError(t, err)
	assert.Zero(t, wait)

	wait, err = store.Take(ctx, "a", b, now)
	require.NoError(t, err)
	assert.Positive(t, wait)
}

func TestMemoryStore_RefillCapped(t *testing.T) {
	var (
		ctx   = context.Background()
		store = newMemoryStore(t)
		b     = Bucket{Capacity: 2, Rate: 100}
		now   = time.Now()
	)

	for range 2 {
		_, err := store.Take(ctx, "a", b, now)
		require.NoError(t, err)
	}

	// An hour later the bucket holds at most its capacity.
	later := now.Add(time.Hour)
	granted := 0
	for range 5 {
		wait, err := store.Take(ctx, "a", b, later)
		require.NoError(t, err)
		if wait == 0 {
			granted++
		}
	}
	assert.Equal(t, 2, granted)
}

func TestMemoryStore_ConcurrentNoOvergrant(t *testing.T) {
	var (
		ctx     = context.Background()
		store   = newMemoryStore(t)
		b       = Bucket{Capacity: 10, Rate: 0.001}
		now     = time.Now()
		granted atomic.Int64
		wg      sync.WaitGroup
	)

	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			wait, err := store.Take(ctx, "a", b, now)
			if err == nil && wait == 0 {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), granted.Load())
}

func TestLimiter_AcquireWaitsForRefill(t *testing.T) {
	l := New(newMemoryStore(t), Config{
		Default:        Bucket{Capacity: 1, Rate: 20},
		AcquireTimeout: time.Second,
	})

	ctx := context.Background()
	require.NoError(t, l.Acquire(ctx, "a"))

	start := time.Now()
	require.NoError(t, l.Acquire(ctx, "a"))
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestLimiter_AcquireTimeout(t *testing.T) {
	l := New(newMemoryStore(t), Config{
		Default:        Bucket{Capacity: 1, Rate: 0.01},
		AcquireTimeout: 50 * time.Millisecond,
	})

	ctx := context.Background()
	require.NoError(t, l.Acquire(ctx, "a"))

	err := l.Acquire(ctx, "a")
	require.ErrorIs(t, err, ErrAcquireTimeout)
	assert.True(t, catalog.IsTransient(err))
}

func TestLimiter_ParentCancel(t *testing.T) {
	l := New(newMemoryStore(t), Config{
		Default:        Bucket{Capacity: 1, Rate: 0.01},
		AcquireTimeout: time.Minute,
	})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, l.Acquire(ctx, "a"))

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := l.Acquire(ctx, "a")
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestLimiter_Overrides(t *testing.T) {
	l := New(newMemoryStore(t), Config{
		Overrides: map[string]Bucket{"slow": {Capacity: 1, Rate: 0.5}},
	})

	assert.Equal(t, Bucket{Capacity: 1, Rate: 0.5}, l.Bucket("slow"))
	assert.Equal(t, DefaultConfig().Default, l.Bucket("anything-else"))
}
