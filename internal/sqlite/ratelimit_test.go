package sqlite_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdholdren/chapterhouse/internal/ratelimit"
	"github.com/jdholdren/chapterhouse/internal/sqlite/sqlitetest"
)

func TestTake_BurstThenWait(t *testing.T) {
	var (
		ctx  = context.Background()
		repo = sqlitetest.New(t)
		b    = ratelimit.Bucket{Capacity: 10, Rate: 5}
		now  = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	)

	for i := range 10 {
		wait, err := repo.Take(ctx, "mangadex", b, now)
		require.NoError(t, err)
		assert.Zero(t, wait, "take %d", i+1)
	}

	wait, err := repo.Take(ctx, "mangadex", b, now)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, wait, 200*time.Millisecond)

	wait, err = repo.Take(ctx, "mangadex", b, now.Add(200*time.Millisecond))
	require.NoError(t, err)
	assert.Zero(t, wait)

	// Other sources have their own bucket.
	wait, err = repo.Take(ctx, "other", b, now)
	require.NoError(t, err)
	assert.Zero(t, wait)
}

func TestTake_ConcurrentNoOvergrant(t *testing.T) {
	var (
		ctx     = context.Background()
		repo    = sqlitetest.New(t)
		b       = ratelimit.Bucket{Capacity: 5, Rate: 0.001}
		now     = time.Now()
		granted atomic.Int64
		wg      sync.WaitGroup
	)

	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			wait, err := repo.Take(ctx, "mangadex", b, now)
			assert.NoError(t, err)
			if err == nil && wait == 0 {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(5), granted.Load())
}

func TestTake_WithLimiter(t *testing.T) {
	var (
		repo = sqlitetest.New(t)
		l    = ratelimit.New(repo, ratelimit.Config{
			Default:        ratelimit.Bucket{Capacity: 1, Rate: 0.01},
			AcquireTimeout: 50 * time.Millisecond,
		})
	)

	require.NoError(t, l.Acquire(context.Background(), "mangadex"))
	assert.ErrorIs(t, l.Acquire(context.Background(), "mangadex"), ratelimit.ErrAcquireTimeout)
}
