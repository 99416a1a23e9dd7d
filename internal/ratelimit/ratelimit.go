// Package ratelimit throttles outbound crawl requests with a token bucket per
// source. Bucket state lives in a [Store] so that every worker, in any
// process, draws from the same budget.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/jdholdren/chapterhouse/internal/catalog"
	"github.com/jdholdren/chapterhouse/internal/metrics"
)

// ErrAcquireTimeout is returned when no token became available within the
// acquire timeout. The caller should re-queue its work.
var ErrAcquireTimeout = &catalog.TransientError{Message: "timed out waiting for rate limit token"}

// Bucket is the shape of a token bucket: Capacity is the burst size and Rate
// the refill in tokens per second.
type Bucket struct {
	Capacity float64
	Rate     float64
}

// Store atomically refills and debits buckets.
type Store interface {
	// Take debits one token from the source's bucket if one is available at
	// now and returns zero. Otherwise nothing is debited and the returned
	// duration is how long until a token will exist.
	Take(ctx context.Context, source string, b Bucket, now time.Time) (time.Duration, error)
}

type Config struct {
	Default        Bucket
	Overrides      map[string]Bucket
	AcquireTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Default:        Bucket{Capacity: 10, Rate: 5},
		AcquireTimeout: 30 * time.Second,
	}
}

// Limiter hands out tokens from a [Store].
type Limiter struct {
	store Store
	cfg   Config
	now   func() time.Time
}

func New(store Store, cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.Default.Capacity <= 0 || cfg.Default.Rate <= 0 {
		cfg.Default = def.Default
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = def.AcquireTimeout
	}

	return &Limiter{
		store: store,
		cfg:   cfg,
		now:   time.Now,
	}
}

// Bucket returns the configured bucket for source.
func (l *Limiter) Bucket(source string) Bucket {
	if b, ok := l.cfg.Overrides[source]; ok && b.Capacity > 0 && b.Rate > 0 {
		return b
	}
	return l.cfg.Default
}

// Acquire blocks until a token for source is granted. It sleeps on a timer
// between attempts and gives up with [ErrAcquireTimeout] once the acquire
// timeout elapses.
func (l *Limiter) Acquire(ctx context.Context, source string) error {
	waitCtx, cancel := context.WithTimeout(ctx, l.cfg.AcquireTimeout)
	defer cancel()

	var (
		b     = l.Bucket(source)
		start = time.Now()
	)
	for {
		wait, err := l.store.Take(waitCtx, source, b, l.now())
		if err != nil {
			if ctx.Err() == nil && waitCtx.Err() != nil {
				return ErrAcquireTimeout
			}
			return fmt.Errorf("error taking token for %s: %w", source, err)
		}
		if wait <= 0 {
			metrics.LimiterWaitSeconds.WithLabelValues(source).Observe(time.Since(start).Seconds())
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-waitCtx.Done():
			timer.Stop()
			if err := ctx.Err(); err != nil {
				return err
			}
			slog.WarnContext(ctx, "rate limit acquire timed out", "source", source, "waited", time.Since(start))
			return ErrAcquireTimeout
		case <-timer.C:
		}
	}
}

// refill computes the lazily refilled token count.
func refill(tokens float64, last, now time.Time, b Bucket) float64 {
	elapsed := now.Sub(last).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	return math.Min(b.Capacity, tokens+elapsed*b.Rate)
}

// untilToken is how long it takes to go from current to one whole token.
func untilToken(current float64, b Bucket) time.Duration {
	missing := 1 - current
	if missing <= 0 {
		return 0
	}
	return time.Duration(math.Ceil(missing / b.Rate * float64(time.Second)))
}
