package source

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/jdholdren/chapterhouse/internal/catalog"
	"github.com/jdholdren/chapterhouse/internal/metrics"
)

type BreakerConfig struct {
	// MinRequests is how many calls the window needs before it may trip.
	MinRequests  uint32
	FailureRatio float64
	// Interval clears the counts while closed.
	Interval time.Duration
	// Timeout is how long the circuit stays open before probing again.
	Timeout     time.Duration
	MaxHalfOpen uint32
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MinRequests:  10,
		FailureRatio: 0.6,
		Interval:     time.Minute,
		Timeout:      2 * time.Minute,
		MaxHalfOpen:  3,
	}
}

// Breaker wraps an adapter with a circuit breaker so a failing provider is
// left alone for a while instead of being hammered by every worker.
type Breaker struct {
	next Adapter
	cb   *gobreaker.CircuitBreaker[[]catalog.ChapterReport]
}

func NewBreaker(next Adapter, cfg BreakerConfig) *Breaker {
	def := DefaultBreakerConfig()
	if cfg.MinRequests == 0 {
		cfg.MinRequests = def.MinRequests
	}
	if cfg.FailureRatio <= 0 || cfg.FailureRatio > 1 {
		cfg.FailureRatio = def.FailureRatio
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxHalfOpen == 0 {
		cfg.MaxHalfOpen = def.MaxHalfOpen
	}

	name := next.Name()
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)

	cb := gobreaker.NewCircuitBreaker[[]catalog.ChapterReport](gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxHalfOpen,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= cfg.FailureRatio
		},
		// A permanent error is about one series, not the provider's health.
		IsSuccessful: func(err error) bool {
			return err == nil || catalog.IsPermanent(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state changed", "source", name, "from", from.String(), "to", to.String())
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateValue(to))
		},
	})

	return &Breaker{next: next, cb: cb}
}

func (b *Breaker) Name() string { return b.next.Name() }

// Chapters calls through the circuit. While it is open the call fails fast
// with a transient error.
func (b *Breaker) Chapters(ctx context.Context, src catalog.SeriesSource) ([]catalog.ChapterReport, error) {
	reports, err := b.cb.Execute(func() ([]catalog.ChapterReport, error) {
		return b.next.Chapters(ctx, src)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, catalog.Transient("circuit open for "+b.Name(), err)
	}

	return reports, err
}

func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	}
	return 0
}
