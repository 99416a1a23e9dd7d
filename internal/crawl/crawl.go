// Package crawl runs the worker pool that drains the crawl queue: it claims
// a job, waits for the source's rate limit, fetches the chapter listing and
// ingests every chapter in it.
package crawl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/jdholdren/chapterhouse/internal/catalog"
	"github.com/jdholdren/chapterhouse/internal/logger"
	"github.com/jdholdren/chapterhouse/internal/metrics"
	"github.com/jdholdren/chapterhouse/internal/queue"
	"github.com/jdholdren/chapterhouse/internal/ratelimit"
	"github.com/jdholdren/chapterhouse/internal/source"
)

type (
	Repo interface {
		SeriesSource(ctx context.Context, id string) (catalog.SeriesSource, error)
		RecordCrawlSuccess(ctx context.Context, id string, now time.Time) error
		RecordCrawlFailure(ctx context.Context, id string, now time.Time) error
	}

	Adapters interface {
		Get(name string) (source.Adapter, error)
	}

	Limiter interface {
		Acquire(ctx context.Context, source string) error
	}

	Ingester interface {
		IngestWithRetry(ctx context.Context, report catalog.ChapterReport) (catalog.IngestResult, error)
	}
)

type Config struct {
	Workers int
	// Lease is how long a claimed job stays invisible to other workers.
	Lease        time.Duration
	PollInterval time.Duration
	// CallTimeout bounds a single adapter call.
	CallTimeout time.Duration
	MaxAttempts int
	// InitialBackoff and MaxBackoff shape the retry delay of transient
	// failures.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// DeferDelay is how long a job waits after the rate limiter timed out.
	DeferDelay      time.Duration
	ReleaseInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Workers:         4,
		Lease:           5 * time.Minute,
		PollInterval:    time.Second,
		CallTimeout:     30 * time.Second,
		MaxAttempts:     5,
		InitialBackoff:  10 * time.Second,
		MaxBackoff:      10 * time.Minute,
		DeferDelay:      5 * time.Second,
		ReleaseInterval: time.Minute,
	}
}

// Outcomes of a handled job, as counted in metrics.
const (
	outcomeSuccess  = "success"
	outcomeRetry    = "retry"
	outcomeDeferred = "deferred"
	outcomeFailed   = "failed"
)

type Pool struct {
	queue    queue.Consumer
	repo     Repo
	adapters Adapters
	limiter  Limiter
	ingester Ingester
	cfg      Config
	now      func() time.Time
}

func New(q queue.Consumer, repo Repo, adapters Adapters, limiter Limiter, ingester Ingester, cfg Config) *Pool {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.Lease <= 0 {
		cfg.Lease = def.Lease
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.DeferDelay <= 0 {
		cfg.DeferDelay = def.DeferDelay
	}
	if cfg.ReleaseInterval <= 0 {
		cfg.ReleaseInterval = def.ReleaseInterval
	}

	return &Pool{
		queue:    q,
		repo:     repo,
		adapters: adapters,
		limiter:  limiter,
		ingester: ingester,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Run starts the workers and the stale lease reaper and blocks until ctx is
// done.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := range p.cfg.Workers {
		g.Go(func() error {
			p.work(logger.Ctx(ctx, slog.Int("worker", i)))
			return nil
		})
	}
	g.Go(func() error {
		p.reap(ctx)
		return nil
	})

	slog.InfoContext(ctx, "crawl workers started", "workers", p.cfg.Workers)
	return g.Wait()
}

func (p *Pool) work(ctx context.Context) {
	for {
		ok, err := p.ProcessNext(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			slog.ErrorContext(ctx, "error processing crawl job", "err", err)
		}
		if ok {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.cfg.PollInterval):
		}
	}
}

func (p *Pool) reap(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.ReleaseInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		n, err := p.queue.ReleaseStale(ctx, queue.Crawl, p.now())
		if err != nil {
			slog.ErrorContext(ctx, "error releasing stale crawl jobs", "err", err)
			continue
		}
		if n > 0 {
			slog.WarnContext(ctx, "released crawl jobs with expired leases", "count", n)
		}
	}
}

// ProcessNext claims and handles one job. It reports false when the queue
// had nothing ready.
func (p *Pool) ProcessNext(ctx context.Context) (bool, error) {
	job, err := p.queue.Claim(ctx, queue.Crawl, p.now(), p.cfg.Lease)
	if errors.Is(err, queue.ErrEmpty) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("error claiming job: %w", err)
	}

	return true, p.handle(logger.Ctx(ctx, slog.String("job_id", job.ID), slog.String("kind", string(job.Kind))), job)
}

func (p *Pool) handle(ctx context.Context, job queue.Job) error {
	payload, err := queue.Decode(job.Kind, job.Payload)
	if err != nil {
		return p.fail(ctx, job, "", "unknown", err)
	}

	srcID, _, sourceName := queue.Target(payload)
	ctx = logger.Ctx(ctx, slog.String("series_source_id", srcID), slog.String("source", sourceName))

	src, err := p.repo.SeriesSource(ctx, srcID)
	if errors.Is(err, catalog.ErrNotFound) {
		return p.fail(ctx, job, "", sourceName, catalog.Permanent("series source no longer exists", err))
	}
	if err != nil {
		return p.failed(ctx, job, srcID, sourceName, err)
	}

	adapter, err := p.adapters.Get(sourceName)
	if err != nil {
		return p.failed(ctx, job, srcID, sourceName, err)
	}

	if err := p.limiter.Acquire(ctx, sourceName); err != nil {
		if errors.Is(err, ratelimit.ErrAcquireTimeout) {
			metrics.CrawlResults.WithLabelValues(sourceName, outcomeDeferred).Inc()
			slog.InfoContext(ctx, "deferring crawl job, rate limit budget exhausted")
			return p.queue.Defer(ctx, job.ID, p.now().Add(p.cfg.DeferDelay))
		}
		if ctx.Err() != nil {
			// The lease runs out and the reaper hands the job back.
			return ctx.Err()
		}
		return p.failed(ctx, job, srcID, sourceName, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	reports, err := adapter.Chapters(callCtx, src)
	cancel()
	if err != nil {
		return p.failed(ctx, job, srcID, sourceName, err)
	}

	var ingested, rejected int
	for _, r := range reports {
		if _, err := p.ingester.IngestWithRetry(ctx, r); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Already dead lettered by the ingester.
			rejected++
			continue
		}
		ingested++
	}

	if err := p.repo.RecordCrawlSuccess(ctx, srcID, p.now()); err != nil {
		return fmt.Errorf("error recording crawl success: %w", err)
	}
	if err := p.queue.Complete(ctx, job.ID); err != nil {
		return fmt.Errorf("error completing job: %w", err)
	}
	metrics.CrawlResults.WithLabelValues(sourceName, outcomeSuccess).Inc()

	slog.InfoContext(ctx, "crawled source", "reports", len(reports), "ingested", ingested, "rejected", rejected)
	return nil
}

// failed retries transient errors with backoff until the attempts run out,
// then gives up on the job.
func (p *Pool) failed(ctx context.Context, job queue.Job, srcID, sourceName string, cause error) error {
	if catalog.IsPermanent(cause) || job.Attempts >= p.cfg.MaxAttempts {
		return p.fail(ctx, job, srcID, sourceName, cause)
	}

	delay := p.backoff(job.Attempts)
	slog.WarnContext(ctx, "crawl failed, retrying",
		"attempt", job.Attempts,
		"delay", delay,
		"err", cause,
	)
	if err := p.queue.Retry(ctx, job.ID, p.now().Add(delay), cause.Error()); err != nil {
		return fmt.Errorf("error retrying job: %w", err)
	}
	metrics.CrawlResults.WithLabelValues(sourceName, outcomeRetry).Inc()

	return nil
}

// fail dead letters the job and counts a failure against its source.
func (p *Pool) fail(ctx context.Context, job queue.Job, srcID, sourceName string, cause error) error {
	slog.ErrorContext(ctx, "crawl job failed", "attempts", job.Attempts, "err", cause)

	if err := p.queue.Fail(ctx, job.ID, cause.Error()); err != nil {
		return fmt.Errorf("error failing job: %w", err)
	}
	metrics.DeadLetters.WithLabelValues(queue.Crawl).Inc()
	metrics.CrawlResults.WithLabelValues(sourceName, outcomeFailed).Inc()

	if srcID == "" {
		return nil
	}
	if err := p.repo.RecordCrawlFailure(ctx, srcID, p.now()); err != nil {
		return fmt.Errorf("error recording crawl failure: %w", err)
	}

	return nil
}

// backoff is the jittered exponential delay before the given attempt is
// retried.
func (p *Pool) backoff(attempt int) time.Duration {
	b := retry.NewExponential(p.cfg.InitialBackoff)
	b = retry.WithCappedDuration(p.cfg.MaxBackoff, b)
	b = retry.WithJitterPercent(10, b)

	var d time.Duration
	for range max(attempt, 1) {
		d, _ = b.Next()
	}
	return d
}
