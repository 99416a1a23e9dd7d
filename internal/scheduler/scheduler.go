// Package scheduler selects series sources that are due for a crawl and
// puts crawl jobs for them on the queue.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jdholdren/chapterhouse/internal/catalog"
	"github.com/jdholdren/chapterhouse/internal/metrics"
	"github.com/jdholdren/chapterhouse/internal/queue"
)

type Repo interface {
	DueSources(ctx context.Context, now time.Time, failureCeiling, limit int) ([]catalog.DueSource, error)
	AdvanceNextCheck(ctx context.Context, ids []string, next time.Time) error
}

type Config struct {
	// BacklogCeiling is the crawl backlog at which a cycle is skipped.
	BacklogCeiling int
	// FailureCeiling excludes sources that failed this many times.
	FailureCeiling int
	BatchLimit     int
	TierAInterval  time.Duration
	TierBInterval  time.Duration
}

func DefaultConfig() Config {
	return Config{
		BacklogCeiling: 1000,
		FailureCeiling: 5,
		BatchLimit:     500,
		TierAInterval:  time.Hour,
		TierBInterval:  6 * time.Hour,
	}
}

// Outcome is what a single cycle did.
type Outcome string

const (
	OutcomeScheduled      Outcome = "scheduled"
	OutcomeIdle           Outcome = "idle"
	OutcomeSkippedBacklog Outcome = "skipped_backlog"
	OutcomeError          Outcome = "error"
)

type Result struct {
	Outcome  Outcome `json:"outcome"`
	Backlog  int     `json:"backlog"`
	Enqueued int     `json:"enqueued"`
}

type Scheduler struct {
	repo  Repo
	queue queue.Producer
	cfg   Config
	now   func() time.Time
}

func New(repo Repo, q queue.Producer, cfg Config) *Scheduler {
	def := DefaultConfig()
	if cfg.BacklogCeiling <= 0 {
		cfg.BacklogCeiling = def.BacklogCeiling
	}
	if cfg.FailureCeiling <= 0 {
		cfg.FailureCeiling = def.FailureCeiling
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = def.BatchLimit
	}
	if cfg.TierAInterval <= 0 {
		cfg.TierAInterval = def.TierAInterval
	}
	if cfg.TierBInterval <= 0 {
		cfg.TierBInterval = def.TierBInterval
	}

	return &Scheduler{
		repo:  repo,
		queue: q,
		cfg:   cfg,
		now:   time.Now,
	}
}

// Run performs one scheduling cycle. When the crawl backlog is at or over
// the ceiling nothing is enqueued at all.
func (s *Scheduler) Run(ctx context.Context) (Result, error) {
	res, err := s.run(ctx)
	if err != nil {
		res.Outcome = OutcomeError
	}
	metrics.SchedulerCycles.WithLabelValues(string(res.Outcome)).Inc()

	return res, err
}

func (s *Scheduler) run(ctx context.Context) (Result, error) {
	backlog, err := s.queue.BacklogSize(ctx, queue.Crawl)
	if err != nil {
		return Result{}, fmt.Errorf("error reading crawl backlog: %w", err)
	}
	res := Result{Backlog: backlog}
	if backlog >= s.cfg.BacklogCeiling {
		slog.WarnContext(ctx, "skipping scheduler cycle, crawl backlog over ceiling",
			"backlog", backlog,
			"ceiling", s.cfg.BacklogCeiling,
		)
		res.Outcome = OutcomeSkippedBacklog
		return res, nil
	}

	now := s.now()
	due, err := s.repo.DueSources(ctx, now, s.cfg.FailureCeiling, s.cfg.BatchLimit)
	if err != nil {
		return res, fmt.Errorf("error selecting due sources: %w", err)
	}

	var (
		payloads = make([]queue.Payload, 0, len(due))
		byTier   = map[catalog.Tier][]string{}
	)
	for _, src := range due {
		// The query already filters tiers, this keeps C out even if it changes.
		if !src.Tier.Crawlable() {
			continue
		}
		payloads = append(payloads, queue.CrawlSource{
			SeriesSourceID: src.ID,
			SeriesID:       src.SeriesID,
			SourceName:     src.SourceName,
		})
		byTier[src.Tier] = append(byTier[src.Tier], src.ID)
	}
	if len(payloads) == 0 {
		res.Outcome = OutcomeIdle
		return res, nil
	}

	if _, err := s.queue.EnqueueBatch(ctx, queue.Crawl, payloads); err != nil {
		return res, fmt.Errorf("error enqueueing crawl jobs: %w", err)
	}
	res.Enqueued = len(payloads)
	metrics.JobsEnqueued.WithLabelValues(queue.Crawl, string(queue.KindCrawlSource)).Add(float64(len(payloads)))

	for tier, ids := range byTier {
		if err := s.repo.AdvanceNextCheck(ctx, ids, now.Add(s.interval(tier))); err != nil {
			return res, fmt.Errorf("error advancing tier %s sources: %w", tier, err)
		}
	}

	slog.InfoContext(ctx, "scheduled crawl jobs",
		"enqueued", res.Enqueued,
		"tier_a", len(byTier[catalog.TierA]),
		"tier_b", len(byTier[catalog.TierB]),
		"backlog", backlog,
	)
	res.Outcome = OutcomeScheduled
	return res, nil
}

func (s *Scheduler) interval(t catalog.Tier) time.Duration {
	if t == catalog.TierA {
		return s.cfg.TierAInterval
	}
	return s.cfg.TierBInterval
}
