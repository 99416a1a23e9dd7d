// Package tier keeps the activity score of every series and maps it to a
// crawl tier.
//
// Scores move two ways. Record adds a signal's full weight the moment it
// happens. Rebalance periodically recomputes every score from the windowed
// event log with half-life decay, so popularity that is no longer earned
// wears off. Both paths classify through [Classifier.TierFor].
package tier

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/jdholdren/chapterhouse/internal/catalog"
)

type Repo interface {
	RecordActivity(ctx context.Context, seriesID string, signal catalog.Signal, at time.Time, classify func(float64) catalog.Tier) (catalog.SeriesScore, error)
	ActivitySince(ctx context.Context, since time.Time) ([]catalog.ActivityEvent, error)
	PruneActivity(ctx context.Context, before time.Time) (int64, error)
	LiveSeriesIDs(ctx context.Context) ([]string, error)
	UpdateScores(ctx context.Context, scores []catalog.SeriesScore, now time.Time) error
}

type Config struct {
	TierAThreshold float64
	TierBThreshold float64
	// HalfLife is the age at which an event counts for half its weight.
	HalfLife time.Duration
	// Window is how long events are kept at all.
	Window time.Duration
}

func DefaultConfig() Config {
	return Config{
		TierAThreshold: 20,
		TierBThreshold: 3,
		HalfLife:       7 * 24 * time.Hour,
		Window:         30 * 24 * time.Hour,
	}
}

type Classifier struct {
	repo Repo
	cfg  Config
	now  func() time.Time
}

func New(repo Repo, cfg Config) *Classifier {
	def := DefaultConfig()
	if cfg.TierAThreshold <= 0 || cfg.TierBThreshold <= 0 || cfg.TierBThreshold > cfg.TierAThreshold {
		cfg.TierAThreshold, cfg.TierBThreshold = def.TierAThreshold, def.TierBThreshold
	}
	if cfg.HalfLife <= 0 {
		cfg.HalfLife = def.HalfLife
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}

	return &Classifier{repo: repo, cfg: cfg, now: time.Now}
}

// TierFor maps a score to its tier.
func (c *Classifier) TierFor(score float64) catalog.Tier {
	switch {
	case score >= c.cfg.TierAThreshold:
		return catalog.TierA
	case score >= c.cfg.TierBThreshold:
		return catalog.TierB
	}
	return catalog.TierC
}

// Record credits a signal to a series and re-tiers it right away.
func (c *Classifier) Record(ctx context.Context, seriesID string, signal catalog.Signal) error {
	if !signal.Valid() {
		return catalog.Permanent(fmt.Sprintf("unknown signal %q", signal), nil)
	}

	score, err := c.repo.RecordActivity(ctx, seriesID, signal, c.now(), c.TierFor)
	if err != nil {
		return fmt.Errorf("error recording %s for series %s: %w", signal, seriesID, err)
	}
	slog.DebugContext(ctx, "recorded activity",
		"series_id", seriesID,
		"signal", signal,
		"score", score.Score,
		"tier", score.Tier,
	)

	return nil
}

// Rebalance drops events older than the window, recomputes every live
// series' decayed score and stores the resulting tiers. It returns how many
// series were rescored.
func (c *Classifier) Rebalance(ctx context.Context) (int, error) {
	var (
		now    = c.now()
		cutoff = now.Add(-c.cfg.Window)
	)

	pruned, err := c.repo.PruneActivity(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("error pruning activity: %w", err)
	}
	events, err := c.repo.ActivitySince(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("error loading activity: %w", err)
	}
	ids, err := c.repo.LiveSeriesIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("error loading series: %w", err)
	}

	totals := make(map[string]float64, len(ids))
	for _, e := range events {
		totals[e.SeriesID] += Decay(e.Weight, now.Sub(e.CreatedAt.Time), c.cfg.HalfLife)
	}

	scores := make([]catalog.SeriesScore, 0, len(ids))
	for _, id := range ids {
		score := totals[id]
		scores = append(scores, catalog.SeriesScore{
			SeriesID: id,
			Score:    score,
			Tier:     c.TierFor(score),
		})
	}
	if err := c.repo.UpdateScores(ctx, scores, now); err != nil {
		return 0, fmt.Errorf("error storing scores: %w", err)
	}

	slog.InfoContext(ctx, "rebalanced tiers", "series", len(scores), "events", len(events), "pruned", pruned)
	return len(scores), nil
}

// Decay is the weight an event of the given age still carries:
// weight * 0.5^(age/halfLife). Events from the future count in full.
func Decay(weight float64, age, halfLife time.Duration) float64 {
	if weight <= 0 {
		return 0
	}
	if age <= 0 {
		return weight
	}
	return weight * math.Pow(0.5, age.Seconds()/halfLife.Seconds())
}
