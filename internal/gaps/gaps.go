// Package gaps finds holes in a series' chapter numbering and asks healthy
// sources to re-crawl it.
package gaps

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"

	"github.com/jdholdren/chapterhouse/internal/catalog"
	"github.com/jdholdren/chapterhouse/internal/metrics"
	"github.com/jdholdren/chapterhouse/internal/queue"
)

// maxListed bounds the missing numbers carried by a single re-crawl job.
const maxListed = 1000

type Repo interface {
	ChapterNumbers(ctx context.Context, seriesID string) ([]float64, error)
	HealthySources(ctx context.Context, seriesID string, failureCeiling int) ([]catalog.SeriesSource, error)
	SeriesWithDemand(ctx context.Context) ([]string, error)
}

type Status string

const (
	StatusTriggered Status = "triggered"
	StatusNoop      Status = "noop"
)

type Result struct {
	SeriesID    string `json:"series_id"`
	Status      Status `json:"status"`
	GapCount    int    `json:"gap_count"`
	SourceCount int    `json:"source_count"`
}

type AuditResult struct {
	Checked   int `json:"checked"`
	Triggered int `json:"triggered"`
	Gaps      int `json:"gaps"`
}

type Detector struct {
	repo           Repo
	queue          queue.Producer
	failureCeiling int
}

func New(repo Repo, q queue.Producer, failureCeiling int) *Detector {
	if failureCeiling <= 0 {
		failureCeiling = 5
	}
	return &Detector{repo: repo, queue: q, failureCeiling: failureCeiling}
}

// Gaps is what [Find] reports for one series.
type Gaps struct {
	// Count is how many integers are missing.
	Count int
	// Missing lists the lowest of them, at most maxListed.
	Missing []int
}

// Find counts every integer missing strictly between the lowest and highest
// integer chapter numbers. Fractional chapters neither bound nor fill a gap,
// and numbers outside [0, MaxChapterNumber] are ignored.
func Find(numbers []float64) Gaps {
	present := make([]int, 0, len(numbers))
	for _, n := range numbers {
		if n < 0 || n > catalog.MaxChapterNumber || n != math.Trunc(n) {
			continue
		}
		present = append(present, int(n))
	}
	slices.Sort(present)
	present = slices.Compact(present)

	g := Gaps{Missing: []int{}}
	for i := 1; i < len(present); i++ {
		prev, cur := present[i-1], present[i]
		g.Count += cur - prev - 1
		for m := prev + 1; m < cur && len(g.Missing) < maxListed; m++ {
			g.Missing = append(g.Missing, m)
		}
	}
	return g
}

// Check looks for gaps in one series. When it finds some it enqueues a
// re-crawl for every healthy source, whatever the series' tier.
func (d *Detector) Check(ctx context.Context, seriesID string) (Result, error) {
	res := Result{SeriesID: seriesID, Status: StatusNoop}

	numbers, err := d.repo.ChapterNumbers(ctx, seriesID)
	if err != nil {
		return res, fmt.Errorf("error loading chapter numbers: %w", err)
	}
	found := Find(numbers)
	if found.Count == 0 {
		return res, nil
	}

	srcs, err := d.repo.HealthySources(ctx, seriesID, d.failureCeiling)
	if err != nil {
		return res, fmt.Errorf("error loading healthy sources: %w", err)
	}

	payloads := make([]queue.Payload, 0, len(srcs))
	for _, src := range srcs {
		payloads = append(payloads, queue.RecrawlGaps{
			SeriesSourceID: src.ID,
			SeriesID:       seriesID,
			SourceName:     src.SourceName,
			Missing:        found.Missing,
		})
	}
	if len(payloads) > 0 {
		if _, err := d.queue.EnqueueBatch(ctx, queue.Crawl, payloads); err != nil {
			return res, fmt.Errorf("error enqueueing gap re-crawls: %w", err)
		}
		metrics.JobsEnqueued.WithLabelValues(queue.Crawl, string(queue.KindRecrawlGaps)).Add(float64(len(payloads)))
	} else {
		slog.WarnContext(ctx, "series has gaps but no healthy sources", "series_id", seriesID, "gaps", found.Count)
	}

	metrics.GapsTriggered.Inc()
	slog.InfoContext(ctx, "gap recovery triggered",
		"series_id", seriesID,
		"gaps", found.Count,
		"sources", len(payloads),
	)

	res.Status = StatusTriggered
	res.GapCount = found.Count
	res.SourceCount = len(payloads)
	return res, nil
}

// Audit checks every series that sits in someone's library. One series
// failing does not stop the others.
func (d *Detector) Audit(ctx context.Context) (AuditResult, error) {
	ids, err := d.repo.SeriesWithDemand(ctx)
	if err != nil {
		return AuditResult{}, fmt.Errorf("error listing series with demand: %w", err)
	}

	var (
		out  AuditResult
		errs []error
	)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		res, err := d.Check(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("series %s: %w", id, err))
			continue
		}
		out.Checked++
		if res.Status == StatusTriggered {
			out.Triggered++
			out.Gaps += res.GapCount
		}
	}

	return out, errors.Join(errs...)
}
