// Package ingest merges crawled chapter reports into the catalog.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"github.com/sethvargo/go-retry"

	"github.com/jdholdren/chapterhouse/internal/catalog"
	"github.com/jdholdren/chapterhouse/internal/metrics"
)

// Queue is the dead letter queue name for reports that could not be
// ingested.
const Queue = "ingest"

const maxTitleLen = 2048

type Repo interface {
	IngestChapter(ctx context.Context, report catalog.ChapterReport, title string, now time.Time) (catalog.IngestResult, error)
	InsertDeadLetter(ctx context.Context, dl catalog.DeadLetter) error
}

// Recorder credits tier signals to a series.
type Recorder interface {
	Record(ctx context.Context, seriesID string, signal catalog.Signal) error
}

type Config struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:    5,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
	}
}

type Engine struct {
	repo     Repo
	recorder Recorder
	cfg      Config
	now      func() time.Time
}

func New(repo Repo, recorder Recorder, cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}

	return &Engine{
		repo:     repo,
		recorder: recorder,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Ingest merges a single report. Malformed reports fail with a permanent
// error before touching the database.
func (e *Engine) Ingest(ctx context.Context, report catalog.ChapterReport) (catalog.IngestResult, error) {
	if err := Validate(report); err != nil {
		return catalog.IngestResult{}, err
	}

	res, err := e.repo.IngestChapter(ctx, report, Title(report), e.now())
	if err != nil {
		return res, fmt.Errorf("error ingesting chapter %s of source %s: %w", report.SourceChapterKey(), report.SeriesSourceID, err)
	}

	switch {
	case res.NewLogicalChapter:
		metrics.ChaptersIngested.WithLabelValues("new_chapter").Inc()
	case res.NewChapterSource:
		metrics.ChaptersIngested.WithLabelValues("new_source").Inc()
	default:
		metrics.ChaptersIngested.WithLabelValues("refreshed").Inc()
	}
	if res.FeedEntryCreated {
		metrics.FeedEntriesCreated.Inc()
	}

	// The signal is recorded after commit so the ingestion transaction never
	// waits on the score update.
	if res.NewLogicalChapter && e.recorder != nil {
		if err := e.recorder.Record(ctx, report.SeriesID, catalog.SignalChapterDetected); err != nil {
			slog.WarnContext(ctx, "error recording chapter signal", "series_id", report.SeriesID, "err", err)
		}
	}

	return res, nil
}

// IngestWithRetry retries transient failures with jittered exponential
// backoff. A report that fails permanently, or keeps failing until the
// attempts run out, is written to the dead letters and its error returned.
func (e *Engine) IngestWithRetry(ctx context.Context, report catalog.ChapterReport) (catalog.IngestResult, error) {
	var (
		res      catalog.IngestResult
		attempts int
		lastErr  error
	)

	b := retry.NewExponential(e.cfg.InitialBackoff)
	b = retry.WithCappedDuration(e.cfg.MaxBackoff, b)
	b = retry.WithJitterPercent(20, b)
	b = retry.WithMaxRetries(uint64(e.cfg.MaxAttempts-1), b)

	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempts++
		var err error
		res, err = e.Ingest(ctx, report)
		lastErr = err
		if err != nil && catalog.IsTransient(err) && ctx.Err() == nil {
			return retry.RetryableError(err)
		}
		return err
	})
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	if lastErr != nil {
		err = lastErr
	}

	if dlErr := e.deadLetter(ctx, report, err, attempts); dlErr != nil {
		return res, errors.Join(err, dlErr)
	}
	return res, err
}

func (e *Engine) deadLetter(ctx context.Context, report catalog.ChapterReport, cause error, attempts int) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("error encoding report: %w", err)
	}

	slog.WarnContext(ctx, "dead lettering chapter report",
		"series_source_id", report.SeriesSourceID,
		"source_chapter_key", report.SourceChapterKey(),
		"attempts", attempts,
		"err", cause,
	)
	if err := e.repo.InsertDeadLetter(ctx, catalog.DeadLetter{
		Queue:     Queue,
		JobID:     report.SeriesSourceID + ":" + report.SourceChapterKey(),
		Payload:   string(payload),
		Error:     cause.Error(),
		Attempts:  attempts,
		CreatedAt: catalog.At(e.now()),
	}); err != nil {
		return fmt.Errorf("error writing dead letter: %w", err)
	}
	metrics.DeadLetters.WithLabelValues(Queue).Inc()

	return nil
}

// Validate rejects reports that can never be ingested.
func Validate(r catalog.ChapterReport) error {
	switch {
	case r.SeriesSourceID == "":
		return catalog.Permanent("series_source_id is required", nil)
	case r.SeriesID == "":
		return catalog.Permanent("series_id is required", nil)
	case r.SourceChapterKey() == "":
		return catalog.Permanent("chapter needs a source chapter id or url", nil)
	}
	if r.ChapterNumber != nil {
		n := *r.ChapterNumber
		if math.IsNaN(n) || n < 0 || n > catalog.MaxChapterNumber {
			return catalog.Permanent(fmt.Sprintf("invalid chapter number %v", n), nil)
		}
	}

	return nil
}

var stripPolicy = bluemonday.StrictPolicy()

// Title is the sanitized display title of a report. Markup is stripped and
// the length capped. Untitled numbered chapters are named after their number.
func Title(r catalog.ChapterReport) string {
	// The policy escapes what it keeps. Titles are served as data, not HTML.
	s := html.UnescapeString(stripPolicy.Sanitize(strings.TrimSpace(r.ChapterTitle)))
	s = truncate(strings.TrimSpace(s), maxTitleLen)
	if s == "" && r.ChapterNumber != nil {
		s = fmt.Sprintf("Chapter %g", *r.ChapterNumber)
	}

	return s
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
