// Package queue defines the job queue contract used between the scheduler,
// the gap detector and the crawl workers.
//
// Delivery is at-least-once: a claimed job whose lease expires is handed out
// again, so every consumer must be idempotent.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jdholdren/chapterhouse/internal/catalog"
)

// Crawl is the queue consumed by the crawl workers.
const Crawl = "crawl"

// ErrEmpty is returned by Claim when no job is ready.
var ErrEmpty = errors.New("queue is empty")

type Kind string

const (
	KindCrawlSource Kind = "crawl_source"
	KindRecrawlGaps Kind = "recrawl_gaps"
)

type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Payload is one variant of job payload. Every variant validates itself
// before it is allowed onto or off of a queue.
type Payload interface {
	Kind() Kind
	Validate() error
}

type (
	// CrawlSource asks a worker to fetch the full chapter listing of one
	// series source.
	CrawlSource struct {
		SeriesSourceID string `json:"series_source_id"`
		SeriesID       string `json:"series_id"`
		SourceName     string `json:"source_name"`
	}

	// RecrawlGaps asks a worker to re-crawl one source because the series
	// has holes in its chapter numbering.
	RecrawlGaps struct {
		SeriesSourceID string `json:"series_source_id"`
		SeriesID       string `json:"series_id"`
		SourceName     string `json:"source_name"`
		Missing        []int  `json:"missing"`
	}
)

func (CrawlSource) Kind() Kind { return KindCrawlSource }

func (p CrawlSource) Validate() error {
	return validateTarget(p.SeriesSourceID, p.SeriesID, p.SourceName)
}

func (RecrawlGaps) Kind() Kind { return KindRecrawlGaps }

func (p RecrawlGaps) Validate() error {
	if err := validateTarget(p.SeriesSourceID, p.SeriesID, p.SourceName); err != nil {
		return err
	}
	if len(p.Missing) == 0 {
		return errors.New("missing chapters must not be empty")
	}

	return nil
}

func validateTarget(seriesSourceID, seriesID, sourceName string) error {
	switch {
	case seriesSourceID == "":
		return errors.New("series_source_id is required")
	case seriesID == "":
		return errors.New("series_id is required")
	case sourceName == "":
		return errors.New("source_name is required")
	}

	return nil
}

// Target is the series source a crawl payload points at.
func Target(p Payload) (seriesSourceID, seriesID, sourceName string) {
	switch p := p.(type) {
	case CrawlSource:
		return p.SeriesSourceID, p.SeriesID, p.SourceName
	case RecrawlGaps:
		return p.SeriesSourceID, p.SeriesID, p.SourceName
	}

	return "", "", ""
}

// Encode validates and serializes p for storage.
func Encode(p Payload) (string, error) {
	if err := p.Validate(); err != nil {
		return "", fmt.Errorf("invalid %s payload: %w", p.Kind(), err)
	}
	byts, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("error encoding %s payload: %w", p.Kind(), err)
	}

	return string(byts), nil
}

// Decode turns a stored payload back into its variant. Malformed or unknown
// payloads are permanent errors.
func Decode(kind Kind, raw string) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch kind {
	case KindCrawlSource:
		var v CrawlSource
		err = json.Unmarshal([]byte(raw), &v)
		p = v
	case KindRecrawlGaps:
		var v RecrawlGaps
		err = json.Unmarshal([]byte(raw), &v)
		p = v
	default:
		return nil, catalog.Permanent(fmt.Sprintf("unknown job kind %q", kind), nil)
	}
	if err != nil {
		return nil, catalog.Permanent("malformed payload", err)
	}
	if err := p.Validate(); err != nil {
		return nil, catalog.Permanent("invalid payload", err)
	}

	return p, nil
}

// Job is a queued unit of work.
type Job struct {
	ID        string       `db:"id"`
	Queue     string       `db:"queue"`
	Kind      Kind         `db:"kind"`
	Payload   string       `db:"payload"`
	Status    Status       `db:"status"`
	Attempts  int          `db:"attempts"`
	RunAt     catalog.Time `db:"run_at"`
	LastError string       `db:"last_error"`
	CreatedAt catalog.Time `db:"created_at"`
	UpdatedAt catalog.Time `db:"updated_at"`
}

type (
	// Producer is the enqueueing half of the queue.
	Producer interface {
		Enqueue(ctx context.Context, queue string, p Payload) (string, error)
		// EnqueueBatch enqueues every payload or none of them.
		EnqueueBatch(ctx context.Context, queue string, ps []Payload) ([]string, error)
		// BacklogSize counts jobs waiting to be claimed.
		BacklogSize(ctx context.Context, queue string) (int, error)
		JobStatus(ctx context.Context, id string) (Status, error)
	}

	// Consumer is the worker half of the queue.
	Consumer interface {
		// Claim leases the oldest ready job until now+lease. Returns [ErrEmpty]
		// when there is nothing to do.
		Claim(ctx context.Context, queue string, now time.Time, lease time.Duration) (Job, error)
		Complete(ctx context.Context, id string) error
		// Retry puts the job back to wait until runAt.
		Retry(ctx context.Context, id string, runAt time.Time, reason string) error
		// Defer puts the job back until runAt without counting the attempt.
		Defer(ctx context.Context, id string, runAt time.Time) error
		// Fail marks the job failed and writes its dead letter.
		Fail(ctx context.Context, id string, reason string) error
		// ReleaseStale returns active jobs with expired leases to the queue.
		ReleaseStale(ctx context.Context, queue string, now time.Time) (int, error)
	}

	Queue interface {
		Producer
		Consumer
	}

	DeadLetters interface {
		InsertDeadLetter(ctx context.Context, dl catalog.DeadLetter) error
		DeadLetters(ctx context.Context, limit int) ([]catalog.DeadLetter, error)
	}
)
