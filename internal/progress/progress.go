// Package progress applies reading progress reported by client devices.
//
// Conflicting writes from several devices are settled last-writer-wins on
// the client's timestamp. When two writes carry the same timestamp the one
// the server received first is kept, so a retried duplicate can never
// overwrite a write that was already applied.
package progress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"time"

	"github.com/jdholdren/chapterhouse/internal/catalog"
	"github.com/jdholdren/chapterhouse/internal/metrics"
)

type Repo interface {
	LogicalChapterByNumber(ctx context.Context, seriesID string, number float64) (catalog.LogicalChapter, error)
	ApplyRead(ctx context.Context, rs catalog.ReadState) (catalog.ReadState, bool, error)
	ReconcileReadCounters(ctx context.Context) (int64, error)
}

type Recorder interface {
	Record(ctx context.Context, seriesID string, signal catalog.Signal) error
}

// Update is one progress report from a device. The chapter is named either
// by number or by slug.
type Update struct {
	SeriesID      string    `json:"series_id"`
	ChapterNumber *float64  `json:"chapter_number,omitempty"`
	ChapterSlug   string    `json:"chapter_slug,omitempty"`
	SourceID      string    `json:"source_id,omitempty"`
	IsRead        bool      `json:"is_read"`
	Timestamp     time.Time `json:"timestamp"`
	DeviceID      string    `json:"device_id"`
}

func (u Update) Validate() error {
	switch {
	case u.SeriesID == "":
		return catalog.Permanent("series_id is required", nil)
	case u.ChapterNumber == nil && u.ChapterSlug == "":
		return catalog.Permanent("chapter_number or chapter_slug is required", nil)
	case u.Timestamp.IsZero():
		return catalog.Permanent("timestamp is required", nil)
	case u.DeviceID == "":
		return catalog.Permanent("device_id is required", nil)
	}

	return nil
}

// Number resolves the chapter number the update refers to.
func (u Update) Number() (float64, error) {
	if u.ChapterNumber != nil {
		return *u.ChapterNumber, nil
	}
	return ParseSlug(u.ChapterSlug)
}

var slugPattern = regexp.MustCompile(`(?i)^(?:(?:chapter|chap|ch)\.?)?[-_ ]?(\d+)(?:[.\-_](\d+))?$`)

// ParseSlug reads "10", "10.5", "10-5", "chapter-10-5" and "Ch. 10.5" style
// slugs.
func ParseSlug(slug string) (float64, error) {
	m := slugPattern.FindStringSubmatch(slug)
	if m == nil {
		return 0, catalog.Permanent(fmt.Sprintf("unrecognized chapter slug %q", slug), nil)
	}

	s := m[1]
	if m[2] != "" {
		s += "." + m[2]
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, catalog.Permanent(fmt.Sprintf("unrecognized chapter slug %q", slug), err)
	}

	return n, nil
}

type Service struct {
	repo     Repo
	recorder Recorder
	now      func() time.Time
}

func New(repo Repo, recorder Recorder) *Service {
	return &Service{repo: repo, recorder: recorder, now: time.Now}
}

// Update applies u for the user and returns the read state that is current
// afterwards, whether or not u won. Repeating an identical update is a
// no-op.
func (s *Service) Update(ctx context.Context, userID string, u Update) (catalog.ReadState, error) {
	if userID == "" {
		return catalog.ReadState{}, catalog.Permanent("user is required", nil)
	}
	if err := u.Validate(); err != nil {
		return catalog.ReadState{}, err
	}
	number, err := u.Number()
	if err != nil {
		return catalog.ReadState{}, err
	}

	chapter, err := s.repo.LogicalChapterByNumber(ctx, u.SeriesID, number)
	if err != nil {
		return catalog.ReadState{}, fmt.Errorf("error resolving chapter %v of series %s: %w", number, u.SeriesID, err)
	}

	current, applied, err := s.repo.ApplyRead(ctx, catalog.ReadState{
		UserID:           userID,
		LogicalChapterID: chapter.ID,
		IsRead:           u.IsRead,
		UpdatedAt:        catalog.At(u.Timestamp),
		ServerReceivedAt: catalog.At(s.now()),
		DeviceID:         u.DeviceID,
		SourceUsedID:     u.SourceID,
	})
	if err != nil {
		return catalog.ReadState{}, fmt.Errorf("error applying read state: %w", err)
	}

	if !applied {
		metrics.ProgressUpdates.WithLabelValues("stale").Inc()
		slog.DebugContext(ctx, "progress update lost to a newer write",
			"logical_chapter_id", chapter.ID,
			"device_id", u.DeviceID,
		)
		return current, nil
	}
	metrics.ProgressUpdates.WithLabelValues("applied").Inc()

	if u.IsRead && s.recorder != nil {
		if err := s.recorder.Record(ctx, u.SeriesID, catalog.SignalUserRead); err != nil {
			slog.WarnContext(ctx, "error recording read signal", "series_id", u.SeriesID, "err", err)
		}
	}

	return current, nil
}

// MaxBatchItems is the most chapter reads replayed in one batch.
const MaxBatchItems = 500

// BatchItem is one replayed chapter read, identified by the client's outbox
// action id.
type BatchItem struct {
	ID string `json:"id"`
	Update
}

type ItemStatus string

const (
	ItemSuccess ItemStatus = "success"
	ItemFailure ItemStatus = "failure"
)

type ItemResult struct {
	ID     string     `json:"id"`
	Status ItemStatus `json:"status"`
	Error  string     `json:"error,omitempty"`
}

// ApplyBatch applies every item on its own. One item failing never affects
// the others.
func (s *Service) ApplyBatch(ctx context.Context, userID string, items []BatchItem) []ItemResult {
	results := make([]ItemResult, 0, len(items))
	for _, item := range items {
		res := ItemResult{ID: item.ID, Status: ItemSuccess}
		if _, err := s.Update(ctx, userID, item.Update); err != nil {
			res.Status = ItemFailure
			res.Error = err.Error()
			if !catalog.IsPermanent(err) && !errors.Is(err, catalog.ErrNotFound) {
				slog.WarnContext(ctx, "error replaying chapter read", "id", item.ID, "err", err)
			}
		}
		results = append(results, res)
	}

	return results
}

// ReconcileCounters recomputes derived per-user counters from the read
// states.
func (s *Service) ReconcileCounters(ctx context.Context) (int64, error) {
	fixed, err := s.repo.ReconcileReadCounters(ctx)
	if err != nil {
		return 0, fmt.Errorf("error reconciling read counters: %w", err)
	}
	if fixed > 0 {
		slog.InfoContext(ctx, "corrected drifted read counters", "users", fixed)
	}

	return fixed, nil
}
