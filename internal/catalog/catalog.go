// Package catalog holds the domain model shared by the synchronization core:
// series, their sources, logical chapters and the bindings between them.
package catalog

import (
	"errors"
	"time"
)

var (
	ErrConflict = errors.New("resource already exists")
	ErrNotFound = errors.New("resource not found")
)

// NoChapterNumber is the bucket for chapters a source reported without a number.
// It is never merged with numbered chapters.
const NoChapterNumber = -1.0

// MaxChapterNumber is the highest chapter number accepted from a source.
const MaxChapterNumber = 1_000_000

// Tier is the crawl priority of a series.
type Tier string

const (
	TierA Tier = "A"
	TierB Tier = "B"
	TierC Tier = "C"
)

// Crawlable reports whether the scheduler may actively poll a series in this tier.
func (t Tier) Crawlable() bool {
	return t == TierA || t == TierB
}

type (
	// Series is a catalog item.
	Series struct {
		ID            string  `db:"id"`
		Title         string  `db:"title"`
		CatalogTier   Tier    `db:"catalog_tier"`
		ActivityScore float64 `db:"activity_score"`
		TotalFollows  int64   `db:"total_follows"`
		LastChapterAt *Time   `db:"last_chapter_at"`
		DeletedAt     *Time   `db:"deleted_at"`
		CreatedAt     Time    `db:"created_at"`
		UpdatedAt     Time    `db:"updated_at"`
	}

	// SeriesSource binds one external provider to a series.
	SeriesSource struct {
		ID           string `db:"id"`
		SeriesID     string `db:"series_id"`
		SourceName   string `db:"source_name"`
		ExternalID   string `db:"external_id"`
		URL          string `db:"url"`
		TrustScore   int    `db:"trust_score"`
		FailureCount int    `db:"failure_count"`
		NextCheckAt  Time   `db:"next_check_at"`
		LastCheckAt  *Time  `db:"last_check_at"`
		CreatedAt    Time   `db:"created_at"`
	}

	// DueSource is a series source selected for crawling along with the tier
	// of its owning series.
	DueSource struct {
		SeriesSource

		Tier Tier `db:"catalog_tier"`
	}

	// LogicalChapter is the canonical, source independent identity of a chapter.
	LogicalChapter struct {
		ID            string  `db:"id"`
		SeriesID      string  `db:"series_id"`
		ChapterNumber float64 `db:"chapter_number"`
		Title         string  `db:"title"`
		FirstSeenAt   Time    `db:"first_seen_at"`
	}

	// ChapterSource is one source's copy of a logical chapter.
	ChapterSource struct {
		ID               string `db:"id"`
		LogicalChapterID string `db:"logical_chapter_id"`
		SeriesSourceID   string `db:"series_source_id"`
		SourceChapterKey string `db:"source_chapter_key"`
		Title            string `db:"title"`
		URL              string `db:"url"`
		ScanlationGroup  string `db:"scanlation_group"`
		Language         string `db:"language"`
		IsAvailable      bool   `db:"is_available"`
		PublishedAt      *Time  `db:"published_at"`
		CreatedAt        Time   `db:"created_at"`
		UpdatedAt        Time   `db:"updated_at"`
	}

	// FeedEntry surfaces a logical chapter to user feeds. There is at most one
	// per logical chapter.
	FeedEntry struct {
		ID               string `db:"id"`
		LogicalChapterID string `db:"logical_chapter_id"`
		SeriesID         string `db:"series_id"`
		ChapterSourceID  string `db:"chapter_source_id"`
		CreatedAt        Time   `db:"created_at"`
	}

	// ReadState is a user's read-state on a logical chapter.
	ReadState struct {
		UserID           string `db:"user_id" json:"user_id"`
		LogicalChapterID string `db:"logical_chapter_id" json:"logical_chapter_id"`
		IsRead           bool   `db:"is_read" json:"is_read"`
		UpdatedAt        Time   `db:"updated_at" json:"updated_at"`
		ServerReceivedAt Time   `db:"server_received_at" json:"server_received_at"`
		DeviceID         string `db:"device_id" json:"device_id"`
		SourceUsedID     string `db:"source_used_id" json:"source_used_id,omitempty"`
	}

	// LibraryEntry is a series in a user's library.
	LibraryEntry struct {
		UserID    string `db:"user_id" json:"user_id"`
		SeriesID  string `db:"series_id" json:"series_id"`
		Status    string `db:"status" json:"status"`
		DeletedAt *Time  `db:"deleted_at" json:"deleted_at,omitempty"`
		CreatedAt Time   `db:"created_at" json:"created_at"`
		UpdatedAt Time   `db:"updated_at" json:"updated_at"`
	}

	// DeadLetter records a job that failed permanently. It is never retried.
	DeadLetter struct {
		ID        string `db:"id" json:"id"`
		Queue     string `db:"queue" json:"queue"`
		JobID     string `db:"job_id" json:"job_id"`
		Payload   string `db:"payload" json:"payload"`
		Error     string `db:"error" json:"error"`
		Attempts  int    `db:"attempts" json:"attempts"`
		CreatedAt Time   `db:"created_at" json:"created_at"`
	}
)

// ChapterReport is one normalized chapter listing row from a crawl adapter.
type ChapterReport struct {
	SeriesSourceID  string
	SeriesID        string
	ChapterNumber   *float64
	ChapterTitle    string
	ChapterURL      string
	SourceChapterID *string
	ScanlationGroup string
	Language        string
	PublishedAt     time.Time
}

// Number returns the chapter number, or the sentinel when none was reported.
func (r ChapterReport) Number() float64 {
	if r.ChapterNumber == nil {
		return NoChapterNumber
	}
	return *r.ChapterNumber
}

// SourceChapterKey identifies the chapter within its source. Sources without
// native chapter ids are keyed by URL.
func (r ChapterReport) SourceChapterKey() string {
	if r.SourceChapterID != nil && *r.SourceChapterID != "" {
		return *r.SourceChapterID
	}
	return r.ChapterURL
}

// IngestResult describes what a single ingested report changed.
type IngestResult struct {
	LogicalChapterID  string
	ChapterSourceID   string
	NewLogicalChapter bool
	NewChapterSource  bool
	FeedEntryCreated  bool
}
