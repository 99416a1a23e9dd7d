package ingest_test

import (
	"context"
	"encoding/json"
	"math"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdholdren/chapterhouse/internal/catalog"
	"github.com/jdholdren/chapterhouse/internal/ingest"
	"github.com/jdholdren/chapterhouse/internal/sqlite"
	"github.com/jdholdren/chapterhouse/internal/sqlite/sqlitetest"
)

func ptr[T any](v T) *T { return &v }

type signals struct {
	mu   sync.Mutex
	seen []catalog.Signal
}

func (s *signals) Record(_ context.Context, _ string, signal catalog.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, signal)
	return nil
}

// flakyRepo fails the first n ingestions with the given error.
type flakyRepo struct {
	sqlite.Repo

	n     int
	err   error
	calls int
}

func (f *flakyRepo) IngestChapter(ctx context.Context, r catalog.ChapterReport, title string, now time.Time) (catalog.IngestResult, error) {
	f.calls++
	if f.calls <= f.n {
		return catalog.IngestResult{}, f.err
	}
	return f.Repo.IngestChapter(ctx, r, title, now)
}

var fastRetry = ingest.Config{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}

func TestIngest_IdempotentAndSignalsOnce(t *testing.T) {
	var (
		ctx          = context.Background()
		repo         = sqlitetest.New(t)
		series, srcs = sqlitetest.Series(t, repo, "Frieren", "mangadex")
		rec          = &signals{}
		e            = ingest.New(repo, rec, fastRetry)
		report       = catalog.ChapterReport{
			SeriesSourceID:  srcs[0].ID,
			SeriesID:        series.ID,
			ChapterNumber:   ptr(1.0),
			ChapterTitle:    "<b>Journey's End</b>",
			ChapterURL:      "https://mangadex.test/c/1",
			SourceChapterID: ptr("c1"),
		}
	)

	for i := range 3 {
		res, err := e.Ingest(ctx, report)
		require.NoError(t, err)
		assert.Equal(t, i == 0, res.NewLogicalChapter)
		assert.Equal(t, i == 0, res.FeedEntryCreated)
	}

	chapters, err := repo.LogicalChapters(ctx, series.ID)
	require.NoError(t, err)
	require.Len(t, chapters, 1)
	assert.Equal(t, "Journey's End", chapters[0].Title)

	copies, err := repo.ChapterSources(ctx, chapters[0].ID)
	require.NoError(t, err)
	assert.Len(t, copies, 1)

	entries, err := repo.FeedEntries(ctx, series.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	assert.Equal(t, []catalog.Signal{catalog.SignalChapterDetected}, rec.seen)
}

func TestIngest_Validation(t *testing.T) {
	e := ingest.New(sqlitetest.New(t), nil, fastRetry)

	tests := map[string]catalog.ChapterReport{
		"no source":       {SeriesID: "s", ChapterURL: "https://x.test"},
		"no series":       {SeriesSourceID: "ss", ChapterURL: "https://x.test"},
		"no key":          {SeriesSourceID: "ss", SeriesID: "s"},
		"negative number": {SeriesSourceID: "ss", SeriesID: "s", ChapterURL: "https://x.test", ChapterNumber: ptr(-3.0)},
	}
	for name, report := range tests {
		_, err := e.Ingest(context.Background(), report)
		assert.True(t, catalog.IsPermanent(err), name)
	}
}

func TestIngestWithRetry_RecoversFromTransient(t *testing.T) {
	var (
		ctx          = context.Background()
		base         = sqlitetest.New(t)
		series, srcs = sqlitetest.Series(t, base, "Frieren", "mangadex")
		repo         = &flakyRepo{Repo: base, n: 2, err: catalog.Transient("database is locked", nil)}
		e            = ingest.New(repo, nil, fastRetry)
	)

	res, err := e.IngestWithRetry(ctx, catalog.ChapterReport{
		SeriesSourceID: srcs[0].ID,
		SeriesID:       series.ID,
		ChapterNumber:  ptr(4.0),
		ChapterURL:     "https://mangadex.test/c/4",
	})
	require.NoError(t, err)
	assert.True(t, res.NewLogicalChapter)
	assert.Equal(t, 3, repo.calls)

	dls, err := base.DeadLetters(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, dls)
}

func TestIngestWithRetry_ExhaustedGoesToDeadLetters(t *testing.T) {
	var (
		ctx          = context.Background()
		base         = sqlitetest.New(t)
		series, srcs = sqlitetest.Series(t, base, "Frieren", "mangadex")
		repo         = &flakyRepo{Repo: base, n: 100, err: catalog.Transient("database is locked", nil)}
		e            = ingest.New(repo, nil, fastRetry)
		report       = catalog.ChapterReport{
			SeriesSourceID: srcs[0].ID,
			SeriesID:       series.ID,
			ChapterNumber:  ptr(4.0),
			ChapterURL:     "https://mangadex.test/c/4",
		}
	)

	_, err := e.IngestWithRetry(ctx, report)
	require.Error(t, err)
	assert.True(t, catalog.IsTransient(err))
	assert.Equal(t, 3, repo.calls)

	dls, err := base.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dls, 1)
	assert.Equal(t, ingest.Queue, dls[0].Queue)
	assert.Equal(t, 3, dls[0].Attempts)
	assert.Equal(t, srcs[0].ID+":https://mangadex.test/c/4", dls[0].JobID)

	var stored catalog.ChapterReport
	require.NoError(t, json.Unmarshal([]byte(dls[0].Payload), &stored))
	assert.Equal(t, report.ChapterURL, stored.ChapterURL)
}

func TestIngestWithRetry_PermanentIsNotRetried(t *testing.T) {
	var (
		ctx       = context.Background()
		repo      = sqlitetest.New(t)
		series, _ = sqlitetest.Series(t, repo, "Frieren")
		e         = ingest.New(repo, nil, fastRetry)
	)

	_, err := e.IngestWithRetry(ctx, catalog.ChapterReport{
		SeriesSourceID: "unknown-source",
		SeriesID:       series.ID,
		ChapterURL:     "https://mangadex.test/c/1",
	})
	assert.True(t, catalog.IsPermanent(err))

	dls, err := repo.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dls, 1)
	assert.Equal(t, 1, dls[0].Attempts)
}

func TestTitle(t *testing.T) {
	assert.Equal(t, "Hello", ingest.Title(catalog.ChapterReport{ChapterTitle: "  <script>x</script><p>Hello</p> "}))
	assert.Equal(t, "Chapter 10.5", ingest.Title(catalog.ChapterReport{ChapterNumber: ptr(10.5)}))
	assert.Empty(t, ingest.Title(catalog.ChapterReport{}))
	assert.Len(t, ingest.Title(catalog.ChapterReport{ChapterTitle: strings.Repeat("a", 5000)}), 2048)

	// Kept text is not left HTML-escaped.
	assert.Equal(t, "Q&A Special", ingest.Title(catalog.ChapterReport{ChapterTitle: "Q&A Special"}))
	assert.Equal(t, `Tom's "Return"`, ingest.Title(catalog.ChapterReport{ChapterTitle: `Tom's "Return"`}))
	assert.Equal(t, "1 < 2", ingest.Title(catalog.ChapterReport{ChapterTitle: "1 < 2"}))
	assert.Equal(t, "Fish & Chips", ingest.Title(catalog.ChapterReport{ChapterTitle: "<b>Fish</b> &amp; Chips"}))

	// Long titles are cut on a rune boundary.
	long := ingest.Title(catalog.ChapterReport{ChapterTitle: "a" + strings.Repeat("界", 1000)})
	assert.True(t, utf8.ValidString(long))
	assert.Len(t, long, 2047)
}

func TestValidate_ChapterNumber(t *testing.T) {
	report := func(n float64) catalog.ChapterReport {
		return catalog.ChapterReport{
			SeriesSourceID: "ss1",
			SeriesID:       "s1",
			ChapterNumber:  &n,
			ChapterURL:     "https://mangadex.test/c/1",
		}
	}

	require.NoError(t, ingest.Validate(report(0)))
	require.NoError(t, ingest.Validate(report(1150.5)))
	require.NoError(t, ingest.Validate(report(catalog.MaxChapterNumber)))

	for _, n := range []float64{-1, catalog.MaxChapterNumber + 1, 1e19, math.Inf(1), math.NaN()} {
		assert.True(t, catalog.IsPermanent(ingest.Validate(report(n))), "%v", n)
	}
}
