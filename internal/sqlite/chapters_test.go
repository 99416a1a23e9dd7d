package sqlite_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdholdren/chapterhouse/internal/catalog"
	"github.com/jdholdren/chapterhouse/internal/sqlite/sqlitetest"
)

func ptr[T any](v T) *T { return &v }

func TestIngestChapter_Idempotent(t *testing.T) {
	var (
		ctx        = context.Background()
		repo       = sqlitetest.New(t)
		series, ss = sqlitetest.Series(t, repo, "Frieren", "mangadex")
		now        = time.Now()
	)
	report := catalog.ChapterReport{
		SeriesSourceID:  ss[0].ID,
		SeriesID:        series.ID,
		ChapterNumber:   ptr(1.0),
		ChapterTitle:    "The End of the Journey",
		ChapterURL:      "https://mangadex.test/c/1",
		SourceChapterID: ptr("md-1"),
		PublishedAt:     now.Add(-time.Hour),
	}

	first, err := repo.IngestChapter(ctx, report, report.ChapterTitle, now)
	require.NoError(t, err)
	assert.True(t, first.NewLogicalChapter)
	assert.True(t, first.NewChapterSource)
	assert.True(t, first.FeedEntryCreated)

	for range 3 {
		again, err := repo.IngestChapter(ctx, report, report.ChapterTitle, now)
		require.NoError(t, err)
		assert.False(t, again.NewLogicalChapter)
		assert.False(t, again.NewChapterSource)
		assert.False(t, again.FeedEntryCreated)
		assert.Equal(t, first.LogicalChapterID, again.LogicalChapterID)
		assert.Equal(t, first.ChapterSourceID, again.ChapterSourceID)
	}

	srcs, err := repo.ChapterSources(ctx, first.LogicalChapterID)
	require.NoError(t, err)
	assert.Len(t, srcs, 1)

	entries, err := repo.FeedEntries(ctx, series.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	got, err := repo.Series(ctx, series.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastChapterAt)
	assert.Equal(t, report.PublishedAt.UnixMicro(), got.LastChapterAt.UnixMicro())
}

func TestIngestChapter_UpdatesExistingCopy(t *testing.T) {
	var (
		ctx        = context.Background()
		repo       = sqlitetest.New(t)
		series, ss = sqlitetest.Series(t, repo, "Frieren", "mangadex")
		now        = time.Now()
	)
	report := catalog.ChapterReport{
		SeriesSourceID: ss[0].ID,
		SeriesID:       series.ID,
		ChapterNumber:  ptr(2.0),
		ChapterURL:     "https://mangadex.test/c/2",
	}

	first, err := repo.IngestChapter(ctx, report, "old title", now)
	require.NoError(t, err)

	report.ScanlationGroup = "Band of Translators"
	second, err := repo.IngestChapter(ctx, report, "new title", now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, first.ChapterSourceID, second.ChapterSourceID)

	srcs, err := repo.ChapterSources(ctx, first.LogicalChapterID)
	require.NoError(t, err)
	require.Len(t, srcs, 1)
	assert.Equal(t, "new title", srcs[0].Title)
	assert.Equal(t, "Band of Translators", srcs[0].ScanlationGroup)
	assert.True(t, srcs[0].IsAvailable)
}

func TestIngestChapter_CrossSourceDedup(t *testing.T) {
	var (
		ctx        = context.Background()
		repo       = sqlitetest.New(t)
		series, ss = sqlitetest.Series(t, repo, "Frieren", "source-a", "source-b")
		now        = time.Now()
	)

	a, err := repo.IngestChapter(ctx, catalog.ChapterReport{
		SeriesSourceID: ss[0].ID,
		SeriesID:       series.ID,
		ChapterNumber:  ptr(1.0),
		ChapterURL:     "https://a.test/1",
	}, "", now)
	require.NoError(t, err)

	b, err := repo.IngestChapter(ctx, catalog.ChapterReport{
		SeriesSourceID: ss[1].ID,
		SeriesID:       series.ID,
		ChapterNumber:  ptr(1.0),
		ChapterURL:     "https://b.test/1",
	}, "", now)
	require.NoError(t, err)

	assert.Equal(t, a.LogicalChapterID, b.LogicalChapterID)
	assert.False(t, b.NewLogicalChapter)
	assert.True(t, b.NewChapterSource)
	assert.False(t, b.FeedEntryCreated)

	chapters, err := repo.LogicalChapters(ctx, series.ID)
	require.NoError(t, err)
	assert.Len(t, chapters, 1)

	srcs, err := repo.ChapterSources(ctx, a.LogicalChapterID)
	require.NoError(t, err)
	assert.Len(t, srcs, 2)

	entries, err := repo.FeedEntries(ctx, series.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestIngestChapter_UnnumberedBucket(t *testing.T) {
	var (
		ctx        = context.Background()
		repo       = sqlitetest.New(t)
		series, ss = sqlitetest.Series(t, repo, "Frieren", "mangadex")
		now        = time.Now()
	)

	extra, err := repo.IngestChapter(ctx, catalog.ChapterReport{
		SeriesSourceID: ss[0].ID,
		SeriesID:       series.ID,
		ChapterURL:     "https://mangadex.test/extra",
	}, "Extra", now)
	require.NoError(t, err)

	numbered, err := repo.IngestChapter(ctx, catalog.ChapterReport{
		SeriesSourceID: ss[0].ID,
		SeriesID:       series.ID,
		ChapterNumber:  ptr(1.0),
		ChapterURL:     "https://mangadex.test/1",
	}, "", now)
	require.NoError(t, err)
	assert.NotEqual(t, extra.LogicalChapterID, numbered.LogicalChapterID)

	numbers, err := repo.ChapterNumbers(ctx, series.ID)
	require.NoError(t, err)
	assert.Equal(t, []float64{1}, numbers)
}

func TestIngestChapter_Concurrent(t *testing.T) {
	var (
		ctx        = context.Background()
		repo       = sqlitetest.New(t)
		series, ss = sqlitetest.Series(t, repo, "Frieren", "a", "b", "c", "d")
		now        = time.Now()
		wg         sync.WaitGroup
	)

	errs := make([]error, len(ss))
	for i, src := range ss {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = repo.IngestChapter(ctx, catalog.ChapterReport{
				SeriesSourceID: src.ID,
				SeriesID:       series.ID,
				ChapterNumber:  ptr(7.0),
				ChapterURL:     "https://" + src.SourceName + ".test/7",
			}, "", now)
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	chapters, err := repo.LogicalChapters(ctx, series.ID)
	require.NoError(t, err)
	require.Len(t, chapters, 1)

	srcs, err := repo.ChapterSources(ctx, chapters[0].ID)
	require.NoError(t, err)
	assert.Len(t, srcs, 4)

	entries, err := repo.FeedEntries(ctx, series.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestIngestChapter_UnknownSource(t *testing.T) {
	var (
		ctx       = context.Background()
		repo      = sqlitetest.New(t)
		series, _ = sqlitetest.Series(t, repo, "Frieren")
		other, ss = sqlitetest.Series(t, repo, "Dungeon Meshi", "mangadex")
	)

	_, err := repo.IngestChapter(ctx, catalog.ChapterReport{
		SeriesSourceID: "nope",
		SeriesID:       series.ID,
		ChapterURL:     "https://x.test/1",
	}, "", time.Now())
	assert.True(t, catalog.IsPermanent(err))

	// The source exists but belongs to another series.
	_, err = repo.IngestChapter(ctx, catalog.ChapterReport{
		SeriesSourceID: ss[0].ID,
		SeriesID:       series.ID,
		ChapterURL:     "https://x.test/1",
	}, "", time.Now())
	assert.True(t, catalog.IsPermanent(err))

	chapters, err := repo.LogicalChapters(ctx, other.ID)
	require.NoError(t, err)
	assert.Empty(t, chapters)
}

func TestLogicalChapterByNumber(t *testing.T) {
	var (
		ctx        = context.Background()
		repo       = sqlitetest.New(t)
		series, ss = sqlitetest.Series(t, repo, "Frieren", "mangadex")
	)

	res, err := repo.IngestChapter(ctx, catalog.ChapterReport{
		SeriesSourceID: ss[0].ID,
		SeriesID:       series.ID,
		ChapterNumber:  ptr(10.5),
		ChapterURL:     "https://mangadex.test/10.5",
	}, "", time.Now())
	require.NoError(t, err)

	lc, err := repo.LogicalChapterByNumber(ctx, series.ID, 10.5)
	require.NoError(t, err)
	assert.Equal(t, res.LogicalChapterID, lc.ID)

	_, err = repo.LogicalChapterByNumber(ctx, series.ID, 11)
	assert.ErrorIs(t, err, catalog.ErrNotFound)
}
