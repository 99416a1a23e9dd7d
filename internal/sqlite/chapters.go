package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/jdholdren/chapterhouse/internal/catalog"
)

// IngestChapter merges one chapter report into the catalog in a single
// transaction:
//
//  1. the logical chapter for (series, number) is created if missing,
//  2. the source's copy is inserted or refreshed,
//  3. the logical chapter gets its one feed entry if it has none yet,
//  4. the series' last_chapter_at moves forward.
//
// Every step is an upsert keyed on a unique index, so redelivered or
// concurrent reports converge on the same rows.
func (r Repo) IngestChapter(ctx context.Context, report catalog.ChapterReport, title string, now time.Time) (catalog.IngestResult, error) {
	const (
		sourceSeries = `SELECT series_id FROM series_sources WHERE id = ?;`

		insertLogical = `INSERT INTO logical_chapters (id, series_id, chapter_number, title, first_seen_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(series_id, chapter_number) DO NOTHING;`

		logicalID = `SELECT id FROM logical_chapters WHERE series_id = ? AND chapter_number = ?;`

		upsertSource = `INSERT INTO chapter_sources (id, logical_chapter_id, series_source_id, source_chapter_key, title, url, scanlation_group, language, is_available, published_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?)
		ON CONFLICT(series_source_id, source_chapter_key) DO UPDATE SET
			title = excluded.title,
			url = excluded.url,
			scanlation_group = excluded.scanlation_group,
			language = excluded.language,
			is_available = 1,
			published_at = COALESCE(excluded.published_at, chapter_sources.published_at),
			updated_at = excluded.updated_at
		RETURNING id, logical_chapter_id;`

		insertFeedEntry = `INSERT INTO feed_entries (id, logical_chapter_id, series_id, chapter_source_id, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(logical_chapter_id) DO NOTHING;`

		advanceSeries = `UPDATE series
		SET last_chapter_at = MAX(COALESCE(last_chapter_at, 0), ?), updated_at = ?
		WHERE id = ?;`
	)

	var (
		res       catalog.IngestResult
		at        = catalog.At(now)
		number    = report.Number()
		published *catalog.Time
		chapterAt = at
	)
	if !report.PublishedAt.IsZero() {
		p := catalog.At(report.PublishedAt)
		published = &p
		if p.Before(now) {
			chapterAt = p
		}
	}

	err := r.inTx(ctx, func(tx *sqlx.Tx) error {
		var seriesID string
		if err := tx.GetContext(ctx, &seriesID, sourceSeries, report.SeriesSourceID); err != nil {
			if isNoRows(err) {
				return catalog.Permanent(fmt.Sprintf("unknown series source %q", report.SeriesSourceID), nil)
			}
			return wrap("error fetching series source", err)
		}
		if seriesID != report.SeriesID {
			return catalog.Permanent(fmt.Sprintf("series source %q does not belong to series %q", report.SeriesSourceID, report.SeriesID), nil)
		}

		// 1.
		ins, err := tx.ExecContext(ctx, insertLogical, newID(logicalChapterNamespace), report.SeriesID, number, title, at)
		if err != nil {
			return wrap("error inserting logical chapter", err)
		}
		n, _ := ins.RowsAffected()
		res.NewLogicalChapter = n == 1
		if err := tx.GetContext(ctx, &res.LogicalChapterID, logicalID, report.SeriesID, number); err != nil {
			return wrap("error fetching logical chapter", err)
		}

		// 2.
		var (
			csID = newID(chapterSourceNamespace)
			row  struct {
				ID               string `db:"id"`
				LogicalChapterID string `db:"logical_chapter_id"`
			}
		)
		err = tx.GetContext(ctx, &row, upsertSource,
			csID, res.LogicalChapterID, report.SeriesSourceID, report.SourceChapterKey(),
			title, report.ChapterURL, report.ScanlationGroup, report.Language,
			published, at, at,
		)
		if err != nil {
			return wrap("error upserting chapter source", err)
		}
		res.ChapterSourceID = row.ID
		res.NewChapterSource = row.ID == csID

		// 3. A source that re-keys an existing copy keeps its original
		// logical chapter, and that is the one that gets the entry.
		fe, err := tx.ExecContext(ctx, insertFeedEntry, newID(feedEntryNamespace), row.LogicalChapterID, report.SeriesID, row.ID, at)
		if err != nil {
			return wrap("error inserting feed entry", err)
		}
		n, _ = fe.RowsAffected()
		res.FeedEntryCreated = n == 1

		// 4.
		if _, err := tx.ExecContext(ctx, advanceSeries, chapterAt, at, report.SeriesID); err != nil {
			return wrap("error advancing series", err)
		}

		return nil
	})
	if err != nil {
		return catalog.IngestResult{}, err
	}

	return res, nil
}

// LogicalChapters lists a series' logical chapters in reading order.
func (r Repo) LogicalChapters(ctx context.Context, seriesID string) ([]catalog.LogicalChapter, error) {
	const q = `SELECT * FROM logical_chapters WHERE series_id = ? ORDER BY chapter_number;`

	var chapters []catalog.LogicalChapter
	if err := r.db.SelectContext(ctx, &chapters, q, seriesID); err != nil {
		return nil, wrap("error listing logical chapters", err)
	}

	return chapters, nil
}

// LogicalChapterByNumber finds a chapter of a live series by its number.
func (r Repo) LogicalChapterByNumber(ctx context.Context, seriesID string, number float64) (catalog.LogicalChapter, error) {
	const q = `SELECT lc.* FROM logical_chapters lc
	JOIN series s ON s.id = lc.series_id
	WHERE lc.series_id = ? AND lc.chapter_number = ? AND s.deleted_at IS NULL;`

	var lc catalog.LogicalChapter
	err := r.db.GetContext(ctx, &lc, q, seriesID, number)
	if isNoRows(err) {
		return catalog.LogicalChapter{}, catalog.ErrNotFound
	}
	if err != nil {
		return catalog.LogicalChapter{}, wrap("error fetching logical chapter", err)
	}

	return lc, nil
}

// ChapterNumbers returns every numbered chapter of a series, ascending.
// Unnumbered chapters are left out.
func (r Repo) ChapterNumbers(ctx context.Context, seriesID string) ([]float64, error) {
	const q = `SELECT chapter_number FROM logical_chapters
	WHERE series_id = ? AND chapter_number <> ?
	ORDER BY chapter_number;`

	var numbers []float64
	if err := r.db.SelectContext(ctx, &numbers, q, seriesID, catalog.NoChapterNumber); err != nil {
		return nil, wrap("error listing chapter numbers", err)
	}

	return numbers, nil
}

func (r Repo) ChapterSources(ctx context.Context, logicalChapterID string) ([]catalog.ChapterSource, error) {
	const q = `SELECT * FROM chapter_sources WHERE logical_chapter_id = ? ORDER BY created_at, id;`

	var srcs []catalog.ChapterSource
	if err := r.db.SelectContext(ctx, &srcs, q, logicalChapterID); err != nil {
		return nil, wrap("error listing chapter sources", err)
	}

	return srcs, nil
}

// FeedEntries lists the feed of a series, newest first.
func (r Repo) FeedEntries(ctx context.Context, seriesID string) ([]catalog.FeedEntry, error) {
	const q = `SELECT * FROM feed_entries WHERE series_id = ? ORDER BY created_at DESC, id;`

	var entries []catalog.FeedEntry
	if err := r.db.SelectContext(ctx, &entries, q, seriesID); err != nil {
		return nil, wrap("error listing feed entries", err)
	}

	return entries, nil
}
