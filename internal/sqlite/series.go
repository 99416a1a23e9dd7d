package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/jdholdren/chapterhouse/internal/catalog"
)

// InsertSeries creates a series in tier C with no activity.
func (r Repo) InsertSeries(ctx context.Context, title string, now time.Time) (catalog.Series, error) {
	const q = `INSERT INTO series (id, title, catalog_tier, created_at, updated_at)
	VALUES (:id, :title, :catalog_tier, :created_at, :updated_at);`

	s := catalog.Series{
		ID:          newID(seriesNamespace),
		Title:       title,
		CatalogTier: catalog.TierC,
		CreatedAt:   catalog.At(now),
		UpdatedAt:   catalog.At(now),
	}
	if _, err := r.db.NamedExecContext(ctx, q, s); err != nil {
		return catalog.Series{}, wrap("error inserting series", err)
	}

	return r.Series(ctx, s.ID)
}

// Series fetches a live series.
func (r Repo) Series(ctx context.Context, id string) (catalog.Series, error) {
	const q = `SELECT * FROM series WHERE id = ? AND deleted_at IS NULL;`

	var s catalog.Series
	err := r.db.GetContext(ctx, &s, q, id)
	if errors.Is(err, sql.ErrNoRows) {
		return catalog.Series{}, catalog.ErrNotFound
	}
	if err != nil {
		return catalog.Series{}, wrap("error fetching series", err)
	}

	return s, nil
}

// SoftDeleteSeries hides a series from every read path.
func (r Repo) SoftDeleteSeries(ctx context.Context, id string, now time.Time) error {
	const q = `UPDATE series SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL;`

	res, err := r.db.ExecContext(ctx, q, catalog.At(now), catalog.At(now), id)
	if err != nil {
		return wrap("error deleting series", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return catalog.ErrNotFound
	}

	return nil
}

// LiveSeriesIDs lists every series that is not soft deleted.
func (r Repo) LiveSeriesIDs(ctx context.Context) ([]string, error) {
	const q = `SELECT id FROM series WHERE deleted_at IS NULL ORDER BY id;`

	var ids []string
	if err := r.db.SelectContext(ctx, &ids, q); err != nil {
		return nil, wrap("error listing series", err)
	}

	return ids, nil
}

// SeriesWithDemand lists live series that sit in at least one live library.
func (r Repo) SeriesWithDemand(ctx context.Context) ([]string, error) {
	const q = `SELECT DISTINCT s.id FROM series s
	JOIN library_entries l ON l.series_id = s.id
	WHERE s.deleted_at IS NULL AND l.deleted_at IS NULL
	ORDER BY s.id;`

	var ids []string
	if err := r.db.SelectContext(ctx, &ids, q); err != nil {
		return nil, wrap("error listing series with demand", err)
	}

	return ids, nil
}

// InsertSeriesSource links a source to a series. The source is due right away.
func (r Repo) InsertSeriesSource(ctx context.Context, src catalog.SeriesSource) (catalog.SeriesSource, error) {
	const q = `INSERT INTO series_sources (id, series_id, source_name, external_id, url, trust_score, failure_count, next_check_at, created_at)
	VALUES (:id, :series_id, :source_name, :external_id, :url, :trust_score, 0, :next_check_at, :created_at);`

	src.ID = newID(seriesSourceNamespace)
	if src.NextCheckAt.IsZero() {
		src.NextCheckAt = src.CreatedAt
	}
	_, err := r.db.NamedExecContext(ctx, q, src)
	if isConflict(err) {
		return catalog.SeriesSource{}, fmt.Errorf("series source already exists: %w", catalog.ErrConflict)
	}
	if err != nil {
		return catalog.SeriesSource{}, wrap("error inserting series source", err)
	}

	return r.SeriesSource(ctx, src.ID)
}

func (r Repo) SeriesSource(ctx context.Context, id string) (catalog.SeriesSource, error) {
	const q = `SELECT * FROM series_sources WHERE id = ?;`

	var src catalog.SeriesSource
	err := r.db.GetContext(ctx, &src, q, id)
	if errors.Is(err, sql.ErrNoRows) {
		return catalog.SeriesSource{}, catalog.ErrNotFound
	}
	if err != nil {
		return catalog.SeriesSource{}, wrap("error fetching series source", err)
	}

	return src, nil
}

// DueSources selects sources of live tier A and B series whose check time
// has come and that are below the failure ceiling, oldest first.
func (r Repo) DueSources(ctx context.Context, now time.Time, failureCeiling, limit int) ([]catalog.DueSource, error) {
	query, args, err := sq.Select("ss.*", "s.catalog_tier").
		From("series_sources ss").
		Join("series s ON s.id = ss.series_id").
		Where(sq.LtOrEq{"ss.next_check_at": catalog.At(now)}).
		Where(sq.Eq{"s.catalog_tier": []string{string(catalog.TierA), string(catalog.TierB)}}).
		Where(sq.Lt{"ss.failure_count": failureCeiling}).
		Where("s.deleted_at IS NULL").
		OrderBy("ss.next_check_at").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("error constructing sql: %w", err)
	}

	var due []catalog.DueSource
	if err := r.db.SelectContext(ctx, &due, query, args...); err != nil {
		return nil, wrap("error selecting due sources", err)
	}

	return due, nil
}

// HealthySources lists a series' sources below the failure ceiling,
// most trusted first.
func (r Repo) HealthySources(ctx context.Context, seriesID string, failureCeiling int) ([]catalog.SeriesSource, error) {
	const q = `SELECT * FROM series_sources
	WHERE series_id = ? AND failure_count < ?
	ORDER BY trust_score DESC, id;`

	var srcs []catalog.SeriesSource
	if err := r.db.SelectContext(ctx, &srcs, q, seriesID, failureCeiling); err != nil {
		return nil, wrap("error selecting healthy sources", err)
	}

	return srcs, nil
}

// AdvanceNextCheck pushes the next check of every given source to next.
func (r Repo) AdvanceNextCheck(ctx context.Context, ids []string, next time.Time) error {
	if len(ids) == 0 {
		return nil
	}

	query, args, err := sq.Update("series_sources").
		Set("next_check_at", catalog.At(next)).
		Where(sq.Eq{"id": ids}).
		ToSql()
	if err != nil {
		return fmt.Errorf("error constructing sql: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return wrap("error advancing next check", err)
	}

	return nil
}

// RecordCrawlFailure counts one more failed crawl against a source.
func (r Repo) RecordCrawlFailure(ctx context.Context, id string, now time.Time) error {
	const q = `UPDATE series_sources SET failure_count = failure_count + 1, last_check_at = ? WHERE id = ?;`
	return r.updateSource(ctx, "error recording crawl failure", q, catalog.At(now), id)
}

// RecordCrawlSuccess clears the failure count of a source.
func (r Repo) RecordCrawlSuccess(ctx context.Context, id string, now time.Time) error {
	const q = `UPDATE series_sources SET failure_count = 0, last_check_at = ? WHERE id = ?;`
	return r.updateSource(ctx, "error recording crawl success", q, catalog.At(now), id)
}

// ResetSourceFailures puts a source that hit the failure ceiling back into
// rotation.
func (r Repo) ResetSourceFailures(ctx context.Context, id string) error {
	const q = `UPDATE series_sources SET failure_count = 0 WHERE id = ?;`
	return r.updateSource(ctx, "error resetting source failures", q, id)
}

func (r Repo) updateSource(ctx context.Context, msg, q string, args ...any) error {
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return wrap(msg, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return catalog.ErrNotFound
	}

	return nil
}
