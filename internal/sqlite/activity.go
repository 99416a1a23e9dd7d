package sqlite

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/jdholdren/chapterhouse/internal/catalog"
)

// RecordActivity appends a signal to the activity log, adds its weight to the
// series score and re-tiers the series from the new score, all in one
// transaction.
func (r Repo) RecordActivity(ctx context.Context, seriesID string, signal catalog.Signal, at time.Time, classify func(float64) catalog.Tier) (catalog.SeriesScore, error) {
	const (
		insertEvent = `INSERT INTO activity_events (id, series_id, signal, weight, created_at)
		VALUES (:id, :series_id, :signal, :weight, :created_at);`

		accumulate = `UPDATE series SET activity_score = activity_score + ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL
		RETURNING id, activity_score, catalog_tier;`

		setTier = `UPDATE series SET catalog_tier = ? WHERE id = ?;`
	)

	var score catalog.SeriesScore
	err := r.inTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &score, accumulate, signal.Weight(), catalog.At(at), seriesID)
		if err != nil {
			if isNoRows(err) {
				return catalog.ErrNotFound
			}
			return wrap("error accumulating activity score", err)
		}

		event := catalog.ActivityEvent{
			ID:        newID(activityNamespace),
			SeriesID:  seriesID,
			Signal:    signal,
			Weight:    signal.Weight(),
			CreatedAt: catalog.At(at),
		}
		if _, err := tx.NamedExecContext(ctx, insertEvent, event); err != nil {
			return wrap("error inserting activity event", err)
		}

		tier := classify(score.Score)
		if tier == score.Tier {
			return nil
		}
		if _, err := tx.ExecContext(ctx, setTier, tier, seriesID); err != nil {
			return wrap("error setting tier", err)
		}
		score.Tier = tier

		return nil
	})

	return score, err
}

// ActivitySince returns every event recorded at or after since.
func (r Repo) ActivitySince(ctx context.Context, since time.Time) ([]catalog.ActivityEvent, error) {
	const q = `SELECT * FROM activity_events WHERE created_at >= ? ORDER BY created_at;`

	var events []catalog.ActivityEvent
	if err := r.db.SelectContext(ctx, &events, q, catalog.At(since)); err != nil {
		return nil, wrap("error selecting activity", err)
	}

	return events, nil
}

// PruneActivity deletes events older than before.
func (r Repo) PruneActivity(ctx context.Context, before time.Time) (int64, error) {
	const q = `DELETE FROM activity_events WHERE created_at < ?;`

	res, err := r.db.ExecContext(ctx, q, catalog.At(before))
	if err != nil {
		return 0, wrap("error pruning activity", err)
	}

	return res.RowsAffected()
}

// UpdateScores overwrites the score and tier of each series.
func (r Repo) UpdateScores(ctx context.Context, scores []catalog.SeriesScore, now time.Time) error {
	const q = `UPDATE series SET activity_score = ?, catalog_tier = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL;`

	return r.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, s := range scores {
			if _, err := tx.ExecContext(ctx, q, s.Score, s.Tier, catalog.At(now), s.SeriesID); err != nil {
				return wrap("error updating score", err)
			}
		}
		return nil
	})
}
