package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/jdholdren/chapterhouse/internal/catalog"
)

const (
	followQuery   = `UPDATE series SET total_follows = total_follows + 1 WHERE id = ?;`
	unfollowQuery = `UPDATE series SET total_follows = MAX(0, total_follows - 1) WHERE id = ?;`
)

// AddLibraryEntry puts a series in a user's library, reviving a soft deleted
// entry if there is one. The series follow count goes up by one. An entry
// that is already live is a conflict.
func (r Repo) AddLibraryEntry(ctx context.Context, userID, seriesID, status string, now time.Time) (catalog.LibraryEntry, error) {
	const upsert = `INSERT INTO library_entries (user_id, series_id, status, created_at, updated_at)
	VALUES (?1, ?2, ?3, ?4, ?4)
	ON CONFLICT(user_id, series_id) DO UPDATE SET
		status = excluded.status,
		deleted_at = NULL,
		updated_at = excluded.updated_at
	WHERE library_entries.deleted_at IS NOT NULL;`

	err := r.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := liveSeries(ctx, tx, seriesID); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, upsert, userID, seriesID, status, catalog.At(now))
		if err != nil {
			return wrap("error adding library entry", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("series already in library: %w", catalog.ErrConflict)
		}

		if _, err := tx.ExecContext(ctx, followQuery, seriesID); err != nil {
			return wrap("error incrementing follows", err)
		}
		return nil
	})
	if err != nil {
		return catalog.LibraryEntry{}, err
	}

	return r.LibraryEntry(ctx, userID, seriesID)
}

// UpdateLibraryEntry changes the status of a live entry.
func (r Repo) UpdateLibraryEntry(ctx context.Context, userID, seriesID, status string, now time.Time) (catalog.LibraryEntry, error) {
	const q = `UPDATE library_entries SET status = ?, updated_at = ?
	WHERE user_id = ? AND series_id = ? AND deleted_at IS NULL;`

	res, err := r.db.ExecContext(ctx, q, status, catalog.At(now), userID, seriesID)
	if err != nil {
		return catalog.LibraryEntry{}, wrap("error updating library entry", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return catalog.LibraryEntry{}, catalog.ErrNotFound
	}

	return r.LibraryEntry(ctx, userID, seriesID)
}

// SoftDeleteLibraryEntry removes a series from a user's library and drops
// its follow count by one, never below zero. Removing an entry that is not
// there is a conflict: the library already reflects the removal.
func (r Repo) SoftDeleteLibraryEntry(ctx context.Context, userID, seriesID string, now time.Time) error {
	const q = `UPDATE library_entries SET deleted_at = ?1, updated_at = ?1
	WHERE user_id = ?2 AND series_id = ?3 AND deleted_at IS NULL;`

	return r.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, q, catalog.At(now), userID, seriesID)
		if err != nil {
			return wrap("error deleting library entry", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("series not in library: %w", catalog.ErrConflict)
		}

		if _, err := tx.ExecContext(ctx, unfollowQuery, seriesID); err != nil {
			return wrap("error decrementing follows", err)
		}
		return nil
	})
}

// LibraryEntry fetches a live library entry.
func (r Repo) LibraryEntry(ctx context.Context, userID, seriesID string) (catalog.LibraryEntry, error) {
	const q = `SELECT * FROM library_entries WHERE user_id = ? AND series_id = ? AND deleted_at IS NULL;`

	var e catalog.LibraryEntry
	err := r.db.GetContext(ctx, &e, q, userID, seriesID)
	if isNoRows(err) {
		return catalog.LibraryEntry{}, catalog.ErrNotFound
	}
	if err != nil {
		return catalog.LibraryEntry{}, wrap("error fetching library entry", err)
	}

	return e, nil
}

// PutSetting stores a user setting, replacing any previous value.
func (r Repo) PutSetting(ctx context.Context, userID, key, value string, now time.Time) error {
	const q = `INSERT INTO user_settings (user_id, key, value, updated_at) VALUES (?, ?, ?, ?)
	ON CONFLICT(user_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at;`

	if _, err := r.db.ExecContext(ctx, q, userID, key, value, catalog.At(now)); err != nil {
		return wrap("error storing setting", err)
	}

	return nil
}

func (r Repo) Setting(ctx context.Context, userID, key string) (string, error) {
	const q = `SELECT value FROM user_settings WHERE user_id = ? AND key = ?;`

	var v string
	err := r.db.GetContext(ctx, &v, q, userID, key)
	if isNoRows(err) {
		return "", catalog.ErrNotFound
	}
	if err != nil {
		return "", wrap("error fetching setting", err)
	}

	return v, nil
}

func liveSeries(ctx context.Context, q sqlx.QueryerContext, id string) error {
	const query = `SELECT COUNT(*) FROM series WHERE id = ? AND deleted_at IS NULL;`

	var n int
	if err := sqlx.GetContext(ctx, q, &n, query, id); err != nil {
		return wrap("error checking series", err)
	}
	if n == 0 {
		return catalog.ErrNotFound
	}

	return nil
}
