package sqlite

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/jdholdren/chapterhouse/internal/catalog"
)

// ApplyRead upserts a read state under last-writer-wins: the stored row is
// replaced only by a strictly newer updated_at, or by an equal updated_at
// that the server received earlier. It reports whether the write was applied
// and returns the resulting state either way.
//
// When the write flips is_read the user's chapters_read counter moves with
// it, floored at zero.
func (r Repo) ApplyRead(ctx context.Context, rs catalog.ReadState) (catalog.ReadState, bool, error) {
	const (
		previous = `SELECT is_read FROM user_chapter_reads WHERE user_id = ? AND logical_chapter_id = ?;`

		upsert = `INSERT INTO user_chapter_reads (user_id, logical_chapter_id, is_read, updated_at, server_received_at, device_id, source_used_id)
		VALUES (:user_id, :logical_chapter_id, :is_read, :updated_at, :server_received_at, :device_id, :source_used_id)
		ON CONFLICT(user_id, logical_chapter_id) DO UPDATE SET
			is_read = excluded.is_read,
			updated_at = excluded.updated_at,
			server_received_at = excluded.server_received_at,
			device_id = excluded.device_id,
			source_used_id = excluded.source_used_id
		WHERE excluded.updated_at > user_chapter_reads.updated_at
			OR (excluded.updated_at = user_chapter_reads.updated_at
				AND excluded.server_received_at < user_chapter_reads.server_received_at);`

		bumpStats = `INSERT INTO user_stats (user_id, chapters_read) VALUES (?1, MAX(0, ?2))
		ON CONFLICT(user_id) DO UPDATE SET chapters_read = MAX(0, chapters_read + ?2);`
	)

	var (
		current catalog.ReadState
		applied bool
	)
	err := r.inTx(ctx, func(tx *sqlx.Tx) error {
		var (
			prev   bool
			exists = true
		)
		if err := tx.GetContext(ctx, &prev, previous, rs.UserID, rs.LogicalChapterID); err != nil {
			if !isNoRows(err) {
				return wrap("error fetching read state", err)
			}
			exists = false
		}

		res, err := tx.NamedExecContext(ctx, upsert, rs)
		if err != nil {
			return wrap("error upserting read state", err)
		}
		n, _ := res.RowsAffected()
		applied = n == 1

		delta := 0
		switch {
		case !applied:
		case !exists && rs.IsRead:
			delta = 1
		case exists && prev != rs.IsRead && rs.IsRead:
			delta = 1
		case exists && prev != rs.IsRead && !rs.IsRead:
			delta = -1
		}
		if delta != 0 {
			if _, err := tx.ExecContext(ctx, bumpStats, rs.UserID, delta); err != nil {
				return wrap("error updating user stats", err)
			}
		}

		current, err = readState(ctx, tx, rs.UserID, rs.LogicalChapterID)
		return err
	})
	if err != nil {
		return catalog.ReadState{}, false, err
	}

	return current, applied, nil
}

func (r Repo) ReadState(ctx context.Context, userID, logicalChapterID string) (catalog.ReadState, error) {
	return readState(ctx, r.db, userID, logicalChapterID)
}

func readState(ctx context.Context, q sqlx.QueryerContext, userID, logicalChapterID string) (catalog.ReadState, error) {
	const query = `SELECT * FROM user_chapter_reads WHERE user_id = ? AND logical_chapter_id = ?;`

	var rs catalog.ReadState
	err := sqlx.GetContext(ctx, q, &rs, query, userID, logicalChapterID)
	if isNoRows(err) {
		return catalog.ReadState{}, catalog.ErrNotFound
	}
	if err != nil {
		return catalog.ReadState{}, wrap("error fetching read state", err)
	}

	return rs, nil
}

// ChaptersRead returns the user's derived read counter.
func (r Repo) ChaptersRead(ctx context.Context, userID string) (int, error) {
	const q = `SELECT chapters_read FROM user_stats WHERE user_id = ?;`

	var n int
	err := r.db.GetContext(ctx, &n, q, userID)
	if isNoRows(err) {
		return 0, nil
	}
	if err != nil {
		return 0, wrap("error fetching user stats", err)
	}

	return n, nil
}

// ReconcileReadCounters recomputes chapters_read for every user from the
// read states themselves. It returns how many counters were corrected.
func (r Repo) ReconcileReadCounters(ctx context.Context) (int64, error) {
	const (
		recount = `INSERT INTO user_stats (user_id, chapters_read)
		SELECT user_id, SUM(is_read) FROM user_chapter_reads WHERE true GROUP BY user_id
		ON CONFLICT(user_id) DO UPDATE SET chapters_read = excluded.chapters_read
		WHERE user_stats.chapters_read <> excluded.chapters_read;`

		orphans = `UPDATE user_stats SET chapters_read = 0
		WHERE chapters_read <> 0
			AND user_id NOT IN (SELECT user_id FROM user_chapter_reads WHERE is_read = 1);`
	)

	var fixed int64
	err := r.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, q := range []string{recount, orphans} {
			res, err := tx.ExecContext(ctx, q)
			if err != nil {
				return wrap("error reconciling read counters", err)
			}
			n, _ := res.RowsAffected()
			fixed += n
		}
		return nil
	})

	return fixed, err
}
