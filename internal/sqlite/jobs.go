package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/jdholdren/chapterhouse/internal/catalog"
	"github.com/jdholdren/chapterhouse/internal/queue"
)

const insertJobQuery = `INSERT INTO jobs (id, queue, kind, payload, status, attempts, run_at, created_at, updated_at)
VALUES (:id, :queue, :kind, :payload, :status, 0, :run_at, :created_at, :updated_at);`

func newJob(queueName string, p queue.Payload, now time.Time) (queue.Job, error) {
	raw, err := queue.Encode(p)
	if err != nil {
		return queue.Job{}, catalog.Permanent("error encoding job", err)
	}

	return queue.Job{
		ID:        newID(jobNamespace),
		Queue:     queueName,
		Kind:      p.Kind(),
		Payload:   raw,
		Status:    queue.StatusWaiting,
		RunAt:     catalog.At(now),
		CreatedAt: catalog.At(now),
		UpdatedAt: catalog.At(now),
	}, nil
}

func (r Repo) Enqueue(ctx context.Context, queueName string, p queue.Payload) (string, error) {
	job, err := newJob(queueName, p, time.Now())
	if err != nil {
		return "", err
	}
	if _, err := r.db.NamedExecContext(ctx, insertJobQuery, job); err != nil {
		return "", wrap("error enqueueing job", err)
	}

	return job.ID, nil
}

// EnqueueBatch inserts all jobs in one transaction.
func (r Repo) EnqueueBatch(ctx context.Context, queueName string, ps []queue.Payload) ([]string, error) {
	if len(ps) == 0 {
		return nil, nil
	}

	now := time.Now()
	jobs := make([]queue.Job, 0, len(ps))
	for _, p := range ps {
		job, err := newJob(queueName, p, now)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}

	err := r.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, job := range jobs {
			if _, err := tx.NamedExecContext(ctx, insertJobQuery, job); err != nil {
				return wrap("error enqueueing job", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(jobs))
	for i, job := range jobs {
		ids[i] = job.ID
	}

	return ids, nil
}

// BacklogSize counts the jobs waiting to be claimed. Jobs being worked are
// not backlog.
func (r Repo) BacklogSize(ctx context.Context, queueName string) (int, error) {
	const q = `SELECT COUNT(*) FROM jobs WHERE queue = ? AND status = 'waiting';`

	var n int
	if err := r.db.GetContext(ctx, &n, q, queueName); err != nil {
		return 0, wrap("error counting backlog", err)
	}

	return n, nil
}

func (r Repo) JobStatus(ctx context.Context, id string) (queue.Status, error) {
	job, err := r.Job(ctx, id)
	if err != nil {
		return "", err
	}

	return job.Status, nil
}

func (r Repo) Job(ctx context.Context, id string) (queue.Job, error) {
	return job(ctx, r.db, id)
}

func job(ctx context.Context, q sqlx.QueryerContext, id string) (queue.Job, error) {
	var j queue.Job
	err := sqlx.GetContext(ctx, q, &j, `SELECT * FROM jobs WHERE id = ?;`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return queue.Job{}, catalog.ErrNotFound
	}
	if err != nil {
		return queue.Job{}, wrap("error fetching job", err)
	}

	return j, nil
}

func (r Repo) Claim(ctx context.Context, queueName string, now time.Time, lease time.Duration) (queue.Job, error) {
	const (
		next = `SELECT id FROM jobs
		WHERE queue = ? AND status = 'waiting' AND run_at <= ?
		ORDER BY run_at, created_at
		LIMIT 1;`

		claim = `UPDATE jobs SET status = 'active', attempts = attempts + 1, run_at = ?, updated_at = ? WHERE id = ?;`
	)

	var claimed queue.Job
	err := r.inTx(ctx, func(tx *sqlx.Tx) error {
		var id string
		err := tx.GetContext(ctx, &id, next, queueName, catalog.At(now))
		if errors.Is(err, sql.ErrNoRows) {
			return queue.ErrEmpty
		}
		if err != nil {
			return wrap("error selecting next job", err)
		}

		if _, err := tx.ExecContext(ctx, claim, catalog.At(now.Add(lease)), catalog.At(now), id); err != nil {
			return wrap("error claiming job", err)
		}

		claimed, err = job(ctx, tx, id)
		return err
	})
	if err != nil {
		return queue.Job{}, err
	}

	return claimed, nil
}

func (r Repo) Complete(ctx context.Context, id string) error {
	const q = `UPDATE jobs SET status = 'completed', updated_at = ? WHERE id = ?;`
	return r.updateJob(ctx, "error completing job", q, catalog.At(time.Now()), id)
}

func (r Repo) Retry(ctx context.Context, id string, runAt time.Time, reason string) error {
	const q = `UPDATE jobs SET status = 'waiting', run_at = ?, last_error = ?, updated_at = ? WHERE id = ?;`
	return r.updateJob(ctx, "error retrying job", q, catalog.At(runAt), reason, catalog.At(time.Now()), id)
}

func (r Repo) Defer(ctx context.Context, id string, runAt time.Time) error {
	const q = `UPDATE jobs SET status = 'waiting', run_at = ?, attempts = MAX(attempts - 1, 0), updated_at = ? WHERE id = ?;`
	return r.updateJob(ctx, "error deferring job", q, catalog.At(runAt), catalog.At(time.Now()), id)
}

// Fail marks the job failed and records its dead letter in the same
// transaction.
func (r Repo) Fail(ctx context.Context, id string, reason string) error {
	const q = `UPDATE jobs SET status = 'failed', last_error = ?, updated_at = ? WHERE id = ?;`

	return r.inTx(ctx, func(tx *sqlx.Tx) error {
		j, err := job(ctx, tx, id)
		if err != nil {
			return err
		}

		now := time.Now()
		if _, err := tx.ExecContext(ctx, q, reason, catalog.At(now), id); err != nil {
			return wrap("error failing job", err)
		}

		return insertDeadLetter(ctx, tx, catalog.DeadLetter{
			Queue:     j.Queue,
			JobID:     j.ID,
			Payload:   j.Payload,
			Error:     reason,
			Attempts:  j.Attempts,
			CreatedAt: catalog.At(now),
		})
	})
}

func (r Repo) ReleaseStale(ctx context.Context, queueName string, now time.Time) (int, error) {
	const q = `UPDATE jobs SET status = 'waiting', updated_at = ?1
	WHERE queue = ?2 AND status = 'active' AND run_at <= ?1;`

	res, err := r.db.ExecContext(ctx, q, catalog.At(now), queueName)
	if err != nil {
		return 0, wrap("error releasing stale jobs", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("error reading released count: %w", err)
	}

	return int(n), nil
}

func (r Repo) updateJob(ctx context.Context, msg, q string, args ...any) error {
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return wrap(msg, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return catalog.ErrNotFound
	}

	return nil
}

func (r Repo) InsertDeadLetter(ctx context.Context, dl catalog.DeadLetter) error {
	return insertDeadLetter(ctx, r.db, dl)
}

func insertDeadLetter(ctx context.Context, e sqlx.ExtContext, dl catalog.DeadLetter) error {
	const q = `INSERT INTO dead_letters (id, queue, job_id, payload, error, attempts, created_at)
	VALUES (:id, :queue, :job_id, :payload, :error, :attempts, :created_at);`

	dl.ID = newID(deadLetterNamespace)
	if dl.CreatedAt.IsZero() {
		dl.CreatedAt = catalog.At(time.Now())
	}
	if _, err := sqlx.NamedExecContext(ctx, e, q, dl); err != nil {
		return wrap("error inserting dead letter", err)
	}

	return nil
}

// DeadLetters lists the most recent dead letters first.
func (r Repo) DeadLetters(ctx context.Context, limit int) ([]catalog.DeadLetter, error) {
	const q = `SELECT * FROM dead_letters ORDER BY created_at DESC, id LIMIT ?;`

	dls := []catalog.DeadLetter{}
	if err := r.db.SelectContext(ctx, &dls, q, limit); err != nil {
		return nil, wrap("error listing dead letters", err)
	}

	return dls, nil
}
