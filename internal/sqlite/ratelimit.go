package sqlite

import (
	"context"
	"math"
	"time"

	"github.com/jdholdren/chapterhouse/internal/catalog"
	"github.com/jdholdren/chapterhouse/internal/ratelimit"
)

// Take implements [ratelimit.Store]. The debit is a single conditional
// UPDATE: it only matches when the lazily refilled bucket holds a whole
// token, so two workers can never both spend the last one.
func (r Repo) Take(ctx context.Context, source string, b ratelimit.Bucket, now time.Time) (time.Duration, error) {
	const (
		ensure = `INSERT INTO rate_limit_buckets (source, tokens, capacity, rate, last_refill_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(source) DO UPDATE SET capacity = excluded.capacity, rate = excluded.rate;`

		take = `UPDATE rate_limit_buckets
		SET tokens = MIN(capacity, tokens + MAX(0, ?1 - last_refill_at) / 1000000.0 * rate) - 1,
			last_refill_at = MAX(last_refill_at, ?1)
		WHERE source = ?2
			AND MIN(capacity, tokens + MAX(0, ?1 - last_refill_at) / 1000000.0 * rate) >= 1;`

		peek = `SELECT tokens, last_refill_at FROM rate_limit_buckets WHERE source = ?;`
	)

	at := catalog.At(now)
	if _, err := r.db.ExecContext(ctx, ensure, source, b.Capacity, b.Capacity, b.Rate, at); err != nil {
		return 0, wrap("error ensuring bucket", err)
	}

	res, err := r.db.ExecContext(ctx, take, at, source)
	if err != nil {
		return 0, wrap("error taking token", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return 0, nil
	}

	var state struct {
		Tokens       float64      `db:"tokens"`
		LastRefillAt catalog.Time `db:"last_refill_at"`
	}
	if err := r.db.GetContext(ctx, &state, peek, source); err != nil {
		return 0, wrap("error reading bucket", err)
	}

	elapsed := math.Max(0, now.Sub(state.LastRefillAt.Time).Seconds())
	current := math.Min(b.Capacity, state.Tokens+elapsed*b.Rate)
	missing := 1 - current
	if missing <= 0 {
		// Refilled between the update and the read, try again straight away.
		return time.Millisecond, nil
	}

	return time.Duration(math.Ceil(missing / b.Rate * float64(time.Second))), nil
}
