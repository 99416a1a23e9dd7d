// Package sqlitetest opens throwaway migrated databases for tests.
package sqlitetest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jdholdren/chapterhouse/internal/catalog"
	"github.com/jdholdren/chapterhouse/internal/migrations"
	"github.com/jdholdren/chapterhouse/internal/sqlite"
)

// New returns a repo over a fresh database in the test's temp dir.
func New(t testing.TB) sqlite.Repo {
	t.Helper()

	dbx, err := sqlite.Open(filepath.Join(t.TempDir(), "chapterhouse.db"))
	require.NoError(t, err)
	t.Cleanup(func() { dbx.Close() })

	require.NoError(t, migrations.Run(dbx))

	return sqlite.New(dbx)
}

// Series creates a series and, for each source name, a source bound to it.
func Series(t testing.TB, repo sqlite.Repo, title string, sources ...string) (catalog.Series, []catalog.SeriesSource) {
	t.Helper()

	var (
		ctx = context.Background()
		now = time.Now()
	)
	s, err := repo.InsertSeries(ctx, title, now)
	require.NoError(t, err)

	srcs := make([]catalog.SeriesSource, 0, len(sources))
	for i, name := range sources {
		src, err := repo.InsertSeriesSource(ctx, catalog.SeriesSource{
			SeriesID:   s.ID,
			SourceName: name,
			ExternalID: title + "-" + name,
			URL:        "https://" + name + ".test/series/" + s.ID,
			TrustScore: len(sources) - i,
			CreatedAt:  catalog.At(now),
		})
		require.NoError(t, err)
		srcs = append(srcs, src)
	}

	return s, srcs
}

// SetTier forces a series into a tier.
func SetTier(t testing.TB, repo sqlite.Repo, seriesID string, tier catalog.Tier) {
	t.Helper()

	score := 0.0
	switch tier {
	case catalog.TierA:
		score = 100
	case catalog.TierB:
		score = 10
	}
	err := repo.UpdateScores(context.Background(), []catalog.SeriesScore{{SeriesID: seriesID, Score: score, Tier: tier}}, time.Now())
	require.NoError(t, err)
}
