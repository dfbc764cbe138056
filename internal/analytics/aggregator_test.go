package analytics

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackaudit/stackaudit/internal/models"
	"github.com/stackaudit/stackaudit/internal/store"
)

func newTestAggregator(t *testing.T) (*Aggregator, store.Store) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return New(s, zerolog.Nop()), s
}

func seedReview(t *testing.T, s store.Store, id string, createdAt time.Time, risk *float64) {
	t.Helper()
	ctx := context.Background()

	_, err := s.Append(ctx, 0, &models.Review{
		ReviewID:    id,
		CodeSnippet: "resource {}",
		GroupKey:    "g",
		Status:      models.ReviewStatusPending,
		CreatedAt:   createdAt,
	})
	require.NoError(t, err)

	if risk == nil {
		return
	}
	latest, err := s.GetLatest(ctx, id)
	require.NoError(t, err)
	next := *latest.Review
	next.Status = models.ReviewStatusCompleted
	next.Result = &models.ReviewResult{OverallRiskScore: *risk}
	_, err = s.Append(ctx, latest.Version, &next)
	require.NoError(t, err)
}

func f64(v float64) *float64 { return &v }

func TestRunForDate(t *testing.T) {
	a, s := newTestAggregator(t)
	ctx := context.Background()
	day := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	seedReview(t, s, "rev-1", day, f64(0.2))
	seedReview(t, s, "rev-2", day, f64(0.8))
	seedReview(t, s, "rev-3", day, nil)
	seedReview(t, s, "rev-other-day", day.AddDate(0, 0, 1), f64(0.9))

	agg, err := a.RunForDate(ctx, "2026-03-01")
	require.NoError(t, err)
	assert.Equal(t, 3, agg.ReviewCount)
	assert.Equal(t, 2, agg.ScoredReviews)
	assert.InDelta(t, 0.5, agg.AverageRisk, 1e-9)
	assert.Equal(t, 0.2, agg.MinRisk)
	assert.Equal(t, 0.8, agg.MaxRisk)
	assert.Equal(t, 2, agg.ByStatus[models.ReviewStatusCompleted])
	assert.Equal(t, 1, agg.ByStatus[models.ReviewStatusPending])

	stored, err := s.GetDailyAggregate(ctx, "2026-03-01")
	require.NoError(t, err)
	assert.Equal(t, agg.ReviewCount, stored.ReviewCount)
}

func TestRunForDate_RerunOverwrites(t *testing.T) {
	a, s := newTestAggregator(t)
	ctx := context.Background()
	day := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	seedReview(t, s, "rev-1", day, f64(0.5))
	first, err := a.RunForDate(ctx, "2026-03-01")
	require.NoError(t, err)
	assert.Equal(t, 1, first.ReviewCount)

	// A review arrives after the first run; the re-run replaces the
	// aggregate rather than stacking on top of it.
	seedReview(t, s, "rev-late", day, f64(0.7))
	second, err := a.RunForDate(ctx, "2026-03-01")
	require.NoError(t, err)
	assert.Equal(t, 2, second.ReviewCount)

	stored, err := s.GetDailyAggregate(ctx, "2026-03-01")
	require.NoError(t, err)
	assert.Equal(t, 2, stored.ReviewCount)
	assert.InDelta(t, 0.6, stored.AverageRisk, 1e-9)
}

func TestRunForDate_EmptyDay(t *testing.T) {
	a, s := newTestAggregator(t)
	ctx := context.Background()

	agg, err := a.RunForDate(ctx, "2026-03-01")
	require.NoError(t, err)
	assert.Zero(t, agg.ReviewCount)
	assert.Zero(t, agg.ScoredReviews)
	assert.Zero(t, agg.AverageRisk)

	// Even an empty day leaves a record behind.
	_, err = s.GetDailyAggregate(ctx, "2026-03-01")
	assert.NoError(t, err)
}
