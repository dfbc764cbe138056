// Package analytics rolls per-day review statistics into daily aggregate
// records for the dashboard. The aggregator is a scheduled batch job:
// read-only against the version store, idempotent on re-run.
package analytics

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/stackaudit/stackaudit/internal/models"
	"github.com/stackaudit/stackaudit/internal/store"
)

// Aggregator recomputes daily aggregates from the secondary indexes.
type Aggregator struct {
	store  store.Store
	logger zerolog.Logger
}

// New creates an aggregator over the given store.
func New(s store.Store, logger zerolog.Logger) *Aggregator {
	return &Aggregator{store: s, logger: logger}
}

// RunForDate recomputes the aggregate for one UTC day (YYYY-MM-DD) from
// scratch and overwrites whatever was stored before. Re-running after a
// partial failure or late-arriving data is safe; an aggregate computed
// before all of a day's reviews existed is simply replaced by the next
// run.
func (a *Aggregator) RunForDate(ctx context.Context, day string) (*models.DailyAggregate, error) {
	reviews, err := a.store.ReviewsCreatedOn(ctx, day)
	if err != nil {
		return nil, err
	}
	stats, err := a.store.RiskDayStats(ctx, day)
	if err != nil {
		return nil, err
	}

	agg := &models.DailyAggregate{
		Day:           day,
		ReviewCount:   len(reviews),
		ScoredReviews: stats.Count,
		AverageRisk:   stats.Average,
		MinRisk:       stats.Min,
		MaxRisk:       stats.Max,
		ByStatus:      map[models.ReviewStatus]int{},
		ComputedAt:    time.Now().UTC(),
	}
	for _, r := range reviews {
		agg.ByStatus[r.Status]++
	}

	if err := a.store.PutDailyAggregate(ctx, agg); err != nil {
		return nil, err
	}

	a.logger.Info().
		Str("day", day).
		Int("reviews", agg.ReviewCount).
		Int("scored", agg.ScoredReviews).
		Float64("avg_risk", agg.AverageRisk).
		Msg("daily aggregate computed")
	return agg, nil
}

// RunForYesterday is the scheduled entry point: aggregates the prior UTC
// day.
func (a *Aggregator) RunForYesterday(ctx context.Context) (*models.DailyAggregate, error) {
	day := time.Now().UTC().AddDate(0, 0, -1).Format("2006-01-02")
	return a.RunForDate(ctx, day)
}
