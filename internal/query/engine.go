// Package query is the read side of the review store: every dashboard and
// report pattern, served from the version store and its secondary indexes.
// Nothing here mutates review content.
package query

import (
	"context"
	"fmt"
	"time"

	"github.com/stackaudit/stackaudit/internal/models"
	"github.com/stackaudit/stackaudit/internal/store"
)

// Engine serves the read patterns required by the dashboard and
// compliance reports. All list operations accept a limit and may return
// fewer items; a zero next-page token means end of results.
type Engine struct {
	store store.Store
}

// New creates a query engine over the given store.
func New(s store.Store) *Engine {
	return &Engine{store: s}
}

// Latest returns the current state of a review: the version with the
// highest number. Never a cached pointer, always derived from the chain.
func (e *Engine) Latest(ctx context.Context, reviewID string) (*models.Version, error) {
	return e.store.GetLatest(ctx, reviewID)
}

// History pages through a review's versions in ascending order.
func (e *Engine) History(ctx context.Context, reviewID string, afterVersion, limit int) ([]*models.Version, int, error) {
	return e.store.History(ctx, reviewID, afterVersion, limit)
}

// ByGroup lists latest-version summaries for a grouping key, ordered by
// review creation time.
func (e *Engine) ByGroup(ctx context.Context, groupKey string, limit int, newestFirst bool) ([]*models.Version, error) {
	return e.store.LatestByGroup(ctx, groupKey, limit, newestFirst)
}

// ByDateRange returns all of a group's versions written inside the range.
func (e *Engine) ByDateRange(ctx context.Context, groupKey string, start, end time.Time) ([]*models.Version, error) {
	if end.Before(start) {
		return nil, fmt.Errorf("date range: end %s before start %s", end.Format(time.RFC3339), start.Format(time.RFC3339))
	}
	return e.store.VersionsByDateRange(ctx, groupKey, start, end)
}

// HighRisk lists reviews created on day whose latest risk score is at
// least minScore.
func (e *Engine) HighRisk(ctx context.Context, day string, minScore float64, limit int) ([]store.RiskEntry, error) {
	return e.store.HighRisk(ctx, day, minScore, limit)
}

// TrendPoint is one day of the risk trend.
type TrendPoint struct {
	Day     string  `json:"day"`
	Count   int     `json:"count"`
	Average float64 `json:"average"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
}

// RiskTrend computes per-day risk statistics for every day in
// [startDay, endDay] inclusive. Days with no data produce a zero-count
// point, never an error or a gap.
func (e *Engine) RiskTrend(ctx context.Context, startDay, endDay string) ([]TrendPoint, error) {
	start, err := time.Parse("2006-01-02", startDay)
	if err != nil {
		return nil, fmt.Errorf("parse start day %q: %w", startDay, err)
	}
	end, err := time.Parse("2006-01-02", endDay)
	if err != nil {
		return nil, fmt.Errorf("parse end day %q: %w", endDay, err)
	}
	if end.Before(start) {
		return nil, fmt.Errorf("trend range: end %s before start %s", endDay, startDay)
	}

	var points []TrendPoint
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		day := d.Format("2006-01-02")
		stats, err := e.store.RiskDayStats(ctx, day)
		if err != nil {
			return nil, err
		}
		points = append(points, TrendPoint{
			Day:     day,
			Count:   stats.Count,
			Average: stats.Average,
			Min:     stats.Min,
			Max:     stats.Max,
		})
	}
	return points, nil
}

// RepeatedIssues lists issue signatures reported at least minOccurrences
// times within a group.
func (e *Engine) RepeatedIssues(ctx context.Context, groupKey string, minOccurrences, limit int) ([]store.IssueCount, error) {
	return e.store.RepeatedIssues(ctx, groupKey, minOccurrences, limit)
}

// Pending lists reviews still pending, oldest first. olderThan, when
// non-nil, restricts to reviews created before that instant.
func (e *Engine) Pending(ctx context.Context, olderThan *time.Time, limit int) ([]store.StatusEntry, error) {
	return e.store.ByStatus(ctx, models.ReviewStatusPending, olderThan, limit)
}

// Failed lists reviews whose latest version is failed, oldest first.
func (e *Engine) Failed(ctx context.Context, limit int) ([]store.StatusEntry, error) {
	return e.store.ByStatus(ctx, models.ReviewStatusFailed, nil, limit)
}

// VersionDiff is the structured comparison of two versions of one review.
type VersionDiff struct {
	ReviewID       string                            `json:"review_id"`
	FromVersion    int                               `json:"from_version"`
	ToVersion      int                               `json:"to_version"`
	RiskDelta      float64                           `json:"risk_delta"`
	FindingDeltas  map[models.FindingCategory]int    `json:"finding_deltas"`
	StatusChanged  bool                              `json:"status_changed"`
	FromStatus     models.ReviewStatus               `json:"from_status"`
	ToStatus       models.ReviewStatus               `json:"to_status"`
	NewRemediation bool                              `json:"new_remediation"`
	Elapsed        time.Duration                     `json:"elapsed"`
}

// CompareVersions fetches two versions of a review and diffs them:
// risk-score delta, per-category finding-count delta, whether remediation
// notes newly appeared, and the elapsed time between the snapshots.
// Comparing a version with itself yields a zero diff.
func (e *Engine) CompareVersions(ctx context.Context, reviewID string, v1, v2 int) (*VersionDiff, error) {
	from, err := e.store.GetVersion(ctx, reviewID, v1)
	if err != nil {
		return nil, err
	}
	to, err := e.store.GetVersion(ctx, reviewID, v2)
	if err != nil {
		return nil, err
	}

	diff := &VersionDiff{
		ReviewID:      reviewID,
		FromVersion:   v1,
		ToVersion:     v2,
		FromStatus:    from.Review.Status,
		ToStatus:      to.Review.Status,
		StatusChanged: from.Review.Status != to.Review.Status,
		FindingDeltas: map[models.FindingCategory]int{},
		Elapsed:       to.Review.UpdatedAt.Sub(from.Review.UpdatedAt),
	}

	fromRisk, _ := from.Review.RiskScore()
	toRisk, _ := to.Review.RiskScore()
	diff.RiskDelta = toRisk - fromRisk

	for cat, n := range findingCounts(to.Review.Result) {
		diff.FindingDeltas[cat] = n
	}
	for cat, n := range findingCounts(from.Review.Result) {
		diff.FindingDeltas[cat] -= n
	}

	fromRem := from.Review.Result != nil && from.Review.Result.RemediationNotes != ""
	toRem := to.Review.Result != nil && to.Review.Result.RemediationNotes != ""
	diff.NewRemediation = toRem && !fromRem

	return diff, nil
}

func findingCounts(r *models.ReviewResult) map[models.FindingCategory]int {
	counts := map[models.FindingCategory]int{
		models.CategorySecurity:    0,
		models.CategoryCost:        0,
		models.CategoryReliability: 0,
	}
	if r == nil {
		return counts
	}
	for _, f := range r.AllFindings() {
		counts[f.Category]++
	}
	return counts
}
