package store

import (
	"context"
	"errors"
	"time"

	"github.com/stackaudit/stackaudit/internal/models"
)

// Failure taxonomy for the version store. VersionConflict is retryable by
// re-reading the current version and reapplying; the others are final for
// the current operation.
var (
	ErrNotFound           = errors.New("not found")
	ErrVersionConflict    = errors.New("version conflict")
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// RiskEntry is one row of the risk-day index: a review's latest risk score
// bucketed under the day the review was created.
type RiskEntry struct {
	ReviewID  string  `json:"review_id"`
	Version   int     `json:"version"`
	RiskScore float64 `json:"risk_score"`
}

// DayStats aggregates the risk scores recorded for one day.
type DayStats struct {
	Count   int     `json:"count"`
	Average float64 `json:"average"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
}

// IssueCount is one row of the issue-signature index: how often a
// (category, normalized title) pair has been reported within a group.
type IssueCount struct {
	Signature   string    `json:"signature"`
	Category    string    `json:"category"`
	Title       string    `json:"title"`
	Occurrences int       `json:"occurrences"`
	LastSeen    time.Time `json:"last_seen"`
}

// StatusEntry is one row of the status index. The index holds exactly one
// row per review, always reflecting the latest version's status.
type StatusEntry struct {
	ReviewID  string              `json:"review_id"`
	Status    models.ReviewStatus `json:"status"`
	GroupKey  string              `json:"group_key,omitempty"`
	CreatedAt time.Time           `json:"created_at"`
}

// Store is the persistence interface for the versioned review store.
//
// Append is the sole write path for review data and the serialization
// point per review id: optimistic concurrency on the (review_id, version)
// key, no global locks. The index-backed reads serve the query engine;
// the secondary indexes are materialized views maintained in the append
// transaction and rebuildable from the version history at any time.
type Store interface {
	// Version store
	Append(ctx context.Context, prev int, review *models.Review) (*models.Version, error)
	GetLatest(ctx context.Context, reviewID string) (*models.Version, error)
	GetVersion(ctx context.Context, reviewID string, version int) (*models.Version, error)
	History(ctx context.Context, reviewID string, afterVersion, limit int) ([]*models.Version, int, error)
	DeleteReview(ctx context.Context, reviewID string) error
	ReviewIDs(ctx context.Context) ([]string, error)

	// Index-backed reads
	LatestByGroup(ctx context.Context, groupKey string, limit int, newestFirst bool) ([]*models.Version, error)
	VersionsByDateRange(ctx context.Context, groupKey string, start, end time.Time) ([]*models.Version, error)
	HighRisk(ctx context.Context, day string, minScore float64, limit int) ([]RiskEntry, error)
	RiskDayStats(ctx context.Context, day string) (DayStats, error)
	RepeatedIssues(ctx context.Context, groupKey string, minOccurrences, limit int) ([]IssueCount, error)
	ByStatus(ctx context.Context, status models.ReviewStatus, olderThan *time.Time, limit int) ([]StatusEntry, error)
	ReviewsCreatedOn(ctx context.Context, day string) ([]StatusEntry, error)

	// Index repair
	RebuildIndexes(ctx context.Context) error

	// Daily aggregates
	PutDailyAggregate(ctx context.Context, agg *models.DailyAggregate) error
	GetDailyAggregate(ctx context.Context, day string) (*models.DailyAggregate, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
