package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackaudit/stackaudit/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	err = s.Migrate(context.Background())
	require.NoError(t, err)

	t.Cleanup(func() { s.Close() })
	return s
}

func pendingReview(id, group string) *models.Review {
	return &models.Review{
		ReviewID:    id,
		CodeSnippet: `resource "aws_s3_bucket" "b" {}`,
		GroupKey:    group,
		CallerID:    "ci-bot",
		Status:      models.ReviewStatusPending,
	}
}

func completedResult(risk float64, findings ...models.Finding) *models.ReviewResult {
	result := &models.ReviewResult{OverallRiskScore: risk}
	for _, f := range findings {
		result.Security.Findings = append(result.Security.Findings, f)
		result.Security.TotalFindings++
	}
	return result
}

func finding(category models.FindingCategory, severity models.Severity, title string) models.Finding {
	return models.Finding{
		FindingID:       "f-001",
		Category:        category,
		Severity:        severity,
		Title:           title,
		ConfidenceScore: 0.9,
	}
}

// appendCompleted moves an existing review to completed with the given
// result, based on its current latest version.
func appendCompleted(t *testing.T, s *SQLiteStore, id string, result *models.ReviewResult) *models.Version {
	t.Helper()
	ctx := context.Background()
	latest, err := s.GetLatest(ctx, id)
	require.NoError(t, err)

	next := *latest.Review
	next.Status = models.ReviewStatusCompleted
	next.Result = result
	v, err := s.Append(ctx, latest.Version, &next)
	require.NoError(t, err)
	return v
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "subdir", "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(filepath.Join(dir, "subdir"))
	assert.NoError(t, err, "should create parent directory")
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	err := s.Migrate(context.Background())
	assert.NoError(t, err)
}

// --- Append ---

func TestAppend_FirstVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v, err := s.Append(ctx, 0, pendingReview("rev-1", "stack-a"))
	require.NoError(t, err)
	assert.Equal(t, 1, v.Version)
	assert.Equal(t, 0, v.PreviousVersion)
	assert.False(t, v.Review.CreatedAt.IsZero())
	assert.False(t, v.Review.UpdatedAt.IsZero())
}

func TestAppend_GapFreeSequence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, 0, pendingReview("rev-1", "stack-a"))
	require.NoError(t, err)

	for i := 1; i <= 4; i++ {
		latest, err := s.GetLatest(ctx, "rev-1")
		require.NoError(t, err)
		next := *latest.Review
		next.Status = models.ReviewStatusInProgress
		v, err := s.Append(ctx, latest.Version, &next)
		require.NoError(t, err)
		assert.Equal(t, i+1, v.Version)
		assert.Equal(t, i, v.PreviousVersion)
	}

	versions, next, err := s.History(ctx, "rev-1", 0, 100)
	require.NoError(t, err)
	assert.Zero(t, next)
	require.Len(t, versions, 5)
	for i, v := range versions {
		assert.Equal(t, i+1, v.Version, "versions are consecutive from 1")
	}
}

func TestAppend_VersionConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, 0, pendingReview("rev-1", "stack-a"))
	require.NoError(t, err)

	// Two writers both based on version 1. The first wins, the second
	// gets a conflict and no version is lost or overwritten.
	r1 := pendingReview("rev-1", "stack-a")
	r1.Status = models.ReviewStatusCompleted
	r1.Result = completedResult(0.8)
	_, err = s.Append(ctx, 1, r1)
	require.NoError(t, err)

	r2 := pendingReview("rev-1", "stack-a")
	r2.Status = models.ReviewStatusFailed
	_, err = s.Append(ctx, 1, r2)
	require.ErrorIs(t, err, ErrVersionConflict)

	latest, err := s.GetLatest(ctx, "rev-1")
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)
	assert.Equal(t, models.ReviewStatusCompleted, latest.Review.Status)
}

func TestAppend_DuplicateCreateConflicts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, 0, pendingReview("rev-1", "stack-a"))
	require.NoError(t, err)

	_, err = s.Append(ctx, 0, pendingReview("rev-1", "stack-a"))
	assert.ErrorIs(t, err, ErrVersionConflict)
}

func TestAppend_RejectsInvalidReview(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := pendingReview("rev-1", "stack-a")
	r.Result = completedResult(0.5) // result on a non-completed review
	_, err := s.Append(ctx, 0, r)

	var verr *models.ValidationError
	require.ErrorAs(t, err, &verr)

	// Nothing was written.
	_, err = s.GetLatest(ctx, "rev-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAppend_PreservesCreatedAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := pendingReview("rev-1", "stack-a")
	r.CreatedAt = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	v1, err := s.Append(ctx, 0, r)
	require.NoError(t, err)

	v2 := appendCompleted(t, s, "rev-1", completedResult(0.4))
	assert.Equal(t, v1.Review.CreatedAt, v2.Review.CreatedAt)
	assert.True(t, v2.Review.UpdatedAt.After(v2.Review.CreatedAt))
}

func TestAppend_OverridesCallerCreatedAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := pendingReview("rev-1", "stack-a")
	r.CreatedAt = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	v1, err := s.Append(ctx, 0, r)
	require.NoError(t, err)

	// A caller that builds version 2 from scratch instead of copying the
	// latest version carries a zero (or wrong) CreatedAt. The chain's
	// first-version timestamp wins.
	fresh := pendingReview("rev-1", "stack-a")
	fresh.Status = models.ReviewStatusCompleted
	fresh.Result = completedResult(0.8)
	v2, err := s.Append(ctx, 1, fresh)
	require.NoError(t, err)
	assert.Equal(t, v1.Review.CreatedAt, v2.Review.CreatedAt)

	// The risk-day index buckets under the real creation day, so the
	// completed score stays visible there.
	entries, err := s.HighRisk(ctx, "2026-03-01", 0.5, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "rev-1", entries[0].ReviewID)
	assert.Equal(t, 0.8, entries[0].RiskScore)

	entries, err = s.HighRisk(ctx, "0001-01-01", 0.0, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAppend_NegativeBaseVersionRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, -1, pendingReview("rev-1", "stack-a"))
	var verr *models.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "previous_version", verr.Field)
	// Not a retryable conflict: a retry loop must not spin on it.
	assert.False(t, errors.Is(err, ErrVersionConflict))
}

// --- Reads ---

func TestGetLatest_IsMaxVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, 0, pendingReview("rev-1", "stack-a"))
	require.NoError(t, err)
	appendCompleted(t, s, "rev-1", completedResult(0.6))

	latest, err := s.GetLatest(ctx, "rev-1")
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)

	score, ok := latest.Review.RiskScore()
	require.True(t, ok)
	assert.Equal(t, 0.6, score)
}

func TestGetLatest_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetLatest(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, 0, pendingReview("rev-1", "stack-a"))
	require.NoError(t, err)
	appendCompleted(t, s, "rev-1", completedResult(0.6))

	v, err := s.GetVersion(ctx, "rev-1", 1)
	require.NoError(t, err)
	assert.Equal(t, models.ReviewStatusPending, v.Review.Status)
	assert.Nil(t, v.Review.Result)

	_, err = s.GetVersion(ctx, "rev-1", 7)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHistory_Pagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, 0, pendingReview("rev-1", "stack-a"))
	require.NoError(t, err)
	for i := 1; i < 5; i++ {
		latest, err := s.GetLatest(ctx, "rev-1")
		require.NoError(t, err)
		next := *latest.Review
		next.Status = models.ReviewStatusInProgress
		_, err = s.Append(ctx, latest.Version, &next)
		require.NoError(t, err)
	}

	page1, next, err := s.History(ctx, "rev-1", 0, 2)
	require.NoError(t, err)
	require.Len(t, page1, 2)
	assert.Equal(t, 2, next)

	page2, next, err := s.History(ctx, "rev-1", next, 2)
	require.NoError(t, err)
	require.Len(t, page2, 2)
	assert.Equal(t, 4, next)

	page3, next, err := s.History(ctx, "rev-1", next, 2)
	require.NoError(t, err)
	require.Len(t, page3, 1)
	assert.Zero(t, next, "last page returns a zero token")

	assert.Equal(t, 3, page2[0].Version)
	assert.Equal(t, 5, page3[0].Version)
}

func TestHistory_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.History(context.Background(), "missing", 0, 10)
	assert.ErrorIs(t, err, ErrNotFound)
}

// --- Secondary indexes ---

func TestHighRisk_LatestCompletedScoreOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	day := DayOf(created)

	// Three completed reviews with varying scores, one still pending.
	for i, risk := range []float64{0.9, 0.75, 0.3} {
		id := fmt.Sprintf("rev-%d", i)
		r := pendingReview(id, "stack-a")
		r.CreatedAt = created
		_, err := s.Append(ctx, 0, r)
		require.NoError(t, err)
		appendCompleted(t, s, id, completedResult(risk))
	}
	pending := pendingReview("rev-pending", "stack-a")
	pending.CreatedAt = created
	_, err := s.Append(ctx, 0, pending)
	require.NoError(t, err)

	entries, err := s.HighRisk(ctx, day, 0.7, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "rev-0", entries[0].ReviewID)
	assert.Equal(t, 0.9, entries[0].RiskScore)
	assert.Equal(t, "rev-1", entries[1].ReviewID)
}

func TestHighRisk_SupersededScoreCleared(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	day := DayOf(created)

	r := pendingReview("rev-1", "stack-a")
	r.CreatedAt = created
	_, err := s.Append(ctx, 0, r)
	require.NoError(t, err)
	appendCompleted(t, s, "rev-1", completedResult(0.9))

	// A later failed version supersedes the completed one; the old score
	// must not linger in the index.
	latest, err := s.GetLatest(ctx, "rev-1")
	require.NoError(t, err)
	failed := *latest.Review
	failed.Status = models.ReviewStatusFailed
	failed.Result = nil
	_, err = s.Append(ctx, latest.Version, &failed)
	require.NoError(t, err)

	entries, err := s.HighRisk(ctx, day, 0.0, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestByStatus_OnlyLatestStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, 0, pendingReview("rev-old", "stack-a"))
	require.NoError(t, err)
	_, err = s.Append(ctx, 0, pendingReview("rev-done", "stack-a"))
	require.NoError(t, err)
	appendCompleted(t, s, "rev-done", completedResult(0.2))

	entries, err := s.ByStatus(ctx, models.ReviewStatusPending, nil, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "rev-old", entries[0].ReviewID)

	// olderThan in the past excludes everything.
	past := time.Now().UTC().Add(-time.Hour)
	entries, err = s.ByStatus(ctx, models.ReviewStatusPending, &past, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRepeatedIssues_CountsAcrossReviews(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// The same issue title with cosmetic differences across three
	// reviews of one group, plus a one-off issue.
	titles := []string{
		"S3 bucket without encryption",
		"s3  bucket without ENCRYPTION",
		"S3 Bucket Without Encryption",
	}
	for i, title := range titles {
		id := fmt.Sprintf("rev-%d", i)
		_, err := s.Append(ctx, 0, pendingReview(id, "stack-a"))
		require.NoError(t, err)
		appendCompleted(t, s, id, completedResult(0.5,
			finding(models.CategorySecurity, models.SeverityHigh, title)))
	}
	_, err := s.Append(ctx, 0, pendingReview("rev-other", "stack-a"))
	require.NoError(t, err)
	appendCompleted(t, s, "rev-other", completedResult(0.5,
		finding(models.CategorySecurity, models.SeverityLow, "Missing versioning")))

	counts, err := s.RepeatedIssues(ctx, "stack-a", 2, 10)
	require.NoError(t, err)
	require.Len(t, counts, 1)
	assert.Equal(t, 3, counts[0].Occurrences)
	assert.Equal(t, "s3 bucket without encryption", counts[0].Title)

	// Different group: nothing.
	counts, err = s.RepeatedIssues(ctx, "stack-b", 1, 10)
	require.NoError(t, err)
	assert.Empty(t, counts)
}

func TestLatestByGroup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("rev-%d", i)
		_, err := s.Append(ctx, 0, pendingReview(id, "stack-a"))
		require.NoError(t, err)
	}
	appendCompleted(t, s, "rev-1", completedResult(0.5))
	_, err := s.Append(ctx, 0, pendingReview("rev-x", "stack-b"))
	require.NoError(t, err)

	versions, err := s.LatestByGroup(ctx, "stack-a", 10, false)
	require.NoError(t, err)
	require.Len(t, versions, 3, "one entry per review, not per version")

	for _, v := range versions {
		if v.Review.ReviewID == "rev-1" {
			assert.Equal(t, 2, v.Version, "latest version is returned")
		} else {
			assert.Equal(t, 1, v.Version)
		}
	}
}

func TestVersionsByDateRange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, 0, pendingReview("rev-1", "stack-a"))
	require.NoError(t, err)
	appendCompleted(t, s, "rev-1", completedResult(0.5))

	now := time.Now().UTC()
	versions, err := s.VersionsByDateRange(ctx, "stack-a", now.Add(-time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, versions, 2, "every version in range, not just latest")

	versions, err = s.VersionsByDateRange(ctx, "stack-a", now.Add(time.Hour), now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, versions)
}

// --- Rebuild equivalence ---

// dumpIndexes reads the raw contents of all four index tables, with
// every column cast to text so rows compare directly.
func dumpIndexes(t *testing.T, s *SQLiteStore) map[string][][]string {
	t.Helper()
	out := map[string][][]string{}

	collect := func(name, query string, cols int) {
		rows, err := s.db.Query(query)
		require.NoError(t, err)
		defer rows.Close()
		for rows.Next() {
			row := make([]string, cols)
			ptrs := make([]any, cols)
			for i := range row {
				ptrs[i] = &row[i]
			}
			require.NoError(t, rows.Scan(ptrs...))
			out[name] = append(out[name], row)
		}
		require.NoError(t, rows.Err())
	}

	collect("idx_group",
		"SELECT group_key, CAST(created_at AS TEXT), review_id, CAST(version AS TEXT) FROM idx_group ORDER BY group_key, review_id, version", 4)
	collect("idx_risk_day",
		"SELECT day, review_id, CAST(version AS TEXT), CAST(risk_score AS TEXT) FROM idx_risk_day ORDER BY day, review_id", 4)
	collect("idx_status",
		"SELECT review_id, status, group_key, CAST(created_at AS TEXT) FROM idx_status ORDER BY review_id", 4)
	collect("idx_issue_signature",
		"SELECT group_key, signature, category, title, CAST(occurrences AS TEXT), CAST(last_seen AS TEXT) FROM idx_issue_signature ORDER BY group_key, signature", 6)
	return out
}

func TestRebuildIndexes_MatchesIncremental(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("rev-%d", i)
		r := pendingReview(id, "stack-a")
		r.CreatedAt = created
		_, err := s.Append(ctx, 0, r)
		require.NoError(t, err)
		appendCompleted(t, s, id, completedResult(0.5+float64(i)/10,
			finding(models.CategorySecurity, models.SeverityHigh, "S3 bucket without encryption")))
	}
	_, err := s.Append(ctx, 0, pendingReview("rev-p", "stack-b"))
	require.NoError(t, err)

	before := dumpIndexes(t, s)
	require.NoError(t, s.RebuildIndexes(ctx))
	after := dumpIndexes(t, s)

	assert.Equal(t, before, after, "rebuilt indexes equal incrementally maintained ones")
}

// --- Delete ---

func TestDeleteReview_RemovesChainAndIndexRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	shared := finding(models.CategorySecurity, models.SeverityHigh, "S3 bucket without encryption")
	for _, id := range []string{"rev-1", "rev-2"} {
		_, err := s.Append(ctx, 0, pendingReview(id, "stack-a"))
		require.NoError(t, err)
		appendCompleted(t, s, id, completedResult(0.8, shared))
	}

	require.NoError(t, s.DeleteReview(ctx, "rev-1"))

	_, err := s.GetLatest(ctx, "rev-1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, _, err = s.History(ctx, "rev-1", 0, 10)
	assert.ErrorIs(t, err, ErrNotFound)

	// The surviving review still owns one occurrence of the shared issue.
	counts, err := s.RepeatedIssues(ctx, "stack-a", 1, 10)
	require.NoError(t, err)
	require.Len(t, counts, 1)
	assert.Equal(t, 1, counts[0].Occurrences)

	// Post-delete rebuild reproduces the same index state.
	before := dumpIndexes(t, s)
	require.NoError(t, s.RebuildIndexes(ctx))
	assert.Equal(t, before, dumpIndexes(t, s))

	assert.ErrorIs(t, s.DeleteReview(ctx, "rev-1"), ErrNotFound)
}

// --- Daily aggregates ---

func TestDailyAggregate_OverwriteIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	agg := &models.DailyAggregate{
		Day:           "2026-03-01",
		ReviewCount:   5,
		ScoredReviews: 3,
		AverageRisk:   0.42,
		MinRisk:       0.1,
		MaxRisk:       0.9,
		ByStatus:      map[models.ReviewStatus]int{models.ReviewStatusCompleted: 3, models.ReviewStatusPending: 2},
		ComputedAt:    time.Now().UTC(),
	}
	require.NoError(t, s.PutDailyAggregate(ctx, agg))

	agg.ReviewCount = 6
	require.NoError(t, s.PutDailyAggregate(ctx, agg))

	got, err := s.GetDailyAggregate(ctx, "2026-03-01")
	require.NoError(t, err)
	assert.Equal(t, 6, got.ReviewCount)
	assert.Equal(t, 3, got.ByStatus[models.ReviewStatusCompleted])

	_, err = s.GetDailyAggregate(ctx, "2026-03-02")
	assert.ErrorIs(t, err, ErrNotFound)
}

// --- Signatures ---

func TestIssueSignature_NormalizesTitle(t *testing.T) {
	a := IssueSignature(models.CategorySecurity, "S3 bucket  without encryption")
	b := IssueSignature(models.CategorySecurity, "s3 bucket without ENCRYPTION")
	c := IssueSignature(models.CategoryCost, "s3 bucket without encryption")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c, "category is part of the signature")
}

func TestConcurrentAppends_OneWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v1, err := s.Append(ctx, 0, pendingReview("rev-1", "stack-a"))
	require.NoError(t, err)

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func(n int) {
			r := pendingReview("rev-1", "stack-a")
			r.Status = models.ReviewStatusCompleted
			r.Result = completedResult(float64(n) / 10)
			_, err := s.Append(ctx, 1, r)
			results <- err
		}(i)
	}

	var conflicts, successes int
	for i := 0; i < 2; i++ {
		err := <-results
		if err == nil {
			successes++
		} else {
			require.True(t, errors.Is(err, ErrVersionConflict), "unexpected error: %v", err)
			conflicts++
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, conflicts)

	latest, err := s.GetLatest(ctx, "rev-1")
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)
	assert.WithinDuration(t, v1.Review.CreatedAt, latest.Review.CreatedAt, time.Second)
}
