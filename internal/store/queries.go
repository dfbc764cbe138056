package store

import (
	"context"
	"fmt"
	"time"

	"github.com/stackaudit/stackaudit/internal/models"
)

// LatestByGroup returns the latest version of each review in a group,
// ordered by the review's first appearance. Served entirely from the
// grouping-key index plus point reads; never a full history scan.
func (s *SQLiteStore) LatestByGroup(ctx context.Context, groupKey string, limit int, newestFirst bool) ([]*models.Version, error) {
	if limit <= 0 {
		limit = 50
	}
	order := "DESC"
	if !newestFirst {
		order = "ASC"
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT review_id, MAX(version) FROM idx_group
		WHERE group_key = ?
		GROUP BY review_id
		ORDER BY MIN(created_at) `+order+` LIMIT ?`,
		groupKey, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: query group %s: %v", ErrStorageUnavailable, groupKey, err)
	}
	defer func() { _ = rows.Close() }()

	type ref struct {
		id      string
		version int
	}
	var refs []ref
	for rows.Next() {
		var r ref
		if err := rows.Scan(&r.id, &r.version); err != nil {
			return nil, fmt.Errorf("scan group index row: %w", err)
		}
		refs = append(refs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: query group %s: %v", ErrStorageUnavailable, groupKey, err)
	}

	versions := make([]*models.Version, 0, len(refs))
	for _, r := range refs {
		v, err := s.GetVersion(ctx, r.id, r.version)
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, nil
}

// VersionsByDateRange returns every version of a group written within
// [start, end], ascending by write time.
func (s *SQLiteStore) VersionsByDateRange(ctx context.Context, groupKey string, start, end time.Time) ([]*models.Version, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT review_id, version FROM idx_group
		WHERE group_key = ? AND created_at >= ? AND created_at <= ?
		ORDER BY created_at ASC`,
		groupKey, start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("%w: query group %s by date: %v", ErrStorageUnavailable, groupKey, err)
	}
	defer func() { _ = rows.Close() }()

	type ref struct {
		id      string
		version int
	}
	var refs []ref
	for rows.Next() {
		var r ref
		if err := rows.Scan(&r.id, &r.version); err != nil {
			return nil, fmt.Errorf("scan group index row: %w", err)
		}
		refs = append(refs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: query group %s by date: %v", ErrStorageUnavailable, groupKey, err)
	}

	versions := make([]*models.Version, 0, len(refs))
	for _, r := range refs {
		v, err := s.GetVersion(ctx, r.id, r.version)
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, nil
}

// HighRisk returns reviews created on the given day whose latest risk
// score is at least minScore, highest first.
func (s *SQLiteStore) HighRisk(ctx context.Context, day string, minScore float64, limit int) ([]RiskEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT review_id, version, risk_score FROM idx_risk_day
		WHERE day = ? AND risk_score >= ?
		ORDER BY risk_score DESC, review_id ASC LIMIT ?`,
		day, minScore, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: query risk index for %s: %v", ErrStorageUnavailable, day, err)
	}
	defer func() { _ = rows.Close() }()

	var entries []RiskEntry
	for rows.Next() {
		var e RiskEntry
		if err := rows.Scan(&e.ReviewID, &e.Version, &e.RiskScore); err != nil {
			return nil, fmt.Errorf("scan risk index row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// RiskDayStats summarizes the risk scores recorded for one day. A day
// with no scored reviews yields zero values, not an error.
func (s *SQLiteStore) RiskDayStats(ctx context.Context, day string) (DayStats, error) {
	var stats DayStats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(AVG(risk_score), 0), COALESCE(MIN(risk_score), 0), COALESCE(MAX(risk_score), 0)
		FROM idx_risk_day WHERE day = ?`, day,
	).Scan(&stats.Count, &stats.Average, &stats.Min, &stats.Max)
	if err != nil {
		return DayStats{}, fmt.Errorf("%w: risk stats for %s: %v", ErrStorageUnavailable, day, err)
	}
	return stats, nil
}

// RepeatedIssues returns issue signatures seen at least minOccurrences
// times within a group, most frequent first, with the signature as the
// deterministic tie-break.
func (s *SQLiteStore) RepeatedIssues(ctx context.Context, groupKey string, minOccurrences, limit int) ([]IssueCount, error) {
	if minOccurrences < 1 {
		minOccurrences = 1
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT signature, category, title, occurrences, last_seen FROM idx_issue_signature
		WHERE group_key = ? AND occurrences >= ?
		ORDER BY occurrences DESC, signature ASC LIMIT ?`,
		groupKey, minOccurrences, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: query signature index for %s: %v", ErrStorageUnavailable, groupKey, err)
	}
	defer func() { _ = rows.Close() }()

	var counts []IssueCount
	for rows.Next() {
		var c IssueCount
		if err := rows.Scan(&c.Signature, &c.Category, &c.Title, &c.Occurrences, &c.LastSeen); err != nil {
			return nil, fmt.Errorf("scan signature index row: %w", err)
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

// ReviewsCreatedOn lists every review created on the given UTC day with
// its latest status. Feeds the daily aggregator.
func (s *SQLiteStore) ReviewsCreatedOn(ctx context.Context, day string) ([]StatusEntry, error) {
	start, err := time.Parse("2006-01-02", day)
	if err != nil {
		return nil, fmt.Errorf("parse day %q: %w", day, err)
	}
	end := start.AddDate(0, 0, 1)

	rows, err := s.db.QueryContext(ctx,
		`SELECT review_id, status, group_key, created_at FROM idx_status
		WHERE created_at >= ? AND created_at < ?
		ORDER BY created_at ASC`,
		start, end)
	if err != nil {
		return nil, fmt.Errorf("%w: query reviews for %s: %v", ErrStorageUnavailable, day, err)
	}
	defer func() { _ = rows.Close() }()

	var entries []StatusEntry
	for rows.Next() {
		var e StatusEntry
		var st string
		if err := rows.Scan(&e.ReviewID, &st, &e.GroupKey, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan status index row: %w", err)
		}
		e.Status = models.ReviewStatus(st)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ByStatus lists reviews whose latest version has the given status,
// oldest first. olderThan, when set, restricts to reviews created before
// that instant (e.g. stuck pending reviews).
func (s *SQLiteStore) ByStatus(ctx context.Context, status models.ReviewStatus, olderThan *time.Time, limit int) ([]StatusEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT review_id, status, group_key, created_at FROM idx_status WHERE status = ?`
	args := []any{string(status)}
	if olderThan != nil {
		query += " AND created_at < ?"
		args = append(args, olderThan.UTC())
	}
	query += " ORDER BY created_at ASC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query status index for %s: %v", ErrStorageUnavailable, status, err)
	}
	defer func() { _ = rows.Close() }()

	var entries []StatusEntry
	for rows.Next() {
		var e StatusEntry
		var st string
		if err := rows.Scan(&e.ReviewID, &st, &e.GroupKey, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan status index row: %w", err)
		}
		e.Status = models.ReviewStatus(st)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
