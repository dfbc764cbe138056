package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/stackaudit/stackaudit/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one concurrent writer. Limiting to a single
	// connection serializes all DB access through Go's connection pool,
	// preventing "database is locked" errors from concurrent appenders.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for concurrent reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	// Set busy timeout so concurrent writes wait instead of failing immediately
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// NewReviewID generates a new ULID string for a review.
func NewReviewID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(entropy, 0)).String()
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	// Create migrations tracking table
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	// Sort by filename
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()

		// Check if already applied
		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DayOf returns the UTC calendar day bucket used by the risk-day index
// and the daily aggregates.
func DayOf(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// --- Append ---

// Append writes the next immutable version of a review. prev is the
// version number the caller based its state on (0 when creating). The
// write claims exactly version prev+1; if another writer got there first
// the append fails with ErrVersionConflict and the caller re-reads and
// reapplies. Versions are never overwritten or skipped.
func (s *SQLiteStore) Append(ctx context.Context, prev int, review *models.Review) (*models.Version, error) {
	if err := models.Validate(review); err != nil {
		return nil, err
	}
	if prev < 0 {
		return nil, &models.ValidationError{Field: "previous_version", Reason: fmt.Sprintf("negative base version %d", prev)}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin tx: %v", ErrStorageUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()

	var current int
	var chainCreated time.Time
	err = tx.QueryRowContext(ctx,
		"SELECT version, created_at FROM review_versions WHERE review_id = ? ORDER BY version DESC LIMIT 1",
		review.ReviewID,
	).Scan(&current, &chainCreated)
	if err == sql.ErrNoRows {
		current = 0
	} else if err != nil {
		return nil, fmt.Errorf("%w: read current version: %v", ErrStorageUnavailable, err)
	}
	if current != prev {
		return nil, fmt.Errorf("%w: review %s is at version %d, not %d", ErrVersionConflict, review.ReviewID, current, prev)
	}

	now := time.Now().UTC()
	version := prev + 1
	review.UpdatedAt = now
	if version == 1 {
		if review.CreatedAt.IsZero() {
			review.CreatedAt = now
		}
	} else {
		// created_at always names the chain's first version, whatever
		// the caller's copy carries.
		review.CreatedAt = chainCreated
	}

	originJSON, err := json.Marshal(review.OriginContext)
	if err != nil {
		return nil, fmt.Errorf("marshal origin context: %w", err)
	}
	var resultJSON sql.NullString
	var riskScore sql.NullFloat64
	if review.Result != nil {
		data, err := json.Marshal(review.Result)
		if err != nil {
			return nil, fmt.Errorf("marshal review result: %w", err)
		}
		resultJSON = sql.NullString{String: string(data), Valid: true}
	}
	if score, ok := review.RiskScore(); ok {
		riskScore = sql.NullFloat64{Float64: score, Valid: true}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO review_versions (review_id, version, previous_version, group_key, status, code_snippet, origin_context, caller_id, result, risk_score, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		review.ReviewID, version, prev, review.GroupKey, string(review.Status),
		review.CodeSnippet, string(originJSON), review.CallerID,
		resultJSON, riskScore, review.CreatedAt, review.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: insert version %d of %s: %v", ErrStorageUnavailable, version, review.ReviewID, err)
	}

	v := &models.Version{Version: version, PreviousVersion: prev, Review: review}
	if err := applyIndexes(ctx, tx, v); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit version %d of %s: %v", ErrStorageUnavailable, version, review.ReviewID, err)
	}
	return v, nil
}

// --- Point and range reads ---

func (s *SQLiteStore) GetLatest(ctx context.Context, reviewID string) (*models.Version, error) {
	row := s.db.QueryRowContext(ctx,
		versionSelect+" WHERE review_id = ? ORDER BY version DESC LIMIT 1", reviewID)
	v, err := scanVersion(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: review %s", ErrNotFound, reviewID)
	}
	if err != nil {
		return nil, fmt.Errorf("get latest %s: %w", reviewID, err)
	}
	return v, nil
}

func (s *SQLiteStore) GetVersion(ctx context.Context, reviewID string, version int) (*models.Version, error) {
	row := s.db.QueryRowContext(ctx,
		versionSelect+" WHERE review_id = ? AND version = ?", reviewID, version)
	v, err := scanVersion(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: review %s version %d", ErrNotFound, reviewID, version)
	}
	if err != nil {
		return nil, fmt.Errorf("get version %d of %s: %w", version, reviewID, err)
	}
	return v, nil
}

// History returns versions of a review in ascending order, starting after
// afterVersion. The second return is the token for the next page, or 0
// when the page is the last one. Restartable: any token from a previous
// call resumes the walk.
func (s *SQLiteStore) History(ctx context.Context, reviewID string, afterVersion, limit int) ([]*models.Version, int, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx,
		versionSelect+" WHERE review_id = ? AND version > ? ORDER BY version ASC LIMIT ?",
		reviewID, afterVersion, limit+1)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: history of %s: %v", ErrStorageUnavailable, reviewID, err)
	}
	defer func() { _ = rows.Close() }()

	var versions []*models.Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan version: %w", err)
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("%w: history of %s: %v", ErrStorageUnavailable, reviewID, err)
	}

	if afterVersion == 0 && len(versions) == 0 {
		return nil, 0, fmt.Errorf("%w: review %s", ErrNotFound, reviewID)
	}

	next := 0
	if len(versions) > limit {
		versions = versions[:limit]
		next = versions[limit-1].Version
	}
	return versions, next, nil
}

func (s *SQLiteStore) ReviewIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT DISTINCT review_id FROM review_versions ORDER BY review_id")
	if err != nil {
		return nil, fmt.Errorf("list review ids: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan review id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteReview removes an entire version chain and its index rows in one
// transaction. Retention/administrative path only; normal operation never
// destroys versions.
func (s *SQLiteStore) DeleteReview(ctx context.Context, reviewID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", ErrStorageUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()

	// Walk the chain first so signature occurrence counts can be unwound.
	rows, err := tx.QueryContext(ctx,
		versionSelect+" WHERE review_id = ? ORDER BY version ASC", reviewID)
	if err != nil {
		return fmt.Errorf("%w: load chain of %s: %v", ErrStorageUnavailable, reviewID, err)
	}
	var chain []*models.Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			_ = rows.Close()
			return fmt.Errorf("scan version: %w", err)
		}
		chain = append(chain, v)
	}
	if err := rows.Close(); err != nil {
		return fmt.Errorf("%w: load chain of %s: %v", ErrStorageUnavailable, reviewID, err)
	}
	if len(chain) == 0 {
		return fmt.Errorf("%w: review %s", ErrNotFound, reviewID)
	}

	for _, v := range chain {
		if v.Review.Result == nil {
			continue
		}
		for _, f := range v.Review.Result.AllFindings() {
			sig := IssueSignature(f.Category, f.Title)
			if _, err := tx.ExecContext(ctx,
				`UPDATE idx_issue_signature SET occurrences = occurrences - 1
				WHERE group_key = ? AND signature = ?`, v.Review.GroupKey, sig); err != nil {
				return fmt.Errorf("%w: unwind signature index: %v", ErrStorageUnavailable, err)
			}
		}
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM idx_issue_signature WHERE occurrences <= 0"); err != nil {
		return fmt.Errorf("%w: prune signature index: %v", ErrStorageUnavailable, err)
	}

	for _, stmt := range []string{
		"DELETE FROM review_versions WHERE review_id = ?",
		"DELETE FROM idx_group WHERE review_id = ?",
		"DELETE FROM idx_risk_day WHERE review_id = ?",
		"DELETE FROM idx_status WHERE review_id = ?",
	} {
		if _, err := tx.ExecContext(ctx, stmt, reviewID); err != nil {
			return fmt.Errorf("%w: delete review %s: %v", ErrStorageUnavailable, reviewID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit delete of %s: %v", ErrStorageUnavailable, reviewID, err)
	}
	return nil
}

// --- Scanning ---

const versionSelect = `SELECT review_id, version, previous_version, group_key, status, code_snippet, origin_context, caller_id, result, risk_score, created_at, updated_at
	FROM review_versions`

type scannable interface {
	Scan(dest ...any) error
}

func scanVersion(row scannable) (*models.Version, error) {
	r := &models.Review{}
	v := &models.Version{Review: r}
	var status, originJSON string
	var resultJSON sql.NullString
	var riskScore sql.NullFloat64

	err := row.Scan(&r.ReviewID, &v.Version, &v.PreviousVersion, &r.GroupKey,
		&status, &r.CodeSnippet, &originJSON, &r.CallerID,
		&resultJSON, &riskScore, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}

	r.Status = models.ReviewStatus(status)
	if originJSON != "" && originJSON != "{}" {
		if err := json.Unmarshal([]byte(originJSON), &r.OriginContext); err != nil {
			return nil, fmt.Errorf("unmarshal origin context: %w", err)
		}
	}
	if resultJSON.Valid {
		r.Result = &models.ReviewResult{}
		if err := json.Unmarshal([]byte(resultJSON.String), r.Result); err != nil {
			return nil, fmt.Errorf("unmarshal review result: %w", err)
		}
	}
	return v, nil
}

// --- Daily aggregates ---

func (s *SQLiteStore) PutDailyAggregate(ctx context.Context, agg *models.DailyAggregate) error {
	byStatus, err := json.Marshal(agg.ByStatus)
	if err != nil {
		return fmt.Errorf("marshal status breakdown: %w", err)
	}
	// Overwrite, not append: re-running the aggregator for a day must be
	// idempotent.
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO daily_aggregates (day, review_count, scored_reviews, average_risk, min_risk, max_risk, by_status, computed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		agg.Day, agg.ReviewCount, agg.ScoredReviews, agg.AverageRisk,
		agg.MinRisk, agg.MaxRisk, string(byStatus), agg.ComputedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: put daily aggregate %s: %v", ErrStorageUnavailable, agg.Day, err)
	}
	return nil
}

func (s *SQLiteStore) GetDailyAggregate(ctx context.Context, day string) (*models.DailyAggregate, error) {
	agg := &models.DailyAggregate{}
	var byStatus string
	err := s.db.QueryRowContext(ctx,
		`SELECT day, review_count, scored_reviews, average_risk, min_risk, max_risk, by_status, computed_at
		FROM daily_aggregates WHERE day = ?`, day,
	).Scan(&agg.Day, &agg.ReviewCount, &agg.ScoredReviews, &agg.AverageRisk,
		&agg.MinRisk, &agg.MaxRisk, &byStatus, &agg.ComputedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: daily aggregate %s", ErrNotFound, day)
	}
	if err != nil {
		return nil, fmt.Errorf("get daily aggregate %s: %w", day, err)
	}
	if err := json.Unmarshal([]byte(byStatus), &agg.ByStatus); err != nil {
		return nil, fmt.Errorf("unmarshal status breakdown: %w", err)
	}
	return agg, nil
}
