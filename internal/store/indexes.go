package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/stackaudit/stackaudit/internal/models"
)

// IssueSignature returns the stable hash of (category, normalized title)
// used to detect the same issue recurring across reviews. Titles are
// lowercased with whitespace collapsed so cosmetic differences don't
// split the count.
func IssueSignature(category models.FindingCategory, title string) string {
	norm := strings.Join(strings.Fields(strings.ToLower(title)), " ")
	sum := sha256.Sum256([]byte(string(category) + "\x00" + norm))
	return hex.EncodeToString(sum[:])
}

func normalizeTitle(title string) string {
	return strings.Join(strings.Fields(strings.ToLower(title)), " ")
}

// applyIndexes updates all four secondary indexes for a freshly written
// version, inside the same transaction as the version insert. The same
// function drives RebuildIndexes, so replaying history reproduces the
// incrementally maintained contents exactly.
func applyIndexes(ctx context.Context, tx *sql.Tx, v *models.Version) error {
	r := v.Review

	// (a) grouping-key index: one row per version, ordered by write time.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO idx_group (group_key, created_at, review_id, version)
		VALUES (?, ?, ?, ?)`,
		r.GroupKey, r.UpdatedAt, r.ReviewID, v.Version); err != nil {
		return fmt.Errorf("%w: group index: %v", ErrStorageUnavailable, err)
	}

	// (b) risk-day index: latest completed score only, bucketed under the
	// day the review was created. A version without a score clears the
	// review's row so a superseded score never lingers.
	day := DayOf(r.CreatedAt)
	if score, ok := r.RiskScore(); ok {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO idx_risk_day (day, review_id, version, risk_score)
			VALUES (?, ?, ?, ?)`,
			day, r.ReviewID, v.Version, score); err != nil {
			return fmt.Errorf("%w: risk index: %v", ErrStorageUnavailable, err)
		}
	} else {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM idx_risk_day WHERE day = ? AND review_id = ?",
			day, r.ReviewID); err != nil {
			return fmt.Errorf("%w: risk index: %v", ErrStorageUnavailable, err)
		}
	}

	// (c) status index: exactly one row per review. The upsert moves the
	// review out of its previous status bucket; only the latest version's
	// status is ever indexed.
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO idx_status (review_id, status, group_key, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (review_id) DO UPDATE SET status = excluded.status`,
		r.ReviewID, string(r.Status), r.GroupKey, r.CreatedAt); err != nil {
		return fmt.Errorf("%w: status index: %v", ErrStorageUnavailable, err)
	}

	// (d) issue-signature index: one increment per finding occurrence.
	// last_seen takes the max so replay order doesn't change the result.
	if r.Result != nil {
		for _, f := range r.Result.AllFindings() {
			sig := IssueSignature(f.Category, f.Title)
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO idx_issue_signature (group_key, signature, category, title, occurrences, last_seen)
				VALUES (?, ?, ?, ?, 1, ?)
				ON CONFLICT (group_key, signature) DO UPDATE SET
					occurrences = occurrences + 1,
					last_seen = MAX(last_seen, excluded.last_seen)`,
				r.GroupKey, sig, string(f.Category), normalizeTitle(f.Title), r.UpdatedAt); err != nil {
				return fmt.Errorf("%w: signature index: %v", ErrStorageUnavailable, err)
			}
		}
	}

	return nil
}

// RebuildIndexes drops all four secondary indexes and re-derives them by
// replaying the full version history of every review. The version store
// is the source of truth; this is the recovery path for index corruption
// or loss, and the reference the incremental maintenance is checked
// against.
func (s *SQLiteStore) RebuildIndexes(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", ErrStorageUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"idx_group", "idx_risk_day", "idx_status", "idx_issue_signature"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("%w: clear %s: %v", ErrStorageUnavailable, table, err)
		}
	}

	rows, err := tx.QueryContext(ctx, versionSelect+" ORDER BY review_id, version ASC")
	if err != nil {
		return fmt.Errorf("%w: read versions: %v", ErrStorageUnavailable, err)
	}
	var versions []*models.Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			_ = rows.Close()
			return fmt.Errorf("scan version: %w", err)
		}
		versions = append(versions, v)
	}
	if err := rows.Close(); err != nil {
		return fmt.Errorf("%w: read versions: %v", ErrStorageUnavailable, err)
	}

	for _, v := range versions {
		if err := applyIndexes(ctx, tx, v); err != nil {
			return fmt.Errorf("rebuild: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit rebuild: %v", ErrStorageUnavailable, err)
	}
	return nil
}
