package models

import "time"

// ReviewStatus represents the lifecycle state of a review.
type ReviewStatus string

const (
	ReviewStatusPending    ReviewStatus = "pending"
	ReviewStatusInProgress ReviewStatus = "in_progress"
	ReviewStatusCompleted  ReviewStatus = "completed"
	ReviewStatusFailed     ReviewStatus = "failed"
)

// Valid reports whether s is one of the four known statuses.
func (s ReviewStatus) Valid() bool {
	switch s {
	case ReviewStatusPending, ReviewStatusInProgress, ReviewStatusCompleted, ReviewStatusFailed:
		return true
	}
	return false
}

// Review represents one infrastructure-code submission and its analysis
// state at a particular version. A Review value is a full snapshot: the
// store never mutates one in place, it appends a new version.
type Review struct {
	ReviewID      string            `json:"review_id"`
	CodeSnippet   string            `json:"code_snippet"`
	GroupKey      string            `json:"group_key,omitempty"` // originating run/stack correlation id
	OriginContext map[string]string `json:"origin_context,omitempty"`
	CallerID      string            `json:"caller_id,omitempty"` // audit attribution, not interpreted
	Status        ReviewStatus      `json:"status"`
	Result        *ReviewResult     `json:"result,omitempty"`
	CreatedAt     time.Time         `json:"created_at"` // timestamp of version 1
	UpdatedAt     time.Time         `json:"updated_at"` // timestamp of this version
}

// RiskScore returns the overall risk score and whether one is defined.
// A score exists only on completed reviews.
func (r *Review) RiskScore() (float64, bool) {
	if r.Status != ReviewStatusCompleted || r.Result == nil {
		return 0, false
	}
	return r.Result.OverallRiskScore, true
}

// Version is one immutable snapshot of a review. Versions for a given
// review form a gap-free sequence starting at 1; the current state is
// the snapshot with the highest version number.
type Version struct {
	Version         int     `json:"version"`
	PreviousVersion int     `json:"previous_version,omitempty"` // 0 for version 1
	Review          *Review `json:"review"`
}
