package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validCompleted() *Review {
	return &Review{
		ReviewID: "rev-1",
		Status:   ReviewStatusCompleted,
		Result: &ReviewResult{
			OverallRiskScore: 0.5,
			Security: SecurityAnalysis{
				TotalFindings: 1,
				HighSeverity:  1,
				Findings: []Finding{
					{FindingID: "f-001", Category: CategorySecurity, Severity: SeverityHigh, Title: "x", ConfidenceScore: 0.9},
				},
			},
		},
	}
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(validCompleted()))
	assert.NoError(t, Validate(&Review{ReviewID: "rev-1", Status: ReviewStatusPending}))
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Review)
		field  string
	}{
		{"empty id", func(r *Review) { r.ReviewID = "" }, "review_id"},
		{"unknown status", func(r *Review) { r.Status = "done" }, "status"},
		{"result on pending", func(r *Review) { r.Status = ReviewStatusPending }, "overall_risk_score"},
		{"risk above one", func(r *Review) { r.Result.OverallRiskScore = 1.2 }, "overall_risk_score"},
		{"risk below zero", func(r *Review) { r.Result.OverallRiskScore = -0.1 }, "overall_risk_score"},
		{"confidence out of range", func(r *Review) { r.Result.Security.Findings[0].ConfidenceScore = 1.5 }, "confidence_score"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validCompleted()
			tt.mutate(r)

			err := Validate(r)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestRiskScore_DefinedOnlyWhenCompleted(t *testing.T) {
	r := validCompleted()
	score, ok := r.RiskScore()
	assert.True(t, ok)
	assert.Equal(t, 0.5, score)

	r.Status = ReviewStatusFailed
	_, ok = r.RiskScore()
	assert.False(t, ok)

	r = &Review{ReviewID: "rev-1", Status: ReviewStatusCompleted}
	_, ok = r.RiskScore()
	assert.False(t, ok, "completed without a result has no score")
}

func TestStatusValid(t *testing.T) {
	for _, s := range []ReviewStatus{ReviewStatusPending, ReviewStatusInProgress, ReviewStatusCompleted, ReviewStatusFailed} {
		assert.True(t, s.Valid())
	}
	assert.False(t, ReviewStatus("archived").Valid())
	assert.False(t, ReviewStatus("").Valid())
}
