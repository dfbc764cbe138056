package models

import "fmt"

// ValidationError reports a review that fails validation. It is returned
// before any write happens, so a failed validation is never partially
// applied.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid review: %s: %s", e.Field, e.Reason)
}

// Validate checks the rules shared by every writer. Pure; no side effects.
func Validate(r *Review) error {
	if r.ReviewID == "" {
		return &ValidationError{Field: "review_id", Reason: "must not be empty"}
	}
	if !r.Status.Valid() {
		return &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", r.Status)}
	}
	if r.Result != nil {
		if r.Status != ReviewStatusCompleted {
			return &ValidationError{Field: "overall_risk_score", Reason: fmt.Sprintf("risk score present on %s review", r.Status)}
		}
		if s := r.Result.OverallRiskScore; s < 0 || s > 1 {
			return &ValidationError{Field: "overall_risk_score", Reason: fmt.Sprintf("%g outside [0,1]", s)}
		}
		for _, f := range r.Result.AllFindings() {
			if f.ConfidenceScore < 0 || f.ConfidenceScore > 1 {
				return &ValidationError{Field: "confidence_score", Reason: fmt.Sprintf("finding %s: %g outside [0,1]", f.FindingID, f.ConfidenceScore)}
			}
		}
	}
	return nil
}
