// Package scoring implements the deterministic risk scoring applied to
// analysis results before they are appended as a completed version.
// Given the same findings payload and ruleset, the score is always the
// same; the AI step proposes findings, it does not set the risk number.
package scoring

import (
	"github.com/stackaudit/stackaudit/internal/models"
	"github.com/stackaudit/stackaudit/internal/rules"
)

// Scorer computes risk and confidence scores from a ruleset.
type Scorer struct {
	rules rules.Ruleset
}

// New creates a scorer with the given ruleset.
func New(rs rules.Ruleset) *Scorer {
	return &Scorer{rules: rs}
}

// OverallRisk combines the three category scores into a single [0,1]
// figure using the configured category weights.
func (s *Scorer) OverallRisk(r *models.ReviewResult) float64 {
	risk := s.SecurityScore(&r.Security)*s.rules.CategoryWeights[models.CategorySecurity] +
		s.CostScore(&r.Cost)*s.rules.CategoryWeights[models.CategoryCost] +
		s.ReliabilityScore(&r.Reliability)*s.rules.CategoryWeights[models.CategoryReliability]
	return clamp(risk)
}

// SecurityScore weights findings by severity, normalized so ten
// high-severity findings saturate at 1.0, with a boost when any high
// severity finding exists.
func (s *Scorer) SecurityScore(sec *models.SecurityAnalysis) float64 {
	if sec.TotalFindings == 0 {
		return 0
	}
	weighted := float64(sec.HighSeverity)*s.rules.SeverityWeights[models.SeverityHigh] +
		float64(sec.MediumSeverity)*s.rules.SeverityWeights[models.SeverityMedium] +
		float64(sec.LowSeverity)*s.rules.SeverityWeights[models.SeverityLow]

	score := clamp(weighted / 10.0)
	if sec.HighSeverity > 0 {
		score = clamp(score * s.rules.HighSeverityBoost)
	}
	return score
}

// CostScore combines the monthly cost (normalized against the configured
// ceiling) with the number of open optimization opportunities.
func (s *Scorer) CostScore(cost *models.CostAnalysis) float64 {
	base := clamp(cost.EstimatedMonthlyCost / s.rules.CostNormalization)
	opt := float64(len(cost.Optimizations)) * 0.1
	if opt > 0.5 {
		opt = 0.5
	}
	return clamp(base + opt)
}

// ReliabilityScore inverts the reliability rating and adds a capped
// increment per single point of failure.
func (s *Scorer) ReliabilityScore(rel *models.ReliabilityAnalysis) float64 {
	base := 1.0 - rel.ReliabilityScore
	spof := float64(len(rel.SinglePointsOfFailure)) * s.rules.SPOFAdjustment
	if spof > s.rules.SPOFCap {
		spof = s.rules.SPOFCap
	}
	return clamp(base + spof)
}

// FindingRisk scores one finding: severity weight scaled by the
// analyzer's confidence.
func (s *Scorer) FindingRisk(f models.Finding) float64 {
	w, ok := s.rules.SeverityWeights[f.Severity]
	if !ok {
		w = 0.5
	}
	return w * f.ConfidenceScore
}

// RiskLevel buckets a score into low, medium, or high.
func (s *Scorer) RiskLevel(score float64) models.Severity {
	switch {
	case score >= s.rules.HighRiskThreshold:
		return models.SeverityHigh
	case score >= s.rules.MediumRiskThreshold:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

// Confidence adjusts a base confidence by finding specificity: a line
// number or file path makes an issue more checkable, low severity makes
// it less certain.
func (s *Scorer) Confidence(f models.Finding, base float64) float64 {
	c := base
	if f.LineNumber > 0 {
		c += 0.03
	}
	if f.FilePath != "" {
		c += 0.02
	}
	switch f.Severity {
	case models.SeverityMedium:
		c -= 0.02
	case models.SeverityLow:
		c -= 0.05
	}
	return clamp(c)
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
