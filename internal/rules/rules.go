// Package rules holds the tunable weights behind deterministic risk
// scoring. Defaults are compiled in; an optional YAML file overrides
// them per deployment.
package rules

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/stackaudit/stackaudit/internal/models"
)

// Ruleset is the full set of scoring weights and thresholds.
type Ruleset struct {
	// Category weights for the overall risk combination. Should sum to 1.
	CategoryWeights map[models.FindingCategory]float64 `yaml:"category_weights"`

	// Severity weights applied per finding.
	SeverityWeights map[models.Severity]float64 `yaml:"severity_weights"`

	// HighSeverityBoost multiplies the security score when any high
	// severity finding is present.
	HighSeverityBoost float64 `yaml:"high_severity_boost"`

	// CostNormalization is the monthly USD figure that maps to a cost
	// score of 1.0.
	CostNormalization float64 `yaml:"cost_normalization"`

	// SPOFAdjustment is the per single-point-of-failure risk increment,
	// capped at SPOFCap.
	SPOFAdjustment float64 `yaml:"spof_adjustment"`
	SPOFCap        float64 `yaml:"spof_cap"`

	// Risk level thresholds.
	HighRiskThreshold   float64 `yaml:"high_risk_threshold"`
	MediumRiskThreshold float64 `yaml:"medium_risk_threshold"`
}

// Default returns the compiled-in ruleset: security dominates, cost and
// reliability split the rest.
func Default() Ruleset {
	return Ruleset{
		CategoryWeights: map[models.FindingCategory]float64{
			models.CategorySecurity:    0.50,
			models.CategoryCost:        0.25,
			models.CategoryReliability: 0.25,
		},
		SeverityWeights: map[models.Severity]float64{
			models.SeverityHigh:   1.0,
			models.SeverityMedium: 0.5,
			models.SeverityLow:    0.2,
		},
		HighSeverityBoost:   1.5,
		CostNormalization:   10000.0,
		SPOFAdjustment:      0.1,
		SPOFCap:             0.3,
		HighRiskThreshold:   0.7,
		MediumRiskThreshold: 0.4,
	}
}

// Load reads a ruleset from a YAML file, filling omitted fields from the
// defaults. A missing file is not an error; the defaults apply.
func Load(path string) (Ruleset, error) {
	rs := Default()
	if path == "" {
		return rs, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return rs, nil
	}
	if err != nil {
		return rs, fmt.Errorf("read ruleset: %w", err)
	}
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return rs, fmt.Errorf("parse ruleset %s: %w", path, err)
	}
	return rs, nil
}
