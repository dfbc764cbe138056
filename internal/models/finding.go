package models

// FindingCategory classifies what kind of risk a finding describes.
type FindingCategory string

const (
	CategorySecurity    FindingCategory = "security"
	CategoryCost        FindingCategory = "cost"
	CategoryReliability FindingCategory = "reliability"
)

// Severity ranks how serious a finding is.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Finding is one issue discovered in a review version. Findings are
// embedded in exactly one version and never shared across versions.
type Finding struct {
	FindingID       string          `json:"finding_id"`
	Category        FindingCategory `json:"category"`
	Severity        Severity        `json:"severity"`
	Title           string          `json:"title"`
	Description     string          `json:"description"`
	FilePath        string          `json:"file_path,omitempty"`
	LineNumber      int             `json:"line_number,omitempty"`
	Recommendation  string          `json:"recommendation"`
	ConfidenceScore float64         `json:"confidence_score"`
	CostImpact      float64         `json:"cost_impact,omitempty"` // estimated monthly, USD
}

// SecurityAnalysis summarizes the security findings of one version.
type SecurityAnalysis struct {
	TotalFindings  int       `json:"total_findings"`
	HighSeverity   int       `json:"high_severity"`
	MediumSeverity int       `json:"medium_severity"`
	LowSeverity    int       `json:"low_severity"`
	Findings       []Finding `json:"findings"`
}

// CostAnalysis summarizes the cost findings of one version.
type CostAnalysis struct {
	EstimatedMonthlyCost float64   `json:"estimated_monthly_cost"`
	EstimatedAnnualCost  float64   `json:"estimated_annual_cost"`
	ResourceCount        int       `json:"resource_count"`
	Optimizations        []Finding `json:"cost_optimizations"`
}

// ReliabilityAnalysis summarizes the reliability findings of one version.
type ReliabilityAnalysis struct {
	ReliabilityScore      float64   `json:"reliability_score"`
	SinglePointsOfFailure []Finding `json:"single_points_of_failure"`
	Recommendations       []string  `json:"recommendations"`
}

// ReviewResult is the findings payload produced by the analysis step.
type ReviewResult struct {
	Security         SecurityAnalysis    `json:"security_analysis"`
	Cost             CostAnalysis        `json:"cost_analysis"`
	Reliability      ReliabilityAnalysis `json:"reliability_analysis"`
	OverallRiskScore float64             `json:"overall_risk_score"`
	ModelUsed        string              `json:"model_used,omitempty"`
	RemediationNotes string              `json:"remediation_notes,omitempty"`
}

// AllFindings returns every finding across the three sub-analyses.
func (r *ReviewResult) AllFindings() []Finding {
	var out []Finding
	out = append(out, r.Security.Findings...)
	out = append(out, r.Cost.Optimizations...)
	out = append(out, r.Reliability.SinglePointsOfFailure...)
	return out
}
