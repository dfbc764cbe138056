// Package analyzer runs infrastructure code through the Anthropic API
// and turns the response into a structured findings payload. It only
// proposes findings; risk scores are computed deterministically by the
// scoring package afterwards.
package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/stackaudit/stackaudit/internal/models"
)

// Analyzer produces a findings payload for a code snippet.
type Analyzer interface {
	Analyze(ctx context.Context, codeSnippet string, originContext map[string]string) (*models.ReviewResult, error)
}

// Client wraps the Anthropic API for infrastructure code analysis.
type Client struct {
	api   *anthropic.Client
	model anthropic.Model
}

// NewClient creates an analyzer client with the given API key and model.
func NewClient(apiKey, model string) *Client {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := anthropic.NewClient(opts...)
	return &Client{
		api:   &client,
		model: anthropic.Model(model),
	}
}

// rawFinding is the shape the model is asked to emit per issue.
type rawFinding struct {
	Category       string  `json:"category"`
	Severity       string  `json:"severity"`
	Title          string  `json:"title"`
	Description    string  `json:"description"`
	FilePath       string  `json:"file_path"`
	LineNumber     int     `json:"line_number"`
	Recommendation string  `json:"recommendation"`
	Confidence     float64 `json:"confidence"`
	CostImpact     float64 `json:"cost_impact"`
}

// rawResult is the full response shape the model is asked to emit.
type rawResult struct {
	Findings             []rawFinding `json:"findings"`
	EstimatedMonthlyCost float64      `json:"estimated_monthly_cost"`
	ResourceCount        int          `json:"resource_count"`
	ReliabilityScore     float64      `json:"reliability_score"`
	Recommendations      []string     `json:"recommendations"`
	RemediationNotes     string       `json:"remediation_notes"`
}

// buildPrompt constructs the system and user prompts for code analysis.
func buildPrompt(codeSnippet string, originContext map[string]string) (system string, user string) {
	system = `You review infrastructure-as-code (Terraform, CloudFormation, Kubernetes manifests, Dockerfiles) for security, cost, and reliability problems. Return ONLY a JSON object with these fields:
- "findings": array of objects, each with:
  - "category": one of "security", "cost", "reliability"
  - "severity": one of "low", "medium", "high"
  - "title": concise issue title
  - "description": what is wrong and why it matters
  - "file_path": affected file if identifiable, else empty string
  - "line_number": affected line if identifiable, else 0
  - "recommendation": concrete fix
  - "confidence": 0.0-1.0, how certain you are this is a real issue
  - "cost_impact": estimated monthly USD impact for cost findings, else 0
- "estimated_monthly_cost": total estimated monthly USD cost of the declared resources, 0 if not estimable
- "resource_count": number of resources declared
- "reliability_score": 0.0-1.0, overall resilience of the architecture (1.0 = fully resilient)
- "recommendations": array of short reliability improvement suggestions
- "remediation_notes": 1-3 sentence summary of the most important fixes

Rules:
- Reliability findings describing a single point of failure must use category "reliability"
- Do not invent issues to fill space; an empty findings array is a valid answer
- Keep titles stable and generic (e.g. "S3 bucket without encryption"), not snippet-specific, so repeated issues can be recognized across reviews
- Return valid JSON only, no markdown fencing or explanation`

	var sb strings.Builder
	if len(originContext) > 0 {
		sb.WriteString("Context:\n")
		for k, v := range originContext {
			sb.WriteString("- ")
			sb.WriteString(k)
			sb.WriteString(": ")
			sb.WriteString(v)
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}
	sb.WriteString("Review this infrastructure code:\n\n")
	sb.WriteString(codeSnippet)
	user = sb.String()
	return
}

// Analyze sends the snippet to the model and returns the parsed payload.
func (c *Client) Analyze(ctx context.Context, codeSnippet string, originContext map[string]string) (*models.ReviewResult, error) {
	systemPrompt, userPrompt := buildPrompt(codeSnippet, originContext)

	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 4096,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic API call: %w", err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}
	if text == "" {
		return nil, fmt.Errorf("no text content in API response")
	}

	result, err := ParseResult(text)
	if err != nil {
		return nil, err
	}
	result.ModelUsed = string(c.model)
	return result, nil
}

// ParseResult parses a model response into a findings payload. Markdown
// fencing around the JSON is tolerated and stripped.
func ParseResult(text string) (*models.ReviewResult, error) {
	text = stripFence(text)

	var raw rawResult
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, fmt.Errorf("parse analysis response as JSON: %w\nraw response: %s", err, text)
	}
	return assemble(&raw), nil
}

// stripFence removes markdown code fencing if present.
func stripFence(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		lines := strings.SplitN(text, "\n", 2)
		if len(lines) > 1 {
			text = lines[1]
		}
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}
	return text
}

// assemble sorts raw findings into the three sub-analyses and tallies
// the summary counters. Risk scores are left for the scoring package.
func assemble(raw *rawResult) *models.ReviewResult {
	result := &models.ReviewResult{
		Cost: models.CostAnalysis{
			EstimatedMonthlyCost: raw.EstimatedMonthlyCost,
			EstimatedAnnualCost:  raw.EstimatedMonthlyCost * 12,
			ResourceCount:        raw.ResourceCount,
		},
		Reliability: models.ReliabilityAnalysis{
			ReliabilityScore: clampUnit(raw.ReliabilityScore),
			Recommendations:  raw.Recommendations,
		},
		RemediationNotes: raw.RemediationNotes,
	}

	for i, rf := range raw.Findings {
		f := models.Finding{
			FindingID:       fmt.Sprintf("f-%03d", i+1),
			Category:        normalizeCategory(rf.Category),
			Severity:        normalizeSeverity(rf.Severity),
			Title:           strings.TrimSpace(rf.Title),
			Description:     rf.Description,
			FilePath:        rf.FilePath,
			LineNumber:      rf.LineNumber,
			Recommendation:  rf.Recommendation,
			ConfidenceScore: clampUnit(rf.Confidence),
			CostImpact:      rf.CostImpact,
		}
		switch f.Category {
		case models.CategoryCost:
			result.Cost.Optimizations = append(result.Cost.Optimizations, f)
		case models.CategoryReliability:
			result.Reliability.SinglePointsOfFailure = append(result.Reliability.SinglePointsOfFailure, f)
		default:
			result.Security.Findings = append(result.Security.Findings, f)
			result.Security.TotalFindings++
			switch f.Severity {
			case models.SeverityHigh:
				result.Security.HighSeverity++
			case models.SeverityMedium:
				result.Security.MediumSeverity++
			default:
				result.Security.LowSeverity++
			}
		}
	}
	return result
}

func normalizeCategory(s string) models.FindingCategory {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cost":
		return models.CategoryCost
	case "reliability":
		return models.CategoryReliability
	default:
		return models.CategorySecurity
	}
}

func normalizeSeverity(s string) models.Severity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return models.SeverityHigh
	case "medium":
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
