package models

import "time"

// DailyAggregate summarizes all reviews created on one calendar day.
// Written only by the analytics aggregator; read-only elsewhere.
type DailyAggregate struct {
	Day           string               `json:"day"` // YYYY-MM-DD, UTC
	ReviewCount   int                  `json:"review_count"`
	AverageRisk   float64              `json:"average_risk"`
	MinRisk       float64              `json:"min_risk"`
	MaxRisk       float64              `json:"max_risk"`
	ScoredReviews int                  `json:"scored_reviews"` // reviews with a defined risk score
	ByStatus      map[ReviewStatus]int `json:"by_status"`
	ComputedAt    time.Time            `json:"computed_at"`
}
