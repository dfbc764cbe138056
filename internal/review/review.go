// Package review orchestrates the review lifecycle: submission as a
// pending version, analysis, deterministic scoring, and the completed or
// failed version appended on top. All writes go through the store's
// optimistic append; concurrent completions of the same review are
// resolved by bounded retry.
package review

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/stackaudit/stackaudit/internal/analyzer"
	"github.com/stackaudit/stackaudit/internal/models"
	"github.com/stackaudit/stackaudit/internal/scoring"
	"github.com/stackaudit/stackaudit/internal/store"
)

// maxAppendAttempts bounds the optimistic retry loop for lifecycle
// transitions. Submissions never retry: version 1 of an existing review
// id is a caller error.
const maxAppendAttempts = 3

// Service coordinates submissions and lifecycle transitions.
type Service struct {
	store    store.Store
	analyzer analyzer.Analyzer
	scorer   *scoring.Scorer
	log      zerolog.Logger
}

// NewService creates a review service. The analyzer may be nil, in which
// case Run returns an error and only the storage operations are usable.
func NewService(s store.Store, a analyzer.Analyzer, sc *scoring.Scorer, log zerolog.Logger) *Service {
	return &Service{store: s, analyzer: a, scorer: sc, log: log}
}

// SubmitRequest is a request to create a new review.
type SubmitRequest struct {
	ReviewID      string            `json:"review_id,omitempty"`
	CodeSnippet   string            `json:"code_snippet"`
	GroupKey      string            `json:"group_key,omitempty"`
	OriginContext map[string]string `json:"origin_context,omitempty"`
	CallerID      string            `json:"caller_id,omitempty"`
}

// Submit creates version 1 of a new review in pending status. When no
// review id is supplied, one is generated.
func (svc *Service) Submit(ctx context.Context, req SubmitRequest) (*models.Version, error) {
	id := req.ReviewID
	if id == "" {
		id = store.NewReviewID()
	}

	r := &models.Review{
		ReviewID:      id,
		CodeSnippet:   req.CodeSnippet,
		GroupKey:      req.GroupKey,
		OriginContext: req.OriginContext,
		CallerID:      req.CallerID,
		Status:        models.ReviewStatusPending,
	}

	v, err := svc.store.Append(ctx, 0, r)
	if err != nil {
		return nil, fmt.Errorf("submit review %s: %w", id, err)
	}

	svc.log.Info().
		Str("review_id", id).
		Str("group_key", req.GroupKey).
		Msg("review submitted")
	return v, nil
}

// Complete appends a completed version carrying the scored result. The
// overall risk score is always recomputed here; whatever the payload
// carried is overwritten by the deterministic scorer.
func (svc *Service) Complete(ctx context.Context, reviewID string, result *models.ReviewResult) (*models.Version, error) {
	result.OverallRiskScore = svc.scorer.OverallRisk(result)
	return svc.transition(ctx, reviewID, models.ReviewStatusCompleted, result)
}

// Fail appends a failed version. The failure reason is recorded in the
// review's origin context under "failure_reason".
func (svc *Service) Fail(ctx context.Context, reviewID, reason string) (*models.Version, error) {
	return svc.transitionWith(ctx, reviewID, func(r *models.Review) {
		r.Status = models.ReviewStatusFailed
		r.Result = nil
		if reason != "" {
			oc := make(map[string]string, len(r.OriginContext)+1)
			for k, v := range r.OriginContext {
				oc[k] = v
			}
			oc["failure_reason"] = reason
			r.OriginContext = oc
		}
	})
}

// MarkInProgress appends an in_progress version, signalling that analysis
// has started.
func (svc *Service) MarkInProgress(ctx context.Context, reviewID string) (*models.Version, error) {
	return svc.transition(ctx, reviewID, models.ReviewStatusInProgress, nil)
}

// Run executes the full analysis cycle for a pending review: mark it
// in_progress, analyze the snippet, score the findings, and append the
// completed version. Analysis errors are recorded as a failed version.
func (svc *Service) Run(ctx context.Context, reviewID string) (*models.Version, error) {
	if svc.analyzer == nil {
		return nil, fmt.Errorf("run review %s: no analyzer configured", reviewID)
	}

	v, err := svc.MarkInProgress(ctx, reviewID)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	result, err := svc.analyzer.Analyze(ctx, v.Review.CodeSnippet, v.Review.OriginContext)
	if err != nil {
		svc.log.Error().
			Err(err).
			Str("review_id", reviewID).
			Msg("analysis failed")
		if _, ferr := svc.Fail(ctx, reviewID, err.Error()); ferr != nil {
			return nil, fmt.Errorf("record analysis failure for %s: %w", reviewID, ferr)
		}
		return nil, fmt.Errorf("analyze review %s: %w", reviewID, err)
	}

	done, err := svc.Complete(ctx, reviewID, result)
	if err != nil {
		return nil, err
	}

	svc.log.Info().
		Str("review_id", reviewID).
		Int("version", done.Version).
		Float64("risk_score", result.OverallRiskScore).
		Dur("elapsed", time.Since(start)).
		Msg("review completed")
	return done, nil
}

// transition appends a new version with the given status and result on
// top of the latest version, retrying on version conflicts.
func (svc *Service) transition(ctx context.Context, reviewID string, status models.ReviewStatus, result *models.ReviewResult) (*models.Version, error) {
	return svc.transitionWith(ctx, reviewID, func(r *models.Review) {
		r.Status = status
		r.Result = result
	})
}

// transitionWith re-reads the latest version, applies mutate to a copy,
// and appends. On ErrVersionConflict the read-modify-append cycle runs
// again, up to maxAppendAttempts times.
func (svc *Service) transitionWith(ctx context.Context, reviewID string, mutate func(*models.Review)) (*models.Version, error) {
	var lastErr error
	for attempt := 1; attempt <= maxAppendAttempts; attempt++ {
		latest, err := svc.store.GetLatest(ctx, reviewID)
		if err != nil {
			return nil, fmt.Errorf("load review %s: %w", reviewID, err)
		}

		next := *latest.Review
		mutate(&next)

		v, err := svc.store.Append(ctx, latest.Version, &next)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return nil, fmt.Errorf("append review %s: %w", reviewID, err)
		}

		lastErr = err
		svc.log.Warn().
			Str("review_id", reviewID).
			Int("attempt", attempt).
			Msg("version conflict, retrying")
	}
	return nil, fmt.Errorf("append review %s after %d attempts: %w", reviewID, maxAppendAttempts, lastErr)
}
