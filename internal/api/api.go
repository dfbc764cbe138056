// Package api provides the REST surface over the review store: review
// submission and lifecycle, history and comparison reads, group and
// analytics queries, and the signed webhook used by CI pipelines.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/stackaudit/stackaudit/internal/analytics"
	"github.com/stackaudit/stackaudit/internal/models"
	"github.com/stackaudit/stackaudit/internal/query"
	"github.com/stackaudit/stackaudit/internal/review"
	"github.com/stackaudit/stackaudit/internal/store"
)

// Server provides the REST API handlers.
type Server struct {
	store      store.Store
	engine     *query.Engine
	service    *review.Service
	aggregator *analytics.Aggregator
	webhookKey []byte
	logger     zerolog.Logger
}

// NewServer creates a new API server. webhookKey is the shared HMAC
// secret for the webhook endpoint; empty disables the endpoint.
func NewServer(s store.Store, svc *review.Service, webhookKey string, logger zerolog.Logger) *Server {
	return &Server{
		store:      s,
		engine:     query.New(s),
		service:    svc,
		aggregator: analytics.New(s, logger),
		webhookKey: []byte(webhookKey),
		logger:     logger,
	}
}

// Router returns the http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(requestLogger(&s.logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(corsMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/reviews", s.submitReview)
		r.Get("/reviews", s.listByStatus)
		r.Get("/reviews/{id}", s.getLatest)
		r.Delete("/reviews/{id}", s.deleteReview)
		r.Post("/reviews/{id}/run", s.runReview)
		r.Get("/reviews/{id}/history", s.getHistory)
		r.Get("/reviews/{id}/versions/{version}", s.getVersion)
		r.Get("/reviews/{id}/compare", s.compareVersions)

		r.Get("/groups/{group}/reviews", s.listByGroup)
		r.Get("/groups/{group}/reviews/range", s.listByDateRange)
		r.Get("/groups/{group}/repeated-issues", s.repeatedIssues)

		r.Get("/analytics/high-risk", s.highRisk)
		r.Get("/analytics/trend", s.riskTrend)
		r.Get("/analytics/daily/{day}", s.getDailyAggregate)
		r.Post("/analytics/daily/{day}", s.runAggregation)

		r.Post("/admin/reindex", s.reindex)

		r.Post("/webhook", s.handleWebhook)
		r.Post("/webhook/github", s.handleGitHubWebhook)
	})

	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Signature")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeStoreError maps the store failure taxonomy onto HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error) {
	var verr *models.ValidationError
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrVersionConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrStorageUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// --- Reviews ---

func (s *Server) submitReview(w http.ResponseWriter, r *http.Request) {
	var req review.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	v, err := s.service.Submit(r.Context(), req)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (s *Server) getLatest(w http.ResponseWriter, r *http.Request) {
	v, err := s.engine.Latest(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) getVersion(w http.ResponseWriter, r *http.Request) {
	version, err := strconv.Atoi(chi.URLParam(r, "version"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid version number")
		return
	}
	v, err := s.store.GetVersion(r.Context(), chi.URLParam(r, "id"), version)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	versions, next, err := s.engine.History(r.Context(), chi.URLParam(r, "id"),
		queryInt(r, "after", 0), queryInt(r, "limit", 50))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"versions": versions,
		"next":     next,
	})
}

func (s *Server) compareVersions(w http.ResponseWriter, r *http.Request) {
	from := queryInt(r, "from", 0)
	to := queryInt(r, "to", 0)
	if from < 1 || to < 1 {
		writeError(w, http.StatusBadRequest, "from and to version numbers are required")
		return
	}
	diff, err := s.engine.CompareVersions(r.Context(), chi.URLParam(r, "id"), from, to)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, diff)
}

func (s *Server) runReview(w http.ResponseWriter, r *http.Request) {
	v, err := s.service.Run(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) deleteReview(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteReview(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listByStatus(w http.ResponseWriter, r *http.Request) {
	status := models.ReviewStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = models.ReviewStatusPending
	}
	if !status.Valid() {
		writeError(w, http.StatusBadRequest, "unknown status")
		return
	}

	var olderThan *time.Time
	if v := r.URL.Query().Get("older_than"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "older_than must be RFC3339")
			return
		}
		olderThan = &ts
	}

	entries, err := s.store.ByStatus(r.Context(), status, olderThan, queryInt(r, "limit", 50))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- Groups ---

func (s *Server) listByGroup(w http.ResponseWriter, r *http.Request) {
	newestFirst := r.URL.Query().Get("order") != "asc"
	versions, err := s.engine.ByGroup(r.Context(), chi.URLParam(r, "group"),
		queryInt(r, "limit", 50), newestFirst)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

func (s *Server) listByDateRange(w http.ResponseWriter, r *http.Request) {
	start, err := time.Parse(time.RFC3339, r.URL.Query().Get("start"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "start must be RFC3339")
		return
	}
	end, err := time.Parse(time.RFC3339, r.URL.Query().Get("end"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "end must be RFC3339")
		return
	}
	versions, err := s.engine.ByDateRange(r.Context(), chi.URLParam(r, "group"), start, end)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

func (s *Server) repeatedIssues(w http.ResponseWriter, r *http.Request) {
	counts, err := s.engine.RepeatedIssues(r.Context(), chi.URLParam(r, "group"),
		queryInt(r, "min", 2), queryInt(r, "limit", 50))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

// --- Analytics ---

func (s *Server) highRisk(w http.ResponseWriter, r *http.Request) {
	day := r.URL.Query().Get("day")
	if day == "" {
		day = store.DayOf(time.Now())
	}
	minScore := 0.7
	if v := r.URL.Query().Get("min_score"); v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "min_score must be a number")
			return
		}
		minScore = parsed
	}
	entries, err := s.engine.HighRisk(r.Context(), day, minScore, queryInt(r, "limit", 50))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) riskTrend(w http.ResponseWriter, r *http.Request) {
	points, err := s.engine.RiskTrend(r.Context(),
		r.URL.Query().Get("start"), r.URL.Query().Get("end"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, points)
}

func (s *Server) getDailyAggregate(w http.ResponseWriter, r *http.Request) {
	agg, err := s.store.GetDailyAggregate(r.Context(), chi.URLParam(r, "day"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agg)
}

func (s *Server) runAggregation(w http.ResponseWriter, r *http.Request) {
	agg, err := s.aggregator.RunForDate(r.Context(), chi.URLParam(r, "day"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agg)
}

// --- Admin ---

func (s *Server) reindex(w http.ResponseWriter, r *http.Request) {
	if err := s.store.RebuildIndexes(r.Context()); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rebuilt"})
}
