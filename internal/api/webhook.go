package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/stackaudit/stackaudit/internal/review"
)

// webhookPayload is the body CI pipelines post on run completion. The
// run id becomes the grouping key, so all reviews of one pipeline run
// stay correlated.
type webhookPayload struct {
	Event struct {
		Type string `json:"type"`
	} `json:"event"`
	Run struct {
		ID     string `json:"id"`
		Branch string `json:"branch"`
		Commit struct {
			SHA string `json:"sha"`
		} `json:"commit"`
		Stack struct {
			ID string `json:"id"`
		} `json:"stack"`
		Terraform struct {
			Code string `json:"code"`
		} `json:"terraform"`
	} `json:"run"`
}

// handleWebhook accepts a signed CI webhook and submits the run's code
// for review. The body must carry an HMAC-SHA256 hex digest of itself in
// the X-Signature header, keyed with the shared webhook secret.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if len(s.webhookKey) == 0 {
		writeError(w, http.StatusNotFound, "webhook not configured")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body")
		return
	}

	if !verifySignature(body, r.Header.Get("X-Signature"), s.webhookKey) {
		zerolog.Ctx(r.Context()).Warn().
			Str("remote_ip", r.RemoteAddr).
			Msg("webhook signature invalid")
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	if payload.Event.Type != "run:finished" && payload.Event.Type != "run:plan_finished" {
		writeJSON(w, http.StatusOK, map[string]string{
			"message": "event type " + payload.Event.Type + " not handled",
		})
		return
	}
	if payload.Run.Terraform.Code == "" {
		writeJSON(w, http.StatusOK, map[string]string{
			"message": "run carries no code, nothing to review",
		})
		return
	}

	v, err := s.service.Submit(r.Context(), review.SubmitRequest{
		CodeSnippet: payload.Run.Terraform.Code,
		GroupKey:    payload.Run.ID,
		CallerID:    "webhook",
		OriginContext: map[string]string{
			"stack_id":   payload.Run.Stack.ID,
			"branch":     payload.Run.Branch,
			"commit_sha": payload.Run.Commit.SHA,
			"event_type": payload.Event.Type,
		},
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

// verifySignature checks an HMAC-SHA256 hex signature in constant time.
func verifySignature(body []byte, signature string, key []byte) bool {
	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(signature), []byte(expected))
}
