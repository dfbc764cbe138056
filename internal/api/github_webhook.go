package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/stackaudit/stackaudit/internal/review"
)

// githubPullRequestPayload is the subset of GitHub's pull_request event
// this handler reads. terraform_code is injected by the delivery proxy
// that resolves changed file contents before forwarding.
type githubPullRequestPayload struct {
	Action      string `json:"action"`
	PullRequest struct {
		Number int    `json:"number"`
		Title  string `json:"title"`
		User   struct {
			Login string `json:"login"`
		} `json:"user"`
		Head struct {
			Ref string `json:"ref"`
			SHA string `json:"sha"`
		} `json:"head"`
		Files []struct {
			Filename string `json:"filename"`
		} `json:"files"`
	} `json:"pull_request"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	TerraformCode string `json:"terraform_code"`
}

// handleGitHubWebhook accepts GitHub webhook deliveries. The signature
// arrives as "sha256=<hex>" in X-Hub-Signature-256 and the event name in
// X-GitHub-Event; only pull_request opened/synchronize deliveries create
// a review.
func (s *Server) handleGitHubWebhook(w http.ResponseWriter, r *http.Request) {
	if len(s.webhookKey) == 0 {
		writeError(w, http.StatusNotFound, "webhook not configured")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body")
		return
	}

	signature := strings.TrimPrefix(r.Header.Get("X-Hub-Signature-256"), "sha256=")
	if !verifySignature(body, signature, s.webhookKey) {
		zerolog.Ctx(r.Context()).Warn().
			Str("remote_ip", r.RemoteAddr).
			Str("delivery_id", r.Header.Get("X-GitHub-Delivery")).
			Msg("github webhook signature invalid")
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	eventType := r.Header.Get("X-GitHub-Event")
	if eventType != "pull_request" {
		writeJSON(w, http.StatusOK, map[string]string{
			"message": "event type " + eventType + " not handled",
		})
		return
	}

	var payload githubPullRequestPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	if payload.Action != "opened" && payload.Action != "synchronize" {
		writeJSON(w, http.StatusOK, map[string]string{
			"message": "action " + payload.Action + " not processed",
		})
		return
	}
	if payload.TerraformCode == "" {
		writeJSON(w, http.StatusOK, map[string]string{
			"message": "no terraform files changed",
		})
		return
	}

	var changed []string
	for _, f := range payload.PullRequest.Files {
		if strings.HasSuffix(f.Filename, ".tf") {
			changed = append(changed, f.Filename)
		}
	}

	v, err := s.service.Submit(r.Context(), review.SubmitRequest{
		CodeSnippet: payload.TerraformCode,
		GroupKey:    fmt.Sprintf("%s#%d", payload.Repository.FullName, payload.PullRequest.Number),
		CallerID:    "github-webhook",
		OriginContext: map[string]string{
			"repository":    payload.Repository.FullName,
			"pr_number":     fmt.Sprintf("%d", payload.PullRequest.Number),
			"pr_title":      payload.PullRequest.Title,
			"author":        payload.PullRequest.User.Login,
			"branch":        payload.PullRequest.Head.Ref,
			"commit_sha":    payload.PullRequest.Head.SHA,
			"changed_files": strings.Join(changed, ","),
			"event_type":    eventType,
		},
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}
