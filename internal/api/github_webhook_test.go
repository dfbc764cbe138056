package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackaudit/stackaudit/internal/models"
)

func postGitHubWebhook(t *testing.T, router http.Handler, body []byte, signature, event string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("POST", "/api/v1/webhook/github", bytes.NewReader(body))
	if signature != "" {
		req.Header.Set("X-Hub-Signature-256", "sha256="+signature)
	}
	if event != "" {
		req.Header.Set("X-GitHub-Event", event)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

const prOpened = `{
	"action": "opened",
	"pull_request": {
		"number": 42,
		"title": "Add S3 bucket",
		"user": {"login": "octocat"},
		"head": {"ref": "feature/s3", "sha": "def456"},
		"files": [
			{"filename": "main.tf"},
			{"filename": "README.md"},
			{"filename": "modules/s3/bucket.tf"}
		]
	},
	"repository": {"full_name": "acme/infra"},
	"terraform_code": "resource \"aws_s3_bucket\" \"b\" {}"
}`

func TestGitHubWebhook_PullRequestOpenedSubmitsReview(t *testing.T) {
	srv, s := setupTestServer(t)
	router := srv.Router()

	body := []byte(prOpened)
	w := postGitHubWebhook(t, router, body, sign(body, "test-secret"), "pull_request")
	require.Equal(t, http.StatusCreated, w.Code)

	var created models.Version
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, "acme/infra#42", created.Review.GroupKey)
	assert.Equal(t, "github-webhook", created.Review.CallerID)
	assert.Equal(t, "acme/infra", created.Review.OriginContext["repository"])
	assert.Equal(t, "42", created.Review.OriginContext["pr_number"])
	assert.Equal(t, "octocat", created.Review.OriginContext["author"])
	assert.Equal(t, "def456", created.Review.OriginContext["commit_sha"])
	assert.Equal(t, "main.tf,modules/s3/bucket.tf", created.Review.OriginContext["changed_files"])
	assert.Equal(t, models.ReviewStatusPending, created.Review.Status)

	latest, err := s.GetLatest(context.Background(), created.Review.ReviewID)
	require.NoError(t, err)
	assert.Equal(t, 1, latest.Version)
}

func TestGitHubWebhook_InvalidSignatureRejected(t *testing.T) {
	srv, _ := setupTestServer(t)
	router := srv.Router()

	body := []byte(prOpened)
	w := postGitHubWebhook(t, router, body, sign(body, "wrong-secret"), "pull_request")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = postGitHubWebhook(t, router, body, "", "pull_request")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestGitHubWebhook_UnhandledEventIgnored(t *testing.T) {
	srv, _ := setupTestServer(t)
	router := srv.Router()

	body := []byte(`{"ref": "refs/heads/main"}`)
	w := postGitHubWebhook(t, router, body, sign(body, "test-secret"), "push")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "not handled")
}

func TestGitHubWebhook_ClosedActionSkipped(t *testing.T) {
	srv, _ := setupTestServer(t)
	router := srv.Router()

	body := []byte(`{"action": "closed", "pull_request": {"number": 7}, "repository": {"full_name": "acme/infra"}, "terraform_code": "x"}`)
	w := postGitHubWebhook(t, router, body, sign(body, "test-secret"), "pull_request")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "not processed")
}

func TestGitHubWebhook_NoTerraformCodeSkipped(t *testing.T) {
	srv, _ := setupTestServer(t)
	router := srv.Router()

	body := []byte(`{"action": "opened", "pull_request": {"number": 7}, "repository": {"full_name": "acme/infra"}}`)
	w := postGitHubWebhook(t, router, body, sign(body, "test-secret"), "pull_request")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "no terraform files changed")
}
