package github

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adept-at/adept-triage-agent-sub000/internal/pipeline"
)

func testClient(url string) *Client {
	return &Client{token: "test-token", httpClient: &http.Client{}, baseURL: url}
}

func TestGetWorkflowRun(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/acme/shop/actions/runs/42", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"id":42,"name":"e2e","status":"completed","conclusion":"failure","head_sha":"abc123","head_branch":"main"}`))
	}))
	defer ts.Close()

	run, err := testClient(ts.URL).GetWorkflowRun(context.Background(), "acme", "shop", 42)
	require.NoError(t, err)
	assert.Equal(t, int64(42), run.ID)
	assert.Equal(t, "failure", run.Conclusion)
	assert.Equal(t, "abc123", run.HeadSHA)
}

func TestLatestFailedRun(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/acme/shop/actions/runs", r.URL.Path)
		assert.Equal(t, "completed", r.URL.Query().Get("status"))
		_, _ = w.Write([]byte(`{"workflow_runs":[
			{"id":3,"conclusion":"success"},
			{"id":2,"conclusion":"failure","head_sha":"def"},
			{"id":1,"conclusion":"failure"}
		]}`))
	}))
	defer ts.Close()

	run, err := testClient(ts.URL).LatestFailedRun(context.Background(), "acme", "shop")
	require.NoError(t, err)
	assert.Equal(t, int64(2), run.ID)
}

func TestLatestFailedRun_AllGreen(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"workflow_runs":[{"id":1,"conclusion":"success"}]}`))
	}))
	defer ts.Close()

	_, err := testClient(ts.URL).LatestFailedRun(context.Background(), "acme", "shop")
	require.ErrorIs(t, err, ErrNoFailedRuns)
}

func TestListJobsAndFailedJobs(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/acme/shop/actions/runs/42/jobs", r.URL.Path)
		_, _ = w.Write([]byte(`{"jobs":[
			{"id":10,"name":"lint","conclusion":"success"},
			{"id":11,"name":"e2e","conclusion":"failure"}
		]}`))
	}))
	defer ts.Close()

	jobs, err := testClient(ts.URL).ListJobs(context.Background(), "acme", "shop", 42)
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	failed := FailedJobs(jobs)
	require.Len(t, failed, 1)
	assert.Equal(t, "e2e", failed[0].Name)
}

func TestGetJobLogs(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/acme/shop/actions/jobs/11/logs", r.URL.Path)
		_, _ = w.Write([]byte("CypressError: Timed out retrying\n"))
	}))
	defer ts.Close()

	logs, err := testClient(ts.URL).GetJobLogs(context.Background(), "acme", "shop", 11)
	require.NoError(t, err)
	assert.Contains(t, logs, "Timed out retrying")
}

func TestDownloadArtifact(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/acme/shop/actions/artifacts/7/zip", r.URL.Path)
		_, _ = w.Write([]byte("zip-bytes"))
	}))
	defer ts.Close()

	data, err := testClient(ts.URL).DownloadArtifact(context.Background(), "acme", "shop", 7)
	require.NoError(t, err)
	assert.Equal(t, []byte("zip-bytes"), data)
}

func TestGetCommitDiff(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/acme/shop/commits/abc123", r.URL.Path)
		_, _ = w.Write([]byte(`{"files":[
			{"filename":"cypress/e2e/checkout.cy.ts","status":"modified","additions":2,"deletions":1,"patch":"@@ -10,1 +10,2 @@\n-old\n+new"}
		]}`))
	}))
	defer ts.Close()

	diff, err := testClient(ts.URL).GetCommitDiff(context.Background(), "acme", "shop", "abc123")
	require.NoError(t, err)
	assert.Contains(t, diff, "cypress/e2e/checkout.cy.ts (modified, +2 -1)")
	assert.Contains(t, diff, "@@ -10,1 +10,2 @@")
}

func TestGetFileContent_DecodesBase64(t *testing.T) {
	content := base64.StdEncoding.EncodeToString([]byte("describe('checkout', () => {});"))
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/acme/shop/contents/cypress/e2e/checkout.cy.ts", r.URL.Path)
		assert.Equal(t, "abc123", r.URL.Query().Get("ref"))
		_, _ = w.Write([]byte(`{"content":"` + content + `","encoding":"base64"}`))
	}))
	defer ts.Close()

	got, err := testClient(ts.URL).GetFileContent(context.Background(), "acme", "shop", "cypress/e2e/checkout.cy.ts", "abc123")
	require.NoError(t, err)
	assert.Equal(t, "describe('checkout', () => {});", got)
}

func TestGetFileContent_NotFound(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"Not Found"}`))
	}))
	defer ts.Close()

	_, err := testClient(ts.URL).GetFileContent(context.Background(), "acme", "shop", "missing.ts", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, pipeline.ErrNotFound))
}

func TestRepoSource_BindsRepoAndRef(t *testing.T) {
	var gotPath, gotRef string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotRef = r.URL.Query().Get("ref")
		content := base64.StdEncoding.EncodeToString([]byte("file body"))
		_, _ = w.Write([]byte(`{"content":"` + content + `","encoding":"base64"}`))
	}))
	defer ts.Close()

	src := NewRepoSource(testClient(ts.URL), "acme", "shop", "main")

	got, err := src.ReadFile(context.Background(), "cypress/support/commands.ts", "")
	require.NoError(t, err)
	assert.Equal(t, "file body", got)
	assert.Equal(t, "/repos/acme/shop/contents/cypress/support/commands.ts", gotPath)
	assert.Equal(t, "main", gotRef)

	_, err = src.ReadFile(context.Background(), "a.ts", "feature-branch")
	require.NoError(t, err)
	assert.Equal(t, "feature-branch", gotRef)
}

func TestAPIErrorIncludesStatusAndBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"message":"API rate limit exceeded"}`))
	}))
	defer ts.Close()

	_, err := testClient(ts.URL).ListWorkflowRuns(context.Background(), "acme", "shop")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
	assert.Contains(t, err.Error(), "rate limit")
}

func TestEscapePath(t *testing.T) {
	assert.Equal(t, "cypress/e2e/my%20test.cy.ts", escapePath("cypress/e2e/my test.cy.ts"))
	assert.Equal(t, "plain.ts", escapePath("plain.ts"))
}
