// Package github is a thin client for the GitHub REST API covering the
// surfaces the triage pipeline needs: workflow runs, job logs, artifacts,
// commit diffs, and repository file contents.
package github

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/adept-at/adept-triage-agent-sub000/internal/pipeline"
)

// Client handles GitHub API interactions.
type Client struct {
	token      string
	httpClient *http.Client
	baseURL    string
}

// NewClient creates a new GitHub client. An empty token falls back to the
// GITHUB_TOKEN environment variable; requests without a token are sent
// unauthenticated.
func NewClient(token string) *Client {
	if token == "" {
		token = os.Getenv("GITHUB_TOKEN")
	}
	return &Client{
		token:      token,
		httpClient: &http.Client{},
		baseURL:    "https://api.github.com",
	}
}

// WorkflowRun represents a GitHub Actions workflow run.
type WorkflowRun struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	Status       string `json:"status"`
	Conclusion   string `json:"conclusion"`
	HTMLURL      string `json:"html_url"`
	CreatedAt    string `json:"created_at"`
	HeadBranch   string `json:"head_branch"`
	HeadSHA      string `json:"head_sha"`
	WorkflowID   int64  `json:"workflow_id"`
	RunNumber    int    `json:"run_number"`
	RunAttempt   int    `json:"run_attempt"`
	TriggerEvent string `json:"event"`
}

// Job represents a single job within a workflow run.
type Job struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion"`
	HTMLURL    string `json:"html_url"`
}

// Artifact represents a GitHub Actions artifact.
type Artifact struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	SizeBytes int64  `json:"size_in_bytes"`
	Expired   bool   `json:"expired"`
}

// ChangedFile is one file entry from a commit.
type ChangedFile struct {
	Filename  string `json:"filename"`
	Status    string `json:"status"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
	Patch     string `json:"patch"`
}

// GetWorkflowRun fetches a single workflow run by ID.
func (c *Client) GetWorkflowRun(ctx context.Context, owner, repo string, runID int64) (*WorkflowRun, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/actions/runs/%d", c.baseURL, owner, repo, runID)

	var result WorkflowRun
	if err := c.doRequest(ctx, url, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListWorkflowRuns fetches recent completed workflow runs for a repository.
func (c *Client) ListWorkflowRuns(ctx context.Context, owner, repo string) ([]WorkflowRun, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/actions/runs?per_page=20&status=completed", c.baseURL, owner, repo)

	var result struct {
		WorkflowRuns []WorkflowRun `json:"workflow_runs"`
	}
	if err := c.doRequest(ctx, url, &result); err != nil {
		return nil, err
	}
	return result.WorkflowRuns, nil
}

// LatestFailedRun returns the most recent completed run whose conclusion
// is "failure", or ErrNoFailedRuns when every recent run passed.
func (c *Client) LatestFailedRun(ctx context.Context, owner, repo string) (*WorkflowRun, error) {
	runs, err := c.ListWorkflowRuns(ctx, owner, repo)
	if err != nil {
		return nil, err
	}
	for i := range runs {
		if runs[i].Conclusion == "failure" {
			return &runs[i], nil
		}
	}
	return nil, ErrNoFailedRuns
}

// ErrNoFailedRuns indicates no recent workflow run concluded in failure.
var ErrNoFailedRuns = fmt.Errorf("no failed workflow runs found")

// ListJobs fetches the jobs of a workflow run.
func (c *Client) ListJobs(ctx context.Context, owner, repo string, runID int64) ([]Job, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/actions/runs/%d/jobs?per_page=100", c.baseURL, owner, repo, runID)

	var result struct {
		Jobs []Job `json:"jobs"`
	}
	if err := c.doRequest(ctx, url, &result); err != nil {
		return nil, err
	}
	return result.Jobs, nil
}

// FailedJobs filters jobs down to those that concluded in failure.
func FailedJobs(jobs []Job) []Job {
	var failed []Job
	for _, j := range jobs {
		if j.Conclusion == "failure" {
			failed = append(failed, j)
		}
	}
	return failed
}

// GetJobLogs downloads the plain-text logs of a job. GitHub answers with a
// redirect to blob storage, which the default HTTP client follows.
func (c *Client) GetJobLogs(ctx context.Context, owner, repo string, jobID int64) (string, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/actions/jobs/%d/logs", c.baseURL, owner, repo, jobID)

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return "", err
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to fetch job logs: %s - %s", resp.Status, string(body))
	}
	return string(body), nil
}

// ListArtifacts fetches artifacts for a workflow run.
func (c *Client) ListArtifacts(ctx context.Context, owner, repo string, runID int64) ([]Artifact, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/actions/runs/%d/artifacts", c.baseURL, owner, repo, runID)

	var result struct {
		Artifacts []Artifact `json:"artifacts"`
	}
	if err := c.doRequest(ctx, url, &result); err != nil {
		return nil, err
	}
	return result.Artifacts, nil
}

// DownloadArtifact downloads an artifact and returns the raw zip bytes.
func (c *Client) DownloadArtifact(ctx context.Context, owner, repo string, artifactID int64) ([]byte, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/actions/artifacts/%d/zip", c.baseURL, owner, repo, artifactID)

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, err
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download artifact: %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}

// GetCommitFiles fetches the files changed by a commit, patches included.
func (c *Client) GetCommitFiles(ctx context.Context, owner, repo, sha string) ([]ChangedFile, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/commits/%s", c.baseURL, owner, repo, sha)

	var result struct {
		Files []ChangedFile `json:"files"`
	}
	if err := c.doRequest(ctx, url, &result); err != nil {
		return nil, err
	}
	return result.Files, nil
}

// GetCommitDiff renders a commit's file patches as a unified diff summary.
func (c *Client) GetCommitDiff(ctx context.Context, owner, repo, sha string) (string, error) {
	files, err := c.GetCommitFiles(ctx, owner, repo, sha)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for _, f := range files {
		fmt.Fprintf(&b, "--- %s (%s, +%d -%d)\n", f.Filename, f.Status, f.Additions, f.Deletions)
		if f.Patch != "" {
			b.WriteString(f.Patch)
			b.WriteString("\n")
		}
	}
	return b.String(), nil
}

// GetFileContent fetches a repository file's content at the given ref via
// the contents API. Missing files surface as pipeline.ErrNotFound.
func (c *Client) GetFileContent(ctx context.Context, owner, repo, path, ref string) (string, error) {
	u := fmt.Sprintf("%s/repos/%s/%s/contents/%s", c.baseURL, owner, repo, escapePath(path))
	if ref != "" {
		u += "?ref=" + url.QueryEscape(ref)
	}

	var result struct {
		Content  string `json:"content"`
		Encoding string `json:"encoding"`
	}
	if err := c.doRequest(ctx, u, &result); err != nil {
		return "", err
	}

	if result.Encoding != "base64" {
		return result.Content, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(result.Content, "\n", ""))
	if err != nil {
		return "", fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return string(decoded), nil
}

// escapePath escapes each path segment while preserving separators.
func escapePath(p string) string {
	segments := strings.Split(p, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}

func (c *Client) setHeaders(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
}

func (c *Client) doRequest(ctx context.Context, url string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return err
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s: %w", url, pipeline.ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("GitHub API error: %s - %s", resp.Status, string(body))
	}

	return json.NewDecoder(resp.Body).Decode(result)
}
