package main

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/adept-at/adept-triage-agent-sub000/internal/artifacts"
	"github.com/adept-at/adept-triage-agent-sub000/internal/extract"
	gh "github.com/adept-at/adept-triage-agent-sub000/internal/github"
	"github.com/adept-at/adept-triage-agent-sub000/internal/pipeline"
)

// gatherFailureContext resolves the failing run and assembles everything
// the pipeline needs: the extracted error, screenshots and log excerpts
// from artifacts, and the head commit's diff.
func gatherFailureContext(ctx context.Context, client *gh.Client, owner, repo string, runID int64) (*pipeline.FailureContext, *gh.WorkflowRun, error) {
	wfRun, err := resolveRun(ctx, client, owner, repo, runID)
	if err != nil {
		return nil, nil, err
	}

	jobs, err := client.ListJobs(ctx, owner, repo, wfRun.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	failed := gh.FailedJobs(jobs)
	if len(failed) == 0 {
		return nil, nil, fmt.Errorf("run %d has no failed jobs", wfRun.ID)
	}

	shots, excerpts, reports := collectArtifacts(ctx, client, owner, repo, wfRun.ID)

	// A structured runner report beats regex extraction over log text.
	rec := extractFromReports(reports)
	if rec == nil {
		rec = extractFromJobs(ctx, client, owner, repo, failed)
	}

	// Artifact logs are a last chance when job logs yielded nothing.
	if rec == nil {
		for _, excerpt := range excerpts {
			if r, ok := extract.FromLogs(excerpt); ok {
				rec = r
				break
			}
		}
	}
	if rec == nil {
		return nil, nil, fmt.Errorf("could not extract a test failure from run %d", wfRun.ID)
	}

	fc := rec.ToFailureContext()
	fc.CommitSHA = wfRun.HeadSHA
	fc.Screenshots = shots
	for _, excerpt := range excerpts {
		fc.LogExcerpts = append(fc.LogExcerpts, excerpt)
	}

	if diff := fetchDiff(ctx, client, owner, repo, wfRun.HeadSHA); diff != nil {
		fc.Diff = diff
	}

	return fc, wfRun, nil
}

func resolveRun(ctx context.Context, client *gh.Client, owner, repo string, runID int64) (*gh.WorkflowRun, error) {
	if runID != 0 {
		run, err := client.GetWorkflowRun(ctx, owner, repo, runID)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch run %d: %w", runID, err)
		}
		return run, nil
	}
	run, err := client.LatestFailedRun(ctx, owner, repo)
	if err != nil {
		return nil, err
	}
	return run, nil
}

// extractFromReports parses artifact JSON entries as runner reports until
// one yields a failed test. Entries that are not reports, or reports where
// everything passed, are skipped.
func extractFromReports(reports map[string][]byte) *extract.ErrorRecord {
	names := make([]string, 0, len(reports))
	for name := range reports {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		rec, ok, err := extract.FromPlaywrightReport(reports[name])
		if err != nil || !ok {
			continue
		}
		return rec
	}
	return nil
}

// extractFromJobs scans failed job logs in order until one yields a
// recognizable failure.
func extractFromJobs(ctx context.Context, client *gh.Client, owner, repo string, failed []gh.Job) *extract.ErrorRecord {
	for _, job := range failed {
		logs, err := client.GetJobLogs(ctx, owner, repo, job.ID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not fetch logs for job %q: %v\n", job.Name, err)
			continue
		}
		if rec, ok := extract.FromLogs(logs); ok {
			return rec
		}
	}
	return nil
}

// collectArtifacts downloads each live artifact and pulls screenshots, log
// excerpts, and candidate JSON reports from it. Artifact trouble never
// fails the triage.
func collectArtifacts(ctx context.Context, client *gh.Client, owner, repo string, runID int64) ([]pipeline.Screenshot, []string, map[string][]byte) {
	list, err := client.ListArtifacts(ctx, owner, repo, runID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not list artifacts: %v\n", err)
		return nil, nil, nil
	}

	var shots []pipeline.Screenshot
	var excerpts []string
	reports := make(map[string][]byte)
	for _, a := range list {
		if a.Expired {
			continue
		}
		zipData, err := client.DownloadArtifact(ctx, owner, repo, a.ID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not download artifact %q: %v\n", a.Name, err)
			continue
		}
		if s, err := artifacts.Screenshots(zipData); err == nil {
			shots = append(shots, s...)
		}
		if logs, err := artifacts.LogExcerpts(zipData); err == nil {
			for _, excerpt := range logs {
				excerpts = append(excerpts, excerpt)
			}
		}
		if r, err := artifacts.Reports(zipData); err == nil {
			for name, data := range r {
				reports[name] = data
			}
		}
	}
	return shots, excerpts, reports
}

func fetchDiff(ctx context.Context, client *gh.Client, owner, repo, sha string) *pipeline.DiffSummary {
	if sha == "" {
		return nil
	}
	files, err := client.GetCommitFiles(ctx, owner, repo, sha)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not fetch commit diff: %v\n", err)
		return nil
	}
	if len(files) == 0 {
		return nil
	}

	diff := &pipeline.DiffSummary{}
	for _, f := range files {
		diff.ChangedFiles = append(diff.ChangedFiles, pipeline.ChangedFile{
			Path:  f.Filename,
			Patch: f.Patch,
		})
	}
	return diff
}
