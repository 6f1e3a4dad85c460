package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/adept-at/adept-triage-agent-sub000/internal/pipeline"
	"github.com/adept-at/adept-triage-agent-sub000/internal/store"
)

// renderResult prints a human-readable triage summary.
func renderResult(w io.Writer, r *pipeline.PipelineResult) {
	bold := color.New(color.Bold)
	dim := color.New(color.FgHiBlack)
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	yellow := color.New(color.FgYellow)

	fmt.Fprintln(w)
	_, _ = dim.Fprintln(w, "  "+strings.Repeat("━", 50))

	if r.Success && r.Fix != nil {
		_, _ = bold.Fprintf(w, "FIX FOUND (%s, %d iteration%s, %.1fs)\n",
			r.Approach, r.Iterations, plural(r.Iterations), r.Elapsed.Seconds())
		printConfidenceBar(w, r.Fix.Confidence)
		fmt.Fprintln(w)

		if r.Fix.Summary != "" {
			fmt.Fprintln(w, r.Fix.Summary)
			fmt.Fprintln(w)
		}

		for i, ch := range r.Fix.Changes {
			_, _ = bold.Fprintf(w, "CHANGE %d: %s", i+1, ch.File)
			if ch.Line > 0 {
				fmt.Fprintf(w, ":%d", ch.Line)
			}
			fmt.Fprintln(w)
			for _, line := range strings.Split(ch.OldCode, "\n") {
				_, _ = red.Fprintf(w, "- %s\n", line)
			}
			for _, line := range strings.Split(ch.NewCode, "\n") {
				_, _ = green.Fprintf(w, "+ %s\n", line)
			}
			if ch.Justification != "" {
				_, _ = dim.Fprintf(w, "  %s\n", ch.Justification)
			}
			fmt.Fprintln(w)
		}

		if len(r.Fix.Evidence) > 0 {
			_, _ = bold.Fprintln(w, "EVIDENCE")
			for _, e := range r.Fix.Evidence {
				fmt.Fprintf(w, "- %s\n", e)
			}
			fmt.Fprintln(w)
		}
	} else {
		_, _ = bold.Fprintf(w, "NO FIX (%s, %.1fs)\n", r.Approach, r.Elapsed.Seconds())
		_, _ = red.Fprintln(w, r.Error)
		fmt.Fprintln(w)
	}

	for _, warning := range r.Warnings {
		_, _ = yellow.Fprintf(w, "Warning: %s\n", warning)
	}

	printStageSummary(w, r)
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}

// stageOrder fixes the display order of stage summaries.
var stageOrder = []string{
	pipeline.StageAnalysis,
	pipeline.StageCodeReading,
	pipeline.StageInvestigation,
	pipeline.StageFixGeneration,
	pipeline.StageReview,
}

func printStageSummary(w io.Writer, r *pipeline.PipelineResult) {
	dim := color.New(color.FgHiBlack)

	_, _ = dim.Fprintln(w, "  "+strings.Repeat("─", 50))
	for _, stage := range stageOrder {
		summary, ok := r.StageResults[stage]
		if !ok {
			continue
		}
		status := "ok"
		if !summary.Success {
			status = "failed"
		}
		_, _ = dim.Fprintf(w, "  %-16s %-7s %6.1fs\n", stage, status, summary.Duration.Seconds())
	}
}

// renderStoredRun prints a previously persisted triage run.
func renderStoredRun(w io.Writer, run *store.TriageRun) {
	bold := color.New(color.Bold)
	dim := color.New(color.FgHiBlack)
	red := color.New(color.FgRed)
	green := color.New(color.FgGreen)

	fmt.Fprintln(w)
	_, _ = dim.Fprintln(w, "  "+strings.Repeat("━", 50))

	outcome := "NO FIX"
	if run.Success {
		outcome = "FIX FOUND"
	}
	_, _ = bold.Fprintf(w, "%s (%s, %d iteration%s, stored %s)\n",
		outcome, run.Approach, run.Iterations, plural(run.Iterations),
		run.CreatedAt.Format("2006-01-02 15:04"))
	if run.Confidence != nil {
		printConfidenceBar(w, *run.Confidence)
	}
	fmt.Fprintln(w)

	_, _ = dim.Fprintf(w, "  run %s, workflow run %d\n", run.ID, run.WorkflowRunID)
	fmt.Fprintf(w, "%s: %s\n", run.TestName, run.ErrorMessage)
	fmt.Fprintln(w)

	if run.Fix == nil {
		return
	}
	if run.Fix.Summary != "" {
		fmt.Fprintln(w, run.Fix.Summary)
		fmt.Fprintln(w)
	}
	for i, ch := range run.Fix.Changes {
		_, _ = bold.Fprintf(w, "CHANGE %d: %s", i+1, ch.File)
		if ch.Line > 0 {
			fmt.Fprintf(w, ":%d", ch.Line)
		}
		fmt.Fprintln(w)
		for _, line := range strings.Split(ch.OldCode, "\n") {
			_, _ = red.Fprintf(w, "- %s\n", line)
		}
		for _, line := range strings.Split(ch.NewCode, "\n") {
			_, _ = green.Fprintf(w, "+ %s\n", line)
		}
		fmt.Fprintln(w)
	}
}

// renderSimilarRuns prints past failures close to the current error. A
// lookup that finds nothing prints nothing.
func renderSimilarRuns(w io.Writer, similar []store.SimilarRun) {
	if len(similar) == 0 {
		return
	}
	bold := color.New(color.Bold)
	dim := color.New(color.FgHiBlack)

	_, _ = bold.Fprintln(w, "SIMILAR PAST FAILURES")
	for _, s := range similar {
		outcome := "unfixed"
		if s.Success {
			outcome = "fixed"
		}
		fmt.Fprintf(w, "- %s: %s (%s)\n", s.Repo, s.TestName, outcome)
		if s.Fix != nil && s.Fix.Summary != "" {
			_, _ = dim.Fprintf(w, "    %s\n", s.Fix.Summary)
		}
		_, _ = dim.Fprintf(w, "    distance %.3f, %s\n", s.Distance, s.CreatedAt.Format("2006-01-02"))
	}
	fmt.Fprintln(w)
}

// renderRunList prints a one-line-per-run history table.
func renderRunList(w io.Writer, runs []store.TriageRun) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No stored runs.")
		return
	}
	dim := color.New(color.FgHiBlack)
	for _, run := range runs {
		outcome := "no fix"
		confidence := "  -"
		if run.Success {
			outcome = "fixed "
		}
		if run.Confidence != nil {
			confidence = fmt.Sprintf("%3d", *run.Confidence)
		}
		fmt.Fprintf(w, "%s  %s  %s%%  %-11s %s\n",
			run.CreatedAt.Format("2006-01-02 15:04"), outcome, confidence,
			run.Approach, run.TestName)
		_, _ = dim.Fprintf(w, "  %s  workflow run %d\n", run.ID, run.WorkflowRunID)
	}
}

func printConfidenceBar(w io.Writer, confidence int) {
	const barWidth = 24
	filled := confidence * barWidth / 100
	if filled > barWidth {
		filled = barWidth
	}

	var barColor *color.Color
	switch {
	case confidence >= 80:
		barColor = color.New(color.FgGreen)
	case confidence >= 40:
		barColor = color.New(color.FgYellow)
	default:
		barColor = color.New(color.FgRed)
	}

	bar := strings.Repeat("█", filled) + strings.Repeat("░", barWidth-filled)

	fmt.Fprintf(w, "  Confidence: %d%% ", confidence)
	_, _ = barColor.Fprintln(w, bar)
}
