package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Orchestrator owns the collaborators and configuration for triage runs.
// Each Orchestrate call constructs fresh stage instances bound to the same
// Generator and SourceReader, so runs are independent and may be invoked
// concurrently without coordination.
type Orchestrator struct {
	gen Generator
	src SourceReader
	cfg Config

	// Emitter, when set, receives progress events during runs.
	Emitter ProgressEmitter
}

// New creates an orchestrator. Zero-valued numeric config fields fall back
// to the defaults from DefaultConfig.
func New(gen Generator, src SourceReader, cfg Config) *Orchestrator {
	return &Orchestrator{gen: gen, src: src, cfg: cfg.withDefaults()}
}

// stages groups the per-run stage instances.
type stages struct {
	analysis      *AnalysisStage
	codeReading   *CodeReadingStage
	investigation *InvestigationStage
	fixGen        *FixGenerationStage
	review        *ReviewStage
}

func (o *Orchestrator) newStages() stages {
	return stages{
		analysis:      &AnalysisStage{gen: o.gen, timeout: o.cfg.StageTimeout},
		codeReading:   &CodeReadingStage{src: o.src},
		investigation: &InvestigationStage{gen: o.gen, timeout: o.cfg.StageTimeout},
		fixGen:        &FixGenerationStage{gen: o.gen, timeout: o.cfg.StageTimeout},
		review:        &ReviewStage{gen: o.gen, timeout: o.cfg.StageTimeout},
	}
}

// Orchestrate runs the full pipeline for one failure. It always returns a
// well-formed PipelineResult; no error from any stage escapes as a panic
// or error value. The whole run is bounded by the configured total
// timeout; expiry aborts the run with an error containing "timed out"
// regardless of which stage was in flight.
func (o *Orchestrator) Orchestrate(ctx context.Context, fc *FailureContext) *PipelineResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, o.cfg.TotalTimeout)
	defer cancel()

	res := &PipelineResult{
		RunID:        uuid.New(),
		Approach:     ApproachFailed,
		StageResults: make(map[string]StageSummary),
	}
	defer func() { res.Elapsed = time.Since(start) }()

	st := o.newStages()

	// 1. Analysis. Terminal on failure: no investigation is possible
	// without a root-cause category.
	o.emit(ProgressEvent{Type: "stage", Stage: StageAnalysis, Message: "classifying root cause"})
	aRes := st.analysis.Execute(ctx, fc)
	res.StageResults[StageAnalysis] = aRes.summary()
	if o.timedOut(ctx) {
		return o.fail(res, o.timeoutError())
	}
	if !aRes.Success {
		return o.fail(res, "analysis failed: "+aRes.Error)
	}

	// 2. Code reading, best-effort. On success its content is injected
	// into the context for every subsequent stage.
	o.emit(ProgressEvent{Type: "stage", Stage: StageCodeReading, Message: "gathering source context"})
	cRes := st.codeReading.Execute(ctx, fc)
	res.StageResults[StageCodeReading] = cRes.summary()
	if o.timedOut(ctx) {
		return o.fail(res, o.timeoutError())
	}
	var code *CodeReadingOutput
	if cRes.Success {
		code = cRes.Data
		fc.SourceFileContent = code.TestFileContent
		if fc.RelatedFiles == nil {
			fc.RelatedFiles = make(map[string]string)
		}
		for _, rf := range code.RelatedFiles {
			fc.RelatedFiles[rf.Path] = rf.Content
		}
	} else {
		res.Warnings = append(res.Warnings, "code reading failed: "+cRes.Error)
	}

	// 3. Investigation. Terminal on failure.
	o.emit(ProgressEvent{Type: "stage", Stage: StageInvestigation, Message: "cross-referencing evidence"})
	iRes := st.investigation.Execute(ctx, fc, aRes.Data, code)
	res.StageResults[StageInvestigation] = iRes.summary()
	if o.timedOut(ctx) {
		return o.fail(res, o.timeoutError())
	}
	if !iRes.Success {
		return o.fail(res, "investigation failed: "+iRes.Error)
	}

	// 4. Fix loop.
	var feedback string
	var last *FixGenerationOutput
	lastRejected := false
	for iter := 1; iter <= o.cfg.MaxIterations; iter++ {
		res.Iterations = iter
		o.emit(ProgressEvent{Type: "iteration", Iteration: iter, MaxIter: o.cfg.MaxIterations, Message: "generating fix"})

		fRes := st.fixGen.Execute(ctx, fc, aRes.Data, iRes.Data, feedback)
		res.StageResults[StageFixGeneration] = fRes.summary()
		if o.timedOut(ctx) {
			return o.fail(res, o.timeoutError())
		}
		if !fRes.Success {
			// A single generation failure is not fatal while iterations
			// remain.
			res.Warnings = append(res.Warnings, fmt.Sprintf("fix generation attempt %d failed: %s", iter, fRes.Error))
			continue
		}

		cand := fRes.Data
		last, lastRejected = cand, false

		if cand.Confidence < o.cfg.MinConfidence {
			feedback = fmt.Sprintf("Confidence too low (%d%%). Please improve the fix.", cand.Confidence)
			continue
		}

		if o.cfg.SkipReview {
			return o.succeed(res, cand)
		}

		o.emit(ProgressEvent{Type: "iteration", Iteration: iter, MaxIter: o.cfg.MaxIterations, Message: "reviewing fix"})
		rRes := st.review.Execute(ctx, fc, cand, aRes.Data)
		res.StageResults[StageReview] = rRes.summary()
		if o.timedOut(ctx) {
			return o.fail(res, o.timeoutError())
		}
		if !rRes.Success {
			res.Warnings = append(res.Warnings, fmt.Sprintf("review attempt %d failed: %s", iter, rRes.Error))
			continue
		}
		if rRes.Data.Approved {
			return o.succeed(res, cand)
		}
		lastRejected = true
		feedback = joinIssueFeedback(rRes.Data.Issues)
	}

	// 5. Iterations exhausted. A confident candidate that was never
	// explicitly rejected is returned as a best-effort success; this
	// leniency is a product policy, not an oversight.
	if last != nil && !lastRejected && last.Confidence >= o.cfg.MinConfidence {
		res.Warnings = append(res.Warnings, "fix accepted without final approval after exhausting iterations")
		return o.succeed(res, last)
	}
	return o.fail(res, fmt.Sprintf("no approved fix after %d iterations", o.cfg.MaxIterations))
}

// succeed finalizes an agentic success.
func (o *Orchestrator) succeed(res *PipelineResult, cand *FixGenerationOutput) *PipelineResult {
	res.Success = true
	res.Approach = ApproachAgentic
	res.Fix = &Fix{
		Confidence: cand.Confidence,
		Summary:    cand.Summary,
		Changes:    cand.Changes,
		Evidence:   cand.Evidence,
		Reasoning:  cand.Reasoning,
	}
	o.emit(ProgressEvent{Type: "done", Message: res.Fix.Summary})
	return res
}

// fail finalizes an agentic failure, labeling it SINGLE_SHOT when the
// caller should retry via a simpler non-agentic path.
func (o *Orchestrator) fail(res *PipelineResult, msg string) *PipelineResult {
	res.Success = false
	res.Fix = nil
	res.Error = msg
	if o.cfg.DisableFallback {
		res.Approach = ApproachFailed
	} else {
		res.Approach = ApproachSingleShot
	}
	o.emit(ProgressEvent{Type: "error", Message: msg})
	return res
}

func (o *Orchestrator) timedOut(ctx context.Context) bool {
	return ctx.Err() == context.DeadlineExceeded
}

func (o *Orchestrator) timeoutError() string {
	return fmt.Sprintf("pipeline timed out after %s", o.cfg.TotalTimeout)
}

func (o *Orchestrator) emit(ev ProgressEvent) {
	if o.Emitter != nil {
		o.Emitter.Emit(ev)
	}
}

// joinIssueFeedback renders review issues as the feedback string for the
// next generation attempt.
func joinIssueFeedback(issues []ReviewIssue) string {
	lines := make([]string, 0, len(issues))
	for _, is := range issues {
		lines = append(lines, fmt.Sprintf("[%s] %s", is.Severity, is.Description))
	}
	return strings.Join(lines, "\n")
}
