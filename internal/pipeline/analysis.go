package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Stage names used as keys in PipelineResult.StageResults.
const (
	StageAnalysis      = "analysis"
	StageCodeReading   = "code_reading"
	StageInvestigation = "investigation"
	StageFixGeneration = "fix_generation"
	StageReview        = "review"
)

const analysisSystem = `You are an expert end-to-end test failure analyst. You classify the root cause of a single failing test from its error message, stack trace, logs, diff, and screenshots.

Respond with strict JSON only, no prose, using this shape:
{
  "rootCauseCategory": "SELECTOR_MISMATCH|TIMING_ISSUE|STATE_DEPENDENCY|NETWORK_ISSUE|ELEMENT_VISIBILITY|ASSERTION_MISMATCH|DATA_DEPENDENCY|ENVIRONMENT_ISSUE|UNKNOWN",
  "contributingCategories": [],
  "confidence": 0-100,
  "explanation": "...",
  "extractedSelectors": [],
  "issueLocation": "TEST_CODE|APP_CODE|BOTH|UNKNOWN",
  "patterns": {
    "hasHardcodedWait": false,
    "hasDynamicSelector": false,
    "hasRaceCondition": false,
    "hasMissingAssertion": false,
    "hasNetworkStub": false,
    "hasRecentCodeChange": false
  },
  "suggestedApproach": "..."
}`

// AnalysisStage classifies the root cause category of a failure. Its input
// is the failure context alone.
type AnalysisStage struct {
	gen     Generator
	timeout time.Duration
}

// Execute runs the analysis. It fails when the generator call fails or the
// response lacks a root cause category or a numeric confidence.
func (s *AnalysisStage) Execute(ctx context.Context, fc *FailureContext) StageResult[AnalysisOutput] {
	parts := analysisParts(fc)
	opts := GenerateOptions{AsJSON: true, Temperature: 0.1}
	return generateStage(ctx, s.gen, s.timeout, analysisSystem, parts, opts, parseAnalysis)
}

// analysisParts renders the failure evidence as generator content,
// attaching screenshots as image parts when their data survived.
func analysisParts(fc *FailureContext) []Part {
	var b strings.Builder
	fmt.Fprintf(&b, "Failing test: %s\nFile: %s\n", fc.TestName, fc.TestFile)
	if fc.Framework != "" {
		fmt.Fprintf(&b, "Framework: %s\n", fc.Framework)
	}
	fmt.Fprintf(&b, "\nError message:\n%s\n", fc.ErrorMessage)
	if fc.Selector != "" {
		fmt.Fprintf(&b, "\nSelector involved: %s\n", fc.Selector)
	}
	if fc.StackTrace != "" {
		fmt.Fprintf(&b, "\nStack trace:\n%s\n", fc.StackTrace)
	}
	if len(fc.LogExcerpts) > 0 {
		b.WriteString("\nLog excerpts:\n")
		for _, l := range fc.LogExcerpts {
			fmt.Fprintf(&b, "%s\n", l)
		}
	}
	if fc.Diff != nil && len(fc.Diff.ChangedFiles) > 0 {
		b.WriteString("\nRecent changes:\n")
		for _, cf := range fc.Diff.ChangedFiles {
			fmt.Fprintf(&b, "--- %s\n%s\n", cf.Path, cf.Patch)
		}
	}

	parts := []Part{{Text: b.String()}}
	for _, shot := range fc.Screenshots {
		if shot.Base64Data == "" {
			continue
		}
		mime := shot.MimeType
		if mime == "" {
			mime = "image/png"
		}
		parts = append(parts,
			Part{Text: fmt.Sprintf("Screenshot: %s", shot.Name)},
			Part{ImageData: shot.Base64Data, MimeType: mime},
		)
	}
	return parts
}

// analysisWire mirrors the JSON shape the generator is asked for. Pointer
// fields distinguish absent required values from zero values.
type analysisWire struct {
	RootCauseCategory      *flexString  `json:"rootCauseCategory"`
	ContributingCategories []flexString `json:"contributingCategories"`
	Confidence             *flexInt     `json:"confidence"`
	Explanation            flexString   `json:"explanation"`
	ExtractedSelectors     []flexString `json:"extractedSelectors"`
	IssueLocation          flexString   `json:"issueLocation"`
	Patterns               struct {
		HasHardcodedWait    flexBool `json:"hasHardcodedWait"`
		HasDynamicSelector  flexBool `json:"hasDynamicSelector"`
		HasRaceCondition    flexBool `json:"hasRaceCondition"`
		HasMissingAssertion flexBool `json:"hasMissingAssertion"`
		HasNetworkStub      flexBool `json:"hasNetworkStub"`
		HasRecentCodeChange flexBool `json:"hasRecentCodeChange"`
	} `json:"patterns"`
	SuggestedApproach flexString `json:"suggestedApproach"`
}

// parseAnalysis validates required fields and coerces enums into their
// closed sets. Optional fields default to neutral values.
func parseAnalysis(raw string) (*AnalysisOutput, error) {
	var w analysisWire
	if err := decodeStageJSON(raw, &w); err != nil {
		return nil, err
	}
	if w.RootCauseCategory == nil || *w.RootCauseCategory == "" {
		return nil, fmt.Errorf("missing rootCauseCategory")
	}
	if w.Confidence == nil {
		return nil, fmt.Errorf("missing confidence")
	}

	out := &AnalysisOutput{
		RootCause:         ParseRootCause(string(*w.RootCauseCategory)),
		Confidence:        clampConfidence(int(*w.Confidence)),
		Explanation:       string(w.Explanation),
		Selectors:         stringsOf(w.ExtractedSelectors),
		IssueLocation:     ParseIssueLocation(string(w.IssueLocation)),
		SuggestedApproach: string(w.SuggestedApproach),
		Patterns: PatternFlags{
			HasHardcodedWait:    bool(w.Patterns.HasHardcodedWait),
			HasDynamicSelector:  bool(w.Patterns.HasDynamicSelector),
			HasRaceCondition:    bool(w.Patterns.HasRaceCondition),
			HasMissingAssertion: bool(w.Patterns.HasMissingAssertion),
			HasNetworkStub:      bool(w.Patterns.HasNetworkStub),
			HasRecentCodeChange: bool(w.Patterns.HasRecentCodeChange),
		},
	}
	for _, c := range w.ContributingCategories {
		out.Contributing = append(out.Contributing, ParseRootCause(string(c)))
	}
	return out, nil
}
