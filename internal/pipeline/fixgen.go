package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const fixGenerationSystem = `You generate minimal, exact code fixes for broken end-to-end tests. Every change must be an exact find/replace: "oldCode" must be copied verbatim from the file content you were shown, including whitespace, and "newCode" is its replacement. Change only what the investigation supports. Never invent code that was not shown to you.

Respond with strict JSON only:
{
  "changes": [
    {
      "file": "path/to/file",
      "line": 0,
      "oldCode": "exact existing code",
      "newCode": "replacement code",
      "justification": "...",
      "changeType": "selector|wait|assertion|setup|other"
    }
  ],
  "confidence": 0-100,
  "summary": "one-line description of the fix",
  "reasoning": "...",
  "evidence": [],
  "risks": [],
  "alternatives": []
}`

// FixGenerationStage produces an ordered list of exact find/replace edits
// from the analysis and investigation. When feedback from a rejected prior
// attempt is present it is surfaced verbatim so the next attempt can
// address the cited issues.
type FixGenerationStage struct {
	gen     Generator
	timeout time.Duration
}

// Execute generates one candidate fix.
func (s *FixGenerationStage) Execute(ctx context.Context, fc *FailureContext, analysis *AnalysisOutput, inv *InvestigationOutput, previousFeedback string) StageResult[FixGenerationOutput] {
	parts := []Part{{Text: fixPrompt(fc, analysis, inv, previousFeedback)}}
	opts := GenerateOptions{AsJSON: true, Temperature: 0.2}
	return generateStage(ctx, s.gen, s.timeout, fixGenerationSystem, parts, opts, parseFixGeneration)
}

func fixPrompt(fc *FailureContext, analysis *AnalysisOutput, inv *InvestigationOutput, previousFeedback string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Failing test: %s (%s)\nError: %s\n", fc.TestName, fc.TestFile, fc.ErrorMessage)
	fmt.Fprintf(&b, "\nRoot cause: %s\n%s\n", analysis.RootCause, analysis.Explanation)

	fmt.Fprintf(&b, "\nInvestigation verdict (fixable in test code: %t):\n%s\n", inv.FixableInTestCode, inv.PrimaryFinding)
	for _, f := range inv.Findings {
		fmt.Fprintf(&b, "- [%s] %s (%s)\n", f.Severity, f.Description, f.Evidence)
	}
	if inv.RecommendedApproach != "" {
		fmt.Fprintf(&b, "Recommended approach: %s\n", inv.RecommendedApproach)
	}
	for _, s := range inv.SelectorSuggestions {
		fmt.Fprintf(&b, "Selector replacement: %q -> %q (%s)\n", s.Original, s.Replacement, s.Reason)
	}

	if fc.SourceFileContent != "" {
		fmt.Fprintf(&b, "\nContent of %s:\n```\n%s\n```\n", fc.TestFile, truncate(fc.SourceFileContent, maxSourceExcerpt))
	}
	for p, content := range fc.RelatedFiles {
		fmt.Fprintf(&b, "\nContent of %s:\n```\n%s\n```\n", p, truncate(content, maxSourceExcerpt))
	}

	if previousFeedback != "" {
		fmt.Fprintf(&b, "\nYour previous attempt was rejected. Address this feedback:\n%s\n", previousFeedback)
	}
	return b.String()
}

type fixWire struct {
	Changes []struct {
		File          flexString `json:"file"`
		Line          flexInt    `json:"line"`
		OldCode       flexString `json:"oldCode"`
		NewCode       flexString `json:"newCode"`
		Justification flexString `json:"justification"`
		ChangeType    flexString `json:"changeType"`
	} `json:"changes"`
	Confidence   *flexInt     `json:"confidence"`
	Summary      flexString   `json:"summary"`
	Reasoning    flexString   `json:"reasoning"`
	Evidence     []flexString `json:"evidence"`
	Risks        []flexString `json:"risks"`
	Alternatives []flexString `json:"alternatives"`
}

// parseFixGeneration requires at least one change and, for every change, a
// non-empty file, oldCode, and newCode.
func parseFixGeneration(raw string) (*FixGenerationOutput, error) {
	var w fixWire
	if err := decodeStageJSON(raw, &w); err != nil {
		return nil, err
	}
	if len(w.Changes) == 0 {
		return nil, fmt.Errorf("no changes proposed")
	}
	if w.Confidence == nil {
		return nil, fmt.Errorf("missing confidence")
	}

	out := &FixGenerationOutput{
		Confidence:   clampConfidence(int(*w.Confidence)),
		Summary:      string(w.Summary),
		Reasoning:    string(w.Reasoning),
		Evidence:     stringsOf(w.Evidence),
		Risks:        stringsOf(w.Risks),
		Alternatives: stringsOf(w.Alternatives),
	}
	for i, c := range w.Changes {
		if c.File == "" || c.OldCode == "" || c.NewCode == "" {
			return nil, fmt.Errorf("change %d is missing file, oldCode, or newCode", i)
		}
		out.Changes = append(out.Changes, CodeChange{
			File:          string(c.File),
			Line:          int(c.Line),
			OldCode:       string(c.OldCode),
			NewCode:       string(c.NewCode),
			Justification: string(c.Justification),
			ChangeType:    string(c.ChangeType),
		})
	}
	return out, nil
}
