package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const investigationSystem = `You are an end-to-end test failure investigator. You are given a root-cause hypothesis and the actual source code involved. Cross-reference the hypothesis against the code: check whether claimed selectors appear in the test or application files, whether recent diff hunks touch relevant code, and whether the failure is fixable by editing the test alone.

Respond with strict JSON only:
{
  "findings": [
    {
      "type": "selector_not_in_code|timing|diff_related|assertion|data|other",
      "severity": "HIGH|MEDIUM|LOW",
      "description": "...",
      "evidence": "verbatim code or log line",
      "location": "file:line if known",
      "relationToError": "..."
    }
  ],
  "primaryFinding": "...",
  "isFixableInTestCode": true,
  "recommendedApproach": "...",
  "selectorSuggestions": [
    {"original": "...", "replacement": "...", "reason": "..."}
  ],
  "confidence": 0-100
}`

// maxSourceExcerpt bounds how much of a fetched file is surfaced to the
// generator per file.
const maxSourceExcerpt = 8000

// InvestigationStage cross-references the analysis against the fetched
// source to produce concrete, evidenced findings and a fixability verdict.
type InvestigationStage struct {
	gen     Generator
	timeout time.Duration
}

// Execute runs the investigation. It fails when the response carries
// neither a findings array nor an explicit primary finding.
func (s *InvestigationStage) Execute(ctx context.Context, fc *FailureContext, analysis *AnalysisOutput, code *CodeReadingOutput) StageResult[InvestigationOutput] {
	parts := []Part{{Text: investigationPrompt(fc, analysis, code)}}
	opts := GenerateOptions{AsJSON: true, Temperature: 0.1}
	return generateStage(ctx, s.gen, s.timeout, investigationSystem, parts, opts, parseInvestigation)
}

func investigationPrompt(fc *FailureContext, analysis *AnalysisOutput, code *CodeReadingOutput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Failing test: %s (%s)\nError: %s\n", fc.TestName, fc.TestFile, fc.ErrorMessage)
	fmt.Fprintf(&b, "\nRoot-cause hypothesis: %s (confidence %d)\n%s\n", analysis.RootCause, analysis.Confidence, analysis.Explanation)
	if len(analysis.Selectors) > 0 {
		fmt.Fprintf(&b, "Selectors under suspicion: %s\n", strings.Join(analysis.Selectors, ", "))
	}

	if code != nil {
		fmt.Fprintf(&b, "\nTest file content:\n```\n%s\n```\n", truncate(code.TestFileContent, maxSourceExcerpt))
		for _, rf := range code.RelatedFiles {
			fmt.Fprintf(&b, "\nRelated file %s (%s):\n```\n%s\n```\n", rf.Path, rf.Relevance, truncate(rf.Content, maxSourceExcerpt))
		}
		if len(code.CustomCommands) > 0 {
			b.WriteString("\nCustom commands discovered:\n")
			for _, cc := range code.CustomCommands {
				if cc.File != "" {
					fmt.Fprintf(&b, "- %s (defined in %s): %s\n", cc.Name, cc.File, cc.Definition)
				} else {
					fmt.Fprintf(&b, "- %s (definition not found)\n", cc.Name)
				}
			}
		}
	} else {
		b.WriteString("\nNo source code could be fetched; reason from the evidence alone.\n")
	}

	if fc.Diff != nil && len(fc.Diff.ChangedFiles) > 0 {
		b.WriteString("\nRecent diff:\n")
		for _, cf := range fc.Diff.ChangedFiles {
			fmt.Fprintf(&b, "--- %s\n%s\n", cf.Path, truncate(cf.Patch, maxSourceExcerpt))
		}
	}
	return b.String()
}

type investigationWire struct {
	Findings []struct {
		Type            flexString `json:"type"`
		Severity        flexString `json:"severity"`
		Description     flexString `json:"description"`
		Evidence        flexString `json:"evidence"`
		Location        flexString `json:"location"`
		RelationToError flexString `json:"relationToError"`
	} `json:"findings"`
	PrimaryFinding      flexString `json:"primaryFinding"`
	IsFixableInTestCode flexBool   `json:"isFixableInTestCode"`
	RecommendedApproach flexString `json:"recommendedApproach"`
	SelectorSuggestions []struct {
		Original    flexString `json:"original"`
		Replacement flexString `json:"replacement"`
		Reason      flexString `json:"reason"`
	} `json:"selectorSuggestions"`
	Confidence flexInt `json:"confidence"`
}

func parseInvestigation(raw string) (*InvestigationOutput, error) {
	var w investigationWire
	if err := decodeStageJSON(raw, &w); err != nil {
		return nil, err
	}
	if len(w.Findings) == 0 && w.PrimaryFinding == "" {
		return nil, fmt.Errorf("no findings and no primary finding")
	}

	out := &InvestigationOutput{
		PrimaryFinding:      string(w.PrimaryFinding),
		FixableInTestCode:   bool(w.IsFixableInTestCode),
		RecommendedApproach: string(w.RecommendedApproach),
		Confidence:          clampConfidence(int(w.Confidence)),
	}
	for _, f := range w.Findings {
		out.Findings = append(out.Findings, Finding{
			Type:            string(f.Type),
			Severity:        ParseSeverity(string(f.Severity)),
			Description:     string(f.Description),
			Evidence:        string(f.Evidence),
			Location:        string(f.Location),
			RelationToError: string(f.RelationToError),
		})
	}
	for _, s := range w.SelectorSuggestions {
		if s.Original == "" || s.Replacement == "" {
			continue
		}
		out.SelectorSuggestions = append(out.SelectorSuggestions, SelectorSuggestion{
			Original:    string(s.Original),
			Replacement: string(s.Replacement),
			Reason:      string(s.Reason),
		})
	}
	if out.PrimaryFinding == "" && len(out.Findings) > 0 {
		out.PrimaryFinding = out.Findings[0].Description
	}
	return out, nil
}

// truncate bounds s to n bytes, marking the cut.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n... (truncated)"
}
