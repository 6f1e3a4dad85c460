package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const reviewSystem = `You are an independent reviewer of proposed code fixes for broken end-to-end tests. Critique the change set: flag syntax errors, logic problems, changes that contradict the stated root cause, and edits that would weaken the test. Be strict; a bad fix is worse than no fix.

Respond with strict JSON only:
{
  "approved": true,
  "issues": [
    {
      "severity": "CRITICAL|WARNING|SUGGESTION",
      "changeIndex": 0,
      "description": "...",
      "suggestion": "..."
    }
  ],
  "assessment": "...",
  "fixConfidence": 0-100,
  "improvements": []
}`

// ReviewStage independently critiques a candidate fix. Its approval
// decision combines the generator's verdict with a code-level check that
// every oldCode literally occurs in the known file content; any CRITICAL
// issue forces rejection in code regardless of what the generator claimed.
type ReviewStage struct {
	gen     Generator
	timeout time.Duration
}

// Execute reviews one candidate fix.
func (s *ReviewStage) Execute(ctx context.Context, fc *FailureContext, fix *FixGenerationOutput, analysis *AnalysisOutput) StageResult[ReviewOutput] {
	start := time.Now()

	parts := []Part{{Text: reviewPrompt(fc, fix, analysis)}}
	opts := GenerateOptions{AsJSON: true, Temperature: 0.1}
	res := generateStage(ctx, s.gen, s.timeout, reviewSystem, parts, opts, parseReview)
	if !res.Success {
		return res
	}

	out := res.Data
	out.Issues = append(out.Issues, validateChangesAgainstContext(fix.Changes, fc)...)

	// The decision rule is enforced here, not trusted from generated text.
	out.Approved = out.Approved && !hasCritical(out.Issues)

	res.Duration = time.Since(start)
	return res
}

// ValidateOldCodeExists flags exactly the changes whose OldCode is not a
// verbatim substring of fileContent, and none others. It is pure: the same
// inputs always yield the same issue list.
func ValidateOldCodeExists(changes []CodeChange, fileContent string) []ReviewIssue {
	var issues []ReviewIssue
	for i, c := range changes {
		if !strings.Contains(fileContent, c.OldCode) {
			issues = append(issues, ReviewIssue{
				Severity:    ReviewCritical,
				ChangeIndex: i,
				Description: fmt.Sprintf("oldCode for change %d does not occur in %s", i, c.File),
				Suggestion:  "copy the existing code verbatim, including whitespace",
			})
		}
	}
	return issues
}

// validateChangesAgainstContext checks each change against the content
// known for its target file. Files whose content was never fetched can't
// be verified and get a warning instead of a rejection.
func validateChangesAgainstContext(changes []CodeChange, fc *FailureContext) []ReviewIssue {
	var issues []ReviewIssue
	for i, c := range changes {
		content, known := contentFor(fc, c.File)
		if !known {
			issues = append(issues, ReviewIssue{
				Severity:    ReviewWarning,
				ChangeIndex: i,
				Description: fmt.Sprintf("content of %s is not available; oldCode could not be verified", c.File),
			})
			continue
		}
		if !strings.Contains(content, c.OldCode) {
			issues = append(issues, ReviewIssue{
				Severity:    ReviewCritical,
				ChangeIndex: i,
				Description: fmt.Sprintf("oldCode for change %d does not occur in %s", i, c.File),
				Suggestion:  "copy the existing code verbatim, including whitespace",
			})
		}
	}
	return issues
}

func contentFor(fc *FailureContext, file string) (string, bool) {
	if file == fc.TestFile && fc.SourceFileContent != "" {
		return fc.SourceFileContent, true
	}
	if content, ok := fc.RelatedFiles[file]; ok {
		return content, true
	}
	return "", false
}

func hasCritical(issues []ReviewIssue) bool {
	for _, is := range issues {
		if is.Severity == ReviewCritical {
			return true
		}
	}
	return false
}

func reviewPrompt(fc *FailureContext, fix *FixGenerationOutput, analysis *AnalysisOutput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Failing test: %s (%s)\nError: %s\n", fc.TestName, fc.TestFile, fc.ErrorMessage)
	fmt.Fprintf(&b, "Diagnosed root cause: %s\n", analysis.RootCause)
	fmt.Fprintf(&b, "\nProposed fix (confidence %d): %s\n", fix.Confidence, fix.Summary)
	for i, c := range fix.Changes {
		fmt.Fprintf(&b, "\nChange %d in %s (%s):\n--- old\n%s\n+++ new\n%s\nJustification: %s\n",
			i, c.File, c.ChangeType, c.OldCode, c.NewCode, c.Justification)
	}
	if fc.SourceFileContent != "" {
		fmt.Fprintf(&b, "\nCurrent content of %s:\n```\n%s\n```\n", fc.TestFile, truncate(fc.SourceFileContent, maxSourceExcerpt))
	}
	return b.String()
}

type reviewWire struct {
	Approved *flexBool `json:"approved"`
	Issues   []struct {
		Severity    flexString `json:"severity"`
		ChangeIndex flexInt    `json:"changeIndex"`
		Description flexString `json:"description"`
		Suggestion  flexString `json:"suggestion"`
	} `json:"issues"`
	Assessment    flexString   `json:"assessment"`
	FixConfidence flexInt      `json:"fixConfidence"`
	Improvements  []flexString `json:"improvements"`
}

// parseReview decodes the critique. An absent "approved" field is treated
// as not-rejected; the stage's own critical-issue rule still applies.
func parseReview(raw string) (*ReviewOutput, error) {
	var w reviewWire
	if err := decodeStageJSON(raw, &w); err != nil {
		return nil, err
	}

	out := &ReviewOutput{
		Approved:      w.Approved == nil || bool(*w.Approved),
		Assessment:    string(w.Assessment),
		FixConfidence: clampConfidence(int(w.FixConfidence)),
		Improvements:  stringsOf(w.Improvements),
	}
	for _, is := range w.Issues {
		if is.Description == "" {
			continue
		}
		out.Issues = append(out.Issues, ReviewIssue{
			Severity:    ParseReviewSeverity(string(is.Severity)),
			ChangeIndex: int(is.ChangeIndex),
			Description: string(is.Description),
			Suggestion:  string(is.Suggestion),
		})
	}
	return out, nil
}
