// Package extract pulls structured failure information out of raw CI job
// logs and test-runner reports so the pipeline can work from a clean
// error record instead of megabytes of console output.
package extract

import (
	"regexp"
	"strings"

	"github.com/adept-at/adept-triage-agent-sub000/internal/pipeline"
)

// ErrorRecord is the structured failure pulled from logs or a report.
type ErrorRecord struct {
	Message    string
	TestName   string
	SpecFile   string
	StackTrace string
	Selector   string
	Framework  string
}

var ansiRe = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// StripANSI removes terminal color and cursor escape sequences.
func StripANSI(s string) string {
	return ansiRe.ReplaceAllString(s, "")
}

// errorPatterns are tried in order; the first match wins. Earlier entries
// are more specific runner errors, later ones generic JS errors.
var errorPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?m)^\s*(AssertionError:.*)$`),
	regexp.MustCompile(`(?m)^\s*(CypressError:.*)$`),
	regexp.MustCompile(`(?m)(Timed out retrying after \d+ms:.*)$`),
	regexp.MustCompile(`(?m)^\s*(TimeoutError:.*)$`),
	regexp.MustCompile(`(?m)^\s*(TypeError:.*)$`),
	regexp.MustCompile(`(?m)^\s*(ReferenceError:.*)$`),
	regexp.MustCompile(`(?m)^\s*(Error:.*)$`),
	regexp.MustCompile(`(?m)##\[error\](.*)$`),
}

// Selector mentioned in a Cypress "Expected to find element" failure.
var selectorRe = regexp.MustCompile("Expected to find element: `([^`]+)`")

// Spec file reference inside a stack frame or FAIL line.
var specFileRe = regexp.MustCompile(`([\w./-]+\.(?:cy|spec|test)\.[jt]sx?)`)

// Mocha-style numbered failure header: "1) suite name test name:".
var testNameRe = regexp.MustCompile(`(?m)^\s*\d+\)\s+(.+?):?\s*$`)

// Stack frames following the error message.
var stackFrameRe = regexp.MustCompile(`(?m)^\s+at .+$`)

// FromLogs scans raw job logs for the first recognizable test failure.
// The second return is false when no failure pattern matched.
func FromLogs(logs string) (*ErrorRecord, bool) {
	clean := StripANSI(logs)

	rec := &ErrorRecord{Framework: detectFramework(clean)}

	for _, re := range errorPatterns {
		if m := re.FindStringSubmatch(clean); m != nil {
			rec.Message = strings.TrimSpace(m[1])
			break
		}
	}
	if rec.Message == "" {
		return nil, false
	}

	if m := selectorRe.FindStringSubmatch(clean); m != nil {
		rec.Selector = m[1]
	}
	rec.SpecFile = findSpecFile(clean)
	if m := testNameRe.FindStringSubmatch(clean); m != nil {
		rec.TestName = strings.TrimSpace(m[1])
	}

	if frames := stackFrameRe.FindAllString(clean, 15); len(frames) > 0 {
		for i := range frames {
			frames[i] = strings.TrimRight(frames[i], " \t")
		}
		rec.StackTrace = strings.Join(frames, "\n")
	}

	return rec, true
}

// findSpecFile prefers a path-qualified spec reference (usually a stack
// frame) over a bare filename printed by the runner banner.
func findSpecFile(logs string) string {
	matches := specFileRe.FindAllStringSubmatch(logs, 10)
	if len(matches) == 0 {
		return ""
	}
	for _, m := range matches {
		// Bundler frames prefix paths with "///./" noise.
		candidate := strings.TrimLeft(m[1], "/.")
		if strings.Contains(candidate, "/") {
			return candidate
		}
	}
	return matches[0][1]
}

func detectFramework(logs string) string {
	lower := strings.ToLower(logs)
	switch {
	case strings.Contains(lower, "cypress"):
		return "cypress"
	case strings.Contains(lower, "playwright"):
		return "playwright"
	case strings.Contains(lower, "jest"):
		return "jest"
	default:
		return ""
	}
}

// ToFailureContext converts the record into the pipeline's input shape.
func (r *ErrorRecord) ToFailureContext() *pipeline.FailureContext {
	return &pipeline.FailureContext{
		ErrorMessage: r.Message,
		TestFile:     r.SpecFile,
		TestName:     r.TestName,
		StackTrace:   r.StackTrace,
		Selector:     r.Selector,
		Framework:    r.Framework,
	}
}
