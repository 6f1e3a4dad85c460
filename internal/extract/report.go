package extract

import (
	"encoding/json"
	"fmt"
)

// Playwright JSON report structure. Both the json reporter
// (expected/unexpected stats) and the merged blob format are accepted.
type playwrightReport struct {
	Suites []playwrightSuite `json:"suites"`
}

type playwrightSuite struct {
	Title  string            `json:"title"`
	File   string            `json:"file"`
	Specs  []playwrightSpec  `json:"specs"`
	Suites []playwrightSuite `json:"suites"`
}

type playwrightSpec struct {
	Title string           `json:"title"`
	File  string           `json:"file"`
	Line  int              `json:"line"`
	Tests []playwrightTest `json:"tests"`
}

type playwrightTest struct {
	Status  string             `json:"status"`
	Results []playwrightResult `json:"results"`
}

type playwrightResult struct {
	Status string            `json:"status"`
	Errors []playwrightError `json:"errors"`
}

type playwrightError struct {
	Message string `json:"message"`
	Stack   string `json:"stack"`
}

// FromPlaywrightReport parses a Playwright JSON report and returns the
// first failed test as an error record. The second return is false when
// every test passed.
func FromPlaywrightReport(data []byte) (*ErrorRecord, bool, error) {
	var raw playwrightReport
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, false, fmt.Errorf("failed to parse report: %w", err)
	}

	for _, suite := range raw.Suites {
		if rec := firstFailure(suite, suite.Title); rec != nil {
			return rec, true, nil
		}
	}
	return nil, false, nil
}

func firstFailure(suite playwrightSuite, prefix string) *ErrorRecord {
	for _, spec := range suite.Specs {
		for _, test := range spec.Tests {
			if len(test.Results) == 0 {
				continue
			}
			// The last result reflects the final retry.
			result := test.Results[len(test.Results)-1]
			if result.Status == "passed" || result.Status == "skipped" {
				continue
			}
			rec := &ErrorRecord{
				TestName:  joinTitles(prefix, spec.Title),
				SpecFile:  spec.File,
				Framework: "playwright",
			}
			if len(result.Errors) > 0 {
				rec.Message = StripANSI(result.Errors[0].Message)
				rec.StackTrace = StripANSI(result.Errors[0].Stack)
			}
			if m := selectorRe.FindStringSubmatch(rec.Message); m != nil {
				rec.Selector = m[1]
			}
			return rec
		}
	}
	for _, nested := range suite.Suites {
		if rec := firstFailure(nested, joinTitles(prefix, nested.Title)); rec != nil {
			return rec
		}
	}
	return nil
}

func joinTitles(prefix, title string) string {
	if prefix == "" {
		return title
	}
	if title == "" {
		return prefix
	}
	return prefix + " > " + title
}
