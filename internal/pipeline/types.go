// Package pipeline implements the multi-stage triage pipeline that decides
// whether a failing end-to-end test is broken on the test side and, if so,
// synthesizes and reviews a concrete code fix.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by SourceReader implementations when a file does
// not exist at the requested path and revision.
var ErrNotFound = errors.New("file not found")

// Generator is the external text-generation capability the stages delegate
// judgment to. A single call is fallible with unknown latency; callers treat
// any error as a stage failure and never retry internally.
type Generator interface {
	Generate(ctx context.Context, system string, parts []Part, opts GenerateOptions) (string, error)
}

// SourceReader returns the text content of a repository file at a revision.
type SourceReader interface {
	ReadFile(ctx context.Context, path, ref string) (string, error)
}

// Part is one piece of user content in a generator request: either text or
// an inline base64-encoded image.
type Part struct {
	Text      string
	ImageData string // base64, without data: prefix
	MimeType  string // e.g. "image/png", set only for image parts
}

// GenerateOptions tune a single generator call.
type GenerateOptions struct {
	AsJSON      bool
	Temperature float64
}

// Screenshot is a captured browser state attached to a failure.
type Screenshot struct {
	Name       string
	Base64Data string // may be empty when only the name survived
	MimeType   string
}

// ChangedFile is one entry of a diff summary.
type ChangedFile struct {
	Path  string
	Patch string
}

// DiffSummary describes the change set under suspicion.
type DiffSummary struct {
	ChangedFiles []ChangedFile
}

// FailureContext describes one failing test. It is owned by exactly one
// pipeline run; SourceFileContent and RelatedFiles are populated by the
// code reading stage for the stages that follow it.
type FailureContext struct {
	ErrorMessage string
	TestFile     string
	TestName     string
	StackTrace   string
	Selector     string
	CommitSHA    string
	Framework    string // e.g. "cypress", "playwright"
	Screenshots  []Screenshot
	LogExcerpts  []string
	Diff         *DiffSummary

	// Populated by the code reading stage.
	SourceFileContent string
	RelatedFiles      map[string]string
}

// StageResult is the outcome of one stage invocation. It is immutable once
// returned; a failed stage carries its reason in Error and a nil Data.
type StageResult[T any] struct {
	Success        bool
	Data           *T
	Error          string
	Duration       time.Duration
	GeneratorCalls int
}

// StageSummary is the type-erased diagnostic record kept per stage on the
// final PipelineResult.
type StageSummary struct {
	Success        bool          `json:"success"`
	Error          string        `json:"error,omitempty"`
	Duration       time.Duration `json:"duration"`
	GeneratorCalls int           `json:"generator_calls"`
}

// summary converts a StageResult into its diagnostic record.
func (r StageResult[T]) summary() StageSummary {
	return StageSummary{
		Success:        r.Success,
		Error:          r.Error,
		Duration:       r.Duration,
		GeneratorCalls: r.GeneratorCalls,
	}
}

// RootCause is the closed set of failure categories the analysis stage
// classifies into.
type RootCause string

const (
	CauseSelectorMismatch  RootCause = "SELECTOR_MISMATCH"
	CauseTimingIssue       RootCause = "TIMING_ISSUE"
	CauseStateDependency   RootCause = "STATE_DEPENDENCY"
	CauseNetworkIssue      RootCause = "NETWORK_ISSUE"
	CauseElementVisibility RootCause = "ELEMENT_VISIBILITY"
	CauseAssertionMismatch RootCause = "ASSERTION_MISMATCH"
	CauseDataDependency    RootCause = "DATA_DEPENDENCY"
	CauseEnvironmentIssue  RootCause = "ENVIRONMENT_ISSUE"
	CauseUnknown           RootCause = "UNKNOWN"
)

// ParseRootCause maps a raw string to the closed RootCause set. Anything
// unrecognized maps to CauseUnknown.
func ParseRootCause(s string) RootCause {
	switch RootCause(s) {
	case CauseSelectorMismatch, CauseTimingIssue, CauseStateDependency,
		CauseNetworkIssue, CauseElementVisibility, CauseAssertionMismatch,
		CauseDataDependency, CauseEnvironmentIssue:
		return RootCause(s)
	default:
		return CauseUnknown
	}
}

// IssueLocation classifies where the defect lives.
type IssueLocation string

const (
	LocationTestCode IssueLocation = "TEST_CODE"
	LocationAppCode  IssueLocation = "APP_CODE"
	LocationBoth     IssueLocation = "BOTH"
	LocationUnknown  IssueLocation = "UNKNOWN"
)

// ParseIssueLocation maps a raw string to the closed IssueLocation set.
func ParseIssueLocation(s string) IssueLocation {
	switch IssueLocation(s) {
	case LocationTestCode, LocationAppCode, LocationBoth:
		return IssueLocation(s)
	default:
		return LocationUnknown
	}
}

// PatternFlags are boolean signals the analysis stage extracts from the
// failure evidence.
type PatternFlags struct {
	HasHardcodedWait    bool `json:"hasHardcodedWait"`
	HasDynamicSelector  bool `json:"hasDynamicSelector"`
	HasRaceCondition    bool `json:"hasRaceCondition"`
	HasMissingAssertion bool `json:"hasMissingAssertion"`
	HasNetworkStub      bool `json:"hasNetworkStub"`
	HasRecentCodeChange bool `json:"hasRecentCodeChange"`
}

// AnalysisOutput is the root-cause classification produced by the analysis
// stage.
type AnalysisOutput struct {
	RootCause         RootCause
	Contributing      []RootCause
	Confidence        int // 0-100
	Explanation       string
	Selectors         []string
	IssueLocation     IssueLocation
	Patterns          PatternFlags
	SuggestedApproach string
}

// RelatedFile is a source file the code reading stage deemed relevant.
type RelatedFile struct {
	Path      string
	Content   string
	Relevance string // why it was pulled in: "import", "custom-command", ...
}

// CustomCommand is a project-specific test helper discovered in support
// files (e.g. Cypress.Commands.add definitions).
type CustomCommand struct {
	Name       string
	File       string
	Definition string
}

// PageObject is a page-object style variable referenced by the test.
type PageObject struct {
	Name string
	File string
}

// CodeReadingOutput is the source context gathered for downstream stages.
type CodeReadingOutput struct {
	TestFileContent string
	RelatedFiles    []RelatedFile
	CustomCommands  []CustomCommand
	PageObjects     []PageObject
	Summary         string
}

// Severity grades an investigation finding.
type Severity string

const (
	SeverityHigh   Severity = "HIGH"
	SeverityMedium Severity = "MEDIUM"
	SeverityLow    Severity = "LOW"
)

// ParseSeverity maps a raw string to the closed Severity set, defaulting
// to SeverityLow.
func ParseSeverity(s string) Severity {
	switch Severity(s) {
	case SeverityHigh, SeverityMedium:
		return Severity(s)
	default:
		return SeverityLow
	}
}

// Finding is one concrete, evidenced observation from the investigation.
type Finding struct {
	Type            string
	Severity        Severity
	Description     string
	Evidence        string
	Location        string
	RelationToError string
}

// SelectorSuggestion proposes replacing a selector that does not match the
// application code with one that does.
type SelectorSuggestion struct {
	Original    string
	Replacement string
	Reason      string
}

// InvestigationOutput cross-references the claimed root cause against the
// actual fetched source.
type InvestigationOutput struct {
	Findings            []Finding
	PrimaryFinding      string
	FixableInTestCode   bool
	RecommendedApproach string
	SelectorSuggestions []SelectorSuggestion
	Confidence          int
}

// CodeChange is one exact find/replace edit. OldCode is expected to be a
// verbatim substring of the target file; the review stage enforces that.
type CodeChange struct {
	File          string `json:"file"`
	Line          int    `json:"line,omitempty"`
	OldCode       string `json:"oldCode"`
	NewCode       string `json:"newCode"`
	Justification string `json:"justification,omitempty"`
	ChangeType    string `json:"changeType,omitempty"`
}

// FixGenerationOutput is a candidate fix: an ordered list of edits plus
// supporting rationale.
type FixGenerationOutput struct {
	Changes      []CodeChange
	Confidence   int
	Summary      string
	Reasoning    string
	Evidence     []string
	Risks        []string
	Alternatives []string
}

// ReviewSeverity grades a review issue. A CRITICAL issue forces rejection.
type ReviewSeverity string

const (
	ReviewCritical   ReviewSeverity = "CRITICAL"
	ReviewWarning    ReviewSeverity = "WARNING"
	ReviewSuggestion ReviewSeverity = "SUGGESTION"
)

// ParseReviewSeverity maps a raw string to the closed ReviewSeverity set,
// defaulting to ReviewSuggestion.
func ParseReviewSeverity(s string) ReviewSeverity {
	switch ReviewSeverity(s) {
	case ReviewCritical, ReviewWarning:
		return ReviewSeverity(s)
	default:
		return ReviewSuggestion
	}
}

// ReviewIssue is one problem the review stage found with a candidate fix.
type ReviewIssue struct {
	Severity    ReviewSeverity
	ChangeIndex int
	Description string
	Suggestion  string
}

// ReviewOutput is the independent critique of a candidate fix.
type ReviewOutput struct {
	Approved      bool
	Issues        []ReviewIssue
	Assessment    string
	FixConfidence int
	Improvements  []string
}

// Fix is the final validated change set returned to the caller.
type Fix struct {
	Confidence int          `json:"confidence"`
	Summary    string       `json:"summary"`
	Changes    []CodeChange `json:"changes"`
	Evidence   []string     `json:"evidence,omitempty"`
	Reasoning  string       `json:"reasoning,omitempty"`
}

// Approach labels the strategy behind a pipeline outcome.
type Approach string

const (
	// ApproachAgentic means the staged pipeline converged on a fix.
	ApproachAgentic Approach = "AGENTIC"
	// ApproachSingleShot means the staged pipeline failed and the caller
	// should retry via a simpler non-agentic path. The orchestrator itself
	// does not implement that path.
	ApproachSingleShot Approach = "SINGLE_SHOT"
	// ApproachFailed means the staged pipeline failed with no fallback.
	ApproachFailed Approach = "FAILED"
)

// PipelineResult is the sole output of a pipeline run. A Fix is only ever
// present with confidence at or above the configured minimum, and, when
// review is required, only after an approving review for that exact change
// set (or via the documented accept-without-approval leniency, which sets
// a warning).
type PipelineResult struct {
	RunID        uuid.UUID               `json:"run_id"`
	Success      bool                    `json:"success"`
	Fix          *Fix                    `json:"fix,omitempty"`
	Error        string                  `json:"error,omitempty"`
	Elapsed      time.Duration           `json:"elapsed"`
	Iterations   int                     `json:"iterations"`
	Approach     Approach                `json:"approach"`
	StageResults map[string]StageSummary `json:"stage_results"`
	Warnings     []string                `json:"warnings,omitempty"`
}
