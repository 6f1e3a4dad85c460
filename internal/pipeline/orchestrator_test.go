package pipeline

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testFileContent = `import { loginPage } from './pages/login';

describe('checkout', () => {
  it('submits the order', () => {
    cy.get('[data-testid="submit"]').click();
  });
});
`

const (
	goodAnalysisJSON = `{"rootCauseCategory":"SELECTOR_MISMATCH","confidence":85,"explanation":"selector no longer present","extractedSelectors":["[data-testid=\"submit\"]"],"issueLocation":"TEST_CODE","patterns":{"hasDynamicSelector":true},"suggestedApproach":"update the selector"}`

	goodInvestigationJSON = `{"findings":[{"type":"selector_not_in_code","severity":"HIGH","description":"submit selector was renamed","evidence":"cy.get('[data-testid=\"submit\"]')","relationToError":"direct"}],"primaryFinding":"selector renamed in app code","isFixableInTestCode":true,"recommendedApproach":"replace the selector","confidence":80}`

	goodFixJSON = `{"changes":[{"file":"t.spec","line":5,"oldCode":"cy.get('[data-testid=\"submit\"]').click();","newCode":"cy.get('[data-testid=\"submit-button\"]').click();","justification":"selector renamed","changeType":"selector"}],"confidence":85,"summary":"update submit selector","reasoning":"the app renamed the test id","evidence":["diff shows rename"],"risks":[]}`

	goodReviewJSON = `{"approved":true,"issues":[],"assessment":"minimal and correct","fixConfidence":85}`
)

// stageOfSystem identifies which stage issued a generator call from its
// system instruction.
func stageOfSystem(system string) string {
	switch {
	case strings.Contains(system, "failure analyst"):
		return StageAnalysis
	case strings.Contains(system, "investigator"):
		return StageInvestigation
	case strings.Contains(system, "generate minimal"):
		return StageFixGeneration
	case strings.Contains(system, "independent reviewer"):
		return StageReview
	default:
		return "unknown"
	}
}

// fakeGenerator scripts responses per stage and records calls and prompts.
type fakeGenerator struct {
	mu      sync.Mutex
	handler func(stage string, parts []Part) (string, error)
	calls   map[string]int
	prompts map[string][]string
}

func (g *fakeGenerator) Generate(ctx context.Context, system string, parts []Part, _ GenerateOptions) (string, error) {
	stage := stageOfSystem(system)
	g.mu.Lock()
	if g.calls == nil {
		g.calls = make(map[string]int)
	}
	if g.prompts == nil {
		g.prompts = make(map[string][]string)
	}
	g.calls[stage]++
	var text strings.Builder
	for _, p := range parts {
		text.WriteString(p.Text)
	}
	g.prompts[stage] = append(g.prompts[stage], text.String())
	g.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	return g.handler(stage, parts)
}

func (g *fakeGenerator) callCount(stage string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[stage]
}

func (g *fakeGenerator) lastPrompt(stage string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	ps := g.prompts[stage]
	if len(ps) == 0 {
		return ""
	}
	return ps[len(ps)-1]
}

// happyGenerator returns well-formed, high-confidence, approved responses
// for every stage.
func happyGenerator() *fakeGenerator {
	return &fakeGenerator{handler: func(stage string, _ []Part) (string, error) {
		switch stage {
		case StageAnalysis:
			return goodAnalysisJSON, nil
		case StageInvestigation:
			return goodInvestigationJSON, nil
		case StageFixGeneration:
			return goodFixJSON, nil
		case StageReview:
			return goodReviewJSON, nil
		}
		return "", nil
	}}
}

type fakeSource struct {
	files map[string]string
}

func (s *fakeSource) ReadFile(_ context.Context, path, _ string) (string, error) {
	if content, ok := s.files[path]; ok {
		return content, nil
	}
	return "", ErrNotFound
}

func testContext() *FailureContext {
	return &FailureContext{
		ErrorMessage: `element not found: [data-testid="submit"]`,
		TestFile:     "t.spec",
		TestName:     "x",
	}
}

func testSource() *fakeSource {
	return &fakeSource{files: map[string]string{"t.spec": testFileContent}}
}

func TestOrchestrate_HappyPath(t *testing.T) {
	gen := happyGenerator()
	o := New(gen, testSource(), DefaultConfig())

	res := o.Orchestrate(context.Background(), testContext())

	require.True(t, res.Success)
	assert.Equal(t, ApproachAgentic, res.Approach)
	assert.Equal(t, 1, res.Iterations)
	require.NotNil(t, res.Fix)
	assert.Len(t, res.Fix.Changes, 1)
	assert.Equal(t, 85, res.Fix.Confidence)
	assert.Equal(t, 1, gen.callCount(StageAnalysis))
	assert.Equal(t, 1, gen.callCount(StageReview))

	for _, stage := range []string{StageAnalysis, StageCodeReading, StageInvestigation, StageFixGeneration, StageReview} {
		summary, ok := res.StageResults[stage]
		require.True(t, ok, "missing stage result for %s", stage)
		assert.True(t, summary.Success, "stage %s", stage)
	}
}

func TestOrchestrate_InjectsSourceContext(t *testing.T) {
	gen := happyGenerator()
	o := New(gen, testSource(), DefaultConfig())
	fc := testContext()

	res := o.Orchestrate(context.Background(), fc)

	require.True(t, res.Success)
	assert.Equal(t, testFileContent, fc.SourceFileContent)
	assert.Contains(t, gen.lastPrompt(StageInvestigation), `cy.get('[data-testid="submit"]')`)
}

func TestOrchestrate_FixGenerationAlwaysFails_Fallback(t *testing.T) {
	gen := happyGenerator()
	base := gen.handler
	gen.handler = func(stage string, parts []Part) (string, error) {
		if stage == StageFixGeneration {
			return "", assert.AnError
		}
		return base(stage, parts)
	}
	o := New(gen, testSource(), DefaultConfig())

	res := o.Orchestrate(context.Background(), testContext())

	assert.False(t, res.Success)
	assert.Equal(t, ApproachSingleShot, res.Approach)
	assert.Nil(t, res.Fix)
	assert.Equal(t, DefaultConfig().MaxIterations, res.Iterations)
}

func TestOrchestrate_FixGenerationAlwaysFails_NoFallback(t *testing.T) {
	gen := happyGenerator()
	base := gen.handler
	gen.handler = func(stage string, parts []Part) (string, error) {
		if stage == StageFixGeneration {
			return "", assert.AnError
		}
		return base(stage, parts)
	}
	cfg := DefaultConfig()
	cfg.DisableFallback = true
	o := New(gen, testSource(), cfg)

	res := o.Orchestrate(context.Background(), testContext())

	assert.False(t, res.Success)
	assert.Equal(t, ApproachFailed, res.Approach)
	assert.Nil(t, res.Fix)
}

func TestOrchestrate_LowConfidenceSkipsReview(t *testing.T) {
	gen := happyGenerator()
	base := gen.handler
	gen.handler = func(stage string, parts []Part) (string, error) {
		if stage == StageFixGeneration {
			return strings.Replace(goodFixJSON, `"confidence":85`, `"confidence":40`, 1), nil
		}
		return base(stage, parts)
	}
	o := New(gen, testSource(), DefaultConfig())

	res := o.Orchestrate(context.Background(), testContext())

	assert.False(t, res.Success)
	assert.Equal(t, DefaultConfig().MaxIterations, res.Iterations)
	assert.Equal(t, 0, gen.callCount(StageReview), "low-confidence candidates must not be reviewed")
	assert.Contains(t, gen.lastPrompt(StageFixGeneration), "Confidence too low (40%)")
}

func TestOrchestrate_ReviewRejectsEveryAttempt(t *testing.T) {
	gen := happyGenerator()
	base := gen.handler
	gen.handler = func(stage string, parts []Part) (string, error) {
		if stage == StageReview {
			return `{"approved":false,"issues":[{"severity":"CRITICAL","changeIndex":0,"description":"breaks the assertion"}],"assessment":"unsafe","fixConfidence":20}`, nil
		}
		return base(stage, parts)
	}
	cfg := DefaultConfig()
	cfg.MaxIterations = 2
	o := New(gen, testSource(), cfg)

	res := o.Orchestrate(context.Background(), testContext())

	assert.False(t, res.Success, "a rejected candidate is not resurrected by the best-effort path")
	assert.Equal(t, 2, res.Iterations)
	assert.Equal(t, 2, gen.callCount(StageReview))
	assert.Contains(t, gen.lastPrompt(StageFixGeneration), "[CRITICAL] breaks the assertion")
}

func TestOrchestrate_AnalysisFailureIsTerminal(t *testing.T) {
	gen := &fakeGenerator{handler: func(stage string, _ []Part) (string, error) {
		return "", assert.AnError
	}}
	o := New(gen, testSource(), DefaultConfig())

	res := o.Orchestrate(context.Background(), testContext())

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "analysis failed")
	assert.Equal(t, 0, gen.callCount(StageInvestigation))
	assert.Equal(t, 0, gen.callCount(StageFixGeneration))
}

func TestOrchestrate_InvestigationFailureIsTerminal(t *testing.T) {
	gen := happyGenerator()
	base := gen.handler
	gen.handler = func(stage string, parts []Part) (string, error) {
		if stage == StageInvestigation {
			return `{"findings":[]}`, nil
		}
		return base(stage, parts)
	}
	o := New(gen, testSource(), DefaultConfig())

	res := o.Orchestrate(context.Background(), testContext())

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "investigation failed")
	assert.Equal(t, 0, gen.callCount(StageFixGeneration))
}

func TestOrchestrate_CodeReadingIsBestEffort(t *testing.T) {
	gen := happyGenerator()
	// No files at all: code reading fails, the pipeline continues.
	o := New(gen, &fakeSource{files: map[string]string{}}, DefaultConfig())
	fc := testContext()

	res := o.Orchestrate(context.Background(), fc)

	require.True(t, res.Success)
	assert.False(t, res.StageResults[StageCodeReading].Success)
	require.NotEmpty(t, res.Warnings)
	assert.Contains(t, res.Warnings[0], "code reading failed")
	assert.Empty(t, fc.SourceFileContent)
}

func TestOrchestrate_NoReviewRequired(t *testing.T) {
	gen := happyGenerator()
	cfg := DefaultConfig()
	cfg.SkipReview = true
	o := New(gen, testSource(), cfg)

	res := o.Orchestrate(context.Background(), testContext())

	require.True(t, res.Success)
	assert.Equal(t, 1, res.Iterations)
	assert.Equal(t, 0, gen.callCount(StageReview))
}

func TestOrchestrate_ZeroConfigReviewsAndFallsBack(t *testing.T) {
	// A zero Config must behave like DefaultConfig: candidates still go
	// through review, and a failed run is still labeled SINGLE_SHOT.
	gen := happyGenerator()
	o := New(gen, testSource(), Config{})

	res := o.Orchestrate(context.Background(), testContext())

	require.True(t, res.Success)
	assert.Equal(t, 1, gen.callCount(StageReview))

	gen = happyGenerator()
	base := gen.handler
	gen.handler = func(stage string, parts []Part) (string, error) {
		if stage == StageFixGeneration {
			return "", assert.AnError
		}
		return base(stage, parts)
	}
	o = New(gen, testSource(), Config{})

	res = o.Orchestrate(context.Background(), testContext())

	assert.False(t, res.Success)
	assert.Equal(t, ApproachSingleShot, res.Approach)
}

func TestOrchestrate_BestEffortAcceptWithoutApproval(t *testing.T) {
	gen := happyGenerator()
	base := gen.handler
	gen.handler = func(stage string, parts []Part) (string, error) {
		if stage == StageReview {
			return "", assert.AnError
		}
		return base(stage, parts)
	}
	o := New(gen, testSource(), DefaultConfig())

	res := o.Orchestrate(context.Background(), testContext())

	require.True(t, res.Success, "a confident, never-rejected candidate is accepted after exhausting iterations")
	assert.Equal(t, ApproachAgentic, res.Approach)
	require.NotNil(t, res.Fix)
	found := false
	for _, w := range res.Warnings {
		if strings.Contains(w, "without final approval") {
			found = true
		}
	}
	assert.True(t, found, "best-effort acceptance must carry a warning")
}

func TestOrchestrate_GlobalTimeout(t *testing.T) {
	gen := &fakeGenerator{handler: func(stage string, _ []Part) (string, error) {
		time.Sleep(200 * time.Millisecond)
		return goodAnalysisJSON, nil
	}}
	cfg := DefaultConfig()
	cfg.TotalTimeout = 50 * time.Millisecond
	o := New(gen, testSource(), cfg)

	start := time.Now()
	res := o.Orchestrate(context.Background(), testContext())

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "timed out")
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestOrchestrate_RunsAreIndependent(t *testing.T) {
	o := New(happyGenerator(), testSource(), DefaultConfig())

	var wg sync.WaitGroup
	results := make([]*PipelineResult, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = o.Orchestrate(context.Background(), testContext())
		}(i)
	}
	wg.Wait()

	ids := make(map[string]bool)
	for _, res := range results {
		require.True(t, res.Success)
		ids[res.RunID.String()] = true
	}
	assert.Len(t, ids, 4, "each run gets its own ID")
}

func TestOrchestrate_EndToEndScriptedScenario(t *testing.T) {
	gen := happyGenerator()
	o := New(gen, testSource(), DefaultConfig())

	res := o.Orchestrate(context.Background(), &FailureContext{
		ErrorMessage: `element not found: [data-testid="submit"]`,
		TestFile:     "t.spec",
		TestName:     "x",
	})

	require.True(t, res.Success)
	assert.Equal(t, ApproachAgentic, res.Approach)
	require.NotNil(t, res.Fix)
	assert.Len(t, res.Fix.Changes, 1)
	assert.Equal(t, 1, res.Iterations)
}
