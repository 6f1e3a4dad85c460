// Command triage analyzes a failing GitHub Actions test run with a staged
// LLM pipeline and prints a reviewed candidate fix.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/adept-at/adept-triage-agent-sub000/internal/config"
	gh "github.com/adept-at/adept-triage-agent-sub000/internal/github"
	"github.com/adept-at/adept-triage-agent-sub000/internal/llm"
	"github.com/adept-at/adept-triage-agent-sub000/internal/pipeline"
	"github.com/adept-at/adept-triage-agent-sub000/internal/store"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	verbose      bool
	jsonOutput   bool
	runID        int64
	provider     string
	model        string
	configPath   string
	noReview     bool
	force        bool
	historyLimit int
)

var repoArgPattern = regexp.MustCompile(`^([\w.-]+)/([\w.-]+)$`)

var rootCmd = &cobra.Command{
	Use:   "triage <owner/repo>",
	Short: "AI-powered repair of failing e2e tests",
	Long: `Triage finds the latest failed GitHub Actions run for a repository,
extracts the test failure from its logs and artifacts, and drives a staged
LLM pipeline (analysis, code reading, investigation, fix generation,
review) to produce a reviewed candidate fix.`,
	Args: cobra.ExactArgs(1),
	RunE: run,
}

var historyCmd = &cobra.Command{
	Use:   "history <owner/repo | run-uuid>",
	Short: "Show stored triage runs",
	Long: `History lists the stored triage runs for a repository, or shows the
full detail of a single run when given its UUID.`,
	Args: cobra.ExactArgs(1),
	RunE: runHistory,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("triage %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show pipeline progress detail")
	rootCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output result as JSON")
	rootCmd.Flags().Int64Var(&runID, "run-id", 0, "Specific workflow run ID to triage")
	rootCmd.Flags().StringVarP(&provider, "provider", "p", "", "LLM provider (google, openai, anthropic)")
	rootCmd.Flags().StringVarP(&model, "model", "m", "", "Specific model name")
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to .triage.yml")
	rootCmd.Flags().BoolVar(&noReview, "no-review", false, "Skip the review stage")
	rootCmd.Flags().BoolVar(&force, "force", false, "Re-triage even when a stored result exists for the run")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum number of runs to list")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(historyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// parseRepoArg splits an owner/repo argument.
func parseRepoArg(arg string) (owner, repo string, err error) {
	m := repoArgPattern.FindStringSubmatch(arg)
	if m == nil {
		return "", "", fmt.Errorf("invalid repo format %q, use: owner/repo", arg)
	}
	return m[1], m[2], nil
}

func run(cmd *cobra.Command, args []string) error {
	owner, repoName, err := parseRepoArg(args[0])
	if err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if provider != "" {
		cfg.Provider = provider
	}
	if model != "" {
		cfg.Model = model
	}

	interactive := isatty.IsTerminal(os.Stderr.Fd()) && !jsonOutput
	if !interactive {
		color.NoColor = true
	}

	ctx := context.Background()
	ghClient, err := newGitHubClient(ctx)
	if err != nil {
		return err
	}

	spin := newSpinner(interactive, fmt.Sprintf(" gathering context for %s/%s", owner, repoName))
	fc, wfRun, err := gatherFailureContext(ctx, ghClient, owner, repoName, runID)
	spin.Stop()
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "Triaging run %d: %s (%s)\n", wfRun.ID, fc.TestName, fc.ErrorMessage)

	repo := owner + "/" + repoName
	var db *store.DB
	if cfg.DatabaseURL != "" {
		if db = openStore(ctx, cfg.DatabaseURL); db != nil {
			defer db.Close()
		}
	}

	if db != nil && !force {
		prior, err := db.GetRunForWorkflow(ctx, repo, wfRun.ID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not check stored runs: %v\n", err)
		} else if prior != nil {
			fmt.Fprintf(os.Stderr, "Run %d was already triaged; showing the stored result (use --force to re-triage).\n", wfRun.ID)
			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(prior)
			}
			renderStoredRun(os.Stdout, prior)
			return nil
		}
	}

	gen, err := llm.NewGenerator(llm.Provider(cfg.Provider), cfg.Model)
	if err != nil {
		return err
	}
	src := gh.NewRepoSource(ghClient, owner, repoName, fc.CommitSHA)

	// With history available, surface how similar failures were fixed
	// before spending a full pipeline run on this one.
	var embedding []float32
	if db != nil {
		if embedder, ok := gen.(*llm.GeminiClient); ok {
			if embedding, err = embedder.Embed(ctx, fc.ErrorMessage); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: embedding failed: %v\n", err)
			}
		}
		if embedding != nil {
			similar, err := db.SimilarFailures(ctx, embedding, 3)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Warning: similarity lookup failed: %v\n", err)
			} else {
				renderSimilarRuns(os.Stderr, similar)
			}
		}
	}

	orch := pipeline.New(gen, src, pipelineConfig(cfg))
	if verbose || interactive {
		orch.Emitter = &pipeline.TextEmitter{W: os.Stderr}
	}

	result := orch.Orchestrate(ctx, fc)

	if db != nil {
		persistResult(ctx, db, repo, wfRun.ID, fc, embedding, result)
		pruneHistory(ctx, db, time.Duration(cfg.HistoryRetention))
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return err
		}
	} else {
		renderResult(os.Stdout, result)
	}

	if !result.Success {
		return fmt.Errorf("triage failed: %s", result.Error)
	}
	return nil
}

// newGitHubClient authenticates as a GitHub App installation when the app
// environment variables are set, falling back to token auth.
func newGitHubClient(ctx context.Context) (*gh.Client, error) {
	appID := os.Getenv("TRIAGE_APP_ID")
	keyPath := os.Getenv("TRIAGE_APP_KEY_PATH")
	installID := os.Getenv("TRIAGE_INSTALLATION_ID")
	if appID == "" || keyPath == "" || installID == "" {
		return gh.NewClient(""), nil
	}

	var id int64
	if _, err := fmt.Sscanf(installID, "%d", &id); err != nil {
		return nil, fmt.Errorf("invalid TRIAGE_INSTALLATION_ID %q", installID)
	}
	pemBytes, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read app key: %w", err)
	}
	return gh.NewAppClient(ctx, appID, id, pemBytes)
}

// pipelineConfig maps file config onto orchestrator config. Zero values
// fall back to the pipeline defaults.
func pipelineConfig(cfg *config.Config) pipeline.Config {
	pc := pipeline.Config{
		MaxIterations: cfg.Pipeline.MaxIterations,
		TotalTimeout:  time.Duration(cfg.Pipeline.TotalTimeout),
		StageTimeout:  time.Duration(cfg.Pipeline.StageTimeout),
		MinConfidence: cfg.Pipeline.MinConfidence,
		SkipReview:    cfg.Pipeline.SkipReview || noReview,
	}
	if cfg.Pipeline.FallbackToSingleShot != nil {
		pc.DisableFallback = !*cfg.Pipeline.FallbackToSingleShot
	}
	return pc
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("history requires DATABASE_URL or database_url in %s", config.DefaultPath)
	}

	ctx := context.Background()
	db, err := store.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("could not connect to database: %w", err)
	}
	defer db.Close()

	if id, parseErr := uuid.Parse(args[0]); parseErr == nil {
		stored, err := db.GetRunByID(ctx, id)
		if err != nil {
			return err
		}
		if stored == nil {
			return fmt.Errorf("no stored run %s", id)
		}
		renderStoredRun(os.Stdout, stored)
		return nil
	}

	owner, repoName, err := parseRepoArg(args[0])
	if err != nil {
		return err
	}
	runs, err := db.ListRepoRuns(ctx, owner+"/"+repoName, historyLimit)
	if err != nil {
		return err
	}
	renderRunList(os.Stdout, runs)
	return nil
}

// openStore migrates and connects, best-effort. Persistence trouble never
// blocks a triage.
func openStore(ctx context.Context, databaseURL string) *store.DB {
	if err := store.Migrate(databaseURL); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: migration failed: %v\n", err)
		return nil
	}
	db, err := store.New(ctx, databaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not connect to database: %v\n", err)
		return nil
	}
	return db
}

// persistResult stores the triage outcome, best-effort.
func persistResult(ctx context.Context, db *store.DB, repo string, workflowRunID int64, fc *pipeline.FailureContext, embedding []float32, result *pipeline.PipelineResult) {
	params := store.CreateRunParams{
		ID:            result.RunID,
		Repo:          repo,
		WorkflowRunID: workflowRunID,
		TestFile:      fc.TestFile,
		TestName:      fc.TestName,
		ErrorMessage:  fc.ErrorMessage,
		Approach:      string(result.Approach),
		Success:       result.Success,
		Iterations:    result.Iterations,
		Fix:           result.Fix,
		Embedding:     embedding,
	}
	if result.Fix != nil {
		conf := result.Fix.Confidence
		params.Confidence = &conf
	}
	if _, err := db.CreateRun(ctx, params); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not store result: %v\n", err)
	}
}

// pruneHistory drops stored runs past the retention window.
func pruneHistory(ctx context.Context, db *store.DB, retention time.Duration) {
	if retention <= 0 {
		return
	}
	if _, err := db.DeleteOldRuns(ctx, time.Now().Add(-retention)); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not prune history: %v\n", err)
	}
}

// newSpinner starts a stderr spinner in interactive sessions; otherwise it
// returns a stopped no-op spinner.
func newSpinner(interactive bool, suffix string) *spinner.Spinner {
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
	s.Suffix = suffix
	if interactive {
		s.Start()
	}
	return s
}
