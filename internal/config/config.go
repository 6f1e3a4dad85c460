// Package config loads triage settings from a .triage.yml file, with
// environment variables filling in credentials.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where the config file is looked up relative to the
// working directory.
const DefaultPath = ".triage.yml"

// Config holds user-tunable settings. Zero values defer to the pipeline
// defaults.
type Config struct {
	// Provider selects the LLM backend: google, openai, or anthropic.
	Provider string `yaml:"provider"`
	// Model overrides the provider's default model.
	Model string `yaml:"model"`

	Pipeline PipelineConfig `yaml:"pipeline"`

	// DatabaseURL enables persistence of triage results when set. The
	// DATABASE_URL environment variable takes precedence.
	DatabaseURL string `yaml:"database_url"`

	// HistoryRetention prunes stored runs older than this after each
	// triage. Zero keeps history forever.
	HistoryRetention Duration `yaml:"history_retention"`
}

// PipelineConfig mirrors the orchestrator knobs.
type PipelineConfig struct {
	MaxIterations        int      `yaml:"max_iterations"`
	TotalTimeout         Duration `yaml:"total_timeout"`
	StageTimeout         Duration `yaml:"stage_timeout"`
	MinConfidence        int      `yaml:"min_confidence"`
	SkipReview           bool     `yaml:"skip_review"`
	FallbackToSingleShot *bool    `yaml:"fallback_to_single_shot"`
}

// Duration parses YAML strings like "90s" or "3m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Load reads the config file at path. A missing file is not an error; it
// yields a zero config so every knob falls back to its default.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}

	var cfg Config
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg.applyEnv()
		return &cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	cfg.applyEnv()
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		c.DatabaseURL = url
	}
	if provider := os.Getenv("TRIAGE_PROVIDER"); provider != "" {
		c.Provider = provider
	}
	if model := os.Getenv("TRIAGE_MODEL"); model != "" {
		c.Model = model
	}
}
