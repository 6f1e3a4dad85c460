package pipeline

import "time"

// Config tunes one orchestrator instance. It is injected per instance;
// there is no process-wide mutable default.
type Config struct {
	// MaxIterations bounds the fix/review loop.
	MaxIterations int
	// TotalTimeout is the wall-clock limit for a whole run. Expiry aborts
	// the run regardless of which stage is in flight.
	TotalTimeout time.Duration
	// StageTimeout bounds each individual generator call.
	StageTimeout time.Duration
	// MinConfidence is the 0-100 floor a candidate fix must self-report
	// before it is reviewed or returned.
	MinConfidence int
	// SkipReview accepts the first confident candidate as-is instead of
	// gating it through the review stage. The zero value reviews.
	SkipReview bool
	// DisableFallback labels agentic failures FAILED instead of
	// SINGLE_SHOT, telling the caller not to retry via a simpler path.
	// The zero value falls back.
	DisableFallback bool
}

// DefaultConfig returns the standard pipeline configuration. The boolean
// knobs are phrased so their zero values are the defaults; a zero Config
// differs from this one only in its numeric fields.
func DefaultConfig() Config {
	return Config{
		MaxIterations: 3,
		TotalTimeout:  120 * time.Second,
		StageTimeout:  60 * time.Second,
		MinConfidence: 70,
	}
}

// withDefaults fills zero-valued fields so a partially populated Config
// still behaves.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxIterations <= 0 {
		c.MaxIterations = d.MaxIterations
	}
	if c.TotalTimeout <= 0 {
		c.TotalTimeout = d.TotalTimeout
	}
	if c.StageTimeout <= 0 {
		c.StageTimeout = d.StageTimeout
	}
	if c.MinConfidence <= 0 {
		c.MinConfidence = d.MinConfidence
	}
	return c
}
