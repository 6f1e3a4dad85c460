// Package llm provides Generator implementations backed by the Gemini,
// Anthropic, and OpenAI HTTP APIs. Every call is a single attempt: the
// clients honor the caller's context and never retry internally.
package llm

import (
	"fmt"
	"os"

	"golang.org/x/time/rate"

	"github.com/adept-at/adept-triage-agent-sub000/internal/pipeline"
)

// Provider represents an LLM provider.
type Provider string

const (
	ProviderGoogle    Provider = "google"
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
)

// Default models per provider.
const (
	DefaultGoogleModel    = "gemini-2.5-flash"
	DefaultOpenAIModel    = "gpt-4o"
	DefaultAnthropicModel = "claude-sonnet-4-20250514"
)

// requestsPerMinute bounds outbound API calls per client.
const requestsPerMinute = 30

func newLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60.0), 1)
}

// NewGenerator creates a Generator for the given provider. An empty model
// selects the provider default. API keys come from the conventional
// environment variables.
func NewGenerator(provider Provider, model string) (pipeline.Generator, error) {
	switch provider {
	case ProviderGoogle, "":
		apiKey := os.Getenv("GOOGLE_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("GOOGLE_API_KEY environment variable required")
		}
		if model == "" {
			model = DefaultGoogleModel
		}
		return NewGeminiClient(apiKey, model), nil
	case ProviderOpenAI:
		apiKey := os.Getenv("OPENAI_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY environment variable required")
		}
		if model == "" {
			model = DefaultOpenAIModel
		}
		return NewOpenAIClient(apiKey, model), nil
	case ProviderAnthropic:
		apiKey := os.Getenv("ANTHROPIC_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY environment variable required")
		}
		if model == "" {
			model = DefaultAnthropicModel
		}
		return NewAnthropicClient(apiKey, model), nil
	default:
		return nil, fmt.Errorf("unknown provider: %s", provider)
	}
}
