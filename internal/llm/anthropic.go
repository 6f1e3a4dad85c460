package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/adept-at/adept-triage-agent-sub000/internal/pipeline"
)

// AnthropicClient calls the Anthropic Messages API.
type AnthropicClient struct {
	apiKey     string
	model      string
	httpClient *http.Client
	baseURL    string
	limiter    *rate.Limiter
}

// NewAnthropicClient creates a new Anthropic client.
func NewAnthropicClient(apiKey, model string) *AnthropicClient {
	return &AnthropicClient{
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{},
		baseURL:    "https://api.anthropic.com/v1",
		limiter:    newLimiter(),
	}
}

// Anthropic API request/response types.
type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Temperature float64            `json:"temperature"`
}

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

// anthropicBlock is a union: Type selects which fields are set.
type anthropicBlock struct {
	Type   string                `json:"type"`
	Text   string                `json:"text,omitempty"`
	Source *anthropicImageSource `json:"source,omitempty"`
}

type anthropicImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type anthropicResponse struct {
	ID      string           `json:"id"`
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
	Model   string           `json:"model"`
}

// Generate sends the system prompt and parts to Anthropic and returns the
// concatenated text blocks of the response. Anthropic has no JSON response
// mode; when JSON output is requested the instruction already lives in the
// system prompt, so AsJSON is a no-op here.
func (c *AnthropicClient) Generate(ctx context.Context, system string, parts []pipeline.Part, opts pipeline.GenerateOptions) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	blocks := make([]anthropicBlock, 0, len(parts))
	for _, p := range parts {
		if p.ImageData != "" {
			mime := p.MimeType
			if mime == "" {
				mime = "image/png"
			}
			blocks = append(blocks, anthropicBlock{
				Type:   "image",
				Source: &anthropicImageSource{Type: "base64", MediaType: mime, Data: p.ImageData},
			})
			continue
		}
		if p.Text != "" {
			blocks = append(blocks, anthropicBlock{Type: "text", Text: p.Text})
		}
	}

	reqBody := anthropicRequest{
		Model:       c.model,
		MaxTokens:   8192,
		System:      system,
		Messages:    []anthropicMessage{{Role: "user", Content: blocks}},
		Temperature: opts.Temperature,
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/messages", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(jsonBody))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("API error (%d): %s", resp.StatusCode, string(body))
	}

	var anthropicResp anthropicResponse
	if err := json.Unmarshal(body, &anthropicResp); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}

	text := ""
	for _, b := range anthropicResp.Content {
		if b.Type == "text" {
			text += b.Text
		}
	}
	if text == "" {
		return "", fmt.Errorf("empty response from model")
	}
	return text, nil
}

// Model returns the model name.
func (c *AnthropicClient) Model() string {
	return c.model
}
