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

// OpenAIClient calls the OpenAI chat completions API.
type OpenAIClient struct {
	apiKey     string
	model      string
	httpClient *http.Client
	baseURL    string
	limiter    *rate.Limiter
}

// NewOpenAIClient creates a new OpenAI client.
func NewOpenAIClient(apiKey, model string) *OpenAIClient {
	return &OpenAIClient{
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{},
		baseURL:    "https://api.openai.com/v1",
		limiter:    newLimiter(),
	}
}

// OpenAI API request/response types.
type openAIRequest struct {
	Model          string                `json:"model"`
	Messages       []openAIMessage       `json:"messages"`
	Temperature    float64               `json:"temperature"`
	MaxTokens      int                   `json:"max_tokens,omitempty"`
	ResponseFormat *openAIResponseFormat `json:"response_format,omitempty"`
}

type openAIResponseFormat struct {
	Type string `json:"type"`
}

// openAIMessage carries either a plain string (system role) or a list of
// content parts (user role with images).
type openAIMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// openAIContentPart is a union: Type selects which fields are set.
type openAIContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openAIImageURL `json:"image_url,omitempty"`
}

type openAIImageURL struct {
	URL string `json:"url"`
}

type openAIResponse struct {
	ID      string         `json:"id"`
	Choices []openAIChoice `json:"choices"`
	Model   string         `json:"model"`
}

type openAIChoice struct {
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
}

// Generate sends the system prompt and parts to OpenAI and returns the
// first choice's content. Images travel as base64 data URLs.
func (c *OpenAIClient) Generate(ctx context.Context, system string, parts []pipeline.Part, opts pipeline.GenerateOptions) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	userParts := make([]openAIContentPart, 0, len(parts))
	for _, p := range parts {
		if p.ImageData != "" {
			mime := p.MimeType
			if mime == "" {
				mime = "image/png"
			}
			userParts = append(userParts, openAIContentPart{
				Type:     "image_url",
				ImageURL: &openAIImageURL{URL: fmt.Sprintf("data:%s;base64,%s", mime, p.ImageData)},
			})
			continue
		}
		if p.Text != "" {
			userParts = append(userParts, openAIContentPart{Type: "text", Text: p.Text})
		}
	}

	messages := make([]openAIMessage, 0, 2)
	if system != "" {
		messages = append(messages, openAIMessage{Role: "system", Content: system})
	}
	messages = append(messages, openAIMessage{Role: "user", Content: userParts})

	reqBody := openAIRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: opts.Temperature,
		MaxTokens:   8192,
	}
	if opts.AsJSON {
		reqBody.ResponseFormat = &openAIResponseFormat{Type: "json_object"}
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/chat/completions", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(jsonBody))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

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

	var openAIResp openAIResponse
	if err := json.Unmarshal(body, &openAIResp); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}

	if len(openAIResp.Choices) == 0 {
		return "", fmt.Errorf("no response choices")
	}
	return openAIResp.Choices[0].Message.Content, nil
}

// Model returns the model name.
func (c *OpenAIClient) Model() string {
	return c.model
}
