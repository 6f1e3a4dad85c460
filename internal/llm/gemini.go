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

// GeminiClient calls the Google Gemini generateContent API.
type GeminiClient struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewGeminiClient creates a new Gemini client.
func NewGeminiClient(apiKey, model string) *GeminiClient {
	return &GeminiClient{
		apiKey:     apiKey,
		model:      model,
		baseURL:    "https://generativelanguage.googleapis.com/v1beta",
		httpClient: &http.Client{},
		limiter:    newLimiter(),
	}
}

// Gemini API request/response types.
type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

// geminiPart is a union: exactly one of Text or InlineData is set.
type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inline_data,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type geminiGenerationConfig struct {
	Temperature      float64 `json:"temperature"`
	MaxOutputTokens  int     `json:"maxOutputTokens,omitempty"`
	ResponseMimeType string  `json:"responseMimeType,omitempty"`
}

type geminiResponse struct {
	Candidates []geminiCandidate `json:"candidates"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
}

// Generate sends the system instruction and parts to Gemini and returns
// the concatenated text of the first candidate.
func (c *GeminiClient) Generate(ctx context.Context, system string, parts []pipeline.Part, opts pipeline.GenerateOptions) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	userParts := make([]geminiPart, 0, len(parts))
	for _, p := range parts {
		if p.ImageData != "" {
			mime := p.MimeType
			if mime == "" {
				mime = "image/png"
			}
			userParts = append(userParts, geminiPart{
				InlineData: &geminiInlineData{MimeType: mime, Data: p.ImageData},
			})
			continue
		}
		if p.Text != "" {
			userParts = append(userParts, geminiPart{Text: p.Text})
		}
	}

	reqBody := geminiRequest{
		Contents: []geminiContent{{Role: "user", Parts: userParts}},
		GenerationConfig: &geminiGenerationConfig{
			Temperature:     opts.Temperature,
			MaxOutputTokens: 8192,
		},
	}
	if system != "" {
		reqBody.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: system}}}
	}
	if opts.AsJSON {
		reqBody.GenerationConfig.ResponseMimeType = "application/json"
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, c.model, c.apiKey)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(jsonBody))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

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
		return "", fmt.Errorf("Gemini API error: %s - %s", resp.Status, string(body))
	}

	var geminiResp geminiResponse
	if err := json.Unmarshal(body, &geminiResp); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}

	if len(geminiResp.Candidates) == 0 {
		return "", fmt.Errorf("empty response from model")
	}

	text := ""
	for _, part := range geminiResp.Candidates[0].Content.Parts {
		text += part.Text
	}
	if text == "" {
		return "", fmt.Errorf("model returned no text (finishReason=%s)", geminiResp.Candidates[0].FinishReason)
	}
	return text, nil
}

// Embedding request/response types for the embedContent API.
type embedRequest struct {
	Model   string        `json:"model"`
	Content geminiContent `json:"content"`
}

type embedResponse struct {
	Embedding struct {
		Values []float32 `json:"values"`
	} `json:"embedding"`
}

// embeddingModel is the Gemini model used for failure embeddings.
const embeddingModel = "text-embedding-004"

// Embed returns an embedding vector for the given text, suitable for
// similarity search over stored failures.
func (c *GeminiClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	reqBody := embedRequest{
		Model:   "models/" + embeddingModel,
		Content: geminiContent{Parts: []geminiPart{{Text: text}}},
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:embedContent?key=%s", c.baseURL, embeddingModel, c.apiKey)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("Gemini API error: %s - %s", resp.Status, string(body))
	}

	var embedResp embedResponse
	if err := json.Unmarshal(body, &embedResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(embedResp.Embedding.Values) == 0 {
		return nil, fmt.Errorf("empty embedding from model")
	}
	return embedResp.Embedding.Values, nil
}

// Model returns the model name.
func (c *GeminiClient) Model() string {
	return c.model
}
