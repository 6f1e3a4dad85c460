package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adept-at/adept-triage-agent-sub000/internal/pipeline"
)

// rawOpenAIRequest mirrors the wire format with concrete types so tests
// can inspect the polymorphic content field.
type rawOpenAIRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"messages"`
	ResponseFormat *openAIResponseFormat `json:"response_format"`
}

func openAITextResponse(text string) string {
	resp := map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"role": "assistant", "content": text}},
		},
	}
	b, _ := json.Marshal(resp)
	return string(b)
}

func TestOpenAIGenerate_Success(t *testing.T) {
	var captured rawOpenAIRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "/chat/completions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		_, _ = w.Write([]byte(openAITextResponse(`{"confidence":85}`)))
	}))
	defer ts.Close()

	c := NewOpenAIClient("test-key", "gpt-test")
	c.baseURL = ts.URL

	out, err := c.Generate(context.Background(), "you fix tests", []pipeline.Part{{Text: "broken test"}}, pipeline.GenerateOptions{AsJSON: true})
	require.NoError(t, err)
	assert.Equal(t, `{"confidence":85}`, out)

	assert.Equal(t, "gpt-test", captured.Model)
	require.Len(t, captured.Messages, 2)
	assert.Equal(t, "system", captured.Messages[0].Role)
	assert.Equal(t, "user", captured.Messages[1].Role)

	var system string
	require.NoError(t, json.Unmarshal(captured.Messages[0].Content, &system))
	assert.Equal(t, "you fix tests", system)

	require.NotNil(t, captured.ResponseFormat)
	assert.Equal(t, "json_object", captured.ResponseFormat.Type)
}

func TestOpenAIGenerate_ImagesBecomeDataURLs(t *testing.T) {
	var captured rawOpenAIRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		_, _ = w.Write([]byte(openAITextResponse("ok")))
	}))
	defer ts.Close()

	c := NewOpenAIClient("test-key", "gpt-test")
	c.baseURL = ts.URL

	parts := []pipeline.Part{
		{Text: "describe the screenshot"},
		{ImageData: "aGVsbG8=", MimeType: "image/png"},
	}
	_, err := c.Generate(context.Background(), "sys", parts, pipeline.GenerateOptions{})
	require.NoError(t, err)

	var contentParts []openAIContentPart
	require.NoError(t, json.Unmarshal(captured.Messages[1].Content, &contentParts))
	require.Len(t, contentParts, 2)
	assert.Equal(t, "text", contentParts[0].Type)
	assert.Equal(t, "image_url", contentParts[1].Type)
	require.NotNil(t, contentParts[1].ImageURL)
	assert.Equal(t, "data:image/png;base64,aGVsbG8=", contentParts[1].ImageURL.URL)
}

func TestOpenAIGenerate_NoResponseFormatWithoutAsJSON(t *testing.T) {
	var captured rawOpenAIRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		_, _ = w.Write([]byte(openAITextResponse("ok")))
	}))
	defer ts.Close()

	c := NewOpenAIClient("test-key", "gpt-test")
	c.baseURL = ts.URL

	_, err := c.Generate(context.Background(), "sys", []pipeline.Part{{Text: "hi"}}, pipeline.GenerateOptions{})
	require.NoError(t, err)
	assert.Nil(t, captured.ResponseFormat)
}

func TestOpenAIGenerate_APIError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key"}}`))
	}))
	defer ts.Close()

	c := NewOpenAIClient("test-key", "gpt-test")
	c.baseURL = ts.URL

	_, err := c.Generate(context.Background(), "sys", []pipeline.Part{{Text: "hi"}}, pipeline.GenerateOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API error (401)")
}

func TestOpenAIGenerate_NoChoices(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer ts.Close()

	c := NewOpenAIClient("test-key", "gpt-test")
	c.baseURL = ts.URL

	_, err := c.Generate(context.Background(), "sys", []pipeline.Part{{Text: "hi"}}, pipeline.GenerateOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no response choices")
}

func TestNewGenerator_MissingKey(t *testing.T) {
	t.Setenv("GOOGLE_API_KEY", "")
	_, err := NewGenerator(ProviderGoogle, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GOOGLE_API_KEY")
}

func TestNewGenerator_DefaultsToGoogle(t *testing.T) {
	t.Setenv("GOOGLE_API_KEY", "key")
	gen, err := NewGenerator("", "")
	require.NoError(t, err)
	gc, ok := gen.(*GeminiClient)
	require.True(t, ok)
	assert.Equal(t, DefaultGoogleModel, gc.Model())
}

func TestNewGenerator_UnknownProvider(t *testing.T) {
	_, err := NewGenerator("mistral", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown provider")
}

func TestNewGenerator_ExplicitModels(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "key")
	gen, err := NewGenerator(ProviderAnthropic, "claude-custom")
	require.NoError(t, err)
	ac, ok := gen.(*AnthropicClient)
	require.True(t, ok)
	assert.Equal(t, "claude-custom", ac.Model())

	t.Setenv("OPENAI_API_KEY", "key")
	gen, err = NewGenerator(ProviderOpenAI, "")
	require.NoError(t, err)
	oc, ok := gen.(*OpenAIClient)
	require.True(t, ok)
	assert.Equal(t, DefaultOpenAIModel, oc.Model())
}
