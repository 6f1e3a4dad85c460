package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// generateStage runs the shared stage-execution path: one generator call
// under the per-stage deadline, then parse. The parse function must return
// an error when required fields are absent; it never fabricates defaults
// for them. The returned StageResult never carries a panic or error value
// upward — failures are captured as strings.
func generateStage[T any](ctx context.Context, gen Generator, timeout time.Duration, system string, parts []Part, opts GenerateOptions, parse func(raw string) (*T, error)) StageResult[T] {
	start := time.Now()

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	raw, err := gen.Generate(callCtx, system, parts, opts)
	if err != nil {
		return failedResult[T](start, 1, describeGenerateErr(callCtx, timeout, err))
	}

	data, err := parse(raw)
	if err != nil {
		return failedResult[T](start, 1, fmt.Sprintf("invalid response: %v", err))
	}

	return StageResult[T]{
		Success:        true,
		Data:           data,
		Duration:       time.Since(start),
		GeneratorCalls: 1,
	}
}

// failedResult builds a failure StageResult with timing attached.
func failedResult[T any](start time.Time, calls int, msg string) StageResult[T] {
	return StageResult[T]{
		Error:          msg,
		Duration:       time.Since(start),
		GeneratorCalls: calls,
	}
}

// describeGenerateErr distinguishes a stage deadline from other generator
// failures. A parent-context deadline (the whole-run limit) surfaces as a
// timeout too so the orchestrator can report it.
func describeGenerateErr(ctx context.Context, timeout time.Duration, err error) string {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Sprintf("generator call timed out after %s", timeout)
	}
	return fmt.Sprintf("generator call failed: %v", err)
}

// decodeStageJSON decodes generator output into v. It first attempts a
// strict decode of the whole text; if the generator wrapped its JSON in
// prose, it falls back to the first balanced {...} span.
func decodeStageJSON(raw string, v any) error {
	trimmed := strings.TrimSpace(raw)
	if err := json.Unmarshal([]byte(trimmed), v); err == nil {
		return nil
	}

	span, ok := extractJSONSpan(trimmed)
	if !ok {
		return fmt.Errorf("no JSON object found in response")
	}
	if err := json.Unmarshal([]byte(span), v); err != nil {
		return fmt.Errorf("malformed JSON in response: %w", err)
	}
	return nil
}

// extractJSONSpan returns the first balanced top-level {...} span in s,
// tracking string literals and escapes so braces inside strings don't
// unbalance the scan.
func extractJSONSpan(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return s[start : i+1], true
				}
			}
		}
	}
	return "", false
}

// flexBool accepts JSON booleans as well as the loose spellings generators
// produce: "true"/"false" strings, numbers, "yes"/"no". Anything else
// decodes via truthiness of the raw value.
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	switch strings.ToLower(strings.Trim(s, `"`)) {
	case "true", "yes", "1":
		*b = true
	case "", "false", "no", "0", "null":
		*b = false
	default:
		// Non-empty unrecognized value: truthy.
		*b = true
	}
	return nil
}

// flexInt accepts JSON numbers (including floats, truncated) and numeric
// strings.
type flexInt int

func (n *flexInt) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if s == "" || s == "null" {
		*n = 0
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("not a number: %q", s)
	}
	*n = flexInt(f)
	return nil
}

// flexString accepts strings as well as bare numbers and booleans, which
// generators occasionally emit where prose was asked for.
type flexString string

func (v *flexString) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*v = flexString(s)
		return nil
	}
	*v = flexString(strings.TrimSpace(string(data)))
	return nil
}

// clampConfidence bounds a confidence score into 0-100.
func clampConfidence(n int) int {
	if n < 0 {
		return 0
	}
	if n > 100 {
		return 100
	}
	return n
}

// stringsOf converts a slice of flexStrings, dropping empties.
func stringsOf(in []flexString) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s != "" {
			out = append(out, string(s))
		}
	}
	return out
}
