package llmclient

import (
	"context"
	"fmt"
	"os"
	"strings"

	"google.golang.org/genai"
)

// GeminiProvider implements Provider against Google's Gemini models, via
// the official GenAI SDK. Ported from the teacher's GeminiProvider with
// the same env var and JSON-mode heuristic.
type GeminiProvider struct {
	Model string // e.g. "gemini-2.0-flash-exp"
}

var _ Provider = (*GeminiProvider)(nil)

func (p *GeminiProvider) GenerateResponse(ctx context.Context, prompt, systemPrompt string, options map[string]any) (string, error) {
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		return "", &ErrFatal{Err: fmt.Errorf("GEMINI_API_KEY environment variable not set")}
	}

	model := p.Model
	if model == "" {
		model = "gemini-2.0-flash-exp"
	}
	if val, ok := options["model"].(string); ok && val != "" {
		model = val
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return "", &ErrTransient{Err: fmt.Errorf("failed to create GenAI client: %w", err)}
	}

	temp := float32(0.1)
	if val, ok := options["temperature"].(float64); ok {
		temp = float32(val)
	}
	config := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(temp),
	}

	expectJSON, _ := options["expect_json"].(bool)
	if expectJSON || strings.Contains(strings.ToLower(systemPrompt), "json") || strings.Contains(strings.ToLower(prompt), "json") {
		config.ResponseMIMEType = "application/json"
	}

	if systemPrompt != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: systemPrompt}},
		}
	}

	result, err := client.Models.GenerateContent(ctx, model, genai.Text(prompt), config)
	if err != nil {
		if isContextOverflow(err) {
			return "", &ErrTransient{Err: err}
		}
		return "", &ErrTransient{Err: fmt.Errorf("gemini generation failed: %w", err)}
	}

	return result.Text(), nil
}

func (p *GeminiProvider) AdaptInstructions(raw string) string {
	return raw
}

// isContextOverflow detects the backend's context-window-exceeded errors
// by message content — the genai SDK surfaces these as plain API errors,
// not a distinct Go error type.
func isContextOverflow(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"context length", "context_length", "too many tokens", "maximum context", "token limit", "exceeds the maximum"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
