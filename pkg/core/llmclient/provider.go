package llmclient

import (
	"context"
	"fmt"
)

// Provider is the interface every LLM backend implements. Named and
// shaped after the teacher's own llm.Provider: a single generation call
// plus a hook for provider-specific instruction styling.
type Provider interface {
	GenerateResponse(ctx context.Context, prompt string, systemPrompt string, options map[string]any) (string, error)
	// AdaptInstructions transforms raw instructions into model-specific phrasing.
	AdaptInstructions(raw string) string
}

// DeepSeekProvider is a stub: present so provider switching (agent-style
// per-task overrides) is exercised even though only Gemini is wired to a
// real SDK in this repo.
type DeepSeekProvider struct{}

func (p *DeepSeekProvider) GenerateResponse(ctx context.Context, prompt, systemPrompt string, options map[string]any) (string, error) {
	return "", &ErrFatal{Err: fmt.Errorf("provider not implemented: deepseek")}
}

func (p *DeepSeekProvider) AdaptInstructions(raw string) string {
	return "DeepSeek style: " + raw
}

// QwenProvider is a stub, same rationale as DeepSeekProvider.
type QwenProvider struct{}

func (p *QwenProvider) GenerateResponse(ctx context.Context, prompt, systemPrompt string, options map[string]any) (string, error) {
	return "", &ErrFatal{Err: fmt.Errorf("provider not implemented: qwen")}
}

func (p *QwenProvider) AdaptInstructions(raw string) string {
	return "Qwen style: " + raw
}
