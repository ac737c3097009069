package llmclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	jsonrepair "github.com/RealAlexandreAI/json-repair"
)

// sharedTransport is the single HTTP connection pool every provider that
// makes its own outbound HTTP calls should reuse (the Gemini SDK manages
// its own transport internally; this is for DeepSeek/Qwen-style REST
// providers built directly on net/http).
var sharedTransport = &http.Transport{
	MaxIdleConns:        100,
	MaxIdleConnsPerHost: 20,
	IdleConnTimeout:     90 * time.Second,
}

// SharedHTTPClient returns the process-wide pooled HTTP client.
func SharedHTTPClient() *http.Client {
	return &http.Client{Transport: sharedTransport, Timeout: 60 * time.Second}
}

// ChatOptions configures one Chat call.
type ChatOptions struct {
	Model         string
	ContextWindow int // hint, in tokens
	Temperature   float64
	ExpectJSON    bool
}

// ChatResult is the normalized response of a Chat call.
type ChatResult struct {
	Content   string
	TokensIn  int
	TokensOut int
}

// Client is the provider-agnostic chat interface, §4-C: context-overflow
// retry, JSON extraction, a shared HTTP pool (via SharedHTTPClient for
// providers that want it).
type Client struct {
	Provider Provider
}

func New(p Provider) *Client {
	return &Client{Provider: p}
}

var codeFenceRe = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

// Chat sends system+user to the provider. On a detected context-window
// overflow it trims the user message to ~50% of its length and retries
// exactly once. When options.ExpectJSON is set, the response is stripped
// of code fences and surrounding prose and repaired into valid JSON
// before being returned; a repair failure surfaces ErrFatal.
func (c *Client) Chat(ctx context.Context, system, user string, options ChatOptions) (ChatResult, error) {
	providerOpts := map[string]any{
		"model":       options.Model,
		"temperature": options.Temperature,
		"expect_json": options.ExpectJSON,
	}

	content, err := c.Provider.GenerateResponse(ctx, user, system, providerOpts)
	if err != nil {
		if !isRetryable(err) {
			return ChatResult{}, classify(err)
		}
		trimmed := trimToHalf(user)
		content, err = c.Provider.GenerateResponse(ctx, trimmed, system, providerOpts)
		if err != nil {
			return ChatResult{}, classify(err)
		}
	}

	if options.ExpectJSON {
		cleaned, cerr := ExtractJSON(content)
		if cerr != nil {
			return ChatResult{}, &ErrFatal{Err: cerr}
		}
		content = cleaned
	}

	return ChatResult{
		Content:   content,
		TokensIn:  estimateTokens(system) + estimateTokens(user),
		TokensOut: estimateTokens(content),
	}, nil
}

func isRetryable(err error) bool {
	return isContextOverflow(err)
}

func classify(err error) error {
	if _, ok := err.(*ErrFatal); ok {
		return err
	}
	if _, ok := err.(*ErrTransient); ok {
		return err
	}
	return &ErrTransient{Err: err}
}

// trimToHalf halves the longest message's length, cutting from the
// middle so both the opening instructions and closing context survive —
// the part of a long prompt most likely to be filler is the middle.
func trimToHalf(msg string) string {
	if len(msg) < 200 {
		return msg
	}
	keep := len(msg) / 2
	head := keep / 2
	tail := keep - head
	return msg[:head] + "\n...[trimmed]...\n" + msg[len(msg)-tail:]
}

// ExtractJSON strips Markdown code fences and any surrounding prose from
// an LLM response, then repairs and re-serializes it as valid JSON.
func ExtractJSON(raw string) (string, error) {
	text := strings.TrimSpace(raw)
	if m := codeFenceRe.FindStringSubmatch(text); m != nil {
		text = strings.TrimSpace(m[1])
	}

	// Drop any leading/trailing prose outside the outermost JSON structure.
	if start := strings.IndexAny(text, "{["); start > 0 {
		text = text[start:]
	}
	if end := strings.LastIndexAny(text, "}]"); end >= 0 && end < len(text)-1 {
		text = text[:end+1]
	}

	repaired, err := jsonrepair.RepairJSON(text)
	if err != nil {
		return "", fmt.Errorf("json repair failed: %w", err)
	}

	var probe any
	if err := json.Unmarshal([]byte(repaired), &probe); err != nil {
		return "", fmt.Errorf("response is not valid JSON after repair: %w", err)
	}
	return repaired, nil
}

// estimateTokens is a coarse ~4-chars-per-token heuristic; none of the
// retrieved repos carried a real tokenizer dependency for any provider.
func estimateTokens(s string) int {
	if len(s) == 0 {
		return 0
	}
	n := len(s) / 4
	if n == 0 {
		n = 1
	}
	return n
}

// EstimateTokens exposes the same ~4-chars-per-token heuristic to callers
// outside this package that need to size a prompt against a token budget
// before calling Chat (e.g. the dossier synthesizer's budget guard).
func EstimateTokens(s string) int {
	return estimateTokens(s)
}
