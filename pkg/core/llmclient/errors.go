package llmclient

import "fmt"

// ErrTransient wraps a backend error the caller may retry (timeouts, 5xx,
// rate limiting). The Client itself retries exactly once on a detected
// context-window overflow; anything else transient is left to the caller.
type ErrTransient struct {
	Err error
}

func (e *ErrTransient) Error() string { return fmt.Sprintf("llm: transient: %v", e.Err) }
func (e *ErrTransient) Unwrap() error { return e.Err }

// ErrFatal wraps a non-retryable failure: malformed JSON after the
// code-fence strip and repair pass, or a provider-reported hard error.
type ErrFatal struct {
	Err error
}

func (e *ErrFatal) Error() string { return fmt.Sprintf("llm: fatal: %v", e.Err) }
func (e *ErrFatal) Unwrap() error { return e.Err }
