// Package agent runs the bounded tool-orchestration loop: provider calls,
// per-call policy checks, confirmation gating for side-effect tools, and
// durable transcript persistence.
package agent

import (
	"fmt"
	"strings"
)

// Message is one transcript entry in provider-neutral form.
type Message struct {
	Role       string                 `json:"role"`
	Content    string                 `json:"content"`
	ToolCalls  []ToolCall             `json:"tool_calls,omitempty"`
	ToolCallID string                 `json:"tool_call_id,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID   string                 `json:"id"`
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args"`
}

// TokenUsage tracks token consumption for one provider call.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Outcomes of a run.
const (
	OutcomeCompleted    = "completed"
	OutcomeCancelled    = "cancelled"
	OutcomeIterationCap = "iteration_capped"
	OutcomeFailed       = "failed"
)

// Result is the outcome of one agent run.
type Result struct {
	SessionID      int64
	Outcome        string
	Response       string
	SelectedSkills []string
	Turns          int
}

// IterationCapError reports a run that hit the iteration cap. The partial
// transcript is preserved so the caller can resume or inspect it.
type IterationCapError struct {
	SessionID  int64
	Iterations int
	Transcript []Message
}

func (e *IterationCapError) Error() string {
	return fmt.Sprintf("session %d reached the tool iteration cap (%d)", e.SessionID, e.Iterations)
}

// ProviderError wraps an LLM provider failure. The session is marked failed
// but its transcript survives, so these are resumable.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s call failed: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// IsRetryableError reports whether a provider error is worth retrying.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range []string{
		"ECONNRESET", "ETIMEDOUT",
		"429", "rate limit",
		"500", "502", "503", "504",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
