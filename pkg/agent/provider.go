package agent

import (
	"context"
	"fmt"

	"github.com/okabe/himari/internal/config"
	"github.com/okabe/himari/pkg/toolexec"
)

// LLMProvider is one chat-completion backend with tool calling.
type LLMProvider interface {
	Call(ctx context.Context, request LLMRequest) (*LLMResponse, error)
	Provider() string
}

// LLMRequest contains the parameters for one provider call.
type LLMRequest struct {
	Model        string
	SystemPrompt string
	Messages     []Message
	Tools        []toolexec.Definition
	MaxTokens    int
	Temperature  float64
}

// LLMResponse is the provider's reply.
type LLMResponse struct {
	Content   string
	ToolCalls []ToolCall
	Usage     *TokenUsage
}

// NewProvider builds the configured LLM provider.
func NewProvider(cfg config.ProviderConfig) (LLMProvider, error) {
	switch cfg.Name {
	case "openai":
		return NewOpenAIProvider(cfg.OpenAIAPIKey), nil
	case "anthropic":
		return NewAnthropicProvider(cfg.AnthropicAPIKey), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Name)
	}
}
