package agent

import (
	"context"
	"fmt"

	"github.com/harun/conduit/pkg/toolexecutor"
)

// Provider names accepted in an AuthProfile.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

// LLMProvider sends one round of a turn to a model.
type LLMProvider interface {
	Call(ctx context.Context, request LLMRequest) (*LLMResponse, error)
	Provider() string
}

// LLMRequest is one model round. Tools carries the turn's permitted
// function specs, already narrowed by the dispatcher.
type LLMRequest struct {
	Model        string
	Messages     []Message
	Tools        []toolexecutor.FunctionSpec
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
}

// LLMResponse holds the assistant text and any tool calls the model issued.
type LLMResponse struct {
	Content   string
	ToolCalls []ToolCall
	Usage     *TokenUsage
}

// ProviderCreator creates LLM providers from auth profiles.
type ProviderCreator interface {
	NewProvider(profile AuthProfile) (LLMProvider, error)
}

// ProviderFactory builds SDK-backed providers.
type ProviderFactory struct{}

func (f *ProviderFactory) NewProvider(profile AuthProfile) (LLMProvider, error) {
	if profile.APIKey == "" && profile.BaseURL == "" {
		return nil, fmt.Errorf("profile %s has no api key", profile.ID)
	}
	switch profile.Provider {
	case ProviderAnthropic:
		return NewAnthropicProvider(profile.APIKey, profile.BaseURL), nil
	case ProviderOpenAI:
		return NewOpenAIProvider(profile.APIKey, profile.BaseURL), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", profile.Provider)
	}
}
