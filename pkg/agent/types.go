package agent

import (
	"strings"

	"github.com/harun/conduit/pkg/toolexecutor"
)

// TurnRequest is one user message on a thread.
type TurnRequest struct {
	ThreadID string                   `json:"thread_id"`
	Prompt   string                   `json:"prompt"`
	History  []Message                `json:"history,omitempty"`
	Agent    AgentConfig              `json:"agent"`
	Caller   toolexecutor.CallerAllow `json:"caller"`
}

// AgentConfig configures model behaviour for a turn. Capabilities is the
// agent's fixed tool set, unioned with the caller's allow-lists.
type AgentConfig struct {
	ID           string                   `json:"id,omitempty"`
	Model        string                   `json:"model"`
	Temperature  float64                  `json:"temperature,omitempty"`
	MaxTokens    int                      `json:"max_tokens,omitempty"`
	SystemPrompt string                   `json:"system_prompt,omitempty"`
	MaxRetries   int                      `json:"max_retries,omitempty"`
	Capabilities *toolexecutor.AgentScope `json:"capabilities,omitempty"`
}

// TurnResult contains the final answer of a turn.
type TurnResult struct {
	ThreadID  string      `json:"thread_id"`
	Response  string      `json:"response"`
	ToolCalls []ToolCall  `json:"tool_calls,omitempty"`
	Usage     *TokenUsage `json:"usage,omitempty"`
	Rounds    int         `json:"rounds"`
	Aborted   bool        `json:"aborted,omitempty"`
}

// ToolCall represents a tool invocation requested by the model
type ToolCall struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`
}

// TokenUsage tracks token consumption
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (u *TokenUsage) add(o *TokenUsage) *TokenUsage {
	if o == nil {
		return u
	}
	if u == nil {
		u = &TokenUsage{}
	}
	u.InputTokens += o.InputTokens
	u.OutputTokens += o.OutputTokens
	return u
}

// AuthProfile represents authentication credentials for LLM providers
type AuthProfile struct {
	ID            string `json:"id"`
	Provider      string `json:"provider"` // "anthropic", "openai"
	APIKey        string `json:"api_key"`
	BaseURL       string `json:"base_url,omitempty"`
	CooldownUntil *int64 `json:"cooldown_until,omitempty"`
	FailureCount  int    `json:"failure_count"`
	Priority      int    `json:"priority"`
}

// Message is one entry of the conversation sent to the model.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	IsError    bool       `json:"is_error,omitempty"`
}

// ToolResult is the model-facing outcome of one tool call.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// DefaultConfig returns default agent configuration
func DefaultConfig() AgentConfig {
	return AgentConfig{
		Model:       "claude-sonnet-4",
		Temperature: 0.7,
		MaxTokens:   4096,
		MaxRetries:  3,
	}
}

// IsRetryableError checks if an error should be retried
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"econnreset", "etimedout", "429", "rate limit", "500", "502", "503", "504", "overloaded"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// EstimateTokens provides a rough token count estimation
func EstimateTokens(messages []Message) int {
	totalChars := 0
	for _, msg := range messages {
		totalChars += len(msg.Content)
	}
	// Rough estimation: 1 token ≈ 4 characters
	return (totalChars + 3) / 4
}
