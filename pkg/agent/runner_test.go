package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/harun/conduit/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptStep struct {
	resp *LLMResponse
	err  error
}

type scriptedProvider struct {
	name string

	mu       sync.Mutex
	steps    []scriptStep
	requests []LLMRequest
	// repeat, when set, answers every call once steps run out.
	repeat *scriptStep
}

func (p *scriptedProvider) Provider() string { return p.name }

func (p *scriptedProvider) Call(ctx context.Context, req LLMRequest) (*LLMResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	req.Messages = append([]Message(nil), req.Messages...)
	p.requests = append(p.requests, req)
	if len(p.steps) == 0 {
		if p.repeat != nil {
			return p.repeat.resp, p.repeat.err
		}
		return &LLMResponse{Content: "done"}, nil
	}
	step := p.steps[0]
	p.steps = p.steps[1:]
	return step.resp, step.err
}

func (p *scriptedProvider) calls() []LLMRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]LLMRequest(nil), p.requests...)
}

type staticFactory map[string]LLMProvider

func (f staticFactory) NewProvider(profile AuthProfile) (LLMProvider, error) {
	p, ok := f[profile.ID]
	if !ok {
		return nil, fmt.Errorf("no provider for %s", profile.ID)
	}
	return p, nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []TurnEvent
}

func (s *recordingSink) Emit(ev TurnEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) kinds() []EventKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EventKind, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.Kind)
	}
	return out
}

func (s *recordingSink) progress(tool string) []toolexecutor.EventKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []toolexecutor.EventKind
	for _, ev := range s.events {
		if ev.Kind == EventToolProgress && ev.Progress.Tool == tool {
			out = append(out, ev.Progress.Kind)
		}
	}
	return out
}

type runnerFixture struct {
	runner     *Runner
	dispatcher *toolexecutor.Dispatcher
	echoCalls  *int
	mu         sync.Mutex
}

func newRunnerFixture(t *testing.T, factory ProviderCreator, profiles ...AuthProfile) *runnerFixture {
	t.Helper()

	f := &runnerFixture{echoCalls: new(int)}
	catalog := toolexecutor.NewBuiltinCatalog()
	require.NoError(t, catalog.Register(toolexecutor.ToolDefinition{
		Name:        "echo",
		Description: "Echo the message back",
		Toolkit:     "text",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "message", Type: "string", Description: "Text to echo", Required: true},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			f.mu.Lock()
			*f.echoCalls++
			f.mu.Unlock()
			return args["message"], nil
		},
	}))

	var arrived sync.WaitGroup
	arrived.Add(2)
	require.NoError(t, catalog.Register(toolexecutor.ToolDefinition{
		Name:        "rendezvous",
		Description: "Waits for a second concurrent call",
		Toolkit:     "text",
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			arrived.Done()
			done := make(chan struct{})
			go func() {
				arrived.Wait()
				close(done)
			}()
			select {
			case <-done:
				return "together", nil
			case <-time.After(2 * time.Second):
				return "alone", nil
			}
		},
	}))

	f.dispatcher = toolexecutor.NewDispatcher(toolexecutor.DispatcherConfig{
		Registry: toolexecutor.NewRegistry(toolexecutor.RegistryConfig{Builtins: catalog}),
	})
	t.Cleanup(func() { _ = f.dispatcher.Ledger().Close() })

	if len(profiles) == 0 {
		profiles = []AuthProfile{{ID: "primary", Provider: "scripted", Priority: 1}}
	}
	runner, err := NewRunner(Config{
		Dispatcher:      f.dispatcher,
		Logger:          zerolog.Nop(),
		AuthProfiles:    profiles,
		ProviderFactory: factory,
		RetryDelay:      time.Millisecond,
	})
	require.NoError(t, err)
	f.runner = runner
	return f
}

func (f *runnerFixture) echoed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.echoCalls
}

func textRequest(prompt string) TurnRequest {
	cfg := DefaultConfig()
	cfg.Model = "test-model"
	return TurnRequest{
		ThreadID: "thread-1",
		Prompt:   prompt,
		Agent:    cfg,
		Caller:   toolexecutor.CallerAllow{Toolkits: []string{"text"}},
	}
}

func toolNames(specs []toolexecutor.FunctionSpec) []string {
	out := make([]string, 0, len(specs))
	for _, s := range specs {
		out = append(out, s.Name)
	}
	return out
}

func decodeOutput(t *testing.T, content string) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(content), &out))
	return out
}

func TestNewRunner(t *testing.T) {
	t.Run("should fail without dispatcher", func(t *testing.T) {
		_, err := NewRunner(Config{
			AuthProfiles: []AuthProfile{{ID: "test", Provider: "anthropic", APIKey: "key", Priority: 1}},
		})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "dispatcher")
	})

	t.Run("should fail without auth profiles", func(t *testing.T) {
		_, err := NewRunner(Config{Dispatcher: toolexecutor.NewDispatcher(toolexecutor.DispatcherConfig{})})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "auth profile")
	})
}

func TestValidateConfig(t *testing.T) {
	f := newRunnerFixture(t, staticFactory{})

	tests := []struct {
		name    string
		config  AgentConfig
		wantErr string
	}{
		{"valid", AgentConfig{Model: "m", Temperature: 0.7, MaxTokens: 4096, MaxRetries: 3}, ""},
		{"empty model", AgentConfig{}, "model"},
		{"temperature", AgentConfig{Model: "m", Temperature: 1.5}, "temperature"},
		{"max tokens", AgentConfig{Model: "m", MaxTokens: -1}, "max tokens"},
		{"max retries", AgentConfig{Model: "m", MaxRetries: -1}, "max retries"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.runner.validateConfig(tt.config)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRunPlainAnswer(t *testing.T) {
	provider := &scriptedProvider{name: "scripted", steps: []scriptStep{
		{resp: &LLMResponse{Content: "hello there", Usage: &TokenUsage{InputTokens: 3, OutputTokens: 2}}},
	}}
	f := newRunnerFixture(t, staticFactory{"primary": provider})
	sink := &recordingSink{}

	req := textRequest("hi")
	req.History = []Message{{Role: "user", Content: "earlier"}, {Role: "assistant", Content: "noted"}, {Role: "user"}}
	result, err := f.runner.Run(context.Background(), req, sink)
	require.NoError(t, err)

	assert.Equal(t, "hello there", result.Response)
	assert.Equal(t, "thread-1", result.ThreadID)
	assert.Equal(t, 1, result.Rounds)
	assert.Equal(t, &TokenUsage{InputTokens: 3, OutputTokens: 2}, result.Usage)
	assert.Equal(t, []EventKind{EventTurnStarted, EventTurnCompleted}, sink.kinds())

	calls := provider.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "test-model", calls[0].Model)
	assert.Equal(t, "You are a helpful assistant.", calls[0].SystemPrompt)
	assert.Equal(t, []string{"echo", "rendezvous"}, toolNames(calls[0].Tools))
	require.Len(t, calls[0].Messages, 3)
	assert.Equal(t, "hi", calls[0].Messages[2].Content)
	assert.False(t, f.runner.IsRunning("thread-1"))
}

func TestRunDispatchesToolCalls(t *testing.T) {
	provider := &scriptedProvider{name: "scripted", steps: []scriptStep{
		{resp: &LLMResponse{Content: "checking", ToolCalls: []ToolCall{
			{ID: "c1", Name: "echo", Parameters: map[string]interface{}{"message": "hi"}},
			{ID: "c2", Name: "xyz", Parameters: map[string]interface{}{}},
		}}},
		{resp: &LLMResponse{Content: "final"}},
	}}
	f := newRunnerFixture(t, staticFactory{"primary": provider})
	sink := &recordingSink{}

	result, err := f.runner.Run(context.Background(), textRequest("echo hi"), sink)
	require.NoError(t, err)

	assert.Equal(t, "final", result.Response)
	assert.Equal(t, 2, result.Rounds)
	assert.Len(t, result.ToolCalls, 2)
	assert.Equal(t, 1, f.echoed())

	calls := provider.calls()
	require.Len(t, calls, 2)
	msgs := calls[1].Messages
	require.Len(t, msgs, 4)
	assert.Equal(t, "assistant", msgs[1].Role)
	assert.Len(t, msgs[1].ToolCalls, 2)

	assert.Equal(t, "c1", msgs[2].ToolCallID)
	assert.False(t, msgs[2].IsError)
	assert.Equal(t, "hi", decodeOutput(t, msgs[2].Content)["output"])

	assert.Equal(t, "c2", msgs[3].ToolCallID)
	assert.True(t, msgs[3].IsError)
	errBody := decodeOutput(t, msgs[3].Content)["error"].(map[string]interface{})
	assert.Equal(t, string(toolexecutor.ErrUnsupportedTool), errBody["kind"])

	assert.Contains(t, sink.kinds(), EventAssistantMessage)
	assert.Equal(t, []toolexecutor.EventKind{
		toolexecutor.EventLoading, toolexecutor.EventProcessing, toolexecutor.EventSuccess,
	}, sink.progress("echo"))
}

func TestRunAgentCapabilitiesAreUnioned(t *testing.T) {
	provider := &scriptedProvider{name: "scripted", steps: []scriptStep{
		{resp: &LLMResponse{ToolCalls: []ToolCall{
			{ID: "c1", Name: "echo", Parameters: map[string]interface{}{"message": "cap"}},
		}}},
	}}
	f := newRunnerFixture(t, staticFactory{"primary": provider})

	req := textRequest("go")
	req.Caller = toolexecutor.CallerAllow{}
	req.Agent.ID = "echoer"
	req.Agent.Capabilities = &toolexecutor.AgentScope{Tools: []string{"echo"}}

	_, err := f.runner.Run(context.Background(), req, nil)
	require.NoError(t, err)

	calls := provider.calls()
	assert.Equal(t, []string{"echo"}, toolNames(calls[0].Tools))
	assert.Equal(t, 1, f.echoed())
}

func TestRunDeniedToolDoesNotExecute(t *testing.T) {
	provider := &scriptedProvider{name: "scripted", steps: []scriptStep{
		{resp: &LLMResponse{ToolCalls: []ToolCall{
			{ID: "c1", Name: "echo", Parameters: map[string]interface{}{"message": "nope"}},
		}}},
	}}
	f := newRunnerFixture(t, staticFactory{"primary": provider})

	req := textRequest("go")
	req.Caller = toolexecutor.CallerAllow{}

	result, err := f.runner.Run(context.Background(), req, nil)
	require.NoError(t, err)
	assert.Equal(t, "done", result.Response)
	assert.Zero(t, f.echoed())

	calls := provider.calls()
	assert.Empty(t, calls[0].Tools)
	tool := calls[1].Messages[2]
	errBody := decodeOutput(t, tool.Content)["error"].(map[string]interface{})
	assert.Equal(t, string(toolexecutor.ErrPermissionDenied), errBody["kind"])
}

func TestRunToolCallsRunConcurrently(t *testing.T) {
	provider := &scriptedProvider{name: "scripted", steps: []scriptStep{
		{resp: &LLMResponse{ToolCalls: []ToolCall{
			{ID: "a", Name: "rendezvous"},
			{ID: "b", Name: "rendezvous"},
		}}},
	}}
	f := newRunnerFixture(t, staticFactory{"primary": provider})

	_, err := f.runner.Run(context.Background(), textRequest("meet"), nil)
	require.NoError(t, err)

	msgs := provider.calls()[1].Messages
	require.Len(t, msgs, 4)
	assert.Equal(t, "together", decodeOutput(t, msgs[2].Content)["output"])
	assert.Equal(t, "together", decodeOutput(t, msgs[3].Content)["output"])
}

func TestRunStopsAfterMaxRounds(t *testing.T) {
	loop := &LLMResponse{ToolCalls: []ToolCall{{Name: "echo", Parameters: map[string]interface{}{"message": "again"}}}}
	provider := &scriptedProvider{name: "scripted", repeat: &scriptStep{resp: loop}}
	f := newRunnerFixture(t, staticFactory{"primary": provider})
	sink := &recordingSink{}

	_, err := f.runner.Run(context.Background(), textRequest("loop"), sink)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "maximum tool rounds")
	assert.Len(t, provider.calls(), MaxToolRounds)
	assert.Equal(t, MaxToolRounds, f.echoed())
	assert.Contains(t, sink.kinds(), EventTurnFailed)
}

func TestRunFailsOverToNextProfile(t *testing.T) {
	flaky := &scriptedProvider{name: "flaky", repeat: &scriptStep{err: errors.New("503 service unavailable")}}
	backup := &scriptedProvider{name: "backup", steps: []scriptStep{{resp: &LLMResponse{Content: "from backup"}}}}
	f := newRunnerFixture(t, staticFactory{"p1": flaky, "p2": backup},
		AuthProfile{ID: "p2", Provider: "openai", Priority: 2},
		AuthProfile{ID: "p1", Provider: "anthropic", Priority: 1},
	)

	req := textRequest("hi")
	req.Agent.MaxRetries = 2
	result, err := f.runner.Run(context.Background(), req, nil)
	require.NoError(t, err)
	assert.Equal(t, "from backup", result.Response)
	assert.Len(t, flaky.calls(), 2)

	for _, p := range f.runner.Profiles() {
		switch p.ID {
		case "p1":
			assert.Equal(t, 1, p.FailureCount)
			assert.NotNil(t, p.CooldownUntil)
		case "p2":
			assert.Zero(t, p.FailureCount)
			assert.Nil(t, p.CooldownUntil)
		}
	}

	// p1 is cooling down now, so the next turn goes straight to p2.
	_, err = f.runner.Run(context.Background(), req, nil)
	require.NoError(t, err)
	assert.Len(t, flaky.calls(), 2)
}

func TestRunPermanentErrorStopsFailover(t *testing.T) {
	broken := &scriptedProvider{name: "broken", repeat: &scriptStep{err: errors.New("invalid API key")}}
	backup := &scriptedProvider{name: "backup"}
	f := newRunnerFixture(t, staticFactory{"p1": broken, "p2": backup},
		AuthProfile{ID: "p1", Provider: "anthropic", Priority: 1},
		AuthProfile{ID: "p2", Provider: "openai", Priority: 2},
	)

	_, err := f.runner.Run(context.Background(), textRequest("hi"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid API key")
	assert.Len(t, broken.calls(), 1)
	assert.Empty(t, backup.calls())
}

func TestRunRetriesTransientErrors(t *testing.T) {
	provider := &scriptedProvider{name: "scripted", steps: []scriptStep{
		{err: errors.New("429 rate limit")},
		{resp: &LLMResponse{Content: "recovered"}},
	}}
	f := newRunnerFixture(t, staticFactory{"primary": provider})

	result, err := f.runner.Run(context.Background(), textRequest("hi"), nil)
	require.NoError(t, err)
	assert.Equal(t, "recovered", result.Response)
	assert.Len(t, provider.calls(), 2)
}

func TestRunRejectsConcurrentTurnOnThread(t *testing.T) {
	f := newRunnerFixture(t, staticFactory{"primary": &scriptedProvider{name: "scripted"}})

	require.True(t, f.runner.register("thread-1", func() {}))
	_, err := f.runner.Run(context.Background(), textRequest("hi"), nil)
	assert.ErrorIs(t, err, ErrTurnInProgress)
}

func TestRunAbortedContext(t *testing.T) {
	provider := &scriptedProvider{name: "scripted"}
	f := newRunnerFixture(t, staticFactory{"primary": provider})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result, err := f.runner.Run(ctx, textRequest("hi"), nil)
	require.NoError(t, err)
	assert.True(t, result.Aborted)
	assert.Empty(t, provider.calls())
}

func TestSystemPromptIncludesGuidance(t *testing.T) {
	tc := toolexecutor.ConversationTurnContext{Customization: "## Guidance for Jira tools (provider jira)\nUse JQL."}
	prompt := systemPrompt(AgentConfig{SystemPrompt: "You are terse."}, tc)
	assert.Equal(t, "You are terse.\n\n# Tool guidance\n\n## Guidance for Jira tools (provider jira)\nUse JQL.", prompt)

	assert.Equal(t, "You are a helpful assistant.", systemPrompt(AgentConfig{}, toolexecutor.ConversationTurnContext{}))
}

func TestCompactIfNeeded(t *testing.T) {
	f := newRunnerFixture(t, staticFactory{})

	t.Run("should not compact if under limit", func(t *testing.T) {
		messages := []Message{{Role: "user", Content: "Hello"}}
		assert.Len(t, f.runner.compactIfNeeded(messages, 1000), 1)
	})

	t.Run("should compact if over limit", func(t *testing.T) {
		var messages []Message
		for i := 0; i < 30; i++ {
			messages = append(messages, Message{
				Role:    "user",
				Content: fmt.Sprintf("Message %d with some content to increase token count", i),
			})
		}

		result := f.runner.compactIfNeeded(messages, 100)
		require.Len(t, result, 21)
		assert.Contains(t, result[0].Content, "10 messages exchanged")
		assert.Equal(t, messages[29], result[20])
	})
}

func TestAbort(t *testing.T) {
	f := newRunnerFixture(t, staticFactory{})

	t.Run("should handle abort on non-existent thread", func(t *testing.T) {
		assert.NoError(t, f.runner.Abort("non-existent"))
	})

	t.Run("should abort running turn", func(t *testing.T) {
		called := false
		require.True(t, f.runner.register("test-abort", func() { called = true }))
		assert.True(t, f.runner.IsRunning("test-abort"))

		assert.NoError(t, f.runner.Abort("test-abort"))
		assert.True(t, called)
		assert.False(t, f.runner.IsRunning("test-abort"))
	})
}

func TestEstimateTokens(t *testing.T) {
	tokens := EstimateTokens([]Message{
		{Role: "user", Content: "Hello"},
		{Role: "assistant", Content: "Hi there"},
	})
	assert.Greater(t, tokens, 0)
	assert.Less(t, tokens, 100)
	assert.Equal(t, 0, EstimateTokens(nil))
}

func TestIsRetryableError(t *testing.T) {
	assert.True(t, IsRetryableError(fmt.Errorf("ECONNRESET")))
	assert.True(t, IsRetryableError(fmt.Errorf("ETIMEDOUT")))
	assert.True(t, IsRetryableError(fmt.Errorf("429 rate limit")))
	assert.True(t, IsRetryableError(fmt.Errorf("POST: 500 server error")))
	assert.True(t, IsRetryableError(fmt.Errorf("model is Overloaded")))

	assert.False(t, IsRetryableError(fmt.Errorf("invalid API key")))
	assert.False(t, IsRetryableError(fmt.Errorf("validation failed")))
	assert.False(t, IsRetryableError(nil))
}

func TestSortProfilesByPriority(t *testing.T) {
	profiles := []AuthProfile{
		{ID: "low", Priority: 3},
		{ID: "high", Priority: 1},
		{ID: "medium", Priority: 2},
	}

	sortProfilesByPriority(profiles)

	assert.Equal(t, "high", profiles[0].ID)
	assert.Equal(t, "medium", profiles[1].ID)
	assert.Equal(t, "low", profiles[2].ID)
}
