package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harun/conduit/internal/observability"
	"github.com/harun/conduit/internal/tracing"
	"github.com/harun/conduit/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// MaxToolRounds bounds model calls per turn.
const MaxToolRounds = 10

// ErrTurnInProgress is returned when a thread already has a running turn.
var ErrTurnInProgress = errors.New("a turn is already running for this thread")

// Runner orchestrates conversation turns
type Runner struct {
	dispatcher      *toolexecutor.Dispatcher
	logger          zerolog.Logger
	providerFactory ProviderCreator
	retryDelay      time.Duration

	// Auth profiles
	authProfiles []AuthProfile
	authMu       sync.RWMutex

	// Active runs for abort capability
	activeRuns map[string]context.CancelFunc
	runsMu     sync.RWMutex
}

// Config holds runner configuration
type Config struct {
	Dispatcher      *toolexecutor.Dispatcher
	Logger          zerolog.Logger
	AuthProfiles    []AuthProfile
	ProviderFactory ProviderCreator
	// RetryDelay is the first backoff step between model retries. Defaults to 1s.
	RetryDelay time.Duration
}

// NewRunner creates a new turn runner
func NewRunner(cfg Config) (*Runner, error) {
	observability.EnsureRegistered()

	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if len(cfg.AuthProfiles) == 0 {
		return nil, fmt.Errorf("at least one auth profile is required")
	}

	providerFactory := cfg.ProviderFactory
	if providerFactory == nil {
		providerFactory = &ProviderFactory{}
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = time.Second
	}

	return &Runner{
		dispatcher:      cfg.Dispatcher,
		logger:          cfg.Logger,
		providerFactory: providerFactory,
		retryDelay:      retryDelay,
		authProfiles:    append([]AuthProfile(nil), cfg.AuthProfiles...),
		activeRuns:      make(map[string]context.CancelFunc),
	}, nil
}

// Run executes one turn. Events are streamed to sink, which may be nil.
func (r *Runner) Run(ctx context.Context, req TurnRequest, sink EventSink) (TurnResult, error) {
	if sink == nil {
		sink = discardSink{}
	}
	if req.ThreadID == "" {
		req.ThreadID = uuid.NewString()
	}

	ctx = tracing.NewTurnContext(ctx, req.ThreadID, req.Agent.ID)
	ctx, span := tracing.StartSpan(
		ctx,
		"conduit/agent",
		"agent.turn",
		attribute.String("thread_id", req.ThreadID),
		attribute.String("agent_id", req.Agent.ID),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, r.logger)

	if err := r.validateConfig(req.Agent); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return TurnResult{}, fmt.Errorf("invalid configuration: %w", err)
	}

	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !r.register(req.ThreadID, cancel) {
		return TurnResult{}, ErrTurnInProgress
	}
	defer r.unregister(req.ThreadID)

	snap := r.dispatcher.Registry().Load(execCtx)
	tc := toolexecutor.NewTurnContext(req.ThreadID, req.Agent.ID, req.Caller, req.Agent.Capabilities, snap)
	tools := snap.Functions(tc.Permissions, false)
	messages := r.buildMessages(req)

	logger.Info().Int("tools", len(tools)).Msg("Turn started")
	sink.Emit(TurnEvent{ThreadID: req.ThreadID, Kind: EventTurnStarted, Timestamp: time.Now()})

	result, err := r.executeWithFailover(execCtx, tc, messages, tools, req, sink)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error().Err(err).Msg("Turn failed")
		sink.Emit(TurnEvent{ThreadID: req.ThreadID, Kind: EventTurnFailed, Error: err.Error(), Timestamp: time.Now()})
		return TurnResult{}, err
	}

	result.ThreadID = req.ThreadID
	span.SetAttributes(attribute.Int("rounds", result.Rounds))
	sink.Emit(TurnEvent{
		ThreadID:  req.ThreadID,
		Kind:      EventTurnCompleted,
		Round:     result.Rounds,
		Text:      result.Response,
		Timestamp: time.Now(),
	})
	return result, nil
}

// Abort cancels a running turn
func (r *Runner) Abort(threadID string) error {
	r.runsMu.Lock()
	defer r.runsMu.Unlock()

	cancel, exists := r.activeRuns[threadID]
	if !exists {
		r.logger.Debug().Str("thread_id", threadID).Msg("No active turn to abort")
		return nil
	}

	r.logger.Info().Str("thread_id", threadID).Msg("Aborting turn")
	cancel()
	delete(r.activeRuns, threadID)

	return nil
}

// IsRunning checks if a turn is currently running for a thread
func (r *Runner) IsRunning(threadID string) bool {
	r.runsMu.RLock()
	defer r.runsMu.RUnlock()

	_, exists := r.activeRuns[threadID]
	return exists
}

func (r *Runner) register(threadID string, cancel context.CancelFunc) bool {
	r.runsMu.Lock()
	defer r.runsMu.Unlock()
	if _, busy := r.activeRuns[threadID]; busy {
		return false
	}
	r.activeRuns[threadID] = cancel
	return true
}

func (r *Runner) unregister(threadID string) {
	r.runsMu.Lock()
	delete(r.activeRuns, threadID)
	r.runsMu.Unlock()
}

// validateConfig validates agent configuration
func (r *Runner) validateConfig(config AgentConfig) error {
	if config.Model == "" {
		return fmt.Errorf("model cannot be empty")
	}
	if config.Temperature < 0 || config.Temperature > 1 {
		return fmt.Errorf("temperature must be between 0 and 1")
	}
	if config.MaxTokens < 0 {
		return fmt.Errorf("max tokens cannot be negative")
	}
	if config.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	return nil
}

// buildMessages constructs the conversation for the model. The system
// prompt travels separately, see systemPrompt.
func (r *Runner) buildMessages(req TurnRequest) []Message {
	messages := make([]Message, 0, len(req.History)+1)
	for _, msg := range req.History {
		if msg.Role == "" || msg.Content == "" {
			continue
		}
		messages = append(messages, Message{Role: msg.Role, Content: msg.Content})
	}
	messages = append(messages, Message{Role: "user", Content: req.Prompt})

	return r.compactIfNeeded(messages, req.Agent.MaxTokens)
}

// systemPrompt appends the turn's provider guidance to the agent prompt.
func systemPrompt(agent AgentConfig, tc toolexecutor.ConversationTurnContext) string {
	prompt := agent.SystemPrompt
	if prompt == "" {
		prompt = "You are a helpful assistant."
	}
	if tc.Customization != "" {
		prompt += "\n\n# Tool guidance\n\n" + tc.Customization
	}
	return prompt
}

// compactIfNeeded keeps the most recent messages when history exceeds the
// token limit.
func (r *Runner) compactIfNeeded(messages []Message, maxTokens int) []Message {
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	tokenCount := EstimateTokens(messages)
	if tokenCount <= maxTokens {
		return messages
	}

	const recentCount = 20
	if len(messages) <= recentCount {
		return messages
	}

	r.logger.Info().
		Int("token_count", tokenCount).
		Int("max_tokens", maxTokens).
		Msg("Compacting context")

	olderCount := len(messages) - recentCount
	result := []Message{{
		Role:    "user",
		Content: fmt.Sprintf("[Previous conversation summary: %d messages exchanged]", olderCount),
	}}
	return append(result, messages[olderCount:]...)
}

// executeWithFailover executes with auth profile failover
func (r *Runner) executeWithFailover(ctx context.Context, tc toolexecutor.ConversationTurnContext, messages []Message, tools []toolexecutor.FunctionSpec, req TurnRequest, sink EventSink) (TurnResult, error) {
	r.authMu.RLock()
	profiles := make([]AuthProfile, len(r.authProfiles))
	copy(profiles, r.authProfiles)
	r.authMu.RUnlock()
	logger := tracing.LoggerFromContext(ctx, r.logger)

	sortProfilesByPriority(profiles)

	var lastErr error

	for _, profile := range profiles {
		profileStart := time.Now()
		if profile.CooldownUntil != nil && time.Now().UnixMilli() < *profile.CooldownUntil {
			observability.SetProviderCooldown(profile.Provider, true)
			logger.Debug().Str("profile_id", profile.ID).Msg("Skipping profile in cooldown")
			continue
		}

		logger.Info().Str("profile_id", profile.ID).Msg("Trying auth profile")

		provider, err := r.providerFactory.NewProvider(profile)
		if err != nil {
			lastErr = err
			observability.RecordTurn(profile.Provider, time.Since(profileStart), false)
			logger.Warn().Str("profile_id", profile.ID).Err(err).Msg("Failed to create provider")
			continue
		}

		result, err := r.executeWithProvider(ctx, provider, tc, messages, tools, req, sink)
		if err == nil {
			r.updateProfileSuccess(profile.ID)
			observability.RecordTurn(profile.Provider, time.Since(profileStart), true)
			return result, nil
		}

		lastErr = err
		observability.RecordTurn(profile.Provider, time.Since(profileStart), false)
		logger.Warn().Str("profile_id", profile.ID).Err(err).Msg("Auth profile failed")

		r.updateProfileFailure(profile.ID)

		if !IsRetryableError(err) {
			return TurnResult{}, err
		}
	}

	if lastErr == nil {
		lastErr = errors.New("every profile is cooling down")
	}
	logger.Error().Err(lastErr).Msg("All auth profiles failed")
	return TurnResult{}, fmt.Errorf("all auth profiles failed: %w", lastErr)
}

// executeWithProvider executes with a specific LLM provider
func (r *Runner) executeWithProvider(ctx context.Context, provider LLMProvider, tc toolexecutor.ConversationTurnContext, messages []Message, tools []toolexecutor.FunctionSpec, req TurnRequest, sink EventSink) (TurnResult, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		"conduit/agent",
		"agent.execute_with_provider",
		attribute.String("provider", provider.Provider()),
	)
	defer span.End()

	result, err := r.executeWithTools(ctx, provider, tc, messages, tools, req, sink)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return result, err
}

// executeWithTools handles the tool execution loop
func (r *Runner) executeWithTools(ctx context.Context, provider LLMProvider, tc toolexecutor.ConversationTurnContext, messages []Message, tools []toolexecutor.FunctionSpec, req TurnRequest, sink EventSink) (TurnResult, error) {
	current := append([]Message(nil), messages...)
	allToolCalls := []ToolCall{}
	system := systemPrompt(req.Agent, tc)
	var usage *TokenUsage

	for round := 1; round <= MaxToolRounds; round++ {
		select {
		case <-ctx.Done():
			return TurnResult{Aborted: true, ToolCalls: allToolCalls, Usage: usage, Rounds: round - 1}, nil
		default:
		}

		response, err := r.callLLMWithRetry(ctx, provider, LLMRequest{
			Model:        req.Agent.Model,
			Messages:     current,
			Tools:        tools,
			Temperature:  req.Agent.Temperature,
			MaxTokens:    req.Agent.MaxTokens,
			SystemPrompt: system,
		}, req.Agent.MaxRetries)
		if err != nil {
			if ctx.Err() != nil {
				return TurnResult{Aborted: true, ToolCalls: allToolCalls, Usage: usage, Rounds: round - 1}, nil
			}
			return TurnResult{}, err
		}
		usage = usage.add(response.Usage)

		if len(response.ToolCalls) == 0 {
			return TurnResult{
				Response:  response.Content,
				ToolCalls: allToolCalls,
				Usage:     usage,
				Rounds:    round,
			}, nil
		}

		if response.Content != "" {
			sink.Emit(TurnEvent{ThreadID: tc.ThreadID, Kind: EventAssistantMessage, Round: round, Text: response.Content, Timestamp: time.Now()})
		}

		calls := response.ToolCalls
		for i := range calls {
			if calls[i].ID == "" {
				calls[i].ID = uuid.NewString()
			}
		}
		results := r.dispatchAll(ctx, tc, round, calls, sink)

		current = append(current, Message{
			Role:      "assistant",
			Content:   response.Content,
			ToolCalls: calls,
		})
		for _, res := range results {
			current = append(current, Message{
				Role:       "tool",
				Content:    res.Content,
				ToolCallID: res.ToolCallID,
				IsError:    res.IsError,
			})
		}

		allToolCalls = append(allToolCalls, calls...)
	}

	return TurnResult{}, fmt.Errorf("maximum tool rounds (%d) exceeded", MaxToolRounds)
}

// dispatchAll runs every call of one model response concurrently and
// returns the results in call order.
func (r *Runner) dispatchAll(ctx context.Context, tc toolexecutor.ConversationTurnContext, round int, calls []ToolCall, sink EventSink) []ToolResult {
	results := make([]ToolResult, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call ToolCall) {
			defer wg.Done()
			results[i] = r.dispatchOne(ctx, tc, round, call, sink)
		}(i, call)
	}
	wg.Wait()
	return results
}

func (r *Runner) dispatchOne(ctx context.Context, tc toolexecutor.ConversationTurnContext, round int, call ToolCall, sink EventSink) ToolResult {
	invocation := toolexecutor.ToolCall{
		ID:    tc.ThreadID + ":" + call.ID,
		Name:  call.Name,
		Args:  call.Parameters,
		Owner: tc.Owner(),
	}

	var terminal *toolexecutor.ProgressEvent
	for ev := range r.dispatcher.Dispatch(ctx, invocation, tc.Permissions) {
		if ev.Terminal() {
			terminal = &ev
		}
		sink.Emit(TurnEvent{ThreadID: tc.ThreadID, Kind: EventToolProgress, Round: round, Progress: &ev, Timestamp: ev.Timestamp})
	}

	return ToolResult{
		ToolCallID: call.ID,
		Content:    toolexecutor.ModelOutput(terminal),
		IsError:    terminal == nil || terminal.Kind == toolexecutor.EventError,
	}
}

// callLLMWithRetry calls LLM with exponential backoff retry
func (r *Runner) callLLMWithRetry(ctx context.Context, provider LLMProvider, request LLMRequest, maxRetries int) (*LLMResponse, error) {
	if maxRetries <= 0 {
		maxRetries = 3
	}

	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		response, err := provider.Call(ctx, request)
		if err == nil {
			return response, nil
		}

		lastErr = err

		if !IsRetryableError(err) {
			return nil, err
		}

		if attempt == maxRetries-1 {
			break
		}

		delay := r.retryDelay * time.Duration(1<<attempt)
		r.logger.Info().
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("Retrying after error")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, fmt.Errorf("max retries (%d) exceeded: %w", maxRetries, lastErr)
}

// updateProfileSuccess resets failure count for a profile
func (r *Runner) updateProfileSuccess(profileID string) {
	r.authMu.Lock()
	defer r.authMu.Unlock()

	for i := range r.authProfiles {
		if r.authProfiles[i].ID == profileID {
			r.authProfiles[i].FailureCount = 0
			r.authProfiles[i].CooldownUntil = nil
			observability.SetProviderCooldown(r.authProfiles[i].Provider, false)
			break
		}
	}
}

// updateProfileFailure marks a profile as failed
func (r *Runner) updateProfileFailure(profileID string) {
	r.authMu.Lock()
	defer r.authMu.Unlock()

	for i := range r.authProfiles {
		if r.authProfiles[i].ID == profileID {
			r.authProfiles[i].FailureCount++
			cooldownMs := time.Now().UnixMilli() + int64(60000*r.authProfiles[i].FailureCount)
			r.authProfiles[i].CooldownUntil = &cooldownMs
			observability.SetProviderCooldown(r.authProfiles[i].Provider, true)
			break
		}
	}
}

// Profiles returns a copy of the auth profiles with their cooldown state.
func (r *Runner) Profiles() []AuthProfile {
	r.authMu.RLock()
	defer r.authMu.RUnlock()
	return append([]AuthProfile(nil), r.authProfiles...)
}

// sortProfilesByPriority sorts profiles by priority (lower = higher priority)
func sortProfilesByPriority(profiles []AuthProfile) {
	sort.SliceStable(profiles, func(i, j int) bool {
		return profiles[i].Priority < profiles[j].Priority
	})
}
