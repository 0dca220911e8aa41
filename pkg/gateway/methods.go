package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harun/conduit/internal/tracing"
	"github.com/harun/conduit/pkg/agent"
	"github.com/harun/conduit/pkg/toolexecutor"
)

// registerBuiltinMethods registers all built-in RPC methods
func (s *Server) registerBuiltinMethods() {
	_ = s.RegisterMethod("turn.run", s.handleTurnRun)
	_ = s.RegisterMethod("turn.abort", s.handleTurnAbort)
	_ = s.RegisterMethod("tools.list", s.handleToolsList)
	_ = s.RegisterMethod("tool.pending", s.handleToolPending)
	_ = s.RegisterMethod("tool.confirm", s.handleToolConfirm)
	_ = s.RegisterMethod("invocations.get", s.handleInvocationGet)
	_ = s.RegisterMethod("providers.status", s.handleProvidersStatus)
	_ = s.RegisterMethod("providers.refresh", s.handleProvidersRefresh)
}

type turnRunParams struct {
	ThreadID string                    `json:"thread_id"`
	Prompt   string                    `json:"prompt"`
	AgentID  string                    `json:"agent_id"`
	History  []agent.Message           `json:"history"`
	Caller   *toolexecutor.CallerAllow `json:"caller"`
}

type threadParams struct {
	ThreadID string `json:"thread_id"`
}

type toolsListParams struct {
	AgentID        string                    `json:"agent_id"`
	Caller         *toolexecutor.CallerAllow `json:"caller"`
	IncludeControl bool                      `json:"include_control"`
}

type confirmParams struct {
	InvocationID string `json:"invocation_id"`
	Approved     bool   `json:"approved"`
	Reason       string `json:"reason"`
}

type invocationParams struct {
	InvocationID string `json:"invocation_id"`
}

type providerParams struct {
	ProviderID string `json:"provider_id"`
}

// decodeParams maps the generic params object onto a typed struct.
func decodeParams(params map[string]interface{}, dst interface{}) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return invalidParams("params are not serializable: %v", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return invalidParams("invalid params: %v", err)
	}
	return nil
}

func invalidParams(format string, args ...interface{}) *RPCError {
	return &RPCError{Code: InvalidParams, Message: fmt.Sprintf(format, args...)}
}

// resolveAgent returns the agent config for id, or the defaults when id is empty.
func (s *Server) resolveAgent(id string) (agent.AgentConfig, error) {
	if id == "" {
		cfg := agent.DefaultConfig()
		if s.agents != nil {
			if def, ok := s.agents(""); ok {
				cfg = def
			}
		}
		return cfg, nil
	}
	if s.agents == nil {
		return agent.AgentConfig{}, invalidParams("unknown agent %q", id)
	}
	cfg, ok := s.agents(id)
	if !ok {
		return agent.AgentConfig{}, invalidParams("unknown agent %q", id)
	}
	return cfg, nil
}

func (s *Server) callerOrDefault(caller *toolexecutor.CallerAllow) toolexecutor.CallerAllow {
	if caller != nil {
		return *caller
	}
	return toolexecutor.CallerAllow{Toolkits: append([]string(nil), s.defaultToolkits...)}
}

// handleTurnRun runs one conversation turn and streams its events to the
// requesting client.
func (s *Server) handleTurnRun(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	var p turnRunParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	p.ThreadID = strings.TrimSpace(p.ThreadID)
	if p.ThreadID == "" {
		return nil, invalidParams("thread_id is required")
	}
	if strings.TrimSpace(p.Prompt) == "" {
		return nil, invalidParams("prompt is required")
	}

	cfg, err := s.resolveAgent(p.AgentID)
	if err != nil {
		return nil, err
	}

	clientID := clientIDFromContext(ctx)
	if client, ok := s.clients.Get(clientID); ok {
		client.trackThread(p.ThreadID)
		defer client.untrackThread(p.ThreadID)
	}

	ctx = tracing.WithThreadID(ctx, p.ThreadID)
	result, err := s.runner.Run(ctx, agent.TurnRequest{
		ThreadID: p.ThreadID,
		Prompt:   p.Prompt,
		History:  p.History,
		Agent:    cfg,
		Caller:   s.callerOrDefault(p.Caller),
	}, s.turnSink(ctx, clientID))
	if err != nil {
		if errors.Is(err, agent.ErrTurnInProgress) {
			return nil, &RPCError{Code: InvalidRequest, Message: err.Error()}
		}
		return nil, fmt.Errorf("turn failed: %w", err)
	}

	return result, nil
}

// turnSink maps turn events onto gateway events. Without a websocket client
// (plain HTTP RPC) nothing is streamed.
func (s *Server) turnSink(ctx context.Context, clientID string) agent.EventSink {
	if clientID == "" {
		return agent.EventSinkFunc(func(agent.TurnEvent) {})
	}
	traceID := tracing.GetTraceID(ctx)

	return agent.EventSinkFunc(func(ev agent.TurnEvent) {
		msg := EventMessage{
			ThreadID:  ev.ThreadID,
			RunID:     ev.ThreadID,
			TraceID:   traceID,
			Timestamp: ev.Timestamp.UnixMilli(),
		}
		switch ev.Kind {
		case agent.EventToolProgress:
			if ev.Progress == nil {
				return
			}
			msg.Event = EventToolProgress
			msg.Stream = StreamTypeTool
			msg.Phase = string(ev.Progress.Kind)
			msg.Data = ev.Progress
		case agent.EventAssistantMessage:
			msg.Event = EventTurnMessage
			msg.Stream = StreamTypeAssistant
			msg.Phase = "message"
			msg.Data = map[string]interface{}{"round": ev.Round, "content": ev.Text}
		case agent.EventTurnStarted:
			msg.Event = EventTurnStarted
			msg.Stream = StreamTypeLifecycle
			msg.Phase = "start"
			msg.Data = map[string]interface{}{}
		case agent.EventTurnCompleted:
			msg.Event = EventTurnCompleted
			msg.Stream = StreamTypeLifecycle
			msg.Phase = "end"
			msg.Data = map[string]interface{}{"rounds": ev.Round}
		case agent.EventTurnFailed:
			msg.Event = EventTurnFailed
			msg.Stream = StreamTypeLifecycle
			msg.Phase = "error"
			msg.Data = map[string]interface{}{"error": ev.Error}
		default:
			return
		}
		s.broadcaster.BroadcastToClient(clientID, msg)
	})
}

// handleTurnAbort cancels a running turn and declines its pending confirmations.
func (s *Server) handleTurnAbort(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	var p threadParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.ThreadID == "" {
		return nil, invalidParams("thread_id is required")
	}

	if err := s.runner.Abort(p.ThreadID); err != nil {
		return nil, fmt.Errorf("failed to abort turn: %w", err)
	}
	abandoned := s.dispatcher.Gate().Abandon(p.ThreadID)

	return map[string]interface{}{
		"success":   true,
		"abandoned": abandoned,
	}, nil
}

// handleToolsList returns the model-facing function specs. With a caller or
// agent the list is narrowed to that turn's permission set.
func (s *Server) handleToolsList(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	var p toolsListParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	snap := s.dispatcher.Registry().Snapshot()

	var specs []toolexecutor.FunctionSpec
	if p.Caller == nil && p.AgentID == "" {
		specs = toolexecutor.FunctionSpecs(snap.Tools, p.IncludeControl)
	} else {
		cfg, err := s.resolveAgent(p.AgentID)
		if err != nil {
			return nil, err
		}
		perms := toolexecutor.Resolve(s.callerOrDefault(p.Caller), cfg.Capabilities)
		specs = snap.Functions(perms, p.IncludeControl)
	}

	return map[string]interface{}{
		"tools":     specs,
		"loaded_at": snap.LoadedAt,
	}, nil
}

// handleToolPending lists confirmations waiting for a decision.
func (s *Server) handleToolPending(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	var p threadParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"confirmations": s.dispatcher.Gate().Pending(p.ThreadID),
	}, nil
}

// handleToolConfirm approves or declines a pending confirmation.
func (s *Server) handleToolConfirm(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	if _, ok := params["approved"].(bool); !ok {
		return nil, invalidParams("approved is required and must be a boolean")
	}
	var p confirmParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.InvocationID == "" {
		return nil, invalidParams("invocation_id is required")
	}

	err := s.dispatcher.Confirm(p.InvocationID, toolexecutor.Decision{
		Approved: p.Approved,
		Reason:   p.Reason,
		Actor:    actorFromContext(ctx),
	})
	switch {
	case errors.Is(err, toolexecutor.ErrConfirmationNotFound), errors.Is(err, toolexecutor.ErrConfirmationResolved):
		return nil, invalidParams("%s: %s", err.Error(), p.InvocationID)
	case err != nil:
		return nil, err
	}

	return map[string]interface{}{
		"success":       true,
		"invocation_id": p.InvocationID,
		"approved":      p.Approved,
	}, nil
}

// handleInvocationGet reports a live invocation's state or a finished one's record.
func (s *Server) handleInvocationGet(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	var p invocationParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.InvocationID == "" {
		return nil, invalidParams("invocation_id is required")
	}

	ledger := s.dispatcher.Ledger()
	if inv, ok := ledger.Invocation(p.InvocationID); ok {
		return map[string]interface{}{
			"invocation_id": inv.ID,
			"tool":          inv.ToolName,
			"state":         inv.State(),
			"history":       inv.History(),
			"running":       true,
		}, nil
	}

	rec, ok, err := ledger.Record(ctx, p.InvocationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load invocation: %w", err)
	}
	if !ok {
		return nil, invalidParams("invocation %s not found", p.InvocationID)
	}
	return rec, nil
}

// handleProvidersStatus lists every external provider binding.
func (s *Server) handleProvidersStatus(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{
		"providers":  s.dispatcher.Registry().Bindings(),
		"checked_at": time.Now().UTC(),
	}, nil
}

// handleProvidersRefresh reconnects one provider and returns its new state.
func (s *Server) handleProvidersRefresh(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	var p providerParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.ProviderID == "" {
		return nil, invalidParams("provider_id is required")
	}

	registry := s.dispatcher.Registry()
	refreshErr := registry.Refresh(ctx, p.ProviderID)

	for _, info := range registry.Bindings() {
		if info.ProviderID == p.ProviderID {
			result := map[string]interface{}{"provider": info, "success": refreshErr == nil}
			if refreshErr != nil {
				result["error"] = refreshErr.Error()
			}
			return result, nil
		}
	}
	return nil, invalidParams("provider %s not found", p.ProviderID)
}
