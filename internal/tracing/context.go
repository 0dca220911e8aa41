package tracing

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type contextKey string

const (
	traceIDKey      contextKey = "trace_id"
	threadIDKey     contextKey = "thread_id"
	agentIDKey      contextKey = "agent_id"
	invocationIDKey contextKey = "invocation_id"
)

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceIDKey, id)
}

func WithThreadID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, threadIDKey, id)
}

func WithAgentID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, agentIDKey, id)
}

func WithInvocationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, invocationIDKey, id)
}

func GetTraceID(ctx context.Context) string      { return stringValue(ctx, traceIDKey) }
func GetThreadID(ctx context.Context) string     { return stringValue(ctx, threadIDKey) }
func GetAgentID(ctx context.Context) string      { return stringValue(ctx, agentIDKey) }
func GetInvocationID(ctx context.Context) string { return stringValue(ctx, invocationIDKey) }

func stringValue(ctx context.Context, key contextKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// NewTurnContext starts a trace for one conversation turn.
func NewTurnContext(ctx context.Context, threadID, agentID string) context.Context {
	if GetTraceID(ctx) == "" {
		ctx = WithTraceID(ctx, NewTraceID())
	}
	ctx = WithThreadID(ctx, threadID)
	if agentID != "" {
		ctx = WithAgentID(ctx, agentID)
	}
	return ctx
}

// LoggerFromContext enriches base with the ids carried by ctx.
func LoggerFromContext(ctx context.Context, base zerolog.Logger) zerolog.Logger {
	lc := base.With()
	if v := GetTraceID(ctx); v != "" {
		lc = lc.Str("trace_id", v)
	}
	if v := GetThreadID(ctx); v != "" {
		lc = lc.Str("thread_id", v)
	}
	if v := GetAgentID(ctx); v != "" {
		lc = lc.Str("agent_id", v)
	}
	if v := GetInvocationID(ctx); v != "" {
		lc = lc.Str("invocation_id", v)
	}
	return lc.Logger()
}
