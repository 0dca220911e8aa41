package tracing

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewTraceID(t *testing.T) {
	id1 := NewTraceID()
	id2 := NewTraceID()

	if id1 == "" {
		t.Error("NewTraceID returned empty string")
	}
	if id1 == id2 {
		t.Error("NewTraceID returned duplicate IDs")
	}
}

func TestNewTurnContext(t *testing.T) {
	ctx := NewTurnContext(context.Background(), "thread-1", "charts")

	if GetTraceID(ctx) == "" {
		t.Error("expected a trace id")
	}
	if got := GetThreadID(ctx); got != "thread-1" {
		t.Errorf("expected thread-1, got %s", got)
	}
	if got := GetAgentID(ctx); got != "charts" {
		t.Errorf("expected charts, got %s", got)
	}

	existing := WithTraceID(context.Background(), "fixed")
	if got := GetTraceID(NewTurnContext(existing, "t", "")); got != "fixed" {
		t.Errorf("expected trace id to be kept, got %s", got)
	}
}

func TestLoggerFromContext(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := WithInvocationID(WithThreadID(context.Background(), "thread-9"), "inv-3")
	logger := LoggerFromContext(ctx, base)
	logger.Info().Msg("dispatch")

	out := buf.String()
	if !strings.Contains(out, `"thread_id":"thread-9"`) {
		t.Errorf("missing thread_id in %s", out)
	}
	if !strings.Contains(out, `"invocation_id":"inv-3"`) {
		t.Errorf("missing invocation_id in %s", out)
	}
	if strings.Contains(out, "trace_id") {
		t.Errorf("unexpected trace_id in %s", out)
	}
}

func TestStartSpan(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "conduit/test", "op")
	defer span.End()

	if ctx == nil {
		t.Fatal("nil context")
	}
}
