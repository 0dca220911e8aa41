package gateway

import (
	"context"
	"time"

	"github.com/harun/conduit/internal/tracing"
	"github.com/harun/conduit/pkg/toolexecutor"
)

// ArtifactForwarder delivers materialized tool results to the client that
// ran the turn, or to every authenticated client for HTTP-started turns.
type ArtifactForwarder struct {
	server *Server
}

// NewArtifactForwarder creates a forwarder bound to server.
func NewArtifactForwarder(server *Server) *ArtifactForwarder {
	return &ArtifactForwarder{server: server}
}

// Materialize implements toolexecutor.ArtifactSink.
func (f *ArtifactForwarder) Materialize(ctx context.Context, ev toolexecutor.ProgressEvent) {
	threadID := tracing.GetThreadID(ctx)
	msg := EventMessage{
		Event:     EventArtifact,
		Stream:    StreamTypeTool,
		Phase:     "artifact",
		ThreadID:  threadID,
		RunID:     threadID,
		TraceID:   tracing.GetTraceID(ctx),
		Data:      ev,
		Timestamp: time.Now().UnixMilli(),
	}

	if clientID := clientIDFromContext(ctx); clientID != "" {
		if f.server.broadcaster.BroadcastToClient(clientID, msg) {
			return
		}
	}
	f.server.logger.Debug().
		Str("invocation_id", ev.InvocationID).
		Str("tool", ev.Tool).
		Msg("Broadcasting artifact")
	f.server.broadcaster.BroadcastTyped(msg)
}
