package gateway

import (
	"context"
	"time"

	"github.com/harun/conduit/internal/tracing"
	"github.com/harun/conduit/pkg/toolexecutor"
)

// ConfirmationForwarder pushes new confirmation requests to clients. The
// client running the owning thread gets it; otherwise every authenticated
// client does, so an HTTP-started turn can still be approved over /ws.
type ConfirmationForwarder struct {
	server *Server
}

// NewConfirmationForwarder creates a forwarder bound to server.
func NewConfirmationForwarder(server *Server) *ConfirmationForwarder {
	return &ConfirmationForwarder{server: server}
}

// ConfirmationRequested implements toolexecutor.ConfirmationNotifier.
func (f *ConfirmationForwarder) ConfirmationRequested(ctx context.Context, req toolexecutor.ConfirmationRequest) {
	msg := EventMessage{
		Event:     EventConfirmationRequired,
		Stream:    StreamTypeTool,
		Phase:     "awaiting_confirmation",
		ThreadID:  req.Owner,
		RunID:     req.Owner,
		TraceID:   tracing.GetTraceID(ctx),
		Data:      req,
		Timestamp: time.Now().UnixMilli(),
	}

	if req.Owner != "" {
		if client, ok := f.server.clients.FindByThread(req.Owner); ok {
			if f.server.broadcaster.BroadcastToClient(client.ID, msg) {
				return
			}
		}
	}

	f.server.logger.Debug().
		Str("invocation_id", req.InvocationID).
		Str("tool", req.Tool).
		Msg("Broadcasting confirmation request")
	f.server.broadcaster.BroadcastTyped(msg)
}
