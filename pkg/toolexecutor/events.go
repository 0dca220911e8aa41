package toolexecutor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// EventKind is the variant of a ProgressEvent.
type EventKind string

const (
	EventAwaitingConfirmation EventKind = "awaiting_confirmation"
	EventLoading              EventKind = "loading"
	EventProcessing           EventKind = "processing"
	EventSuccess              EventKind = "success"
	EventError                EventKind = "error"
	EventRejected             EventKind = "rejected"
)

// Terminal reports whether the kind ends a dispatch stream.
func (k EventKind) Terminal() bool {
	return k == EventSuccess || k == EventError || k == EventRejected
}

// ProgressEvent is one element of a dispatch stream. A stream is
// loading, processing..., then exactly one of success, error or rejected.
// Gated calls emit awaiting_confirmation before loading.
type ProgressEvent struct {
	InvocationID string               `json:"invocation_id"`
	Tool         string               `json:"tool"`
	Source       SourceKind           `json:"source,omitempty"`
	Kind         EventKind            `json:"kind"`
	Seq          int                  `json:"seq"`
	Message      string               `json:"message,omitempty"`
	Output       interface{}          `json:"output,omitempty"`
	Truncated    bool                 `json:"truncated,omitempty"`
	Materialize  bool                 `json:"materialize,omitempty"`
	Error        *ToolError           `json:"error,omitempty"`
	Rejection    *Rejection           `json:"rejection,omitempty"`
	Confirmation *ConfirmationRequest `json:"confirmation,omitempty"`
	Replayed     bool                 `json:"replayed,omitempty"`
	Timestamp    time.Time            `json:"timestamp"`
}

// Terminal reports whether the event ends its stream.
func (e ProgressEvent) Terminal() bool {
	return e.Kind.Terminal()
}

// ArtifactSink renders success results flagged Materialize. The dispatcher
// calls it once per executed invocation, after the success event; replays
// do not call it again.
type ArtifactSink interface {
	Materialize(ctx context.Context, ev ProgressEvent)
}

// ArtifactSinkFunc adapts a function to ArtifactSink.
type ArtifactSinkFunc func(ctx context.Context, ev ProgressEvent)

func (f ArtifactSinkFunc) Materialize(ctx context.Context, ev ProgressEvent) { f(ctx, ev) }

// Collect drains a dispatch stream and returns every event and the terminal one.
func Collect(events <-chan ProgressEvent) ([]ProgressEvent, *ProgressEvent) {
	var all []ProgressEvent
	var terminal *ProgressEvent
	for ev := range events {
		all = append(all, ev)
		if ev.Terminal() {
			e := ev
			terminal = &e
		}
	}
	return all, terminal
}

// ModelOutput renders a terminal event as the JSON text a model reads back:
// {"output":...} on success, {"rejected":...} after a declined
// confirmation, {"error":{"kind","message"}} otherwise.
func ModelOutput(ev *ProgressEvent) string {
	if ev == nil {
		return ErrorOutput(ErrToolExecution, "tool call ended without a result")
	}
	switch ev.Kind {
	case EventSuccess:
		out := map[string]interface{}{"output": ev.Output}
		if ev.Truncated {
			out["truncated"] = true
		}
		encoded := encodeOutput(out)
		if ev.Materialize && len(encoded) > defaultMaxOutput {
			// The artifact keeps its full payload; the model gets a bounded view.
			raw := encodeOutput(ev.Output)
			return encodeOutput(map[string]interface{}{
				"output":       cutAtRune(raw, defaultMaxOutput) + truncationMarker,
				"truncated":    true,
				"materialized": true,
			})
		}
		return encoded
	case EventRejected:
		return encodeOutput(map[string]interface{}{"rejected": ev.Rejection})
	default:
		if ev.Error != nil {
			return ErrorOutput(ev.Error.Kind, ev.Error.Message)
		}
		return ErrorOutput(ErrToolExecution, "")
	}
}

// ErrorOutput renders a failure in the same shape as ModelOutput.
func ErrorOutput(kind ErrorKind, message string) string {
	body := map[string]interface{}{"kind": kind}
	if message != "" {
		body["message"] = message
	}
	return encodeOutput(map[string]interface{}{"error": body})
}

func encodeOutput(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf(`{"error":{"kind":%q,"message":%q}}`, ErrToolExecution, err.Error())
	}
	return string(data)
}
