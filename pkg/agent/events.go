package agent

import (
	"time"

	"github.com/harun/conduit/pkg/toolexecutor"
)

// EventKind is the variant of a TurnEvent.
type EventKind string

const (
	EventTurnStarted      EventKind = "turn_started"
	EventAssistantMessage EventKind = "assistant_message"
	EventToolProgress     EventKind = "tool_progress"
	EventTurnCompleted    EventKind = "turn_completed"
	EventTurnFailed       EventKind = "turn_failed"
)

// TurnEvent is streamed to the caller while a turn runs.
type TurnEvent struct {
	ThreadID  string                      `json:"thread_id"`
	Kind      EventKind                   `json:"kind"`
	Round     int                         `json:"round,omitempty"`
	Text      string                      `json:"text,omitempty"`
	Progress  *toolexecutor.ProgressEvent `json:"progress,omitempty"`
	Error     string                      `json:"error,omitempty"`
	Timestamp time.Time                   `json:"timestamp"`
}

// EventSink receives turn events. Emit may be called from several
// goroutines when tool calls run concurrently.
type EventSink interface {
	Emit(TurnEvent)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(TurnEvent)

func (f EventSinkFunc) Emit(ev TurnEvent) { f(ev) }

type discardSink struct{}

func (discardSink) Emit(TurnEvent) {}
