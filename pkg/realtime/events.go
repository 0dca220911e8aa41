package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Outbound event types.
const (
	EventSessionUpdate          = "session.update"
	EventConversationItemCreate = "conversation.item.create"
	EventResponseCreate         = "response.create"
)

// Inbound event types.
const (
	EventSessionCreated            = "session.created"
	EventSessionUpdated            = "session.updated"
	EventInputTranscriptionDelta   = "conversation.item.input_audio_transcription.delta"
	EventInputTranscriptionDone    = "conversation.item.input_audio_transcription.completed"
	EventOutputTranscriptDelta     = "response.output_audio_transcript.delta"
	EventOutputTranscriptDone      = "response.output_audio_transcript.done"
	EventFunctionCallArgumentsDone = "response.function_call_arguments.done"
	EventSpeechStarted             = "input_audio_buffer.speech_started"
	EventSpeechStopped             = "input_audio_buffer.speech_stopped"
	EventOutputAudioStarted        = "output_audio_buffer.started"
	EventOutputAudioStopped        = "output_audio_buffer.stopped"
	EventResponseDone              = "response.done"
	EventError                     = "error"
)

// ErrMalformedEvent marks an inbound frame that could not be decoded.
// Malformed frames are logged and skipped.
var ErrMalformedEvent = errors.New("malformed realtime event")

// ClientEvent is one outbound frame.
type ClientEvent struct {
	Type    string            `json:"type"`
	EventID string            `json:"event_id,omitempty"`
	Session *SessionConfig    `json:"session,omitempty"`
	Item    *ConversationItem `json:"item,omitempty"`
}

// SessionConfig is the payload of session.update. Each handshake step
// fills a different part of it; the fallback fills all of them.
type SessionConfig struct {
	Type         string         `json:"type,omitempty"`
	Instructions string         `json:"instructions,omitempty"`
	Tools        []FunctionTool `json:"tools,omitempty"`
	ToolChoice   string         `json:"tool_choice,omitempty"`
	Audio        *AudioConfig   `json:"audio,omitempty"`
}

// FunctionTool is a tool in the realtime wire format.
type FunctionTool struct {
	Type        string                 `json:"type"`
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// AudioConfig holds the audio half of the session configuration.
type AudioConfig struct {
	Input  *AudioInput  `json:"input,omitempty"`
	Output *AudioOutput `json:"output,omitempty"`
}

type AudioInput struct {
	Transcription *Transcription `json:"transcription,omitempty"`
	TurnDetection *TurnDetection `json:"turn_detection,omitempty"`
}

type AudioOutput struct {
	Voice string `json:"voice,omitempty"`
}

type Transcription struct {
	Model string `json:"model"`
}

type TurnDetection struct {
	Type string `json:"type"`
}

// ConversationItem is the item of conversation.item.create: either a
// message or a function call output.
type ConversationItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role,omitempty"`
	Content []ContentPart `json:"content,omitempty"`
	CallID  string        `json:"call_id,omitempty"`
	Output  string        `json:"output,omitempty"`
}

type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ServerEvent is one inbound frame. Only the fields relevant to Type are set.
type ServerEvent struct {
	Type       string          `json:"type"`
	EventID    string          `json:"event_id,omitempty"`
	ItemID     string          `json:"item_id,omitempty"`
	ResponseID string          `json:"response_id,omitempty"`
	Delta      string          `json:"delta,omitempty"`
	Transcript string          `json:"transcript,omitempty"`
	CallID     string          `json:"call_id,omitempty"`
	Name       string          `json:"name,omitempty"`
	Arguments  string          `json:"arguments,omitempty"`
	Session    json.RawMessage `json:"session,omitempty"`
	Error      *WireError      `json:"error,omitempty"`
}

// WireError is the body of an inbound error event.
type WireError struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	EventID string `json:"event_id,omitempty"`
}

// ParseServerEvent decodes one inbound frame. Every failure wraps
// ErrMalformedEvent.
func ParseServerEvent(data []byte) (ServerEvent, error) {
	var ev ServerEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ServerEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if ev.Type == "" {
		return ServerEvent{}, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	}
	switch ev.Type {
	case EventFunctionCallArgumentsDone:
		if ev.CallID == "" || ev.Name == "" {
			return ServerEvent{}, fmt.Errorf("%w: function call without call_id or name", ErrMalformedEvent)
		}
	case EventError:
		if ev.Error == nil {
			return ServerEvent{}, fmt.Errorf("%w: error event without body", ErrMalformedEvent)
		}
	}
	return ev, nil
}

// ParseArguments decodes the JSON arguments of a function call. An empty
// string means no arguments.
func (e ServerEvent) ParseArguments() (map[string]interface{}, error) {
	if e.Arguments == "" {
		return map[string]interface{}{}, nil
	}
	var args map[string]interface{}
	if err := json.Unmarshal([]byte(e.Arguments), &args); err != nil {
		return nil, fmt.Errorf("invalid function call arguments: %w", err)
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	return args, nil
}
