package realtime

import (
	"time"

	"github.com/harun/conduit/internal/observability"
	"github.com/harun/conduit/pkg/toolexecutor"
)

// buildConfig assembles the full session configuration from the registry
// snapshot. The handshake sends it in three parts.
func (s *Session) buildConfig(snap *toolexecutor.Snapshot) SessionConfig {
	instructions := s.cfg.Instructions
	if guidance := toolexecutor.BuildCustomization(s.perms, snap.Bindings); guidance != "" {
		if instructions != "" {
			instructions += "\n\n"
		}
		instructions += guidance
	}

	specs := snap.Functions(s.perms, true)
	tools := make([]FunctionTool, 0, len(specs))
	for _, spec := range specs {
		tools = append(tools, FunctionTool{
			Type:        "function",
			Name:        spec.Name,
			Description: spec.Description,
			Parameters:  spec.Parameters,
		})
	}

	return SessionConfig{
		Type:         "realtime",
		Instructions: instructions,
		Tools:        tools,
		ToolChoice:   "auto",
		Audio: &AudioConfig{
			Input: &AudioInput{
				Transcription: &Transcription{Model: s.cfg.TranscriptionModel},
				TurnDetection: &TurnDetection{Type: "server_vad"},
			},
			Output: &AudioOutput{Voice: s.cfg.Voice},
		},
	}
}

// beginHandshake sends the instructions step. Each step arms the timer for
// the next one before writing its own message.
func (s *Session) beginHandshake() {
	if s.closing {
		return
	}
	s.setHandshake(HandshakeInstructionsSent)
	s.armTimer(s.cfg.StepDelay, s.sendToolsStep)
	s.sendUpdate(SessionConfig{Type: s.payload.Type, Instructions: s.payload.Instructions})
}

func (s *Session) sendToolsStep() {
	s.setHandshake(HandshakeToolsSent)
	s.armTimer(s.cfg.StepDelay, s.sendAudioStep)
	s.sendUpdate(SessionConfig{Type: s.payload.Type, Tools: s.payload.Tools, ToolChoice: s.payload.ToolChoice})
}

func (s *Session) sendAudioStep() {
	s.setHandshake(HandshakeAwaitingAck)
	s.armTimer(s.cfg.AckTimeout, s.onAckTimeout)
	s.sendUpdate(SessionConfig{Type: s.payload.Type, Audio: s.payload.Audio})
}

func (s *Session) onAckTimeout() {
	if s.Handshake() != HandshakeAwaitingAck {
		return
	}
	s.logger.Warn().Dur("timeout", s.cfg.AckTimeout).Msg("Configuration not acknowledged, sending combined fallback")
	observability.RecordHandshake("fallback")
	s.setHandshake(HandshakeFallbackSent)
	s.armTimer(s.cfg.FallbackTimeout, s.onFallbackTimeout)
	s.sendUpdate(s.payload)
}

func (s *Session) onFallbackTimeout() {
	if s.Handshake() != HandshakeFallbackSent {
		return
	}
	observability.RecordHandshake("timeout")
	s.setHandshake(HandshakeFailed)
	s.shutdown(StateError, &SessionError{
		Kind:      ErrConfigurationTimeout,
		Retryable: true,
		Message:   "realtime configuration was not acknowledged",
	})
}

// onSessionUpdated treats session.updated as the acknowledgement only once
// every configuration part has been sent. Earlier updates echo partial
// configuration and are ignored.
func (s *Session) onSessionUpdated() {
	switch h := s.Handshake(); h {
	case HandshakeAwaitingAck, HandshakeFallbackSent:
		s.cancelTimer()
		outcome := "acknowledged"
		if h == HandshakeFallbackSent {
			outcome = "fallback_acknowledged"
		}
		observability.RecordHandshake(outcome)
		s.setHandshake(HandshakeAcknowledged)
		s.activate()
	default:
		s.logger.Debug().Str("handshake", string(h)).Msg("Ignoring intermediate session.updated")
	}
}

func (s *Session) sendUpdate(cfg SessionConfig) {
	_ = s.send(ClientEvent{Type: EventSessionUpdate, Session: &cfg})
}

// armTimer replaces the session timer. A stale expiry that was already
// queued when the timer was replaced is discarded by generation.
func (s *Session) armTimer(d time.Duration, fn func()) {
	s.cancelTimer()
	gen := s.timerGen
	s.timer = s.clock.AfterFunc(d, func() {
		s.post(func() {
			if s.closing || gen != s.timerGen {
				return
			}
			s.timer = nil
			fn()
		})
	})
}

func (s *Session) cancelTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerGen++
}
