package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/harun/conduit/internal/observability"
	"github.com/harun/conduit/internal/tracing"
	"github.com/harun/conduit/pkg/toolexecutor"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// State is the connection lifecycle of a session.
type State string

const (
	StateIdle        State = "idle"
	StateNegotiating State = "negotiating"
	StateChannelOpen State = "channel_open"
	StateActive      State = "active"
	StateClosed      State = "closed"
	StateError       State = "error"
)

// HandshakeState tracks configuration negotiation on an open channel.
type HandshakeState string

const (
	HandshakePending          HandshakeState = "pending"
	HandshakeInstructionsSent HandshakeState = "instructions_sent"
	HandshakeToolsSent        HandshakeState = "tools_sent"
	HandshakeAwaitingAck      HandshakeState = "awaiting_ack"
	HandshakeFallbackSent     HandshakeState = "fallback_sent"
	HandshakeAcknowledged     HandshakeState = "acknowledged"
	HandshakeFailed           HandshakeState = "failed"
)

// Flags are the independent sub-states of an Active session. Listening is
// microphone capture; Speaking is assistant audio playback.
type Flags struct {
	Listening bool `json:"listening"`
	Speaking  bool `json:"speaking"`
}

// Media is the local audio pipeline of a session.
type Media interface {
	SetCapture(enabled bool)
	Release()
}

// Observer receives session notifications. Callbacks run on the session
// loop and must not block; nil callbacks are skipped.
type Observer struct {
	OnState        func(State)
	OnTranscript   func(TranscriptEntry)
	OnToolProgress func(toolexecutor.ProgressEvent)
	OnError        func(error)
}

// ErrSessionClosed is returned by operations on a session that has ended.
var ErrSessionClosed = errors.New("realtime session closed")

const (
	defaultStepDelay       = 100 * time.Millisecond
	defaultAckTimeout      = 3 * time.Second
	defaultFallbackTimeout = 2 * time.Second
)

// Config wires a session to its channel and to the dispatch engine.
type Config struct {
	Dialer      Dialer
	Dispatcher  *toolexecutor.Dispatcher
	Permissions toolexecutor.PermissionSet

	Instructions       string
	Voice              string
	TranscriptionModel string
	// History is injected as conversation items once the session is Active.
	History []TranscriptEntry

	// Surface receives theme and environment changes from control tools.
	Surface  toolexecutor.ControlSurface
	Media    Media
	Observer Observer
	Clock    Clock

	StepDelay       time.Duration
	AckTimeout      time.Duration
	FallbackTimeout time.Duration

	Logger zerolog.Logger
}

// Session is one realtime voice conversation.
type Session struct {
	id         string
	cfg        Config
	clock      Clock
	logger     zerolog.Logger
	dispatcher *toolexecutor.Dispatcher
	perms      toolexecutor.PermissionSet
	transcript *Transcript

	inbox    chan func()
	done     chan struct{}
	doneOnce sync.Once
	wg       sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
	conn   Conn

	// owned by the loop goroutine
	payload  SessionConfig
	timer    Timer
	timerGen int
	pending  map[string]string
	seen     map[string]bool
	counted  bool
	closing  bool
	exiting  bool

	mu        sync.RWMutex
	state     State
	handshake HandshakeState
	flags     Flags
	err       error
}

// NewSession creates an Idle session.
func NewSession(cfg Config) (*Session, error) {
	if cfg.Dialer == nil {
		return nil, fmt.Errorf("realtime session requires a dialer")
	}
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("realtime session requires a dispatcher")
	}
	if cfg.Clock == nil {
		cfg.Clock = systemClock{}
	}
	if cfg.StepDelay <= 0 {
		cfg.StepDelay = defaultStepDelay
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = defaultAckTimeout
	}
	if cfg.FallbackTimeout <= 0 {
		cfg.FallbackTimeout = defaultFallbackTimeout
	}
	if cfg.TranscriptionModel == "" {
		cfg.TranscriptionModel = "whisper-1"
	}

	id, err := gonanoid.New()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session id: %w", err)
	}

	return &Session{
		id:         id,
		cfg:        cfg,
		clock:      cfg.Clock,
		logger:     cfg.Logger.With().Str("component", "realtime").Str("session_id", id).Logger(),
		dispatcher: cfg.Dispatcher,
		perms:      cfg.Permissions.WithToolkits(toolexecutor.ControlToolkit),
		transcript: NewTranscript(0),
		inbox:      make(chan func(), 64),
		done:       make(chan struct{}),
		pending:    make(map[string]string),
		seen:       make(map[string]bool),
		state:      StateIdle,
		handshake:  HandshakePending,
	}, nil
}

// ID returns the session id. It is also the owner of every invocation the
// session dispatches.
func (s *Session) ID() string { return s.id }

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Handshake returns the configuration handshake state.
func (s *Session) Handshake() HandshakeState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handshake
}

// Flags returns the listening and speaking flags.
func (s *Session) Flags() Flags {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.flags
}

// Err returns the fatal error that ended the session, if any.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Transcript returns the utterances so far.
func (s *Session) Transcript() []TranscriptEntry {
	return s.transcript.Entries()
}

// Done is closed once the session has ended.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Start dials the channel and begins the configuration handshake. It
// returns once the channel is open; activation happens asynchronously.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return fmt.Errorf("session %s already started", s.id)
	}
	s.state = StateNegotiating
	s.mu.Unlock()
	s.notifyState(StateNegotiating)

	snap := s.dispatcher.Registry().Load(ctx)
	s.payload = s.buildConfig(snap)

	conn, err := s.cfg.Dialer.Dial(ctx)
	if err != nil {
		serr := &SessionError{Kind: ErrConnection, Retryable: true, Message: "failed to open realtime channel", Err: err}
		s.logger.Error().Err(err).Msg("Realtime channel dial failed")
		s.setFinal(StateError, serr)
		s.notifyState(StateError)
		s.notifyError(serr)
		s.closeDone()
		return serr
	}

	s.conn = conn
	s.ctx, s.cancel = context.WithCancel(tracing.WithThreadID(context.WithoutCancel(ctx), s.id))
	observability.AddRealtimeSessions(1)
	s.counted = true

	s.setState(StateChannelOpen)
	s.logger.Info().Int("tools", len(s.payload.Tools)).Msg("Realtime channel open")

	s.wg.Add(1)
	go s.loop()
	s.wg.Add(1)
	go s.readLoop()

	s.post(s.beginHandshake)
	return nil
}

// Stop tears the session down: timers are cancelled, pending confirmations
// abandoned, in-flight tools cancelled, the channel closed and media
// released. It is safe to call more than once.
func (s *Session) Stop() error {
	s.mu.Lock()
	if s.state == StateIdle {
		s.state = StateClosed
		s.mu.Unlock()
		s.closeDone()
		return nil
	}
	s.mu.Unlock()

	s.post(func() { s.shutdown(StateClosed, nil) })
	<-s.done
	s.wg.Wait()
	return nil
}

// SendText injects a user text message and asks for a response.
func (s *Session) SendText(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("text must not be empty")
	}
	errc := make(chan error, 1)
	if !s.post(func() { errc <- s.sendText(text) }) {
		return ErrSessionClosed
	}
	select {
	case err := <-errc:
		return err
	case <-s.done:
		return ErrSessionClosed
	}
}

// Confirm resolves a pending confirmation for one of this session's calls.
func (s *Session) Confirm(invocationID string, d toolexecutor.Decision) error {
	return s.dispatcher.Confirm(invocationID, d)
}

// Pending lists the confirmations this session is waiting on.
func (s *Session) Pending() []toolexecutor.ConfirmationRequest {
	return s.dispatcher.Gate().Pending(s.id)
}

// post queues fn on the loop. It reports false once the session has ended.
func (s *Session) post(fn func()) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.inbox <- fn:
		return true
	case <-s.done:
		return false
	}
}

func (s *Session) loop() {
	defer s.wg.Done()
	defer s.closeDone()
	for {
		select {
		case fn := <-s.inbox:
			fn()
			if s.exiting {
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *Session) readLoop() {
	defer s.wg.Done()
	for {
		data, err := s.conn.ReadMessage()
		if err != nil {
			s.post(func() { s.onConnectionLost(err) })
			return
		}
		s.post(func() { s.handleFrame(data) })
	}
}

func (s *Session) closeDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *Session) handleFrame(data []byte) {
	if s.closing {
		return
	}
	ev, err := ParseServerEvent(data)
	if err != nil {
		s.logger.Warn().Err(err).Int("bytes", len(data)).Msg("Skipping malformed realtime event")
		return
	}

	switch ev.Type {
	case EventSessionCreated:
		s.logger.Debug().Msg("Realtime session created")
	case EventSessionUpdated:
		s.onSessionUpdated()
	case EventInputTranscriptionDelta:
		s.appendTranscript(RoleUser, ev.ItemID, ev.Delta, false)
	case EventInputTranscriptionDone:
		s.appendTranscript(RoleUser, ev.ItemID, ev.Transcript, true)
	case EventOutputTranscriptDelta:
		s.appendTranscript(RoleAssistant, ev.ItemID, ev.Delta, false)
	case EventOutputTranscriptDone:
		s.appendTranscript(RoleAssistant, ev.ItemID, ev.Transcript, true)
	case EventFunctionCallArgumentsDone:
		s.onFunctionCall(ev)
	case EventSpeechStarted, EventSpeechStopped:
		s.logger.Debug().Str("event", ev.Type).Msg("User speech boundary")
	case EventOutputAudioStarted:
		s.setSpeaking(true)
	case EventOutputAudioStopped:
		s.setSpeaking(false)
	case EventResponseDone:
		s.logger.Debug().Str("response_id", ev.ResponseID).Msg("Response done")
	case EventError:
		err := fmt.Errorf("realtime server error %s: %s", ev.Error.Type, ev.Error.Message)
		s.logger.Warn().Str("code", ev.Error.Code).Str("type", ev.Error.Type).Msg(ev.Error.Message)
		s.notifyError(err)
	default:
		s.logger.Trace().Str("event", ev.Type).Msg("Ignoring realtime event")
	}
}

func (s *Session) appendTranscript(role Role, itemID, text string, final bool) {
	entry := s.transcript.Append(role, itemID, text, final, s.clock.Now())
	if s.cfg.Observer.OnTranscript != nil {
		s.cfg.Observer.OnTranscript(entry)
	}
}

func (s *Session) sendText(text string) error {
	if s.State() != StateActive {
		return fmt.Errorf("session %s is not active", s.id)
	}
	item := &ConversationItem{
		Type:    "message",
		Role:    string(RoleUser),
		Content: []ContentPart{{Type: "input_text", Text: text}},
	}
	if err := s.send(ClientEvent{Type: EventConversationItemCreate, Item: item}); err != nil {
		return err
	}
	s.appendTranscript(RoleUser, "", text, true)
	return s.requestResponse()
}

// requestResponse is the only place response.create is sent.
func (s *Session) requestResponse() error {
	return s.send(ClientEvent{Type: EventResponseCreate})
}

func (s *Session) send(ev ClientEvent) error {
	if s.closing {
		return ErrSessionClosed
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", ev.Type, err)
	}
	if err := s.conn.WriteMessage(data); err != nil {
		s.logger.Error().Str("event", ev.Type).Err(err).Msg("Realtime write failed")
		s.shutdown(StateError, &SessionError{Kind: ErrConnection, Retryable: true, Message: "failed to write to realtime channel", Err: err})
		return err
	}
	return nil
}

func (s *Session) onConnectionLost(err error) {
	if s.closing {
		return
	}
	s.logger.Error().Err(err).Msg("Realtime channel lost")
	s.shutdown(StateError, &SessionError{Kind: ErrConnection, Retryable: true, Message: "realtime channel closed unexpectedly", Err: err})
}

func (s *Session) activate() {
	s.setState(StateActive)
	// A call that arrived before the ack keeps capture suspended.
	s.setListening(len(s.pending) == 0)
	s.logger.Info().Msg("Realtime session active")

	for _, h := range s.cfg.History {
		part := ContentPart{Type: "input_text", Text: h.Text}
		if h.Role == RoleAssistant {
			part.Type = "output_text"
		}
		item := &ConversationItem{Type: "message", Role: string(h.Role), Content: []ContentPart{part}}
		if err := s.send(ClientEvent{Type: EventConversationItemCreate, Item: item}); err != nil {
			return
		}
	}
}

// shutdown runs on the loop and ends it.
func (s *Session) shutdown(final State, err error) {
	if s.closing {
		return
	}
	s.closing = true
	s.exiting = true

	s.cancelTimer()
	if s.cancel != nil {
		s.cancel()
	}
	if n := s.dispatcher.Gate().Abandon(s.id); n > 0 {
		s.logger.Info().Int("count", n).Msg("Abandoned pending confirmations")
	}
	if s.conn != nil {
		if cerr := s.conn.Close(); cerr != nil {
			s.logger.Debug().Err(cerr).Msg("Closing realtime channel")
		}
	}
	if s.cfg.Media != nil {
		s.cfg.Media.Release()
	}
	if s.counted {
		observability.AddRealtimeSessions(-1)
		s.counted = false
	}

	s.setFinal(final, err)
	if err != nil {
		s.logger.Error().Err(err).Str("state", string(final)).Msg("Realtime session ended")
	} else {
		s.logger.Info().Msg("Realtime session closed")
	}
	s.notifyState(final)
	if err != nil {
		s.notifyError(err)
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.notifyState(st)
}

func (s *Session) setFinal(st State, err error) {
	s.mu.Lock()
	s.state = st
	s.err = err
	s.flags = Flags{}
	s.mu.Unlock()
}

func (s *Session) setHandshake(h HandshakeState) {
	s.mu.Lock()
	s.handshake = h
	s.mu.Unlock()
}

func (s *Session) setListening(on bool) {
	s.mu.Lock()
	changed := s.flags.Listening != on
	s.flags.Listening = on
	s.mu.Unlock()
	if changed && s.cfg.Media != nil {
		s.cfg.Media.SetCapture(on)
	}
}

func (s *Session) setSpeaking(on bool) {
	s.mu.Lock()
	s.flags.Speaking = on
	s.mu.Unlock()
}

func (s *Session) notifyState(st State) {
	if s.cfg.Observer.OnState != nil {
		s.cfg.Observer.OnState(st)
	}
}

func (s *Session) notifyError(err error) {
	if s.cfg.Observer.OnError != nil {
		s.cfg.Observer.OnError(err)
	}
}
