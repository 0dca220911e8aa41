package toolexecutor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/harun/conduit/internal/observability"
	"github.com/harun/conduit/internal/tracing"
	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultMaxOutput = 10 * 1024
	eventBuffer      = 16
)

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	Registry       *Registry
	Gate           *ConfirmationGate
	Ledger         *Ledger
	Mode           ExecutionMode
	Timeout        time.Duration
	MaxOutputBytes int
	Artifacts      ArtifactSink
}

// Dispatcher runs permitted, confirmed tool calls and streams their progress.
type Dispatcher struct {
	registry  *Registry
	gate      *ConfirmationGate
	ledger    *Ledger
	mode      ExecutionMode
	timeout   time.Duration
	maxOutput int

	artifactMu sync.RWMutex
	artifacts  ArtifactSink

	schemaMu sync.Mutex
	schemas  map[string]cachedSchema
}

type cachedSchema struct {
	fingerprint string
	schema      *gojsonschema.Schema
}

// NewDispatcher creates a dispatcher, filling in a gate, an in-memory ledger
// and default limits where cfg leaves them empty.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry(RegistryConfig{})
	}
	if cfg.Gate == nil {
		cfg.Gate = NewConfirmationGate(0)
	}
	if cfg.Ledger == nil {
		cfg.Ledger = NewLedger(nil)
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeAuto
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = defaultMaxOutput
	}

	log.Info().Str("mode", string(cfg.Mode)).Dur("timeout", cfg.Timeout).Msg("Tool dispatcher initialized")

	return &Dispatcher{
		registry:  cfg.Registry,
		gate:      cfg.Gate,
		ledger:    cfg.Ledger,
		mode:      cfg.Mode,
		timeout:   cfg.Timeout,
		maxOutput: cfg.MaxOutputBytes,
		artifacts: cfg.Artifacts,
		schemas:   make(map[string]cachedSchema),
	}
}

func (d *Dispatcher) Registry() *Registry     { return d.registry }
func (d *Dispatcher) Gate() *ConfirmationGate { return d.gate }
func (d *Dispatcher) Ledger() *Ledger         { return d.ledger }
func (d *Dispatcher) Mode() ExecutionMode     { return d.mode }

// SetArtifactSink replaces the collaborator that receives artifact results.
func (d *Dispatcher) SetArtifactSink(sink ArtifactSink) {
	d.artifactMu.Lock()
	defer d.artifactMu.Unlock()
	d.artifacts = sink
}

func (d *Dispatcher) artifactSink() ArtifactSink {
	d.artifactMu.RLock()
	defer d.artifactMu.RUnlock()
	return d.artifacts
}

// Confirm resolves a pending confirmation.
func (d *Dispatcher) Confirm(invocationID string, decision Decision) error {
	return d.gate.Resolve(invocationID, decision)
}

// Dispatch runs call under perms and returns its event stream. The channel
// closes after the terminal event. A call without an id gets a fresh one;
// repeating an id replays the recorded outcome without executing again.
func (d *Dispatcher) Dispatch(ctx context.Context, call ToolCall, perms PermissionSet) <-chan ProgressEvent {
	if call.ID == "" {
		call.ID = uuid.NewString()
	}
	if call.Args == nil {
		call.Args = map[string]interface{}{}
	}
	out := make(chan ProgressEvent, eventBuffer)
	go d.run(ctx, call, perms, out)
	return out
}

func (d *Dispatcher) run(ctx context.Context, call ToolCall, perms PermissionSet, out chan ProgressEvent) {
	s := &stream{ctx: ctx, out: out, invocationID: call.ID, tool: call.Name}
	defer s.close()

	// Permissions are checked per call, so a recorded id never bypasses them.
	route := d.registry.Resolve(call.Name)
	s.source = route.Source
	if !d.permitted(route, perms) {
		observability.RecordPermissionDenied(call.Name)
		log.Warn().Str("tool", call.Name).Str("invocation_id", call.ID).Msg("Tool call denied by permission set")
		s.fail(newToolError(ErrPermissionDenied, call.Name, "tool is not permitted for this turn", nil))
		return
	}

	c, err := d.ledger.claim(ctx, call)
	if err != nil {
		log.Error().Err(err).Str("invocation_id", call.ID).Msg("Invocation ledger unavailable")
		s.emit(ProgressEvent{Kind: EventError, Error: newToolError(ErrToolExecution, call.Name, "invocation ledger unavailable", err)})
		return
	}
	if c.record != nil {
		d.replay(s, c.record.Events)
		return
	}
	if !c.leader {
		select {
		case <-c.entry.done:
			d.replay(s, c.entry.record.Events)
		case <-ctx.Done():
			s.fail(newToolError(ErrToolExecution, call.Name, "cancelled while waiting for the running invocation", ctx.Err()))
		}
		return
	}

	ctx = tracing.WithInvocationID(ctx, call.ID)
	ctx, span := tracing.StartSpan(ctx, "conduit/toolexecutor", "tool.dispatch",
		attribute.String("tool", call.Name),
		attribute.String("invocation_id", call.ID),
	)
	s.ctx = ctx
	s.inv = c.entry.inv

	d.execute(ctx, s, route, call, perms)

	if res := s.inv.Result(); res != nil {
		span.SetAttributes(attribute.String("outcome", string(res.Kind)))
		if res.Kind == EventError {
			span.SetStatus(codes.Error, res.Error.Message)
		}
	}
	span.End()

	if err := d.ledger.finish(ctx, c.entry, s.recorded()); err != nil {
		log.Warn().Err(err).Str("invocation_id", call.ID).Msg("Failed to persist invocation outcome")
	}
}

func (d *Dispatcher) replay(s *stream, events []ProgressEvent) {
	observability.RecordReplay()
	log.Debug().Str("invocation_id", s.invocationID).Msg("Replaying recorded invocation")
	for _, ev := range events {
		ev.Replayed = true
		s.forward(ev)
	}
}

func (d *Dispatcher) execute(ctx context.Context, s *stream, route Route, call ToolCall, perms PermissionSet) {
	if !route.Known {
		s.fail(newToolError(ErrUnsupportedTool, call.Name, "no tool source answers to this name", nil))
		return
	}
	if !route.Available {
		s.fail(newToolError(ErrProviderUnavailable, call.Name,
			fmt.Sprintf("provider %s is not connected", route.Composite.ProviderID), nil))
		return
	}

	desc := route.Descriptor
	s.tool = desc.Name
	if route.Source == SourceControl && controlSurfaceFrom(ctx) == nil {
		s.fail(newToolError(ErrUnsupportedTool, desc.Name, "control tools require a live session", nil))
		return
	}

	if err := d.validate(desc, call.Args); err != nil {
		s.fail(newToolError(ErrInvalidArguments, desc.Name, err.Error(), err))
		return
	}

	mode := executionModeFrom(ctx, d.mode)
	if route.Source != SourceControl && (desc.RequiresConfirmation || mode == ModeManual) {
		if !d.confirm(ctx, s, call, desc, perms) {
			return
		}
	} else if err := s.inv.Transition(StateConfirmed); err != nil {
		s.fail(newToolError(ErrToolExecution, desc.Name, "invalid state", err))
		return
	}

	d.invoke(ctx, s, route, call.Args)
}

func (d *Dispatcher) permitted(route Route, perms PermissionSet) bool {
	if route.Source == SourceExternal {
		return perms.PermitsExternal(route.Composite.ProviderID, route.Composite.ToolName)
	}
	if !route.Known {
		// Unknown non-composite names are reported as unsupported, not denied.
		return true
	}
	return perms.Permits(route.Descriptor)
}

// confirm suspends the call in the gate. It returns true once the
// invocation is Confirmed; otherwise the stream already ended Rejected.
func (d *Dispatcher) confirm(ctx context.Context, s *stream, call ToolCall, desc ToolDescriptor, perms PermissionSet) bool {
	req := ConfirmationRequest{
		InvocationID: call.ID,
		Tool:         desc.Name,
		Description:  desc.Description,
		Source:       desc.Source,
		Args:         call.Args,
		Owner:        call.Owner,
		CreatedAt:    time.Now(),
	}
	decision, err := d.gate.await(ctx, req, func(registered ConfirmationRequest) {
		s.emit(ProgressEvent{Kind: EventAwaitingConfirmation, Confirmation: &registered})
	})
	if err == nil && decision.Approved {
		if err := s.inv.Transition(StateConfirmed); err != nil {
			s.fail(newToolError(ErrToolExecution, desc.Name, "invalid state", err))
			return false
		}
		observability.RecordConfirmationAudit(ctx, desc.Name, decision.Actor, "approved", map[string]interface{}{"invocation_id": call.ID})
		return true
	}

	reason := decision.Reason
	abandoned := decision.Abandoned
	if err != nil {
		observability.RecordConfirmation("expired")
		abandoned = true
		reason = "confirmation ended: " + err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			reason = "confirmation expired"
		}
	}

	candidates := d.registry.Snapshot().Permitted(perms)
	rejection := BuildRejection(desc, call.Args, reason, candidates)
	rejection.Abandoned = abandoned

	observability.RecordConfirmationAudit(ctx, desc.Name, decision.Actor, "rejected", map[string]interface{}{
		"invocation_id": call.ID,
		"abandoned":     abandoned,
	})
	s.reject(&rejection)
	return false
}

func (d *Dispatcher) invoke(ctx context.Context, s *stream, route Route, args map[string]interface{}) {
	desc := route.Descriptor
	if err := s.inv.Transition(StateExecuting); err != nil {
		s.fail(newToolError(ErrToolExecution, desc.Name, "invalid state", err))
		return
	}

	s.emit(ProgressEvent{Kind: EventLoading})
	s.emit(ProgressEvent{Kind: EventProcessing, Message: "running"})

	start := time.Now()
	var (
		output interface{}
		err    error
	)
	switch route.Source {
	case SourceControl:
		// session-native, handled inline
		output, err = desc.Handler(ctx, args)
	case SourceExternal:
		binding := route.binding
		output, err = d.runHandler(ctx, s, func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return binding.client.CallTool(ctx, desc.RemoteName, params)
		}, args)
	default:
		output, err = d.runHandler(ctx, s, desc.Handler, args)
	}
	duration := time.Since(start)

	if err != nil {
		observability.RecordDispatch(string(route.Source), "error", duration)
		observability.RecordToolAudit(ctx, desc.Name, tracing.GetAgentID(ctx), "error", map[string]interface{}{
			"invocation_id": s.invocationID,
			"error":         err.Error(),
		})
		log.Error().Str("tool", desc.Name).Dur("duration", duration).Err(err).Msg("Tool execution failed")
		s.fail(newToolError(ErrToolExecution, desc.Name, err.Error(), err))
		return
	}

	materialize := desc.Artifact
	switch output.(type) {
	case ArtifactOutput, *ArtifactOutput:
		materialize = true
	}
	// Artifact payloads go to the renderer whole; ModelOutput bounds what
	// the model sees.
	truncated := false
	if !materialize {
		output, truncated = d.truncateOutput(output)
	}

	observability.RecordDispatch(string(route.Source), "success", duration)
	observability.RecordToolAudit(ctx, desc.Name, tracing.GetAgentID(ctx), "success", map[string]interface{}{
		"invocation_id": s.invocationID,
		"duration_ms":   duration.Milliseconds(),
	})
	log.Debug().Str("tool", desc.Name).Dur("duration", duration).Bool("truncated", truncated).Msg("Tool execution completed")
	ev := s.succeed(output, truncated, materialize)
	if materialize {
		if sink := d.artifactSink(); sink != nil {
			sink.Materialize(ctx, ev)
		}
	}
}

// runHandler applies the timeout and forwards handler progress reports.
func (d *Dispatcher) runHandler(ctx context.Context, s *stream, handler ToolHandler, args map[string]interface{}) (interface{}, error) {
	if handler == nil {
		return nil, fmt.Errorf("tool has no handler")
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	timeoutCtx = withProgress(timeoutCtx, func(message string, partial interface{}) {
		s.emit(ProgressEvent{Kind: EventProcessing, Message: message, Output: partial})
	})

	type outcome struct {
		value interface{}
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		v, err := handler(timeoutCtx, args)
		done <- outcome{value: v, err: err}
	}()

	select {
	case o := <-done:
		return o.value, o.err
	case <-timeoutCtx.Done():
		if errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("tool execution timeout after %v", d.timeout)
		}
		return nil, fmt.Errorf("tool execution cancelled: %w", timeoutCtx.Err())
	}
}

func (d *Dispatcher) validate(desc ToolDescriptor, args map[string]interface{}) error {
	schema, err := d.schemaFor(desc)
	if err != nil {
		log.Warn().Str("tool", desc.Name).Err(err).Msg("Unusable input schema, skipping validation")
		return nil
	}
	if schema == nil {
		return nil
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return err
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("validation errors: %v", msgs)
	}
	return nil
}

func (d *Dispatcher) schemaFor(desc ToolDescriptor) (*gojsonschema.Schema, error) {
	if desc.InputSchema == nil {
		return nil, nil
	}
	raw, err := json.Marshal(desc.InputSchema)
	if err != nil {
		return nil, err
	}
	fingerprint := string(raw)

	d.schemaMu.Lock()
	cached, ok := d.schemas[desc.Name]
	d.schemaMu.Unlock()
	if ok && cached.fingerprint == fingerprint {
		return cached.schema, nil
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, err
	}

	d.schemaMu.Lock()
	d.schemas[desc.Name] = cachedSchema{fingerprint: fingerprint, schema: schema}
	d.schemaMu.Unlock()
	return schema, nil
}

func (d *Dispatcher) truncateOutput(output interface{}) (interface{}, bool) {
	var size int
	if str, ok := output.(string); ok {
		size = len(str)
		if size <= d.maxOutput {
			return output, false
		}
		return cutAtRune(str, d.maxOutput) + truncationMarker, true
	}

	raw, err := json.Marshal(output)
	if err != nil {
		raw = []byte(fmt.Sprintf("%v", output))
	}
	size = len(raw)
	if size <= d.maxOutput {
		return output, false
	}
	log.Warn().Int("original", size).Int("truncated", d.maxOutput).Msg("Output truncated")
	return cutAtRune(string(raw), d.maxOutput) + truncationMarker, true
}

const truncationMarker = "\n... [output truncated]"

// cutAtRune shortens str to at most n bytes without splitting a rune.
func cutAtRune(str string, n int) string {
	if len(str) <= n {
		return str
	}
	for n > 0 && !utf8.RuneStart(str[n]) {
		n--
	}
	return str[:n]
}

// stream serializes one dispatch's events and keeps the record for the ledger.
type stream struct {
	ctx          context.Context
	out          chan ProgressEvent
	invocationID string
	tool         string
	source       SourceKind
	inv          *Invocation

	mu       sync.Mutex
	seq      int
	events   []ProgressEvent
	finished bool
	closed   bool
}

func (s *stream) emit(ev ProgressEvent) ProgressEvent {
	ev.InvocationID = s.invocationID
	ev.Tool = s.tool
	ev.Source = s.source
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished || s.closed {
		return ev
	}
	s.seq++
	ev.Seq = s.seq
	s.events = append(s.events, ev)
	if ev.Terminal() {
		s.finished = true
	}
	s.send(ev)
	return ev
}

// send prefers buffer space over a finished context, so a terminal event
// emitted after cancellation still reaches a reader.
func (s *stream) send(ev ProgressEvent) {
	select {
	case s.out <- ev:
		return
	default:
	}
	select {
	case s.out <- ev:
	case <-s.ctx.Done():
	}
}

// forward sends an already-built event unchanged apart from ordering.
func (s *stream) forward(ev ProgressEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.send(ev)
}

func (s *stream) fail(te *ToolError) {
	ev := ProgressEvent{Kind: EventError, Error: te}
	if s.inv != nil {
		if err := s.inv.finish(StateFailed, ev); err != nil {
			log.Error().Err(err).Str("invocation_id", s.invocationID).Msg("Invocation state error")
		}
	}
	s.emit(ev)
}

func (s *stream) reject(r *Rejection) {
	ev := ProgressEvent{Kind: EventRejected, Rejection: r}
	if err := s.inv.finish(StateRejected, ev); err != nil {
		log.Error().Err(err).Str("invocation_id", s.invocationID).Msg("Invocation state error")
	}
	s.emit(ev)
}

func (s *stream) succeed(output interface{}, truncated, materialize bool) ProgressEvent {
	ev := ProgressEvent{Kind: EventSuccess, Output: output, Truncated: truncated, Materialize: materialize}
	if err := s.inv.finish(StateCompleted, ev); err != nil {
		log.Error().Err(err).Str("invocation_id", s.invocationID).Msg("Invocation state error")
	}
	return s.emit(ev)
}

func (s *stream) recorded() []ProgressEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ProgressEvent(nil), s.events...)
}

func (s *stream) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.out)
	}
}
