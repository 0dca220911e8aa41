package realtime

import (
	"context"
	"fmt"

	"github.com/harun/conduit/pkg/toolexecutor"
)

// onFunctionCall routes one spoken tool call through the dispatcher.
// Capture is suspended until every in-flight call has its result sent.
func (s *Session) onFunctionCall(ev ServerEvent) {
	if s.seen[ev.CallID] {
		s.logger.Debug().Str("call_id", ev.CallID).Msg("Ignoring duplicate function call")
		return
	}
	s.seen[ev.CallID] = true

	args, err := ev.ParseArguments()
	if err != nil {
		s.logger.Warn().Str("call_id", ev.CallID).Str("tool", ev.Name).Err(err).Msg("Function call with invalid arguments")
		s.sendToolResult(ev.CallID, toolexecutor.ErrorOutput(toolexecutor.ErrInvalidArguments, err.Error()))
		return
	}

	s.pending[ev.CallID] = ev.Name
	s.setListening(false)

	call := toolexecutor.ToolCall{
		ID:    s.id + ":" + ev.CallID,
		Name:  ev.Name,
		Args:  args,
		Owner: s.id,
	}
	ctx := toolexecutor.WithControlSurface(s.ctx, controlSurface{s})

	s.logger.Info().Str("call_id", ev.CallID).Str("tool", ev.Name).Msg("Dispatching realtime tool call")
	s.wg.Add(1)
	go s.runTool(ctx, ev.CallID, call)
}

func (s *Session) runTool(ctx context.Context, callID string, call toolexecutor.ToolCall) {
	defer s.wg.Done()

	var terminal *toolexecutor.ProgressEvent
	for ev := range s.dispatcher.Dispatch(ctx, call, s.perms) {
		if ev.Terminal() {
			e := ev
			terminal = &e
		}
		s.post(func() { s.notifyProgress(ev) })
	}

	output := toolexecutor.ModelOutput(terminal)
	s.post(func() { s.completeTool(callID, output) })
}

func (s *Session) notifyProgress(ev toolexecutor.ProgressEvent) {
	if s.cfg.Observer.OnToolProgress != nil {
		s.cfg.Observer.OnToolProgress(ev)
	}
}

func (s *Session) completeTool(callID, output string) {
	if _, ok := s.pending[callID]; !ok {
		return
	}
	delete(s.pending, callID)
	s.sendToolResult(callID, output)
}

// sendToolResult writes the function call output followed by exactly one
// response.create, then resumes capture once nothing is in flight.
func (s *Session) sendToolResult(callID, output string) {
	item := &ConversationItem{Type: "function_call_output", CallID: callID, Output: output}
	if err := s.send(ClientEvent{Type: EventConversationItemCreate, Item: item}); err != nil {
		return
	}
	if err := s.requestResponse(); err != nil {
		return
	}
	if len(s.pending) == 0 && s.State() == StateActive {
		s.setListening(true)
	}
}

// controlSurface serves the session-native control tools. Theme and
// environment changes go to the configured surface; ending the session is
// handled here.
type controlSurface struct {
	s *Session
}

func (c controlSurface) SetTheme(ctx context.Context, theme string) error {
	if c.s.cfg.Surface == nil {
		return fmt.Errorf("no interface attached to change the theme")
	}
	return c.s.cfg.Surface.SetTheme(ctx, theme)
}

func (c controlSurface) SetEnvironment(ctx context.Context, environment string) error {
	if c.s.cfg.Surface == nil {
		return fmt.Errorf("no interface attached to change the environment")
	}
	return c.s.cfg.Surface.SetEnvironment(ctx, environment)
}

func (c controlSurface) EndSession(ctx context.Context, reason string) error {
	if c.s.cfg.Surface != nil {
		if err := c.s.cfg.Surface.EndSession(ctx, reason); err != nil {
			return err
		}
	}
	c.s.logger.Info().Str("reason", reason).Msg("Session end requested by tool")
	c.s.post(func() { c.s.shutdown(StateClosed, nil) })
	return nil
}
