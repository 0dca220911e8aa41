// Package realtime adapts the tool dispatch engine to a persistent,
// bidirectional voice channel.
//
// A Session dials the channel, negotiates its configuration in three small
// session.update messages (instructions, tools, audio) and waits for the
// session.updated acknowledgement. If none arrives it sends one combined
// fallback update; a second silence is fatal. Once Active, every
// response.function_call_arguments.done event is routed through the same
// toolexecutor.Dispatcher used for text turns, and each result is followed
// by exactly one response.create.
//
// All inbound events, timer expirations and tool results are applied by a
// single loop goroutine, so session state is never mutated concurrently.
//
// Usage:
//
//	s, _ := realtime.NewSession(realtime.Config{
//		Dialer:     &realtime.WebsocketDialer{URL: url, Model: model, APIKey: key},
//		Dispatcher: dispatcher,
//		Permissions: perms,
//	})
//	if err := s.Start(ctx); err != nil {
//		return err
//	}
//	defer s.Stop()
package realtime
