// Package agent runs text conversation turns: it builds the per-turn tool
// context, calls the model, dispatches tool calls and feeds results back.
//
// Invariants:
// - Permissions and guidance are resolved once per turn, never cached by thread.
// - Tool calls route through toolexecutor.Dispatcher only.
// - A failing tool never fails the turn; its error is returned to the model.
//
// Usage:
//
//	runner, _ := agent.NewRunner(agent.Config{Dispatcher: d, AuthProfiles: profiles})
//	result, _ := runner.Run(ctx, agent.TurnRequest{
//		ThreadID: "thread-1",
//		Prompt:   "chart last week's sales",
//		Agent:    agent.DefaultConfig(),
//		Caller:   toolexecutor.CallerAllow{Toolkits: []string{"charts"}},
//	}, nil)
//	_ = result
package agent
