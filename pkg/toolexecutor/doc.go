// Package toolexecutor resolves, permits, confirms and dispatches tool calls.
//
// Tools come from three sources merged by the Registry: built-in toolkits,
// external providers reached over MCP, and user-authored automations.
// Session-native control tools are resolved ahead of all of them.
//
// Invariants:
//   - A PermissionSet is derived per turn and never cached across turns.
//   - An agent capability set is unioned into the caller allow-list.
//   - An invocation never reaches Executing without passing Confirmed.
//   - Every dispatch stream ends with exactly one terminal event.
//   - Dispatch is idempotent per invocation id.
//
// Usage:
//
//	catalog := toolexecutor.NewBuiltinCatalog()
//	registry := toolexecutor.NewRegistry(toolexecutor.RegistryConfig{Builtins: catalog})
//	dispatcher := toolexecutor.NewDispatcher(toolexecutor.DispatcherConfig{Registry: registry})
//	perms := toolexecutor.Resolve(toolexecutor.CallerAllow{Toolkits: []string{"charts"}}, nil)
//	for ev := range dispatcher.Dispatch(ctx, toolexecutor.ToolCall{Name: "chart_tool"}, perms) {
//		_ = ev
//	}
package toolexecutor
