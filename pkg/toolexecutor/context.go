package toolexecutor

import "context"

type progressKey struct{}
type modeKey struct{}

// ProgressFunc receives partial results reported by a running handler.
type ProgressFunc func(message string, partial interface{})

func withProgress(ctx context.Context, fn ProgressFunc) context.Context {
	return context.WithValue(ctx, progressKey{}, fn)
}

// ReportProgress emits a processing event from inside a handler. It is a
// no-op outside a dispatch.
func ReportProgress(ctx context.Context, message string, partial interface{}) {
	if fn, ok := ctx.Value(progressKey{}).(ProgressFunc); ok && fn != nil {
		fn(message, partial)
	}
}

// WithExecutionMode overrides the dispatcher's execution mode for calls made with ctx.
func WithExecutionMode(ctx context.Context, mode ExecutionMode) context.Context {
	return context.WithValue(ctx, modeKey{}, mode)
}

func executionModeFrom(ctx context.Context, fallback ExecutionMode) ExecutionMode {
	if m, ok := ctx.Value(modeKey{}).(ExecutionMode); ok && m != "" {
		return m
	}
	return fallback
}
