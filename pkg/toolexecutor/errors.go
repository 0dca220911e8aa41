package toolexecutor

import (
	"errors"
	"fmt"
)

// ErrorKind classifies dispatch failures. None of them abort a turn.
type ErrorKind string

const (
	ErrPermissionDenied    ErrorKind = "permission_denied"
	ErrUnsupportedTool     ErrorKind = "unsupported_tool"
	ErrToolExecution       ErrorKind = "tool_execution_error"
	ErrInvalidArguments    ErrorKind = "invalid_arguments"
	ErrProviderUnavailable ErrorKind = "provider_unavailable"
)

// ToolError is the structured error carried by error events.
type ToolError struct {
	Kind    ErrorKind `json:"kind"`
	Tool    string    `json:"tool"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

func (e *ToolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Kind, e.Tool, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Tool, e.Message)
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

func newToolError(kind ErrorKind, tool, message string, err error) *ToolError {
	return &ToolError{Kind: kind, Tool: tool, Message: message, Err: err}
}

// KindOf returns the ErrorKind of err, or "" when err is not a ToolError.
func KindOf(err error) ErrorKind {
	var te *ToolError
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}

var (
	// ErrInvalidTransition is returned when an invocation state change would go backwards or skip a state.
	ErrInvalidTransition = errors.New("invalid invocation state transition")
	// ErrConfirmationNotFound is returned when resolving an unknown or finished confirmation.
	ErrConfirmationNotFound = errors.New("confirmation not found")
	// ErrConfirmationResolved is returned when a confirmation already has a decision.
	ErrConfirmationResolved = errors.New("confirmation already resolved")
)
