package toolexecutor

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInvocationHappyPath(t *testing.T) {
	inv := NewInvocation(ToolCall{ID: "inv-1", Name: "read_file"})
	assert.Equal(t, StatePending, inv.State())

	require.NoError(t, inv.Transition(StateConfirmed))
	require.NoError(t, inv.Transition(StateExecuting))
	require.NoError(t, inv.finish(StateCompleted, ProgressEvent{Kind: EventSuccess}))

	assert.Equal(t, []InvocationState{StatePending, StateConfirmed, StateExecuting, StateCompleted}, inv.History())
	assert.True(t, inv.State().Terminal())
	require.NotNil(t, inv.Result())
	assert.Equal(t, EventSuccess, inv.Result().Kind)
}

func TestInvocationRejectsIllegalTransitions(t *testing.T) {
	tests := []struct {
		name string
		path []InvocationState
		bad  InvocationState
	}{
		{"pending cannot execute", nil, StateExecuting},
		{"pending cannot complete", nil, StateCompleted},
		{"rejected is terminal", []InvocationState{StateRejected}, StateConfirmed},
		{"completed is terminal", []InvocationState{StateConfirmed, StateExecuting, StateCompleted}, StateFailed},
		{"no going back", []InvocationState{StateConfirmed, StateExecuting}, StateConfirmed},
		{"confirmed cannot be rejected", []InvocationState{StateConfirmed}, StateRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := NewInvocation(ToolCall{ID: "x"})
			for _, s := range tt.path {
				require.NoError(t, inv.Transition(s))
			}
			before := inv.State()
			err := inv.Transition(tt.bad)
			assert.True(t, errors.Is(err, ErrInvalidTransition))
			assert.Equal(t, before, inv.State())
		})
	}
}

func TestInvocationPreExecutionFailure(t *testing.T) {
	inv := NewInvocation(ToolCall{ID: "x"})
	require.NoError(t, inv.finish(StateFailed, ProgressEvent{Kind: EventError}))
	assert.Equal(t, []InvocationState{StatePending, StateFailed}, inv.History())
}

func TestKindOf(t *testing.T) {
	err := newToolError(ErrPermissionDenied, "read_file", "denied", nil)
	assert.Equal(t, ErrPermissionDenied, KindOf(err))
	assert.Equal(t, ErrorKind(""), KindOf(errors.New("plain")))
	assert.Contains(t, err.Error(), "permission_denied")
}
