package toolexecutor

import (
	"fmt"
	"sync"
	"time"
)

// InvocationState is the lifecycle position of one tool call.
type InvocationState string

const (
	StatePending   InvocationState = "pending"
	StateConfirmed InvocationState = "confirmed"
	StateRejected  InvocationState = "rejected"
	StateExecuting InvocationState = "executing"
	StateCompleted InvocationState = "completed"
	StateFailed    InvocationState = "failed"
)

// Terminal reports whether no further transition is possible.
func (s InvocationState) Terminal() bool {
	return s == StateRejected || s == StateCompleted || s == StateFailed
}

// Pending may fail directly when the call is denied, unknown or has
// invalid arguments; it never reaches Executing without Confirmed.
var allowedTransitions = map[InvocationState][]InvocationState{
	StatePending:   {StateConfirmed, StateRejected, StateFailed},
	StateConfirmed: {StateExecuting, StateFailed},
	StateExecuting: {StateCompleted, StateFailed},
}

// ToolCall is a request to run a named tool.
type ToolCall struct {
	ID    string                 `json:"id"`
	Name  string                 `json:"name"`
	Args  map[string]interface{} `json:"args"`
	Owner string                 `json:"owner,omitempty"` // thread or realtime session that issued the call
}

// Invocation tracks one ToolCall through its state machine.
type Invocation struct {
	ID       string
	ToolName string
	Args     map[string]interface{}
	Owner    string

	mu        sync.RWMutex
	state     InvocationState
	history   []InvocationState
	result    *ProgressEvent
	updatedAt time.Time
}

// NewInvocation creates a Pending invocation for call.
func NewInvocation(call ToolCall) *Invocation {
	return &Invocation{
		ID:        call.ID,
		ToolName:  call.Name,
		Args:      call.Args,
		Owner:     call.Owner,
		state:     StatePending,
		history:   []InvocationState{StatePending},
		updatedAt: time.Now(),
	}
}

// State returns the current state.
func (i *Invocation) State() InvocationState {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.state
}

// History returns every state the invocation has been in, in order.
func (i *Invocation) History() []InvocationState {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return append([]InvocationState(nil), i.history...)
}

// Result returns the terminal event, if the invocation has finished.
func (i *Invocation) Result() *ProgressEvent {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.result
}

// Transition moves the invocation to next if the state machine allows it.
func (i *Invocation) Transition(next InvocationState) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	for _, allowed := range allowedTransitions[i.state] {
		if allowed == next {
			i.state = next
			i.history = append(i.history, next)
			i.updatedAt = time.Now()
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, i.state, next)
}

func (i *Invocation) finish(next InvocationState, terminal ProgressEvent) error {
	if err := i.Transition(next); err != nil {
		return err
	}
	i.mu.Lock()
	i.result = &terminal
	i.mu.Unlock()
	return nil
}
