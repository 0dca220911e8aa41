package toolexecutor

// ConversationTurnContext is built once per turn and passed by value.
type ConversationTurnContext struct {
	ThreadID      string        `json:"thread_id"`
	AgentRef      string        `json:"agent_ref,omitempty"`
	Permissions   PermissionSet `json:"permissions"`
	Customization string        `json:"customization,omitempty"`
}

// NewTurnContext resolves permissions for one turn and renders the guidance
// text for the providers they reach. agent may be nil.
func NewTurnContext(threadID, agentRef string, caller CallerAllow, agent *AgentScope, snap *Snapshot) ConversationTurnContext {
	perms := Resolve(caller, agent)
	var bindings []BindingInfo
	if snap != nil {
		bindings = snap.Bindings
	}
	return ConversationTurnContext{
		ThreadID:      threadID,
		AgentRef:      agentRef,
		Permissions:   perms,
		Customization: BuildCustomization(perms, bindings),
	}
}

// Owner is the confirmation owner for calls made during the turn.
func (tc ConversationTurnContext) Owner() string {
	return tc.ThreadID
}
