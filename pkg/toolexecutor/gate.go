package toolexecutor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harun/conduit/internal/observability"
	"github.com/rs/zerolog/log"
)

// ExecutionMode selects whether every call is gated.
type ExecutionMode string

const (
	ModeAuto   ExecutionMode = "auto"
	ModeManual ExecutionMode = "manual"
)

// ParseExecutionMode maps a config value to a mode, defaulting to auto.
func ParseExecutionMode(v string) (ExecutionMode, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", string(ModeAuto):
		return ModeAuto, nil
	case string(ModeManual):
		return ModeManual, nil
	default:
		return "", fmt.Errorf("invalid execution mode %q", v)
	}
}

// ConfirmationRequest describes a call waiting for an explicit decision.
type ConfirmationRequest struct {
	InvocationID string                 `json:"invocation_id"`
	Tool         string                 `json:"tool"`
	Description  string                 `json:"description"`
	Source       SourceKind             `json:"source"`
	Args         map[string]interface{} `json:"args"`
	Owner        string                 `json:"owner,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	ExpiresAt    time.Time              `json:"expires_at,omitempty"`
}

// Decision is the user's answer to a ConfirmationRequest.
type Decision struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
	Actor    string `json:"actor,omitempty"`
	// Abandoned marks a decline issued because the owner went away.
	Abandoned bool `json:"abandoned,omitempty"`
}

// AlternativeKind enumerates the follow-ups offered after a rejection.
type AlternativeKind string

const (
	AlternativeNoTool        AlternativeKind = "no_tool"
	AlternativeDifferentTool AlternativeKind = "different_tool"
	AlternativeAdjustArgs    AlternativeKind = "same_tool_different_args"
)

// Alternative is one suggested way forward after a rejection.
type Alternative struct {
	Kind        AlternativeKind `json:"kind"`
	Description string          `json:"description"`
	Tool        string          `json:"tool,omitempty"`
}

// Rejection is returned instead of a result when a gated call is declined.
// It is not an error.
type Rejection struct {
	Reason       string        `json:"reason,omitempty"`
	Abandoned    bool          `json:"abandoned,omitempty"`
	Questions    []string      `json:"questions"`
	Alternatives []Alternative `json:"alternatives"`
}

// ConfirmationNotifier is told when a confirmation starts waiting.
type ConfirmationNotifier interface {
	ConfirmationRequested(ctx context.Context, req ConfirmationRequest)
}

type pendingConfirmation struct {
	req      ConfirmationRequest
	decision chan Decision
	resolved bool
}

// ConfirmationGate holds gated invocations until someone resolves them.
// Nothing in the gate ever approves on its own.
type ConfirmationGate struct {
	timeout  time.Duration
	notifier ConfirmationNotifier

	mu      sync.Mutex
	pending map[string]*pendingConfirmation
}

// NewConfirmationGate creates a gate. timeout <= 0 waits until the context ends.
func NewConfirmationGate(timeout time.Duration) *ConfirmationGate {
	return &ConfirmationGate{
		timeout: timeout,
		pending: make(map[string]*pendingConfirmation),
	}
}

// SetNotifier registers a listener for new confirmations.
func (g *ConfirmationGate) SetNotifier(n ConfirmationNotifier) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.notifier = n
}

// Await blocks until req is resolved, abandoned, expired or ctx ends.
// Only an explicit approving Decision returns Approved.
func (g *ConfirmationGate) Await(ctx context.Context, req ConfirmationRequest) (Decision, error) {
	return g.await(ctx, req, nil)
}

// await registers req and calls onPending before notifying, so a decision
// sent by anyone who observed the request always finds it registered.
func (g *ConfirmationGate) await(ctx context.Context, req ConfirmationRequest, onPending func(ConfirmationRequest)) (Decision, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}
	if deadline, ok := ctx.Deadline(); ok {
		req.ExpiresAt = deadline
	}

	p := &pendingConfirmation{req: req, decision: make(chan Decision, 1)}

	g.mu.Lock()
	if _, exists := g.pending[req.InvocationID]; exists {
		g.mu.Unlock()
		return Decision{}, fmt.Errorf("confirmation for %s already pending", req.InvocationID)
	}
	g.pending[req.InvocationID] = p
	notifier := g.notifier
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.pending, req.InvocationID)
		g.mu.Unlock()
	}()

	if onPending != nil {
		onPending(req)
	}
	if notifier != nil {
		notifier.ConfirmationRequested(ctx, req)
	}

	select {
	case d := <-p.decision:
		return d, nil
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	}
}

// Resolve delivers a decision for a pending invocation.
func (g *ConfirmationGate) Resolve(invocationID string, d Decision) error {
	g.mu.Lock()
	p, ok := g.pending[invocationID]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrConfirmationNotFound, invocationID)
	}
	if p.resolved {
		g.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrConfirmationResolved, invocationID)
	}
	p.resolved = true
	g.mu.Unlock()

	p.decision <- d

	outcome := "rejected"
	if d.Approved {
		outcome = "approved"
	}
	observability.RecordConfirmation(outcome)
	log.Info().
		Str("invocation_id", invocationID).
		Str("tool", p.req.Tool).
		Bool("approved", d.Approved).
		Str("actor", d.Actor).
		Msg("Confirmation resolved")
	return nil
}

// Abandon declines every pending confirmation issued by owner and returns
// how many were affected. Abandoned calls end Rejected without running.
func (g *ConfirmationGate) Abandon(owner string) int {
	g.mu.Lock()
	var targets []*pendingConfirmation
	for _, p := range g.pending {
		if p.req.Owner == owner && !p.resolved {
			p.resolved = true
			targets = append(targets, p)
		}
	}
	g.mu.Unlock()

	for _, p := range targets {
		p.decision <- Decision{Reason: "session ended before confirmation", Actor: "system", Abandoned: true}
	}
	if len(targets) > 0 {
		observability.RecordConfirmation("abandoned")
	}
	return len(targets)
}

// Pending lists waiting confirmations, optionally filtered by owner.
func (g *ConfirmationGate) Pending(owner string) []ConfirmationRequest {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]ConfirmationRequest, 0, len(g.pending))
	for _, p := range g.pending {
		if owner == "" || p.req.Owner == owner {
			out = append(out, p.req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// BuildRejection produces the clarifying questions and the three
// alternatives offered after d is declined. candidates are the other tools
// the turn may use.
func BuildRejection(d ToolDescriptor, args map[string]interface{}, reason string, candidates []ToolDescriptor) Rejection {
	r := Rejection{Reason: reason}

	r.Questions = append(r.Questions, fmt.Sprintf("What did you want to achieve instead of running %s?", d.Name))
	if keys := argKeys(args); len(keys) > 0 {
		r.Questions = append(r.Questions, fmt.Sprintf("Should any of these inputs change: %s?", strings.Join(keys, ", ")))
	}

	r.Alternatives = append(r.Alternatives, Alternative{
		Kind:        AlternativeNoTool,
		Description: "Answer directly without calling a tool.",
	})

	other := pickAlternativeTool(d, candidates)
	if other.Name != "" {
		r.Alternatives = append(r.Alternatives, Alternative{
			Kind:        AlternativeDifferentTool,
			Description: fmt.Sprintf("Use %s instead: %s", other.Name, other.Description),
			Tool:        other.Name,
		})
	} else {
		r.Alternatives = append(r.Alternatives, Alternative{
			Kind:        AlternativeDifferentTool,
			Description: "Use a different tool if one becomes available.",
		})
	}

	r.Alternatives = append(r.Alternatives, Alternative{
		Kind:        AlternativeAdjustArgs,
		Description: fmt.Sprintf("Run %s again with adjusted inputs.", d.Name),
		Tool:        d.Name,
	})
	return r
}

func pickAlternativeTool(d ToolDescriptor, candidates []ToolDescriptor) ToolDescriptor {
	var fallback ToolDescriptor
	for _, c := range candidates {
		if c.Name == d.Name || c.Source == SourceControl || c.RequiresConfirmation {
			continue
		}
		sameFamily := (d.Source == SourceExternal && c.ProviderID == d.ProviderID) ||
			(d.Source != SourceExternal && c.Toolkit == d.Toolkit)
		if sameFamily {
			return c
		}
		if fallback.Name == "" {
			fallback = c
		}
	}
	return fallback
}

func argKeys(args map[string]interface{}) []string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > 4 {
		keys = keys[:4]
	}
	return keys
}
