package toolexecutor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harun/conduit/internal/observability"
	"github.com/harun/conduit/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// AutomationSource supplies one synthesized descriptor per automation.
type AutomationSource interface {
	Descriptors() []ToolDescriptor
	Lookup(name string) (ToolDescriptor, bool)
}

// RegistryConfig wires the tool sources together.
type RegistryConfig struct {
	Builtins    *BuiltinCatalog
	Automations AutomationSource
}

// Registry merges control tools, built-ins, automations and external bindings
// into one name-addressable table.
type Registry struct {
	builtins *BuiltinCatalog

	mu          sync.RWMutex
	automations AutomationSource
	bindings    map[string]*ToolSourceBinding
	order       []string
}

// NewRegistry creates a registry. A nil catalog is replaced with an empty one.
func NewRegistry(cfg RegistryConfig) *Registry {
	builtins := cfg.Builtins
	if builtins == nil {
		builtins = NewBuiltinCatalog()
	}
	return &Registry{
		builtins:    builtins,
		automations: cfg.Automations,
		bindings:    make(map[string]*ToolSourceBinding),
	}
}

// Builtins returns the built-in catalog.
func (r *Registry) Builtins() *BuiltinCatalog {
	return r.builtins
}

// SetAutomations replaces the automation source.
func (r *Registry) SetAutomations(src AutomationSource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.automations = src
}

// AddProvider registers an external provider. It connects lazily on the next Load.
func (r *Registry) AddProvider(spec ProviderSpec, client ProviderClient) error {
	if !ValidProviderID(spec.ID) {
		return fmt.Errorf("invalid provider id %q", spec.ID)
	}
	if client == nil {
		return fmt.Errorf("provider %s has no client", spec.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.bindings[spec.ID]; exists {
		return fmt.Errorf("provider %s already registered", spec.ID)
	}
	r.bindings[spec.ID] = newBinding(spec, client)
	r.order = append(r.order, spec.ID)
	sort.Strings(r.order)
	return nil
}

// RemoveProvider tears a binding down and drops its descriptors.
func (r *Registry) RemoveProvider(id string) error {
	r.mu.Lock()
	b, ok := r.bindings[id]
	if ok {
		delete(r.bindings, id)
		for i, pid := range r.order {
			if pid == id {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("provider %s not found", id)
	}
	return b.disconnect()
}

func (r *Registry) orderedBindings() []*ToolSourceBinding {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ToolSourceBinding, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.bindings[id])
	}
	return out
}

func (r *Registry) binding(id string) (*ToolSourceBinding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bindings[id]
	return b, ok
}

// Load connects any binding that is not connected and returns the merged
// snapshot. An unreachable provider is marked and omitted; Load itself
// never fails because of one.
func (r *Registry) Load(ctx context.Context) *Snapshot {
	ctx, span := tracing.StartSpan(ctx, "conduit/toolexecutor", "registry.load")
	defer span.End()

	var wg sync.WaitGroup
	for _, b := range r.orderedBindings() {
		if b.Status() == StatusConnected {
			continue
		}
		wg.Add(1)
		go func(b *ToolSourceBinding) {
			defer wg.Done()
			if err := b.connect(ctx); err != nil {
				log.Warn().
					Str("provider_id", b.spec.ID).
					Err(err).
					Msg("External provider unreachable, omitting its tools")
				observability.SetProviderReachable(b.spec.ID, false)
				return
			}
			observability.SetProviderReachable(b.spec.ID, true)
		}(b)
	}
	wg.Wait()

	snap := r.Snapshot()
	degraded := false
	for _, bi := range snap.Bindings {
		if bi.Status != StatusConnected {
			degraded = true
		}
	}
	observability.RecordRegistryLoad(degraded)
	span.SetAttributes(
		attribute.Int("tools", len(snap.Tools)),
		attribute.Bool("degraded", degraded),
	)
	return snap
}

// Snapshot merges the current state of every source without any I/O.
func (r *Registry) Snapshot() *Snapshot {
	var tools []ToolDescriptor
	tools = append(tools, ControlDescriptors()...)

	builtins := r.builtins.Descriptors()
	taken := make(map[string]bool, len(tools)+len(builtins))
	for _, d := range tools {
		taken[d.Name] = true
	}
	for _, d := range builtins {
		if taken[d.Name] {
			log.Warn().Str("tool", d.Name).Msg("Builtin shadowed by control tool")
			continue
		}
		taken[d.Name] = true
		tools = append(tools, d)
	}

	r.mu.RLock()
	automations := r.automations
	r.mu.RUnlock()
	if automations != nil {
		for _, d := range automations.Descriptors() {
			if taken[d.Name] {
				log.Warn().Str("tool", d.Name).Msg("Automation name collides with a builtin, skipping")
				continue
			}
			taken[d.Name] = true
			tools = append(tools, d)
		}
	}

	bindings := r.orderedBindings()
	infos := make([]BindingInfo, 0, len(bindings))
	for _, b := range bindings {
		tools = append(tools, b.list()...)
		infos = append(infos, b.info())
	}

	return newSnapshot(tools, infos)
}

// Route is the resolved dispatch target for a tool name.
type Route struct {
	Source     SourceKind
	Descriptor ToolDescriptor
	Composite  CompositeID
	// Known is false when nothing answers to the name.
	Known bool
	// Available is false for a known external provider that is not connected.
	Available bool
	binding   *ToolSourceBinding
}

// Resolve maps name to a route: control tools, then built-ins and
// automations, then external tools in either composite encoding.
func (r *Registry) Resolve(name string) Route {
	if d, ok := lookupControl(name); ok {
		return Route{Source: SourceControl, Descriptor: d, Known: true, Available: true}
	}
	if d, ok := r.builtins.Lookup(name); ok {
		return Route{Source: SourceBuiltin, Descriptor: d, Known: true, Available: true}
	}

	r.mu.RLock()
	automations := r.automations
	r.mu.RUnlock()
	if automations != nil {
		if d, ok := automations.Lookup(name); ok {
			return Route{Source: SourceAutomation, Descriptor: d, Known: true, Available: true}
		}
	}

	id, ok := DecodeComposite(name)
	if !ok {
		return Route{}
	}
	b, ok := r.binding(id.ProviderID)
	if !ok {
		return Route{Source: SourceExternal, Composite: id}
	}
	if b.Status() != StatusConnected {
		return Route{Source: SourceExternal, Composite: id, Known: true, binding: b}
	}
	d, ok := b.lookup(id.ToolName)
	if !ok {
		return Route{Source: SourceExternal, Composite: id}
	}
	return Route{Source: SourceExternal, Descriptor: d, Composite: id, Known: true, Available: true, binding: b}
}

// Refresh reconnects one provider and re-registers its tools.
func (r *Registry) Refresh(ctx context.Context, id string) error {
	b, ok := r.binding(id)
	if !ok {
		return fmt.Errorf("provider %s not found", id)
	}
	err := b.connect(ctx)
	observability.SetProviderReachable(id, err == nil)
	return err
}

// CheckHealth pings connected providers and retries unreachable ones.
func (r *Registry) CheckHealth(ctx context.Context) {
	for _, b := range r.orderedBindings() {
		switch b.Status() {
		case StatusConnected:
			pctx, cancel := context.WithTimeout(ctx, b.spec.ConnectTimeout)
			err := b.client.Ping(pctx)
			cancel()
			if err == nil {
				continue
			}
			log.Warn().Str("provider_id", b.spec.ID).Err(err).Msg("Provider health check failed, refreshing")
			if err := r.Refresh(ctx, b.spec.ID); err != nil {
				log.Warn().Str("provider_id", b.spec.ID).Err(err).Msg("Provider refresh failed")
			}
		case StatusUnreachable:
			if err := r.Refresh(ctx, b.spec.ID); err == nil {
				log.Info().Str("provider_id", b.spec.ID).Msg("Provider reachable again")
			}
		}
	}
}

// Bindings returns the state of every external binding.
func (r *Registry) Bindings() []BindingInfo {
	bindings := r.orderedBindings()
	out := make([]BindingInfo, 0, len(bindings))
	for _, b := range bindings {
		out = append(out, b.info())
	}
	return out
}

// Close disconnects every provider.
func (r *Registry) Close() error {
	var firstErr error
	for _, b := range r.orderedBindings() {
		if err := b.disconnect(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Snapshot is an immutable view of the merged tool table at one moment.
type Snapshot struct {
	Tools    []ToolDescriptor `json:"tools"`
	Bindings []BindingInfo    `json:"bindings"`
	LoadedAt time.Time        `json:"loaded_at"`

	byName map[string]ToolDescriptor
}

func newSnapshot(tools []ToolDescriptor, bindings []BindingInfo) *Snapshot {
	byName := make(map[string]ToolDescriptor, len(tools))
	for _, d := range tools {
		byName[d.Name] = d
	}
	return &Snapshot{Tools: tools, Bindings: bindings, LoadedAt: time.Now(), byName: byName}
}

// Lookup finds a descriptor by canonical name or by either composite encoding.
func (s *Snapshot) Lookup(name string) (ToolDescriptor, bool) {
	if d, ok := s.byName[name]; ok {
		return d, true
	}
	if id, ok := DecodeComposite(name); ok {
		d, ok := s.byName[id.String()]
		return d, ok
	}
	return ToolDescriptor{}, false
}

// Permitted returns the descriptors ps allows.
func (s *Snapshot) Permitted(ps PermissionSet) []ToolDescriptor {
	return ps.Filter(s.Tools)
}

// Binding returns the binding info for provider id.
func (s *Snapshot) Binding(id string) (BindingInfo, bool) {
	for _, b := range s.Bindings {
		if b.ProviderID == id {
			return b, true
		}
	}
	return BindingInfo{}, false
}
