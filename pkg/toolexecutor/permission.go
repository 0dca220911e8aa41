package toolexecutor

import "sort"

// AllTools is the allow-list wildcard for every tool of a provider.
const AllTools = "*"

// CallerAllow is the set of sources the caller enabled for this turn.
// External maps a provider id to tool names, or to "*" for every tool.
type CallerAllow struct {
	Toolkits []string            `json:"toolkits"`
	Tools    []string            `json:"tools,omitempty"`
	External map[string][]string `json:"external"`
}

// AgentScope is an agent's fixed capability set. Tools may name built-ins,
// automations or external tools in either composite encoding.
type AgentScope struct {
	Toolkits []string            `json:"toolkits,omitempty"`
	Tools    []string            `json:"tools,omitempty"`
	External map[string][]string `json:"external,omitempty"`
}

// ToolSelection is the permitted part of one provider.
type ToolSelection struct {
	All   bool                `json:"all"`
	Tools map[string]struct{} `json:"tools,omitempty"`
}

func (s ToolSelection) has(tool string) bool {
	if s.All {
		return true
	}
	_, ok := s.Tools[tool]
	return ok
}

// PermissionSet is the effective tool subset for one turn.
type PermissionSet struct {
	Toolkits map[string]struct{}      `json:"toolkits"`
	Tools    map[string]struct{}      `json:"tools"`
	External map[string]ToolSelection `json:"external"`
}

// Resolve computes the turn's PermissionSet. The agent scope is unioned in;
// it never replaces or empties the caller's allow-lists.
func Resolve(caller CallerAllow, agent *AgentScope) PermissionSet {
	ps := PermissionSet{
		Toolkits: make(map[string]struct{}),
		Tools:    make(map[string]struct{}),
		External: make(map[string]ToolSelection),
	}

	ps.addToolkits(caller.Toolkits)
	ps.addTools(caller.Tools)
	ps.addExternal(caller.External)

	if agent != nil {
		ps.addToolkits(agent.Toolkits)
		ps.addTools(agent.Tools)
		ps.addExternal(agent.External)
	}
	return ps
}

func (ps PermissionSet) addToolkits(toolkits []string) {
	for _, tk := range toolkits {
		if tk != "" {
			ps.Toolkits[tk] = struct{}{}
		}
	}
}

func (ps PermissionSet) addTools(tools []string) {
	for _, name := range tools {
		if name == "" {
			continue
		}
		if id, ok := DecodeComposite(name); ok {
			ps.addExternalTool(id.ProviderID, id.ToolName)
			continue
		}
		ps.Tools[name] = struct{}{}
	}
}

func (ps PermissionSet) addExternal(external map[string][]string) {
	for provider, tools := range external {
		if len(tools) == 0 {
			continue
		}
		for _, tool := range tools {
			ps.addExternalTool(provider, tool)
		}
	}
}

func (ps PermissionSet) addExternalTool(provider, tool string) {
	sel := ps.External[provider]
	if tool == AllTools {
		sel.All = true
		sel.Tools = nil
	} else if !sel.All {
		if sel.Tools == nil {
			sel.Tools = make(map[string]struct{})
		}
		sel.Tools[tool] = struct{}{}
	}
	ps.External[provider] = sel
}

// Permits reports whether d may be dispatched under this set.
func (ps PermissionSet) Permits(d ToolDescriptor) bool {
	if d.Source == SourceExternal {
		return ps.PermitsExternal(d.ProviderID, d.RemoteName)
	}
	if _, ok := ps.Tools[d.Name]; ok {
		return true
	}
	_, ok := ps.Toolkits[d.Toolkit]
	return ok
}

// PermitsExternal reports whether tool on provider is allowed.
func (ps PermissionSet) PermitsExternal(provider, tool string) bool {
	sel, ok := ps.External[provider]
	return ok && sel.has(tool)
}

// PermitsProvider reports whether any tool of provider is allowed.
func (ps PermissionSet) PermitsProvider(provider string) bool {
	sel, ok := ps.External[provider]
	return ok && (sel.All || len(sel.Tools) > 0)
}

// WithToolkits returns a copy of ps with extra toolkits enabled.
func (ps PermissionSet) WithToolkits(toolkits ...string) PermissionSet {
	out := ps.clone()
	out.addToolkits(toolkits)
	return out
}

// Empty reports whether nothing is permitted.
func (ps PermissionSet) Empty() bool {
	return len(ps.Toolkits) == 0 && len(ps.Tools) == 0 && len(ps.External) == 0
}

// Summary lists permitted toolkits, tools and providers for logs and UIs.
func (ps PermissionSet) Summary() (toolkits, tools, providers []string) {
	for k := range ps.Toolkits {
		toolkits = append(toolkits, k)
	}
	for k := range ps.Tools {
		tools = append(tools, k)
	}
	for k := range ps.External {
		providers = append(providers, k)
	}
	sort.Strings(toolkits)
	sort.Strings(tools)
	sort.Strings(providers)
	return toolkits, tools, providers
}

func (ps PermissionSet) clone() PermissionSet {
	out := PermissionSet{
		Toolkits: make(map[string]struct{}, len(ps.Toolkits)),
		Tools:    make(map[string]struct{}, len(ps.Tools)),
		External: make(map[string]ToolSelection, len(ps.External)),
	}
	for k := range ps.Toolkits {
		out.Toolkits[k] = struct{}{}
	}
	for k := range ps.Tools {
		out.Tools[k] = struct{}{}
	}
	for p, sel := range ps.External {
		cp := ToolSelection{All: sel.All}
		if sel.Tools != nil {
			cp.Tools = make(map[string]struct{}, len(sel.Tools))
			for t := range sel.Tools {
				cp.Tools[t] = struct{}{}
			}
		}
		out.External[p] = cp
	}
	return out
}

// Filter returns the descriptors ps permits, preserving order.
func (ps PermissionSet) Filter(ds []ToolDescriptor) []ToolDescriptor {
	out := make([]ToolDescriptor, 0, len(ds))
	for _, d := range ds {
		if ps.Permits(d) {
			out = append(out, d)
		}
	}
	return out
}
