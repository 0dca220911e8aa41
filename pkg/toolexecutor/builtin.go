package toolexecutor

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// ToolDefinition declares an in-process tool for registration.
type ToolDefinition struct {
	Name                 string
	Description          string
	Toolkit              string
	Parameters           []ToolParameter
	Handler              ToolHandler
	RequiresConfirmation bool
	Artifact             bool
}

// BuiltinCatalog is the static name to handler table of built-in toolkits.
// Built-in names are canonical and never prefixed.
type BuiltinCatalog struct {
	mu       sync.RWMutex
	tools    map[string]ToolDescriptor
	toolkits map[string][]string
}

// NewBuiltinCatalog creates an empty catalog.
func NewBuiltinCatalog() *BuiltinCatalog {
	return &BuiltinCatalog{
		tools:    make(map[string]ToolDescriptor),
		toolkits: make(map[string][]string),
	}
}

// Register validates def and adds it to its toolkit.
func (c *BuiltinCatalog) Register(def ToolDefinition) error {
	if err := validateToolDefinition(def); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}
	schema, err := SchemaFromParameters(def.Parameters)
	if err != nil {
		return fmt.Errorf("failed to generate schema for %s: %w", def.Name, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.tools[def.Name]; exists {
		return fmt.Errorf("tool %s already registered", def.Name)
	}
	c.tools[def.Name] = ToolDescriptor{
		Name:                 def.Name,
		Description:          def.Description,
		Source:               SourceBuiltin,
		Toolkit:              def.Toolkit,
		InputSchema:          schema,
		RequiresConfirmation: def.RequiresConfirmation,
		Artifact:             def.Artifact,
		Handler:              def.Handler,
	}
	c.toolkits[def.Toolkit] = append(c.toolkits[def.Toolkit], def.Name)

	log.Debug().Str("tool", def.Name).Str("toolkit", def.Toolkit).Msg("Builtin tool registered")
	return nil
}

// Lookup returns the descriptor registered under name.
func (c *BuiltinCatalog) Lookup(name string) (ToolDescriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.tools[name]
	return d, ok
}

// Descriptors returns every built-in descriptor sorted by name.
func (c *BuiltinCatalog) Descriptors() []ToolDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]ToolDescriptor, 0, len(c.tools))
	for _, d := range c.tools {
		out = append(out, d)
	}
	sortDescriptors(out)
	return out
}

// Toolkits returns the registered toolkit names.
func (c *BuiltinCatalog) Toolkits() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]string, 0, len(c.toolkits))
	for k := range c.toolkits {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func validateToolDefinition(def ToolDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if _, ok := DecodeComposite(def.Name); ok {
		return fmt.Errorf("tool name %s collides with the external namespace", def.Name)
	}
	if def.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if def.Toolkit == "" {
		return fmt.Errorf("tool %s has no toolkit", def.Name)
	}
	if def.Toolkit == ControlToolkit || def.Toolkit == AutomationToolkit {
		return fmt.Errorf("toolkit %s is reserved", def.Toolkit)
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}
	for _, p := range def.Parameters {
		if p.Description == "" {
			return fmt.Errorf("parameter description cannot be empty for %s", p.Name)
		}
	}
	return nil
}
