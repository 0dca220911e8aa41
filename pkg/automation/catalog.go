package automation

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/harun/conduit/pkg/toolexecutor"
	"github.com/rs/zerolog/log"
)

// ToolPrefix namespaces automation descriptors in the tool table.
const ToolPrefix = "automation_"

// ToolName returns the tool name an automation is published under.
func ToolName(id string) string {
	return ToolPrefix + id
}

// Catalog holds the loaded automations and serves them to the tool
// registry as one synthesized descriptor each.
type Catalog struct {
	dir      string
	builtins *toolexecutor.BuiltinCatalog

	mu          sync.RWMutex
	defs        map[string]*Definition
	descriptors map[string]toolexecutor.ToolDescriptor
	loadErrors  map[string]string
	onChange    []func()
}

// NewCatalog creates a catalog for the YAML files in dir. Steps may only
// call tools registered in builtins.
func NewCatalog(dir string, builtins *toolexecutor.BuiltinCatalog) *Catalog {
	if builtins == nil {
		builtins = toolexecutor.NewBuiltinCatalog()
	}
	return &Catalog{
		dir:         dir,
		builtins:    builtins,
		defs:        make(map[string]*Definition),
		descriptors: make(map[string]toolexecutor.ToolDescriptor),
		loadErrors:  make(map[string]string),
	}
}

// Dir returns the watched directory.
func (c *Catalog) Dir() string {
	return c.dir
}

// Load replaces the catalog with the definitions currently on disk. Invalid
// files are logged, recorded in LoadErrors and skipped. A missing directory
// yields an empty catalog.
func (c *Catalog) Load() error {
	defs := make(map[string]*Definition)
	loadErrors := make(map[string]string)

	entries, err := os.ReadDir(c.dir)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to read automations directory: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() || !isDefinitionFile(e.Name()) {
			continue
		}
		files = append(files, filepath.Join(c.dir, e.Name()))
	}
	sort.Strings(files)

	for _, path := range files {
		def, err := LoadFile(path)
		if err == nil {
			err = c.checkSteps(def)
		}
		if err == nil {
			if prev, dup := defs[def.ID]; dup {
				err = fmt.Errorf("automation id %s already defined in %s", def.ID, prev.source)
			}
		}
		if err != nil {
			log.Warn().Str("path", path).Err(err).Msg("Skipping invalid automation")
			loadErrors[path] = err.Error()
			continue
		}
		defs[def.ID] = def
	}

	c.replace(defs, loadErrors)
	log.Info().Str("dir", c.dir).Int("automations", len(defs)).Int("invalid", len(loadErrors)).Msg("Automations loaded")
	return nil
}

// Add registers def directly, replacing any automation with the same id.
func (c *Catalog) Add(def *Definition) error {
	if err := def.validate(); err != nil {
		return err
	}
	if err := c.checkSteps(def); err != nil {
		return err
	}

	c.mu.RLock()
	defs := make(map[string]*Definition, len(c.defs)+1)
	for k, v := range c.defs {
		defs[k] = v
	}
	loadErrors := c.loadErrors
	c.mu.RUnlock()

	defs[def.ID] = def
	c.replace(defs, loadErrors)
	return nil
}

func (c *Catalog) checkSteps(def *Definition) error {
	for _, step := range def.Steps {
		if _, ok := c.builtins.Lookup(step.Tool); !ok {
			return fmt.Errorf("automation %s step %s calls unknown built-in tool %s", def.ID, step.Name, step.Tool)
		}
	}
	return nil
}

func (c *Catalog) replace(defs map[string]*Definition, loadErrors map[string]string) {
	descriptors := make(map[string]toolexecutor.ToolDescriptor, len(defs))
	for id, def := range defs {
		if def.Disabled {
			continue
		}
		descriptors[ToolName(id)] = c.descriptorFor(def)
	}

	c.mu.Lock()
	c.defs = defs
	c.descriptors = descriptors
	c.loadErrors = loadErrors
	listeners := append([]func(){}, c.onChange...)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn()
	}
}

func (c *Catalog) descriptorFor(def *Definition) toolexecutor.ToolDescriptor {
	confirm := def.RequiresConfirmation
	for _, step := range def.Steps {
		if d, ok := c.builtins.Lookup(step.Tool); ok && d.RequiresConfirmation {
			confirm = true
		}
	}

	description := def.Description
	if def.Name != "" && !strings.Contains(description, def.Name) {
		description = def.Name + ": " + description
	}

	return toolexecutor.ToolDescriptor{
		Name:                 ToolName(def.ID),
		Description:          description,
		Source:               toolexecutor.SourceAutomation,
		Toolkit:              toolexecutor.AutomationToolkit,
		InputSchema:          def.InputSchema,
		RequiresConfirmation: confirm,
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return c.execute(ctx, def, args)
		},
	}
}

// Descriptors returns one descriptor per enabled automation, sorted by name.
func (c *Catalog) Descriptors() []toolexecutor.ToolDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]toolexecutor.ToolDescriptor, 0, len(c.descriptors))
	for _, d := range c.descriptors {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Lookup returns the descriptor published under tool name.
func (c *Catalog) Lookup(name string) (toolexecutor.ToolDescriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.descriptors[name]
	return d, ok
}

// Get returns the definition for id.
func (c *Catalog) Get(id string) (*Definition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	def, ok := c.defs[id]
	return def, ok
}

// Definitions returns every loaded definition sorted by id.
func (c *Catalog) Definitions() []*Definition {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*Definition, 0, len(c.defs))
	for _, def := range c.defs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LoadErrors maps each rejected file to the reason it was skipped.
func (c *Catalog) LoadErrors() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.loadErrors))
	for k, v := range c.loadErrors {
		out[k] = v
	}
	return out
}

// OnChange registers fn to run after every reload.
func (c *Catalog) OnChange(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = append(c.onChange, fn)
}

// Invoke runs automation id with inputs outside the dispatcher. Callers
// are responsible for permission and confirmation.
func (c *Catalog) Invoke(ctx context.Context, id string, inputs map[string]interface{}) (*RunResult, error) {
	def, ok := c.Get(id)
	if !ok {
		return nil, fmt.Errorf("automation %s not found", id)
	}
	if def.Disabled {
		return nil, fmt.Errorf("automation %s is disabled", id)
	}
	return c.execute(ctx, def, inputs)
}

func isDefinitionFile(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
