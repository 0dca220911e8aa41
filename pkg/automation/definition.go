package automation

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/harun/conduit/pkg/toolexecutor"
	"gopkg.in/yaml.v3"
)

var idPattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]{0,63}$`)

// Definition is a user-authored automation as written in YAML.
type Definition struct {
	ID                   string                 `yaml:"id" json:"id"`
	Name                 string                 `yaml:"name" json:"name"`
	Description          string                 `yaml:"description" json:"description"`
	RequiresConfirmation bool                   `yaml:"requires_confirmation" json:"requires_confirmation"`
	InputSchema          map[string]interface{} `yaml:"input_schema" json:"input_schema,omitempty"`
	Steps                []Step                 `yaml:"steps" json:"steps"`
	Schedule             *Schedule              `yaml:"schedule,omitempty" json:"schedule,omitempty"`
	Disabled             bool                   `yaml:"disabled" json:"disabled,omitempty"`

	source   string
	resolved *jsonschema.Resolved
}

// Step calls one built-in tool. String arguments may use Go templates over
// .inputs and .steps; a value of the exact form "$inputs.x" or
// "$steps.name.field" is substituted with the referenced value unchanged.
type Step struct {
	Name            string                 `yaml:"name" json:"name"`
	Tool            string                 `yaml:"tool" json:"tool"`
	Args            map[string]interface{} `yaml:"args" json:"args,omitempty"`
	ContinueOnError bool                   `yaml:"continue_on_error" json:"continue_on_error,omitempty"`
}

// Source returns the file the definition was loaded from.
func (d *Definition) Source() string {
	return d.source
}

// Parse decodes and validates one YAML definition.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("invalid automation yaml: %w", err)
	}
	if err := def.validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// LoadFile reads and parses the definition at path.
func LoadFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	def, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	def.source = path
	return def, nil
}

func (d *Definition) validate() error {
	if !idPattern.MatchString(d.ID) {
		return fmt.Errorf("automation id %q must start with a letter and contain only letters, digits, '_' or '-'", d.ID)
	}
	if _, ok := toolexecutor.DecodeComposite(d.ID); ok {
		return fmt.Errorf("automation id %q collides with the external namespace", d.ID)
	}
	if d.Description == "" {
		return fmt.Errorf("automation %s has no description", d.ID)
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("automation %s has no steps", d.ID)
	}

	names := make(map[string]bool, len(d.Steps))
	for i := range d.Steps {
		step := &d.Steps[i]
		if step.Tool == "" {
			return fmt.Errorf("automation %s step %d has no tool", d.ID, i+1)
		}
		if step.Name == "" {
			step.Name = fmt.Sprintf("step%d", i+1)
		}
		if names[step.Name] {
			return fmt.Errorf("automation %s has duplicate step name %s", d.ID, step.Name)
		}
		names[step.Name] = true
	}

	if d.InputSchema == nil {
		d.InputSchema = map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
	}
	resolved, err := resolveSchema(d.InputSchema)
	if err != nil {
		return fmt.Errorf("automation %s has an invalid input_schema: %w", d.ID, err)
	}
	d.resolved = resolved

	if d.Schedule != nil {
		if _, err := d.Schedule.Next(timeNow()); err != nil {
			return fmt.Errorf("automation %s has an invalid schedule: %w", d.ID, err)
		}
	}
	return nil
}

func resolveSchema(raw map[string]interface{}) (*jsonschema.Resolved, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var schema jsonschema.Schema
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, err
	}
	if schema.Type != "" && schema.Type != "object" {
		return nil, fmt.Errorf("input_schema must describe an object, got %q", schema.Type)
	}
	return schema.Resolve(nil)
}

// ValidateInputs checks inputs against the definition's input schema.
func (d *Definition) ValidateInputs(inputs map[string]interface{}) error {
	if d.resolved == nil {
		return nil
	}
	if inputs == nil {
		inputs = map[string]interface{}{}
	}
	// round-trip so numbers and nested values have JSON types
	data, err := json.Marshal(inputs)
	if err != nil {
		return err
	}
	var instance map[string]interface{}
	if err := json.Unmarshal(data, &instance); err != nil {
		return err
	}
	return d.resolved.Validate(instance)
}
