package toolexecutor

import (
	"context"
	"fmt"
	"sort"
)

// SourceKind tags where a tool is served from.
type SourceKind string

const (
	SourceControl    SourceKind = "control"
	SourceBuiltin    SourceKind = "builtin"
	SourceAutomation SourceKind = "automation"
	SourceExternal   SourceKind = "external"
)

// ToolHandler is the function signature for in-process tool execution
type ToolHandler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// ToolParameter defines a parameter for a tool
type ToolParameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
	Enum        []string    `json:"enum,omitempty"`
}

// ToolDescriptor is the immutable, name-addressable description of a tool.
// External descriptors have no handler; they are served through their binding.
type ToolDescriptor struct {
	Name                 string                 `json:"name"`
	Description          string                 `json:"description"`
	Source               SourceKind             `json:"source"`
	Toolkit              string                 `json:"toolkit,omitempty"`
	ProviderID           string                 `json:"provider_id,omitempty"`
	RemoteName           string                 `json:"remote_name,omitempty"`
	InputSchema          map[string]interface{} `json:"input_schema"`
	RequiresConfirmation bool                   `json:"requires_confirmation"`
	Artifact             bool                   `json:"artifact,omitempty"`
	Handler              ToolHandler            `json:"-"`
}

// ArtifactOutput is returned by handlers whose result should be materialized
// by the artifact collaborator regardless of the descriptor flag.
type ArtifactOutput struct {
	Kind  string      `json:"kind"`
	Title string      `json:"title,omitempty"`
	Data  interface{} `json:"data"`
}

var validParamTypes = map[string]bool{
	"string": true, "number": true, "boolean": true,
	"object": true, "array": true, "integer": true,
}

// SchemaFromParameters builds a JSON Schema object from a parameter list.
func SchemaFromParameters(params []ToolParameter) (map[string]interface{}, error) {
	properties := make(map[string]interface{}, len(params))
	required := []string{}

	for _, p := range params {
		if p.Name == "" {
			return nil, fmt.Errorf("parameter name cannot be empty")
		}
		if !validParamTypes[p.Type] {
			return nil, fmt.Errorf("invalid parameter type %q for %s", p.Type, p.Name)
		}
		prop := map[string]interface{}{
			"type":        p.Type,
			"description": p.Description,
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		if len(p.Enum) > 0 {
			enum := make([]interface{}, len(p.Enum))
			for i, v := range p.Enum {
				enum[i] = v
			}
			prop["enum"] = enum
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}

	schema := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		sort.Strings(required)
		schema["required"] = required
	}
	return schema, nil
}

func emptyObjectSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}

func sortDescriptors(ds []ToolDescriptor) {
	sort.Slice(ds, func(i, j int) bool { return ds[i].Name < ds[j].Name })
}
