package toolexecutor

// FunctionSpec is the provider-neutral shape of a tool offered to a model.
// Names are canonical: built-ins and automations by name, external tools in
// the separator encoding.
type FunctionSpec struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
	Source      SourceKind             `json:"source"`
}

// FunctionSpecs converts descriptors into model-facing specs. Control tools
// are left out unless includeControl is set.
func FunctionSpecs(tools []ToolDescriptor, includeControl bool) []FunctionSpec {
	out := make([]FunctionSpec, 0, len(tools))
	for _, d := range tools {
		if d.Source == SourceControl && !includeControl {
			continue
		}
		params := d.InputSchema
		if params == nil {
			params = emptyObjectSchema()
		}
		out = append(out, FunctionSpec{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  params,
			Source:      d.Source,
		})
	}
	return out
}

// Functions returns the specs for everything ps permits in the snapshot.
func (s *Snapshot) Functions(ps PermissionSet, includeControl bool) []FunctionSpec {
	return FunctionSpecs(s.Permitted(ps), includeControl)
}
