package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"github.com/harun/conduit/pkg/toolexecutor"
	"github.com/rs/zerolog/log"
)

// StepResult records the outcome of one step.
type StepResult struct {
	Name   string      `json:"name"`
	Tool   string      `json:"tool"`
	Output interface{} `json:"output,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// RunResult is what an automation invocation returns.
type RunResult struct {
	Automation string       `json:"automation"`
	Steps      []StepResult `json:"steps"`
	Output     interface{}  `json:"output,omitempty"`
}

func (c *Catalog) execute(ctx context.Context, def *Definition, inputs map[string]interface{}) (*RunResult, error) {
	if inputs == nil {
		inputs = map[string]interface{}{}
	}
	if err := def.ValidateInputs(inputs); err != nil {
		return nil, fmt.Errorf("invalid inputs for %s: %w", def.ID, err)
	}

	steps := make(map[string]interface{}, len(def.Steps))
	state := map[string]interface{}{"inputs": inputs, "steps": steps}
	result := &RunResult{Automation: def.ID}

	for i, step := range def.Steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		toolexecutor.ReportProgress(ctx, fmt.Sprintf("step %d/%d: %s", i+1, len(def.Steps), step.Name), nil)

		out, err := c.runStep(ctx, step, state)
		if err != nil {
			log.Warn().Str("automation", def.ID).Str("step", step.Name).Err(err).Msg("Automation step failed")
			result.Steps = append(result.Steps, StepResult{Name: step.Name, Tool: step.Tool, Error: err.Error()})
			if step.ContinueOnError {
				continue
			}
			return nil, fmt.Errorf("step %s (%s): %w", step.Name, step.Tool, err)
		}

		steps[step.Name] = out
		result.Steps = append(result.Steps, StepResult{Name: step.Name, Tool: step.Tool, Output: out})
		result.Output = out
	}
	return result, nil
}

func (c *Catalog) runStep(ctx context.Context, step Step, state map[string]interface{}) (interface{}, error) {
	desc, ok := c.builtins.Lookup(step.Tool)
	if !ok {
		return nil, fmt.Errorf("unknown built-in tool %s", step.Tool)
	}

	rendered, err := renderValue(step.Args, state)
	if err != nil {
		return nil, err
	}
	args, _ := rendered.(map[string]interface{})
	if args == nil {
		args = map[string]interface{}{}
	}

	if desc.InputSchema != nil {
		resolved, err := resolveSchema(desc.InputSchema)
		if err == nil {
			data, _ := json.Marshal(args)
			var instance map[string]interface{}
			if json.Unmarshal(data, &instance) == nil {
				if err := resolved.Validate(instance); err != nil {
					return nil, fmt.Errorf("invalid arguments: %w", err)
				}
			}
		}
	}

	return desc.Handler(ctx, args)
}

func renderValue(v interface{}, state map[string]interface{}) (interface{}, error) {
	switch val := v.(type) {
	case string:
		return renderString(val, state)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			r, err := renderValue(item, state)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = r
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			r, err := renderValue(item, state)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

func renderString(s string, state map[string]interface{}) (interface{}, error) {
	if ref, ok := strings.CutPrefix(s, "$"); ok && (strings.HasPrefix(ref, "inputs.") || strings.HasPrefix(ref, "steps.")) {
		return lookupPath(state, strings.Split(ref, "."))
	}
	if !strings.Contains(s, "{{") {
		return s, nil
	}

	tmpl, err := template.New("arg").Option("missingkey=error").Parse(s)
	if err != nil {
		return nil, fmt.Errorf("invalid template %q: %w", s, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, state); err != nil {
		return nil, fmt.Errorf("template %q: %w", s, err)
	}
	return buf.String(), nil
}

func lookupPath(root interface{}, path []string) (interface{}, error) {
	cur := root
	for i, key := range path {
		m, ok := cur.(map[string]interface{})
		if !ok {
			generic, err := toGeneric(cur)
			if err != nil {
				return nil, err
			}
			if m, ok = generic.(map[string]interface{}); !ok {
				return nil, fmt.Errorf("$%s is not an object", strings.Join(path[:i], "."))
			}
		}
		next, ok := m[key]
		if !ok {
			return nil, fmt.Errorf("$%s is not set", strings.Join(path[:i+1], "."))
		}
		cur = next
	}
	return cur, nil
}

func toGeneric(v interface{}) (interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
