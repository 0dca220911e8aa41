package toolexecutor

import (
	"context"
	"fmt"
)

const (
	// ControlToolkit holds the session-native control tools.
	ControlToolkit = "session"
	// AutomationToolkit holds every automation descriptor.
	AutomationToolkit = "automations"
)

// ControlSurface is the UI state a realtime session can change directly.
type ControlSurface interface {
	SetTheme(ctx context.Context, theme string) error
	SetEnvironment(ctx context.Context, environment string) error
	EndSession(ctx context.Context, reason string) error
}

type controlSurfaceKey struct{}

// WithControlSurface makes control tools available to dispatches on ctx.
func WithControlSurface(ctx context.Context, surface ControlSurface) context.Context {
	return context.WithValue(ctx, controlSurfaceKey{}, surface)
}

func controlSurfaceFrom(ctx context.Context) ControlSurface {
	s, _ := ctx.Value(controlSurfaceKey{}).(ControlSurface)
	return s
}

var controlTools = buildControlTools()

func buildControlTools() map[string]ToolDescriptor {
	defs := []struct {
		name, description string
		params            []ToolParameter
		run               func(ctx context.Context, s ControlSurface, args map[string]interface{}) error
	}{
		{
			name:        "set_theme",
			description: "Switch the interface between light and dark appearance.",
			params: []ToolParameter{
				{Name: "theme", Type: "string", Description: "Target theme", Required: true, Enum: []string{"light", "dark", "system"}},
			},
			run: func(ctx context.Context, s ControlSurface, args map[string]interface{}) error {
				theme, _ := args["theme"].(string)
				return s.SetTheme(ctx, theme)
			},
		},
		{
			name:        "set_environment",
			description: "Switch the active workspace environment.",
			params: []ToolParameter{
				{Name: "environment", Type: "string", Description: "Environment name", Required: true},
			},
			run: func(ctx context.Context, s ControlSurface, args map[string]interface{}) error {
				env, _ := args["environment"].(string)
				return s.SetEnvironment(ctx, env)
			},
		},
		{
			name:        "end_voice_session",
			description: "End the current voice conversation.",
			params: []ToolParameter{
				{Name: "reason", Type: "string", Description: "Why the session is ending", Required: false},
			},
			run: func(ctx context.Context, s ControlSurface, args map[string]interface{}) error {
				reason, _ := args["reason"].(string)
				return s.EndSession(ctx, reason)
			},
		},
	}

	out := make(map[string]ToolDescriptor, len(defs))
	for _, d := range defs {
		schema, err := SchemaFromParameters(d.params)
		if err != nil {
			panic(fmt.Sprintf("control tool %s: %v", d.name, err))
		}
		run := d.run
		name := d.name
		out[d.name] = ToolDescriptor{
			Name:        d.name,
			Description: d.description,
			Source:      SourceControl,
			Toolkit:     ControlToolkit,
			InputSchema: schema,
			Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				surface := controlSurfaceFrom(ctx)
				if surface == nil {
					return nil, fmt.Errorf("no control surface attached for %s", name)
				}
				if err := run(ctx, surface, args); err != nil {
					return nil, err
				}
				return map[string]interface{}{"ok": true}, nil
			},
		}
	}
	return out
}

// ControlDescriptors returns the session-native control tools sorted by name.
func ControlDescriptors() []ToolDescriptor {
	out := make([]ToolDescriptor, 0, len(controlTools))
	for _, d := range controlTools {
		out = append(out, d)
	}
	sortDescriptors(out)
	return out
}

func lookupControl(name string) (ToolDescriptor, bool) {
	d, ok := controlTools[name]
	return d, ok
}
