package coretools

import (
	"context"
	"fmt"
	"time"

	"github.com/harun/conduit/pkg/toolexecutor"
)

var chartKinds = []string{"bar", "line", "pie"}

// ChartSeries is one named data series of a chart artifact.
type ChartSeries struct {
	Name   string    `json:"name"`
	Values []float64 `json:"values"`
}

// Chart is the payload the UI renders for chart_tool.
type Chart struct {
	Type   string        `json:"type"`
	Labels []string      `json:"labels"`
	Series []ChartSeries `json:"series"`
}

func chartTool() toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "chart_tool",
		Description: "Render a chart in the interface from labelled numeric series.",
		Toolkit:     ToolkitCharts,
		Artifact:    true,
		Parameters: []toolexecutor.ToolParameter{
			{Name: "title", Type: "string", Description: "Chart title", Required: true},
			{Name: "type", Type: "string", Description: "Chart type", Required: true, Enum: chartKinds},
			{Name: "labels", Type: "array", Description: "Category labels", Required: true},
			{Name: "series", Type: "array", Description: "Series as objects with name and values", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			title, _ := params["title"].(string)
			kind, _ := params["type"].(string)

			labels := toStringSlice(params["labels"])
			if len(labels) == 0 {
				return nil, fmt.Errorf("labels are required")
			}

			rawSeries, _ := params["series"].([]interface{})
			if len(rawSeries) == 0 {
				return nil, fmt.Errorf("at least one series is required")
			}
			series := make([]ChartSeries, 0, len(rawSeries))
			for i, raw := range rawSeries {
				obj, ok := raw.(map[string]interface{})
				if !ok {
					return nil, fmt.Errorf("series %d must be an object", i)
				}
				name, _ := obj["name"].(string)
				values, err := toFloatSlice(obj["values"])
				if err != nil {
					return nil, fmt.Errorf("series %d: %w", i, err)
				}
				if len(values) != len(labels) {
					return nil, fmt.Errorf("series %d has %d values for %d labels", i, len(values), len(labels))
				}
				series = append(series, ChartSeries{Name: name, Values: values})
			}

			return toolexecutor.ArtifactOutput{
				Kind:  "chart",
				Title: title,
				Data:  Chart{Type: kind, Labels: labels, Series: series},
			}, nil
		},
	}
}

func currentTimeTool() toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "current_time",
		Description: "Return the current date and time, optionally in an IANA time zone.",
		Toolkit:     ToolkitClock,
		Parameters: []toolexecutor.ToolParameter{
			{Name: "timezone", Type: "string", Description: "IANA zone such as Europe/Berlin", Required: false},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			now := time.Now()
			if tz, _ := params["timezone"].(string); tz != "" {
				loc, err := time.LoadLocation(tz)
				if err != nil {
					return nil, fmt.Errorf("invalid timezone: %w", err)
				}
				now = now.In(loc)
			}
			return map[string]interface{}{
				"time":     now.Format(time.RFC3339),
				"timezone": now.Location().String(),
				"weekday":  now.Weekday().String(),
			}, nil
		},
	}
}
