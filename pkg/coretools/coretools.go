package coretools

import (
	"errors"
	"fmt"

	"github.com/harun/conduit/pkg/toolexecutor"
)

// Toolkit names registered by this package.
const (
	ToolkitFiles  = "files"
	ToolkitCharts = "charts"
	ToolkitClock  = "clock"
)

// Options configures core tool registration.
type Options struct {
	WorkspaceRoot string
	// MaxReadBytes caps read_file; zero means 200000.
	MaxReadBytes int64
}

// RegisterCoreTools registers the built-in toolkits into catalog.
func RegisterCoreTools(catalog *toolexecutor.BuiltinCatalog, opts Options) error {
	if catalog == nil {
		return errors.New("builtin catalog is required")
	}
	if opts.MaxReadBytes <= 0 {
		opts.MaxReadBytes = 200000
	}

	tools := []toolexecutor.ToolDefinition{
		readFileTool(opts),
		writeFileTool(opts),
		editFileTool(opts),
		listDirTool(opts),
		chartTool(),
		currentTimeTool(),
	}

	for _, tool := range tools {
		if err := catalog.Register(tool); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", tool.Name, err)
		}
	}
	return nil
}
