package coretools

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/harun/conduit/pkg/toolexecutor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCatalog(t *testing.T) (*toolexecutor.BuiltinCatalog, string) {
	t.Helper()
	root := t.TempDir()
	catalog := toolexecutor.NewBuiltinCatalog()
	require.NoError(t, RegisterCoreTools(catalog, Options{WorkspaceRoot: root}))
	return catalog, root
}

func call(t *testing.T, catalog *toolexecutor.BuiltinCatalog, name string, args map[string]interface{}) (interface{}, error) {
	t.Helper()
	d, ok := catalog.Lookup(name)
	require.True(t, ok, name)
	return d.Handler(context.Background(), args)
}

func TestRegisterCoreTools(t *testing.T) {
	catalog, _ := newCatalog(t)

	assert.Equal(t, []string{ToolkitCharts, ToolkitClock, ToolkitFiles}, catalog.Toolkits())

	write, _ := catalog.Lookup("write_file")
	assert.True(t, write.RequiresConfirmation)
	read, _ := catalog.Lookup("read_file")
	assert.False(t, read.RequiresConfirmation)
	chart, _ := catalog.Lookup("chart_tool")
	assert.True(t, chart.Artifact)

	assert.Error(t, RegisterCoreTools(nil, Options{}))
	assert.Error(t, RegisterCoreTools(catalog, Options{}), "duplicate registration")
}

func TestFileTools(t *testing.T) {
	catalog, root := newCatalog(t)

	_, err := call(t, catalog, "write_file", map[string]interface{}{"path": "notes/a.txt", "content": "hello"})
	require.NoError(t, err)
	_, err = call(t, catalog, "write_file", map[string]interface{}{"path": "notes/a.txt", "content": " world", "append": true})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(root, "notes", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))

	out, err := call(t, catalog, "read_file", map[string]interface{}{"path": "notes/a.txt", "max_bytes": 5})
	require.NoError(t, err)
	res := out.(map[string]interface{})
	assert.Equal(t, "hello", res["content"])
	assert.Equal(t, true, res["truncated"])

	out, err = call(t, catalog, "edit_file", map[string]interface{}{"path": "notes/a.txt", "search": "o", "replace": "0", "replace_all": true})
	require.NoError(t, err)
	assert.Equal(t, 2, out.(map[string]interface{})["occurrences"])

	_, err = call(t, catalog, "edit_file", map[string]interface{}{"path": "notes/a.txt", "search": "zzz", "replace": "y"})
	assert.Error(t, err)

	out, err = call(t, catalog, "list_dir", map[string]interface{}{})
	require.NoError(t, err)
	entries := out.(map[string]interface{})["entries"].([]dirEntry)
	require.Len(t, entries, 1)
	assert.Equal(t, dirEntry{Name: "notes", IsDir: true}, entries[0])
}

func TestFileToolsStayInWorkspace(t *testing.T) {
	catalog, _ := newCatalog(t)

	for _, p := range []string{"../escape.txt", "/etc/passwd", "file://x"} {
		_, err := call(t, catalog, "read_file", map[string]interface{}{"path": p})
		assert.Error(t, err, p)
	}
}

func TestChartTool(t *testing.T) {
	catalog, _ := newCatalog(t)

	out, err := call(t, catalog, "chart_tool", map[string]interface{}{
		"title":  "Revenue",
		"type":   "bar",
		"labels": []interface{}{"Q1", "Q2"},
		"series": []interface{}{
			map[string]interface{}{"name": "2025", "values": []interface{}{1.5, 2.0}},
		},
	})
	require.NoError(t, err)

	artifact, ok := out.(toolexecutor.ArtifactOutput)
	require.True(t, ok)
	assert.Equal(t, "chart", artifact.Kind)
	chart := artifact.Data.(Chart)
	assert.Equal(t, []string{"Q1", "Q2"}, chart.Labels)
	assert.Equal(t, []float64{1.5, 2.0}, chart.Series[0].Values)

	_, err = call(t, catalog, "chart_tool", map[string]interface{}{
		"title":  "Broken",
		"type":   "bar",
		"labels": []interface{}{"Q1", "Q2"},
		"series": []interface{}{map[string]interface{}{"name": "x", "values": []interface{}{1.0}}},
	})
	assert.Error(t, err)
}

func TestCurrentTime(t *testing.T) {
	catalog, _ := newCatalog(t)

	out, err := call(t, catalog, "current_time", map[string]interface{}{"timezone": "UTC"})
	require.NoError(t, err)
	assert.Equal(t, "UTC", out.(map[string]interface{})["timezone"])

	_, err = call(t, catalog, "current_time", map[string]interface{}{"timezone": "Mars/Olympus"})
	assert.Error(t, err)
}

func TestWriteFileIsGatedThroughDispatcher(t *testing.T) {
	catalog, root := newCatalog(t)
	d := toolexecutor.NewDispatcher(toolexecutor.DispatcherConfig{
		Registry: toolexecutor.NewRegistry(toolexecutor.RegistryConfig{Builtins: catalog}),
	})
	perms := toolexecutor.Resolve(toolexecutor.CallerAllow{Toolkits: []string{ToolkitFiles}}, nil)

	stream := d.Dispatch(context.Background(), toolexecutor.ToolCall{
		ID:   "inv-w",
		Name: "write_file",
		Args: map[string]interface{}{"path": "x.txt", "content": "data"},
	}, perms)

	first := <-stream
	require.Equal(t, toolexecutor.EventAwaitingConfirmation, first.Kind)
	_, err := os.Stat(filepath.Join(root, "x.txt"))
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, d.Confirm("inv-w", toolexecutor.Decision{Approved: true}))
	_, terminal := toolexecutor.Collect(stream)
	require.Equal(t, toolexecutor.EventSuccess, terminal.Kind)

	data, err := os.ReadFile(filepath.Join(root, "x.txt"))
	require.NoError(t, err)
	assert.Equal(t, "data", string(data))
}
