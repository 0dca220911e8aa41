package cli

import (
	"bytes"
	"strings"
	"testing"

	"github.com/harun/conduit/pkg/toolexecutor"
	"github.com/stretchr/testify/assert"
)

func TestPrintFunctionSpecs(t *testing.T) {
	out := &bytes.Buffer{}
	printFunctionSpecs(out, []toolexecutor.FunctionSpec{
		{Name: "write_file", Description: "Write a file\nOverwrites existing content.", Source: toolexecutor.SourceBuiltin},
		{Name: "github__create_issue", Description: "Create an issue", Source: toolexecutor.SourceExternal},
	})

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	assert.True(t, strings.HasPrefix(lines[0], "github__create_issue"))
	assert.True(t, strings.HasPrefix(lines[1], "write_file"))
	assert.NotContains(t, out.String(), "Overwrites")
	assert.Contains(t, out.String(), "2 tools")
}

func TestToolsCommandFlags(t *testing.T) {
	cmd, _, err := GetRootCmd().Find([]string{"tools"})
	assert.NoError(t, err)
	assert.NotNil(t, cmd.Flags().Lookup("toolkits"))
	assert.NotNil(t, cmd.Flags().Lookup("include-control"))
	assert.NotNil(t, cmd.Flags().Lookup("json"))
}
