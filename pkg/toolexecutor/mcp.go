package toolexecutor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog/log"
)

// TransportFactory creates a fresh MCP transport for every connection attempt.
type TransportFactory func() mcp.Transport

// StdioTransport launches command as a subprocess speaking MCP over stdio.
func StdioTransport(command string, args []string, env map[string]string) TransportFactory {
	return func() mcp.Transport {
		cmd := exec.Command(command, args...)
		cmd.Env = os.Environ()
		for k, v := range env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		return &mcp.CommandTransport{Command: cmd}
	}
}

// HTTPTransport connects to a streamable HTTP MCP endpoint.
func HTTPTransport(endpoint string) TransportFactory {
	return func() mcp.Transport {
		return &mcp.StreamableClientTransport{Endpoint: endpoint}
	}
}

// MCPClient is a ProviderClient backed by the Model Context Protocol SDK.
type MCPClient struct {
	providerID   string
	newTransport TransportFactory
	client       *mcp.Client

	mu      sync.Mutex
	session *mcp.ClientSession
}

// NewMCPClient creates a client for providerID. No connection is made until Connect.
func NewMCPClient(providerID, version string, newTransport TransportFactory) *MCPClient {
	return &MCPClient{
		providerID:   providerID,
		newTransport: newTransport,
		client:       mcp.NewClient(&mcp.Implementation{Name: "conduit", Version: version}, nil),
	}
}

// Connect opens a new session, closing any previous one.
func (c *MCPClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil {
		_ = c.session.Close()
		c.session = nil
	}

	session, err := c.client.Connect(ctx, c.newTransport(), nil)
	if err != nil {
		return err
	}
	c.session = session

	log.Info().Str("provider_id", c.providerID).Msg("MCP provider connected")
	return nil
}

func (c *MCPClient) current() (*mcp.ClientSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil, fmt.Errorf("provider %s is not connected", c.providerID)
	}
	return c.session, nil
}

// ListTools pages through the provider's tool list.
func (c *MCPClient) ListTools(ctx context.Context) ([]RemoteTool, error) {
	session, err := c.current()
	if err != nil {
		return nil, err
	}

	var out []RemoteTool
	params := &mcp.ListToolsParams{}
	for {
		res, err := session.ListTools(ctx, params)
		if err != nil {
			return nil, err
		}
		for _, t := range res.Tools {
			out = append(out, remoteToolFromMCP(t))
		}
		if res.NextCursor == "" {
			return out, nil
		}
		params = &mcp.ListToolsParams{Cursor: res.NextCursor}
	}
}

func remoteToolFromMCP(t *mcp.Tool) RemoteTool {
	rt := RemoteTool{
		Name:        t.Name,
		Description: t.Description,
		InputSchema: schemaAsMap(t.InputSchema),
	}
	rt.Destructive = destructive(t.Annotations)
	return rt
}

// destructive applies the MCP annotation defaults: a tool that is not
// read-only is destructive unless it says otherwise.
func destructive(a *mcp.ToolAnnotations) bool {
	if a == nil {
		return true
	}
	if a.ReadOnlyHint {
		return false
	}
	if a.DestructiveHint != nil {
		return *a.DestructiveHint
	}
	return true
}

// schemaAsMap normalizes whatever schema representation the SDK produced.
func schemaAsMap(schema any) map[string]interface{} {
	if schema == nil {
		return nil
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}

// CallTool invokes name and flattens the result. A tool-reported error is
// returned as a Go error carrying the tool's text.
func (c *MCPClient) CallTool(ctx context.Context, name string, args map[string]interface{}) (interface{}, error) {
	session, err := c.current()
	if err != nil {
		return nil, err
	}

	res, err := session.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, err
	}

	text := contentText(res.Content)
	if res.IsError {
		if text == "" {
			text = "tool reported an error"
		}
		return nil, errors.New(text)
	}
	if res.StructuredContent != nil {
		return res.StructuredContent, nil
	}
	return text, nil
}

func contentText(content []mcp.Content) string {
	var parts []string
	for _, c := range content {
		switch v := c.(type) {
		case *mcp.TextContent:
			parts = append(parts, v.Text)
		case *mcp.ImageContent:
			parts = append(parts, fmt.Sprintf("[image %s, %d bytes]", v.MIMEType, len(v.Data)))
		case *mcp.EmbeddedResource:
			if v.Resource != nil {
				parts = append(parts, v.Resource.Text)
			}
		}
	}
	return strings.Join(parts, "\n")
}

// Ping checks that the session is alive.
func (c *MCPClient) Ping(ctx context.Context) error {
	session, err := c.current()
	if err != nil {
		return err
	}
	return session.Ping(ctx, &mcp.PingParams{})
}

// Close ends the session, if any.
func (c *MCPClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	err := c.session.Close()
	c.session = nil
	return err
}
