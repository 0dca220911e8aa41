package toolexecutor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ConnectionStatus is the health of an external provider binding.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnected    ConnectionStatus = "connected"
	StatusUnreachable  ConnectionStatus = "unreachable"
)

// RemoteTool is a tool as advertised by an external provider.
type RemoteTool struct {
	Name        string
	Description string
	InputSchema map[string]interface{}
	Destructive bool
}

// ProviderClient is the transport to one external tool provider.
type ProviderClient interface {
	Connect(ctx context.Context) error
	ListTools(ctx context.Context) ([]RemoteTool, error)
	CallTool(ctx context.Context, name string, args map[string]interface{}) (interface{}, error)
	Ping(ctx context.Context) error
	Close() error
}

// ProviderSpec is the static configuration of a binding.
type ProviderSpec struct {
	ID                  string
	DisplayName         string
	CustomizationPrompt string
	ToolCustomizations  map[string]string
	RequireConfirmation []string
	ConnectTimeout      time.Duration
}

// BindingInfo is a read-only copy of a binding's state.
type BindingInfo struct {
	ProviderID          string            `json:"provider_id"`
	DisplayName         string            `json:"display_name"`
	Status              ConnectionStatus  `json:"status"`
	CustomizationPrompt string            `json:"customization_prompt,omitempty"`
	ToolCustomizations  map[string]string `json:"tool_customizations,omitempty"`
	Tools               []string          `json:"tools"`
	LastError           string            `json:"last_error,omitempty"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

// ToolSourceBinding is a live connection to one external provider. It owns
// its descriptors; they are replaced wholesale on every (re)connect.
type ToolSourceBinding struct {
	spec   ProviderSpec
	client ProviderClient

	mu          sync.RWMutex
	status      ConnectionStatus
	descriptors map[string]ToolDescriptor // keyed by remote tool name
	lastErr     error
	updatedAt   time.Time
}

func newBinding(spec ProviderSpec, client ProviderClient) *ToolSourceBinding {
	if spec.DisplayName == "" {
		spec.DisplayName = spec.ID
	}
	if spec.ConnectTimeout <= 0 {
		spec.ConnectTimeout = 10 * time.Second
	}
	return &ToolSourceBinding{
		spec:        spec,
		client:      client,
		status:      StatusDisconnected,
		descriptors: make(map[string]ToolDescriptor),
	}
}

// Status returns the current connection status.
func (b *ToolSourceBinding) Status() ConnectionStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status
}

// connect (re)establishes the session and re-registers the tool list.
func (b *ToolSourceBinding) connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, b.spec.ConnectTimeout)
	defer cancel()

	if err := b.client.Connect(ctx); err != nil {
		b.markUnreachable(err)
		return fmt.Errorf("connect %s: %w", b.spec.ID, err)
	}
	tools, err := b.client.ListTools(ctx)
	if err != nil {
		b.markUnreachable(err)
		return fmt.Errorf("list tools %s: %w", b.spec.ID, err)
	}

	confirm := make(map[string]bool, len(b.spec.RequireConfirmation))
	for _, name := range b.spec.RequireConfirmation {
		confirm[name] = true
	}

	descriptors := make(map[string]ToolDescriptor, len(tools))
	for _, t := range tools {
		schema := t.InputSchema
		if schema == nil {
			schema = emptyObjectSchema()
		}
		descriptors[t.Name] = ToolDescriptor{
			Name:                 EncodeSeparator(b.spec.ID, t.Name),
			Description:          fmt.Sprintf("[%s] %s", b.spec.DisplayName, t.Description),
			Source:               SourceExternal,
			ProviderID:           b.spec.ID,
			RemoteName:           t.Name,
			InputSchema:          schema,
			RequiresConfirmation: confirm[t.Name] || confirm[AllTools] || t.Destructive,
		}
	}

	b.mu.Lock()
	b.status = StatusConnected
	b.descriptors = descriptors
	b.lastErr = nil
	b.updatedAt = time.Now()
	b.mu.Unlock()
	return nil
}

func (b *ToolSourceBinding) markUnreachable(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = StatusUnreachable
	b.descriptors = make(map[string]ToolDescriptor)
	b.lastErr = err
	b.updatedAt = time.Now()
}

func (b *ToolSourceBinding) disconnect() error {
	b.mu.Lock()
	b.status = StatusDisconnected
	b.descriptors = make(map[string]ToolDescriptor)
	b.updatedAt = time.Now()
	b.mu.Unlock()
	return b.client.Close()
}

func (b *ToolSourceBinding) lookup(remoteName string) (ToolDescriptor, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.status != StatusConnected {
		return ToolDescriptor{}, false
	}
	d, ok := b.descriptors[remoteName]
	return d, ok
}

func (b *ToolSourceBinding) list() []ToolDescriptor {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.status != StatusConnected {
		return nil
	}
	out := make([]ToolDescriptor, 0, len(b.descriptors))
	for _, d := range b.descriptors {
		out = append(out, d)
	}
	sortDescriptors(out)
	return out
}

func (b *ToolSourceBinding) info() BindingInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()

	tools := make([]string, 0, len(b.descriptors))
	for name := range b.descriptors {
		tools = append(tools, name)
	}
	sort.Strings(tools)

	custom := make(map[string]string, len(b.spec.ToolCustomizations))
	for k, v := range b.spec.ToolCustomizations {
		custom[k] = v
	}

	info := BindingInfo{
		ProviderID:          b.spec.ID,
		DisplayName:         b.spec.DisplayName,
		Status:              b.status,
		CustomizationPrompt: b.spec.CustomizationPrompt,
		ToolCustomizations:  custom,
		Tools:               tools,
		UpdatedAt:           b.updatedAt,
	}
	if b.lastErr != nil {
		info.LastError = b.lastErr.Error()
	}
	return info
}
