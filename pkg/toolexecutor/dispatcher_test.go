package toolexecutor

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type dispatchFixture struct {
	dispatcher *Dispatcher
	registry   *Registry
	calls      map[string]*int32
}

func newDispatchFixture(t *testing.T, cfg DispatcherConfig, defs ...ToolDefinition) *dispatchFixture {
	t.Helper()

	f := &dispatchFixture{calls: make(map[string]*int32)}
	catalog := NewBuiltinCatalog()
	for _, def := range defs {
		counter := new(int32)
		f.calls[def.Name] = counter
		handler := def.Handler
		def.Handler = func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			atomic.AddInt32(counter, 1)
			return handler(ctx, args)
		}
		require.NoError(t, catalog.Register(def))
	}

	if cfg.Registry == nil {
		cfg.Registry = NewRegistry(RegistryConfig{Builtins: catalog})
	}
	f.registry = cfg.Registry
	f.dispatcher = NewDispatcher(cfg)
	t.Cleanup(func() { _ = f.dispatcher.Ledger().Close() })
	return f
}

func (f *dispatchFixture) count(name string) int {
	return int(atomic.LoadInt32(f.calls[name]))
}

func echoTool() ToolDefinition {
	return ToolDefinition{
		Name:        "echo",
		Description: "Echo the message back",
		Toolkit:     "text",
		Parameters: []ToolParameter{
			{Name: "message", Type: "string", Description: "Text to echo", Required: true},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return args["message"], nil
		},
	}
}

func textPerms() PermissionSet {
	return Resolve(CallerAllow{Toolkits: []string{"text"}}, nil)
}

func kinds(events []ProgressEvent) []EventKind {
	out := make([]EventKind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}

func TestDispatchSuccessStream(t *testing.T) {
	f := newDispatchFixture(t, DispatcherConfig{}, echoTool())

	events, terminal := Collect(f.dispatcher.Dispatch(context.Background(),
		ToolCall{ID: "inv-1", Name: "echo", Args: map[string]interface{}{"message": "hi"}}, textPerms()))

	require.NotNil(t, terminal)
	assert.Equal(t, []EventKind{EventLoading, EventProcessing, EventSuccess}, kinds(events))
	assert.Equal(t, "hi", terminal.Output)
	assert.Equal(t, SourceBuiltin, terminal.Source)
	for i, ev := range events {
		assert.Equal(t, i+1, ev.Seq)
		assert.Equal(t, "inv-1", ev.InvocationID)
		assert.False(t, ev.Replayed)
	}

	rec, ok, err := f.dispatcher.Ledger().Record(context.Background(), "inv-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StateCompleted, rec.State)
}

func TestDispatchAssignsID(t *testing.T) {
	f := newDispatchFixture(t, DispatcherConfig{}, echoTool())

	_, terminal := Collect(f.dispatcher.Dispatch(context.Background(),
		ToolCall{Name: "echo", Args: map[string]interface{}{"message": "hi"}}, textPerms()))
	require.NotNil(t, terminal)
	assert.NotEmpty(t, terminal.InvocationID)
}

func TestDispatchUnknownToolIsUnsupported(t *testing.T) {
	f := newDispatchFixture(t, DispatcherConfig{}, echoTool())

	events, terminal := Collect(f.dispatcher.Dispatch(context.Background(), ToolCall{Name: "xyz"}, textPerms()))

	require.Len(t, events, 1)
	require.NotNil(t, terminal.Error)
	assert.Equal(t, ErrUnsupportedTool, terminal.Error.Kind)
}

func TestDispatchDeniedNeverRuns(t *testing.T) {
	f := newDispatchFixture(t, DispatcherConfig{}, echoTool())

	events, terminal := Collect(f.dispatcher.Dispatch(context.Background(),
		ToolCall{Name: "echo", Args: map[string]interface{}{"message": "hi"}},
		Resolve(CallerAllow{Toolkits: []string{"files"}}, nil)))

	require.Len(t, events, 1)
	assert.Equal(t, ErrPermissionDenied, terminal.Error.Kind)
	assert.Equal(t, 0, f.count("echo"))
}

func TestDispatchInvalidArguments(t *testing.T) {
	f := newDispatchFixture(t, DispatcherConfig{}, echoTool())

	tests := []struct {
		name string
		args map[string]interface{}
	}{
		{"missing required", map[string]interface{}{}},
		{"wrong type", map[string]interface{}{"message": 42}},
		{"unknown property", map[string]interface{}{"message": "x", "extra": true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, terminal := Collect(f.dispatcher.Dispatch(context.Background(),
				ToolCall{Name: "echo", Args: tt.args}, textPerms()))
			require.NotNil(t, terminal.Error)
			assert.Equal(t, ErrInvalidArguments, terminal.Error.Kind)
		})
	}
	assert.Equal(t, 0, f.count("echo"))
}

func TestDispatchHandlerErrorAndProgress(t *testing.T) {
	f := newDispatchFixture(t, DispatcherConfig{}, ToolDefinition{
		Name:        "flaky",
		Description: "Reports progress then fails",
		Toolkit:     "text",
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			ReportProgress(ctx, "half way", map[string]interface{}{"pct": 50})
			return nil, errors.New("disk full")
		},
	})

	events, terminal := Collect(f.dispatcher.Dispatch(context.Background(), ToolCall{Name: "flaky"}, textPerms()))

	assert.Equal(t, []EventKind{EventLoading, EventProcessing, EventProcessing, EventError}, kinds(events))
	assert.Equal(t, "half way", events[2].Message)
	assert.Equal(t, ErrToolExecution, terminal.Error.Kind)
	assert.Contains(t, terminal.Error.Message, "disk full")
}

func TestDispatchTimeout(t *testing.T) {
	f := newDispatchFixture(t, DispatcherConfig{Timeout: 30 * time.Millisecond}, ToolDefinition{
		Name:        "slow",
		Description: "Never finishes",
		Toolkit:     "text",
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			<-ctx.Done()
			time.Sleep(10 * time.Millisecond)
			ReportProgress(ctx, "too late", nil)
			return nil, ctx.Err()
		},
	})

	_, terminal := Collect(f.dispatcher.Dispatch(context.Background(), ToolCall{Name: "slow"}, textPerms()))
	require.NotNil(t, terminal.Error)
	assert.Contains(t, terminal.Error.Message, "timeout")
	// let the handler's late report hit the closed stream
	time.Sleep(30 * time.Millisecond)
}

func TestDispatchPanicIsContained(t *testing.T) {
	f := newDispatchFixture(t, DispatcherConfig{}, ToolDefinition{
		Name:        "boom",
		Description: "Panics",
		Toolkit:     "text",
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			panic("kaboom")
		},
	})

	_, terminal := Collect(f.dispatcher.Dispatch(context.Background(), ToolCall{Name: "boom"}, textPerms()))
	assert.Contains(t, terminal.Error.Message, "kaboom")
}

func TestDispatchTruncatesOutput(t *testing.T) {
	f := newDispatchFixture(t, DispatcherConfig{MaxOutputBytes: 16}, ToolDefinition{
		Name:        "big",
		Description: "Large output",
		Toolkit:     "text",
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return strings.Repeat("a", 100), nil
		},
	})

	_, terminal := Collect(f.dispatcher.Dispatch(context.Background(), ToolCall{Name: "big"}, textPerms()))
	assert.True(t, terminal.Truncated)
	assert.True(t, strings.HasPrefix(terminal.Output.(string), strings.Repeat("a", 16)))
	assert.Contains(t, terminal.Output.(string), "[output truncated]")
}

func TestDispatchTruncationKeepsRunesWhole(t *testing.T) {
	f := newDispatchFixture(t, DispatcherConfig{MaxOutputBytes: 5}, ToolDefinition{
		Name: "accents", Description: "Two-byte runes", Toolkit: "text",
		Handler: func(context.Context, map[string]interface{}) (interface{}, error) {
			return strings.Repeat("é", 10), nil
		},
	})

	_, terminal := Collect(f.dispatcher.Dispatch(context.Background(), ToolCall{Name: "accents"}, textPerms()))
	require.True(t, terminal.Truncated)
	out := terminal.Output.(string)
	assert.True(t, utf8.ValidString(out))
	assert.True(t, strings.HasPrefix(out, "éé\n"))
}

func TestCutAtRune(t *testing.T) {
	assert.Equal(t, "ab", cutAtRune("ab", 5))
	assert.Equal(t, "a", cutAtRune("aé", 2))
	assert.Equal(t, "", cutAtRune("é", 1))
	assert.Equal(t, "日", cutAtRune("日本", 4))
}

func TestDispatchArtifactKeepsFullPayload(t *testing.T) {
	var (
		mu        sync.Mutex
		delivered []ProgressEvent
	)
	sink := ArtifactSinkFunc(func(_ context.Context, ev ProgressEvent) {
		mu.Lock()
		defer mu.Unlock()
		delivered = append(delivered, ev)
	})
	data := strings.Repeat("x", 20000)
	f := newDispatchFixture(t, DispatcherConfig{MaxOutputBytes: 64, Artifacts: sink}, ToolDefinition{
		Name: "render", Description: "Large artifact", Toolkit: "text",
		Handler: func(context.Context, map[string]interface{}) (interface{}, error) {
			return ArtifactOutput{Kind: "chart", Data: data}, nil
		},
	})
	call := ToolCall{ID: "inv-art", Name: "render"}

	_, terminal := Collect(f.dispatcher.Dispatch(context.Background(), call, textPerms()))
	require.NotNil(t, terminal)
	assert.True(t, terminal.Materialize)
	assert.False(t, terminal.Truncated)
	artifact, ok := terminal.Output.(ArtifactOutput)
	require.True(t, ok, "artifact output stays structured")
	assert.Equal(t, data, artifact.Data)

	mu.Lock()
	require.Len(t, delivered, 1)
	assert.Equal(t, "inv-art", delivered[0].InvocationID)
	assert.Equal(t, "render", delivered[0].Tool)
	assert.Equal(t, EventSuccess, delivered[0].Kind)
	mu.Unlock()

	var model map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(ModelOutput(terminal)), &model))
	assert.Equal(t, true, model["truncated"])
	assert.Equal(t, true, model["materialized"])
	assert.Less(t, len(model["output"].(string)), len(data))

	_, replayed := Collect(f.dispatcher.Dispatch(context.Background(), call, textPerms()))
	assert.True(t, replayed.Replayed)
	mu.Lock()
	assert.Len(t, delivered, 1, "replays do not render again")
	mu.Unlock()
}

func TestDispatchMaterializesArtifacts(t *testing.T) {
	f := newDispatchFixture(t, DispatcherConfig{},
		ToolDefinition{
			Name: "flagged", Description: "Artifact by descriptor", Toolkit: "text", Artifact: true,
			Handler: func(context.Context, map[string]interface{}) (interface{}, error) { return "x", nil },
		},
		ToolDefinition{
			Name: "returned", Description: "Artifact by output", Toolkit: "text",
			Handler: func(context.Context, map[string]interface{}) (interface{}, error) {
				return ArtifactOutput{Kind: "chart", Data: []int{1, 2}}, nil
			},
		},
		ToolDefinition{
			Name: "plain", Description: "No artifact", Toolkit: "text",
			Handler: func(context.Context, map[string]interface{}) (interface{}, error) { return "x", nil },
		},
	)

	for name, want := range map[string]bool{"flagged": true, "returned": true, "plain": false} {
		_, terminal := Collect(f.dispatcher.Dispatch(context.Background(), ToolCall{Name: name}, textPerms()))
		assert.Equal(t, want, terminal.Materialize, name)
	}
}

func TestDispatchReplaysRepeatedID(t *testing.T) {
	f := newDispatchFixture(t, DispatcherConfig{}, echoTool())
	call := ToolCall{ID: "inv-r", Name: "echo", Args: map[string]interface{}{"message": "once"}}

	first, _ := Collect(f.dispatcher.Dispatch(context.Background(), call, textPerms()))
	second, terminal := Collect(f.dispatcher.Dispatch(context.Background(), call, textPerms()))

	assert.Equal(t, 1, f.count("echo"))
	require.Len(t, second, len(first))
	for i := range first {
		assert.Equal(t, first[i].Kind, second[i].Kind)
		assert.Equal(t, first[i].Seq, second[i].Seq)
		assert.True(t, second[i].Replayed)
	}
	assert.Equal(t, "once", terminal.Output)
}

func TestDispatchSingleFlight(t *testing.T) {
	release := make(chan struct{})
	f := newDispatchFixture(t, DispatcherConfig{}, ToolDefinition{
		Name: "blocking", Description: "Waits for release", Toolkit: "text",
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			<-release
			return "done", nil
		},
	})

	call := ToolCall{ID: "inv-sf", Name: "blocking"}
	streams := make([]<-chan ProgressEvent, 5)
	for i := range streams {
		streams[i] = f.dispatcher.Dispatch(context.Background(), call, textPerms())
	}

	require.Eventually(t, func() bool { return f.count("blocking") == 1 }, time.Second, 5*time.Millisecond)
	close(release)

	var wg sync.WaitGroup
	results := make([]*ProgressEvent, len(streams))
	for i, s := range streams {
		wg.Add(1)
		go func(i int, s <-chan ProgressEvent) {
			defer wg.Done()
			_, results[i] = Collect(s)
		}(i, s)
	}
	wg.Wait()

	assert.Equal(t, 1, f.count("blocking"))
	for _, r := range results {
		require.NotNil(t, r)
		assert.Equal(t, EventSuccess, r.Kind)
		assert.Equal(t, "done", r.Output)
	}
}

func confirmTool() ToolDefinition {
	return ToolDefinition{
		Name:                 "write_note",
		Description:          "Write a note",
		Toolkit:              "text",
		RequiresConfirmation: true,
		Parameters: []ToolParameter{
			{Name: "text", Type: "string", Description: "Note body", Required: true},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return "written", nil
		},
	}
}

func awaitConfirmation(t *testing.T, stream <-chan ProgressEvent) ProgressEvent {
	t.Helper()
	select {
	case ev := <-stream:
		require.Equal(t, EventAwaitingConfirmation, ev.Kind)
		require.NotNil(t, ev.Confirmation)
		return ev
	case <-time.After(time.Second):
		t.Fatal("no confirmation request")
	}
	return ProgressEvent{}
}

func TestDispatchConfirmationApproved(t *testing.T) {
	f := newDispatchFixture(t, DispatcherConfig{}, confirmTool(), echoTool())

	stream := f.dispatcher.Dispatch(context.Background(),
		ToolCall{ID: "inv-c", Name: "write_note", Args: map[string]interface{}{"text": "hi"}, Owner: "thread-1"}, textPerms())
	ev := awaitConfirmation(t, stream)
	assert.Equal(t, "thread-1", ev.Confirmation.Owner)
	assert.Equal(t, 0, f.count("write_note"))

	inv, ok := f.dispatcher.Ledger().Invocation("inv-c")
	require.True(t, ok)
	assert.Equal(t, StatePending, inv.State())

	require.NoError(t, f.dispatcher.Confirm("inv-c", Decision{Approved: true, Actor: "user"}))
	rest, terminal := Collect(stream)

	assert.Equal(t, []EventKind{EventLoading, EventProcessing, EventSuccess}, kinds(rest))
	assert.Equal(t, "written", terminal.Output)
	assert.Equal(t, []InvocationState{StatePending, StateConfirmed, StateExecuting, StateCompleted}, inv.History())
}

func TestDispatchConfirmationRejected(t *testing.T) {
	f := newDispatchFixture(t, DispatcherConfig{}, confirmTool(), echoTool())

	stream := f.dispatcher.Dispatch(context.Background(),
		ToolCall{ID: "inv-r", Name: "write_note", Args: map[string]interface{}{"text": "hi"}}, textPerms())
	awaitConfirmation(t, stream)

	require.NoError(t, f.dispatcher.Confirm("inv-r", Decision{Approved: false, Reason: "not now"}))
	rest, terminal := Collect(stream)

	assert.Equal(t, []EventKind{EventRejected}, kinds(rest))
	require.NotNil(t, terminal.Rejection)
	assert.Equal(t, "not now", terminal.Rejection.Reason)
	assert.False(t, terminal.Rejection.Abandoned)
	require.Len(t, terminal.Rejection.Alternatives, 3)
	assert.Equal(t, "echo", terminal.Rejection.Alternatives[1].Tool)
	assert.Equal(t, 0, f.count("write_note"))
}

func TestDispatchConfirmationAbandoned(t *testing.T) {
	f := newDispatchFixture(t, DispatcherConfig{}, confirmTool())

	stream := f.dispatcher.Dispatch(context.Background(),
		ToolCall{Name: "write_note", Args: map[string]interface{}{"text": "hi"}, Owner: "voice-1"}, textPerms())
	awaitConfirmation(t, stream)

	assert.Equal(t, 1, f.dispatcher.Gate().Abandon("voice-1"))
	_, terminal := Collect(stream)

	assert.Equal(t, EventRejected, terminal.Kind)
	assert.True(t, terminal.Rejection.Abandoned)
	assert.Equal(t, 0, f.count("write_note"))
}

func TestDispatchConfirmationWaitsForDecision(t *testing.T) {
	f := newDispatchFixture(t, DispatcherConfig{}, confirmTool())

	stream := f.dispatcher.Dispatch(context.Background(),
		ToolCall{ID: "inv-wait", Name: "write_note", Args: map[string]interface{}{"text": "hi"}}, textPerms())
	awaitConfirmation(t, stream)

	select {
	case ev := <-stream:
		t.Fatalf("gate advanced without a decision: %s", ev.Kind)
	case <-time.After(100 * time.Millisecond):
	}
	require.Len(t, f.dispatcher.Gate().Pending(""), 1)

	require.NoError(t, f.dispatcher.Confirm("inv-wait", Decision{Approved: true, Actor: "tester"}))
	_, terminal := Collect(stream)
	assert.Equal(t, EventSuccess, terminal.Kind)
}

func TestDispatchConfirmationExpiresWhenConfigured(t *testing.T) {
	f := newDispatchFixture(t, DispatcherConfig{Gate: NewConfirmationGate(20 * time.Millisecond)}, confirmTool())

	_, terminal := Collect(f.dispatcher.Dispatch(context.Background(),
		ToolCall{Name: "write_note", Args: map[string]interface{}{"text": "hi"}}, textPerms()))

	assert.Equal(t, EventRejected, terminal.Kind)
	assert.Equal(t, "confirmation expired", terminal.Rejection.Reason)
	assert.Equal(t, 0, f.count("write_note"))
}

func TestDispatchManualModeGatesEverything(t *testing.T) {
	f := newDispatchFixture(t, DispatcherConfig{}, echoTool())
	ctx := WithExecutionMode(context.Background(), ModeManual)

	stream := f.dispatcher.Dispatch(ctx, ToolCall{ID: "inv-m", Name: "echo", Args: map[string]interface{}{"message": "x"}}, textPerms())
	awaitConfirmation(t, stream)
	require.NoError(t, f.dispatcher.Confirm("inv-m", Decision{Approved: true}))

	_, terminal := Collect(stream)
	assert.Equal(t, EventSuccess, terminal.Kind)
}

func TestDispatchRejectedNotReplayedWithPrompt(t *testing.T) {
	f := newDispatchFixture(t, DispatcherConfig{}, confirmTool())
	call := ToolCall{ID: "inv-x", Name: "write_note", Args: map[string]interface{}{"text": "hi"}}

	stream := f.dispatcher.Dispatch(context.Background(), call, textPerms())
	awaitConfirmation(t, stream)
	require.NoError(t, f.dispatcher.Confirm("inv-x", Decision{}))
	Collect(stream)

	replayed, terminal := Collect(f.dispatcher.Dispatch(context.Background(), call, textPerms()))
	assert.Equal(t, []EventKind{EventRejected}, kinds(replayed))
	assert.True(t, terminal.Replayed)
	assert.Empty(t, f.dispatcher.Gate().Pending(""))
}

func newExternalFixture(t *testing.T, provider *fakeProvider, spec ProviderSpec) *dispatchFixture {
	t.Helper()
	registry := NewRegistry(RegistryConfig{})
	require.NoError(t, registry.AddProvider(spec, provider))
	registry.Load(context.Background())
	return newDispatchFixture(t, DispatcherConfig{Registry: registry})
}

func TestDispatchExternalTool(t *testing.T) {
	provider := &fakeProvider{
		tools: []RemoteTool{{Name: "search", InputSchema: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{"q": map[string]interface{}{"type": "string"}},
			"required":   []interface{}{"q"},
		}}},
		callFn: func(name string, args map[string]interface{}) (interface{}, error) {
			return "found " + args["q"].(string), nil
		},
	}
	f := newExternalFixture(t, provider, ProviderSpec{ID: "jira"})
	perms := Resolve(CallerAllow{External: map[string][]string{"jira": {"search"}}}, nil)

	for _, name := range []string{"mcp__jira__search", "mcp:jira.search"} {
		_, terminal := Collect(f.dispatcher.Dispatch(context.Background(),
			ToolCall{Name: name, Args: map[string]interface{}{"q": "bug"}}, perms))
		require.Equal(t, EventSuccess, terminal.Kind, name)
		assert.Equal(t, "found bug", terminal.Output)
		assert.Equal(t, "mcp__jira__search", terminal.Tool)
		assert.Equal(t, SourceExternal, terminal.Source)
	}
	assert.Equal(t, 2, provider.callCount())

	_, terminal := Collect(f.dispatcher.Dispatch(context.Background(),
		ToolCall{Name: "mcp__jira__search", Args: map[string]interface{}{}}, perms))
	assert.Equal(t, ErrInvalidArguments, terminal.Error.Kind)
}

func TestDispatchExternalFailures(t *testing.T) {
	registry := NewRegistry(RegistryConfig{})
	up := &fakeProvider{tools: []RemoteTool{{Name: "search"}, {Name: "delete"}}}
	down := &fakeProvider{connectErr: errors.New("refused")}
	require.NoError(t, registry.AddProvider(ProviderSpec{ID: "jira"}, up))
	require.NoError(t, registry.AddProvider(ProviderSpec{ID: "wiki"}, down))
	registry.Load(context.Background())
	f := newDispatchFixture(t, DispatcherConfig{Registry: registry})

	perms := Resolve(CallerAllow{External: map[string][]string{
		"jira":    {"search"},
		"wiki":    {AllTools},
		"unknown": {AllTools},
	}}, nil)

	tests := []struct {
		name string
		want ErrorKind
	}{
		{"mcp__jira__delete", ErrPermissionDenied},
		{"mcp__github__list", ErrPermissionDenied},
		{"mcp__wiki__page", ErrProviderUnavailable},
		{"mcp__unknown__x", ErrUnsupportedTool},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, terminal := Collect(f.dispatcher.Dispatch(context.Background(), ToolCall{Name: tt.name}, perms))
			require.NotNil(t, terminal.Error)
			assert.Equal(t, tt.want, terminal.Error.Kind)
		})
	}
	assert.Equal(t, 0, up.callCount())
}

func TestDispatchExternalToolError(t *testing.T) {
	provider := &fakeProvider{
		tools: []RemoteTool{{Name: "search"}},
		callFn: func(string, map[string]interface{}) (interface{}, error) {
			return nil, errors.New("rate limited")
		},
	}
	f := newExternalFixture(t, provider, ProviderSpec{ID: "jira"})
	perms := Resolve(CallerAllow{External: map[string][]string{"jira": {AllTools}}}, nil)

	_, terminal := Collect(f.dispatcher.Dispatch(context.Background(), ToolCall{Name: "mcp__jira__search"}, perms))
	assert.Equal(t, ErrToolExecution, terminal.Error.Kind)
	assert.Contains(t, terminal.Error.Message, "rate limited")
}

type fakeSurface struct {
	mu    sync.Mutex
	theme string
	env   string
	ended string
}

func (s *fakeSurface) SetTheme(_ context.Context, theme string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.theme = theme
	return nil
}

func (s *fakeSurface) SetEnvironment(_ context.Context, env string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.env = env
	return nil
}

func (s *fakeSurface) EndSession(_ context.Context, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended = reason
	return nil
}

func TestDispatchControlTools(t *testing.T) {
	f := newDispatchFixture(t, DispatcherConfig{Mode: ModeManual})
	perms := Resolve(CallerAllow{}, nil).WithToolkits(ControlToolkit)

	_, terminal := Collect(f.dispatcher.Dispatch(context.Background(),
		ToolCall{Name: "set_theme", Args: map[string]interface{}{"theme": "dark"}}, perms))
	assert.Equal(t, ErrUnsupportedTool, terminal.Error.Kind, "control tools need a live session")

	surface := &fakeSurface{}
	ctx := WithControlSurface(context.Background(), surface)

	events, terminal := Collect(f.dispatcher.Dispatch(ctx,
		ToolCall{Name: "set_theme", Args: map[string]interface{}{"theme": "dark"}}, perms))
	assert.Equal(t, []EventKind{EventLoading, EventProcessing, EventSuccess}, kinds(events), "never gated")
	assert.Equal(t, SourceControl, terminal.Source)
	assert.Equal(t, "dark", surface.theme)

	_, terminal = Collect(f.dispatcher.Dispatch(ctx,
		ToolCall{Name: "set_theme", Args: map[string]interface{}{"theme": "purple"}}, perms))
	assert.Equal(t, ErrInvalidArguments, terminal.Error.Kind)

	_, terminal = Collect(f.dispatcher.Dispatch(ctx,
		ToolCall{Name: "end_voice_session", Args: map[string]interface{}{"reason": "bye"}},
		Resolve(CallerAllow{}, nil)))
	assert.Equal(t, ErrPermissionDenied, terminal.Error.Kind)
	assert.Empty(t, surface.ended)
}

func TestDispatchRecordedIDStillChecksPermissions(t *testing.T) {
	f := newDispatchFixture(t, DispatcherConfig{}, echoTool())
	call := ToolCall{ID: "inv-perm", Name: "echo", Args: map[string]interface{}{"message": "secret"}}

	_, terminal := Collect(f.dispatcher.Dispatch(context.Background(), call, textPerms()))
	require.Equal(t, EventSuccess, terminal.Kind)

	events, terminal := Collect(f.dispatcher.Dispatch(context.Background(), call, Resolve(CallerAllow{}, nil)))
	require.Len(t, events, 1)
	require.NotNil(t, terminal.Error)
	assert.Equal(t, ErrPermissionDenied, terminal.Error.Kind)
	assert.False(t, terminal.Replayed)
	assert.Nil(t, terminal.Output)
	assert.Equal(t, 1, f.count("echo"))
}

func TestDispatchWaiterCancelledEndsWithError(t *testing.T) {
	f := newDispatchFixture(t, DispatcherConfig{}, confirmTool())
	call := ToolCall{ID: "inv-shared", Name: "write_note", Args: map[string]interface{}{"text": "hi"}}

	leader := f.dispatcher.Dispatch(context.Background(), call, textPerms())
	awaitConfirmation(t, leader)

	ctx, cancel := context.WithCancel(context.Background())
	waiter := f.dispatcher.Dispatch(ctx, call, textPerms())
	cancel()

	events, terminal := Collect(waiter)
	require.Len(t, events, 1)
	require.NotNil(t, terminal)
	assert.Equal(t, ErrToolExecution, terminal.Error.Kind)
	assert.Contains(t, terminal.Error.Message, "cancelled")

	require.NoError(t, f.dispatcher.Confirm("inv-shared", Decision{Approved: true}))
	_, terminal = Collect(leader)
	assert.Equal(t, EventSuccess, terminal.Kind)
	assert.Equal(t, 1, f.count("write_note"))
}

func TestDispatchCancelledContextStopsStream(t *testing.T) {
	f := newDispatchFixture(t, DispatcherConfig{}, confirmTool())
	ctx, cancel := context.WithCancel(context.Background())

	stream := f.dispatcher.Dispatch(ctx, ToolCall{ID: "inv-cancel", Name: "write_note", Args: map[string]interface{}{"text": "x"}}, textPerms())
	awaitConfirmation(t, stream)
	cancel()

	for range stream {
	}
	assert.Equal(t, 0, f.count("write_note"))

	require.Eventually(t, func() bool {
		rec, ok, _ := f.dispatcher.Ledger().Record(context.Background(), "inv-cancel")
		return ok && rec.State == StateRejected
	}, time.Second, 5*time.Millisecond)
}

func TestModelOutput(t *testing.T) {
	tests := []struct {
		name string
		ev   *ProgressEvent
		want string
	}{
		{"missing", nil, `{"error":{"kind":"tool_execution_error","message":"tool call ended without a result"}}`},
		{"success", &ProgressEvent{Kind: EventSuccess, Output: "hi"}, `{"output":"hi"}`},
		{"truncated", &ProgressEvent{Kind: EventSuccess, Output: "h", Truncated: true}, `{"output":"h","truncated":true}`},
		{"error", &ProgressEvent{Kind: EventError, Error: &ToolError{Kind: ErrUnsupportedTool, Message: "unknown tool"}}, `{"error":{"kind":"unsupported_tool","message":"unknown tool"}}`},
		{"rejected", &ProgressEvent{Kind: EventRejected, Rejection: &Rejection{Reason: "no"}}, `{"rejected":{"reason":"no","questions":null,"alternatives":null}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.JSONEq(t, tt.want, ModelOutput(tt.ev))
		})
	}
}
