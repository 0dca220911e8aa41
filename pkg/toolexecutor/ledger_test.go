package toolexecutor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedgerClaimAndFinish(t *testing.T) {
	store := NewMemoryLedgerStore(context.Background(), time.Minute)
	defer store.Close()
	l := NewLedger(store)
	ctx := context.Background()

	first, err := l.claim(ctx, ToolCall{ID: "inv-1", Name: "read_file"})
	require.NoError(t, err)
	assert.True(t, first.leader)

	second, err := l.claim(ctx, ToolCall{ID: "inv-1", Name: "read_file"})
	require.NoError(t, err)
	assert.False(t, second.leader)
	assert.Same(t, first.entry, second.entry)

	inv, ok := l.Invocation("inv-1")
	require.True(t, ok)
	require.NoError(t, inv.finish(StateFailed, ProgressEvent{Kind: EventError}))

	events := []ProgressEvent{
		{Kind: EventAwaitingConfirmation, Confirmation: &ConfirmationRequest{InvocationID: "inv-1"}},
		{Kind: EventError},
	}
	require.NoError(t, l.finish(ctx, first.entry, events))

	select {
	case <-second.entry.done:
	default:
		t.Fatal("followers should be released")
	}

	third, err := l.claim(ctx, ToolCall{ID: "inv-1"})
	require.NoError(t, err)
	require.NotNil(t, third.record)
	assert.Equal(t, StateFailed, third.record.State)
	require.Len(t, third.record.Events, 1, "confirmation prompts are not replayed")
	assert.Equal(t, EventError, third.record.Events[0].Kind)

	_, ok = l.Invocation("inv-1")
	assert.False(t, ok)
	assert.Equal(t, 1, store.Size())
}

func TestMemoryLedgerStoreExpiry(t *testing.T) {
	store := NewMemoryLedgerStore(context.Background(), 10*time.Millisecond)
	defer store.Close()

	require.NoError(t, store.Save(context.Background(), LedgerRecord{InvocationID: "x"}))
	_, ok, err := store.Load(context.Background(), "x")
	require.NoError(t, err)
	assert.True(t, ok)

	time.Sleep(20 * time.Millisecond)
	_, ok, err = store.Load(context.Background(), "x")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLiteLedgerStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger", "invocations.db")
	store, err := OpenSQLiteLedgerStore(path)
	require.NoError(t, err)

	ctx := context.Background()
	rec := LedgerRecord{
		InvocationID: "inv-42",
		Tool:         "read_file",
		State:        StateCompleted,
		Events: []ProgressEvent{
			{InvocationID: "inv-42", Kind: EventLoading, Seq: 1},
			{InvocationID: "inv-42", Kind: EventSuccess, Seq: 2, Output: "hello"},
		},
		CompletedAt: time.UnixMilli(1_700_000_000_000),
	}
	require.NoError(t, store.Save(ctx, rec))

	// a second save for the same id is ignored
	require.NoError(t, store.Save(ctx, LedgerRecord{InvocationID: "inv-42", Tool: "other", State: StateFailed}))
	require.NoError(t, store.Close())

	reopened, err := OpenSQLiteLedgerStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, ok, err := reopened.Load(ctx, "inv-42")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "read_file", got.Tool)
	assert.Equal(t, StateCompleted, got.State)
	require.Len(t, got.Events, 2)
	assert.Equal(t, "hello", got.Events[1].Output)
	assert.Equal(t, rec.CompletedAt.UnixMilli(), got.CompletedAt.UnixMilli())

	_, ok, err = reopened.Load(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}
