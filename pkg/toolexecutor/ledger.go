package toolexecutor

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// LedgerRecord is the durable outcome of a finished invocation.
type LedgerRecord struct {
	InvocationID string          `json:"invocation_id"`
	Tool         string          `json:"tool"`
	State        InvocationState `json:"state"`
	Events       []ProgressEvent `json:"events"`
	CompletedAt  time.Time       `json:"completed_at"`
}

// LedgerStore persists finished invocations so a replayed id returns its
// recorded outcome instead of running again.
type LedgerStore interface {
	Load(ctx context.Context, id string) (LedgerRecord, bool, error)
	Save(ctx context.Context, rec LedgerRecord) error
	Close() error
}

type ledgerEntry struct {
	inv    *Invocation
	done   chan struct{}
	record LedgerRecord
}

// Ledger gives each invocation id exactly one execution. Concurrent callers
// with the same id wait for the first; later callers get the stored record.
type Ledger struct {
	store LedgerStore

	mu       sync.Mutex
	inflight map[string]*ledgerEntry
}

// NewLedger creates a ledger over store. A nil store keeps records in memory
// for ten minutes.
func NewLedger(store LedgerStore) *Ledger {
	if store == nil {
		store = NewMemoryLedgerStore(context.Background(), 10*time.Minute)
	}
	return &Ledger{store: store, inflight: make(map[string]*ledgerEntry)}
}

type claim struct {
	entry  *ledgerEntry
	leader bool
	record *LedgerRecord
}

func (l *Ledger) claim(ctx context.Context, call ToolCall) (claim, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.inflight[call.ID]; ok {
		return claim{entry: e}, nil
	}
	rec, ok, err := l.store.Load(ctx, call.ID)
	if err != nil {
		return claim{}, fmt.Errorf("ledger load %s: %w", call.ID, err)
	}
	if ok {
		return claim{record: &rec}, nil
	}

	e := &ledgerEntry{inv: NewInvocation(call), done: make(chan struct{})}
	l.inflight[call.ID] = e
	return claim{entry: e, leader: true}, nil
}

func (l *Ledger) finish(ctx context.Context, e *ledgerEntry, events []ProgressEvent) error {
	e.record = LedgerRecord{
		InvocationID: e.inv.ID,
		Tool:         e.inv.ToolName,
		State:        e.inv.State(),
		Events:       replayable(events),
		CompletedAt:  time.Now(),
	}
	// Saved before leaving inflight so a late caller always finds one of them.
	err := l.store.Save(context.WithoutCancel(ctx), e.record)

	l.mu.Lock()
	delete(l.inflight, e.inv.ID)
	l.mu.Unlock()
	close(e.done)
	return err
}

// Invocation returns the live invocation for id while it is running.
func (l *Ledger) Invocation(id string) (*Invocation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.inflight[id]
	if !ok {
		return nil, false
	}
	return e.inv, true
}

// Record returns the stored outcome of a finished invocation.
func (l *Ledger) Record(ctx context.Context, id string) (LedgerRecord, bool, error) {
	return l.store.Load(ctx, id)
}

// Close closes the underlying store.
func (l *Ledger) Close() error {
	return l.store.Close()
}

func replayable(events []ProgressEvent) []ProgressEvent {
	out := make([]ProgressEvent, 0, len(events))
	for _, ev := range events {
		if ev.Kind == EventAwaitingConfirmation {
			continue
		}
		ev.Confirmation = nil
		out = append(out, ev)
	}
	return out
}

type memoryRecord struct {
	rec      LedgerRecord
	storedAt time.Time
}

// MemoryLedgerStore keeps records in memory and expires them after a TTL.
type MemoryLedgerStore struct {
	ttl     time.Duration
	mu      sync.RWMutex
	records map[string]memoryRecord
	cancel  context.CancelFunc
}

// NewMemoryLedgerStore starts a store whose cleanup loop ends with ctx or Close.
func NewMemoryLedgerStore(ctx context.Context, ttl time.Duration) *MemoryLedgerStore {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &MemoryLedgerStore{
		ttl:     ttl,
		records: make(map[string]memoryRecord),
		cancel:  cancel,
	}
	go s.cleanup(ctx)
	return s
}

func (s *MemoryLedgerStore) Load(_ context.Context, id string) (LedgerRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok || time.Since(r.storedAt) > s.ttl {
		return LedgerRecord{}, false, nil
	}
	return r.rec, true, nil
}

func (s *MemoryLedgerStore) Save(_ context.Context, rec LedgerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.InvocationID] = memoryRecord{rec: rec, storedAt: time.Now()}
	return nil
}

func (s *MemoryLedgerStore) Close() error {
	s.cancel()
	return nil
}

// Size returns the number of stored records, expired or not.
func (s *MemoryLedgerStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *MemoryLedgerStore) cleanup(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			now := time.Now()
			for id, r := range s.records {
				if now.Sub(r.storedAt) > s.ttl {
					delete(s.records, id)
				}
			}
			s.mu.Unlock()
		}
	}
}
