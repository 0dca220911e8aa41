package toolexecutor

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteLedgerStore persists invocation outcomes across restarts.
type SQLiteLedgerStore struct {
	db *sql.DB
}

// OpenSQLiteLedgerStore opens (and creates) the ledger database at path.
func OpenSQLiteLedgerStore(path string) (*SQLiteLedgerStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS invocations (
			id TEXT PRIMARY KEY,
			tool TEXT NOT NULL,
			state TEXT NOT NULL,
			events TEXT NOT NULL,
			completed_at INTEGER NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize ledger schema: %w", err)
	}
	return &SQLiteLedgerStore{db: db}, nil
}

func (s *SQLiteLedgerStore) Load(ctx context.Context, id string) (LedgerRecord, bool, error) {
	var (
		rec         LedgerRecord
		state       string
		events      string
		completedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tool, state, events, completed_at FROM invocations WHERE id = ?`, id,
	).Scan(&rec.InvocationID, &rec.Tool, &state, &events, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return LedgerRecord{}, false, nil
	}
	if err != nil {
		return LedgerRecord{}, false, err
	}

	if err := json.Unmarshal([]byte(events), &rec.Events); err != nil {
		return LedgerRecord{}, false, fmt.Errorf("corrupt ledger events for %s: %w", id, err)
	}
	rec.State = InvocationState(state)
	rec.CompletedAt = time.UnixMilli(completedAt)
	return rec, true, nil
}

// Save inserts rec. An id is written once; later saves for it are ignored.
func (s *SQLiteLedgerStore) Save(ctx context.Context, rec LedgerRecord) error {
	events, err := json.Marshal(rec.Events)
	if err != nil {
		return fmt.Errorf("failed to encode ledger events: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO invocations (id, tool, state, events, completed_at) VALUES (?, ?, ?, ?, ?)`,
		rec.InvocationID, rec.Tool, string(rec.State), string(events), rec.CompletedAt.UnixMilli(),
	)
	return err
}

func (s *SQLiteLedgerStore) Close() error {
	return s.db.Close()
}
