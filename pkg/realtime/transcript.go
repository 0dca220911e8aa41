package realtime

import (
	"sync"
	"time"
)

// Role identifies who produced a transcript entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// TranscriptEntry is one utterance. Partial entries grow with each delta
// until Final is set.
type TranscriptEntry struct {
	ItemID string    `json:"item_id,omitempty"`
	Role   Role      `json:"role"`
	Text   string    `json:"text"`
	Final  bool      `json:"final"`
	At     time.Time `json:"at"`
}

const defaultTranscriptLimit = 500

// Transcript is a bounded buffer of the session's utterances.
type Transcript struct {
	mu      sync.RWMutex
	limit   int
	entries []TranscriptEntry
}

// NewTranscript creates a buffer keeping at most limit entries.
func NewTranscript(limit int) *Transcript {
	if limit <= 0 {
		limit = defaultTranscriptLimit
	}
	return &Transcript{limit: limit}
}

// Append adds text to the open entry for (role, itemID), creating it when
// none is open. With final set the entry is closed; a non-empty text then
// replaces what the deltas accumulated.
func (t *Transcript) Append(role Role, itemID, text string, final bool, at time.Time) TranscriptEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := len(t.entries) - 1; i >= 0; i-- {
		e := &t.entries[i]
		if e.Role != role || e.Final || e.ItemID != itemID {
			continue
		}
		if final {
			if text != "" {
				e.Text = text
			}
			e.Final = true
		} else {
			e.Text += text
		}
		e.At = at
		return *e
	}

	entry := TranscriptEntry{ItemID: itemID, Role: role, Text: text, Final: final, At: at}
	t.entries = append(t.entries, entry)
	if over := len(t.entries) - t.limit; over > 0 {
		t.entries = append([]TranscriptEntry(nil), t.entries[over:]...)
	}
	return entry
}

// Entries returns a copy of the buffer, oldest first.
func (t *Transcript) Entries() []TranscriptEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]TranscriptEntry(nil), t.entries...)
}

// Len returns the number of entries.
func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
