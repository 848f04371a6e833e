// Package transcript keeps the ordered conversation log of one session and fans
// new lines out to subscribers.
package transcript

import (
	"strings"
	"sync"
	"time"

	"github.com/dtpsim/voicestage/internal/syncx"
)

// Role identifies who produced a transcript line.
type Role string

const (
	RoleYou      Role = "you"
	RolePatient  Role = "patient"
	RoleSystem   Role = "system"
	RoleFeedback Role = "feedback"
)

// Entry is one stored transcript line.
type Entry struct {
	Seq       int       `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
}

// Store is an append-only transcript with non-blocking fan-out.
type Store struct {
	mu      sync.RWMutex
	entries []Entry
	maxSize int
	events  *syncx.Broadcast[Entry]
	closed  bool
	now     func() time.Time
}

// NewStore creates a store holding at most maxEntries lines; subscribers get
// channels of eventBuffer capacity.
func NewStore(maxEntries, eventBuffer int) *Store {
	if maxEntries <= 0 {
		maxEntries = 500
	}
	return &Store{
		entries: make([]Entry, 0, min(maxEntries, 64)),
		maxSize: maxEntries,
		events:  syncx.NewBroadcast[Entry](eventBuffer),
		now:     time.Now,
	}
}

// Add appends a line and emits it to subscribers. Blank text is ignored.
func (s *Store) Add(role Role, text string) (Entry, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Entry{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Entry{}, false
	}

	seq := 1
	if n := len(s.entries); n > 0 {
		seq = s.entries[n-1].Seq + 1
	}
	e := Entry{Seq: seq, Timestamp: s.now(), Role: role, Text: text}
	s.entries = append(s.entries, e)
	if len(s.entries) > s.maxSize {
		s.entries = s.entries[len(s.entries)-s.maxSize:]
	}

	s.events.Publish(e)
	return e, true
}

// Subscribe returns a channel of new lines and a cancel func. Slow readers miss
// lines rather than block the writer.
func (s *Store) Subscribe() (<-chan Entry, func()) {
	return s.events.Subscribe()
}

// Close stops accepting lines and closes every subscriber channel.
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.events.Close()
}

// Entries returns a copy of all retained lines.
func (s *Store) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Since returns lines with a sequence number greater than seq.
func (s *Store) Since(seq int) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entry
	for _, e := range s.entries {
		if e.Seq > seq {
			out = append(out, e)
		}
	}
	return out
}

// Text renders the transcript as "ROLE: text" lines.
func (s *Store) Text() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	parts := make([]string, 0, len(s.entries))
	for _, e := range s.entries {
		parts = append(parts, strings.ToUpper(string(e.Role))+": "+e.Text)
	}
	return strings.Join(parts, "\n")
}

// Len returns the number of retained lines.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
