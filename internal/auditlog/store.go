// Package auditlog is the append-only, deduplicated, size-bounded log of
// verdicts. The in-memory mirror is hydrated once from the storage
// collaborator and invalidated explicitly; every mutation persists the
// whole bounded array back under a single storage key and broadcasts a
// change notification to listeners (the viewing UI).
package auditlog

import (
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind of audit log entry.
type Kind string

const (
	KindPromptAnalysis Kind = "PROMPT_ANALYSIS"
	KindFileAnalysis   Kind = "FILE_ANALYSIS"
	KindFailedAnalysis Kind = "FAILED_ANALYSIS"
)

// Status of the recorded action.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
)

// Entry is one recorded verdict.
type Entry struct {
	ID            string                 `json:"id"`
	CreatedAt     time.Time              `json:"createdAt"`
	Kind          Kind                   `json:"kind"`
	Status        Status                 `json:"status"`
	Message       string                 `json:"message"`
	DedupKey      string                 `json:"dedupKey,omitempty"`
	CorrelationID string                 `json:"correlationId,omitempty"`
	Details       map[string]interface{} `json:"details,omitempty"`
}

// Storage persists the bounded entry array. Implementations hold the
// whole array under one storage key; the store never issues partial
// writes.
type Storage interface {
	LoadEntries() ([]Entry, error)
	SaveEntries([]Entry) error
}

// DefaultMaxEntries bounds the retained log.
const DefaultMaxEntries = 2000

// nearWindow collapses entries with matching (kind, correlationId,
// message) created within this window of each other.
const nearWindow = time.Second

// Store is the process-wide audit log. Safe for concurrent use; the
// gateway reads it from HTTP handlers while the engine appends.
type Store struct {
	mu         sync.Mutex
	storage    Storage
	entries    []Entry
	loaded     bool
	maxEntries int
	stderr     io.Writer
	listeners  []listenerReg
	nextListen int
	now        func() time.Time
}

type listenerReg struct {
	id int
	fn func()
}

// NewStore creates a store over the given storage collaborator.
func NewStore(storage Storage) *Store {
	return &Store{
		storage:    storage,
		maxEntries: DefaultMaxEntries,
		stderr:     os.Stderr,
		now:        time.Now,
	}
}

// SetMaxEntries overrides the retention bound (testing and tuning).
func (s *Store) SetMaxEntries(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > 0 {
		s.maxEntries = n
	}
}

// SetStderr redirects diagnostic output.
func (s *Store) SetStderr(w io.Writer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stderr = w
}

// load hydrates the in-memory mirror once. Callers hold s.mu.
func (s *Store) load() error {
	if s.loaded {
		return nil
	}
	entries, err := s.storage.LoadEntries()
	if err != nil {
		return fmt.Errorf("loading audit log: %w", err)
	}
	s.entries = entries
	s.sortNewestFirst()
	s.loaded = true
	return nil
}

// Invalidate drops the in-memory mirror; the next read rehydrates from
// storage. Used when another process may have written behind our back.
func (s *Store) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loaded = false
	s.entries = nil
}

// Append inserts a new entry, first removing any entry sharing its dedup
// key and any entry with identical (kind, correlationId, message) created
// within one second. The retained set stays newest-first and bounded;
// once over the cap, the oldest entries by creation time are evicted.
func (s *Store) Append(e Entry) error {
	s.mu.Lock()
	if err := s.load(); err != nil {
		s.mu.Unlock()
		return err
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}

	kept := s.entries[:0]
	for _, old := range s.entries {
		if s.supersedes(e, old) {
			continue
		}
		kept = append(kept, old)
	}
	s.entries = append(kept, e)
	s.sortNewestFirst()

	if len(s.entries) > s.maxEntries {
		s.entries = s.entries[:s.maxEntries]
	}

	err := s.persist()
	s.mu.Unlock()
	s.notifyListeners()
	return err
}

// supersedes reports whether the incoming entry replaces the old one.
func (s *Store) supersedes(incoming, old Entry) bool {
	if incoming.DedupKey != "" && incoming.DedupKey == old.DedupKey {
		return true
	}
	if incoming.Kind == old.Kind &&
		incoming.CorrelationID != "" &&
		incoming.CorrelationID == old.CorrelationID &&
		incoming.Message == old.Message {
		delta := incoming.CreatedAt.Sub(old.CreatedAt)
		if delta < 0 {
			delta = -delta
		}
		return delta <= nearWindow
	}
	return false
}

// Entries returns the current entries, newest first.
func (s *Store) Entries() ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return nil, err
	}
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out, nil
}

// Clear empties the store.
func (s *Store) Clear() error {
	s.mu.Lock()
	s.entries = nil
	s.loaded = true
	err := s.persist()
	s.mu.Unlock()
	s.notifyListeners()
	return err
}

// Subscribe registers a change listener, invoked after every mutation.
// Returns the listener's removal func.
func (s *Store) Subscribe(fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextListen++
	id := s.nextListen
	s.listeners = append(s.listeners, listenerReg{id: id, fn: fn})
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, l := range s.listeners {
			if l.id == id {
				s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
				return
			}
		}
	}
}

// sortNewestFirst re-sorts on every append to tolerate out-of-order
// arrival. Callers hold s.mu.
func (s *Store) sortNewestFirst() {
	sort.SliceStable(s.entries, func(i, j int) bool {
		return s.entries[i].CreatedAt.After(s.entries[j].CreatedAt)
	})
}

// persist writes the bounded array back to storage. Callers hold s.mu.
// Persistence is eventually consistent across processes; a failed write
// keeps the mirror intact so the next mutation retries.
func (s *Store) persist() error {
	if err := s.storage.SaveEntries(s.entries); err != nil {
		fmt.Fprintf(s.stderr, "[PageShield] audit log persist failed: %v\n", err)
		return err
	}
	return nil
}

func (s *Store) notifyListeners() {
	s.mu.Lock()
	ls := make([]listenerReg, len(s.listeners))
	copy(ls, s.listeners)
	s.mu.Unlock()
	for _, l := range ls {
		l.fn()
	}
}
