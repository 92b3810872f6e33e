// Package scanlog owns the bounded, ordered history of scan results. The
// history lives newest-first, is capped at Capacity entries, and is rewritten
// to the injected list store as a single replace on every append so the
// persisted and in-memory views never diverge.
package scanlog

import (
	"fmt"
	"log"
	"sync"
	"time"

	"nfcscan/internal/ratelimit"
)

const (
	// Capacity bounds the retained history. Insertion beyond the cap evicts
	// the oldest entry.
	Capacity = 20

	// StorageKey is the fixed key the history is persisted under.
	StorageKey = "nfc_logs"
)

// ListStore is the persistence collaborator: a string-list key/value store.
// GetStringList reports ok=false when nothing is stored under key.
type ListStore interface {
	GetStringList(key string) (values []string, ok bool, err error)
	SetStringList(key string, values []string) error
}

// Store keeps the in-memory history and mirrors it to the ListStore. There is
// exactly one writer (the scan session) and one reader (the UI); Entries
// returns copies so the reader never observes a half-written state.
type Store struct {
	kv  ListStore
	key string

	mu      sync.Mutex
	entries []Entry

	dropped ratelimit.Counter
}

// NewStore wires a Store to its persistence collaborator. The store starts
// empty; call Load once at startup to pull the persisted history.
func NewStore(kv ListStore) *Store {
	return &Store{
		kv:      kv,
		key:     StorageKey,
		dropped: ratelimit.NewCounter(time.Minute),
	}
}

// Load reads the persisted history. Unparseable elements are dropped with a
// throttled log line rather than failing the load: corrupt local history must
// never block startup. Read errors from the collaborator are returned, but an
// absent key is simply an empty history.
func (s *Store) Load() ([]Entry, error) {
	if s == nil || s.kv == nil {
		return nil, fmt.Errorf("scanlog: store is not initialized")
	}
	raw, ok, err := s.kv.GetStringList(s.key)
	if err != nil {
		return nil, fmt.Errorf("scanlog: load %s: %w", s.key, err)
	}
	entries := make([]Entry, 0, len(raw))
	if ok {
		for _, item := range raw {
			entry, err := ParseEntry(item)
			if err != nil {
				if total, logNow := s.dropped.Inc(); logNow {
					log.Printf("scanlog: dropped unparseable entry (%d total): %v", total, err)
				}
				continue
			}
			entries = append(entries, entry)
		}
	}
	if len(entries) > Capacity {
		entries = entries[:Capacity]
	}
	s.mu.Lock()
	s.entries = entries
	snapshot := append([]Entry(nil), entries...)
	s.mu.Unlock()
	return snapshot, nil
}

// Append prepends entry, truncates to Capacity, rewrites the full list to the
// collaborator, and only then publishes the new in-memory history. On write
// failure the in-memory history is left untouched and the error returned, so
// a failed write is never reported as a changed history.
func (s *Store) Append(entry Entry) ([]Entry, error) {
	if s == nil || s.kv == nil {
		return nil, fmt.Errorf("scanlog: store is not initialized")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make([]Entry, 0, len(s.entries)+1)
	next = append(next, entry)
	next = append(next, s.entries...)
	if len(next) > Capacity {
		next = next[:Capacity]
	}

	serialized := make([]string, 0, len(next))
	for _, e := range next {
		item, err := e.Serialize()
		if err != nil {
			return nil, err
		}
		serialized = append(serialized, item)
	}
	if err := s.kv.SetStringList(s.key, serialized); err != nil {
		return nil, fmt.Errorf("scanlog: write %s: %w", s.key, err)
	}

	s.entries = next
	return append([]Entry(nil), next...), nil
}

// Entries returns a snapshot copy of the current history, newest first.
func (s *Store) Entries() []Entry {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.entries...)
}

// Len reports the current history length.
func (s *Store) Len() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
