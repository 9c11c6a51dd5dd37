// Package patterns holds learned resolution patterns and scores cases
// against them.
//
// Readers work on immutable snapshots published with an atomic pointer
// swap. All writes go through Store.Commit, which the feedback loop owns;
// a commit persists every changed record before the new snapshot becomes
// visible.
package patterns

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/Mindburn-Labs/casegate/pkg/contracts"
)

var ErrPatternNotFound = errors.New("pattern not found")

// Persister durably stores pattern records. Save is called with every
// committed record; a record with an existing (id, version) replaces it.
type Persister interface {
	Save(ctx context.Context, p contracts.Pattern) error
	LoadAll(ctx context.Context) ([]contracts.Pattern, error)
}

// Change is one record in a commit. A versioned change appends to the
// pattern's history; an unversioned change (match counters) replaces the
// current version in place.
type Change struct {
	Pattern   contracts.Pattern
	Versioned bool
}

// Snapshot is an immutable view of the store.
type Snapshot struct {
	current map[string]contracts.Pattern
	history map[string][]contracts.Pattern
	ids     []string
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		current: make(map[string]contracts.Pattern),
		history: make(map[string][]contracts.Pattern),
	}
}

// Get returns the current version of a pattern.
func (s *Snapshot) Get(id string) (contracts.Pattern, bool) {
	p, ok := s.current[id]
	return p, ok
}

// Active returns the ACTIVE patterns ordered by id.
func (s *Snapshot) Active() []contracts.Pattern {
	out := make([]contracts.Pattern, 0, len(s.ids))
	for _, id := range s.ids {
		if p := s.current[id]; p.Active() {
			out = append(out, p)
		}
	}
	return out
}

// All returns every current pattern ordered by id.
func (s *Snapshot) All() []contracts.Pattern {
	out := make([]contracts.Pattern, 0, len(s.ids))
	for _, id := range s.ids {
		out = append(out, s.current[id])
	}
	return out
}

// History returns every retained version of a pattern, oldest first.
func (s *Snapshot) History(id string) []contracts.Pattern {
	return append([]contracts.Pattern(nil), s.history[id]...)
}

// Len is the number of distinct patterns.
func (s *Snapshot) Len() int { return len(s.ids) }

// Store is the pattern memory.
type Store struct {
	mu        sync.Mutex
	snap      atomic.Pointer[Snapshot]
	persister Persister
}

// NewStore creates an empty store. persister may be nil.
func NewStore(persister Persister) *Store {
	s := &Store{persister: persister}
	s.snap.Store(emptySnapshot())
	return s
}

// Open creates a store and loads every persisted version.
func Open(ctx context.Context, persister Persister) (*Store, error) {
	s := NewStore(persister)
	records, err := persister.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("load patterns: %w", err)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].PatternID != records[j].PatternID {
			return records[i].PatternID < records[j].PatternID
		}
		return records[i].Version < records[j].Version
	})
	snap := emptySnapshot()
	for _, p := range records {
		if _, ok := snap.current[p.PatternID]; !ok {
			snap.ids = append(snap.ids, p.PatternID)
		}
		snap.history[p.PatternID] = append(snap.history[p.PatternID], p)
		snap.current[p.PatternID] = p
	}
	s.snap.Store(snap)
	return s, nil
}

// Snapshot returns the latest committed snapshot.
func (s *Store) Snapshot() *Snapshot { return s.snap.Load() }

// Get returns the current version of a pattern.
func (s *Store) Get(id string) (contracts.Pattern, error) {
	p, ok := s.Snapshot().Get(id)
	if !ok {
		return contracts.Pattern{}, fmt.Errorf("%w: %s", ErrPatternNotFound, id)
	}
	return p, nil
}

// Commit persists changes and publishes a new snapshot. Either every
// change becomes visible or none does; a persister error after some
// records were saved leaves those records on disk to be superseded by the
// next successful commit.
func (s *Store) Commit(ctx context.Context, changes ...Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.snap.Load()
	next := &Snapshot{
		current: make(map[string]contracts.Pattern, len(old.current)+len(changes)),
		history: make(map[string][]contracts.Pattern, len(old.history)+len(changes)),
		ids:     append([]string(nil), old.ids...),
	}
	for id, p := range old.current {
		next.current[id] = p
	}
	for id, h := range old.history {
		next.history[id] = h
	}

	added := false
	for _, ch := range changes {
		p := ch.Pattern
		if p.PatternID == "" {
			return errors.New("pattern id is required")
		}
		if s.persister != nil {
			if err := s.persister.Save(ctx, p); err != nil {
				return fmt.Errorf("persist pattern %s v%d: %w", p.PatternID, p.Version, err)
			}
		}
		h := append([]contracts.Pattern(nil), next.history[p.PatternID]...)
		if _, exists := next.current[p.PatternID]; !exists {
			next.ids = append(next.ids, p.PatternID)
			added = true
		}
		if ch.Versioned || len(h) == 0 {
			h = append(h, p)
		} else {
			h[len(h)-1] = p
		}
		next.history[p.PatternID] = h
		next.current[p.PatternID] = p
	}
	if added {
		sort.Strings(next.ids)
	}
	s.snap.Store(next)
	return nil
}
