package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/casegate/pkg/contracts"
)

// RunFilter selects runs. Zero fields match everything.
type RunFilter struct {
	CaseID string
	Status contracts.RunStatus
}

// RunStore holds run records and enforces the run state machine. Every
// status change goes through the transition table; terminal runs are
// immutable.
type RunStore struct {
	mu    sync.RWMutex
	runs  map[string]*contracts.Run
	order []string
	clock func() time.Time
	newID func() string
}

// NewRunStore creates an empty run store.
func NewRunStore() *RunStore {
	return &RunStore{
		runs:  make(map[string]*contracts.Run),
		clock: time.Now,
		newID: func() string { return "run-" + uuid.NewString() },
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *RunStore) WithClock(clock func() time.Time) *RunStore {
	s.clock = clock
	return s
}

// CreateRun records a new run in STARTED and returns its id.
func (s *RunStore) CreateRun(_ context.Context, caseID string, eventType contracts.EventType, mode contracts.ExecutionMode) (string, error) {
	if caseID == "" {
		return "", &contracts.ValidationError{Code: contracts.CodeValidation, Field: "case_id", Reason: "required"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.newID()
	s.runs[id] = &contracts.Run{
		RunID:     id,
		CaseID:    caseID,
		EventType: eventType,
		Mode:      mode,
		Status:    contracts.RunStarted,
		StartedAt: s.clock().UTC(),
	}
	s.order = append(s.order, id)
	return id, nil
}

// Get returns a copy of the run.
func (s *RunStore) Get(_ context.Context, runID string) (contracts.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[runID]
	if !ok {
		return contracts.Run{}, &NotFoundError{Kind: "run", ID: runID}
	}
	return r.Clone(), nil
}

// Update applies fn to a copy of the run and commits it. A status change
// made by fn must be a legal transition; a run entering a terminal status
// gets its completion time and total duration set.
func (s *RunStore) Update(_ context.Context, runID string, fn func(r *contracts.Run) error) (contracts.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.runs[runID]
	if !ok {
		return contracts.Run{}, &NotFoundError{Kind: "run", ID: runID}
	}
	if cur.Status.Terminal() {
		return contracts.Run{}, ErrRunImmutable
	}

	next := cur.Clone()
	if err := fn(&next); err != nil {
		return contracts.Run{}, err
	}
	next.RunID, next.CaseID = cur.RunID, cur.CaseID
	if next.Status != cur.Status {
		if !contracts.CanTransition(cur.Status, next.Status) {
			return contracts.Run{}, &contracts.TransitionError{RunID: runID, From: cur.Status, To: next.Status}
		}
		if next.Status.Terminal() {
			now := s.clock().UTC()
			next.CompletedAt = &now
			next.TotalDuration = now.Sub(next.StartedAt)
		}
	}
	s.runs[runID] = &next
	return next.Clone(), nil
}

// Transition moves a run to status to.
func (s *RunStore) Transition(ctx context.Context, runID string, to contracts.RunStatus) (contracts.Run, error) {
	return s.Update(ctx, runID, func(r *contracts.Run) error {
		r.Status = to
		return nil
	})
}

// List returns matching runs in creation order.
func (s *RunStore) List(_ context.Context, f RunFilter) []contracts.Run {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]contracts.Run, 0)
	for _, id := range s.order {
		r := s.runs[id]
		if f.CaseID != "" && r.CaseID != f.CaseID {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		out = append(out, r.Clone())
	}
	return out
}

// ActiveForCase returns the non-terminal runs of a case, oldest first.
func (s *RunStore) ActiveForCase(_ context.Context, caseID string) []contracts.Run {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []contracts.Run
	for _, r := range s.runs {
		if r.CaseID == caseID && !r.Status.Terminal() {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}
