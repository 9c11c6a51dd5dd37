package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Mindburn-Labs/casegate/pkg/contracts"
)

// MemoryCaseStore is an in-process CaseStore.
type MemoryCaseStore struct {
	mu    sync.RWMutex
	cases map[string]contracts.Case
	texts map[string][]contracts.LocalizedText
	clock func() time.Time
}

// NewMemoryCaseStore creates an empty store.
func NewMemoryCaseStore() *MemoryCaseStore {
	return &MemoryCaseStore{
		cases: make(map[string]contracts.Case),
		texts: make(map[string][]contracts.LocalizedText),
		clock: time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *MemoryCaseStore) WithClock(clock func() time.Time) *MemoryCaseStore {
	s.clock = clock
	return s
}

func (s *MemoryCaseStore) CreateCase(_ context.Context, c contracts.Case) error {
	if err := contracts.ValidateCase(c); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cases[c.CaseID]; ok {
		return ErrCaseExists
	}
	now := s.clock().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	s.cases[c.CaseID] = c
	return nil
}

func (s *MemoryCaseStore) GetCase(_ context.Context, caseID string) (contracts.Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cases[caseID]
	if !ok {
		return contracts.Case{}, &NotFoundError{Kind: "case", ID: caseID}
	}
	return c, nil
}

func (s *MemoryCaseStore) UpdateCase(_ context.Context, caseID string, patch contracts.CasePatch) (contracts.Case, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cases[caseID]
	if !ok {
		return contracts.Case{}, &NotFoundError{Kind: "case", ID: caseID}
	}
	if c.Status == contracts.CaseStatusClosed {
		return contracts.Case{}, ErrCaseClosed
	}
	c = patch.Apply(c)
	c.UpdatedAt = s.clock().UTC()
	s.cases[caseID] = c
	return c, nil
}

func (s *MemoryCaseStore) CloseCase(_ context.Context, caseID string, req CloseRequest) (contracts.Case, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cases[caseID]
	if !ok {
		return contracts.Case{}, &NotFoundError{Kind: "case", ID: caseID}
	}
	if c.Status == contracts.CaseStatusClosed {
		return contracts.Case{}, ErrCaseClosed
	}
	now := s.clock().UTC()
	c.Status = contracts.CaseStatusClosed
	c.Resolution = req.Resolution
	c.ResolutionCode = req.ResolutionCode
	c.UpdatedAt = now
	c.ClosedAt = &now
	s.cases[caseID] = c
	s.texts[caseID] = append([]contracts.LocalizedText(nil), req.Texts...)
	return c, nil
}

func (s *MemoryCaseStore) LinkedTo(_ context.Context, caseID string) ([]contracts.Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []contracts.Case
	for _, c := range s.cases {
		if c.LinkedCaseID == caseID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CaseID < out[j].CaseID })
	return out, nil
}

func (s *MemoryCaseStore) ClosingTexts(_ context.Context, caseID string) ([]contracts.LocalizedText, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.cases[caseID]; !ok {
		return nil, &NotFoundError{Kind: "case", ID: caseID}
	}
	return append([]contracts.LocalizedText(nil), s.texts[caseID]...), nil
}
