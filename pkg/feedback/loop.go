// Package feedback is the single writer of pattern state. Human verdicts,
// successful writebacks and match bookkeeping all land here and are
// committed to the pattern store as new snapshots.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/Mindburn-Labs/casegate/pkg/contracts"
	"github.com/Mindburn-Labs/casegate/pkg/patterns"
)

// Confidence deltas.
const (
	ApproveDelta = 0.05
	RejectDelta  = -0.10
)

var (
	ErrUnknownPattern  = errors.New("unknown pattern")
	ErrInvalidFeedback = errors.New("invalid feedback")
)

// Kind of feedback.
type Kind string

const (
	KindApprove Kind = "APPROVE"
	KindReject  Kind = "REJECT"
	KindCorrect Kind = "CORRECT"
)

// Feedback is one verdict on a pattern.
type Feedback struct {
	PatternID  string                    `json:"pattern_id"`
	Kind       Kind                      `json:"kind"`
	Correction *contracts.PatternContent `json:"correction,omitempty"`
	Reviewer   string                    `json:"reviewer,omitempty"`
	RunID      string                    `json:"run_id,omitempty"`
	Reason     string                    `json:"reason,omitempty"`
}

// PatternUpdate describes a committed mutation.
type PatternUpdate struct {
	PatternID   string            `json:"pattern_id"`
	Kind        Kind              `json:"kind"`
	Before      contracts.Pattern `json:"before"`
	After       contracts.Pattern `json:"after"`
	Created     bool              `json:"created"`
	Archived    bool              `json:"archived"`
	Reactivated bool              `json:"reactivated"`
}

// Loop applies feedback. It is safe for concurrent use; mutations are
// serialized.
type Loop struct {
	mu     sync.Mutex
	store  *patterns.Store
	clock  func() time.Time
	logger *slog.Logger
}

// Option configures a Loop.
type Option func(*Loop)

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(l *Loop) { l.clock = clock }
}

// NewLoop creates the loop over store.
func NewLoop(store *patterns.Store, opts ...Option) *Loop {
	l := &Loop{
		store:  store,
		clock:  time.Now,
		logger: slog.Default().With("component", "feedback"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Store returns the pattern store the loop writes to.
func (l *Loop) Store() *patterns.Store { return l.store }

// Apply commits one feedback verdict as a new pattern version.
func (l *Loop) Apply(ctx context.Context, fb Feedback) (PatternUpdate, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock().UTC()
	cur, exists := l.store.Snapshot().Get(fb.PatternID)

	switch fb.Kind {
	case KindApprove, KindReject:
		if !exists {
			return PatternUpdate{}, fmt.Errorf("%w: %s", ErrUnknownPattern, fb.PatternID)
		}
	case KindCorrect:
		if fb.Correction == nil {
			return PatternUpdate{}, fmt.Errorf("%w: CORRECT requires replacement content", ErrInvalidFeedback)
		}
		if !exists {
			return l.createFromCorrection(ctx, fb, now)
		}
	default:
		return PatternUpdate{}, fmt.Errorf("%w: kind %q", ErrInvalidFeedback, fb.Kind)
	}

	next := cur
	next.Version = cur.Version + 1
	next.PreviousVersion = cur.Version
	next.UpdatedAt = now
	up := PatternUpdate{PatternID: cur.PatternID, Kind: fb.Kind, Before: cur}

	switch fb.Kind {
	case KindApprove:
		next.SuccessCount++
		next.Confidence = Clamp(cur.Confidence + ApproveDelta)
	case KindReject:
		next.FailureCount++
		next.Confidence = Clamp(cur.Confidence + RejectDelta)
	case KindCorrect:
		applyContent(&next, *fb.Correction)
		next.Confidence = contracts.PatternInitialConfidence
		next.Provenance = contracts.ProvenanceHumanCorrection
		if !cur.Active() {
			next.Status = contracts.PatternActive
			next.ArchiveReason = ""
			up.Reactivated = true
		}
	}

	if next.Active() && next.Confidence <= contracts.PatternArchiveThreshold {
		next.Status = contracts.PatternArchived
		next.ArchiveReason = fmt.Sprintf("confidence %.2f reached archive threshold %.2f after %s",
			next.Confidence, contracts.PatternArchiveThreshold, fb.Kind)
		up.Archived = true
	}

	if err := l.store.Commit(ctx, patterns.Change{Pattern: next, Versioned: true}); err != nil {
		return PatternUpdate{}, err
	}
	up.After = next
	l.logger.InfoContext(ctx, "pattern updated",
		"pattern_id", next.PatternID, "kind", fb.Kind, "version", next.Version,
		"confidence_before", cur.Confidence, "confidence_after", next.Confidence, "archived", up.Archived)
	return up, nil
}

func (l *Loop) createFromCorrection(ctx context.Context, fb Feedback, now time.Time) (PatternUpdate, error) {
	id := fb.PatternID
	if id == "" {
		id = patterns.NewPatternID()
	}
	p := contracts.Pattern{
		PatternID:  id,
		Confidence: contracts.PatternInitialConfidence,
		Version:    1,
		Status:     contracts.PatternActive,
		Provenance: contracts.ProvenanceHumanCorrection,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	applyContent(&p, *fb.Correction)
	if err := l.store.Commit(ctx, patterns.Change{Pattern: p, Versioned: true}); err != nil {
		return PatternUpdate{}, err
	}
	l.logger.InfoContext(ctx, "pattern created from correction", "pattern_id", id, "reviewer", fb.Reviewer)
	return PatternUpdate{PatternID: id, Kind: KindCorrect, After: p, Created: true}, nil
}

// Create commits a new pattern at version 1.
func (l *Loop) Create(ctx context.Context, p contracts.Pattern) (contracts.Pattern, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if p.PatternID == "" {
		p.PatternID = patterns.NewPatternID()
	}
	if _, exists := l.store.Snapshot().Get(p.PatternID); exists {
		return contracts.Pattern{}, fmt.Errorf("%w: pattern %s already exists", ErrInvalidFeedback, p.PatternID)
	}
	now := l.clock().UTC()
	p.Version, p.PreviousVersion = 1, 0
	p.Confidence = Clamp(p.Confidence)
	if p.Status == "" {
		p.Status = contracts.PatternActive
	}
	if p.Provenance == "" {
		p.Provenance = contracts.ProvenanceLearned
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	if err := l.store.Commit(ctx, patterns.Change{Pattern: p, Versioned: true}); err != nil {
		return contracts.Pattern{}, err
	}
	return p, nil
}

// RecordMatch bumps a pattern's match counter. Counters are bookkeeping
// and do not create a new version.
func (l *Loop) RecordMatch(ctx context.Context, patternID string) (contracts.Pattern, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.store.Snapshot().Get(patternID)
	if !ok {
		return contracts.Pattern{}, fmt.Errorf("%w: %s", ErrUnknownPattern, patternID)
	}
	now := l.clock().UTC()
	cur.MatchCount++
	cur.LastMatchedAt = &now
	if err := l.store.Commit(ctx, patterns.Change{Pattern: cur}); err != nil {
		return contracts.Pattern{}, err
	}
	return cur, nil
}

func applyContent(p *contracts.Pattern, c contracts.PatternContent) {
	if c.Product != "" {
		p.Product = c.Product
	}
	if c.ProductLine != "" {
		p.ProductLine = c.ProductLine
	}
	if c.Category != "" {
		p.Category = c.Category
	}
	if c.Description != "" {
		p.Description = c.Description
	}
	if c.ResolutionTemplate != "" {
		p.ResolutionTemplate = c.ResolutionTemplate
	}
	if c.ResolutionCode != "" {
		p.ResolutionCode = c.ResolutionCode
	}
}

// Clamp bounds a confidence to the pattern range and rounds it to four
// decimals.
func Clamp(c float64) float64 {
	c = math.Round(c*10000) / 10000
	return math.Min(contracts.PatternConfidenceCeiling, math.Max(contracts.PatternConfidenceFloor, c))
}
