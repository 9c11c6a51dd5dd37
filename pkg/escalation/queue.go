// Package escalation holds the human review queue: runs parked in
// PENDING_HUMAN, discoverable by reason until a reviewer resolves them.
//
// Reviews never time out. A resolved review is kept for audit.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/casegate/pkg/contracts"
)

var (
	ErrReviewNotFound = errors.New("review not found")
	ErrReviewResolved = errors.New("review already resolved")
)

// Status of a review.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusRejected Status = "REJECTED"
	// StatusWithdrawn marks a review whose run was cancelled.
	StatusWithdrawn Status = "WITHDRAWN"
)

// Review is one request for human judgment on a run.
type Review struct {
	ReviewID   string                 `json:"review_id"`
	RunID      string                 `json:"run_id"`
	CaseID     string                 `json:"case_id"`
	Reason     contracts.ReviewReason `json:"reason"`
	Summary    string                 `json:"summary"`
	Status     Status                 `json:"status"`
	Reviewer   string                 `json:"reviewer,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
	ResolvedAt *time.Time             `json:"resolved_at,omitempty"`
}

// Queue tracks reviews in creation order.
type Queue struct {
	mu      sync.Mutex
	reviews map[string]*Review
	byRun   map[string]string
	seq     map[string]int
	next    int
	clock   func() time.Time
	logger  *slog.Logger
}

// NewQueue creates an empty review queue.
func NewQueue() *Queue {
	return &Queue{
		reviews: make(map[string]*Review),
		byRun:   make(map[string]string),
		seq:     make(map[string]int),
		clock:   time.Now,
		logger:  slog.Default().With("component", "review_queue"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (q *Queue) WithClock(clock func() time.Time) *Queue {
	q.clock = clock
	return q
}

// Request parks runID for review. A run has at most one pending review;
// asking again returns the pending one unchanged.
func (q *Queue) Request(ctx context.Context, runID, caseID string, reason contracts.ReviewReason, summary string) (Review, error) {
	if runID == "" || reason == "" {
		return Review{}, fmt.Errorf("review request needs run id and reason: %w", contracts.ErrInvalidEvent)
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if id, ok := q.byRun[runID]; ok {
		if r := q.reviews[id]; r.Status == StatusPending {
			return *r, nil
		}
	}

	r := &Review{
		ReviewID:  "REV-" + uuid.NewString(),
		RunID:     runID,
		CaseID:    caseID,
		Reason:    reason,
		Summary:   summary,
		Status:    StatusPending,
		CreatedAt: q.clock().UTC(),
	}
	q.reviews[r.ReviewID] = r
	q.byRun[runID] = r.ReviewID
	q.seq[r.ReviewID] = q.next
	q.next++

	q.logger.InfoContext(ctx, "human review requested", "review_id", r.ReviewID, "run_id", runID, "case_id", caseID, "reason", reason)
	return *r, nil
}

// Resolve records the reviewer's verdict.
func (q *Queue) Resolve(ctx context.Context, reviewID string, approved bool, reviewer string) (Review, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	r, ok := q.reviews[reviewID]
	if !ok {
		return Review{}, fmt.Errorf("%w: %s", ErrReviewNotFound, reviewID)
	}
	if r.Status != StatusPending {
		return Review{}, fmt.Errorf("%w: %s is %s", ErrReviewResolved, reviewID, r.Status)
	}
	now := q.clock().UTC()
	r.Status = StatusRejected
	if approved {
		r.Status = StatusApproved
	}
	r.Reviewer = reviewer
	r.ResolvedAt = &now

	q.logger.InfoContext(ctx, "human review resolved", "review_id", reviewID, "run_id", r.RunID, "status", r.Status, "reviewer", reviewer)
	return *r, nil
}

// Withdraw closes a pending review without a verdict.
func (q *Queue) Withdraw(ctx context.Context, reviewID, reason string) (Review, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	r, ok := q.reviews[reviewID]
	if !ok {
		return Review{}, fmt.Errorf("%w: %s", ErrReviewNotFound, reviewID)
	}
	if r.Status != StatusPending {
		return Review{}, fmt.Errorf("%w: %s is %s", ErrReviewResolved, reviewID, r.Status)
	}
	now := q.clock().UTC()
	r.Status = StatusWithdrawn
	r.ResolvedAt = &now
	q.logger.InfoContext(ctx, "human review withdrawn", "review_id", reviewID, "run_id", r.RunID, "reason", reason)
	return *r, nil
}

// Get returns a review by id.
func (q *Queue) Get(reviewID string) (Review, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	r, ok := q.reviews[reviewID]
	if !ok {
		return Review{}, fmt.Errorf("%w: %s", ErrReviewNotFound, reviewID)
	}
	return *r, nil
}

// PendingFor returns the pending review of a run, if any.
func (q *Queue) PendingFor(runID string) (Review, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	id, ok := q.byRun[runID]
	if !ok || q.reviews[id].Status != StatusPending {
		return Review{}, false
	}
	return *q.reviews[id], true
}

// Pending lists unresolved reviews, oldest first.
func (q *Queue) Pending() []Review {
	return q.filter(func(r *Review) bool { return r.Status == StatusPending })
}

// ByReason lists unresolved reviews parked for reason, oldest first.
func (q *Queue) ByReason(reason contracts.ReviewReason) []Review {
	return q.filter(func(r *Review) bool { return r.Status == StatusPending && r.Reason == reason })
}

// Counts returns the number of pending reviews per reason.
func (q *Queue) Counts() map[contracts.ReviewReason]int {
	out := make(map[contracts.ReviewReason]int)
	for _, r := range q.Pending() {
		out[r.Reason]++
	}
	return out
}

func (q *Queue) filter(keep func(*Review) bool) []Review {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Review, 0)
	for _, r := range q.reviews {
		if keep(r) {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return q.seq[out[i].ReviewID] < q.seq[out[j].ReviewID] })
	return out
}
