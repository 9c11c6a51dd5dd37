// Package writeback finalizes a case in the external case system after a
// full preflight, with bounded retries and idempotent replay.
package writeback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/casegate/pkg/contracts"
	"github.com/Mindburn-Labs/casegate/pkg/feedback"
	"github.com/Mindburn-Labs/casegate/pkg/ledger"
	"github.com/Mindburn-Labs/casegate/pkg/resolution"
	"github.com/Mindburn-Labs/casegate/pkg/store"
)

// Status of a finalize call.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusAborted Status = "ABORTED"
	StatusFailed  Status = "FAILED"
)

// CaseSystem is the external system a case is closed in.
type CaseSystem interface {
	GetCase(ctx context.Context, caseID string) (contracts.Case, error)
	CloseCase(ctx context.Context, caseID string, req store.CloseRequest) (contracts.Case, error)
}

// PatternFeedback receives the success nudge for the matched pattern.
type PatternFeedback interface {
	Apply(ctx context.Context, fb feedback.Feedback) (feedback.PatternUpdate, error)
}

// Request is everything Finalize needs.
type Request struct {
	Case          contracts.Case
	RunID         string
	Mode          contracts.ExecutionMode
	HumanApproved bool
	Decision      contracts.Decision
	Artifact      contracts.DecisionArtifact
}

// Result reports the outcome. Changes holds the before/after values the
// final ledger entry records.
type Result struct {
	Status             Status                  `json:"status"`
	Checks             []Check                 `json:"checks"`
	Attempts           int                     `json:"attempts"`
	Delays             []time.Duration         `json:"delays,omitempty"`
	RequiresEscalation bool                    `json:"requires_escalation"`
	Key                string                  `json:"idempotency_key"`
	Receipt            *Receipt                `json:"receipt,omitempty"`
	Replayed           bool                    `json:"replayed"`
	Changes            []ledger.StateChange    `json:"changes,omitempty"`
	PatternUpdate      *feedback.PatternUpdate `json:"pattern_update,omitempty"`
	Error              string                  `json:"error,omitempty"`
}

// AbortedByMode reports whether the only reason for an abort was the
// execution mode.
func (r Result) AbortedByMode() bool {
	failed := Failed(r.Checks)
	return r.Status == StatusAborted && len(failed) == 1 && failed[0] == CheckModePermits
}

// Writer performs writebacks.
type Writer struct {
	cases    CaseSystem
	idem     IdempotencyStore
	feedback PatternFeedback
	limiter  *rate.Limiter
	backoff  BackoffPolicy
	locales  []string
	clock    func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
	onTry    func(ctx context.Context, attempt int, err error)
	logger   *slog.Logger
}

// Option configures a Writer.
type Option func(*Writer)

// WithIdempotency sets the receipt store. The default is in-memory.
func WithIdempotency(s IdempotencyStore) Option { return func(w *Writer) { w.idem = s } }

// WithFeedback sets the pattern nudge target.
func WithFeedback(f PatternFeedback) Option { return func(w *Writer) { w.feedback = f } }

// WithRateLimit bounds finalize calls to r per second with the given burst.
func WithRateLimit(r float64, burst int) Option {
	return func(w *Writer) { w.limiter = rate.NewLimiter(rate.Limit(r), burst) }
}

// WithBackoff overrides the retry policy.
func WithBackoff(p BackoffPolicy) Option { return func(w *Writer) { w.backoff = p } }

// WithLocales overrides the locales preflight requires.
func WithLocales(locales ...string) Option {
	return func(w *Writer) { w.locales = append([]string(nil), locales...) }
}

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option { return func(w *Writer) { w.clock = clock } }

// WithSleeper overrides how the writer waits between attempts.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(w *Writer) { w.sleep = sleep }
}

// WithAttemptHook is called after every finalize attempt.
func WithAttemptHook(h func(ctx context.Context, attempt int, err error)) Option {
	return func(w *Writer) { w.onTry = h }
}

// NewWriter creates a writer over cases.
func NewWriter(cases CaseSystem, opts ...Option) *Writer {
	w := &Writer{
		cases:   cases,
		idem:    NewMemoryIdempotency(),
		limiter: rate.NewLimiter(rate.Inf, 1),
		backoff: DefaultBackoff,
		locales: resolution.DefaultLocales,
		clock:   time.Now,
		sleep:   sleepContext,
		logger:  slog.Default().With("component", "writeback"),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.backoff.MaxAttempts < 1 {
		w.backoff.MaxAttempts = 1
	}
	return w
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Finalize closes the case described by req.
//
// Any failed preflight check aborts with no side effect. A key that was
// already finalized returns the recorded receipt without calling the case
// system. When every attempt fails the result is FAILED, flags escalation
// and the error is a *contracts.WritebackFailure.
func (w *Writer) Finalize(ctx context.Context, req Request) (Result, error) {
	key := IdempotencyKey(req.Case.CaseID, req.Artifact.Hash)
	res := Result{Key: key}

	if prior, ok, err := w.idem.Get(ctx, key); err != nil {
		return res, fmt.Errorf("idempotency lookup %s: %w", key, err)
	} else if ok {
		res.Status, res.Receipt, res.Replayed = StatusSuccess, &prior, true
		w.logger.InfoContext(ctx, "writeback replayed", "case_id", req.Case.CaseID, "key", key)
		return res, nil
	}

	current, err := w.cases.GetCase(ctx, req.Case.CaseID)
	if err != nil {
		return res, fmt.Errorf("load case %s: %w", req.Case.CaseID, err)
	}
	res.Checks = Preflight(req, current, w.locales)
	if failed := Failed(res.Checks); len(failed) > 0 {
		res.Status = StatusAborted
		w.logger.InfoContext(ctx, "writeback aborted", "case_id", req.Case.CaseID, "failed_checks", failed)
		return res, nil
	}

	closeReq := store.CloseRequest{
		Resolution:     req.Artifact.Resolution,
		ResolutionCode: req.Artifact.ResolutionCode,
		Texts:          req.Artifact.LocalizedTexts(w.locales),
	}
	schedule := Schedule(key, w.backoff)

	var closed contracts.Case
	var lastErr error
	for attempt := 1; attempt <= w.backoff.MaxAttempts; attempt++ {
		res.Attempts = attempt
		if err := w.limiter.Wait(ctx); err != nil {
			lastErr = err
			break
		}
		closed, lastErr = w.cases.CloseCase(ctx, req.Case.CaseID, closeReq)
		if w.onTry != nil {
			w.onTry(ctx, attempt, lastErr)
		}
		if lastErr == nil || permanent(lastErr) || attempt == w.backoff.MaxAttempts {
			break
		}
		delay := schedule[attempt-1]
		w.logger.WarnContext(ctx, "writeback attempt failed, retrying",
			"case_id", req.Case.CaseID, "attempt", attempt, "delay", delay, "error", lastErr)
		res.Delays = append(res.Delays, delay)
		if err := w.sleep(ctx, delay); err != nil {
			lastErr = err
			break
		}
	}

	if lastErr != nil {
		res.Status = StatusFailed
		res.RequiresEscalation = true
		res.Error = lastErr.Error()
		w.logger.ErrorContext(ctx, "writeback failed", "case_id", req.Case.CaseID, "attempts", res.Attempts, "error", lastErr)
		return res, &contracts.WritebackFailure{CaseID: req.Case.CaseID, Attempts: res.Attempts, Err: lastErr}
	}

	receipt := Receipt{
		Key:            key,
		CaseID:         req.Case.CaseID,
		RunID:          req.RunID,
		ArtifactHash:   req.Artifact.Hash,
		ResolutionCode: req.Artifact.ResolutionCode,
		Attempts:       res.Attempts,
		ClosedAt:       w.clock().UTC(),
	}
	if closed.ClosedAt != nil {
		receipt.ClosedAt = *closed.ClosedAt
	}
	if err := w.idem.Put(ctx, receipt); err != nil {
		// The case is closed; a lost receipt only costs a rejected replay.
		w.logger.WarnContext(ctx, "idempotency record failed", "key", key, "error", err)
	}
	res.Status = StatusSuccess
	res.Receipt = &receipt
	res.Changes = []ledger.StateChange{
		{Field: "status", Before: string(current.Status), After: string(contracts.CaseStatusClosed)},
		{Field: "resolution", Before: current.Resolution, After: req.Artifact.Resolution},
		{Field: "resolution_code", Before: current.ResolutionCode, After: req.Artifact.ResolutionCode},
		{Field: "closed_at", Before: nil, After: receipt.ClosedAt.Format(time.RFC3339Nano)},
	}

	if w.feedback != nil && req.Artifact.PatternID != "" {
		up, err := w.feedback.Apply(ctx, feedback.Feedback{
			PatternID: req.Artifact.PatternID,
			Kind:      feedback.KindApprove,
			RunID:     req.RunID,
			Reason:    "successful writeback",
		})
		if err != nil {
			w.logger.WarnContext(ctx, "pattern nudge failed", "pattern_id", req.Artifact.PatternID, "error", err)
		} else {
			res.PatternUpdate = &up
			res.Changes = append(res.Changes, ledger.StateChange{
				Field:  "pattern." + up.PatternID + ".confidence",
				Before: up.Before.Confidence,
				After:  up.After.Confidence,
			})
		}
	}

	w.logger.InfoContext(ctx, "case finalized", "case_id", req.Case.CaseID, "attempts", res.Attempts, "key", key)
	return res, nil
}

func permanent(err error) bool {
	return errors.Is(err, store.ErrCaseClosed) || errors.Is(err, store.ErrNotFound)
}
