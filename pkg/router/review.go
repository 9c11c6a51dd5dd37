package router

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/casegate/pkg/contracts"
	"github.com/Mindburn-Labs/casegate/pkg/feedback"
	"github.com/Mindburn-Labs/casegate/pkg/ledger"
	"github.com/Mindburn-Labs/casegate/pkg/pipeline"
	"github.com/Mindburn-Labs/casegate/pkg/store"
)

const reviewerAgent = "human_reviewer"

type escalationRequest struct {
	reason  contracts.ReviewReason
	summary string
	reply   chan escalationReply
}

type escalationReply struct {
	reviewID string
	err      error
}

// answerEscalations tells each queued requester where the run ended up.
func (r *Router) answerEscalations(ctx context.Context, runID string, pending []escalationRequest) {
	if len(pending) == 0 {
		return
	}
	run, err := r.runs.Get(ctx, runID)
	for _, req := range pending {
		var rep escalationReply
		switch {
		case err != nil:
			rep.err = err
		case run.Status == contracts.RunPendingHuman:
			rep.reviewID = run.PendingReviewID
		case run.Status.Terminal():
			rep.err = fmt.Errorf("%w: run %s is %s", store.ErrRunImmutable, runID, run.Status)
		default:
			rep.err = fmt.Errorf("%w: run %s is %s", ErrNotPending, runID, run.Status)
		}
		req.reply <- rep
	}
}

// RequestHumanReview parks a run for review from outside the pipeline.
// A run that is executing parks at its next stage boundary; a run already
// pending returns its open review.
func (r *Router) RequestHumanReview(ctx context.Context, runID string, reason contracts.ReviewReason, summary string) (string, error) {
	st := r.state(runID)
	if st == nil {
		return "", r.missing(ctx, runID)
	}

	st.mu.Lock()
	if st.cancelled {
		st.mu.Unlock()
		return "", fmt.Errorf("%w: run %s was cancelled", store.ErrRunImmutable, runID)
	}
	if !st.dispatched {
		defer st.mu.Unlock()
		run, err := r.runs.Get(ctx, runID)
		if err != nil {
			return "", err
		}
		if run.Status == contracts.RunPendingHuman {
			return run.PendingReviewID, nil
		}
		bg := context.WithoutCancel(ctx)
		if run.Status == contracts.RunStarted {
			if _, err := r.runs.Transition(bg, runID, contracts.RunInProgress); err != nil {
				return "", err
			}
		}
		if err := r.pauseLocked(bg, st, reason, summary); err != nil {
			return "", err
		}
		run, err = r.runs.Get(bg, runID)
		if err != nil {
			return "", err
		}
		return run.PendingReviewID, nil
	}
	reply := make(chan escalationReply, 1)
	st.escalate = append(st.escalate, escalationRequest{reason: reason, summary: summary, reply: reply})
	st.mu.Unlock()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case rep := <-reply:
		return rep.reviewID, rep.err
	}
}

// HumanFeedback is a reviewer's verdict on a paused run.
type HumanFeedback struct {
	RunID    string
	Approved bool
	// Correction replaces the matched pattern's content, or seeds a new
	// pattern when the run had none.
	Correction *contracts.PatternContent
	Reviewer   string
	// Token is required when the router was built WithReviewerAuth. The
	// verified subject takes precedence over Reviewer.
	Token   string
	Comment string
}

// SubmitHumanFeedback resolves a paused run's review. Approval of a
// recoverable pause re-dispatches the paused stage; any other approval
// completes the run as HUMAN_HANDLED and a rejection completes it as
// REJECTED.
func (r *Router) SubmitHumanFeedback(ctx context.Context, fb HumanFeedback) (*RunHandle, error) {
	reviewer, err := r.reviewer(fb)
	if err != nil {
		return nil, err
	}
	st := r.state(fb.RunID)
	if st == nil {
		return nil, r.missing(ctx, fb.RunID)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	run, err := r.runs.Get(ctx, fb.RunID)
	if err != nil {
		return nil, err
	}
	if st.cancelled || st.dispatched || run.Status != contracts.RunPendingHuman {
		return nil, fmt.Errorf("%w: run %s is %s", ErrNotPending, fb.RunID, run.Status)
	}
	review, ok := r.reviews.PendingFor(fb.RunID)
	if !ok {
		return nil, fmt.Errorf("%w: run %s has no open review", ErrNotPending, fb.RunID)
	}
	if _, err := r.reviews.Resolve(ctx, review.ReviewID, fb.Approved, reviewer); err != nil {
		return nil, err
	}
	r.tel.ReviewPending(ctx, string(review.Reason), -1)

	bg := context.WithoutCancel(ctx)
	rc := st.rc
	approved := fb.Approved
	if _, err := r.runs.Update(bg, fb.RunID, func(run *contracts.Run) error {
		run.Status = contracts.RunInProgress
		run.HumanApproved = &approved
		run.HumanFeedback = fb.Comment
		run.PendingReviewID = ""
		return nil
	}); err != nil {
		return nil, r.failLocked(bg, st, err)
	}

	verdict, action := "REJECTED", ledger.ActionHumanRejected
	if approved {
		verdict, action = "APPROVED", ledger.ActionHumanApproved
	}
	reasoning := fb.Comment
	if reasoning == "" {
		reasoning = fmt.Sprintf("Reviewer %s %s %s", reviewer, verdict, review.Reason)
	}
	if err := r.append(bg, ledger.Entry{
		RunID:             rc.RunID,
		CaseID:            rc.Case.CaseID,
		AgentName:         reviewerAgent,
		Action:            action,
		ActionDescription: fmt.Sprintf("Review %s resolved by %s", review.ReviewID, reviewer),
		Decision:          verdict,
		Reasoning:         reasoning,
		StateChanges:      []ledger.StateChange{{Field: "status", Before: string(contracts.RunPendingHuman), After: string(contracts.RunInProgress)}},
	}); err != nil {
		return nil, r.failLocked(bg, st, err)
	}

	if err := r.learnLocked(bg, st, fb, reviewer); err != nil {
		return nil, r.failLocked(bg, st, err)
	}

	r.logger.InfoContext(ctx, "human feedback applied",
		"run_id", rc.RunID, "case_id", rc.Case.CaseID, "review_id", review.ReviewID,
		"approved", approved, "reviewer", reviewer, "reason", review.Reason)

	switch {
	case !approved:
		return settledDispatch(r.completeLocked(bg, st, contracts.FinalRejected)).handle(rc.RunID, rc.Case.CaseID, r.runs), nil
	case st.resumable && st.next < len(st.chain):
		rc.Approval = &pipeline.Approval{Stage: st.chain[st.next].Name(), Reason: st.reason}
		rc.Reviewer = reviewer
		return r.enqueueLocked(st, run.Priority)
	default:
		return settledDispatch(r.completeLocked(bg, st, contracts.FinalHumanHandled)).handle(rc.RunID, rc.Case.CaseID, r.runs), nil
	}
}

func (d *dispatch) handle(runID, caseID string, runs *store.RunStore) *RunHandle {
	return &RunHandle{RunID: runID, CaseID: caseID, d: d, runs: runs}
}

func (r *Router) reviewer(fb HumanFeedback) (string, error) {
	if r.auth == nil {
		return fb.Reviewer, nil
	}
	if fb.Token == "" {
		return "", ErrReviewerNeeded
	}
	claims, err := r.auth.Verify(fb.Token)
	if err != nil {
		return "", err
	}
	return claims.Reviewer(), nil
}

// learnLocked feeds the verdict into pattern memory and records the
// change. Memory is never touched in OBSERVE mode.
func (r *Router) learnLocked(ctx context.Context, st *runState, fb HumanFeedback, reviewer string) error {
	rc := st.rc
	if r.feedback == nil || rc.Mode == contracts.ModeObserve {
		return nil
	}
	var patternID string
	if rc.Pattern != nil {
		patternID = rc.Pattern.PatternID
	}
	kind := feedback.KindApprove
	switch {
	case fb.Correction != nil:
		kind = feedback.KindCorrect
	case rc.Pattern == nil:
		return nil
	case !fb.Approved:
		kind = feedback.KindReject
	}

	up, err := r.feedback.Apply(ctx, feedback.Feedback{
		PatternID:  patternID,
		Kind:       kind,
		Correction: fb.Correction,
		Reviewer:   reviewer,
		RunID:      rc.RunID,
		Reason:     fb.Comment,
	})
	if err != nil {
		r.logger.WarnContext(ctx, "feedback not applied", "run_id", rc.RunID, "pattern_id", patternID, "kind", kind, "error", err)
		return nil
	}
	if kind == feedback.KindCorrect && fb.Approved {
		after := up.After
		rc.Pattern = &after
	}

	strategy := map[feedback.Kind]string{
		feedback.KindApprove: "REINFORCE",
		feedback.KindReject:  "WEAKEN",
		feedback.KindCorrect: "REPLACE",
	}[kind]
	if up.Created {
		strategy = "CREATE_PATTERN"
	}
	changes := []ledger.StateChange{
		{Field: "pattern." + up.PatternID + ".confidence", Before: up.Before.Confidence, After: up.After.Confidence},
		{Field: "pattern." + up.PatternID + ".version", Before: up.Before.Version, After: up.After.Version},
	}
	if up.Archived {
		changes = append(changes, ledger.StateChange{Field: "pattern." + up.PatternID + ".status", Before: string(up.Before.Status), After: string(up.After.Status)})
	}
	return r.append(ctx, ledger.Entry{
		RunID:             rc.RunID,
		CaseID:            rc.Case.CaseID,
		AgentName:         "feedback_loop",
		Action:            ledger.ActionMemoryUpdated,
		ActionDescription: fmt.Sprintf("%s pattern %s from reviewer feedback", kind, up.PatternID),
		Decision:          string(kind),
		Reasoning:         fmt.Sprintf("Reviewer %s: %s", reviewer, fb.Comment),
		Confidence:        ledger.Confidence(up.After.Confidence),
		MemoryStrategy:    strategy,
		StateChanges:      changes,
	})
}

// Cancel stops a run that has not reached a terminal status. A stage in
// flight observes its context being cancelled; its result is discarded.
func (r *Router) Cancel(ctx context.Context, runID, reason string) error {
	st := r.state(runID)
	if st == nil {
		return r.missing(ctx, runID)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.cancelled {
		return fmt.Errorf("%w: run %s was cancelled", store.ErrRunImmutable, runID)
	}
	run, err := r.runs.Get(ctx, runID)
	if err != nil {
		return err
	}
	st.cancelled = true
	st.cancel()

	bg := context.WithoutCancel(ctx)
	rc := st.rc
	if run.Status == contracts.RunPendingHuman && run.PendingReviewID != "" {
		if rv, err := r.reviews.Withdraw(bg, run.PendingReviewID, reason); err != nil {
			r.logger.WarnContext(ctx, "could not withdraw review", "review_id", run.PendingReviewID, "error", err)
		} else {
			r.tel.ReviewPending(ctx, string(rv.Reason), -1)
		}
	}
	appendErr := r.append(bg, ledger.Entry{
		RunID:             runID,
		CaseID:            rc.Case.CaseID,
		AgentName:         agentName,
		Action:            ledger.ActionRunCancelled,
		ActionDescription: "Run cancelled",
		Decision:          string(contracts.FinalCancelled),
		Reasoning:         reason,
		StateChanges:      []ledger.StateChange{{Field: "status", Before: string(run.Status), After: string(contracts.RunCancelled)}},
	})
	if _, err := r.runs.Update(bg, runID, func(run *contracts.Run) error {
		run.Status = contracts.RunCancelled
		run.FinalAction = contracts.FinalCancelled
		return nil
	}); err != nil {
		return fmt.Errorf("cancel run %s: %w", runID, err)
	}
	r.retire(bg, st, contracts.RunCancelled, contracts.FinalCancelled)
	r.logger.InfoContext(ctx, "run cancelled", "run_id", runID, "case_id", rc.Case.CaseID, "reason", reason)
	if appendErr != nil {
		return fmt.Errorf("run %s cancelled without ledger entry: %w", runID, appendErr)
	}
	return nil
}

// missing explains why runID has no live state.
func (r *Router) missing(ctx context.Context, runID string) error {
	run, err := r.runs.Get(ctx, runID)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	if run.Status.Terminal() {
		return fmt.Errorf("%w: run %s is %s", store.ErrRunImmutable, runID, run.Status)
	}
	return fmt.Errorf("%w: %s has no live state", ErrUnknownRun, runID)
}
