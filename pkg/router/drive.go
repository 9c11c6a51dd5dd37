package router

import (
	"context"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/casegate/pkg/contracts"
	"github.com/Mindburn-Labs/casegate/pkg/ledger"
	"github.com/Mindburn-Labs/casegate/pkg/pipeline"
	"github.com/Mindburn-Labs/casegate/pkg/store"
)

// drive runs st's chain from st.next until the run pauses, completes or
// fails. Bookkeeping writes use a context that outlives cancellation of
// the run, so a finished stage is always recorded or the run failed.
func (r *Router) drive(st *runState) error {
	ctx := st.ctx
	bg := context.WithoutCancel(ctx)

	st.mu.Lock()
	if st.cancelled {
		st.mu.Unlock()
		return nil
	}
	rc := st.rc
	run, err := r.runs.Get(bg, rc.RunID)
	if err == nil && run.Status == contracts.RunStarted {
		_, err = r.runs.Transition(bg, rc.RunID, contracts.RunInProgress)
	}
	if err != nil {
		err = r.failLocked(bg, st, err)
		st.mu.Unlock()
		return err
	}
	st.mu.Unlock()

	for {
		st.mu.Lock()
		switch {
		case st.cancelled:
			st.mu.Unlock()
			return nil
		case len(st.escalate) > 0:
			req := st.escalate[0]
			err := r.pauseLocked(bg, st, req.reason, req.summary)
			st.mu.Unlock()
			return err
		case st.next >= len(st.chain):
			action := contracts.FinalRecorded
			if rc.Mode == contracts.ModeObserve {
				action = contracts.FinalObserved
			}
			err := r.completeLocked(bg, st, action)
			st.mu.Unlock()
			return err
		}
		stage := st.chain[st.next]
		st.mu.Unlock()

		res, step, stageErr := r.exec.Execute(ctx, stage, rc)

		st.mu.Lock()
		if st.cancelled {
			st.mu.Unlock()
			return nil
		}
		more, err := r.recordLocked(bg, st, stage, res, step, stageErr)
		var followUps []contracts.EventEnvelope
		if !more && err == nil {
			followUps, rc.FollowUps = rc.FollowUps, nil
		}
		st.mu.Unlock()

		if err != nil {
			return err
		}
		if !more {
			r.acceptFollowUps(bg, rc, followUps)
			return nil
		}
	}
}

// recordLocked books one stage invocation and acts on its outcome. It
// reports whether the chain continues.
func (r *Router) recordLocked(ctx context.Context, st *runState, stage pipeline.Stage, res pipeline.StageResult, step contracts.RunStep, stageErr error) (bool, error) {
	rc := st.rc
	rc.Approval = nil
	if _, err := r.runs.Update(ctx, rc.RunID, func(run *contracts.Run) error {
		run.Steps = append(run.Steps, step)
		run.StagesInvoked = append(run.StagesInvoked, string(stage.Name()))
		run.TotalTokens += step.Tokens
		if !step.Success {
			run.ErrorCount++
			run.LastError = step.Error
		}
		if res.Confidence != nil {
			run.Confidence = *res.Confidence
		}
		return nil
	}); err != nil {
		return false, r.failLocked(ctx, st, err)
	}

	for _, e := range res.Entries {
		if err := r.append(ctx, e); err != nil {
			return false, r.failLocked(ctx, st, err)
		}
	}

	if stageErr != nil {
		if err := r.append(ctx, pipeline.ErrorEntry(rc, stage, stageErr)); err != nil {
			return false, r.failLocked(ctx, st, err)
		}
		return false, r.pauseLocked(ctx, st, pipeline.ErrorReason(stageErr), stageErr.Error())
	}

	switch res.Outcome {
	case pipeline.OutcomePause:
		err := r.pauseLocked(ctx, st, res.Review, res.Summary)
		if res.Final {
			st.resumable = false
		}
		return false, err
	case pipeline.OutcomeComplete:
		return false, r.completeLocked(ctx, st, res.FinalAction)
	default:
		st.next++
		return true, nil
	}
}

// pauseLocked parks the run for human review. The paused stage stays
// st.next so an approval can run it again.
func (r *Router) pauseLocked(ctx context.Context, st *runState, reason contracts.ReviewReason, summary string) error {
	rc := st.rc
	review, err := r.reviews.Request(ctx, rc.RunID, rc.Case.CaseID, reason, summary)
	if err != nil {
		return r.failLocked(ctx, st, fmt.Errorf("request review: %w", err))
	}
	if err := r.append(ctx, ledger.Entry{
		RunID:               rc.RunID,
		CaseID:              rc.Case.CaseID,
		AgentName:           agentName,
		Action:              ledger.ActionHumanReviewRequested,
		ActionDescription:   "Parked for human review " + review.ReviewID,
		Decision:            string(reason),
		Reasoning:           summary,
		StateChanges:        []ledger.StateChange{{Field: "status", Before: string(contracts.RunInProgress), After: string(contracts.RunPendingHuman)}},
		RequiresHumanAction: true,
	}); err != nil {
		if _, werr := r.reviews.Withdraw(ctx, review.ReviewID, "ledger append failed"); werr != nil {
			r.logger.WarnContext(ctx, "could not withdraw review", "review_id", review.ReviewID, "error", werr)
		}
		return r.failLocked(ctx, st, err)
	}
	if _, err := r.runs.Update(ctx, rc.RunID, func(run *contracts.Run) error {
		run.Status = contracts.RunPendingHuman
		run.RequiredHumanReview = true
		run.PendingReviewID = review.ReviewID
		return nil
	}); err != nil {
		return r.failLocked(ctx, st, err)
	}
	st.reason = reason
	st.resumable = reason.Recoverable()
	r.tel.ReviewPending(ctx, string(reason), 1)
	r.logger.InfoContext(ctx, "run pending human review",
		"run_id", rc.RunID, "case_id", rc.Case.CaseID, "review_id", review.ReviewID, "reason", reason)
	return nil
}

func (r *Router) completeLocked(ctx context.Context, st *runState, action contracts.FinalAction) error {
	rc := st.rc
	if _, err := r.runs.Update(ctx, rc.RunID, func(run *contracts.Run) error {
		run.Status = contracts.RunCompleted
		run.FinalAction = action
		return nil
	}); err != nil {
		return fmt.Errorf("complete run %s: %w", rc.RunID, err)
	}
	r.retire(ctx, st, contracts.RunCompleted, action)
	r.logger.InfoContext(ctx, "run completed", "run_id", rc.RunID, "case_id", rc.Case.CaseID, "final_action", action)
	return nil
}

// failLocked ends the run in FAILED. The RUN_FAILED entry is skipped when
// the ledger itself is broken; the cause is returned to the caller either
// way.
func (r *Router) failLocked(ctx context.Context, st *runState, cause error) error {
	rc := st.rc
	if !errors.Is(cause, contracts.ErrLedgerIntegrity) {
		if err := r.append(ctx, ledger.Entry{
			RunID:     rc.RunID,
			CaseID:    rc.Case.CaseID,
			AgentName: agentName,
			Action:    ledger.ActionRunFailed,
			Decision:  string(contracts.FinalFailed),
			Reasoning: cause.Error(),
		}); err != nil {
			r.logger.ErrorContext(ctx, "could not record run failure", "run_id", rc.RunID, "error", err)
		}
	}
	if _, err := r.runs.Update(ctx, rc.RunID, func(run *contracts.Run) error {
		run.Status = contracts.RunFailed
		run.FinalAction = contracts.FinalFailed
		run.ErrorCount++
		run.LastError = cause.Error()
		return nil
	}); err != nil && !errors.Is(err, store.ErrRunImmutable) {
		r.logger.ErrorContext(ctx, "could not fail run", "run_id", rc.RunID, "error", err)
	}
	st.cancel()
	r.retire(ctx, st, contracts.RunFailed, contracts.FinalFailed)
	r.logger.ErrorContext(ctx, "run failed", "run_id", rc.RunID, "case_id", rc.Case.CaseID, "error", cause)
	return fmt.Errorf("run %s: %w", rc.RunID, cause)
}

// retire drops a terminal run's bookkeeping.
func (r *Router) retire(ctx context.Context, st *runState, status contracts.RunStatus, action contracts.FinalAction) {
	rc := st.rc
	r.tel.RecordRun(ctx, string(rc.Envelope.Event.EventType), string(status), string(action))
	r.tel.RunActive(ctx, -1)
	r.forget(rc.RunID)
}

func (r *Router) acceptFollowUps(ctx context.Context, parent *pipeline.RunContext, envs []contracts.EventEnvelope) {
	for _, env := range envs {
		h, err := r.Accept(ctx, env)
		if err != nil {
			r.logger.WarnContext(ctx, "follow-up rejected",
				"run_id", parent.RunID, "case_id", env.Event.CaseID, "event_type", env.Event.EventType, "error", err)
			continue
		}
		r.logger.InfoContext(ctx, "follow-up accepted",
			"run_id", parent.RunID, "follow_up_run_id", h.RunID, "case_id", h.CaseID, "event_type", env.Event.EventType)
	}
}
