package pipeline

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/casegate/pkg/cascade"
	"github.com/Mindburn-Labs/casegate/pkg/contracts"
	"github.com/Mindburn-Labs/casegate/pkg/ledger"
)

// LinkResolver proposes closures for cases linked to a closed source.
type LinkResolver interface {
	ResolveLinks(ctx context.Context, source contracts.Case) (contracts.BridgeDecision, error)
}

// CascadeStage evaluates linked cases of a closed factory complaint and
// requests their closure as follow-up events. Each follow-up passes the
// full gate on its own run.
type CascadeStage struct {
	resolver LinkResolver
}

// NewCascadeStage creates the cascade stage.
func NewCascadeStage(r LinkResolver) *CascadeStage { return &CascadeStage{resolver: r} }

func (s *CascadeStage) Name() StageName { return StageCascade }
func (s *CascadeStage) Agent() string   { return "cascade_resolver" }

func (s *CascadeStage) Run(ctx context.Context, rc *RunContext) (StageResult, error) {
	if rc.Approved(StageCascade, contracts.ReviewCascadeApproval) && rc.Bridge != nil {
		ids := approvedCaseIDs(*rc.Bridge)
		rc.FollowUps = append(rc.FollowUps, s.followUps(rc, ids)...)
		return complete(contracts.StepAct, contracts.FinalCascaded, *rc.Bridge), nil
	}

	d, err := s.resolver.ResolveLinks(ctx, rc.Case)
	if err != nil {
		return StageResult{StepType: contracts.StepThink}, fmt.Errorf("resolve links of %s: %w", rc.Case.CaseID, err)
	}
	rc.Bridge = &d

	entry := ledger.Entry{
		Action:              ledger.ActionCascadeEvaluated,
		ActionDescription:   fmt.Sprintf("Evaluated %d linked cases", len(d.LinkedCaseIDs)),
		Decision:            string(d.Action),
		Reasoning:           d.Reasoning,
		RequiresHumanAction: rc.Mode != contracts.ModeObserve && d.Action == contracts.CascadeRequiresApproval,
	}
	for _, id := range d.LinkedCaseIDs {
		entry.StateChanges = append(entry.StateChanges, ledger.StateChange{Field: "linked." + id, Before: nil, After: id})
	}

	switch d.Action {
	case contracts.CascadeNoLinkedCases:
		return complete(contracts.StepThink, contracts.FinalNoLinkedCases, d, entry), nil
	case contracts.CascadeHold:
		return complete(contracts.StepThink, contracts.FinalHeld, d, entry), nil
	}
	switch {
	case rc.Mode == contracts.ModeObserve:
		return complete(contracts.StepThink, contracts.FinalObserved, d, entry), nil
	case rc.Mode == contracts.ModeAct && d.Action == contracts.CascadeCloseLinked:
		rc.FollowUps = append(rc.FollowUps, s.followUps(rc, d.EligibleCaseIDs())...)
		return complete(contracts.StepAct, contracts.FinalCascaded, d, entry), nil
	default:
		return pause(contracts.StepHumanReview, contracts.ReviewCascadeApproval, d.Reasoning, d, entry), nil
	}
}

// approvedCaseIDs are the cases a reviewer's approval releases: the
// eligible ones and those that only wanted approval.
func approvedCaseIDs(d contracts.BridgeDecision) []string {
	var ids []string
	for _, e := range d.Eligibility {
		if e.Eligible || e.RequiresHumanApproval {
			ids = append(ids, e.CaseID)
		}
	}
	return ids
}

func (s *CascadeStage) followUps(rc *RunContext, ids []string) []contracts.EventEnvelope {
	correlation := rc.Envelope.CorrelationID
	if correlation == "" {
		correlation = rc.Envelope.EnvelopeID
	}
	now := rc.Now().UTC()
	out := make([]contracts.EventEnvelope, 0, len(ids))
	for _, id := range ids {
		out = append(out, contracts.EventEnvelope{
			EnvelopeID: "env-" + uuid.NewString(),
			Timestamp:  now,
			Event: contracts.Event{
				EventType: contracts.EventLinkedClosureRequested,
				CaseID:    id,
				Source:    "cascade",
				NewValues: map[string]any{
					ProposedResolutionKey:     cascade.ProposedResolution(rc.Case),
					ProposedResolutionCodeKey: rc.Case.ResolutionCode,
				},
			},
			CorrelationID: correlation,
			CausationID:   rc.Envelope.EnvelopeID,
			MaxAttempts:   contracts.DefaultMaxAttempts,
		})
	}
	return out
}

// ClosureStage records a closure made outside the pipeline.
type ClosureStage struct{}

// NewClosureStage creates the closure stage.
func NewClosureStage() *ClosureStage { return &ClosureStage{} }

func (s *ClosureStage) Name() StageName { return StageClosure }
func (s *ClosureStage) Agent() string   { return "closure_recorder" }

func (s *ClosureStage) Run(_ context.Context, rc *RunContext) (StageResult, error) {
	c := rc.Case
	reason := fmt.Sprintf("Case %s is %s", c.CaseID, c.Status)
	if c.ResolutionCode != "" {
		reason += " with resolution " + c.ResolutionCode
	}
	return complete(contracts.StepObserve, contracts.FinalRecorded, c, ledger.Entry{
		Action:            ledger.ActionClosureRecorded,
		ActionDescription: "Recorded " + string(rc.Envelope.Event.EventType),
		Decision:          string(c.Status),
		Reasoning:         reason,
	}), nil
}
