package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/Mindburn-Labs/casegate/pkg/contracts"
)

// DefaultPackVersion is the version reported for the builtin policy set.
const DefaultPackVersion = "1.0.0"

// Gate evaluates every policy and aggregates the outcome.
type Gate struct {
	policies []Policy
	version  *semver.Version
	logger   *slog.Logger
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithPolicies replaces the policy set.
func WithPolicies(ps ...Policy) GateOption {
	return func(g *Gate) { g.policies = append([]Policy(nil), ps...) }
}

// WithExtraPolicies appends to the policy set.
func WithExtraPolicies(ps ...Policy) GateOption {
	return func(g *Gate) { g.policies = append(g.policies, ps...) }
}

// WithPackVersion sets the reported policy pack version.
func WithPackVersion(v *semver.Version) GateOption {
	return func(g *Gate) { g.version = v }
}

// NewGate creates a gate over the builtin policies.
func NewGate(opts ...GateOption) *Gate {
	g := &Gate{
		policies: Builtin(),
		version:  semver.MustParse(DefaultPackVersion),
		logger:   slog.Default().With("component", "policy_gate"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Policies returns the evaluated policy ids in order.
func (g *Gate) Policies() []string {
	ids := make([]string, len(g.policies))
	for i, p := range g.policies {
		ids[i] = p.ID()
	}
	return ids
}

// Evaluate runs every policy; none is skipped because another failed.
//
// The returned aggregate is always complete. A policy that cannot be
// evaluated fails closed with HUMAN_REVIEW, and its error is joined into
// the returned error so the caller can record it.
func (g *Gate) Evaluate(ctx context.Context, in Input) (contracts.AggregateDecision, error) {
	if err := ctx.Err(); err != nil {
		return contracts.AggregateDecision{}, err
	}

	agg := contracts.AggregateDecision{
		Results:    make([]contracts.PolicyResult, 0, len(g.policies)),
		Confidence: in.Confidence,
	}
	if g.version != nil {
		agg.PolicyVersion = g.version.String()
	}

	var errs []error
	strongest := contracts.ActionNone
	recoverable := true
	for _, p := range g.policies {
		res, err := p.Check(ctx, in)
		if err != nil {
			errs = append(errs, fmt.Errorf("policy %s: %w", p.ID(), err))
			res = fail(p, contracts.ActionHumanReview, false, "evaluation failed: "+err.Error(), nil)
		}
		res.PolicyID, res.Name = p.ID(), p.Name()
		if !res.Passed && res.RequiredAction == contracts.ActionNone {
			res.RequiredAction = contracts.ActionHumanReview
		}
		agg.Results = append(agg.Results, res)

		if res.Passed {
			agg.Passed = append(agg.Passed, res.PolicyID)
			continue
		}
		agg.Failed = append(agg.Failed, res.PolicyID)
		if res.RequiredAction.Outranks(strongest) {
			strongest = res.RequiredAction
		}
		recoverable = recoverable && res.Recoverable
	}

	agg.Decision = strongest.Decision()
	agg.RequiresHuman = agg.Decision != contracts.DecisionApprove
	agg.Recoverable = len(agg.Failed) > 0 && recoverable
	agg.Urgency = urgency(agg.Decision)
	agg.Reasoning = reasoning(agg)

	g.logger.DebugContext(ctx, "policies evaluated",
		"case_id", in.Case.CaseID, "decision", agg.Decision, "failed", agg.Failed)
	return agg, errors.Join(errs...)
}

func urgency(d contracts.Decision) contracts.Urgency {
	switch d {
	case contracts.DecisionEscalate:
		return contracts.UrgencyHigh
	case contracts.DecisionBlock:
		return contracts.UrgencyMedium
	default:
		return contracts.UrgencyLow
	}
}

func reasoning(agg contracts.AggregateDecision) string {
	if len(agg.Failed) == 0 {
		return fmt.Sprintf("All %d policies passed", len(agg.Results))
	}
	parts := make([]string, 0, len(agg.Failed))
	for _, r := range agg.Results {
		if !r.Passed {
			parts = append(parts, fmt.Sprintf("%s %s: %s", r.PolicyID, r.RequiredAction, r.Reason))
		}
	}
	return fmt.Sprintf("%s: %s", agg.Decision, strings.Join(parts, "; "))
}
