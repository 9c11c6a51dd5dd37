// Package policy implements the compliance gate: a fixed set of independent
// policies evaluated unconditionally against a classified case, folded into
// one tagged decision.
package policy

import (
	"context"
	"fmt"
	"strings"

	"github.com/Mindburn-Labs/casegate/pkg/canonicalize"
	"github.com/Mindburn-Labs/casegate/pkg/contracts"
)

// DefaultConfidenceThreshold is the minimum match score for POL-003.
const DefaultConfidenceThreshold = 0.90

// Input is what every policy sees.
type Input struct {
	Case contracts.Case
	// Confidence is the best pattern match score, 0 when nothing matched.
	Confidence float64
}

// Policy is one independent check. A policy reports a failure through the
// result; an error means the policy could not be evaluated at all.
type Policy interface {
	ID() string
	Name() string
	Check(ctx context.Context, in Input) (contracts.PolicyResult, error)
}

func pass(p Policy, reason string) contracts.PolicyResult {
	return contracts.PolicyResult{PolicyID: p.ID(), Name: p.Name(), Passed: true, Reason: reason}
}

func fail(p Policy, action contracts.RequiredAction, recoverable bool, reason string, matches []string) contracts.PolicyResult {
	return contracts.PolicyResult{
		PolicyID:       p.ID(),
		Name:           p.Name(),
		RequiredAction: action,
		Reason:         reason,
		Matches:        matches,
		Recoverable:    recoverable,
	}
}

// SeverityPolicy is POL-001.
type SeverityPolicy struct{}

func (SeverityPolicy) ID() string   { return "POL-001" }
func (SeverityPolicy) Name() string { return "Severity Gating" }

func (p SeverityPolicy) Check(_ context.Context, in Input) (contracts.PolicyResult, error) {
	switch sev := in.Case.Severity; {
	case sev.Elevated():
		return fail(p, contracts.ActionBlock, false, fmt.Sprintf("%s severity cases cannot be auto-closed", sev), nil), nil
	case sev == contracts.SeverityMedium:
		return fail(p, contracts.ActionHumanReview, false, "MEDIUM severity requires human review", nil), nil
	default:
		return pass(p, "LOW severity may proceed to auto-close evaluation"), nil
	}
}

// EvidencePolicy is POL-002.
type EvidencePolicy struct{}

func (EvidencePolicy) ID() string   { return "POL-002" }
func (EvidencePolicy) Name() string { return "Evidence Completeness" }

func (p EvidencePolicy) Check(_ context.Context, in Input) (contracts.PolicyResult, error) {
	c := in.Case
	var missing []string
	for _, f := range []struct {
		name  string
		value string
	}{
		{"case_id", c.CaseID},
		{"product", c.Product},
		{"category", string(c.Category)},
		{"description", c.Description},
		{"severity", string(c.Severity)},
	} {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return fail(p, contracts.ActionHumanReview, true, "Missing mandatory fields: "+strings.Join(missing, ", "), missing), nil
	}
	return pass(p, "All mandatory fields present"), nil
}

// ConfidencePolicy is POL-003.
type ConfidencePolicy struct {
	Threshold float64
}

func (ConfidencePolicy) ID() string   { return "POL-003" }
func (ConfidencePolicy) Name() string { return "Confidence Threshold" }

func (p ConfidencePolicy) Check(_ context.Context, in Input) (contracts.PolicyResult, error) {
	threshold := p.Threshold
	if threshold <= 0 {
		threshold = DefaultConfidenceThreshold
	}
	if in.Confidence < threshold {
		return fail(p, contracts.ActionHumanReview, true,
			fmt.Sprintf("Confidence %.2f%% below threshold %.2f%%", in.Confidence*100, threshold*100), nil), nil
	}
	return pass(p, fmt.Sprintf("Confidence %.2f%% meets threshold %.2f%%", in.Confidence*100, threshold*100)), nil
}

// AdversePolicy is POL-004.
type AdversePolicy struct {
	Indicators KeywordGroups
}

func (AdversePolicy) ID() string   { return "POL-004" }
func (AdversePolicy) Name() string { return "Adverse Event Detection" }

func (p AdversePolicy) Check(_ context.Context, in Input) (contracts.PolicyResult, error) {
	groups, phrases := p.Indicators.Scan(canonicalize.Fold(in.Case.Description))
	if in.Case.Category == contracts.CategoryAdverseReaction {
		groups = append(groups, "category_adverse_reaction")
	}
	if len(groups) > 0 {
		return fail(p, contracts.ActionEscalate, false, "Adverse event indicators detected: "+joinGroups(groups), phrases), nil
	}
	return pass(p, "No adverse event indicators detected"), nil
}

// RegulatoryPolicy is POL-005. It flags for review and never blocks.
type RegulatoryPolicy struct {
	Keywords KeywordGroups
}

func (RegulatoryPolicy) ID() string   { return "POL-005" }
func (RegulatoryPolicy) Name() string { return "Regulatory Keywords" }

func (p RegulatoryPolicy) Check(_ context.Context, in Input) (contracts.PolicyResult, error) {
	groups, phrases := p.Keywords.Scan(canonicalize.Fold(in.Case.Description))
	if len(groups) > 0 {
		return fail(p, contracts.ActionHumanReview, true, "Regulatory keywords detected: "+joinGroups(groups), phrases), nil
	}
	return pass(p, "No regulatory keywords detected"), nil
}

// Builtin returns POL-001 through POL-005 with default tables.
func Builtin() []Policy {
	return []Policy{
		SeverityPolicy{},
		EvidencePolicy{},
		ConfidencePolicy{Threshold: DefaultConfidenceThreshold},
		AdversePolicy{Indicators: DefaultAdverseIndicators()},
		RegulatoryPolicy{Keywords: DefaultRegulatoryKeywords()},
	}
}
