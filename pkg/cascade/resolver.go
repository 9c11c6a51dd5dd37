// Package cascade proposes closures for cases linked to a resolved case.
//
// The resolver is a pure function of the source case and the current
// state of its links: no clock, no randomness, linked ids sorted. Running
// it twice on the same inputs yields the same BridgeDecision.
package cascade

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/Mindburn-Labs/casegate/pkg/contracts"
	"github.com/Mindburn-Labs/casegate/pkg/store"
)

// CaseReader is the slice of the case store the resolver needs.
type CaseReader interface {
	GetCase(ctx context.Context, caseID string) (contracts.Case, error)
	LinkedTo(ctx context.Context, caseID string) ([]contracts.Case, error)
}

// Resolver evaluates linked-case closure.
type Resolver struct {
	cases CaseReader
}

// NewResolver creates a resolver over cases.
func NewResolver(cases CaseReader) *Resolver {
	return &Resolver{cases: cases}
}

// ResolveLinks collects every case linked to source, in either direction,
// and decides which can be closed alongside it.
func (r *Resolver) ResolveLinks(ctx context.Context, source contracts.Case) (contracts.BridgeDecision, error) {
	linked, err := r.collect(ctx, source)
	if err != nil {
		return contracts.BridgeDecision{}, err
	}

	d := contracts.BridgeDecision{
		SourceCaseID:  source.CaseID,
		LinkedCaseIDs: make([]string, 0, len(linked)),
		Eligibility:   make([]contracts.LinkedCaseEligibility, 0, len(linked)),
	}
	resolution := ProposedResolution(source)

	allEligible, anyApproval, eligible := true, false, 0
	for _, c := range linked {
		e := Eligibility(c)
		if e.Eligible {
			e.ProposedResolution = resolution
			e.ProposedResolutionCode = source.ResolutionCode
			eligible++
		}
		allEligible = allEligible && e.Eligible
		anyApproval = anyApproval || e.RequiresHumanApproval
		d.LinkedCaseIDs = append(d.LinkedCaseIDs, c.CaseID)
		d.Eligibility = append(d.Eligibility, e)
	}

	switch {
	case len(linked) == 0:
		d.Action = contracts.CascadeNoLinkedCases
		d.Reasoning = fmt.Sprintf("No cases linked to %s", source.CaseID)
	case allEligible:
		d.Action = contracts.CascadeCloseLinked
		d.Reasoning = fmt.Sprintf("All %d linked cases eligible for cascade closure", len(linked))
	case anyApproval:
		d.Action = contracts.CascadeRequiresApproval
		d.Reasoning = fmt.Sprintf("%d of %d linked cases eligible; human approval required", eligible, len(linked))
	default:
		d.Action = contracts.CascadeHold
		d.Reasoning = fmt.Sprintf("%d of %d linked cases eligible; remaining cases are not closeable", eligible, len(linked))
	}
	return d, nil
}

// ProposedResolution is the resolution text a linked case closes with.
func ProposedResolution(source contracts.Case) string {
	return fmt.Sprintf("%s (Resolved via linked case %s)", source.Resolution, source.CaseID)
}

// collect returns the linked cases sorted by id, without duplicates or
// the source itself. A dangling forward link is ignored.
func (r *Resolver) collect(ctx context.Context, source contracts.Case) ([]contracts.Case, error) {
	byID := make(map[string]contracts.Case)
	if id := source.LinkedCaseID; id != "" && id != source.CaseID {
		c, err := r.cases.GetCase(ctx, id)
		switch {
		case err == nil:
			byID[c.CaseID] = c
		case errors.Is(err, store.ErrNotFound):
		default:
			return nil, fmt.Errorf("load linked case %s: %w", id, err)
		}
	}
	back, err := r.cases.LinkedTo(ctx, source.CaseID)
	if err != nil {
		return nil, fmt.Errorf("load back-references of %s: %w", source.CaseID, err)
	}
	for _, c := range back {
		if c.CaseID != source.CaseID {
			byID[c.CaseID] = c
		}
	}

	out := make([]contracts.Case, 0, len(byID))
	for _, c := range byID {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CaseID < out[j].CaseID })
	return out, nil
}

// Eligibility decides whether one linked case may be closed by cascade.
func Eligibility(c contracts.Case) contracts.LinkedCaseEligibility {
	e := contracts.LinkedCaseEligibility{
		CaseID:   c.CaseID,
		CaseType: c.CaseType,
		Status:   c.Status,
		Severity: c.Severity,
	}
	switch {
	case !c.Status.Actionable():
		e.Reason = fmt.Sprintf("Case status '%s' is not closeable", c.Status)
	case c.Severity.Elevated():
		e.RequiresHumanApproval = true
		e.Reason = fmt.Sprintf("Severity '%s' requires human approval for cascade closure", c.Severity)
	case c.CaseType == contracts.CaseTypeInquiry:
		e.Eligible = true
		e.Reason = "Inquiry eligible for cascade closure from resolved complaint"
	default:
		e.RequiresHumanApproval = true
		e.Reason = "Complaints require individual review even when linked"
	}
	return e
}
