package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Mindburn-Labs/casegate/pkg/contracts"
	"github.com/Mindburn-Labs/casegate/pkg/ledger"
	"github.com/Mindburn-Labs/casegate/pkg/policy"
	"github.com/Mindburn-Labs/casegate/pkg/writeback"
)

// Evaluator is the policy gate.
type Evaluator interface {
	Evaluate(ctx context.Context, in policy.Input) (contracts.AggregateDecision, error)
}

// GateStage runs every compliance policy.
type GateStage struct {
	gate Evaluator
}

// NewGateStage creates the gate stage.
func NewGateStage(gate Evaluator) *GateStage { return &GateStage{gate: gate} }

func (s *GateStage) Name() StageName { return StageGate }
func (s *GateStage) Agent() string   { return "policy_gate" }

func (s *GateStage) Run(ctx context.Context, rc *RunContext) (StageResult, error) {
	if d := rc.Decision; d != nil && rc.Approved(StageGate, gateReview(rc.Mode, *d)) && (d.Decision == contracts.DecisionApprove || d.Recoverable) {
		rc.DecisionApproved = true
		return continueWith(contracts.StepThink, *d), nil
	}

	d, err := s.gate.Evaluate(ctx, policy.Input{Case: rc.Case, Confidence: rc.MatchConfidence()})
	if err != nil && len(d.Results) == 0 {
		return StageResult{StepType: contracts.StepThink}, fmt.Errorf("policy evaluation: %w", err)
	}
	rc.Decision = &d

	entry := ledger.Entry{
		Action:              ledger.ActionComplianceChecked,
		ActionDescription:   fmt.Sprintf("Evaluated %d policies (pack %s)", len(d.Results), d.PolicyVersion),
		Decision:            string(d.Decision),
		Confidence:          ledger.Confidence(d.Confidence),
		Reasoning:           d.Reasoning,
		PoliciesEvaluated:   d.Evaluated(),
		PolicyViolations:    d.Failed,
		RequiresHumanAction: rc.Mode != contracts.ModeObserve && (d.Decision != contracts.DecisionApprove || rc.Mode == contracts.ModeTrain),
	}
	if err != nil {
		// The decision already fails closed; the error still escalates.
		return StageResult{StepType: contracts.StepThink, Output: d, Entries: []ledger.Entry{entry}}, fmt.Errorf("policy evaluation: %w", err)
	}

	if rc.Mode == contracts.ModeObserve {
		if d.Decision != contracts.DecisionApprove {
			return complete(contracts.StepThink, contracts.FinalObserved, d, entry), nil
		}
		return continueWith(contracts.StepThink, d, entry), nil
	}

	switch {
	case d.Decision == contracts.DecisionApprove && rc.Mode == contracts.ModeTrain:
		return pause(contracts.StepHumanReview, contracts.ReviewTrainApproval, "TRAIN mode: approve before writeback", d, entry), nil
	case d.Decision == contracts.DecisionApprove:
		return continueWith(contracts.StepThink, d, entry), nil
	default:
		res := pause(contracts.StepHumanReview, d.Decision.ReviewReason(), d.Reasoning, d, entry)
		res.Final = !d.Recoverable
		return res, nil
	}
}

// gateReview is the review reason the gate pauses with for d.
func gateReview(mode contracts.ExecutionMode, d contracts.AggregateDecision) contracts.ReviewReason {
	if d.Decision == contracts.DecisionApprove && mode == contracts.ModeTrain {
		return contracts.ReviewTrainApproval
	}
	return d.Decision.ReviewReason()
}

// Keys a LinkedClosureRequested event carries in its new values.
const (
	ProposedResolutionKey     = "proposed_resolution"
	ProposedResolutionCodeKey = "proposed_resolution_code"
)

// ArtifactBuilder composes the decision artifact.
type ArtifactBuilder interface {
	Build(ctx context.Context, c contracts.Case, runID string, p *contracts.Pattern) (contracts.DecisionArtifact, error)
}

// ResolveStage builds the canonical decision artifact.
type ResolveStage struct {
	builder ArtifactBuilder
}

// NewResolveStage creates the resolve stage.
func NewResolveStage(b ArtifactBuilder) *ResolveStage { return &ResolveStage{builder: b} }

func (s *ResolveStage) Name() StageName { return StageResolve }
func (s *ResolveStage) Agent() string   { return "resolution_builder" }

func (s *ResolveStage) Run(ctx context.Context, rc *RunContext) (StageResult, error) {
	p, source := rc.Pattern, "category template"
	if proposed, ok := proposedResolution(rc.Envelope); ok {
		p, source = &proposed, "linked case proposal"
	} else if p != nil {
		source = "pattern " + p.PatternID
	}

	a, err := s.builder.Build(ctx, rc.Case, rc.RunID, p)
	if err != nil {
		return StageResult{StepType: contracts.StepThink}, fmt.Errorf("build artifact %s: %w", rc.Case.CaseID, err)
	}
	rc.Artifact = &a

	entry := ledger.Entry{
		Action:            ledger.ActionResolutionGenerated,
		ActionDescription: fmt.Sprintf("Composed %d localized texts", len(a.Texts)),
		Decision:          a.ResolutionCode,
		Reasoning:         fmt.Sprintf("Resolution from %s; artifact %s", source, a.Hash),
	}
	if p != nil && p.PatternID != "" {
		entry.Confidence = ledger.Confidence(p.Confidence)
	}
	return continueWith(contracts.StepThink, a, entry), nil
}

func proposedResolution(env contracts.EventEnvelope) (contracts.Pattern, bool) {
	if env.Event.EventType != contracts.EventLinkedClosureRequested {
		return contracts.Pattern{}, false
	}
	text, _ := env.Event.NewValues[ProposedResolutionKey].(string)
	code, _ := env.Event.NewValues[ProposedResolutionCodeKey].(string)
	if strings.TrimSpace(text) == "" {
		return contracts.Pattern{}, false
	}
	return contracts.Pattern{ResolutionTemplate: text, ResolutionCode: code}, true
}

// Finalizer closes cases in the external system.
type Finalizer interface {
	Finalize(ctx context.Context, req writeback.Request) (writeback.Result, error)
}

// ErrNoArtifact is returned when the writeback stage runs before resolve.
var ErrNoArtifact = errors.New("no decision artifact")

// WritebackStage finalizes the case.
type WritebackStage struct {
	writer Finalizer
}

// NewWritebackStage creates the writeback stage.
func NewWritebackStage(w Finalizer) *WritebackStage { return &WritebackStage{writer: w} }

func (s *WritebackStage) Name() StageName { return StageWriteback }
func (s *WritebackStage) Agent() string   { return "writeback" }

func (s *WritebackStage) Run(ctx context.Context, rc *RunContext) (StageResult, error) {
	if rc.Artifact == nil {
		return StageResult{StepType: contracts.StepAct}, fmt.Errorf("writeback %s: %w", rc.Case.CaseID, ErrNoArtifact)
	}
	res, err := s.writer.Finalize(ctx, writeback.Request{
		Case:          rc.Case,
		RunID:         rc.RunID,
		Mode:          rc.Mode,
		HumanApproved: rc.DecisionApproved,
		Decision:      rc.EffectiveDecision(),
		Artifact:      *rc.Artifact,
	})
	var wf *contracts.WritebackFailure
	if err != nil && !errors.As(err, &wf) {
		return StageResult{StepType: contracts.StepAct}, fmt.Errorf("writeback %s: %w", rc.Case.CaseID, err)
	}
	rc.Writeback = &res

	failed := writeback.Failed(res.Checks)
	entry := ledger.Entry{
		Action:              ledger.ActionWritebackExecuted,
		ActionDescription:   fmt.Sprintf("Finalize %s after %d attempts", strings.ToLower(string(res.Status)), res.Attempts),
		Decision:            string(res.Status),
		StateChanges:        res.Changes,
		PolicyViolations:    failed,
		RequiresHumanAction: res.Status != writeback.StatusSuccess && rc.Mode != contracts.ModeObserve,
	}
	switch {
	case res.Replayed:
		entry.Reasoning = "Already finalized under key " + res.Key
	case res.Status == writeback.StatusSuccess:
		entry.Reasoning = fmt.Sprintf("All %d preflight checks passed; closed with %s", len(res.Checks), rc.Artifact.ResolutionCode)
	case res.AbortedByMode():
		entry.Reasoning = fmt.Sprintf("%s mode: all other preflight checks passed, nothing written", rc.Mode)
	case res.Status == writeback.StatusAborted:
		entry.Reasoning = "Preflight failed: " + strings.Join(failed, ", ")
	default:
		entry.Reasoning = res.Error
	}
	if res.PatternUpdate != nil {
		entry.MemoryStrategy = "REINFORCE"
	}

	switch res.Status {
	case writeback.StatusSuccess:
		return complete(contracts.StepAct, contracts.FinalClosed, res, entry), nil
	case writeback.StatusAborted:
		if rc.Mode == contracts.ModeObserve {
			return complete(contracts.StepAct, contracts.FinalObserved, res, entry), nil
		}
		return pause(contracts.StepHumanReview, contracts.ReviewPreflightAborted, entry.Reasoning, res, entry), nil
	default:
		return pause(contracts.StepHumanReview, contracts.ReviewWritebackFailed, res.Error, res, entry), nil
	}
}
