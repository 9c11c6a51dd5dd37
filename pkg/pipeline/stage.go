// Package pipeline defines the decision stages a run is driven through,
// the run context they share, and the static event-type routing table.
package pipeline

import (
	"context"
	"time"

	"github.com/Mindburn-Labs/casegate/pkg/classifier"
	"github.com/Mindburn-Labs/casegate/pkg/contracts"
	"github.com/Mindburn-Labs/casegate/pkg/ledger"
	"github.com/Mindburn-Labs/casegate/pkg/patterns"
	"github.com/Mindburn-Labs/casegate/pkg/writeback"
)

// StageName identifies a stage in the routing table.
type StageName string

const (
	StageClassify  StageName = "classify"
	StageMatch     StageName = "match"
	StageGate      StageName = "gate"
	StageResolve   StageName = "resolve"
	StageWriteback StageName = "writeback"
	StageCascade   StageName = "cascade"
	StageClosure   StageName = "closure"
)

// Outcome tells the driver what to do after a stage.
type Outcome string

const (
	// OutcomeContinue dispatches the next stage of the chain.
	OutcomeContinue Outcome = "CONTINUE"
	// OutcomePause parks the run for human review.
	OutcomePause Outcome = "PAUSE"
	// OutcomeComplete ends the run.
	OutcomeComplete Outcome = "COMPLETE"
)

// Stage is one step of a run's chain. A stage reads and extends the
// RunContext and reports the ledger entries it decided; it never appends
// to the ledger itself.
//
// A paused stage is run again when a human approves a recoverable pause,
// with RunContext.Approval naming that pause and its earlier outputs still
// present.
type Stage interface {
	Name() StageName
	// Agent is the ledger agent name of the stage's entries.
	Agent() string
	Run(ctx context.Context, rc *RunContext) (StageResult, error)
}

// StageResult is what a stage decided.
type StageResult struct {
	Outcome  Outcome
	StepType contracts.StepType
	// Entries are appended in order. Run, case and agent are filled in by
	// the driver when left empty.
	Entries []ledger.Entry

	Review  contracts.ReviewReason // set with OutcomePause
	Summary string
	// Final marks a pause whose approval hands the case to the reviewer
	// instead of resuming the chain.
	Final bool

	FinalAction contracts.FinalAction // set with OutcomeComplete
	Confidence  *float64
	Tokens      int
	Output      any
}

// RunContext is the per-run arena threaded through the chain. Stages of
// one run execute sequentially, so it needs no locking.
type RunContext struct {
	RunID    string
	Envelope contracts.EventEnvelope
	Mode     contracts.ExecutionMode
	Case     contracts.Case
	Now      func() time.Time

	// Approval answers the pause the run resumed from. The driver clears it
	// once the paused stage has run again.
	Approval *Approval
	// DecisionApproved is set once a reviewer signed off the gate decision.
	DecisionApproved bool
	Reviewer         string

	Classification *classifier.Classification
	Assessment     *patterns.Assessment
	// Pattern is the pattern the resolution is built from: the best match,
	// or a pattern created for this case.
	Pattern   *contracts.Pattern
	Decision  *contracts.AggregateDecision
	Artifact  *contracts.DecisionArtifact
	Writeback *writeback.Result
	Bridge    *contracts.BridgeDecision

	// FollowUps are events the driver accepts once the stage completes.
	FollowUps []contracts.EventEnvelope
	Responses map[StageName]StageResponse
}

// NewRunContext creates the arena for a run.
func NewRunContext(runID string, env contracts.EventEnvelope, mode contracts.ExecutionMode, c contracts.Case) *RunContext {
	return &RunContext{
		RunID:     runID,
		Envelope:  env,
		Mode:      mode,
		Case:      c,
		Now:       time.Now,
		Responses: make(map[StageName]StageResponse),
	}
}

// Approval is a reviewer's approval of one pause.
type Approval struct {
	Stage  StageName
	Reason contracts.ReviewReason
}

// Approved reports whether the run resumed from a pause of stage for
// reason.
func (rc *RunContext) Approved(stage StageName, reason contracts.ReviewReason) bool {
	return rc.Approval != nil && rc.Approval.Stage == stage && rc.Approval.Reason == reason
}

// MatchConfidence is the best pattern match score, or zero without one.
func (rc *RunContext) MatchConfidence() float64 {
	if rc.Assessment == nil || rc.Assessment.Best == nil {
		return 0
	}
	return rc.Assessment.Best.Result.Score
}

// EffectiveDecision is the gate decision as the writeback sees it. A
// HUMAN_REVIEW decision a reviewer approved counts as APPROVE; BLOCK and
// ESCALATE stay what they are.
func (rc *RunContext) EffectiveDecision() contracts.Decision {
	if rc.Decision == nil {
		return ""
	}
	if rc.Decision.Decision == contracts.DecisionHumanReview && rc.DecisionApproved {
		return contracts.DecisionApprove
	}
	return rc.Decision.Decision
}

// StageRequest is the wire shape of a stage invocation.
type StageRequest struct {
	CaseID       string                  `json:"caseId"`
	RunID        string                  `json:"runId"`
	Mode         contracts.ExecutionMode `json:"mode"`
	StagePayload any                     `json:"stagePayload,omitempty"`
}

// StageResponse is the wire shape of a stage's answer.
type StageResponse struct {
	Success bool   `json:"success"`
	Output  any    `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Request describes the invocation of a stage on rc.
func (rc *RunContext) Request() StageRequest {
	return StageRequest{CaseID: rc.Case.CaseID, RunID: rc.RunID, Mode: rc.Mode, StagePayload: rc.Case}
}

// Response converts a stage's result to its wire shape.
func Response(res StageResult, err error) StageResponse {
	if err != nil {
		return StageResponse{Success: false, Output: res.Output, Error: err.Error()}
	}
	return StageResponse{Success: true, Output: res.Output}
}

func continueWith(step contracts.StepType, output any, entries ...ledger.Entry) StageResult {
	return StageResult{Outcome: OutcomeContinue, StepType: step, Output: output, Entries: entries}
}

func pause(step contracts.StepType, reason contracts.ReviewReason, summary string, output any, entries ...ledger.Entry) StageResult {
	return StageResult{Outcome: OutcomePause, StepType: step, Review: reason, Summary: summary, Output: output, Entries: entries}
}

func complete(step contracts.StepType, action contracts.FinalAction, output any, entries ...ledger.Entry) StageResult {
	return StageResult{Outcome: OutcomeComplete, StepType: step, FinalAction: action, Output: output, Entries: entries}
}
