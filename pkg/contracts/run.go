package contracts

import (
	"fmt"
	"strings"
	"time"
)

// ExecutionMode controls how much autonomy the pipeline has.
type ExecutionMode string

const (
	// ModeObserve logs decisions and never acts.
	ModeObserve ExecutionMode = "OBSERVE"
	// ModeTrain requires human approval before any write.
	ModeTrain ExecutionMode = "TRAIN"
	// ModeAct acts autonomously when thresholds are met.
	ModeAct ExecutionMode = "ACT"
)

// ParseMode parses an execution mode, case-insensitively.
func ParseMode(s string) (ExecutionMode, error) {
	switch m := ExecutionMode(strings.ToUpper(strings.TrimSpace(s))); m {
	case ModeObserve, ModeTrain, ModeAct:
		return m, nil
	default:
		return "", fmt.Errorf("unknown execution mode %q", s)
	}
}

// RunStatus is the state of a Run.
type RunStatus string

const (
	RunStarted      RunStatus = "STARTED"
	RunInProgress   RunStatus = "IN_PROGRESS"
	RunPendingHuman RunStatus = "PENDING_HUMAN"
	RunCompleted    RunStatus = "COMPLETED"
	RunFailed       RunStatus = "FAILED"
	RunCancelled    RunStatus = "CANCELLED"
)

// Terminal reports whether no further transition is allowed.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

var runTransitions = map[RunStatus][]RunStatus{
	RunStarted:      {RunInProgress, RunFailed, RunCancelled},
	RunInProgress:   {RunPendingHuman, RunCompleted, RunFailed, RunCancelled},
	RunPendingHuman: {RunInProgress, RunCancelled},
}

// CanTransition reports whether from -> to is a legal run transition.
func CanTransition(from, to RunStatus) bool {
	for _, next := range runTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StepType classifies a run step.
type StepType string

const (
	StepObserve     StepType = "OBSERVE"
	StepThink       StepType = "THINK"
	StepLearn       StepType = "LEARN"
	StepAct         StepType = "ACT"
	StepHumanReview StepType = "HUMAN_REVIEW"
	StepError       StepType = "ERROR"
)

// RunStep records one stage invocation.
type RunStep struct {
	StepID      string        `json:"step_id"`
	Stage       string        `json:"stage"`
	StepType    StepType      `json:"step_type"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`
	Tokens      int           `json:"tokens,omitempty"`
	Success     bool          `json:"success"`
	Error       string        `json:"error,omitempty"`
}

// FinalAction summarizes how a run ended.
type FinalAction string

const (
	FinalClosed        FinalAction = "CLOSED"
	FinalObserved      FinalAction = "OBSERVED"
	FinalEscalated     FinalAction = "ESCALATED"
	FinalHumanHandled  FinalAction = "HUMAN_HANDLED"
	FinalRejected      FinalAction = "REJECTED"
	FinalRecorded      FinalAction = "RECORDED"
	FinalCascaded      FinalAction = "CASCADED"
	FinalHeld          FinalAction = "HELD"
	FinalNoLinkedCases FinalAction = "NO_LINKED_CASES"
	FinalFailed        FinalAction = "FAILED"
	FinalCancelled     FinalAction = "CANCELLED"
)

// Run is one end-to-end pipeline execution for a case.
type Run struct {
	RunID         string        `json:"run_id"`
	CaseID        string        `json:"case_id"`
	EventType     EventType     `json:"event_type"`
	EnvelopeID    string        `json:"envelope_id,omitempty"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	Mode          ExecutionMode `json:"mode"`
	Status        RunStatus     `json:"status"`
	Priority      int           `json:"priority"`
	Steps         []RunStep     `json:"steps"`

	TotalTokens   int           `json:"total_tokens"`
	TotalDuration time.Duration `json:"total_duration"`
	ErrorCount    int           `json:"error_count"`
	LastError     string        `json:"last_error,omitempty"`
	StagesInvoked []string      `json:"stages_invoked"`

	FinalAction         FinalAction `json:"final_action,omitempty"`
	Confidence          float64     `json:"confidence,omitempty"`
	RequiredHumanReview bool        `json:"required_human_review"`
	PendingReviewID     string      `json:"pending_review_id,omitempty"`
	HumanApproved       *bool       `json:"human_approved,omitempty"`
	HumanFeedback       string      `json:"human_feedback,omitempty"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Clone returns a deep copy safe to hand to readers.
func (r Run) Clone() Run {
	r.Steps = append([]RunStep(nil), r.Steps...)
	r.StagesInvoked = append([]string(nil), r.StagesInvoked...)
	if r.HumanApproved != nil {
		v := *r.HumanApproved
		r.HumanApproved = &v
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		r.CompletedAt = &t
	}
	return r
}

// ReviewReason keys the human review queue.
type ReviewReason string

const (
	ReviewPolicyEscalate    ReviewReason = "POLICY_ESCALATE"
	ReviewPolicyBlock       ReviewReason = "POLICY_BLOCK"
	ReviewPolicyHumanReview ReviewReason = "POLICY_HUMAN_REVIEW"
	ReviewTrainApproval     ReviewReason = "TRAIN_APPROVAL"
	ReviewNewPattern        ReviewReason = "NEW_PATTERN_APPROVAL"
	ReviewStageTimeout      ReviewReason = "STAGE_TIMEOUT"
	ReviewStageError        ReviewReason = "STAGE_ERROR"
	ReviewPreflightAborted  ReviewReason = "PREFLIGHT_ABORTED"
	ReviewWritebackFailed   ReviewReason = "WRITEBACK_FAILED"
	ReviewCascadeApproval   ReviewReason = "CASCADE_APPROVAL"
)

// Recoverable reports whether a human approval for this reason lets the
// pipeline continue toward an autonomous writeback. Severity and adverse
// outcomes (BLOCK, ESCALATE) are never auto-overridable.
func (r ReviewReason) Recoverable() bool {
	switch r {
	case ReviewPolicyHumanReview, ReviewTrainApproval, ReviewNewPattern, ReviewCascadeApproval:
		return true
	default:
		return false
	}
}
