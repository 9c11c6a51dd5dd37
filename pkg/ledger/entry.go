package ledger

import "time"

// Action is the kind of decision an entry records.
type Action string

const (
	ActionRunStarted           Action = "RUN_STARTED"
	ActionCaseAnalyzed         Action = "CASE_ANALYZED"
	ActionPatternMatched       Action = "PATTERN_MATCHED"
	ActionPatternCreated       Action = "PATTERN_CREATED"
	ActionComplianceChecked    Action = "COMPLIANCE_CHECKED"
	ActionCascadeEvaluated     Action = "CASCADE_EVALUATED"
	ActionResolutionGenerated  Action = "RESOLUTION_GENERATED"
	ActionWritebackExecuted    Action = "WRITEBACK_EXECUTED"
	ActionClosureRecorded      Action = "CLOSURE_RECORDED"
	ActionHumanReviewRequested Action = "HUMAN_REVIEW_REQUESTED"
	ActionHumanApproved        Action = "HUMAN_APPROVED"
	ActionHumanRejected        Action = "HUMAN_REJECTED"
	ActionMemoryUpdated        Action = "MEMORY_UPDATED"
	ActionRunCancelled         Action = "RUN_CANCELLED"
	ActionRunFailed            Action = "RUN_FAILED"
	ActionErrorOccurred        Action = "ERROR_OCCURRED"
)

// StateChange is one field's before/after value.
type StateChange struct {
	Field  string `json:"field"`
	Before any    `json:"before"`
	After  any    `json:"after"`
}

// Entry is one immutable ledger record. The JSON field set is the persisted
// wire format; LedgerID, Timestamp, EntryHash and PreviousHash are assigned
// by the Ledger on append.
type Entry struct {
	LedgerID            string        `json:"ledgerId"`
	Timestamp           time.Time     `json:"timestamp"`
	RunID               string        `json:"runId"`
	CaseID              string        `json:"caseId"`
	AgentName           string        `json:"agentName"`
	Action              Action        `json:"action"`
	ActionDescription   string        `json:"actionDescription,omitempty"`
	Decision            string        `json:"decision,omitempty"`
	Confidence          *float64      `json:"confidence,omitempty"`
	Reasoning           string        `json:"reasoning,omitempty"`
	StateChanges        []StateChange `json:"stateChanges,omitempty"`
	PoliciesEvaluated   []string      `json:"policiesEvaluated,omitempty"`
	PolicyViolations    []string      `json:"policyViolations,omitempty"`
	MemoryStrategy      string        `json:"memoryStrategy,omitempty"`
	RequiresHumanAction bool          `json:"requiresHumanAction"`
	EntryHash           string        `json:"entryHash"`
	PreviousHash        string        `json:"previousHash"`
}

// Confidence returns a pointer to c for Entry.Confidence.
func Confidence(c float64) *float64 { return &c }

func (e Entry) clone() Entry {
	e.StateChanges = append([]StateChange(nil), e.StateChanges...)
	e.PoliciesEvaluated = append([]string(nil), e.PoliciesEvaluated...)
	e.PolicyViolations = append([]string(nil), e.PolicyViolations...)
	if e.Confidence != nil {
		c := *e.Confidence
		e.Confidence = &c
	}
	return e
}

// Filter selects entries. Zero fields match everything.
type Filter struct {
	RunID      string
	CaseID     string
	AgentName  string
	Action     Action
	Since      *time.Time
	Until      *time.Time
	MaxResults int
}

func (f Filter) matches(e Entry) bool {
	if f.RunID != "" && e.RunID != f.RunID {
		return false
	}
	if f.CaseID != "" && e.CaseID != f.CaseID {
		return false
	}
	if f.AgentName != "" && e.AgentName != f.AgentName {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.Since != nil && e.Timestamp.Before(*f.Since) {
		return false
	}
	if f.Until != nil && e.Timestamp.After(*f.Until) {
		return false
	}
	return true
}
