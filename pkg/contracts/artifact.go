package contracts

// DecisionArtifact is the canonical output of the Resolution stage and the
// input of Writeback.
type DecisionArtifact struct {
	CaseID         string                   `json:"case_id"`
	RunID          string                   `json:"run_id"`
	PatternID      string                   `json:"pattern_id,omitempty"`
	ResolutionCode string                   `json:"resolution_code"`
	Resolution     string                   `json:"resolution"`
	Texts          map[string]LocalizedText `json:"texts"`
	// Hash is the canonical hash of every other field. It is excluded from
	// its own computation.
	Hash string `json:"hash,omitempty"`
}

// LocalizedTexts returns the texts ordered by the given locales; missing
// locales are skipped.
func (a DecisionArtifact) LocalizedTexts(locales []string) []LocalizedText {
	out := make([]LocalizedText, 0, len(locales))
	for _, l := range locales {
		if t, ok := a.Texts[l]; ok {
			out = append(out, t)
		}
	}
	return out
}

// CascadeAction is the cascade resolver's overall proposal.
type CascadeAction string

const (
	CascadeNoLinkedCases    CascadeAction = "NO_LINKED_CASES"
	CascadeCloseLinked      CascadeAction = "CLOSE_LINKED"
	CascadeRequiresApproval CascadeAction = "REQUIRES_APPROVAL"
	CascadeHold             CascadeAction = "HOLD"
)

// LinkedCaseEligibility is the cascade verdict for one linked case.
type LinkedCaseEligibility struct {
	CaseID                 string     `json:"case_id"`
	CaseType               CaseType   `json:"case_type"`
	Status                 CaseStatus `json:"status"`
	Severity               Severity   `json:"severity"`
	Eligible               bool       `json:"eligible"`
	RequiresHumanApproval  bool       `json:"requires_human_approval"`
	Reason                 string     `json:"reason"`
	ProposedResolution     string     `json:"proposed_resolution,omitempty"`
	ProposedResolutionCode string     `json:"proposed_resolution_code,omitempty"`
}

// BridgeDecision is the cascade record for one source case.
type BridgeDecision struct {
	SourceCaseID  string                  `json:"source_case_id"`
	LinkedCaseIDs []string                `json:"linked_case_ids"`
	Eligibility   []LinkedCaseEligibility `json:"eligibility"`
	Action        CascadeAction           `json:"action"`
	Reasoning     string                  `json:"reasoning"`
}

// EligibleCaseIDs lists linked cases eligible for closure.
func (d BridgeDecision) EligibleCaseIDs() []string {
	var ids []string
	for _, e := range d.Eligibility {
		if e.Eligible {
			ids = append(ids, e.CaseID)
		}
	}
	return ids
}
