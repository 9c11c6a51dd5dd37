package contracts

// Decision is the Policy Gate's aggregate outcome. It is a normal result,
// never an error.
type Decision string

const (
	DecisionApprove     Decision = "APPROVE"
	DecisionBlock       Decision = "BLOCK"
	DecisionEscalate    Decision = "ESCALATE"
	DecisionHumanReview Decision = "HUMAN_REVIEW"
)

// RequiredAction is what a failed policy demands. Empty means none.
type RequiredAction string

const (
	ActionNone        RequiredAction = ""
	ActionBlock       RequiredAction = "BLOCK"
	ActionEscalate    RequiredAction = "ESCALATE"
	ActionHumanReview RequiredAction = "HUMAN_REVIEW"
)

var actionPrecedence = map[RequiredAction]int{
	ActionNone:        0,
	ActionHumanReview: 1,
	ActionBlock:       2,
	ActionEscalate:    3,
}

// Outranks reports whether a takes precedence over b.
func (a RequiredAction) Outranks(b RequiredAction) bool {
	return actionPrecedence[a] > actionPrecedence[b]
}

// Decision maps a required action to the decision it forces.
func (a RequiredAction) Decision() Decision {
	switch a {
	case ActionEscalate:
		return DecisionEscalate
	case ActionBlock:
		return DecisionBlock
	case ActionHumanReview:
		return DecisionHumanReview
	default:
		return DecisionApprove
	}
}

// Urgency of an aggregate decision.
type Urgency string

const (
	UrgencyLow    Urgency = "LOW"
	UrgencyMedium Urgency = "MEDIUM"
	UrgencyHigh   Urgency = "HIGH"
)

// PolicyResult is one policy's verdict.
type PolicyResult struct {
	PolicyID       string         `json:"policy_id"`
	Name           string         `json:"name"`
	Passed         bool           `json:"passed"`
	RequiredAction RequiredAction `json:"required_action,omitempty"`
	Reason         string         `json:"reason"`
	Matches        []string       `json:"matches,omitempty"`
	Recoverable    bool           `json:"recoverable"`
}

// AggregateDecision is the full evaluation set plus the resulting decision.
type AggregateDecision struct {
	Decision      Decision       `json:"decision"`
	Results       []PolicyResult `json:"results"`
	Passed        []string       `json:"policies_passed"`
	Failed        []string       `json:"policies_failed"`
	Urgency       Urgency        `json:"urgency"`
	Recoverable   bool           `json:"recoverable"`
	RequiresHuman bool           `json:"requires_human"`
	Confidence    float64        `json:"confidence"`
	PolicyVersion string         `json:"policy_version,omitempty"`
	Reasoning     string         `json:"reasoning"`
}

// Evaluated lists every policy id in evaluation order.
func (d AggregateDecision) Evaluated() []string {
	ids := make([]string, len(d.Results))
	for i, r := range d.Results {
		ids[i] = r.PolicyID
	}
	return ids
}

// ReviewReason maps a non-approving decision onto a review queue key.
func (d Decision) ReviewReason() ReviewReason {
	switch d {
	case DecisionEscalate:
		return ReviewPolicyEscalate
	case DecisionBlock:
		return ReviewPolicyBlock
	default:
		return ReviewPolicyHumanReview
	}
}
