package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/Mindburn-Labs/casegate/pkg/canonicalize"
)

// GenesisHash is the previous hash of the first entry.
var GenesisHash = strings.Repeat("0", 64)

// TimestampLayout is the canonical timestamp encoding.
const TimestampLayout = time.RFC3339Nano

// payload is everything in an entry except its identity and chain links.
type payload struct {
	Timestamp           string        `json:"timestamp"`
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
}

// CanonicalPayload returns the canonical JSON of e's hashed fields.
func CanonicalPayload(e Entry) ([]byte, error) {
	return canonicalize.JCS(payload{
		Timestamp:           e.Timestamp.UTC().Format(TimestampLayout),
		RunID:               e.RunID,
		CaseID:              e.CaseID,
		AgentName:           e.AgentName,
		Action:              e.Action,
		ActionDescription:   e.ActionDescription,
		Decision:            e.Decision,
		Confidence:          e.Confidence,
		Reasoning:           e.Reasoning,
		StateChanges:        e.StateChanges,
		PoliciesEvaluated:   e.PoliciesEvaluated,
		PolicyViolations:    e.PolicyViolations,
		MemoryStrategy:      e.MemoryStrategy,
		RequiresHumanAction: e.RequiresHumanAction,
	})
}

// ComputeHash returns H(ledgerId ∥ previousHash ∥ canonical_payload).
func ComputeHash(e Entry) (string, error) {
	p, err := CanonicalPayload(e)
	if err != nil {
		return "", fmt.Errorf("canonical payload: %w", err)
	}
	return canonicalize.HashParts([]byte(e.LedgerID), []byte(e.PreviousHash), p), nil
}

// VerifyEntries re-verifies a chain that starts at genesis.
func VerifyEntries(entries []Entry) error {
	return verifyFrom(entries, GenesisHash)
}

func verifyFrom(entries []Entry, prev string) error {
	for i, e := range entries {
		if e.PreviousHash != prev {
			return &IntegrityError{
				Index:   i,
				EntryID: e.LedgerID,
				Reason:  fmt.Sprintf("previous_hash %s, expected %s", e.PreviousHash, prev),
			}
		}
		computed, err := ComputeHash(e)
		if err != nil {
			return &IntegrityError{Index: i, EntryID: e.LedgerID, Reason: err.Error()}
		}
		if computed != e.EntryHash {
			return &IntegrityError{
				Index:   i,
				EntryID: e.LedgerID,
				Reason:  fmt.Sprintf("hash mismatch (computed %s, stored %s)", computed, e.EntryHash),
			}
		}
		prev = e.EntryHash
	}
	return nil
}
