package ledger

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func buildChain(t *testing.T, reasons []string) *Ledger {
	t.Helper()
	l := New(WithClock(fixedClock()))
	for _, r := range reasons {
		e := sampleEntry("run-p", ActionComplianceChecked)
		e.Reasoning = r
		if _, err := l.Append(context.Background(), e); err != nil {
			t.Fatal(err)
		}
	}
	return l
}

// Property: every prefix of an honestly built chain re-verifies, and each
// entry's hash equals H(id ∥ previous entry's hash ∥ payload).
func TestChainPrefixesReverify(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("all prefixes verify", prop.ForAll(
		func(reasons []string) bool {
			l := buildChain(t, reasons)
			entries := l.Entries(Filter{})
			for n := 0; n <= len(entries); n++ {
				if VerifyEntries(entries[:n]) != nil {
					return false
				}
			}
			prev := GenesisHash
			for _, e := range entries {
				if e.PreviousHash != prev {
					return false
				}
				h, err := ComputeHash(e)
				if err != nil || h != e.EntryHash {
					return false
				}
				prev = e.EntryHash
			}
			return true
		},
		gen.SliceOfN(8, gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// Property: mutating any field of any written entry breaks verification at
// or before that entry.
func TestChainMutationDetected(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	mutations := []func(e *Entry){
		func(e *Entry) { e.Decision = e.Decision + "x" },
		func(e *Entry) { e.Reasoning = e.Reasoning + "!" },
		func(e *Entry) { c := *e.Confidence + 0.01; e.Confidence = &c },
		func(e *Entry) { e.RequiresHumanAction = !e.RequiresHumanAction },
		func(e *Entry) { e.PoliciesEvaluated = append(e.PoliciesEvaluated, "POL-999") },
		func(e *Entry) { e.StateChanges[0].After = "REOPENED" },
		func(e *Entry) { e.LedgerID = e.LedgerID + "0" },
		func(e *Entry) { e.Timestamp = e.Timestamp.Add(1) },
	}

	properties.Property("tampering is detected", prop.ForAll(
		func(size, target, kind int) bool {
			reasons := make([]string, size)
			l := buildChain(t, reasons)
			entries := l.Entries(Filter{})
			idx := target % size
			mutations[kind%len(mutations)](&entries[idx])

			err := VerifyEntries(entries)
			ierr, ok := err.(*IntegrityError)
			return ok && ierr.Index <= idx
		},
		gen.IntRange(1, 12),
		gen.IntRange(0, 11),
		gen.IntRange(0, 7),
	))

	properties.TestingRun(t)
}
