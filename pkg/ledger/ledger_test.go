package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Mindburn-Labs/casegate/pkg/contracts"
)

func fixedClock() func() time.Time {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	n := 0
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		n++
		return base.Add(time.Duration(n) * time.Millisecond)
	}
}

func sampleEntry(run string, action Action) Entry {
	return Entry{
		RunID:             run,
		CaseID:            "CASE-1",
		AgentName:         "policy_gate",
		Action:            action,
		ActionDescription: "evaluated five policies",
		Decision:          "APPROVE",
		Confidence:        Confidence(0.94),
		PoliciesEvaluated: []string{"POL-001", "POL-002"},
		StateChanges:      []StateChange{{Field: "status", Before: "OPEN", After: "CLOSED"}},
	}
}

func TestAppend_AssignsChainLinks(t *testing.T) {
	l := New(WithClock(fixedClock()))
	ctx := context.Background()

	if l.Head() != GenesisHash {
		t.Fatalf("expected genesis head, got %s", l.Head())
	}

	h1, err := l.Append(ctx, sampleEntry("run-1", ActionCaseAnalyzed))
	if err != nil {
		t.Fatal(err)
	}
	h2, err := l.Append(ctx, sampleEntry("run-1", ActionPatternMatched))
	if err != nil {
		t.Fatal(err)
	}

	entries := l.Entries(Filter{})
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].PreviousHash != GenesisHash {
		t.Errorf("first entry must link to genesis, got %s", entries[0].PreviousHash)
	}
	if entries[1].PreviousHash != h1 || entries[1].EntryHash != h2 {
		t.Errorf("second entry not chained to first")
	}
	if l.Head() != h2 {
		t.Errorf("head should be latest hash")
	}
	if err := l.Verify(); err != nil {
		t.Fatalf("fresh chain must verify: %v", err)
	}
}

func TestAppend_IgnoresCallerChainFields(t *testing.T) {
	l := New()
	e := sampleEntry("run-1", ActionCaseAnalyzed)
	e.PreviousHash = "forged"
	e.EntryHash = "forged"
	e.LedgerID = "forged"

	h, err := l.Append(context.Background(), e)
	if err != nil {
		t.Fatal(err)
	}
	got := l.Entries(Filter{})[0]
	if got.PreviousHash != GenesisHash || got.EntryHash != h || got.LedgerID == "forged" {
		t.Errorf("ledger must own identity and chain fields: %+v", got)
	}
}

func TestAppend_RequiresStarredFields(t *testing.T) {
	l := New()
	e := sampleEntry("", ActionCaseAnalyzed)

	_, err := l.Append(context.Background(), e)
	var verr *contracts.ValidationError
	if !errors.As(err, &verr) || verr.Field != "runId" {
		t.Fatalf("expected runId validation error, got %v", err)
	}
	if l.Len() != 0 {
		t.Errorf("rejected entry must not be committed")
	}
}

func TestVerify_DetectsTamperingAndSeals(t *testing.T) {
	l := New(WithClock(fixedClock()))
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := l.Append(ctx, sampleEntry("run-1", ActionComplianceChecked)); err != nil {
			t.Fatal(err)
		}
	}

	// Mutate a committed entry in place.
	l.entries[2].Decision = "BLOCK"

	err := l.Verify()
	if !errors.Is(err, ErrChainBroken) || !errors.Is(err, contracts.ErrLedgerIntegrity) {
		t.Fatalf("expected integrity error, got %v", err)
	}
	var ierr *IntegrityError
	if !errors.As(err, &ierr) || ierr.Index != 2 {
		t.Fatalf("expected failure at index 2, got %v", err)
	}

	if _, err := l.Append(ctx, sampleEntry("run-1", ActionErrorOccurred)); !errors.Is(err, ErrSealed) {
		t.Fatalf("sealed ledger must refuse writes, got %v", err)
	}
	if l.Sealed() == nil {
		t.Error("Sealed should report the integrity error")
	}
	if l.Len() != 5 {
		t.Errorf("existing entries must be kept, got %d", l.Len())
	}
}

type failingSink struct{ err error }

func (s failingSink) Write(context.Context, Entry) error { return s.err }
func (s failingSink) Load(context.Context) ([]Entry, error) { return nil, nil }

func TestAppend_SinkFailureDoesNotCommit(t *testing.T) {
	l := New(WithSink(failingSink{err: errors.New("disk full")}))
	if _, err := l.Append(context.Background(), sampleEntry("run-1", ActionCaseAnalyzed)); err == nil {
		t.Fatal("expected sink error")
	}
	if l.Len() != 0 || l.Head() != GenesisHash {
		t.Error("failed write must leave the tail untouched")
	}
}

func TestAppend_ConcurrentWritersKeepChain(t *testing.T) {
	l := New()
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				if _, err := l.Append(ctx, sampleEntry(fmt.Sprintf("run-%d", w), ActionCaseAnalyzed)); err != nil {
					t.Error(err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	if l.Len() != 200 {
		t.Fatalf("expected 200 entries, got %d", l.Len())
	}
	if err := l.Verify(); err != nil {
		t.Fatalf("concurrent appends broke the chain: %v", err)
	}
}

func TestEntries_FilterAndIsolation(t *testing.T) {
	l := New()
	ctx := context.Background()
	_, _ = l.Append(ctx, sampleEntry("run-1", ActionCaseAnalyzed))
	_, _ = l.Append(ctx, sampleEntry("run-2", ActionCaseAnalyzed))
	_, _ = l.Append(ctx, sampleEntry("run-1", ActionPatternMatched))

	run1 := l.Entries(Filter{RunID: "run-1"})
	if len(run1) != 2 {
		t.Fatalf("expected 2 entries for run-1, got %d", len(run1))
	}
	if got := l.Entries(Filter{Action: ActionPatternMatched}); len(got) != 1 {
		t.Fatalf("expected 1 PATTERN_MATCHED entry, got %d", len(got))
	}

	// Callers get copies.
	run1[0].PoliciesEvaluated[0] = "mutated"
	if err := l.Verify(); err != nil {
		t.Fatalf("reader mutation leaked into the ledger: %v", err)
	}

	got, err := l.Get(run1[1].LedgerID)
	if err != nil || got.Action != ActionPatternMatched {
		t.Fatalf("Get by id failed: %v", err)
	}
	if _, err := l.Get("missing"); !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("expected ErrEntryNotFound, got %v", err)
	}
}

func TestHandlersObserveCommittedEntries(t *testing.T) {
	l := New()
	var seen []Action
	l.AddHandler(func(e Entry) { seen = append(seen, e.Action) })

	_, _ = l.Append(context.Background(), sampleEntry("run-1", ActionCaseAnalyzed))
	if len(seen) != 1 || seen[0] != ActionCaseAnalyzed {
		t.Fatalf("handler not called: %v", seen)
	}
}

func TestBundle_ExportAndVerify(t *testing.T) {
	l := New(WithClock(fixedClock()))
	ctx := context.Background()
	_, _ = l.Append(ctx, sampleEntry("run-1", ActionCaseAnalyzed))
	_, _ = l.Append(ctx, sampleEntry("run-2", ActionCaseAnalyzed))
	_, _ = l.Append(ctx, sampleEntry("run-1", ActionWritebackExecuted))

	whole, err := l.ExportBundle(Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if !whole.Contiguous || whole.AnchorHash != GenesisHash {
		t.Fatalf("whole-chain bundle should be contiguous from genesis")
	}
	if err := VerifyBundle(whole); err != nil {
		t.Fatalf("bundle should verify: %v", err)
	}

	run, err := l.ExportBundle(Filter{RunID: "run-1"})
	if err != nil {
		t.Fatal(err)
	}
	if run.Contiguous || run.EntryCount != 2 {
		t.Fatalf("filtered bundle: contiguous=%v count=%d", run.Contiguous, run.EntryCount)
	}
	if err := VerifyBundle(run); err != nil {
		t.Fatalf("filtered bundle should verify: %v", err)
	}

	run.Entries[0].Reasoning = "rewritten"
	if err := VerifyBundle(run); err == nil {
		t.Fatal("tampered bundle must fail verification")
	}

	if _, err := l.ExportBundle(Filter{RunID: "none"}); !errors.Is(err, ErrEmptyBundle) {
		t.Fatalf("expected ErrEmptyBundle, got %v", err)
	}
}
