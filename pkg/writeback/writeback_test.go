package writeback

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/casegate/pkg/contracts"
	"github.com/Mindburn-Labs/casegate/pkg/feedback"
	"github.com/Mindburn-Labs/casegate/pkg/patterns"
	"github.com/Mindburn-Labs/casegate/pkg/resolution"
	"github.com/Mindburn-Labs/casegate/pkg/store"
)

var now = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

// flakyCases fails the first n CloseCase calls.
type flakyCases struct {
	*store.MemoryCaseStore
	mu       sync.Mutex
	failures int
	calls    int
	err      error
}

func (f *flakyCases) CloseCase(ctx context.Context, id string, req store.CloseRequest) (contracts.Case, error) {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failures
	f.mu.Unlock()
	if fail {
		if f.err != nil {
			return contracts.Case{}, f.err
		}
		return contracts.Case{}, errors.New("case system unavailable")
	}
	return f.MemoryCaseStore.CloseCase(ctx, id, req)
}

type recordedSleeps struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordedSleeps) sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
	return nil
}

type fixture struct {
	cases  *flakyCases
	loop   *feedback.Loop
	sleeps *recordedSleeps
	req    Request
}

func newFixture(t *testing.T, failures int) *fixture {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemoryCaseStore().WithClock(func() time.Time { return now })
	c := contracts.Case{
		CaseID:      "C-1",
		CaseType:    contracts.CaseTypeComplaint,
		Status:      contracts.CaseStatusOpen,
		Product:     "Vitamin C Serum",
		Category:    contracts.CategoryPackaging,
		Severity:    contracts.SeverityLow,
		Description: "Pump dispenser stuck",
	}
	require.NoError(t, mem.CreateCase(ctx, c))

	loop := feedback.NewLoop(patterns.NewStore(nil))
	p, err := loop.Create(ctx, contracts.Pattern{
		PatternID:          "PAT-0000beef",
		Product:            c.Product,
		Category:           c.Category,
		ResolutionTemplate: "We apologize for the inconvenience. A replacement will be sent.",
		ResolutionCode:     "PKG-REPLACE",
		Confidence:         0.90,
	})
	require.NoError(t, err)

	art, err := resolution.NewBuilder(resolution.NewTemplateComposer()).Build(ctx, c, "run-1", &p)
	require.NoError(t, err)

	return &fixture{
		cases:  &flakyCases{MemoryCaseStore: mem, failures: failures},
		loop:   loop,
		sleeps: &recordedSleeps{},
		req: Request{
			Case:     c,
			RunID:    "run-1",
			Mode:     contracts.ModeAct,
			Decision: contracts.DecisionApprove,
			Artifact: art,
		},
	}
}

func (f *fixture) writer(opts ...Option) *Writer {
	base := []Option{
		WithFeedback(f.loop),
		WithSleeper(f.sleeps.sleep),
		WithClock(func() time.Time { return now }),
	}
	return NewWriter(f.cases, append(base, opts...)...)
}

func TestFinalize_Success(t *testing.T) {
	f := newFixture(t, 0)
	res, err := f.writer().Finalize(context.Background(), f.req)
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, 1, res.Attempts)
	assert.Empty(t, res.Delays)
	assert.Equal(t, "C-1:"+f.req.Artifact.Hash, res.Key)
	require.NotNil(t, res.Receipt)
	assert.Equal(t, now, res.Receipt.ClosedAt)

	closed, err := f.cases.GetCase(context.Background(), "C-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.CaseStatusClosed, closed.Status)
	assert.Equal(t, "PKG-REPLACE", closed.ResolutionCode)
	texts, err := f.cases.ClosingTexts(context.Background(), "C-1")
	require.NoError(t, err)
	assert.Len(t, texts, 4)

	require.NotNil(t, res.PatternUpdate)
	assert.Equal(t, 0.95, res.PatternUpdate.After.Confidence)
	fields := make([]string, len(res.Changes))
	for i, c := range res.Changes {
		fields[i] = c.Field
	}
	assert.Equal(t, []string{"status", "resolution", "resolution_code", "closed_at", "pattern.PAT-0000beef.confidence"}, fields)
	assert.Equal(t, "OPEN", res.Changes[0].Before)
	assert.Equal(t, "CLOSED", res.Changes[0].After)
}

func TestFinalize_RetriesWithBackoff(t *testing.T) {
	f := newFixture(t, 2)
	var hooks []int
	w := f.writer(WithAttemptHook(func(_ context.Context, attempt int, _ error) { hooks = append(hooks, attempt) }))

	res, err := w.Finalize(context.Background(), f.req)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, f.sleeps.delays)
	assert.Equal(t, []int{1, 2, 3}, hooks)
}

func TestFinalize_ExhaustionFails(t *testing.T) {
	f := newFixture(t, 10)
	res, err := f.writer().Finalize(context.Background(), f.req)

	var wf *contracts.WritebackFailure
	require.ErrorAs(t, err, &wf)
	assert.ErrorIs(t, err, contracts.ErrWritebackFailure)
	assert.Equal(t, 3, wf.Attempts)
	assert.Equal(t, StatusFailed, res.Status)
	assert.True(t, res.RequiresEscalation)
	assert.Equal(t, 3, f.cases.calls)

	p, _ := f.loop.Store().Get("PAT-0000beef")
	assert.Equal(t, 0.90, p.Confidence, "no nudge on failure")
}

func TestFinalize_PermanentErrorStopsRetrying(t *testing.T) {
	f := newFixture(t, 10)
	f.cases.err = store.ErrCaseClosed
	_, err := f.writer().Finalize(context.Background(), f.req)
	assert.ErrorIs(t, err, contracts.ErrWritebackFailure)
	assert.ErrorIs(t, err, store.ErrCaseClosed)
	assert.Equal(t, 1, f.cases.calls)
	assert.Empty(t, f.sleeps.delays)
}

func TestFinalize_IdempotentReplay(t *testing.T) {
	f := newFixture(t, 0)
	w := f.writer()
	first, err := w.Finalize(context.Background(), f.req)
	require.NoError(t, err)

	second, err := w.Finalize(context.Background(), f.req)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Receipt, second.Receipt)
	assert.Equal(t, 1, f.cases.calls, "finalizer is not re-invoked")

	p, _ := f.loop.Store().Get("PAT-0000beef")
	assert.Equal(t, 0.95, p.Confidence, "replay does not nudge again")
}

func TestFinalize_PreflightAborts(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Request)
		failed []string
		mode   bool
	}{
		{"observe mode", func(r *Request) { r.Mode = contracts.ModeObserve }, []string{CheckModePermits}, true},
		{"train without approval", func(r *Request) { r.Mode = contracts.ModeTrain }, []string{CheckModePermits}, true},
		{"not approved", func(r *Request) { r.Decision = contracts.DecisionHumanReview }, []string{CheckComplianceApproved}, false},
		{"missing locale", func(r *Request) {
			texts := map[string]contracts.LocalizedText{}
			for k, v := range r.Artifact.Texts {
				if k != "ES" {
					texts[k] = v
				}
			}
			r.Artifact.Texts = texts
		}, []string{CheckArtifactComplete}, false},
		{"empty code", func(r *Request) { r.Artifact.ResolutionCode = " " }, []string{CheckResolutionCode}, false},
		{"severity", func(r *Request) { r.Case.Severity = contracts.SeverityMedium }, []string{CheckSeverity}, false},
		{"everything", func(r *Request) {
			r.Mode = contracts.ModeObserve
			r.Decision = contracts.DecisionBlock
			r.Artifact = contracts.DecisionArtifact{}
			r.Case.Severity = contracts.SeverityCritical
		}, []string{CheckComplianceApproved, CheckArtifactComplete, CheckResolutionCode, CheckModePermits, CheckSeverity}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, 0)
			tc.mutate(&f.req)
			res, err := f.writer().Finalize(context.Background(), f.req)
			require.NoError(t, err)
			assert.Equal(t, StatusAborted, res.Status)
			assert.Equal(t, tc.failed, Failed(res.Checks))
			assert.Len(t, res.Checks, 6, "every check is evaluated")
			assert.Equal(t, tc.mode, res.AbortedByMode())
			assert.Zero(t, f.cases.calls, "no side effect")
		})
	}
}

func TestFinalize_TrainWithApproval(t *testing.T) {
	f := newFixture(t, 0)
	f.req.Mode = contracts.ModeTrain
	f.req.HumanApproved = true
	res, err := f.writer().Finalize(context.Background(), f.req)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
}

func TestFinalize_ClosedCaseAborts(t *testing.T) {
	f := newFixture(t, 0)
	_, err := f.cases.MemoryCaseStore.CloseCase(context.Background(), "C-1", store.CloseRequest{Resolution: "manual"})
	require.NoError(t, err)
	res, err := f.writer().Finalize(context.Background(), f.req)
	require.NoError(t, err)
	assert.Equal(t, []string{CheckCaseOpen}, Failed(res.Checks))
}

func TestSchedule(t *testing.T) {
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, Schedule("k", DefaultBackoff))

	jittered := BackoffPolicy{BaseMs: 100, MaxMs: 1000, MaxJitterMs: 50, MaxAttempts: 5}
	a, b := Schedule("k", jittered), Schedule("k", jittered)
	assert.Equal(t, a, b, "jitter is deterministic")
	assert.Equal(t, time.Second, a[4]-time.Duration(deterministicJitter(BackoffParams{Key: "k", AttemptIndex: 4}, jittered))*time.Millisecond)
}

func TestFinalize_RateLimitHonorsContext(t *testing.T) {
	f := newFixture(t, 0)
	w := f.writer(WithRateLimit(0.001, 1))
	require.True(t, w.limiter.Allow(), "burst token")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	res, err := w.Finalize(ctx, f.req)
	assert.ErrorIs(t, err, contracts.ErrWritebackFailure)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Zero(t, f.cases.calls, "limited call never reaches the case system")
}
