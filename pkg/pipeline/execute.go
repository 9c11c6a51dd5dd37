package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/casegate/pkg/contracts"
	"github.com/Mindburn-Labs/casegate/pkg/ledger"
	"github.com/Mindburn-Labs/casegate/pkg/observability"
)

// DefaultStageTimeout bounds one stage invocation.
const DefaultStageTimeout = 5 * time.Second

// Executor invokes single stages under their time bound.
type Executor struct {
	timeout   time.Duration
	unbounded map[StageName]bool
	telemetry *observability.Provider
	clock     func() time.Time
	logger    *slog.Logger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithStageTimeout overrides DefaultStageTimeout. Zero disables the bound.
func WithStageTimeout(d time.Duration) ExecutorOption {
	return func(x *Executor) { x.timeout = d }
}

// WithUnbounded exempts stages from the timeout. The writeback stage is
// exempt by default: its retry schedule is its own bound.
func WithUnbounded(names ...StageName) ExecutorOption {
	return func(x *Executor) {
		for _, n := range names {
			x.unbounded[n] = true
		}
	}
}

// WithTelemetry records a span and metrics per invocation.
func WithTelemetry(p *observability.Provider) ExecutorOption {
	return func(x *Executor) { x.telemetry = p }
}

// WithExecutorClock overrides the clock for deterministic testing.
func WithExecutorClock(clock func() time.Time) ExecutorOption {
	return func(x *Executor) { x.clock = clock }
}

// NewExecutor creates an executor.
func NewExecutor(opts ...ExecutorOption) *Executor {
	x := &Executor{
		timeout:   DefaultStageTimeout,
		unbounded: map[StageName]bool{StageWriteback: true},
		clock:     time.Now,
		logger:    slog.Default().With("component", "pipeline"),
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// TimeoutFor returns the bound applied to name, zero for none.
func (x *Executor) TimeoutFor(name StageName) time.Duration {
	if x.unbounded[name] {
		return 0
	}
	return x.timeout
}

// Execute runs s on rc. Entries in the result get the run's identity; the
// returned step describes the invocation. A stage that overran its bound
// returns a *contracts.StageTimeoutError. Cancelling ctx itself is
// reported as the context error, never as a timeout.
func (x *Executor) Execute(ctx context.Context, s Stage, rc *RunContext) (StageResult, contracts.RunStep, error) {
	name := s.Name()
	timeout := x.TimeoutFor(name)
	sctx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		sctx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	sctx, finish := x.telemetry.TrackStage(sctx, string(name),
		observability.RunAttributes(rc.RunID, rc.Case.CaseID, string(rc.Envelope.Event.EventType), string(rc.Mode))...)
	start := x.clock()
	res, err := s.Run(sctx, rc)
	end := x.clock()
	if err != nil && ctx.Err() == nil && errors.Is(sctx.Err(), context.DeadlineExceeded) {
		err = &contracts.StageTimeoutError{Stage: string(name), Timeout: timeout}
	}
	if err == nil && res.Outcome == OutcomePause {
		observability.AddSpanEvent(sctx, "stage.paused",
			observability.AttrReviewReason.String(string(res.Review)),
			attribute.Bool("casegate.review.final", res.Final))
	}
	finish(err)

	for i := range res.Entries {
		e := &res.Entries[i]
		if e.RunID == "" {
			e.RunID = rc.RunID
		}
		if e.CaseID == "" {
			e.CaseID = rc.Case.CaseID
		}
		if e.AgentName == "" {
			e.AgentName = s.Agent()
		}
	}

	step := contracts.RunStep{
		StepID:      "step-" + uuid.NewString(),
		Stage:       string(name),
		StepType:    res.StepType,
		StartedAt:   start.UTC(),
		CompletedAt: end.UTC(),
		Duration:    end.Sub(start),
		Tokens:      res.Tokens,
		Success:     err == nil,
	}
	if err != nil {
		step.StepType = contracts.StepError
		step.Error = err.Error()
		x.logger.WarnContext(ctx, "stage failed", "stage", name, "run_id", rc.RunID, "case_id", rc.Case.CaseID, "error", err)
	}
	if rc.Responses != nil {
		rc.Responses[name] = Response(res, err)
	}
	return res, step, err
}

// ErrorEntry is the ERROR_OCCURRED entry recorded for a failed stage.
func ErrorEntry(rc *RunContext, s Stage, err error) ledger.Entry {
	return ledger.Entry{
		RunID:               rc.RunID,
		CaseID:              rc.Case.CaseID,
		AgentName:           s.Agent(),
		Action:              ledger.ActionErrorOccurred,
		ActionDescription:   "Stage " + string(s.Name()) + " failed",
		Decision:            string(ErrorReason(err)),
		Reasoning:           err.Error(),
		RequiresHumanAction: true,
	}
}

// ErrorReason maps a stage error onto its review reason.
func ErrorReason(err error) contracts.ReviewReason {
	if errors.Is(err, contracts.ErrStageTimeout) {
		return contracts.ReviewStageTimeout
	}
	return contracts.ReviewStageError
}
