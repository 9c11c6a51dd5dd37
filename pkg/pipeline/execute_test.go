package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/Mindburn-Labs/casegate/pkg/contracts"
	"github.com/Mindburn-Labs/casegate/pkg/ledger"
	"github.com/Mindburn-Labs/casegate/pkg/observability"
)

func testRunContext() *RunContext {
	env := contracts.EventEnvelope{EnvelopeID: "env-1", Event: contracts.Event{EventType: contracts.EventCaseCreated, CaseID: "C-1"}}
	return NewRunContext("run-1", env, contracts.ModeAct, contracts.Case{CaseID: "C-1", Status: contracts.CaseStatusOpen})
}

func TestExecute_FillsEntryIdentity(t *testing.T) {
	x := NewExecutor()
	s := stubStage{name: StageGate, agent: "policy_gate", run: func(context.Context, *RunContext) (StageResult, error) {
		return continueWith(contracts.StepThink, "ok",
			ledger.Entry{Action: ledger.ActionComplianceChecked},
			ledger.Entry{Action: ledger.ActionErrorOccurred, AgentName: "other"},
		), nil
	}}
	rc := testRunContext()
	res, step, err := x.Execute(context.Background(), s, rc)
	require.NoError(t, err)

	require.Len(t, res.Entries, 2)
	assert.Equal(t, "run-1", res.Entries[0].RunID)
	assert.Equal(t, "C-1", res.Entries[0].CaseID)
	assert.Equal(t, "policy_gate", res.Entries[0].AgentName)
	assert.Equal(t, "other", res.Entries[1].AgentName)

	assert.True(t, step.Success)
	assert.Equal(t, "gate", step.Stage)
	assert.Equal(t, contracts.StepThink, step.StepType)
	assert.Equal(t, StageResponse{Success: true, Output: "ok"}, rc.Responses[StageGate])
}

func TestExecute_PauseIsRecordedOnSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	telemetry, err := observability.NewWithProviders(sdkmetric.NewMeterProvider(), tp)
	require.NoError(t, err)

	x := NewExecutor(WithTelemetry(telemetry))
	s := stubStage{name: StageGate, run: func(context.Context, *RunContext) (StageResult, error) {
		res := pause(contracts.StepThink, contracts.ReviewPolicyHumanReview, "review", nil)
		res.Final = true
		return res, nil
	}}
	_, _, err = x.Execute(context.Background(), s, testRunContext())
	require.NoError(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "stage.gate", spans[0].Name())
	events := spans[0].Events()
	require.Len(t, events, 1)
	assert.Equal(t, "stage.paused", events[0].Name)
	attrs := map[string]string{}
	for _, kv := range events[0].Attributes {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, string(contracts.ReviewPolicyHumanReview), attrs["casegate.review.reason"])
	assert.Equal(t, "true", attrs["casegate.review.final"])
}

func TestExecute_TimeoutBecomesStageTimeout(t *testing.T) {
	x := NewExecutor(WithStageTimeout(20 * time.Millisecond))
	s := stubStage{name: StageClassify, run: func(ctx context.Context, _ *RunContext) (StageResult, error) {
		<-ctx.Done()
		return StageResult{StepType: contracts.StepObserve}, ctx.Err()
	}}
	rc := testRunContext()
	_, step, err := x.Execute(context.Background(), s, rc)

	var timeout *contracts.StageTimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, "classify", timeout.Stage)
	assert.Equal(t, 20*time.Millisecond, timeout.Timeout)
	assert.False(t, step.Success)
	assert.Equal(t, contracts.StepError, step.StepType)
	assert.NotEmpty(t, step.Error)
	assert.False(t, rc.Responses[StageClassify].Success)
	assert.Equal(t, contracts.ReviewStageTimeout, ErrorReason(err))
}

func TestExecute_CancellationIsNotTimeout(t *testing.T) {
	x := NewExecutor(WithStageTimeout(time.Minute))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := stubStage{name: StageMatch, run: func(ctx context.Context, _ *RunContext) (StageResult, error) {
		return StageResult{}, ctx.Err()
	}}
	_, _, err := x.Execute(ctx, s, testRunContext())
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, contracts.ErrStageTimeout)
}

func TestExecutor_TimeoutFor(t *testing.T) {
	x := NewExecutor()
	assert.Equal(t, DefaultStageTimeout, x.TimeoutFor(StageGate))
	assert.Zero(t, x.TimeoutFor(StageWriteback))

	x = NewExecutor(WithStageTimeout(time.Second), WithUnbounded(StageResolve))
	assert.Equal(t, time.Second, x.TimeoutFor(StageClassify))
	assert.Zero(t, x.TimeoutFor(StageResolve))
}

func TestErrorEntry(t *testing.T) {
	rc := testRunContext()
	s := stubStage{name: StageMatch, agent: "pattern_matcher"}
	e := ErrorEntry(rc, s, errors.New("oracle unavailable"))
	assert.Equal(t, ledger.ActionErrorOccurred, e.Action)
	assert.Equal(t, "pattern_matcher", e.AgentName)
	assert.Equal(t, string(contracts.ReviewStageError), e.Decision)
	assert.True(t, e.RequiresHumanAction)
	assert.Equal(t, "oracle unavailable", e.Reasoning)
}
