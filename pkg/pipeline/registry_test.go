package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/casegate/pkg/contracts"
)

func TestLookup_RoutingTable(t *testing.T) {
	tests := []struct {
		event    contracts.EventType
		stages   []StageName
		priority int
	}{
		{contracts.EventFactoryComplaintClosed, []StageName{StageCascade}, 1},
		{contracts.EventComplaintCreated, fullChain, 2},
		{contracts.EventLinkedClosureRequested, fullChain, 3},
		{contracts.EventComplaintUpdated, fullChain, 4},
		{contracts.EventCaseCreated, fullChain, 4},
		{contracts.EventInquiryCreated, fullChain, 5},
		{contracts.EventCaseUpdated, fullChain, 6},
		{contracts.EventComplaintClosed, []StageName{StageClosure}, 6},
		{contracts.EventInquiryClosed, []StageName{StageClosure}, 7},
		{contracts.EventCaseClosed, []StageName{StageClosure}, 7},
	}
	require.Len(t, EventTypes(), len(tests))
	for _, tc := range tests {
		t.Run(string(tc.event), func(t *testing.T) {
			r, err := Lookup(tc.event)
			require.NoError(t, err)
			assert.Equal(t, tc.event, r.EventType)
			assert.Equal(t, tc.stages, r.Stages)
			assert.Equal(t, tc.priority, r.Priority)
		})
	}
}

func TestLookup_UnknownEventType(t *testing.T) {
	_, err := Lookup("CaseDeleted")
	var unknown *contracts.UnknownEventTypeError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "CaseDeleted", unknown.EventType)
	assert.Equal(t, EventTypes(), unknown.Valid)
	assert.ErrorIs(t, err, contracts.ErrUnknownEventType)
}

func TestLookup_ReturnsCopy(t *testing.T) {
	r, err := Lookup(contracts.EventCaseCreated)
	require.NoError(t, err)
	r.Stages[0] = StageClosure
	again, _ := Lookup(contracts.EventCaseCreated)
	assert.Equal(t, StageClassify, again.Stages[0])
}

func TestRoute_PriorityFor(t *testing.T) {
	r, _ := Lookup(contracts.EventInquiryCreated)
	assert.Equal(t, 5, r.PriorityFor(contracts.EventEnvelope{}))
	assert.Equal(t, 1, r.PriorityFor(contracts.EventEnvelope{Priority: 1}))
}

type stubStage struct {
	name  StageName
	agent string
	run   func(ctx context.Context, rc *RunContext) (StageResult, error)
}

func (s stubStage) Name() StageName { return s.name }
func (s stubStage) Agent() string {
	if s.agent == "" {
		return "stub"
	}
	return s.agent
}
func (s stubStage) Run(ctx context.Context, rc *RunContext) (StageResult, error) {
	if s.run == nil {
		return continueWith(contracts.StepThink, nil), nil
	}
	return s.run(ctx, rc)
}

func TestRegistry_Chain(t *testing.T) {
	var all []Stage
	for _, n := range []StageName{StageClassify, StageMatch, StageGate, StageResolve, StageWriteback, StageCascade, StageClosure} {
		all = append(all, stubStage{name: n})
	}
	reg := NewRegistry(all...)
	require.NoError(t, reg.Validate())

	chain, route, err := reg.Chain(contracts.EventComplaintCreated)
	require.NoError(t, err)
	assert.Equal(t, 2, route.Priority)
	names := make([]StageName, len(chain))
	for i, s := range chain {
		names[i] = s.Name()
	}
	assert.Equal(t, fullChain, names)

	partial := NewRegistry(stubStage{name: StageClosure})
	assert.ErrorIs(t, partial.Validate(), ErrStageNotRegistered)
	_, _, err = partial.Chain(contracts.EventCaseCreated)
	assert.ErrorIs(t, err, ErrStageNotRegistered)
	_, _, err = partial.Chain(contracts.EventCaseClosed)
	assert.NoError(t, err)
}
