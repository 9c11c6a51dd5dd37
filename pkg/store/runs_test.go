package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/casegate/pkg/contracts"
)

func TestRunStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewRunStore().WithClock(stepClock())

	id, err := s.CreateRun(ctx, "CASE-1", contracts.EventComplaintCreated, contracts.ModeAct)
	require.NoError(t, err)

	r, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, contracts.RunStarted, r.Status)
	assert.Len(t, s.ActiveForCase(ctx, "CASE-1"), 1)

	for _, to := range []contracts.RunStatus{contracts.RunInProgress, contracts.RunPendingHuman, contracts.RunInProgress, contracts.RunCompleted} {
		_, err := s.Transition(ctx, id, to)
		require.NoError(t, err, "transition to %s", to)
	}

	done, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, done.CompletedAt)
	assert.Positive(t, done.TotalDuration)
	assert.Empty(t, s.ActiveForCase(ctx, "CASE-1"))

	_, err = s.Update(ctx, id, func(r *contracts.Run) error {
		r.FinalAction = contracts.FinalRejected
		return nil
	})
	assert.ErrorIs(t, err, ErrRunImmutable)
}

func TestRunStore_RejectsIllegalTransitions(t *testing.T) {
	ctx := context.Background()
	s := NewRunStore()

	cases := []struct {
		name string
		path []contracts.RunStatus
	}{
		{"started to pending", []contracts.RunStatus{contracts.RunPendingHuman}},
		{"started to completed", []contracts.RunStatus{contracts.RunCompleted}},
		{"pending to completed", []contracts.RunStatus{contracts.RunInProgress, contracts.RunPendingHuman, contracts.RunCompleted}},
		{"pending to failed", []contracts.RunStatus{contracts.RunInProgress, contracts.RunPendingHuman, contracts.RunFailed}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			id, err := s.CreateRun(ctx, "CASE-"+tc.name, contracts.EventCaseCreated, contracts.ModeAct)
			require.NoError(t, err)
			var last error
			for _, to := range tc.path {
				_, last = s.Transition(ctx, id, to)
			}
			var terr *contracts.TransitionError
			require.True(t, errors.As(last, &terr), "got %v", last)
			assert.ErrorIs(t, last, contracts.ErrInvalidTransition)
		})
	}
}

func TestRunStore_UpdateErrorLeavesRunUntouched(t *testing.T) {
	ctx := context.Background()
	s := NewRunStore()
	id, _ := s.CreateRun(ctx, "CASE-1", contracts.EventCaseCreated, contracts.ModeObserve)

	_, err := s.Update(ctx, id, func(r *contracts.Run) error {
		r.ErrorCount = 9
		return errors.New("boom")
	})
	require.Error(t, err)

	r, _ := s.Get(ctx, id)
	assert.Zero(t, r.ErrorCount)
}

func TestRunStore_ListAndMissing(t *testing.T) {
	ctx := context.Background()
	s := NewRunStore()
	a, _ := s.CreateRun(ctx, "CASE-1", contracts.EventCaseCreated, contracts.ModeAct)
	_, _ = s.CreateRun(ctx, "CASE-2", contracts.EventCaseCreated, contracts.ModeAct)
	_, _ = s.Transition(ctx, a, contracts.RunInProgress)

	assert.Len(t, s.List(ctx, RunFilter{}), 2)
	assert.Len(t, s.List(ctx, RunFilter{Status: contracts.RunInProgress}), 1)
	assert.Len(t, s.List(ctx, RunFilter{CaseID: "CASE-2"}), 1)

	_, err := s.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.CreateRun(ctx, "", contracts.EventCaseCreated, contracts.ModeAct)
	assert.ErrorIs(t, err, contracts.ErrInvalidEvent)
}
