package escalation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/casegate/pkg/contracts"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func TestQueue_RequestAndDiscover(t *testing.T) {
	ctx := context.Background()
	q := NewQueue().WithClock(func() time.Time { return t0 })

	a, err := q.Request(ctx, "run-a", "C-1", contracts.ReviewPolicyEscalate, "adverse indicators")
	require.NoError(t, err)
	b, err := q.Request(ctx, "run-b", "C-2", contracts.ReviewStageTimeout, "classify timed out")
	require.NoError(t, err)
	c, err := q.Request(ctx, "run-c", "C-3", contracts.ReviewPolicyEscalate, "hospital visit")
	require.NoError(t, err)

	assert.Equal(t, StatusPending, a.Status)
	assert.Equal(t, t0, a.CreatedAt)
	assert.Len(t, q.Pending(), 3)

	escalated := q.ByReason(contracts.ReviewPolicyEscalate)
	require.Len(t, escalated, 2)
	assert.Equal(t, a.ReviewID, escalated[0].ReviewID)
	assert.Equal(t, c.ReviewID, escalated[1].ReviewID)
	assert.Equal(t, []Review{b}, q.ByReason(contracts.ReviewStageTimeout))
	assert.Empty(t, q.ByReason(contracts.ReviewWritebackFailed))

	assert.Equal(t, map[contracts.ReviewReason]int{
		contracts.ReviewPolicyEscalate: 2,
		contracts.ReviewStageTimeout:   1,
	}, q.Counts())
}

func TestQueue_RequestIsIdempotentPerRun(t *testing.T) {
	ctx := context.Background()
	q := NewQueue()
	first, err := q.Request(ctx, "run-a", "C-1", contracts.ReviewPolicyBlock, "severity")
	require.NoError(t, err)
	again, err := q.Request(ctx, "run-a", "C-1", contracts.ReviewStageError, "other")
	require.NoError(t, err)
	assert.Equal(t, first, again)
	assert.Len(t, q.Pending(), 1)

	_, err = q.Request(ctx, "", "C-1", contracts.ReviewPolicyBlock, "")
	assert.ErrorIs(t, err, contracts.ErrInvalidEvent)
}

func TestQueue_Resolve(t *testing.T) {
	ctx := context.Background()
	q := NewQueue().WithClock(func() time.Time { return t0 })
	r, err := q.Request(ctx, "run-a", "C-1", contracts.ReviewPolicyHumanReview, "low confidence")
	require.NoError(t, err)

	got, ok := q.PendingFor("run-a")
	require.True(t, ok)
	assert.Equal(t, r.ReviewID, got.ReviewID)

	done, err := q.Resolve(ctx, r.ReviewID, true, "ana")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, done.Status)
	assert.Equal(t, "ana", done.Reviewer)
	require.NotNil(t, done.ResolvedAt)
	assert.Empty(t, q.Pending())

	_, ok = q.PendingFor("run-a")
	assert.False(t, ok)

	_, err = q.Resolve(ctx, r.ReviewID, false, "bo")
	assert.ErrorIs(t, err, ErrReviewResolved)
	_, err = q.Resolve(ctx, "REV-missing", true, "bo")
	assert.ErrorIs(t, err, ErrReviewNotFound)

	stored, err := q.Get(r.ReviewID)
	require.NoError(t, err)
	assert.Equal(t, done, stored, "resolved reviews are kept")

	next, err := q.Request(ctx, "run-a", "C-1", contracts.ReviewWritebackFailed, "retries exhausted")
	require.NoError(t, err)
	assert.NotEqual(t, r.ReviewID, next.ReviewID, "a resumed run may pause again")
}

func TestQueue_RejectRecordsStatus(t *testing.T) {
	ctx := context.Background()
	q := NewQueue()
	r, err := q.Request(ctx, "run-a", "C-1", contracts.ReviewTrainApproval, "train")
	require.NoError(t, err)
	done, err := q.Resolve(ctx, r.ReviewID, false, "ana")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, done.Status)
}

func TestQueue_Withdraw(t *testing.T) {
	ctx := context.Background()
	q := NewQueue().WithClock(func() time.Time { return t0 })
	r, err := q.Request(ctx, "run-a", "C-1", contracts.ReviewPolicyBlock, "blocked")
	require.NoError(t, err)

	w, err := q.Withdraw(ctx, r.ReviewID, "run cancelled")
	require.NoError(t, err)
	assert.Equal(t, StatusWithdrawn, w.Status)
	assert.Empty(t, q.Pending())
	_, ok := q.PendingFor("run-a")
	assert.False(t, ok)

	_, err = q.Withdraw(ctx, r.ReviewID, "again")
	assert.ErrorIs(t, err, ErrReviewResolved)
	_, err = q.Resolve(ctx, r.ReviewID, true, "qa")
	assert.ErrorIs(t, err, ErrReviewResolved)
}
