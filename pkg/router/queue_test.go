package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchQueue_PriorityThenFIFO(t *testing.T) {
	q := newDispatchQueue()
	for _, j := range []*job{
		{runID: "r1", caseID: "a", priority: 5},
		{runID: "r2", caseID: "b", priority: 1},
		{runID: "r3", caseID: "c", priority: 5},
		{runID: "r4", caseID: "d", priority: 2},
	} {
		require.NoError(t, q.push(j))
	}
	var order []string
	for i := 0; i < 4; i++ {
		j, err := q.next()
		require.NoError(t, err)
		order = append(order, j.runID)
		q.release(j.caseID)
	}
	assert.Equal(t, []string{"r2", "r4", "r1", "r3"}, order)
}

func TestDispatchQueue_OneJobPerCase(t *testing.T) {
	q := newDispatchQueue()
	require.NoError(t, q.push(&job{runID: "r1", caseID: "a", priority: 1}))
	require.NoError(t, q.push(&job{runID: "r2", caseID: "a", priority: 1}))
	require.NoError(t, q.push(&job{runID: "r3", caseID: "b", priority: 9}))

	first, err := q.next()
	require.NoError(t, err)
	assert.Equal(t, "r1", first.runID)

	second, err := q.next()
	require.NoError(t, err)
	assert.Equal(t, "r3", second.runID, "r2 waits for case a")
	assert.Equal(t, 1, q.len())

	got := make(chan *job, 1)
	go func() {
		j, _ := q.next()
		got <- j
	}()
	select {
	case <-got:
		t.Fatal("parked job handed out while its case is busy")
	case <-time.After(20 * time.Millisecond):
	}

	q.release("a")
	select {
	case j := <-got:
		assert.Equal(t, "r2", j.runID)
	case <-time.After(time.Second):
		t.Fatal("parked job not released")
	}
}

func TestDispatchQueue_Close(t *testing.T) {
	q := newDispatchQueue()
	require.NoError(t, q.push(&job{runID: "r1", caseID: "a"}))
	q.close()

	assert.ErrorIs(t, q.push(&job{runID: "r2", caseID: "b"}), ErrQueueClosed)
	j, err := q.next()
	require.NoError(t, err, "queued jobs drain after close")
	assert.Equal(t, "r1", j.runID)
	_, err = q.next()
	assert.ErrorIs(t, err, ErrQueueClosed)
}
