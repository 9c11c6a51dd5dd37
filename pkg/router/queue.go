package router

import (
	"container/heap"
	"errors"
	"sync"
)

// ErrQueueClosed is returned by next once the queue is closed and drained.
var ErrQueueClosed = errors.New("dispatch queue closed")

// job is one dispatch of a run: its first, or one resumed after review.
type job struct {
	runID    string
	caseID   string
	priority int // lower = more urgent
	seq      uint64
}

type jobHeap []*job

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x any) { *h = append(*h, x.(*job)) }

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// dispatchQueue orders jobs by priority, FIFO within a priority, and
// hands out at most one job per case at a time. A job whose case is busy
// is parked until release is called for that case.
type dispatchQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	jobs   jobHeap
	busy   map[string]bool
	parked map[string][]*job
	seq    uint64
	closed bool
}

func newDispatchQueue() *dispatchQueue {
	q := &dispatchQueue{
		busy:   make(map[string]bool),
		parked: make(map[string][]*job),
	}
	q.cond = sync.NewCond(&q.mu)
	heap.Init(&q.jobs)
	return q
}

func (q *dispatchQueue) push(j *job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	q.seq++
	j.seq = q.seq
	heap.Push(&q.jobs, j)
	q.cond.Signal()
	return nil
}

// next blocks until a job for an idle case is available and marks that
// case busy.
func (q *dispatchQueue) next() (*job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		for q.jobs.Len() > 0 {
			j := heap.Pop(&q.jobs).(*job)
			if q.busy[j.caseID] {
				q.parked[j.caseID] = append(q.parked[j.caseID], j)
				continue
			}
			q.busy[j.caseID] = true
			return j, nil
		}
		if q.closed {
			return nil, ErrQueueClosed
		}
		q.cond.Wait()
	}
}

// release frees caseID and requeues its oldest parked job.
func (q *dispatchQueue) release(caseID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.busy, caseID)
	if parked := q.parked[caseID]; len(parked) > 0 {
		heap.Push(&q.jobs, parked[0])
		if len(parked) == 1 {
			delete(q.parked, caseID)
		} else {
			q.parked[caseID] = parked[1:]
		}
		q.cond.Signal()
	}
}

func (q *dispatchQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.jobs.Len()
	for _, p := range q.parked {
		n += len(p)
	}
	return n
}

// close wakes every waiter. Jobs still queued are handed out before next
// reports ErrQueueClosed.
func (q *dispatchQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}
