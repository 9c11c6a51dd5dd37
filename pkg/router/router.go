// Package router accepts case events, creates runs and drives them through
// their stage chain.
//
// Runs are dispatched from a priority queue by a bounded worker pool; a
// case has at most one run executing at a time. A run leaves the pool
// when it completes, fails, is cancelled or parks in PENDING_HUMAN. Only
// SubmitHumanFeedback brings a parked run back.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Mindburn-Labs/casegate/pkg/contracts"
	"github.com/Mindburn-Labs/casegate/pkg/escalation"
	"github.com/Mindburn-Labs/casegate/pkg/feedback"
	"github.com/Mindburn-Labs/casegate/pkg/ledger"
	"github.com/Mindburn-Labs/casegate/pkg/observability"
	"github.com/Mindburn-Labs/casegate/pkg/pipeline"
	"github.com/Mindburn-Labs/casegate/pkg/store"
)

// DefaultWorkers is the size of the dispatch pool.
const DefaultWorkers = 4

const agentName = "router"

var (
	ErrUnknownRun     = errors.New("unknown run")
	ErrNotPending     = errors.New("run is not pending human review")
	ErrReviewerNeeded = errors.New("reviewer identity required")
	ErrRouterClosed   = errors.New("router closed")
)

// FeedbackApplier is the learning loop's verdict surface.
type FeedbackApplier interface {
	Apply(ctx context.Context, fb feedback.Feedback) (feedback.PatternUpdate, error)
}

// Router is safe for concurrent use.
type Router struct {
	cases    store.CaseStore
	runs     *store.RunStore
	ledger   *ledger.Ledger
	registry *pipeline.Registry
	exec     *pipeline.Executor
	reviews  *escalation.Queue
	feedback FeedbackApplier
	auth     *escalation.ReviewerAuth
	tel      *observability.Provider

	mode    contracts.ExecutionMode
	workers int
	clock   func() time.Time
	logger  *slog.Logger

	queue  *dispatchQueue
	base   context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	start  sync.Once
	closed bool

	mu       sync.Mutex
	states   map[string]*runState
	inflight int
	idle     chan struct{}
}

// Option configures a Router.
type Option func(*Router)

// WithMode sets the execution mode of new runs. The default is OBSERVE.
func WithMode(m contracts.ExecutionMode) Option { return func(r *Router) { r.mode = m } }

// WithWorkers sets the dispatch pool size.
func WithWorkers(n int) Option { return func(r *Router) { r.workers = n } }

// WithExecutor overrides the stage executor.
func WithExecutor(x *pipeline.Executor) Option { return func(r *Router) { r.exec = x } }

// WithReviewQueue sets the human review queue. The default is in-memory.
func WithReviewQueue(q *escalation.Queue) Option { return func(r *Router) { r.reviews = q } }

// WithFeedback routes reviewer verdicts into the learning loop.
func WithFeedback(f FeedbackApplier) Option { return func(r *Router) { r.feedback = f } }

// WithReviewerAuth requires a verified reviewer token on every verdict.
func WithReviewerAuth(a *escalation.ReviewerAuth) Option { return func(r *Router) { r.auth = a } }

// WithTelemetry records run metrics.
func WithTelemetry(p *observability.Provider) Option { return func(r *Router) { r.tel = p } }

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option { return func(r *Router) { r.clock = clock } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(r *Router) { r.logger = l } }

// New creates a router. Every stage the routing table names must be
// registered. Call Start before accepting events.
func New(cases store.CaseStore, runs *store.RunStore, l *ledger.Ledger, reg *pipeline.Registry, opts ...Option) (*Router, error) {
	if err := reg.Validate(); err != nil {
		return nil, fmt.Errorf("stage registry: %w", err)
	}
	r := &Router{
		cases:    cases,
		runs:     runs,
		ledger:   l,
		registry: reg,
		mode:     contracts.ModeObserve,
		workers:  DefaultWorkers,
		clock:    time.Now,
		logger:   slog.Default().With("component", "router"),
		queue:    newDispatchQueue(),
		states:   make(map[string]*runState),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.exec == nil {
		r.exec = pipeline.NewExecutor(pipeline.WithTelemetry(r.tel))
	}
	if r.reviews == nil {
		r.reviews = escalation.NewQueue()
	}
	if r.workers < 1 {
		r.workers = 1
	}
	r.base, r.stop = context.WithCancel(context.Background())
	return r, nil
}

// Reviews returns the human review queue.
func (r *Router) Reviews() *escalation.Queue { return r.reviews }

// Start launches the worker pool.
func (r *Router) Start() {
	r.start.Do(func() {
		for i := 0; i < r.workers; i++ {
			r.wg.Add(1)
			go r.work()
		}
	})
}

// Close stops intake, lets the workers finish their current stage and
// waits for them. Queued runs that were not started stay STARTED.
func (r *Router) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.queue.close()
	r.stop()
	r.wg.Wait()
}

func (r *Router) work() {
	defer r.wg.Done()
	for {
		j, err := r.queue.next()
		if err != nil {
			return
		}
		st := r.state(j.runID)
		if st != nil {
			err := r.drive(st)
			r.settle(st, err)
		}
		r.queue.release(j.caseID)
	}
}

// runState is the router's bookkeeping for a non-terminal run. Its mutex
// serializes the driver's stage boundaries with Cancel and external
// escalation.
type runState struct {
	mu     sync.Mutex
	rc     *pipeline.RunContext
	chain  []pipeline.Stage
	next   int
	reason contracts.ReviewReason
	// resumable is false when approving the pending review must not resume
	// the chain.
	resumable bool

	ctx       context.Context
	cancel    context.CancelFunc
	cancelled bool

	dispatched bool
	current    *dispatch
	escalate   []escalationRequest
}

// dispatch is one pass of a run through the pool.
type dispatch struct {
	done chan struct{}
	err  error
}

func settledDispatch(err error) *dispatch {
	d := &dispatch{done: make(chan struct{}), err: err}
	close(d.done)
	return d
}

// RunHandle follows one dispatch of a run.
type RunHandle struct {
	RunID  string
	CaseID string
	d      *dispatch
	runs   *store.RunStore
}

// Done is closed when the run completes, fails, is cancelled or parks for
// review.
func (h *RunHandle) Done() <-chan struct{} { return h.d.done }

// Wait blocks until Done and returns the run as it then stands. The error
// is the fatal cause when the run FAILED.
func (h *RunHandle) Wait(ctx context.Context) (contracts.Run, error) {
	select {
	case <-ctx.Done():
		return contracts.Run{}, ctx.Err()
	case <-h.d.done:
	}
	run, err := h.runs.Get(context.WithoutCancel(ctx), h.RunID)
	if err != nil {
		return contracts.Run{}, err
	}
	return run, h.d.err
}

// WaitAll waits for every handle concurrently. Runs are returned in
// handle order.
func WaitAll(ctx context.Context, handles ...*RunHandle) ([]contracts.Run, error) {
	out := make([]contracts.Run, len(handles))
	g, gctx := errgroup.WithContext(ctx)
	for i, h := range handles {
		g.Go(func() error {
			run, err := h.Wait(gctx)
			out[i] = run
			if err != nil {
				return fmt.Errorf("run %s: %w", h.RunID, err)
			}
			return nil
		})
	}
	return out, g.Wait()
}

// Drain blocks until no run is queued or executing.
func (r *Router) Drain(ctx context.Context) error {
	r.mu.Lock()
	if r.inflight == 0 {
		r.mu.Unlock()
		return nil
	}
	idle := r.idle
	r.mu.Unlock()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-idle:
		return nil
	}
}

// Accept validates env, records a run in STARTED with its RUN_STARTED
// entry and queues it for dispatch.
//
// A case unknown to the store is created from the event's snapshot.
func (r *Router) Accept(ctx context.Context, env contracts.EventEnvelope) (*RunHandle, error) {
	if err := contracts.ValidateEnvelope(env); err != nil {
		return nil, err
	}
	chain, route, err := r.registry.Chain(env.Event.EventType)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, ErrRouterClosed
	}

	c, err := r.loadCase(ctx, env.Event)
	if err != nil {
		return nil, err
	}

	priority := route.PriorityFor(env)
	active := r.runs.ActiveForCase(ctx, c.CaseID)
	runID, err := r.runs.CreateRun(ctx, c.CaseID, env.Event.EventType, r.mode)
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	if _, err := r.runs.Update(ctx, runID, func(run *contracts.Run) error {
		run.EnvelopeID = env.EnvelopeID
		run.CorrelationID = env.CorrelationID
		run.Priority = priority
		return nil
	}); err != nil {
		return nil, fmt.Errorf("annotate run %s: %w", runID, err)
	}

	names := make([]string, len(chain))
	for i, s := range chain {
		names[i] = string(s.Name())
	}
	reasoning := fmt.Sprintf("Routed %s to %v at priority %d", env.EnvelopeID, names, priority)
	if len(active) > 0 {
		reasoning += fmt.Sprintf("; %d earlier run(s) of the case still open, oldest %s", len(active), active[0].RunID)
		r.logger.InfoContext(ctx, "case already has open runs", "case_id", c.CaseID, "run_id", runID, "open", len(active))
	}
	if err := r.append(ctx, ledger.Entry{
		RunID:             runID,
		CaseID:            c.CaseID,
		AgentName:         agentName,
		Action:            ledger.ActionRunStarted,
		ActionDescription: fmt.Sprintf("Run started for %s", env.Event.EventType),
		Decision:          string(r.mode),
		Reasoning:         reasoning,
	}); err != nil {
		return nil, r.failStarted(ctx, runID, c.CaseID, err)
	}

	rc := pipeline.NewRunContext(runID, env, r.mode, c)
	rc.Now = r.clock
	sctx, cancel := context.WithCancel(r.base)
	st := &runState{rc: rc, chain: chain, ctx: sctx, cancel: cancel}

	r.mu.Lock()
	r.states[runID] = st
	r.mu.Unlock()
	r.tel.RunActive(ctx, 1)

	h, err := r.enqueue(st, priority)
	if err != nil {
		cancel()
		return nil, r.failStarted(ctx, runID, c.CaseID, err)
	}
	r.logger.InfoContext(ctx, "run accepted",
		"run_id", runID, "case_id", c.CaseID, "event_type", env.Event.EventType, "priority", priority, "mode", r.mode)
	return h, nil
}

func (r *Router) loadCase(ctx context.Context, ev contracts.Event) (contracts.Case, error) {
	c, err := r.cases.GetCase(ctx, ev.CaseID)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, store.ErrNotFound) || ev.CaseSnapshot == nil {
		return contracts.Case{}, fmt.Errorf("load case %s: %w", ev.CaseID, err)
	}
	snap := *ev.CaseSnapshot
	if snap.CaseID != ev.CaseID {
		return contracts.Case{}, &contracts.ValidationError{
			Code:   contracts.CodeValidation,
			Field:  "event.case_snapshot.case_id",
			Reason: fmt.Sprintf("snapshot case %q does not match event case %q", snap.CaseID, ev.CaseID),
		}
	}
	if err := r.cases.CreateCase(ctx, snap); err != nil && !errors.Is(err, store.ErrCaseExists) {
		return contracts.Case{}, fmt.Errorf("create case %s from snapshot: %w", ev.CaseID, err)
	}
	return r.cases.GetCase(ctx, ev.CaseID)
}

// enqueue queues a dispatch of st. The caller must not hold st.mu.
func (r *Router) enqueue(st *runState, priority int) (*RunHandle, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return r.enqueueLocked(st, priority)
}

func (r *Router) enqueueLocked(st *runState, priority int) (*RunHandle, error) {
	d := &dispatch{done: make(chan struct{})}
	st.dispatched = true
	st.current = d
	r.begin()

	if err := r.queue.push(&job{runID: st.rc.RunID, caseID: st.rc.Case.CaseID, priority: priority}); err != nil {
		st.dispatched = false
		st.current = nil
		d.err = err
		close(d.done)
		r.end()
		return nil, err
	}
	return &RunHandle{RunID: st.rc.RunID, CaseID: st.rc.Case.CaseID, d: d, runs: r.runs}, nil
}

// settle closes st's current dispatch and answers escalations the driver
// did not reach.
func (r *Router) settle(st *runState, err error) {
	st.mu.Lock()
	d := st.current
	st.current = nil
	st.dispatched = false
	pending := st.escalate
	st.escalate = nil
	runID := st.rc.RunID
	st.mu.Unlock()

	r.answerEscalations(context.WithoutCancel(st.ctx), runID, pending)
	if d != nil {
		d.err = err
		close(d.done)
	}
	r.end()
}

func (r *Router) begin() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inflight == 0 {
		r.idle = make(chan struct{})
	}
	r.inflight++
}

func (r *Router) end() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inflight--
	if r.inflight == 0 && r.idle != nil {
		close(r.idle)
		r.idle = nil
	}
}

func (r *Router) state(runID string) *runState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.states[runID]
}

func (r *Router) forget(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.states, runID)
}

func (r *Router) append(ctx context.Context, e ledger.Entry) error {
	if _, err := r.ledger.Append(ctx, e); err != nil {
		return err
	}
	r.tel.RecordLedgerAppend(ctx, string(e.Action))
	return nil
}

// failStarted fails a run that never reached a worker.
func (r *Router) failStarted(ctx context.Context, runID, caseID string, cause error) error {
	if !errors.Is(cause, contracts.ErrLedgerIntegrity) {
		_ = r.append(ctx, ledger.Entry{
			RunID: runID, CaseID: caseID, AgentName: agentName,
			Action:    ledger.ActionRunFailed,
			Decision:  string(contracts.FinalFailed),
			Reasoning: cause.Error(),
		})
	}
	if _, err := r.runs.Update(ctx, runID, func(run *contracts.Run) error {
		run.Status = contracts.RunFailed
		run.FinalAction = contracts.FinalFailed
		run.ErrorCount++
		run.LastError = cause.Error()
		return nil
	}); err != nil {
		r.logger.ErrorContext(ctx, "could not fail run", "run_id", runID, "error", err)
	}
	if st := r.state(runID); st != nil {
		r.tel.RunActive(ctx, -1)
		r.forget(runID)
	}
	r.logger.ErrorContext(ctx, "run failed at intake", "run_id", runID, "case_id", caseID, "error", cause)
	return fmt.Errorf("run %s: %w", runID, cause)
}
