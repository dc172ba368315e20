package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/codeindex-mcp/internal/logging"
	"github.com/dshills/codeindex-mcp/internal/tenant"
)

// DefaultQueueDepth bounds the pending requests per project
const DefaultQueueDepth = 16

var (
	// ErrQueueFull is returned when a project already has Depth pending requests
	ErrQueueFull = errors.New("ingestion queue is full")
	// ErrQueueClosed is returned for requests submitted to or pending in a closed queue
	ErrQueueClosed = errors.New("ingestion queue is closed")
)

// QueueOptions configures a Queue
type QueueOptions struct {
	Depth  int
	Logger *slog.Logger
}

// job is one queued run. Triggers merged into it add their contexts and
// result channels; the job is dropped only when every submitter gave up.
type job struct {
	ctxs    []context.Context
	req     Request
	waiters []chan Outcome
}

func (j *job) finish(out Outcome) {
	for _, w := range j.waiters {
		w <- out
	}
}

// alive returns nil while at least one submitter is still waiting
func (j *job) alive() error {
	var first error
	for _, c := range j.ctxs {
		err := c.Err()
		if err == nil {
			return nil
		}
		if first == nil {
			first = err
		}
	}
	return first
}

// context returns a run context that ends when every submitter's context
// has ended. Values come from the first submitter.
func (j *job) context() (context.Context, context.CancelFunc) {
	if len(j.ctxs) == 1 {
		return context.WithCancel(j.ctxs[0])
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(j.ctxs[0]))
	var left atomic.Int32
	left.Store(int32(len(j.ctxs)))
	stops := make([]func() bool, 0, len(j.ctxs))
	for _, c := range j.ctxs {
		stops = append(stops, context.AfterFunc(c, func() {
			if left.Add(-1) == 0 {
				cancel()
			}
		}))
	}
	return ctx, func() {
		for _, stop := range stops {
			stop()
		}
		cancel()
	}
}

type projectQueue struct {
	lock    runLock
	pending []*job

	state     State
	runID     string
	kind      Kind
	startedAt time.Time
	last      *Summary
	lastErr   string
}

// Queue serializes runs per project. Projects run in parallel with each
// other; requests for one project wait in FIFO order and each run reads
// the cursor fresh, so a trigger that arrived mid-run is evaluated against
// the state the previous run left behind. An incremental trigger that finds
// a compatible incremental request at the tail of the queue is merged into
// it instead of taking a slot, so pushes are never dropped for depth.
type Queue struct {
	pipeline *Pipeline
	depth    int
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	projects map[string]*projectQueue
}

// NewQueue creates a Queue running requests through pipeline
func NewQueue(pipeline *Pipeline, opts QueueOptions) *Queue {
	if opts.Depth <= 0 {
		opts.Depth = DefaultQueueDepth
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Component("ingest-queue")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		pipeline: pipeline,
		depth:    opts.Depth,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		projects: make(map[string]*projectQueue),
	}
}

func queueKey(tenantID string, projectID int64) string {
	return fmt.Sprintf("%s/%d", tenantID, projectID)
}

// project returns the project's queue. Callers hold q.mu.
func (q *Queue) project(tenantID string, projectID int64) *projectQueue {
	key := queueKey(tenantID, projectID)
	pq, ok := q.projects[key]
	if !ok {
		pq = &projectQueue{state: StateIdle}
		q.projects[key] = pq
	}
	return pq
}

// Submit enqueues a request. The returned channel receives exactly one
// Outcome; merged requests receive the outcome of the run they joined. A
// request whose context ends while queued is dropped with the context
// error once no other submitter waits on the same run.
func (q *Queue) Submit(ctx context.Context, req Request) <-chan Outcome {
	done := make(chan Outcome, 1)
	if err := tenant.Validate(req.TenantID); err != nil {
		done <- Outcome{Err: err}
		return done
	}
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		done <- Outcome{Err: ErrQueueClosed}
		return done
	}
	pq := q.project(req.TenantID, req.ProjectID)
	if n := len(pq.pending); n > 0 {
		if last := pq.pending[n-1]; mergeable(last.req, req) && last.alive() == nil {
			last.req = merge(last.req, req)
			last.ctxs = append(last.ctxs, ctx)
			last.waiters = append(last.waiters, done)
			q.logger.Debug("trigger merged into queued run",
				"tenant", req.TenantID,
				"project", req.ProjectID,
				"run", last.req.RunID,
				"target", last.req.TargetCommit)
			return done
		}
	}
	if len(pq.pending) >= q.depth {
		done <- Outcome{Err: fmt.Errorf("%w: project %d has %d pending", ErrQueueFull, req.ProjectID, len(pq.pending))}
		return done
	}
	pq.pending = append(pq.pending, &job{ctxs: []context.Context{ctx}, req: req, waiters: []chan Outcome{done}})
	if pq.lock.TryAcquire() {
		q.wg.Add(1)
		go q.work(pq)
	}
	return done
}

// Run submits a request and waits for its outcome
func (q *Queue) Run(ctx context.Context, req Request) (*Summary, error) {
	select {
	case out := <-q.Submit(ctx, req):
		return out.Summary, out.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ResetCursor moves a project's cursor to commit, or clears it when commit
// is empty. It waits behind runs already queued for the project.
func (q *Queue) ResetCursor(ctx context.Context, tenantID string, projectID int64, commit string) (*Summary, error) {
	return q.Run(ctx, Request{TenantID: tenantID, ProjectID: projectID, Kind: KindReset, TargetCommit: commit})
}

// work drains one project's pending requests, then releases the project
func (q *Queue) work(pq *projectQueue) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		if len(pq.pending) == 0 {
			pq.state = StateIdle
			pq.runID, pq.kind = "", ""
			pq.lock.Release()
			q.mu.Unlock()
			return
		}
		j := pq.pending[0]
		pq.pending = pq.pending[1:]
		pq.runID, pq.kind, pq.startedAt = j.req.RunID, j.req.Kind, time.Now()
		q.mu.Unlock()

		if q.ctx.Err() != nil {
			j.finish(Outcome{Err: ErrQueueClosed})
			continue
		}
		if err := j.alive(); err != nil {
			j.finish(Outcome{Err: err})
			continue
		}
		j.finish(q.execute(pq, j))
	}
}

func (q *Queue) execute(pq *projectQueue, j *job) Outcome {
	ctx, cancel := j.context()
	stop := context.AfterFunc(q.ctx, cancel)
	defer func() {
		stop()
		cancel()
	}()

	summary, err := q.pipeline.Execute(ctx, j.req, func(s State) {
		q.mu.Lock()
		pq.state = s
		q.mu.Unlock()
	})

	q.mu.Lock()
	if summary != nil {
		pq.last = summary
	}
	pq.lastErr = ""
	if err != nil {
		pq.lastErr = err.Error()
	}
	q.mu.Unlock()

	if err != nil {
		q.logger.Error("ingestion failed",
			"tenant", j.req.TenantID,
			"project", j.req.ProjectID,
			"run", j.req.RunID,
			"kind", j.req.Kind,
			"error", err)
	}
	return Outcome{Summary: summary, Err: err}
}

// Status returns the live state of a project's queue
func (q *Queue) Status(tenantID string, projectID int64) Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := Status{ProjectID: projectID, State: StateIdle}
	pq, ok := q.projects[queueKey(tenantID, projectID)]
	if !ok {
		return st
	}
	st.State = pq.state
	st.Queued = len(pq.pending)
	st.Last = pq.last
	st.LastError = pq.lastErr
	if pq.lock.Held() {
		st.RunID = pq.runID
		st.Kind = pq.kind
		st.StartedAt = pq.startedAt
	}
	return st
}

// Close stops accepting requests, cancels the running ones, fails the
// pending ones with ErrQueueClosed and waits for the workers to exit.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
	return nil
}
