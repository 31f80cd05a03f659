// Package queue implements the bounded FIFO job queue and concurrency
// governor that paces resolution work. Admission control is deliberately
// cheap: a full queue or a duplicate key rejects synchronously so an
// expensive automation run is never started twice for one user.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codeGROOVE-dev/basedin/pkg/region"
)

// Concurrency limits the governor will accept.
const (
	MinConcurrency = 1
	MaxConcurrency = 10
)

// DefaultCapacity bounds the pending queue.
const DefaultCapacity = 30

// Kind distinguishes plain region jobs from integrated region+profile jobs.
type Kind int

// Job kinds.
const (
	Plain Kind = iota
	Integrated
)

// Job describes one unit of resolution work, uniquely identified by Key.
//
//nolint:govet // fieldalignment: intentional layout for readability
type Job struct {
	ID          uuid.UUID
	Key         string
	Kind        Kind
	WantProfile bool
	KeepTab     region.KeepTabPolicy
	OnPartial   func(region.Result)
	EnqueuedAt  time.Time
}

// Runner executes a dispatched job and returns its terminal result. Errors
// are carried inside the Result; a Runner must not panic, but a panic is
// contained to the one job regardless.
type Runner func(ctx context.Context, job Job) region.Result

// State is a point-in-time snapshot of the queue.
type State struct {
	Pending  int `json:"pending"`
	Active   int `json:"active"`
	Limit    int `json:"concurrencyLimit"`
	Capacity int `json:"capacity"`
}

// Ticket is the caller's handle on an enqueued job.
type Ticket struct {
	job    Job
	done   chan struct{}
	result region.Result
}

// Job returns the job this ticket tracks.
func (t *Ticket) Job() Job { return t.job }

// Wait blocks until the job settles or ctx is done.
func (t *Ticket) Wait(ctx context.Context) (region.Result, error) {
	select {
	case <-t.done:
		return t.result, nil
	case <-ctx.Done():
		return region.Result{}, ctx.Err()
	}
}

type task struct {
	job    Job
	ticket *Ticket
}

// Queue is a bounded FIFO queue with an adjustable concurrency ceiling and
// at-most-one-in-flight-per-key admission. Dispatch is greedy and
// work-conserving: any completion or limit raise immediately admits pending
// jobs up to the ceiling.
type Queue struct {
	run    Runner
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	pending  []*task
	inFlight map[string]bool // queued or active keys
	active   int
	limit    int
	capacity int
	closed   bool
}

// Option configures a Queue.
type Option func(*Queue)

// WithCapacity sets the pending-queue bound.
func WithCapacity(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.capacity = n
		}
	}
}

// WithConcurrency sets the initial concurrency ceiling.
func WithConcurrency(n int) Option {
	return func(q *Queue) { q.limit = clampLimit(n) }
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) { q.logger = logger }
}

// New creates a Queue that executes jobs with run.
func New(run Runner, opts ...Option) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		run:      run,
		logger:   slog.Default(),
		ctx:      ctx,
		cancel:   cancel,
		inFlight: make(map[string]bool),
		limit:    3,
		capacity: DefaultCapacity,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue admits job or rejects it synchronously. Rejection happens when the
// queue is at capacity, a job with the same key is already queued or active,
// or the queue is closed.
func (q *Queue) Enqueue(job Job) (*Ticket, error) {
	if job.Key == "" {
		return nil, fmt.Errorf("%w: empty key", region.ErrQueueRejected)
	}
	job.ID = uuid.New()
	job.EnqueuedAt = time.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, fmt.Errorf("%w: queue closed", region.ErrQueueRejected)
	}
	if q.inFlight[job.Key] {
		q.logger.Debug("duplicate job rejected", "key", job.Key)
		return nil, fmt.Errorf("%w: %s already in flight", region.ErrQueueRejected, job.Key)
	}
	if len(q.pending) >= q.capacity {
		q.logger.Debug("queue at capacity, job rejected", "key", job.Key, "capacity", q.capacity)
		return nil, fmt.Errorf("%w: capacity %d reached", region.ErrQueueRejected, q.capacity)
	}

	t := &task{job: job, ticket: &Ticket{job: job, done: make(chan struct{})}}
	q.pending = append(q.pending, t)
	q.inFlight[job.Key] = true
	q.logger.Debug("job enqueued", "key", job.Key, "id", job.ID, "pending", len(q.pending))

	q.dispatchLocked()
	return t.ticket, nil
}

// SetConcurrency adjusts the ceiling, clamped to [1,10]. Raising it admits
// pending jobs immediately rather than waiting for the next completion.
func (q *Queue) SetConcurrency(n int) {
	n = clampLimit(n)
	q.mu.Lock()
	defer q.mu.Unlock()
	q.limit = n
	q.logger.Info("concurrency limit updated", "limit", n)
	q.dispatchLocked()
}

// Status returns a snapshot of the queue.
func (q *Queue) Status() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return State{
		Pending:  len(q.pending),
		Active:   q.active,
		Limit:    q.limit,
		Capacity: q.capacity,
	}
}

// Close rejects further enqueues and waits for active jobs to settle.
// Pending jobs that were never dispatched settle as failures.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	orphaned := q.pending
	q.pending = nil
	for _, t := range orphaned {
		delete(q.inFlight, t.job.Key)
	}
	q.mu.Unlock()

	for _, t := range orphaned {
		t.ticket.result = region.Failure(fmt.Errorf("%w: queue closed", region.ErrQueueRejected))
		close(t.ticket.done)
	}

	q.cancel()
	q.wg.Wait()
}

// dispatchLocked promotes pending jobs while capacity allows. Callers hold q.mu.
func (q *Queue) dispatchLocked() {
	for q.active < q.limit && len(q.pending) > 0 && !q.closed {
		t := q.pending[0]
		q.pending = q.pending[1:]
		q.active++
		q.wg.Add(1)
		go q.execute(t)
	}
}

func (q *Queue) execute(t *task) {
	defer q.wg.Done()

	res := q.runIsolated(t.job)

	q.mu.Lock()
	q.active--
	delete(q.inFlight, t.job.Key)
	q.dispatchLocked()
	q.mu.Unlock()

	t.ticket.result = res
	close(t.ticket.done)
}

// runIsolated keeps one job's panic from taking down the dispatch loop.
func (q *Queue) runIsolated(job Job) (res region.Result) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("job panicked", "key", job.Key, "panic", r)
			res = region.Result{Err: fmt.Sprintf("job panic: %v", r)}
		}
	}()
	return q.run(q.ctx, job)
}

func clampLimit(n int) int {
	if n < MinConcurrency {
		return MinConcurrency
	}
	if n > MaxConcurrency {
		return MaxConcurrency
	}
	return n
}
