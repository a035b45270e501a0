package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrDuplicateJob is returned when a job with the same id is already queued or running.
	ErrDuplicateJob = errors.New("job already scheduled")
	// ErrJobCancelled is the default cancellation cause.
	ErrJobCancelled = errors.New("job cancelled")
	// ErrQueueFull is returned by Enqueue when the buffer has no room.
	ErrQueueFull = errors.New("queue full")
)

// Job represents a queued background task.
type Job struct {
	ID       string
	Type     string
	Payload  interface{}
	Enqueued time.Time
}

// Handler processes a job. The context is cancelled when the job is cancelled or the
// queue stops; context.Cause reports which.
type Handler func(context.Context, Job) error

// QueueConfig configures worker pool behaviour.
type QueueConfig struct {
	Workers    int
	BufferSize int
	Logger     *zap.Logger
}

// Queue is an in-memory job dispatcher with a bounded worker pool and per-job cancellation.
type Queue struct {
	name    string
	handler Handler

	workers int
	logger  *zap.Logger

	jobs    chan Job
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool

	pending map[string]error
	running map[string]context.CancelCauseFunc
}

// NewQueue builds a new queue with the provided handler.
func NewQueue(name string, handler Handler, cfg QueueConfig) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = cfg.Workers * 4
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Queue{
		name:    name,
		handler: handler,
		workers: cfg.Workers,
		logger:  cfg.Logger,
		jobs:    make(chan Job, cfg.BufferSize),
		pending: make(map[string]error),
		running: make(map[string]context.CancelCauseFunc),
	}
}

// Start begins worker consumption. Safe to call once.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.ctx, q.cancel = context.WithCancel(ctx)
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(i + 1)
	}
	q.started = true
	q.logger.Sugar().Infow("queue started", "queue", q.name, "workers", q.workers)
}

// Stop cancels workers and waits for them to exit.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return
	}
	q.cancel()
	q.mu.Unlock()
	q.wg.Wait()
	q.logger.Sugar().Infow("queue stopped", "queue", q.name)
}

// Enqueue pushes a job onto the queue without waiting. It returns ErrQueueFull when
// the buffer has no room.
func (q *Queue) Enqueue(job Job) error {
	ctx, err := q.reserve(&job)
	if err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		q.release(job.ID)
		return fmt.Errorf("queue %s stopped: %w", q.name, ctx.Err())
	case q.jobs <- job:
		return nil
	default:
		q.release(job.ID)
		return fmt.Errorf("queue %s: %w", q.name, ErrQueueFull)
	}
}

// EnqueueWait pushes a job onto the queue, waiting for buffer room until ctx ends.
func (q *Queue) EnqueueWait(ctx context.Context, job Job) error {
	queueCtx, err := q.reserve(&job)
	if err != nil {
		return err
	}
	select {
	case <-queueCtx.Done():
		q.release(job.ID)
		return fmt.Errorf("queue %s stopped: %w", q.name, queueCtx.Err())
	case <-ctx.Done():
		q.release(job.ID)
		return ctx.Err()
	case q.jobs <- job:
		return nil
	}
}

func (q *Queue) reserve(job *Job) (context.Context, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.started {
		return nil, fmt.Errorf("queue %s not started", q.name)
	}
	if _, ok := q.pending[job.ID]; ok {
		return nil, ErrDuplicateJob
	}
	if _, ok := q.running[job.ID]; ok {
		return nil, ErrDuplicateJob
	}
	q.pending[job.ID] = nil
	if job.Enqueued.IsZero() {
		job.Enqueued = time.Now().UTC()
	}
	return q.ctx, nil
}

func (q *Queue) release(id string) {
	q.mu.Lock()
	delete(q.pending, id)
	q.mu.Unlock()
}

// Cancel stops the job with id. A running job sees its context cancelled with cause;
// a queued job is handed to the handler with an already-cancelled context. It reports
// whether the job was known.
func (q *Queue) Cancel(id string, cause error) bool {
	if cause == nil {
		cause = ErrJobCancelled
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if cancel, ok := q.running[id]; ok {
		cancel(cause)
		return true
	}
	if _, ok := q.pending[id]; ok {
		q.pending[id] = cause
		return true
	}
	return false
}

// CancelAll cancels every queued and running job with cause and returns how many were affected.
func (q *Queue) CancelAll(cause error) int {
	if cause == nil {
		cause = ErrJobCancelled
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, cancel := range q.running {
		cancel(cause)
	}
	for id := range q.pending {
		q.pending[id] = cause
	}
	return len(q.running) + len(q.pending)
}

// Active reports whether id is queued or running.
func (q *Queue) Active(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, queued := q.pending[id]
	_, running := q.running[id]
	return queued || running
}

func (q *Queue) worker(workerID int) {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case job := <-q.jobs:
			q.run(workerID, job)
		}
	}
}

func (q *Queue) run(workerID int, job Job) {
	ctx, cancel := context.WithCancelCause(q.ctx)
	defer cancel(nil)

	q.mu.Lock()
	cause := q.pending[job.ID]
	delete(q.pending, job.ID)
	q.running[job.ID] = cancel
	q.mu.Unlock()

	if cause != nil {
		cancel(cause)
	}

	defer func() {
		q.mu.Lock()
		delete(q.running, job.ID)
		q.mu.Unlock()
	}()

	if err := q.handler(ctx, job); err != nil {
		q.logger.Sugar().Warnw("job failed", "queue", q.name, "worker", workerID, "job_id", job.ID, "type", job.Type, "error", err)
	}
}
