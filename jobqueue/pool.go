package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/yairfalse/conductor/telemetry"
	"github.com/yairfalse/conductor/types"
	"github.com/yairfalse/conductor/wal"
)

// Handler runs one job. Returning a RetryError re-enqueues the job.
type Handler func(ctx context.Context, job Job) error

// RetryError asks the pool to run the job again after a delay
type RetryError struct {
	After time.Duration
	Err   error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry after %s: %v", e.After, e.Err)
}

func (e *RetryError) Unwrap() error {
	return e.Err
}

// Retry wraps err so the pool re-enqueues the job after delay
func Retry(after time.Duration, err error) error {
	return &RetryError{After: after, Err: err}
}

// Journal records task lifecycle entries
type Journal interface {
	Append(entryType wal.EntryType, task, target string, data any) error
	AppendError(entryType wal.EntryType, task, target string, data any, err error) error
}

// Backoff decides whether a failed job runs again and after how long
type Backoff interface {
	ShouldRetry(job Job) bool
	NextDelay(attempt int) time.Duration
}

// PoolOptions configures a Pool
type PoolOptions struct {
	Workers int
	// Backoff re-enqueues jobs failing with local errors. Backend errors
	// are retried by the handlers themselves. Nil fails jobs at once.
	Backoff Backoff
	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
	Journal Journal
}

// Pool pulls jobs from a queue and runs the handler registered for their name
type Pool struct {
	queue   *Queue
	workers int
	backoff Backoff
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	journal Journal

	mu       sync.RWMutex
	handlers map[string]Handler
}

type attemptData struct {
	JobID   string `json:"job_id"`
	Attempt int    `json:"attempt"`
}

// NewPool creates a worker pool over queue
func NewPool(queue *Queue, opts PoolOptions) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.Nop()
	}
	return &Pool{
		queue:    queue,
		workers:  opts.Workers,
		backoff:  opts.Backoff,
		logger:   opts.Logger.Component("pool"),
		metrics:  opts.Metrics,
		journal:  opts.Journal,
		handlers: make(map[string]Handler),
	}
}

// Handle registers the handler for task name
func (p *Pool) Handle(name string, handler Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[name] = handler
}

// Queue returns the pool's queue
func (p *Pool) Queue() *Queue {
	return p.queue
}

// Run starts the workers and blocks until ctx is done. The queue is shut
// down on return.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			return p.work(ctx)
		})
	}

	<-ctx.Done()
	p.queue.Shutdown()
	return g.Wait()
}

// Drain runs queued jobs on the calling goroutine until the queue is empty.
// Delayed re-enqueues are not waited for.
func (p *Pool) Drain(ctx context.Context) {
	for p.queue.Len() > 0 {
		job, ok := p.queue.Get(ctx)
		if !ok {
			return
		}
		p.process(ctx, job)
	}
}

func (p *Pool) work(ctx context.Context) error {
	for ctx.Err() == nil {
		job, ok := p.queue.Get(ctx)
		if !ok {
			return nil
		}
		p.process(ctx, job)
	}
	return nil
}

func (p *Pool) process(ctx context.Context, job Job) {
	defer p.queue.Done(job)

	desc := job.Descriptor
	p.mu.RLock()
	handler, ok := p.handlers[desc.Name]
	p.mu.RUnlock()
	if !ok {
		p.logger.Error().Str("task", desc.Name).Str("target", desc.Target).Msg("no handler registered")
		p.metrics.RecordTask(ctx, desc.Name, telemetry.StatusFailed, 0)
		return
	}

	ctx, span := otel.Tracer("conductor/jobqueue").Start(ctx, desc.Name)
	defer span.End()
	attrs := []attribute.KeyValue{
		attribute.String("task.target", desc.Target),
		attribute.Int("task.attempt", job.Attempt),
	}
	span.SetAttributes(attrs...)
	p.logger.LogTaskStart(ctx, desc.Name, attrs...)

	p.appendJournal(wal.EntryExecuting, job, nil)
	start := time.Now()
	err := p.safeRun(ctx, handler, job)
	elapsed := time.Since(start)

	var retry *RetryError
	if err != nil && !errors.As(err, &retry) && p.retryable(job, err) {
		retry = &RetryError{After: p.backoff.NextDelay(job.Attempt), Err: err}
		err = retry
	}
	switch {
	case err == nil:
		p.metrics.RecordTask(ctx, desc.Name, telemetry.StatusOK, elapsed)
		p.appendJournal(wal.EntryExecuted, job, nil)
		p.logger.LogTaskEnd(ctx, desc.Name, elapsed, nil)
	case errors.As(err, &retry):
		next := p.queue.EnqueueAfter(job, retry.After)
		p.metrics.RecordTask(ctx, desc.Name, telemetry.StatusRetry, elapsed)
		p.appendJournal(wal.EntryRetried, next, retry.Err)
		p.logger.WithContext(ctx).Debug().
			Err(retry.Err).
			Str("task", desc.Name).
			Str("target", desc.Target).
			Int("next_attempt", next.Attempt).
			Dur("delay", retry.After).
			Msg("task re-enqueued")
	default:
		p.metrics.RecordTask(ctx, desc.Name, telemetry.StatusFailed, elapsed)
		p.appendJournal(wal.EntryFailed, job, err)
		p.logger.LogTaskEnd(ctx, desc.Name, elapsed, fmt.Errorf("%s attempt %d: %w", desc.Target, job.Attempt, err))
	}
	p.metrics.RecordQueueDepth(ctx, p.queue.Len())
}

// retryable reports whether a failed job has budget left and failed for a
// reason a later attempt can fix
func (p *Pool) retryable(job Job, err error) bool {
	if p.backoff == nil || !p.backoff.ShouldRetry(job) {
		return false
	}
	return !types.IsFatal(err) && !types.IsBackendError(err) && !errors.Is(err, types.ErrCapacityExceeded)
}

// safeRun converts a handler panic into an error so one task cannot stop a worker
func (p *Pool) safeRun(ctx context.Context, handler Handler, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", job.Descriptor.Name, r)
		}
	}()
	return handler(ctx, job)
}

func (p *Pool) appendJournal(entryType wal.EntryType, job Job, err error) {
	if p.journal == nil {
		return
	}
	data := attemptData{JobID: job.ID, Attempt: job.Attempt}
	var jerr error
	if err != nil {
		jerr = p.journal.AppendError(entryType, job.Descriptor.Name, job.Descriptor.Target, data, err)
	} else {
		jerr = p.journal.Append(entryType, job.Descriptor.Name, job.Descriptor.Target, data)
	}
	if jerr != nil {
		p.logger.Warn().Err(jerr).Msg("failed to write journal entry")
	}
}
