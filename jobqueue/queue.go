package jobqueue

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
)

// Queue is a FIFO job queue with descriptor dedup. A descriptor is tracked
// from Enqueue until Done, including time spent waiting on a delayed
// re-enqueue.
type Queue struct {
	mu sync.Mutex

	// queue holds jobs in FIFO order
	queue []Job

	// tracked holds queued, running and delayed descriptors by key
	tracked map[string][]trackedJob

	// timers for delayed re-enqueues, by job id
	timers map[string]clock.Timer

	cond         *sync.Cond
	clock        clock.Clock
	shuttingDown bool
}

type trackedJob struct {
	id   string
	desc TaskDescriptor
}

// NewQueue creates a queue using the wall clock
func NewQueue() *Queue {
	return NewQueueWithClock(clock.WallClock)
}

// NewQueueWithClock creates a queue whose delays run on clk
func NewQueueWithClock(clk clock.Clock) *Queue {
	q := &Queue{
		tracked: make(map[string][]trackedJob),
		timers:  make(map[string]clock.Timer),
		clock:   clk,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue adds a first attempt of desc. It returns false, adding nothing,
// when an equal descriptor is already queued or running.
func (q *Queue) Enqueue(desc TaskDescriptor) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.shuttingDown || q.isTrackedLocked(desc) {
		return false
	}

	job := newJob(desc, 1, q.clock.Now())
	q.trackLocked(job)
	q.queue = append(q.queue, job)
	q.cond.Signal()
	return true
}

// EnqueueAfter schedules the next attempt of job after delay.
// The returned job carries Attempt+1 and stays tracked while waiting.
func (q *Queue) EnqueueAfter(job Job, delay time.Duration) Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	next := newJob(job.Descriptor, job.Attempt+1, q.clock.Now())
	if q.shuttingDown {
		return next
	}
	q.trackLocked(next)

	q.timers[next.ID] = q.clock.AfterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()

		delete(q.timers, next.ID)
		if q.shuttingDown {
			return
		}
		next.EnqueuedAt = q.clock.Now()
		q.queue = append(q.queue, next)
		q.cond.Signal()
	})
	return next
}

// IsEnqueuedOrRunning reports whether an equal descriptor is queued,
// delayed or being processed
func (q *Queue) IsEnqueuedOrRunning(desc TaskDescriptor) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.isTrackedLocked(desc)
}

// Get retrieves the next job, blocking until one is available,
// ctx is done or the queue shuts down
func (q *Queue) Get(ctx context.Context) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.queue) == 0 && !q.shuttingDown {
		select {
		case <-ctx.Done():
			return Job{}, false
		default:
		}

		// Wake the cond when ctx ends. done stops the goroutine on a normal wakeup.
		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				q.mu.Lock()
				q.cond.Broadcast()
				q.mu.Unlock()
			case <-done:
			}
		}()

		q.cond.Wait()
		close(done)

		select {
		case <-ctx.Done():
			return Job{}, false
		default:
		}
	}

	if q.shuttingDown && len(q.queue) == 0 {
		return Job{}, false
	}

	job := q.queue[0]
	q.queue = q.queue[1:]
	return job, true
}

// Done releases the tracking for job
func (q *Queue) Done(job Job) {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := job.Descriptor.Key()
	entries := q.tracked[key]
	for i, entry := range entries {
		if entry.id == job.ID {
			entries = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	if len(entries) == 0 {
		delete(q.tracked, key)
		return
	}
	q.tracked[key] = entries
}

// Len returns the number of jobs ready to run
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

// Delayed returns the number of jobs waiting on a re-enqueue delay
func (q *Queue) Delayed() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.timers)
}

// Shutdown stops the queue and cancels pending delays.
// Jobs already queued can still be drained with Get.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.shuttingDown = true
	for id, timer := range q.timers {
		timer.Stop()
		delete(q.timers, id)
	}
	q.cond.Broadcast()
}

func (q *Queue) isTrackedLocked(desc TaskDescriptor) bool {
	for _, entry := range q.tracked[desc.Key()] {
		if entry.desc.Equal(desc) {
			return true
		}
	}
	return false
}

func (q *Queue) trackLocked(job Job) {
	key := job.Descriptor.Key()
	q.tracked[key] = append(q.tracked[key], trackedJob{id: job.ID, desc: job.Descriptor})
}
