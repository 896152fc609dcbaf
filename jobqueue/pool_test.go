package jobqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/conductor/types"
	"github.com/yairfalse/conductor/wal"
)

// fixedBackoff allows attempts tries, each after delay
type fixedBackoff struct {
	attempts int
	delay    time.Duration
}

func (b fixedBackoff) ShouldRetry(job Job) bool { return job.Attempt < b.attempts }

func (b fixedBackoff) NextDelay(int) time.Duration { return b.delay }

type recordingJournal struct {
	mu      sync.Mutex
	entries []wal.EntryType
}

func (r *recordingJournal) Append(entryType wal.EntryType, task, target string, data any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entryType)
	return nil
}

func (r *recordingJournal) AppendError(entryType wal.EntryType, task, target string, data any, err error) error {
	return r.Append(entryType, task, target, data)
}

func (r *recordingJournal) types() []wal.EntryType {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]wal.EntryType(nil), r.entries...)
}

func TestPool_RunsHandlers(t *testing.T) {
	q := NewQueue()
	journal := &recordingJournal{}
	pool := NewPool(q, PoolOptions{Workers: 3, Journal: journal})

	var count atomic.Int32
	pool.Handle("pull", func(ctx context.Context, job Job) error {
		count.Add(1)
		return nil
	})

	for _, target := range []string{"a", "b", "c", "d"} {
		require.True(t, q.Enqueue(pullDesc(target)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	assert.Eventually(t, func() bool { return count.Load() == 4 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Len(t, journal.types(), 8)
}

func TestPool_RetryIncrementsAttempt(t *testing.T) {
	q := NewQueue()
	pool := NewPool(q, PoolOptions{Workers: 1})

	var mu sync.Mutex
	var attempts []int
	pool.Handle("provision", func(ctx context.Context, job Job) error {
		mu.Lock()
		attempts = append(attempts, job.Attempt)
		mu.Unlock()
		if job.Attempt < 3 {
			return Retry(time.Millisecond, errors.New("capacity"))
		}
		return nil
	})

	q.Enqueue(TaskDescriptor{Name: "provision", Target: "vm:1"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(attempts) == 3
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []int{1, 2, 3}, attempts)
	assert.False(t, q.IsEnqueuedOrRunning(TaskDescriptor{Name: "provision", Target: "vm:1"}))
}

func TestPool_FailureAndPanicDoNotStopWorker(t *testing.T) {
	q := NewQueue()
	journal := &recordingJournal{}
	pool := NewPool(q, PoolOptions{Workers: 1, Journal: journal})

	var ran atomic.Int32
	pool.Handle("boom", func(ctx context.Context, job Job) error {
		panic("kaboom")
	})
	pool.Handle("fail", func(ctx context.Context, job Job) error {
		return errors.New("failed")
	})
	pool.Handle("ok", func(ctx context.Context, job Job) error {
		ran.Add(1)
		return nil
	})

	q.Enqueue(TaskDescriptor{Name: "boom", Target: "x"})
	q.Enqueue(TaskDescriptor{Name: "fail", Target: "x"})
	q.Enqueue(TaskDescriptor{Name: "missing", Target: "x"})
	q.Enqueue(TaskDescriptor{Name: "ok", Target: "x"})

	pool.Drain(context.Background())

	assert.Equal(t, int32(1), ran.Load())
	assert.Equal(t, []wal.EntryType{
		wal.EntryExecuting, wal.EntryFailed,
		wal.EntryExecuting, wal.EntryFailed,
		wal.EntryExecuting, wal.EntryExecuted,
	}, journal.types())
	assert.Equal(t, 0, q.Len())
}

func TestRetryError_Unwrap(t *testing.T) {
	base := errors.New("base")
	err := Retry(time.Second, base)

	var retry *RetryError
	require.True(t, errors.As(err, &retry))
	assert.Equal(t, time.Second, retry.After)
	assert.ErrorIs(t, err, base)
}

func TestPool_BackoffRetriesLocalFailures(t *testing.T) {
	q := NewQueue()
	journal := &recordingJournal{}
	pool := NewPool(q, PoolOptions{Workers: 1, Journal: journal, Backoff: fixedBackoff{attempts: 3, delay: time.Millisecond}})

	var mu sync.Mutex
	calls := map[string]int{}
	record := func(name string) {
		mu.Lock()
		defer mu.Unlock()
		calls[name]++
	}
	pool.Handle("local", func(ctx context.Context, job Job) error {
		record("local")
		return errors.New("disk full")
	})
	pool.Handle("backend", func(ctx context.Context, job Job) error {
		record("backend")
		return &types.BackendError{Reason: "instance terminated"}
	})
	pool.Handle("fatal", func(ctx context.Context, job Job) error {
		record("fatal")
		return &types.NotRegisteredError{Kind: "x"}
	})

	q.Enqueue(TaskDescriptor{Name: "local", Target: "x"})
	q.Enqueue(TaskDescriptor{Name: "backend", Target: "x"})
	q.Enqueue(TaskDescriptor{Name: "fatal", Target: "x"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	assert.Eventually(t, func() bool {
		return !q.IsEnqueuedOrRunning(TaskDescriptor{Name: "local", Target: "x"})
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[string]int{"local": 3, "backend": 1, "fatal": 1}, calls)
	assert.Contains(t, journal.types(), wal.EntryRetried)
}
