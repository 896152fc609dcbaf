package throttle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/conductor/jobqueue"
	"github.com/yairfalse/conductor/policy"
	"github.com/yairfalse/conductor/storage"
	"github.com/yairfalse/conductor/types"
	"github.com/yairfalse/conductor/wal"
)

type fakeCounter struct {
	mu    sync.Mutex
	count int
	calls int
}

func (f *fakeCounter) CountByScopeState(kind, scopeID string, state types.State, excludeID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.count
}

func (f *fakeCounter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeCounter) set(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count = n
}

type entryRecorder struct {
	mu      sync.Mutex
	entries []wal.EntryType
}

func (e *entryRecorder) Append(entryType wal.EntryType, task, target string, data any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entries = append(e.entries, entryType)
	return nil
}

func (e *entryRecorder) AppendError(entryType wal.EntryType, task, target string, data any, err error) error {
	return e.Append(entryType, task, target, data)
}

func candidate() types.Resource {
	return types.Resource{ID: "new", Kind: "iaas.instance", ScopeID: "scope-1", State: types.StateCreationScheduled}
}

func TestAdmit_UsageIncludesCandidate(t *testing.T) {
	tests := []struct {
		creating int
		want     bool
	}{
		{0, true},
		{3, true},
		{4, false},
		{7, false},
	}

	for _, tt := range tests {
		counter := &fakeCounter{count: tt.creating}
		th := New(counter, StaticLimits{Default: 4}, DefaultConfig(), Options{})

		admitted, err := th.Admit(context.Background(), candidate())
		require.NoError(t, err)
		assert.Equal(t, tt.want, admitted, "creating=%d", tt.creating)
	}
}

func TestAdmit_CountsOnlySameKindAndScope(t *testing.T) {
	store, err := storage.NewStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	seed := []types.Resource{
		{ID: "a", Kind: "iaas.instance", ScopeID: "scope-1", State: types.StateCreating},
		{ID: "b", Kind: "iaas.instance", ScopeID: "scope-1", State: types.StateCreating},
		{ID: "c", Kind: "iaas.instance", ScopeID: "scope-2", State: types.StateCreating},
		{ID: "d", Kind: "storage.volume", ScopeID: "scope-1", State: types.StateCreating},
		{ID: "e", Kind: "iaas.instance", ScopeID: "scope-1", State: types.StateOK},
	}
	for _, r := range seed {
		require.NoError(t, store.CreateResource(r))
	}

	th := New(store, StaticLimits{Default: 3}, DefaultConfig(), Options{})
	assert.Equal(t, 3, th.Usage(candidate()))

	admitted, err := th.Admit(context.Background(), candidate())
	require.NoError(t, err)
	assert.True(t, admitted)

	// the candidate itself being CREATING does not count twice
	self := candidate()
	self.State = types.StateCreating
	require.NoError(t, store.CreateResource(self))
	assert.Equal(t, 3, th.Usage(self))
}

func TestAdmit_JournalsDecision(t *testing.T) {
	counter := &fakeCounter{count: 4}
	journal := &entryRecorder{}
	th := New(counter, nil, DefaultConfig(), Options{Journal: journal})

	_, err := th.Admit(context.Background(), candidate())
	require.NoError(t, err)
	counter.set(0)
	_, err = th.Admit(context.Background(), candidate())
	require.NoError(t, err)

	assert.Equal(t, []wal.EntryType{wal.EntryThrottled, wal.EntryAdmitted}, journal.entries)
}

func TestWait_AdmittedAfterCapacityFrees(t *testing.T) {
	counter := &fakeCounter{count: 4}
	clk := testclock.NewClock(time.Now())
	th := New(counter, nil, Config{RetryDelay: 5 * time.Second, MaxRetries: 300}, Options{Clock: clk})

	done := make(chan error, 1)
	go func() { done <- th.Wait(context.Background(), candidate()) }()

	require.NoError(t, clk.WaitAdvance(5*time.Second, time.Second, 1))
	assert.Eventually(t, func() bool { return counter.callCount() == 2 }, time.Second, time.Millisecond)
	counter.set(1)
	require.NoError(t, clk.WaitAdvance(5*time.Second, time.Second, 1))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after capacity freed")
	}
}

func TestWait_ExhaustedReturnsCapacityExceeded(t *testing.T) {
	counter := &fakeCounter{count: 10}
	clk := testclock.NewClock(time.Now())
	th := New(counter, nil, Config{RetryDelay: time.Second, MaxRetries: 2}, Options{Clock: clk})

	done := make(chan error, 1)
	go func() { done <- th.Wait(context.Background(), candidate()) }()

	for i := 0; i < 2; i++ {
		require.NoError(t, clk.WaitAdvance(time.Second, time.Second, 1))
	}

	err := <-done
	require.ErrorIs(t, err, types.ErrCapacityExceeded)
	var capErr *types.CapacityExceededError
	require.True(t, errors.As(err, &capErr))
	assert.Equal(t, "scope-1", capErr.ScopeID)
	assert.Equal(t, 4, capErr.Limit)
	assert.Equal(t, 3, capErr.Attempts)
}

func TestWait_StopsOnCancel(t *testing.T) {
	counter := &fakeCounter{count: 10}
	clk := testclock.NewClock(time.Now())
	th := New(counter, nil, DefaultConfig(), Options{Clock: clk})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- th.Wait(ctx, candidate()) }()

	require.NoError(t, clk.WaitAdvance(0, time.Second, 1))
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Wait did not stop on cancel")
	}
}

func TestGate(t *testing.T) {
	counter := &fakeCounter{count: 4}
	th := New(counter, nil, Config{RetryDelay: 5 * time.Second, MaxRetries: 300}, Options{})

	admitted, after, err := th.Gate(context.Background(), jobqueue.Job{Attempt: 1}, candidate())
	require.NoError(t, err)
	assert.False(t, admitted)
	assert.Equal(t, 5*time.Second, after)

	_, _, err = th.Gate(context.Background(), jobqueue.Job{Attempt: 301}, candidate())
	assert.ErrorIs(t, err, types.ErrCapacityExceeded)

	counter.set(0)
	admitted, after, err = th.Gate(context.Background(), jobqueue.Job{Attempt: 301}, candidate())
	require.NoError(t, err)
	assert.True(t, admitted)
	assert.Zero(t, after)
}

func TestStaticLimits(t *testing.T) {
	limits := StaticLimits{Default: 2, Scopes: map[string]int{"big": 10}}

	l, err := limits.Limit(context.Background(), types.Resource{ScopeID: "big"})
	require.NoError(t, err)
	assert.Equal(t, 10, l)

	l, err = limits.Limit(context.Background(), types.Resource{ScopeID: "small"})
	require.NoError(t, err)
	assert.Equal(t, 2, l)

	l, err = StaticLimits{}.Limit(context.Background(), types.Resource{})
	require.NoError(t, err)
	assert.Equal(t, DefaultLimit, l)
}

func TestPolicyLimits(t *testing.T) {
	ctx := context.Background()
	engine := policy.NewEngine(nil)
	require.NoError(t, engine.LoadPolicy(ctx, "limits.rego", `package conductor.throttle

limit := 1 if input.scope == "tiny"
`))

	limits := PolicyLimits{Engine: engine, Fallback: StaticLimits{Default: 6}}

	l, err := limits.Limit(ctx, types.Resource{ScopeID: "tiny"})
	require.NoError(t, err)
	assert.Equal(t, 1, l)

	l, err = limits.Limit(ctx, types.Resource{ScopeID: "other"})
	require.NoError(t, err)
	assert.Equal(t, 6, l)
}
