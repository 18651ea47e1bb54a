package syncengine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solanaverse/points-engine/events"
	"github.com/solanaverse/points-engine/points"
	"github.com/solanaverse/points-engine/storage"
	"github.com/solanaverse/points-engine/syncengine"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type sleepRecorder struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (s *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sleeps = append(s.sleeps, d)
	return ctx.Err()
}

func (s *sleepRecorder) Recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.sleeps...)
}

type testEnv struct {
	engine  *syncengine.Engine
	remote  *syncengine.MemoryRemote
	storage *storage.Manager
	clock   *fakeClock
	sleeper *sleepRecorder
	bus     *events.Bus
	seen    *[]events.Type
}

func newTestEngine(t *testing.T, mutate func(*syncengine.Options)) *testEnv {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)}
	sleeper := &sleepRecorder{}
	bus := events.NewBus(nil)
	var seen []events.Type
	var seenMu sync.Mutex
	for _, typ := range []events.Type{events.SyncStarted, events.SyncCompleted, events.SyncFailed, events.CircuitOpened, events.QueueProcessed, events.PointsChanged} {
		bus.On(typ, func(e events.Event) {
			seenMu.Lock()
			defer seenMu.Unlock()
			seen = append(seen, e.Type)
		})
	}

	store := storage.NewManager(storage.NewMemoryKV(), storage.Options{Clock: clock.Now})
	remote := syncengine.NewMemoryRemote()
	opts := syncengine.Options{Clock: clock.Now, Sleep: sleeper.Sleep, Events: bus}
	if mutate != nil {
		mutate(&opts)
	}
	env := &testEnv{
		engine:  syncengine.NewEngine(remote, store, opts),
		remote:  remote,
		storage: store,
		clock:   clock,
		sleeper: sleeper,
		bus:     bus,
		seen:    &seen,
	}
	t.Cleanup(func() { bus.RemoveAllListeners() })
	return env
}

func snapshot(user string, alpha int64) points.PointsData {
	return points.PointsData{UserID: user, Alpha: alpha, LastUpdated: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)}
}

// =============================================================================
// PUSH
// =============================================================================

func TestSyncToRemote_Success(t *testing.T) {
	env := newTestEngine(t, nil)
	ctx := context.Background()

	res := env.engine.SyncToRemote(ctx, "u1", snapshot("u1", 42))

	require.True(t, res.Success)
	row, found, err := env.remote.FetchOne(ctx, "u1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(42), row.AlphaPoints)
	assert.Equal(t, points.SyncStateSynced, env.storage.GetSyncState(ctx, "u1"))
	assert.Empty(t, env.sleeper.Recorded())
	assert.Equal(t, []events.Type{events.SyncStarted, events.SyncCompleted}, *env.seen)
}

func TestSyncToRemote_RetriesWithBackoff(t *testing.T) {
	env := newTestEngine(t, nil)
	env.remote.FailNext(2)

	res := env.engine.SyncToRemote(context.Background(), "u1", snapshot("u1", 1))

	assert.True(t, res.Success)
	assert.Equal(t, 3, env.remote.UpsertCalls())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, env.sleeper.Recorded())
	assert.Equal(t, 0, env.engine.GetFailureCount("u1"))
}

func TestSyncToRemote_ExhaustsRetries(t *testing.T) {
	// GIVEN: a remote that always fails
	env := newTestEngine(t, nil)
	env.remote.SetFailing(true)
	ctx := context.Background()

	// WHEN: syncing once
	res := env.engine.SyncToRemote(ctx, "u1", snapshot("u1", 1))

	// THEN: five attempts, sleeps only between them, error state
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, points.ErrRemoteUnavailable)
	assert.NotEmpty(t, res.Error)
	assert.Equal(t, 5, env.remote.UpsertCalls())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}, env.sleeper.Recorded())
	assert.Equal(t, points.SyncStateError, env.storage.GetSyncState(ctx, "u1"))
	assert.Equal(t, 1, env.engine.GetFailureCount("u1"))
	assert.Contains(t, *env.seen, events.SyncFailed)
}

func TestSyncToRemote_CancelledDuringBackoff(t *testing.T) {
	env := newTestEngine(t, nil)
	env.remote.SetFailing(true)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := env.engine.SyncToRemote(ctx, "u1", snapshot("u1", 1))

	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Equal(t, 1, env.remote.UpsertCalls(), "no attempts after the context is done")

	// THEN: a cancellation is not counted against the remote
	assert.Equal(t, 0, env.engine.GetFailureCount("u1"))
	assert.Equal(t, points.SyncStateSynced, env.storage.GetSyncState(context.Background(), "u1"))
	assert.NotContains(t, *env.seen, events.SyncFailed)
}

func TestProcessQueue_CancelKeepsRetryBudget(t *testing.T) {
	// GIVEN: a queued operation, a failing remote and a drain that is
	// cancelled during the first backoff
	bg := context.Background()
	ctx, cancel := context.WithCancel(bg)
	defer cancel()
	env := newTestEngine(t, func(o *syncengine.Options) {
		o.Sleep = func(ctx context.Context, _ time.Duration) error {
			cancel()
			return ctx.Err()
		}
	})
	env.remote.SetFailing(true)
	_, err := env.engine.QueueOperation(bg, "u1", points.OpAdd, snapshot("u1", 5))
	require.NoError(t, err)

	// WHEN: draining
	res := env.engine.ProcessQueue(ctx, "u1")

	// THEN: the operation stays queued with its retry count untouched
	assert.Equal(t, 1, env.remote.UpsertCalls())
	assert.Equal(t, 0, res.Failed)
	assert.Equal(t, 0, env.engine.GetFailureCount("u1"))
	queue := env.storage.GetQueue(bg, "u1")
	require.Len(t, queue, 1)
	assert.Equal(t, 0, queue[0].RetryCount)
}

func TestSyncToRemote_CircuitBreaker(t *testing.T) {
	env := newTestEngine(t, func(o *syncengine.Options) {
		o.FailureThreshold = 3
		o.Backoff = []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}
	})
	env.remote.SetFailing(true)
	ctx := context.Background()

	// GIVEN: threshold consecutive failed syncs
	for i := 0; i < 3; i++ {
		assert.False(t, env.engine.SyncToRemote(ctx, "u1", snapshot("u1", 1)).Success)
	}
	require.True(t, env.engine.IsCircuitOpen("u1"))
	callsBefore := env.remote.UpsertCalls()
	sleepsBefore := len(env.sleeper.Recorded())

	// WHEN: syncing again before the cooldown elapses
	res := env.engine.SyncToRemote(ctx, "u1", snapshot("u1", 1))

	// THEN: it fails fast with no remote I/O and no backoff
	assert.ErrorIs(t, res.Err, points.ErrCircuitOpen)
	assert.Equal(t, callsBefore, env.remote.UpsertCalls())
	assert.Len(t, env.sleeper.Recorded(), sleepsBefore)
	assert.False(t, env.engine.IsCircuitOpen("u2"), "breaker is per user")

	// WHEN: the cooldown passes and the remote recovers
	env.clock.Advance(syncengine.DefaultCooldown + time.Second)
	env.remote.SetFailing(false)

	// THEN: the next call proceeds as if closed
	res = env.engine.SyncToRemote(ctx, "u1", snapshot("u1", 2))
	assert.True(t, res.Success)
	assert.False(t, env.engine.IsCircuitOpen("u1"))
	assert.Equal(t, 0, env.engine.GetFailureCount("u1"))

	opened := 0
	for _, typ := range *env.seen {
		if typ == events.CircuitOpened {
			opened++
		}
	}
	assert.Equal(t, 1, opened)
}

// =============================================================================
// PULL
// =============================================================================

func TestFetchFromRemote(t *testing.T) {
	env := newTestEngine(t, nil)
	ctx := context.Background()

	assert.Nil(t, env.engine.FetchFromRemote(ctx, "u1"))

	require.NoError(t, env.remote.Upsert(ctx, syncengine.Row{UserID: "u1", RewardPoints: 9}))
	got := env.engine.FetchFromRemote(ctx, "u1")
	require.NotNil(t, got)
	assert.Equal(t, int64(9), got.Rewards)

	env.remote.SetFailing(true)
	assert.Nil(t, env.engine.FetchFromRemote(ctx, "u1"), "failures are reported as nil")
	assert.Equal(t, 1, env.remote.UpsertCalls(), "fetch does not retry")
}

func TestResolveConflict_RemoteWins(t *testing.T) {
	env := newTestEngine(t, nil)
	local := snapshot("u1", 100)
	remote := snapshot("u1", 5)

	assert.Equal(t, remote, env.engine.ResolveConflict(local, remote))
}

func TestPullFromRemote_OverwritesCache(t *testing.T) {
	env := newTestEngine(t, nil)
	ctx := context.Background()
	env.storage.SetPoints(ctx, snapshot("u1", 100))
	require.NoError(t, env.remote.Upsert(ctx, syncengine.Row{UserID: "u1", AlphaPoints: 7}))

	pulled, err := env.engine.PullFromRemote(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, pulled)

	cached, ok := env.storage.GetPoints("u1")
	require.True(t, ok)
	assert.Equal(t, int64(7), cached.Alpha)
	assert.Contains(t, *env.seen, events.PointsChanged)
}

func TestPullFromRemote_RefusesWithPendingQueue(t *testing.T) {
	env := newTestEngine(t, func(o *syncengine.Options) { o.Backoff = []time.Duration{time.Millisecond, time.Millisecond} })
	ctx := context.Background()
	_, err := env.engine.QueueOperation(ctx, "u1", points.OpAdd, snapshot("u1", 3))
	require.NoError(t, err)
	env.remote.SetFailing(true)

	pulled, err := env.engine.PullFromRemote(ctx, "u1")

	assert.ErrorIs(t, err, syncengine.ErrPendingOperations)
	assert.Nil(t, pulled)
}

func TestPullFromRemote_DrainsQueueFirst(t *testing.T) {
	env := newTestEngine(t, nil)
	ctx := context.Background()
	_, err := env.engine.QueueOperation(ctx, "u1", points.OpAdd, snapshot("u1", 3))
	require.NoError(t, err)

	pulled, err := env.engine.PullFromRemote(ctx, "u1")

	require.NoError(t, err)
	require.NotNil(t, pulled)
	assert.Equal(t, int64(3), pulled.Alpha)
	assert.Equal(t, 0, env.storage.GetQueueSize(ctx, "u1"))
}

func TestSubscribeToUpdates(t *testing.T) {
	env := newTestEngine(t, nil)
	ctx := context.Background()
	var got []points.PointsData

	unsubscribe, err := env.engine.SubscribeToUpdates(ctx, "u1", func(p points.PointsData) { got = append(got, p) })
	require.NoError(t, err)

	require.NoError(t, env.remote.Upsert(ctx, syncengine.Row{UserID: "u1", PlatformBalance: 11}))
	require.NoError(t, env.remote.Upsert(ctx, syncengine.Row{UserID: "u2", PlatformBalance: 99}))
	unsubscribe()
	require.NoError(t, env.remote.Upsert(ctx, syncengine.Row{UserID: "u1", PlatformBalance: 12}))

	require.Len(t, got, 1)
	assert.Equal(t, "u1", got[0].UserID)
	assert.Equal(t, int64(11), got[0].Balance)
}

// =============================================================================
// QUEUE
// =============================================================================

func TestProcessQueue_DrainsFIFO(t *testing.T) {
	env := newTestEngine(t, nil)
	ctx := context.Background()
	for _, alpha := range []int64{1, 2, 3} {
		_, err := env.engine.QueueOperation(ctx, "u1", points.OpAdd, snapshot("u1", alpha))
		require.NoError(t, err)
	}

	res := env.engine.ProcessQueue(ctx, "u1")

	assert.Equal(t, syncengine.QueueResult{UserID: "u1", Processed: 3}, res)
	row, _, _ := env.remote.FetchOne(ctx, "u1")
	assert.Equal(t, int64(3), row.AlphaPoints, "last queued snapshot wins")
	assert.Contains(t, *env.seen, events.QueueProcessed)
}

func TestProcessQueue_HeadOfLineAndRetryBudget(t *testing.T) {
	// GIVEN: two queued ops, a two-step backoff and a remote that is down
	env := newTestEngine(t, func(o *syncengine.Options) {
		o.Backoff = []time.Duration{time.Millisecond, time.Millisecond}
		o.FailureThreshold = 100
	})
	ctx := context.Background()
	first, err := env.engine.QueueOperation(ctx, "u1", points.OpAdd, snapshot("u1", 1))
	require.NoError(t, err)
	second, err := env.engine.QueueOperation(ctx, "u1", points.OpAdd, snapshot("u1", 2))
	require.NoError(t, err)
	env.remote.SetFailing(true)

	// WHEN: draining once
	res := env.engine.ProcessQueue(ctx, "u1")

	// THEN: draining stops at the head and its retry count grows
	assert.Equal(t, syncengine.QueueResult{UserID: "u1", Failed: 1, Remaining: 2}, res)
	q := env.storage.GetQueue(ctx, "u1")
	assert.Equal(t, first.ID, q[0].ID)
	assert.Equal(t, 1, q[0].RetryCount)
	assert.Equal(t, 0, q[1].RetryCount)

	// WHEN: draining again
	res = env.engine.ProcessQueue(ctx, "u1")

	// THEN: the head exhausted its budget and is dropped
	assert.Equal(t, syncengine.QueueResult{UserID: "u1", Failed: 1, Dropped: 1, Remaining: 1}, res)
	q = env.storage.GetQueue(ctx, "u1")
	require.Len(t, q, 1)
	assert.Equal(t, second.ID, q[0].ID)
}

func TestProcessQueue_CircuitOpenKeepsRetryBudget(t *testing.T) {
	env := newTestEngine(t, func(o *syncengine.Options) {
		o.Backoff = []time.Duration{time.Millisecond}
		o.FailureThreshold = 1
	})
	ctx := context.Background()
	env.remote.SetFailing(true)
	env.engine.SyncToRemote(ctx, "u1", snapshot("u1", 0))
	require.True(t, env.engine.IsCircuitOpen("u1"))

	_, err := env.engine.QueueOperation(ctx, "u1", points.OpAdd, snapshot("u1", 1))
	require.NoError(t, err)
	res := env.engine.ProcessQueue(ctx, "u1")

	assert.Equal(t, syncengine.QueueResult{UserID: "u1", Remaining: 1}, res)
	assert.Equal(t, 0, env.storage.GetQueue(ctx, "u1")[0].RetryCount)
}

func TestProcessAllQueues(t *testing.T) {
	env := newTestEngine(t, func(o *syncengine.Options) { o.Workers = 2 })
	ctx := context.Background()
	for _, user := range []string{"a", "b", "c"} {
		_, err := env.engine.QueueOperation(ctx, user, points.OpAdd, snapshot(user, 1))
		require.NoError(t, err)
	}

	results := env.engine.ProcessAllQueues(ctx)

	require.Len(t, results, 3)
	for _, r := range results {
		assert.Equal(t, 1, r.Processed, r.UserID)
	}
	assert.Empty(t, env.storage.QueuedUsers(ctx))
}

// =============================================================================
// STATUS
// =============================================================================

func TestStatusAndClear(t *testing.T) {
	env := newTestEngine(t, func(o *syncengine.Options) {
		o.Backoff = []time.Duration{time.Millisecond}
		o.FailureThreshold = 2
	})
	ctx := context.Background()
	env.remote.SetFailing(true)
	env.engine.SyncToRemote(ctx, "u1", snapshot("u1", 1))
	env.engine.SyncToRemote(ctx, "u1", snapshot("u1", 1))

	status := env.engine.GetStatus(ctx, "u1")
	assert.Equal(t, points.SyncStateError, status.State)
	assert.Equal(t, 2, status.FailureCount)
	assert.True(t, status.CircuitOpen)
	require.NotNil(t, status.OpenUntil)
	assert.NotEmpty(t, status.LastError)

	env.engine.ClearSyncState(ctx, "u1")
	status = env.engine.GetStatus(ctx, "u1")
	assert.Equal(t, points.SyncStateSynced, status.State)
	assert.Equal(t, 0, status.FailureCount)
	assert.False(t, status.CircuitOpen)

	env.engine.SyncToRemote(ctx, "u2", snapshot("u2", 1))
	env.engine.ClearAllSyncState()
	assert.Equal(t, 0, env.engine.GetFailureCount("u2"))
}
