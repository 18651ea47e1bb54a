package storage_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solanaverse/points-engine/points"
	"github.com/solanaverse/points-engine/storage"
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

func newTestManager(t *testing.T) (*storage.Manager, *storage.MemoryKV, *fakeClock) {
	t.Helper()
	kv := storage.NewMemoryKV()
	clock := &fakeClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	m := storage.NewManager(kv, storage.Options{DefaultTTL: 5 * time.Minute, Clock: clock.Now})
	return m, kv, clock
}

// failingKV rejects every call.
type failingKV struct{}

var errDiskFull = errors.New("disk full")

func (failingKV) Get(context.Context, string) (string, bool, error) { return "", false, errDiskFull }
func (failingKV) Set(context.Context, string, string) error         { return errDiskFull }
func (failingKV) Delete(context.Context, string) error              { return errDiskFull }
func (failingKV) Keys(context.Context, string) ([]string, error)    { return nil, errDiskFull }

func queuedOp(t *testing.T, id string) points.SyncOperation {
	t.Helper()
	op, err := points.NewSyncOperation(id, points.OpAdd, points.PointsData{UserID: "u1", Alpha: 1}, time.Now())
	require.NoError(t, err)
	return op
}

// =============================================================================
// CACHE
// =============================================================================

func TestManager_CacheRoundTripAndExpiry(t *testing.T) {
	ctx := context.Background()
	m, _, clock := newTestManager(t)

	m.SetCache(ctx, "k", "v", time.Minute)

	got, ok := m.GetCache("k")
	require.True(t, ok)
	assert.Equal(t, "v", got)
	assert.Equal(t, time.Minute, m.GetCacheTTLRemaining("k"))

	clock.Advance(30 * time.Second)
	assert.Equal(t, 30*time.Second, m.GetCacheTTLRemaining("k"))
	assert.True(t, m.IsCacheValid("k"))

	clock.Advance(31 * time.Second)
	_, ok = m.GetCache("k")
	assert.False(t, ok, "entry older than its ttl is gone")
	assert.Equal(t, time.Duration(0), m.GetCacheTTLRemaining("k"))
	assert.False(t, m.IsCacheValid("k"))
}

func TestManager_SetCacheOverwritesAndRestartsTTL(t *testing.T) {
	ctx := context.Background()
	m, _, clock := newTestManager(t)

	m.SetCache(ctx, "k", 1, time.Minute)
	clock.Advance(50 * time.Second)
	m.SetCache(ctx, "k", 2, time.Minute)
	clock.Advance(50 * time.Second)

	got, ok := m.GetCache("k")
	require.True(t, ok)
	assert.Equal(t, 2, got)
}

func TestManager_DefaultTTLApplied(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)

	m.SetCache(ctx, "k", "v", 0)
	assert.Equal(t, 5*time.Minute, m.GetCacheTTLRemaining("k"))
}

func TestManager_CacheMirroredToKV(t *testing.T) {
	ctx := context.Background()
	m, kv, _ := newTestManager(t)

	m.SetPoints(ctx, points.PointsData{UserID: "u1", Alpha: 10})

	raw, found, err := kv.Get(ctx, storage.CacheKey("u1"))
	require.NoError(t, err)
	require.True(t, found)

	var entry struct {
		Data points.PointsData `json:"data"`
		TTL  int64             `json:"ttl"`
	}
	require.NoError(t, json.Unmarshal([]byte(raw), &entry))
	assert.Equal(t, int64(10), entry.Data.Alpha)
	assert.Equal(t, (5 * time.Minute).Milliseconds(), entry.TTL)

	m.ClearCache(ctx, storage.CacheKey("u1"))
	_, found, _ = kv.Get(ctx, storage.CacheKey("u1"))
	assert.False(t, found)
}

func TestManager_ClearAllCacheKeepsDurableCopy(t *testing.T) {
	ctx := context.Background()
	m, kv, _ := newTestManager(t)

	m.SetPoints(ctx, points.PointsData{UserID: "u1", Rewards: 3})
	m.ClearAllCache()

	_, ok := m.GetPoints("u1")
	assert.False(t, ok)
	_, found, _ := kv.Get(ctx, storage.CacheKey("u1"))
	assert.True(t, found)
}

// =============================================================================
// RESTORE
// =============================================================================

func TestManager_RestoreAfterRestart(t *testing.T) {
	// GIVEN: a snapshot written by a previous process
	ctx := context.Background()
	kv := storage.NewMemoryKV()
	clock := &fakeClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	first := storage.NewManager(kv, storage.Options{Clock: clock.Now})
	first.SetPoints(ctx, points.PointsData{UserID: "u1", Alpha: 7, Balance: 2})

	// WHEN: a new process starts long after the TTL elapsed
	clock.Advance(time.Hour)
	second := storage.NewManager(kv, storage.Options{Clock: clock.Now})
	restored, err := second.RestoreCacheFromDurable(ctx, "u1")

	// THEN: the durable copy is used and re-stamped as fresh
	require.NoError(t, err)
	require.NotNil(t, restored)
	assert.Equal(t, int64(7), restored.Alpha)

	cached, ok := second.GetPoints("u1")
	require.True(t, ok)
	assert.Equal(t, int64(2), cached.Balance)
	assert.Equal(t, storage.DefaultCacheTTL, second.GetCacheTTLRemaining(storage.CacheKey("u1")))
}

func TestManager_RestoreMissingReturnsNil(t *testing.T) {
	m, _, _ := newTestManager(t)

	restored, err := m.RestoreCacheFromDurable(context.Background(), "ghost")
	assert.NoError(t, err)
	assert.Nil(t, restored)
}

func TestManager_RestoreRejectsNegativeSnapshot(t *testing.T) {
	ctx := context.Background()
	m, kv, _ := newTestManager(t)
	require.NoError(t, kv.Set(ctx, storage.CacheKey("u1"),
		`{"data":{"userId":"u1","alpha":-4,"rewards":0,"balance":0},"timestamp":"2026-05-01T09:00:00Z","ttl":300000}`))

	var reported []string
	m.SetErrorReporter(func(op, key string, err error) { reported = append(reported, op) })

	restored, err := m.RestoreCacheFromDurable(ctx, "u1")
	assert.ErrorIs(t, err, points.ErrCorruptSnapshot)
	assert.Nil(t, restored)
	assert.Equal(t, []string{"validate"}, reported)

	_, ok := m.GetPoints("u1")
	assert.False(t, ok, "corrupt snapshot never reaches the cache")
}

func TestManager_LoadPointsReadsThrough(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)
	m.SetPoints(ctx, points.PointsData{UserID: "u1", Rewards: 9})
	m.ClearAllCache()

	p, found, err := m.LoadPoints(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(9), p.Rewards)
}

// =============================================================================
// QUEUE
// =============================================================================

func TestManager_QueueFIFO(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)

	m.QueueOperation(ctx, "u1", queuedOp(t, "a"))
	m.QueueOperation(ctx, "u1", queuedOp(t, "b"))
	m.QueueOperation(ctx, "u1", queuedOp(t, "c"))

	q := m.GetQueue(ctx, "u1")
	require.Len(t, q, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{q[0].ID, q[1].ID, q[2].ID})

	assert.True(t, m.RemoveFromQueue(ctx, "u1", "b"))
	assert.False(t, m.RemoveFromQueue(ctx, "u1", "b"))
	q = m.GetQueue(ctx, "u1")
	assert.Equal(t, []string{"a", "c"}, []string{q[0].ID, q[1].ID})

	assert.True(t, m.UpdateOperationRetryCount(ctx, "u1", "c", 3))
	assert.Equal(t, 3, m.GetQueue(ctx, "u1")[1].RetryCount)
	assert.False(t, m.UpdateOperationRetryCount(ctx, "u1", "zzz", 1))

	m.ClearQueue(ctx, "u1")
	assert.Equal(t, 0, m.GetQueueSize(ctx, "u1"))
	assert.False(t, m.HasQueuedOperations(ctx, "u1"))
}

func TestManager_GetQueueReturnsCopy(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)
	m.QueueOperation(ctx, "u1", queuedOp(t, "a"))

	q := m.GetQueue(ctx, "u1")
	q[0].RetryCount = 99

	assert.Equal(t, 0, m.GetQueue(ctx, "u1")[0].RetryCount)
}

func TestManager_QueueSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemoryKV()
	first := storage.NewManager(kv, storage.Options{})
	first.QueueOperation(ctx, "u1", queuedOp(t, "a"))
	first.QueueOperation(ctx, "u2", queuedOp(t, "b"))

	second := storage.NewManager(kv, storage.Options{})
	assert.Equal(t, []string{"u1", "u2"}, second.QueuedUsers(ctx))
	assert.Equal(t, "a", second.GetQueue(ctx, "u1")[0].ID)
}

// flakyKV fails the next failGets reads, then behaves like MemoryKV.
type flakyKV struct {
	*storage.MemoryKV
	mu       sync.Mutex
	failGets int
}

func (f *flakyKV) Get(ctx context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	fail := f.failGets > 0
	if fail {
		f.failGets--
	}
	f.mu.Unlock()
	if fail {
		return "", false, errDiskFull
	}
	return f.MemoryKV.Get(ctx, key)
}

func TestManager_UnreadableQueueIsNotOverwritten(t *testing.T) {
	// GIVEN: a durable queue [a b] and a restarted manager whose first read fails
	ctx := context.Background()
	kv := &flakyKV{MemoryKV: storage.NewMemoryKV()}
	first := storage.NewManager(kv, storage.Options{})
	first.QueueOperation(ctx, "u1", queuedOp(t, "a"))
	first.QueueOperation(ctx, "u1", queuedOp(t, "b"))

	kv.failGets = 1
	second := storage.NewManager(kv, storage.Options{})

	// WHEN: queueing c while the durable queue cannot be read
	second.QueueOperation(ctx, "u1", queuedOp(t, "c"))

	// THEN: the durable queue is untouched and nothing is removable yet
	raw, found, err := kv.MemoryKV.Get(ctx, storage.QueueKey("u1"))
	require.NoError(t, err)
	require.True(t, found)
	var durable []points.SyncOperation
	require.NoError(t, json.Unmarshal([]byte(raw), &durable))
	assert.Len(t, durable, 2)

	// WHEN: the next read succeeds
	ids := func(q []points.SyncOperation) []string {
		out := make([]string, len(q))
		for i, op := range q {
			out[i] = op.ID
		}
		return out
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids(second.GetQueue(ctx, "u1")))

	// THEN: the held operation is appended durably after the older ones
	third := storage.NewManager(kv, storage.Options{})
	assert.Equal(t, []string{"a", "b", "c"}, ids(third.GetQueue(ctx, "u1")))
}

func TestManager_UnreadableQueueRejectsEdits(t *testing.T) {
	ctx := context.Background()
	kv := &flakyKV{MemoryKV: storage.NewMemoryKV()}
	storage.NewManager(kv, storage.Options{}).QueueOperation(ctx, "u1", queuedOp(t, "a"))

	m := storage.NewManager(kv, storage.Options{})
	kv.failGets = 2
	assert.False(t, m.RemoveFromQueue(ctx, "u1", "a"))
	assert.False(t, m.UpdateOperationRetryCount(ctx, "u1", "a", 3))

	q := m.GetQueue(ctx, "u1")
	require.Len(t, q, 1)
	assert.Equal(t, 0, q[0].RetryCount)
}

// =============================================================================
// FLAGS & LIFECYCLE
// =============================================================================

func TestManager_MigrationAndSyncState(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)

	assert.False(t, m.IsMigrated(ctx, "u1"))
	m.SetMigrated(ctx, "u1", true)
	assert.True(t, m.IsMigrated(ctx, "u1"))

	assert.Equal(t, points.SyncStateSynced, m.GetSyncState(ctx, "u1"))
	m.SetSyncState(ctx, "u1", points.SyncStateError)
	assert.Equal(t, points.SyncStateError, m.GetSyncState(ctx, "u1"))
}

func TestManager_ClearUserData(t *testing.T) {
	ctx := context.Background()
	m, kv, _ := newTestManager(t)

	m.SetPoints(ctx, points.PointsData{UserID: "u1", Alpha: 1})
	m.QueueOperation(ctx, "u1", queuedOp(t, "a"))
	m.SetMigrated(ctx, "u1", true)
	m.SetSyncState(ctx, "u1", points.SyncStateSyncing)
	m.SetPoints(ctx, points.PointsData{UserID: "u2", Alpha: 1})

	m.ClearUserData(ctx, "u1")

	_, ok := m.GetPoints("u1")
	assert.False(t, ok)
	assert.Equal(t, 0, m.GetQueueSize(ctx, "u1"))
	assert.False(t, m.IsMigrated(ctx, "u1"))
	assert.Equal(t, points.SyncStateSynced, m.GetSyncState(ctx, "u1"))

	keys, _ := kv.Keys(ctx, storage.KeyPrefix)
	assert.Equal(t, []string{storage.CacheKey("u2")}, keys)
}

func TestManager_StatsExportAndClearAll(t *testing.T) {
	ctx := context.Background()
	m, _, clock := newTestManager(t)

	m.SetCache(ctx, storage.CacheKey("u1"), points.PointsData{UserID: "u1"}, time.Minute)
	m.SetCache(ctx, storage.CacheKey("u2"), points.PointsData{UserID: "u2"}, time.Hour)
	m.QueueOperation(ctx, "u1", queuedOp(t, "a"))
	m.QueueOperation(ctx, "u1", queuedOp(t, "b"))
	clock.Advance(2 * time.Minute)

	stats := m.GetStorageStats(ctx)
	assert.Equal(t, 2, stats.CacheEntries)
	assert.Equal(t, 1, stats.ValidEntries)
	assert.Equal(t, 1, stats.QueuedUsers)
	assert.Equal(t, 2, stats.QueuedOperations)
	assert.Equal(t, 3, stats.DurableKeys)

	exported, err := m.ExportData(ctx)
	require.NoError(t, err)
	assert.Contains(t, exported, storage.QueueKey("u1"))
	assert.Len(t, exported, 3)

	m.ClearAll(ctx)
	assert.Equal(t, storage.Stats{}, m.GetStorageStats(ctx))
}

func TestManager_DurableFailuresAreSwallowed(t *testing.T) {
	// GIVEN: a durable store that fails every call
	ctx := context.Background()
	var ops []string
	m := storage.NewManager(failingKV{}, storage.Options{
		OnError: func(op, key string, err error) {
			assert.ErrorIs(t, err, errDiskFull)
			ops = append(ops, op)
		},
	})

	// WHEN: writing to cache and queue
	m.SetPoints(ctx, points.PointsData{UserID: "u1", Alpha: 5})
	m.QueueOperation(ctx, "u1", queuedOp(t, "a"))

	// THEN: memory state is intact and every failure was reported
	p, ok := m.GetPoints("u1")
	require.True(t, ok)
	assert.Equal(t, int64(5), p.Alpha)
	assert.Contains(t, ops, "write")
	assert.Contains(t, ops, "read")
}
