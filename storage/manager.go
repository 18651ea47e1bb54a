/*
Package storage owns the in-memory TTL cache, its durable mirror, the
per-user offline operation queue and the per-user migration/sync flags.

PURPOSE:
  The memory cache is authoritative for the running process. Every write is
  mirrored to a KV store so a restart can rehydrate it. Mirror failures are
  logged and reported through the OnError hook, never returned.

DURABLE KEYS:
  points:cache:<userId>      JSON cache entry {data, timestamp, ttl}
  points:queue:<userId>      JSON array of SyncOperation (FIFO)
  points:migrated:<userId>   "true" / "false"
  points:syncstate:<userId>  last known SyncState

EXPIRY:
  Lazy. An entry is checked against the wall clock when read; there is no
  background sweep. An expired entry is evicted from memory on read but
  its durable copy stays until the next write or ClearCache.

SEE ALSO:
  - kv.go: KV interface and in-memory implementation
  - store/sqlite, store/redis: durable KV implementations
*/
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"go.uber.org/zap"

	"github.com/solanaverse/points-engine/points"
)

const (
	KeyPrefix       = "points:"
	CachePrefix     = KeyPrefix + "cache:"
	QueuePrefix     = KeyPrefix + "queue:"
	MigratedPrefix  = KeyPrefix + "migrated:"
	SyncStatePrefix = KeyPrefix + "syncstate:"
	DefaultCacheTTL = 5 * time.Minute
)

func CacheKey(userID string) string     { return CachePrefix + userID }
func QueueKey(userID string) string     { return QueuePrefix + userID }
func MigratedKey(userID string) string  { return MigratedPrefix + userID }
func SyncStateKey(userID string) string { return SyncStatePrefix + userID }

// CacheEntry is one in-memory value with its insertion time and lifetime.
type CacheEntry struct {
	Data      any
	Timestamp time.Time
	TTL       time.Duration
}

func (e CacheEntry) expired(now time.Time) bool {
	return now.Sub(e.Timestamp) > e.TTL
}

// durableEntry is the JSON form of a CacheEntry in the mirror. TTL is in ms.
type durableEntry struct {
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
	TTL       int64           `json:"ttl"`
}

// ErrorReporter receives swallowed durable-store failures.
type ErrorReporter func(op, key string, err error)

type Options struct {
	DefaultTTL time.Duration
	Clock      func() time.Time
	Logger     *zap.Logger
	OnError    ErrorReporter
}

type Manager struct {
	kv         KV
	cache      cmap.ConcurrentMap[string, CacheEntry]
	defaultTTL time.Duration
	clock      func() time.Time
	logger     *zap.Logger

	hookMu  sync.RWMutex
	onError ErrorReporter

	mu     sync.Mutex
	queues map[string][]points.SyncOperation
	// pending holds operations queued while the user's durable queue could
	// not be read. They are appended once a read succeeds.
	pending map[string][]points.SyncOperation
	flags   map[string]string
}

func NewManager(kv KV, opts Options) *Manager {
	if kv == nil {
		kv = NewMemoryKV()
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = DefaultCacheTTL
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Manager{
		kv:         kv,
		cache:      cmap.New[CacheEntry](),
		defaultTTL: opts.DefaultTTL,
		clock:      opts.Clock,
		logger:     opts.Logger,
		onError:    opts.OnError,
		queues:     make(map[string][]points.SyncOperation),
		pending:    make(map[string][]points.SyncOperation),
		flags:      make(map[string]string),
	}
}

// SetErrorReporter replaces the hook used for swallowed mirror failures.
func (m *Manager) SetErrorReporter(r ErrorReporter) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.onError = r
}

func (m *Manager) report(op, key string, err error) {
	m.logger.Warn("durable storage failure", zap.String("op", op), zap.String("key", key), zap.Error(err))
	m.hookMu.RLock()
	hook := m.onError
	m.hookMu.RUnlock()
	if hook != nil {
		hook(op, key, err)
	}
}

// =============================================================================
// CACHE
// =============================================================================

// SetCache stores data in memory and mirrors it under the same key.
// Any prior value is overwritten. ttl <= 0 uses the default TTL.
func (m *Manager) SetCache(ctx context.Context, key string, data any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	entry := CacheEntry{Data: data, Timestamp: m.clock(), TTL: ttl}
	m.cache.Set(key, entry)
	m.mirror(ctx, key, entry)
}

func (m *Manager) mirror(ctx context.Context, key string, entry CacheEntry) {
	raw, err := json.Marshal(entry.Data)
	if err != nil {
		m.report("encode", key, err)
		return
	}
	payload, err := json.Marshal(durableEntry{Data: raw, Timestamp: entry.Timestamp.UTC(), TTL: entry.TTL.Milliseconds()})
	if err != nil {
		m.report("encode", key, err)
		return
	}
	if err := m.kv.Set(ctx, key, string(payload)); err != nil {
		m.report("write", key, err)
	}
}

// GetCache returns the live value for key. Expired entries are evicted.
func (m *Manager) GetCache(key string) (any, bool) {
	entry, ok := m.live(key)
	if !ok {
		return nil, false
	}
	return entry.Data, true
}

func (m *Manager) live(key string) (CacheEntry, bool) {
	entry, ok := m.cache.Get(key)
	if !ok {
		return CacheEntry{}, false
	}
	now := m.clock()
	if entry.expired(now) {
		// Only evict if nobody replaced the entry since we read it.
		m.cache.RemoveCb(key, func(_ string, v CacheEntry, exists bool) bool {
			return exists && v.expired(now)
		})
		return CacheEntry{}, false
	}
	return entry, true
}

func (m *Manager) IsCacheValid(key string) bool {
	_, ok := m.live(key)
	return ok
}

// GetCacheTTLRemaining is 0 for absent or expired entries, never negative.
func (m *Manager) GetCacheTTLRemaining(key string) time.Duration {
	entry, ok := m.live(key)
	if !ok {
		return 0
	}
	remaining := entry.TTL - m.clock().Sub(entry.Timestamp)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ClearCache removes key from memory and from the mirror.
func (m *Manager) ClearCache(ctx context.Context, key string) {
	m.cache.Remove(key)
	if err := m.kv.Delete(ctx, key); err != nil {
		m.report("delete", key, err)
	}
}

// ClearAllCache empties the memory cache only.
func (m *Manager) ClearAllCache() {
	m.cache.Clear()
}

// =============================================================================
// POINTS SNAPSHOTS
// =============================================================================

// GetPoints returns the live cached snapshot for userID.
func (m *Manager) GetPoints(userID string) (points.PointsData, bool) {
	v, ok := m.GetCache(CacheKey(userID))
	if !ok {
		return points.PointsData{}, false
	}
	p, ok := v.(points.PointsData)
	return p, ok
}

// SetPoints replaces the cached snapshot for data.UserID.
func (m *Manager) SetPoints(ctx context.Context, data points.PointsData) {
	m.SetCache(ctx, CacheKey(data.UserID), data, 0)
}

// LoadPoints reads through: memory first, then the durable mirror.
func (m *Manager) LoadPoints(ctx context.Context, userID string) (points.PointsData, bool, error) {
	if p, ok := m.GetPoints(userID); ok {
		return p, true, nil
	}
	restored, err := m.RestoreCacheFromDurable(ctx, userID)
	if err != nil {
		return points.PointsData{}, false, err
	}
	if restored == nil {
		return points.PointsData{}, false, nil
	}
	return *restored, true, nil
}

// RestoreCacheFromDurable rehydrates the memory cache for userID from the
// mirror. The mirror is the restart source of truth, so the stored TTL is
// kept but the entry is re-stamped with the current time. A snapshot with a
// negative balance is rejected with points.ErrCorruptSnapshot.
func (m *Manager) RestoreCacheFromDurable(ctx context.Context, userID string) (*points.PointsData, error) {
	key := CacheKey(userID)
	raw, found, err := m.kv.Get(ctx, key)
	if err != nil {
		m.report("read", key, err)
		return nil, nil
	}
	if !found {
		return nil, nil
	}

	var entry durableEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		m.report("decode", key, err)
		return nil, fmt.Errorf("%w: %v", points.ErrCorruptSnapshot, err)
	}
	var data points.PointsData
	if err := json.Unmarshal(entry.Data, &data); err != nil {
		m.report("decode", key, err)
		return nil, fmt.Errorf("%w: %v", points.ErrCorruptSnapshot, err)
	}
	if data.UserID == "" {
		data.UserID = userID
	}
	if err := data.Validate(); err != nil {
		m.report("validate", key, err)
		return nil, err
	}

	ttl := time.Duration(entry.TTL) * time.Millisecond
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	m.cache.Set(key, CacheEntry{Data: data, Timestamp: m.clock(), TTL: ttl})
	return &data, nil
}

// =============================================================================
// OFFLINE QUEUE - Per-user FIFO, mirrored as a JSON array
// =============================================================================

// queueLocked returns the user's queue. loaded is false when the durable
// copy could not be read; callers must not write a queue derived from it.
func (m *Manager) queueLocked(ctx context.Context, userID string) (q []points.SyncOperation, loaded bool) {
	if q, ok := m.queues[userID]; ok {
		return q, true
	}
	key := QueueKey(userID)
	raw, found, err := m.kv.Get(ctx, key)
	if err != nil {
		m.report("read", key, err)
		return nil, false
	}
	if found {
		if err := json.Unmarshal([]byte(raw), &q); err != nil {
			m.report("decode", key, err)
			return nil, false
		}
	}
	if pending := m.pending[userID]; len(pending) > 0 {
		delete(m.pending, userID)
		q = append(q, pending...)
		m.storeQueueLocked(ctx, userID, q)
		return q, true
	}
	m.queues[userID] = q
	return q, true
}

func (m *Manager) storeQueueLocked(ctx context.Context, userID string, q []points.SyncOperation) {
	key := QueueKey(userID)
	if len(q) == 0 {
		m.queues[userID] = nil
		if err := m.kv.Delete(ctx, key); err != nil {
			m.report("delete", key, err)
		}
		return
	}
	m.queues[userID] = q
	payload, err := json.Marshal(q)
	if err != nil {
		m.report("encode", key, err)
		return
	}
	if err := m.kv.Set(ctx, key, string(payload)); err != nil {
		m.report("write", key, err)
	}
}

func (m *Manager) QueueOperation(ctx context.Context, userID string, op points.SyncOperation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, loaded := m.queueLocked(ctx, userID)
	if !loaded {
		m.pending[userID] = append(m.pending[userID], op)
		m.logger.Warn("durable queue unreadable, holding operation in memory",
			zap.String("user_id", userID), zap.String("op_id", op.ID))
		return
	}
	next := make([]points.SyncOperation, len(q), len(q)+1)
	copy(next, q)
	m.storeQueueLocked(ctx, userID, append(next, op))
}

// GetQueue returns a copy of the user's queue in FIFO order. It is empty
// while the durable queue cannot be read.
func (m *Manager) GetQueue(ctx context.Context, userID string) []points.SyncOperation {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, _ := m.queueLocked(ctx, userID)
	out := make([]points.SyncOperation, len(q))
	copy(out, q)
	return out
}

// RemoveFromQueue reports whether opID was queued.
func (m *Manager) RemoveFromQueue(ctx context.Context, userID, opID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, loaded := m.queueLocked(ctx, userID)
	if !loaded {
		return false
	}
	for i, op := range q {
		if op.ID == opID {
			next := make([]points.SyncOperation, 0, len(q)-1)
			next = append(next, q[:i]...)
			next = append(next, q[i+1:]...)
			m.storeQueueLocked(ctx, userID, next)
			return true
		}
	}
	return false
}

func (m *Manager) ClearQueue(ctx context.Context, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, userID)
	m.storeQueueLocked(ctx, userID, nil)
}

func (m *Manager) GetQueueSize(ctx context.Context, userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, loaded := m.queueLocked(ctx, userID)
	if !loaded {
		return len(m.pending[userID])
	}
	return len(q)
}

func (m *Manager) HasQueuedOperations(ctx context.Context, userID string) bool {
	return m.GetQueueSize(ctx, userID) > 0
}

// UpdateOperationRetryCount reports whether opID was queued.
func (m *Manager) UpdateOperationRetryCount(ctx context.Context, userID, opID string, n int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, loaded := m.queueLocked(ctx, userID)
	if !loaded {
		return false
	}
	for i, op := range q {
		if op.ID == opID {
			next := make([]points.SyncOperation, len(q))
			copy(next, q)
			next[i].RetryCount = n
			m.storeQueueLocked(ctx, userID, next)
			return true
		}
	}
	return false
}

// QueuedUsers lists users with at least one queued operation, including
// queues only present in the mirror (written by a previous process).
func (m *Manager) QueuedUsers(ctx context.Context) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]struct{})
	keys, err := m.kv.Keys(ctx, QueuePrefix)
	if err != nil {
		m.report("scan", QueuePrefix, err)
	}
	for _, k := range keys {
		seen[strings.TrimPrefix(k, QueuePrefix)] = struct{}{}
	}
	for userID := range m.queues {
		seen[userID] = struct{}{}
	}
	for userID := range m.pending {
		seen[userID] = struct{}{}
	}

	var users []string
	for userID := range seen {
		if q, _ := m.queueLocked(ctx, userID); len(q) > 0 {
			users = append(users, userID)
		}
	}
	sort.Strings(users)
	return users
}

// =============================================================================
// FLAGS - Migration and sync state
// =============================================================================

func (m *Manager) readFlag(ctx context.Context, key string) (string, bool) {
	m.mu.Lock()
	v, ok := m.flags[key]
	m.mu.Unlock()
	if ok {
		return v, true
	}
	v, found, err := m.kv.Get(ctx, key)
	if err != nil {
		m.report("read", key, err)
		return "", false
	}
	if found {
		m.mu.Lock()
		m.flags[key] = v
		m.mu.Unlock()
	}
	return v, found
}

func (m *Manager) writeFlag(ctx context.Context, key, value string) {
	m.mu.Lock()
	m.flags[key] = value
	m.mu.Unlock()
	if err := m.kv.Set(ctx, key, value); err != nil {
		m.report("write", key, err)
	}
}

func (m *Manager) deleteFlag(ctx context.Context, key string) {
	m.mu.Lock()
	delete(m.flags, key)
	m.mu.Unlock()
	if err := m.kv.Delete(ctx, key); err != nil {
		m.report("delete", key, err)
	}
}

func (m *Manager) IsMigrated(ctx context.Context, userID string) bool {
	v, _ := m.readFlag(ctx, MigratedKey(userID))
	return v == "true"
}

func (m *Manager) SetMigrated(ctx context.Context, userID string, migrated bool) {
	m.writeFlag(ctx, MigratedKey(userID), fmt.Sprintf("%t", migrated))
}

// GetSyncState defaults to synced for users never seen by the sync engine.
func (m *Manager) GetSyncState(ctx context.Context, userID string) points.SyncState {
	v, ok := m.readFlag(ctx, SyncStateKey(userID))
	if !ok || v == "" {
		return points.SyncStateSynced
	}
	return points.SyncState(v)
}

func (m *Manager) SetSyncState(ctx context.Context, userID string, state points.SyncState) {
	m.writeFlag(ctx, SyncStateKey(userID), string(state))
}

// =============================================================================
// LIFECYCLE & DIAGNOSTICS
// =============================================================================

// ClearUserData wipes cache, queue, migration flag and sync state for one user.
func (m *Manager) ClearUserData(ctx context.Context, userID string) {
	m.ClearCache(ctx, CacheKey(userID))
	m.ClearQueue(ctx, userID)
	m.deleteFlag(ctx, MigratedKey(userID))
	m.deleteFlag(ctx, SyncStateKey(userID))
}

type Stats struct {
	CacheEntries     int `json:"cacheEntries"`
	ValidEntries     int `json:"validEntries"`
	QueuedUsers      int `json:"queuedUsers"`
	QueuedOperations int `json:"queuedOperations"`
	DurableKeys      int `json:"durableKeys"`
}

func (m *Manager) GetStorageStats(ctx context.Context) Stats {
	stats := Stats{CacheEntries: m.cache.Count()}
	now := m.clock()
	for _, entry := range m.cache.Items() {
		if !entry.expired(now) {
			stats.ValidEntries++
		}
	}
	for _, userID := range m.QueuedUsers(ctx) {
		stats.QueuedUsers++
		stats.QueuedOperations += m.GetQueueSize(ctx, userID)
	}
	keys, err := m.kv.Keys(ctx, KeyPrefix)
	if err != nil {
		m.report("scan", KeyPrefix, err)
	}
	stats.DurableKeys = len(keys)
	return stats
}

// ExportData returns every durable key in the points namespace.
func (m *Manager) ExportData(ctx context.Context) (map[string]string, error) {
	keys, err := m.kv.Keys(ctx, KeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list durable keys: %w", err)
	}
	out := make(map[string]string, len(keys))
	var errs []error
	for _, k := range keys {
		v, found, err := m.kv.Get(ctx, k)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if found {
			out[k] = v
		}
	}
	return out, errors.Join(errs...)
}

// ClearAll wipes memory state and the whole durable namespace.
func (m *Manager) ClearAll(ctx context.Context) {
	m.cache.Clear()
	m.mu.Lock()
	m.queues = make(map[string][]points.SyncOperation)
	m.pending = make(map[string][]points.SyncOperation)
	m.flags = make(map[string]string)
	m.mu.Unlock()

	keys, err := m.kv.Keys(ctx, KeyPrefix)
	if err != nil {
		m.report("scan", KeyPrefix, err)
		return
	}
	for _, k := range keys {
		if err := m.kv.Delete(ctx, k); err != nil {
			m.report("delete", k, err)
		}
	}
}
