/*
Package syncengine reconciles cached balances with a remote store.

STATE MACHINE (per user):
  synced -> syncing -> synced | error
  Circuit breaker: closed -> open -> closed. The breaker re-closes lazily:
  the first SyncToRemote call after the cooldown deadline proceeds as if
  the breaker had never opened. There is no probe request.

RETRY:
  One SyncToRemote call makes up to len(Backoff) upsert attempts and sleeps
  Backoff[i] between attempt i and i+1. Sleeping honors ctx.

QUEUE REPLAY:
  ProcessQueue drains one user's queue in FIFO order and stops at the first
  failure so a newer snapshot is never applied before an older one. A
  failed operation's retry count is incremented; once it reaches
  len(Backoff) the operation is dropped.

CONFLICTS:
  The remote is the source of truth. ResolveConflict returns the remote
  snapshot verbatim.

Remote failures never escape as panics or errors from SyncToRemote; they
are reported in Result.

SEE ALSO:
  - remote.go: RemoteStore contract and MemoryRemote
  - scheduler.go: periodic queue draining
  - store/postgres: RemoteStore over the points table
*/
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/solanaverse/points-engine/events"
	"github.com/solanaverse/points-engine/points"
	"github.com/solanaverse/points-engine/storage"
)

var ErrPendingOperations = errors.New("queued operations still pending")

var DefaultBackoff = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	16 * time.Second,
}

const (
	DefaultFailureThreshold = 5
	DefaultCooldown         = 60 * time.Second
	DefaultWorkers          = 4
)

type Options struct {
	Backoff          []time.Duration
	FailureThreshold int
	Cooldown         time.Duration
	Workers          int
	Clock            func() time.Time
	// Sleep waits d or until ctx is done.
	Sleep  func(ctx context.Context, d time.Duration) error
	Logger *zap.Logger
	Events events.Emitter
}

type userState struct {
	failures  int
	openUntil time.Time
	lastSync  time.Time
	lastError string
}

type Engine struct {
	remote    RemoteStore
	storage   *storage.Manager
	backoff   []time.Duration
	threshold int
	cooldown  time.Duration
	workers   int
	clock     func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
	logger    *zap.Logger
	events    events.Emitter

	mu    sync.Mutex
	users map[string]*userState

	// one drain at a time per user
	drains cmap.ConcurrentMap[string, *sync.Mutex]
}

type nopEmitter struct{}

func (nopEmitter) Emit(events.Event) {}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func NewEngine(remote RemoteStore, store *storage.Manager, opts Options) *Engine {
	if len(opts.Backoff) == 0 {
		opts.Backoff = DefaultBackoff
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = DefaultFailureThreshold
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = DefaultCooldown
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Events == nil {
		opts.Events = nopEmitter{}
	}
	return &Engine{
		remote:    remote,
		storage:   store,
		backoff:   append([]time.Duration(nil), opts.Backoff...),
		threshold: opts.FailureThreshold,
		cooldown:  opts.Cooldown,
		workers:   opts.Workers,
		clock:     opts.Clock,
		sleep:     opts.Sleep,
		logger:    opts.Logger,
		events:    opts.Events,
		users:     make(map[string]*userState),
		drains:    cmap.New[*sync.Mutex](),
	}
}

// Result is the outcome of one sync. Err is kept for errors.Is.
type Result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Err     error  `json:"-"`
}

func failed(err error) Result {
	return Result{Success: false, Error: err.Error(), Err: err}
}

func (e *Engine) stateLocked(userID string) *userState {
	st, ok := e.users[userID]
	if !ok {
		st = &userState{}
		e.users[userID] = st
	}
	return st
}

// circuitOpen re-closes an expired breaker as a side effect.
func (e *Engine) circuitOpen(userID string) (bool, time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.users[userID]
	if !ok || st.openUntil.IsZero() {
		return false, time.Time{}
	}
	if e.clock().Before(st.openUntil) {
		return true, st.openUntil
	}
	st.openUntil = time.Time{}
	st.failures = 0
	e.logger.Info("circuit breaker closed", zap.String("user_id", userID))
	return false, time.Time{}
}

// =============================================================================
// PUSH
// =============================================================================

// SyncToRemote upserts data with retry. It fails immediately, without
// remote I/O, while the user's circuit breaker is open.
func (e *Engine) SyncToRemote(ctx context.Context, userID string, data points.PointsData) Result {
	if open, until := e.circuitOpen(userID); open {
		err := fmt.Errorf("%w for user %s until %s", points.ErrCircuitOpen, userID, until.Format(time.RFC3339))
		return failed(err)
	}

	previous := e.storage.GetSyncState(ctx, userID)
	e.storage.SetSyncState(ctx, userID, points.SyncStateSyncing)
	e.events.Emit(events.Event{Type: events.SyncStarted, UserID: userID})

	row := RowFromPoints(data)
	row.UserID = userID

	var lastErr error
	for attempt := 0; attempt < len(e.backoff); attempt++ {
		if attempt > 0 {
			if err := e.sleep(ctx, e.backoff[attempt-1]); err != nil {
				lastErr = err
				break
			}
		}
		lastErr = e.remote.Upsert(ctx, row)
		if lastErr == nil {
			e.recordSuccess(ctx, userID)
			return Result{Success: true}
		}
		e.logger.Debug("remote upsert failed",
			zap.String("user_id", userID),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr),
		)
	}

	// A cancellation is not a remote fault: the breaker and state are left
	// as they were before the attempt.
	if ctx.Err() != nil && errors.Is(lastErr, ctx.Err()) {
		e.storage.SetSyncState(context.WithoutCancel(ctx), userID, previous)
		e.logger.Debug("sync to remote interrupted", zap.String("user_id", userID), zap.Error(lastErr))
		return failed(fmt.Errorf("sync for user %s interrupted: %w", userID, lastErr))
	}

	err := fmt.Errorf("%w: %v", points.ErrRemoteUnavailable, lastErr)
	e.recordFailure(ctx, userID, err)
	return failed(err)
}

func (e *Engine) recordSuccess(ctx context.Context, userID string) {
	e.mu.Lock()
	st := e.stateLocked(userID)
	st.failures = 0
	st.lastSync = e.clock().UTC()
	st.lastError = ""
	e.mu.Unlock()

	e.storage.SetSyncState(ctx, userID, points.SyncStateSynced)
	e.events.Emit(events.Event{Type: events.SyncCompleted, UserID: userID})
}

func (e *Engine) recordFailure(ctx context.Context, userID string, err error) {
	e.mu.Lock()
	st := e.stateLocked(userID)
	st.failures++
	st.lastError = err.Error()
	failures := st.failures
	opened := false
	if failures >= e.threshold {
		st.openUntil = e.clock().Add(e.cooldown)
		opened = true
	}
	until := st.openUntil
	e.mu.Unlock()

	e.storage.SetSyncState(ctx, userID, points.SyncStateError)
	e.logger.Warn("sync to remote failed",
		zap.String("user_id", userID),
		zap.Int("failures", failures),
		zap.Error(err),
	)
	e.events.Emit(events.Event{Type: events.SyncFailed, UserID: userID, Data: err.Error()})

	if opened {
		e.logger.Warn("circuit breaker opened",
			zap.String("user_id", userID),
			zap.Time("until", until),
		)
		e.events.Emit(events.Event{Type: events.CircuitOpened, UserID: userID, Data: until})
	}
}

// =============================================================================
// PULL
// =============================================================================

func (e *Engine) fetch(ctx context.Context, userID string) (*points.PointsData, error) {
	if open, _ := e.circuitOpen(userID); open {
		return nil, points.ErrCircuitOpen
	}
	row, found, err := e.remote.FetchOne(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", points.ErrRemoteUnavailable, err)
	}
	if !found {
		return nil, nil
	}
	p := row.ToPoints()
	p.UserID = userID
	return &p, nil
}

// FetchFromRemote is a single best-effort read. Failures are logged and
// reported as nil.
func (e *Engine) FetchFromRemote(ctx context.Context, userID string) *points.PointsData {
	p, err := e.fetch(ctx, userID)
	if err != nil {
		e.logger.Warn("fetch from remote failed", zap.String("user_id", userID), zap.Error(err))
		return nil
	}
	return p
}

// ResolveConflict returns remote. Local changes not yet queued are discarded.
func (e *Engine) ResolveConflict(_ points.PointsData, remote points.PointsData) points.PointsData {
	return remote
}

// PullFromRemote replaces the cached snapshot with the remote one. Queued
// operations are drained first; if any remain the pull is refused with
// ErrPendingOperations. A user with no remote row yields (nil, nil).
func (e *Engine) PullFromRemote(ctx context.Context, userID string) (*points.PointsData, error) {
	if e.storage.HasQueuedOperations(ctx, userID) {
		e.ProcessQueue(ctx, userID)
		if e.storage.HasQueuedOperations(ctx, userID) {
			return nil, ErrPendingOperations
		}
	}

	remote, err := e.fetch(ctx, userID)
	if err != nil {
		e.logger.Warn("pull from remote failed", zap.String("user_id", userID), zap.Error(err))
		return nil, err
	}
	if remote == nil {
		return nil, nil
	}

	local, _ := e.storage.GetPoints(userID)
	resolved := e.ResolveConflict(local, *remote)
	e.storage.SetPoints(ctx, resolved)
	e.storage.SetSyncState(ctx, userID, points.SyncStateSynced)

	e.events.Emit(events.Event{Type: events.PointsChanged, UserID: userID, Data: resolved})
	return &resolved, nil
}

// SubscribeToUpdates forwards remote row changes to cb as PointsData.
func (e *Engine) SubscribeToUpdates(ctx context.Context, userID string, cb func(points.PointsData)) (func(), error) {
	unsubscribe, err := e.remote.Subscribe(ctx, userID, func(r Row) {
		p := r.ToPoints()
		p.UserID = userID
		cb(p)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to remote updates for %s: %w", userID, err)
	}
	return unsubscribe, nil
}

// =============================================================================
// QUEUE
// =============================================================================

// QueueOperation records a pending remote write of snapshot for userID.
func (e *Engine) QueueOperation(ctx context.Context, userID string, opType points.OperationType, snapshot points.PointsData) (points.SyncOperation, error) {
	op, err := points.NewSyncOperation(uuid.NewString(), opType, snapshot, e.clock())
	if err != nil {
		return points.SyncOperation{}, err
	}
	e.storage.QueueOperation(ctx, userID, op)
	return op, nil
}

type QueueResult struct {
	UserID    string `json:"userId"`
	Processed int    `json:"processed"`
	Failed    int    `json:"failed"`
	Dropped   int    `json:"dropped"`
	Remaining int    `json:"remaining"`
}

// ProcessQueue drains userID's queue. Concurrent drains of one user are
// serialized.
func (e *Engine) ProcessQueue(ctx context.Context, userID string) QueueResult {
	lock := e.drains.Upsert(userID, nil, func(exist bool, v, _ *sync.Mutex) *sync.Mutex {
		if exist {
			return v
		}
		return &sync.Mutex{}
	})
	lock.Lock()
	defer lock.Unlock()

	res := QueueResult{UserID: userID}

	for _, op := range e.storage.GetQueue(ctx, userID) {
		if ctx.Err() != nil {
			break
		}

		snapshot, err := op.Snapshot()
		if err != nil {
			e.logger.Error("dropping undecodable sync operation",
				zap.String("user_id", userID), zap.String("op_id", op.ID), zap.Error(err))
			e.storage.RemoveFromQueue(ctx, userID, op.ID)
			res.Failed++
			res.Dropped++
			continue
		}

		result := e.SyncToRemote(ctx, userID, snapshot)
		if result.Success {
			e.storage.RemoveFromQueue(ctx, userID, op.ID)
			res.Processed++
			continue
		}
		if errors.Is(result.Err, points.ErrCircuitOpen) || ctx.Err() != nil {
			break
		}

		res.Failed++
		retries := op.RetryCount + 1
		if retries >= len(e.backoff) {
			e.logger.Warn("dropping sync operation after retry budget",
				zap.String("user_id", userID), zap.String("op_id", op.ID), zap.Int("retries", retries))
			e.storage.RemoveFromQueue(ctx, userID, op.ID)
			res.Dropped++
		} else {
			e.storage.UpdateOperationRetryCount(ctx, userID, op.ID, retries)
		}
		break
	}

	res.Remaining = e.storage.GetQueueSize(ctx, userID)
	if res.Processed > 0 || res.Failed > 0 {
		e.events.Emit(events.Event{Type: events.QueueProcessed, UserID: userID, Data: res})
	}
	return res
}

// ProcessAllQueues drains every user with queued work on a bounded pool.
func (e *Engine) ProcessAllQueues(ctx context.Context) []QueueResult {
	users := e.storage.QueuedUsers(ctx)
	if len(users) == 0 {
		return nil
	}

	p := pool.NewWithResults[QueueResult]().WithMaxGoroutines(e.workers)
	for _, userID := range users {
		userID := userID
		p.Go(func() QueueResult {
			return e.ProcessQueue(ctx, userID)
		})
	}
	return p.Wait()
}

// =============================================================================
// STATUS
// =============================================================================

type Status struct {
	UserID       string           `json:"userId"`
	State        points.SyncState `json:"state"`
	FailureCount int              `json:"failureCount"`
	CircuitOpen  bool             `json:"circuitOpen"`
	OpenUntil    *time.Time       `json:"openUntil,omitempty"`
	LastSync     *time.Time       `json:"lastSync,omitempty"`
	LastError    string           `json:"lastError,omitempty"`
	QueueSize    int              `json:"queueSize"`
}

func (e *Engine) GetStatus(ctx context.Context, userID string) Status {
	open, until := e.circuitOpen(userID)
	s := Status{
		UserID:      userID,
		State:       e.storage.GetSyncState(ctx, userID),
		CircuitOpen: open,
		QueueSize:   e.storage.GetQueueSize(ctx, userID),
	}
	if open {
		s.OpenUntil = &until
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.users[userID]; ok {
		s.FailureCount = st.failures
		s.LastError = st.lastError
		if !st.lastSync.IsZero() {
			last := st.lastSync
			s.LastSync = &last
		}
	}
	return s
}

func (e *Engine) GetFailureCount(userID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.users[userID]; ok {
		return st.failures
	}
	return 0
}

func (e *Engine) IsCircuitOpen(userID string) bool {
	open, _ := e.circuitOpen(userID)
	return open
}

// ClearSyncState forgets failures and breaker state for userID and resets
// its durable sync state to synced.
func (e *Engine) ClearSyncState(ctx context.Context, userID string) {
	e.mu.Lock()
	delete(e.users, userID)
	e.mu.Unlock()
	e.storage.SetSyncState(ctx, userID, points.SyncStateSynced)
}

// ClearAllSyncState forgets failures and breaker state for every user.
func (e *Engine) ClearAllSyncState() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.users = make(map[string]*userState)
}
