/*
Package pointsapi is the façade the rest of the application talks to.

PURPOSE:
  Validates input, reads the current snapshot, records a ledger
  transaction, writes the new snapshot, queues the remote write and emits
  events. It owns no state besides per-user locks.

RESULTS:
  Mutating operations never return an error or panic. They return a
  Result whose OperationID is generated before validation so every call,
  including rejected ones, can be correlated in logs.

LOCKING:
  Every mutation runs under the affected user's mutex. A transfer takes
  both users' mutexes in lexical order, so two opposite transfers cannot
  deadlock. The check-then-write on a balance is therefore atomic per user.
  PullFromRemote and ClearUserData take the same mutex, so a pull or wipe
  never interleaves with a mutation.

BATCHES:
  BatchOperations is best-effort. Each operation commits on its own; a
  failure does not roll back earlier operations of the same batch.

SEE ALSO:
  - validation.go: input checks
  - batch.go: BatchOperations, MigrateLegacy
*/
package pointsapi

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
	"go.uber.org/zap"

	"github.com/solanaverse/points-engine/events"
	"github.com/solanaverse/points-engine/ledger"
	"github.com/solanaverse/points-engine/points"
	"github.com/solanaverse/points-engine/storage"
	"github.com/solanaverse/points-engine/syncengine"
)

const DefaultMaxAmount int64 = 1_000_000

// ErrSyncDisabled is returned by remote operations when no engine is wired.
var ErrSyncDisabled = errors.New("remote sync is not configured")

type Options struct {
	MaxAmount int64
	Clock     func() time.Time
	Logger    *zap.Logger
	Events    events.Emitter
	// Sync is optional. Without it no remote work is queued or pulled.
	Sync *syncengine.Engine
}

type API struct {
	types     *points.TypeSystem
	storage   *storage.Manager
	ledger    *ledger.Manager
	sync      *syncengine.Engine
	events    events.Emitter
	maxAmount int64
	clock     func() time.Time
	logger    *zap.Logger
	locks     cmap.ConcurrentMap[string, *sync.Mutex]
}

type nopEmitter struct{}

func (nopEmitter) Emit(events.Event) {}

func New(types *points.TypeSystem, store *storage.Manager, lm *ledger.Manager, opts Options) *API {
	if types == nil {
		types = points.NewTypeSystem()
	}
	if opts.MaxAmount <= 0 {
		opts.MaxAmount = DefaultMaxAmount
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Events == nil {
		opts.Events = nopEmitter{}
	}
	return &API{
		types:     types,
		storage:   store,
		ledger:    lm,
		sync:      opts.Sync,
		events:    opts.Events,
		maxAmount: opts.MaxAmount,
		clock:     opts.Clock,
		logger:    opts.Logger,
		locks:     cmap.New[*sync.Mutex](),
	}
}

// Result is the outcome of one mutating call. Err is kept for errors.Is.
type Result struct {
	Success      bool                 `json:"success"`
	Transaction  *points.Transaction  `json:"transaction,omitempty"`
	Transactions []points.Transaction `json:"transactions,omitempty"`
	Error        string               `json:"error,omitempty"`
	Err          error                `json:"-"`
	OperationID  string               `json:"operationId"`
}

func (a *API) fail(opID string, err error) Result {
	return Result{Success: false, Error: err.Error(), Err: err, OperationID: opID}
}

// PointsChange is the Data of a points-changed event.
type PointsChange struct {
	Points        points.PointsData `json:"points"`
	PointsType    points.PointsType `json:"pointsType"`
	Delta         int64             `json:"delta"`
	TransactionID string            `json:"transactionId"`
}

// =============================================================================
// LOCKING
// =============================================================================

func (a *API) userLock(userID string) *sync.Mutex {
	return a.locks.Upsert(userID, nil, func(exist bool, inMap, _ *sync.Mutex) *sync.Mutex {
		if exist {
			return inMap
		}
		return &sync.Mutex{}
	})
}

// lockUsers locks each distinct user in lexical order.
func (a *API) lockUsers(userIDs ...string) func() {
	ids := append([]string(nil), userIDs...)
	sort.Strings(ids)
	var held []*sync.Mutex
	for i, id := range ids {
		if i > 0 && ids[i-1] == id {
			continue
		}
		mu := a.userLock(id)
		mu.Lock()
		held = append(held, mu)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}

// guard converts a panic inside a façade call into a failed Result.
func (a *API) guard(opID string, res *Result) {
	if rec := recover(); rec != nil {
		a.logger.Error("points operation panicked", zap.String("operation_id", opID), zap.Any("panic", rec))
		*res = a.fail(opID, fmt.Errorf("internal error: %v", rec))
	}
}

// =============================================================================
// READS
// =============================================================================

// GetPoints returns the user's snapshot, or nil for an unknown user.
func (a *API) GetPoints(ctx context.Context, userID string) *points.PointsData {
	p, found, err := a.storage.LoadPoints(ctx, userID)
	if err != nil {
		a.logger.Warn("failed to load points", zap.String("user_id", userID), zap.Error(err))
		return nil
	}
	if !found {
		return nil
	}
	return &p
}

// GetBalance is 0 for an unknown user or points type.
func (a *API) GetBalance(ctx context.Context, userID string, pointsType points.PointsType) int64 {
	if !pointsType.IsValid() {
		return 0
	}
	p := a.GetPoints(ctx, userID)
	if p == nil {
		return 0
	}
	return p.Get(pointsType)
}

// =============================================================================
// MUTATIONS
// =============================================================================

// AddPoints credits amount. A never-seen user starts from zero balances.
func (a *API) AddPoints(ctx context.Context, userID string, amount int64, pointsType points.PointsType, reason string) (res Result) {
	opID := uuid.NewString()
	defer a.guard(opID, &res)

	if err := a.validateMutation(userID, amount, pointsType); err != nil {
		return a.fail(opID, err)
	}

	unlock := a.lockUsers(userID)
	defer unlock()

	tx, err := a.addLocked(ctx, userID, amount, pointsType, reason)
	if err != nil {
		return a.fail(opID, err)
	}
	return Result{Success: true, Transaction: &tx, OperationID: opID}
}

func (a *API) addLocked(ctx context.Context, userID string, amount int64, pointsType points.PointsType, reason string) (points.Transaction, error) {
	current, found, err := a.storage.LoadPoints(ctx, userID)
	if err != nil {
		return points.Transaction{}, err
	}
	if !found {
		current = points.NewPointsData(userID, a.clock())
	}
	return a.apply(ctx, current, points.OpAdd, pointsType, amount, amount, reason, "")
}

// SubtractPoints debits amount. The user must exist and hold enough.
func (a *API) SubtractPoints(ctx context.Context, userID string, amount int64, pointsType points.PointsType, reason string) (res Result) {
	opID := uuid.NewString()
	defer a.guard(opID, &res)

	if err := a.validateMutation(userID, amount, pointsType); err != nil {
		return a.fail(opID, err)
	}

	unlock := a.lockUsers(userID)
	defer unlock()

	current, err := a.existing(ctx, userID)
	if err != nil {
		return a.fail(opID, err)
	}
	if err := sufficient(current, pointsType, amount); err != nil {
		return a.fail(opID, err)
	}

	tx, err := a.apply(ctx, current, points.OpSubtract, pointsType, amount, -amount, reason, "")
	if err != nil {
		return a.fail(opID, err)
	}
	return Result{Success: true, Transaction: &tx, OperationID: opID}
}

// TransferPoints moves amount from one user to another and records one
// linked transaction on each side.
func (a *API) TransferPoints(ctx context.Context, fromUserID, toUserID string, amount int64, pointsType points.PointsType, reason string) (res Result) {
	opID := uuid.NewString()
	defer a.guard(opID, &res)

	if err := a.validateTransfer(fromUserID, toUserID, amount, pointsType); err != nil {
		return a.fail(opID, err)
	}

	unlock := a.lockUsers(fromUserID, toUserID)
	defer unlock()

	sender, err := a.existing(ctx, fromUserID)
	if err != nil {
		return a.fail(opID, err)
	}
	receiver, err := a.existing(ctx, toUserID)
	if err != nil {
		return a.fail(opID, err)
	}
	if err := sufficient(sender, pointsType, amount); err != nil {
		return a.fail(opID, err)
	}

	debit, err := a.apply(ctx, sender, points.OpTransfer, pointsType, amount, -amount, reason, toUserID)
	if err != nil {
		return a.fail(opID, err)
	}
	credit, err := a.apply(ctx, receiver, points.OpTransfer, pointsType, amount, amount, reason, fromUserID)
	if err != nil {
		a.logger.Error("transfer half-applied",
			zap.String("operation_id", opID),
			zap.String("debit_tx", debit.ID),
			zap.String("to_user_id", toUserID),
			zap.Error(err),
		)
		return a.fail(opID, err)
	}
	return Result{Success: true, Transactions: []points.Transaction{debit, credit}, OperationID: opID}
}

func (a *API) existing(ctx context.Context, userID string) (points.PointsData, error) {
	current, found, err := a.storage.LoadPoints(ctx, userID)
	if err != nil {
		return points.PointsData{}, err
	}
	if !found {
		return points.PointsData{}, fmt.Errorf("%w: %s", points.ErrUserNotFound, userID)
	}
	return current, nil
}

func sufficient(p points.PointsData, pointsType points.PointsType, amount int64) error {
	if available := p.Get(pointsType); available < amount {
		return &points.InsufficientBalanceError{
			UserID:     p.UserID,
			PointsType: pointsType,
			Available:  available,
			Requested:  amount,
		}
	}
	return nil
}

// apply records one ledger entry for current.UserID, then writes the new
// snapshot, queues it for the remote and emits events. Caller holds the
// user's lock.
func (a *API) apply(ctx context.Context, current points.PointsData, op points.OperationType, pointsType points.PointsType, amount, delta int64, reason, related string) (points.Transaction, error) {
	before := current.Get(pointsType)
	after := before + delta

	tx, err := a.ledger.CreateTransaction(ctx, ledger.NewTransaction{
		UserID:        current.UserID,
		OperationType: op,
		PointsType:    pointsType,
		Amount:        amount,
		Reason:        reason,
		BalanceBefore: before,
		BalanceAfter:  after,
		RelatedUserID: related,
	})
	if err != nil {
		return points.Transaction{}, err
	}

	updated := current.With(pointsType, after, a.clock())
	a.storage.SetPoints(ctx, updated)

	if a.sync != nil {
		if _, err := a.sync.QueueOperation(ctx, updated.UserID, op, updated); err != nil {
			a.logger.Warn("failed to queue sync operation", zap.String("user_id", updated.UserID), zap.Error(err))
		}
	}

	a.events.Emit(events.Event{Type: events.TransactionCreated, UserID: tx.UserID, Data: tx})
	a.events.Emit(events.Event{Type: events.PointsChanged, UserID: tx.UserID, Data: PointsChange{
		Points:        updated,
		PointsType:    pointsType,
		Delta:         delta,
		TransactionID: tx.ID,
	}})
	return tx, nil
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// InitializeUser prepares a user's snapshot for the session. It restores
// the durable copy and, when a remote is configured and nothing is
// queued, pulls the remote snapshot, which wins over the local one. A user
// unknown everywhere starts at zero and is stored, so later subtractions
// see an existing user.
func (a *API) InitializeUser(ctx context.Context, userID string) (points.PointsData, error) {
	if err := validateUserID("userId", userID); err != nil {
		return points.PointsData{}, err
	}

	unlock := a.lockUsers(userID)
	defer unlock()

	current, found, err := a.storage.LoadPoints(ctx, userID)
	if err != nil {
		a.logger.Warn("discarding unreadable snapshot", zap.String("user_id", userID), zap.Error(err))
		found = false
	}

	if a.sync != nil && !a.storage.HasQueuedOperations(ctx, userID) {
		pulled, err := a.sync.PullFromRemote(ctx, userID)
		if err != nil {
			a.logger.Warn("initial pull failed", zap.String("user_id", userID), zap.Error(err))
		} else if pulled != nil {
			return *pulled, nil
		}
	}

	if !found {
		current = points.NewPointsData(userID, a.clock())
		a.storage.SetPoints(ctx, current)
	}
	return current, nil
}

// PullFromRemote replaces the user's snapshot with the remote one. It
// holds the user's lock, so no mutation can commit between the engine's
// queue check and its cache write.
func (a *API) PullFromRemote(ctx context.Context, userID string) (*points.PointsData, error) {
	if err := validateUserID("userId", userID); err != nil {
		return nil, err
	}
	if a.sync == nil {
		return nil, ErrSyncDisabled
	}

	unlock := a.lockUsers(userID)
	defer unlock()
	return a.sync.PullFromRemote(ctx, userID)
}

// ClearUserData wipes the user's cache, queue, migration flag and sync
// state while holding the user's lock.
func (a *API) ClearUserData(ctx context.Context, userID string) error {
	if err := validateUserID("userId", userID); err != nil {
		return err
	}

	unlock := a.lockUsers(userID)
	defer unlock()
	if a.sync != nil {
		a.sync.ClearSyncState(ctx, userID)
	}
	a.storage.ClearUserData(ctx, userID)
	a.logger.Info("user data cleared", zap.String("user_id", userID))
	return nil
}
