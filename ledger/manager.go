/*
Package ledger is the append-only record of every balance change.

PURPOSE:
  Manager is the only way transactions come into existence. It assigns a
  unique id (snowflake) and a timestamp that never goes backwards, then
  hands the record to a Store. There is no update path: UpdateTransaction
  and DeleteTransaction exist only to fail with ErrTransactionImmutable.

CHAINING:
  For consecutive transactions of one user and one points type,
  balanceAfter(i) == balanceBefore(i+1). The ledger does not enforce this
  on write (the caller computes balances); VerifyChain checks it after the
  fact.

TRANSFERS:
  A transfer produces two records. The sender's record has
  balanceAfter < balanceBefore, the receiver's has balanceAfter >
  balanceBefore. Direction for aggregates is derived from that.

SEE ALSO:
  - store.go: Store interface and MemoryStore
  - store/sqlite: LedgerStore
*/
package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/solanaverse/points-engine/points"
)

type Options struct {
	// NodeID is the snowflake node (0-1023). Distinct processes writing
	// to one store need distinct ids.
	NodeID int64
	Clock  func() time.Time
	Logger *zap.Logger
}

type Manager struct {
	store  Store
	node   *snowflake.Node
	clock  func() time.Time
	logger *zap.Logger

	mu   sync.Mutex
	last time.Time
}

func NewManager(store Store, opts Options) (*Manager, error) {
	if store == nil {
		store = NewMemoryStore()
	}
	node, err := snowflake.NewNode(opts.NodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to create id generator: %w", err)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Manager{store: store, node: node, clock: opts.Clock, logger: opts.Logger}, nil
}

// NewTransaction holds the caller-supplied fields of a transaction.
type NewTransaction struct {
	UserID        string
	OperationType points.OperationType
	PointsType    points.PointsType
	Amount        int64
	Reason        string
	BalanceBefore int64
	BalanceAfter  int64
	RelatedUserID string
}

func (n NewTransaction) validate() error {
	if n.UserID == "" {
		return &points.ValidationError{Field: "userId", Message: "user id is required", Err: points.ErrInvalidUserID}
	}
	if !n.OperationType.IsValid() {
		return &points.ValidationError{Field: "operationType", Message: fmt.Sprintf("unknown operation %q", n.OperationType), Err: points.ErrInvalidOperation}
	}
	if _, err := points.ParsePointsType(string(n.PointsType)); err != nil {
		return err
	}
	if n.Amount <= 0 {
		return &points.ValidationError{Field: "amount", Message: "amount must be positive", Err: points.ErrInvalidAmount}
	}
	return nil
}

// =============================================================================
// WRITE PATH
// =============================================================================

// CreateTransaction assigns id and timestamp and stores the record.
func (m *Manager) CreateTransaction(ctx context.Context, n NewTransaction) (points.Transaction, error) {
	if err := n.validate(); err != nil {
		return points.Transaction{}, err
	}

	m.mu.Lock()
	ts := m.clock().UTC()
	if ts.Before(m.last) {
		ts = m.last
	}
	m.last = ts
	id := m.node.Generate().String()
	m.mu.Unlock()

	tx := points.Transaction{
		ID:            id,
		Timestamp:     ts,
		UserID:        n.UserID,
		OperationType: n.OperationType,
		PointsType:    n.PointsType,
		Amount:        n.Amount,
		Reason:        n.Reason,
		BalanceBefore: n.BalanceBefore,
		BalanceAfter:  n.BalanceAfter,
		RelatedUserID: n.RelatedUserID,
	}
	if err := m.store.Append(ctx, tx); err != nil {
		return points.Transaction{}, fmt.Errorf("failed to append transaction: %w", err)
	}

	m.logger.Debug("transaction created",
		zap.String("tx_id", tx.ID),
		zap.String("user_id", tx.UserID),
		zap.String("operation", string(tx.OperationType)),
		zap.String("points_type", string(tx.PointsType)),
		zap.Int64("amount", tx.Amount),
	)
	return tx, nil
}

// UpdateTransaction always fails. Transactions are facts.
func (m *Manager) UpdateTransaction(_ context.Context, id string, _ any) error {
	m.logger.Warn("rejected transaction update", zap.String("tx_id", id))
	return fmt.Errorf("update %s: %w", id, points.ErrTransactionImmutable)
}

// DeleteTransaction always fails. Transactions are facts.
func (m *Manager) DeleteTransaction(_ context.Context, id string) error {
	m.logger.Warn("rejected transaction delete", zap.String("tx_id", id))
	return fmt.Errorf("delete %s: %w", id, points.ErrTransactionImmutable)
}

// =============================================================================
// QUERIES
// =============================================================================

func (m *Manager) GetTransaction(ctx context.Context, id string) (points.Transaction, error) {
	return m.store.Get(ctx, id)
}

// Filter narrows GetHistory. Zero values are inactive; active predicates
// are AND-combined. StartDate and EndDate are inclusive.
type Filter struct {
	PointsType    points.PointsType
	OperationType points.OperationType
	StartDate     time.Time
	EndDate       time.Time
	Limit         int
	Offset        int
}

func (f Filter) matches(tx points.Transaction) bool {
	if f.PointsType != "" && tx.PointsType != f.PointsType {
		return false
	}
	if f.OperationType != "" && tx.OperationType != f.OperationType {
		return false
	}
	if !f.StartDate.IsZero() && tx.Timestamp.Before(f.StartDate) {
		return false
	}
	if !f.EndDate.IsZero() && tx.Timestamp.After(f.EndDate) {
		return false
	}
	return true
}

// GetHistory returns the user's transactions newest first. Records with
// equal timestamps are returned in reverse creation order.
func (m *Manager) GetHistory(ctx context.Context, userID string, f Filter) ([]points.Transaction, error) {
	txs, err := m.store.LoadByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load history for %s: %w", userID, err)
	}

	result := make([]points.Transaction, 0, len(txs))
	for i := len(txs) - 1; i >= 0; i-- {
		if f.matches(txs[i]) {
			result = append(result, txs[i])
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.After(result[j].Timestamp)
	})

	if f.Offset > 0 {
		if f.Offset >= len(result) {
			return []points.Transaction{}, nil
		}
		result = result[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(result) {
		result = result[:f.Limit]
	}
	return result, nil
}

func (m *Manager) Count(ctx context.Context) (int, error) {
	return m.store.Count(ctx)
}

// =============================================================================
// AGGREGATES
// =============================================================================

func isTransferIn(tx points.Transaction) bool {
	return tx.OperationType == points.OpTransfer && tx.IsCredit()
}

func isTransferOut(tx points.Transaction) bool {
	return tx.OperationType == points.OpTransfer && !tx.IsCredit()
}

func (m *Manager) sum(ctx context.Context, userID string, keep func(points.Transaction) bool, types []points.PointsType) (int64, error) {
	txs, err := m.store.LoadByUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, tx := range txs {
		if len(types) > 0 && !containsType(types, tx.PointsType) {
			continue
		}
		if keep(tx) {
			total += tx.Amount
		}
	}
	return total, nil
}

func containsType(types []points.PointsType, t points.PointsType) bool {
	for _, x := range types {
		if x == t {
			return true
		}
	}
	return false
}

// GetTotalPointsAdded sums add amounts, optionally restricted to types.
func (m *Manager) GetTotalPointsAdded(ctx context.Context, userID string, types ...points.PointsType) (int64, error) {
	return m.sum(ctx, userID, func(tx points.Transaction) bool { return tx.OperationType == points.OpAdd }, types)
}

func (m *Manager) GetTotalPointsSubtracted(ctx context.Context, userID string, types ...points.PointsType) (int64, error) {
	return m.sum(ctx, userID, func(tx points.Transaction) bool { return tx.OperationType == points.OpSubtract }, types)
}

func (m *Manager) GetTotalPointsTransferredIn(ctx context.Context, userID string, types ...points.PointsType) (int64, error) {
	return m.sum(ctx, userID, isTransferIn, types)
}

func (m *Manager) GetTotalPointsTransferredOut(ctx context.Context, userID string, types ...points.PointsType) (int64, error) {
	return m.sum(ctx, userID, isTransferOut, types)
}

// TypeStats are the per-type totals of one user.
type TypeStats struct {
	Added          int64 `json:"added"`
	Subtracted     int64 `json:"subtracted"`
	TransferredIn  int64 `json:"transferredIn"`
	TransferredOut int64 `json:"transferredOut"`
	Net            int64 `json:"net"`
}

type Statistics struct {
	UserID            string                          `json:"userId"`
	TotalTransactions int                             `json:"totalTransactions"`
	AddCount          int                             `json:"addCount"`
	SubtractCount     int                             `json:"subtractCount"`
	TransferInCount   int                             `json:"transferInCount"`
	TransferOutCount  int                             `json:"transferOutCount"`
	ByType            map[points.PointsType]TypeStats `json:"byType"`
	AverageAmount     decimal.Decimal                 `json:"averageAmount"`
	FirstTransaction  *time.Time                      `json:"firstTransaction,omitempty"`
	LastTransaction   *time.Time                      `json:"lastTransaction,omitempty"`
}

func (m *Manager) GetStatistics(ctx context.Context, userID string) (Statistics, error) {
	txs, err := m.store.LoadByUser(ctx, userID)
	if err != nil {
		return Statistics{}, fmt.Errorf("failed to load history for %s: %w", userID, err)
	}

	stats := Statistics{
		UserID:        userID,
		ByType:        make(map[points.PointsType]TypeStats, len(points.AllTypes)),
		AverageAmount: decimal.Zero,
	}
	for _, t := range points.AllTypes {
		stats.ByType[t] = TypeStats{}
	}
	if len(txs) == 0 {
		return stats, nil
	}

	var volume int64
	for _, tx := range txs {
		ts := stats.ByType[tx.PointsType]
		switch {
		case tx.OperationType == points.OpAdd:
			stats.AddCount++
			ts.Added += tx.Amount
			ts.Net += tx.Amount
		case tx.OperationType == points.OpSubtract:
			stats.SubtractCount++
			ts.Subtracted += tx.Amount
			ts.Net -= tx.Amount
		case isTransferIn(tx):
			stats.TransferInCount++
			ts.TransferredIn += tx.Amount
			ts.Net += tx.Amount
		default:
			stats.TransferOutCount++
			ts.TransferredOut += tx.Amount
			ts.Net -= tx.Amount
		}
		stats.ByType[tx.PointsType] = ts
		volume += tx.Amount
	}

	stats.TotalTransactions = len(txs)
	stats.AverageAmount = decimal.NewFromInt(volume).
		Div(decimal.NewFromInt(int64(len(txs)))).
		Round(2)
	first, last := txs[0].Timestamp, txs[len(txs)-1].Timestamp
	stats.FirstTransaction, stats.LastTransaction = &first, &last
	return stats, nil
}

// =============================================================================
// CHAIN VERIFICATION
// =============================================================================

// ChainError reports the first link where balances do not chain.
type ChainError struct {
	UserID        string
	PointsType    points.PointsType
	TransactionID string
	Expected      int64 // balanceAfter of the previous record
	Actual        int64 // balanceBefore of this record
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("ledger chain broken for user %s (%s) at %s: expected balanceBefore %d, got %d",
		e.UserID, e.PointsType, e.TransactionID, e.Expected, e.Actual)
}

// VerifyChain checks balanceAfter(i) == balanceBefore(i+1) for every
// points type of userID, in creation order.
func (m *Manager) VerifyChain(ctx context.Context, userID string) error {
	txs, err := m.store.LoadByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to load history for %s: %w", userID, err)
	}
	prev := make(map[points.PointsType]points.Transaction)
	for _, tx := range txs {
		if p, ok := prev[tx.PointsType]; ok && p.BalanceAfter != tx.BalanceBefore {
			return &ChainError{
				UserID:        userID,
				PointsType:    tx.PointsType,
				TransactionID: tx.ID,
				Expected:      p.BalanceAfter,
				Actual:        tx.BalanceBefore,
			}
		}
		prev[tx.PointsType] = tx
	}
	return nil
}
