/*
Package points provides the core types of the points ledger.

PURPOSE:
  Every other package (storage, ledger, syncengine, pointsapi) speaks in
  these types. Nothing in this package performs I/O.

KEY CONCEPTS IN THIS FILE (types.go):
  - PointsType:    One of three currencies (alpha, rewards, balance)
  - PointsData:    Per-user snapshot of all three balances
  - Transaction:   Immutable audit record of one balance change
  - SyncOperation: Queued unit of pending remote work

DESIGN PRINCIPLES:
  1. Transactions are facts. They are created once and never edited.
  2. Balances are a projection. A snapshot is replaced, never merged.
  3. Amounts are integers. Points never have fractional parts.

SEE ALSO:
  - typesystem.go: Metadata registry for the three types
  - errors.go: Sentinel and structured errors
*/
package points

import (
	"encoding/json"
	"fmt"
	"time"
)

// =============================================================================
// POINTS TYPE - Closed enumeration of currencies
// =============================================================================

type PointsType string

const (
	TypeAlpha   PointsType = "alpha"
	TypeRewards PointsType = "rewards"
	TypeBalance PointsType = "balance"
)

// AllTypes lists the valid points types in display order.
var AllTypes = []PointsType{TypeAlpha, TypeRewards, TypeBalance}

// IsValid reports whether t is exactly one of the three identifiers.
func (t PointsType) IsValid() bool {
	switch t {
	case TypeAlpha, TypeRewards, TypeBalance:
		return true
	}
	return false
}

func (t PointsType) String() string { return string(t) }

// ParsePointsType is case-sensitive: "Alpha" is not a valid type.
func ParsePointsType(s string) (PointsType, error) {
	t := PointsType(s)
	if !t.IsValid() {
		return "", &ValidationError{Field: "pointsType", Message: invalidTypeMessage(s), Err: ErrInvalidPointsType}
	}
	return t, nil
}

// =============================================================================
// OPERATION TYPE
// =============================================================================

type OperationType string

const (
	OpAdd      OperationType = "add"
	OpSubtract OperationType = "subtract"
	OpTransfer OperationType = "transfer"
)

func (o OperationType) IsValid() bool {
	switch o {
	case OpAdd, OpSubtract, OpTransfer:
		return true
	}
	return false
}

// =============================================================================
// POINTS DATA - Per-user snapshot
// =============================================================================

// PointsData is the authoritative cached balance of one user.
type PointsData struct {
	UserID      string    `json:"userId"`
	Alpha       int64     `json:"alpha"`
	Rewards     int64     `json:"rewards"`
	Balance     int64     `json:"balance"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// NewPointsData returns the all-zero snapshot a never-seen user starts with.
func NewPointsData(userID string, now time.Time) PointsData {
	return PointsData{UserID: userID, LastUpdated: now.UTC()}
}

// Get returns the balance for t, or 0 for an unknown type.
func (p PointsData) Get(t PointsType) int64 {
	switch t {
	case TypeAlpha:
		return p.Alpha
	case TypeRewards:
		return p.Rewards
	case TypeBalance:
		return p.Balance
	}
	return 0
}

// With returns a copy of p with the balance for t replaced.
func (p PointsData) With(t PointsType, value int64, now time.Time) PointsData {
	switch t {
	case TypeAlpha:
		p.Alpha = value
	case TypeRewards:
		p.Rewards = value
	case TypeBalance:
		p.Balance = value
	}
	p.LastUpdated = now.UTC()
	return p
}

// Validate checks the snapshot-level invariant: no balance is negative.
func (p PointsData) Validate() error {
	for _, t := range AllTypes {
		if p.Get(t) < 0 {
			return fmt.Errorf("%w: %s balance is %d for user %q", ErrCorruptSnapshot, t, p.Get(t), p.UserID)
		}
	}
	return nil
}

// =============================================================================
// TRANSACTION - Immutable fact record
// =============================================================================

type Transaction struct {
	ID            string        `json:"id"`
	Timestamp     time.Time     `json:"timestamp"`
	UserID        string        `json:"userId"`
	OperationType OperationType `json:"operationType"`
	PointsType    PointsType    `json:"pointsType"`
	Amount        int64         `json:"amount"`
	Reason        string        `json:"reason"`
	BalanceBefore int64         `json:"balanceBefore"`
	BalanceAfter  int64         `json:"balanceAfter"`
	RelatedUserID string        `json:"relatedUserId,omitempty"`
}

// IsCredit reports whether the transaction increased the user's balance.
// Transfers are credits on the receiving side and debits on the sending side.
func (t Transaction) IsCredit() bool { return t.BalanceAfter > t.BalanceBefore }

// =============================================================================
// SYNC - Queued remote work and last known status
// =============================================================================

// SyncOperation is one pending remote write. Data is opaque to the queue.
type SyncOperation struct {
	ID         string          `json:"id"`
	Type       OperationType   `json:"type"`
	Data       json.RawMessage `json:"data"`
	Timestamp  time.Time       `json:"timestamp"`
	RetryCount int             `json:"retryCount"`
}

// NewSyncOperation marshals payload into an operation ready to be queued.
func NewSyncOperation(id string, opType OperationType, payload any, now time.Time) (SyncOperation, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return SyncOperation{}, fmt.Errorf("failed to encode sync payload: %w", err)
	}
	return SyncOperation{ID: id, Type: opType, Data: data, Timestamp: now.UTC()}, nil
}

// Snapshot decodes the operation payload as a PointsData snapshot.
func (o SyncOperation) Snapshot() (PointsData, error) {
	var p PointsData
	if err := json.Unmarshal(o.Data, &p); err != nil {
		return PointsData{}, fmt.Errorf("failed to decode sync payload %s: %w", o.ID, err)
	}
	return p, nil
}

type SyncState string

const (
	SyncStateSynced  SyncState = "synced"
	SyncStateSyncing SyncState = "syncing"
	SyncStateError   SyncState = "error"
)
