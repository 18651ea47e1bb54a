/*
store.go - Persistence interface for ledger transactions

PURPOSE:
  Separates the ledger's query logic from where records live. A Store is
  append-only: it has no Update or Delete method, so immutability holds at
  the type level and not just by convention.

IMPLEMENTATIONS:
  - MemoryStore (this file): tests and single-process deployments
  - store/sqlite.LedgerStore: durable transactions table

SEE ALSO:
  - manager.go: id/timestamp assignment, history filters, aggregates
*/
package ledger

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/solanaverse/points-engine/points"
)

var ErrDuplicateTransactionID = errors.New("transaction id already exists")

// Store persists transactions. APPEND-ONLY.
type Store interface {
	// Append persists tx. Fails with ErrDuplicateTransactionID on id reuse.
	Append(ctx context.Context, tx points.Transaction) error

	// Get returns points.ErrTransactionNotFound for unknown ids.
	Get(ctx context.Context, id string) (points.Transaction, error)

	// LoadByUser returns the user's transactions ordered by Timestamp
	// ascending, ties in insertion order.
	LoadByUser(ctx context.Context, userID string) ([]points.Transaction, error)

	Count(ctx context.Context) (int, error)
}

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type MemoryStore struct {
	mu     sync.RWMutex
	byID   map[string]points.Transaction
	byUser map[string][]points.Transaction
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[string]points.Transaction),
		byUser: make(map[string][]points.Transaction),
	}
}

func (m *MemoryStore) Append(_ context.Context, tx points.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byID[tx.ID]; exists {
		return ErrDuplicateTransactionID
	}

	txs := m.byUser[tx.UserID]
	// Insert after every entry with Timestamp <= tx.Timestamp.
	i := sort.Search(len(txs), func(i int) bool {
		return txs[i].Timestamp.After(tx.Timestamp)
	})
	txs = append(txs, points.Transaction{})
	copy(txs[i+1:], txs[i:])
	txs[i] = tx

	m.byUser[tx.UserID] = txs
	m.byID[tx.ID] = tx
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (points.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.byID[id]
	if !ok {
		return points.Transaction{}, points.ErrTransactionNotFound
	}
	return tx, nil
}

func (m *MemoryStore) LoadByUser(_ context.Context, userID string) ([]points.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]points.Transaction, len(m.byUser[userID]))
	copy(result, m.byUser[userID])
	return result, nil
}

func (m *MemoryStore) Count(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID), nil
}
