package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/solanaverse/points-engine/ledger"
	"github.com/solanaverse/points-engine/points"
)

// =============================================================================
// LEDGER STORE - ledger.Store over the transactions table
// =============================================================================

type LedgerStore struct {
	store *Store
}

// tsLayout is fixed width so timestamps sort lexically.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

const txColumns = `id, user_id, operation_type, points_type, amount, reason,
	balance_before, balance_after, related_user_id, timestamp`

func (l *LedgerStore) Append(ctx context.Context, tx points.Transaction) error {
	l.store.mu.Lock()
	defer l.store.mu.Unlock()

	_, err := l.store.db.ExecContext(ctx, `
		INSERT INTO transactions (`+txColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		tx.ID,
		tx.UserID,
		tx.OperationType,
		tx.PointsType,
		tx.Amount,
		tx.Reason,
		tx.BalanceBefore,
		tx.BalanceAfter,
		nullString(tx.RelatedUserID),
		tx.Timestamp.UTC().Format(tsLayout),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateTransactionID
		}
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

func (l *LedgerStore) Get(ctx context.Context, id string) (points.Transaction, error) {
	l.store.mu.RLock()
	defer l.store.mu.RUnlock()

	row := l.store.db.QueryRowContext(ctx, "SELECT "+txColumns+" FROM transactions WHERE id = ?", id)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return points.Transaction{}, points.ErrTransactionNotFound
	}
	return tx, err
}

// LoadByUser returns timestamp order; ties keep insertion order.
func (l *LedgerStore) LoadByUser(ctx context.Context, userID string) ([]points.Transaction, error) {
	l.store.mu.RLock()
	defer l.store.mu.RUnlock()

	rows, err := l.store.db.QueryContext(ctx,
		"SELECT "+txColumns+" FROM transactions WHERE user_id = ? ORDER BY timestamp ASC, seq ASC", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	result := []points.Transaction{}
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, tx)
	}
	return result, rows.Err()
}

func (l *LedgerStore) Count(ctx context.Context) (int, error) {
	l.store.mu.RLock()
	defer l.store.mu.RUnlock()

	var n int
	err := l.store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM transactions").Scan(&n)
	return n, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTransaction(s scanner) (points.Transaction, error) {
	var (
		tx      points.Transaction
		reason  sql.NullString
		related sql.NullString
		ts      string
	)
	err := s.Scan(
		&tx.ID,
		&tx.UserID,
		&tx.OperationType,
		&tx.PointsType,
		&tx.Amount,
		&reason,
		&tx.BalanceBefore,
		&tx.BalanceAfter,
		&related,
		&ts,
	)
	if err != nil {
		return points.Transaction{}, err
	}
	tx.Reason = reason.String
	tx.RelatedUserID = related.String
	tx.Timestamp, err = time.Parse(tsLayout, ts)
	if err != nil {
		return points.Transaction{}, fmt.Errorf("invalid timestamp on %s: %w", tx.ID, err)
	}
	return tx, nil
}
