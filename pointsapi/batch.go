package pointsapi

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/solanaverse/points-engine/events"
	"github.com/solanaverse/points-engine/points"
)

// Operation is one entry of a batch. ToUserID is used by transfers only.
type Operation struct {
	Type       points.OperationType `json:"type"`
	UserID     string               `json:"userId"`
	ToUserID   string               `json:"toUserId,omitempty"`
	Amount     int64                `json:"amount"`
	PointsType points.PointsType    `json:"pointsType"`
	Reason     string               `json:"reason"`
}

type BatchResult struct {
	Success      bool                 `json:"success"`
	Transactions []points.Transaction `json:"transactions"`
	Errors       []string             `json:"errors"`
	OperationID  string               `json:"operationId"`
}

// BatchOperations runs ops in order, each committed independently. The
// result lists every transaction that was created and every error message;
// Success is true only when no operation failed.
func (a *API) BatchOperations(ctx context.Context, ops []Operation) BatchResult {
	res := BatchResult{
		Transactions: []points.Transaction{},
		Errors:       []string{},
		OperationID:  uuid.NewString(),
	}

	for i, op := range ops {
		var r Result
		switch op.Type {
		case points.OpAdd:
			r = a.AddPoints(ctx, op.UserID, op.Amount, op.PointsType, op.Reason)
		case points.OpSubtract:
			r = a.SubtractPoints(ctx, op.UserID, op.Amount, op.PointsType, op.Reason)
		case points.OpTransfer:
			r = a.TransferPoints(ctx, op.UserID, op.ToUserID, op.Amount, op.PointsType, op.Reason)
		default:
			r = Result{Error: fmt.Sprintf("unknown operation type %q", op.Type)}
		}

		if !r.Success {
			res.Errors = append(res.Errors, fmt.Sprintf("operation %d (%s): %s", i, op.Type, r.Error))
			continue
		}
		if r.Transaction != nil {
			res.Transactions = append(res.Transactions, *r.Transaction)
		}
		res.Transactions = append(res.Transactions, r.Transactions...)
	}

	res.Success = len(res.Errors) == 0
	if !res.Success {
		a.logger.Info("batch completed with errors",
			zap.String("operation_id", res.OperationID),
			zap.Int("operations", len(ops)),
			zap.Int("errors", len(res.Errors)),
		)
	}
	a.events.Emit(events.Event{Type: events.BatchCompleted, Data: res})
	return res
}

// LegacyBalances are balances held before the ledger existed.
type LegacyBalances struct {
	Alpha   int64 `json:"alpha"`
	Rewards int64 `json:"rewards"`
	Balance int64 `json:"balance"`
}

const legacyReason = "legacy migration"

// MigrateLegacy imports legacy balances as add transactions, once per
// user. A second call succeeds without creating transactions. Zero
// balances are skipped; negative ones are rejected.
func (a *API) MigrateLegacy(ctx context.Context, userID string, legacy LegacyBalances) (res Result) {
	opID := uuid.NewString()
	defer a.guard(opID, &res)

	if err := validateUserID("userId", userID); err != nil {
		return a.fail(opID, err)
	}
	amounts := map[points.PointsType]int64{
		points.TypeAlpha:   legacy.Alpha,
		points.TypeRewards: legacy.Rewards,
		points.TypeBalance: legacy.Balance,
	}
	for _, t := range points.AllTypes {
		if amounts[t] < 0 {
			return a.fail(opID, &points.ValidationError{
				Field:   string(t),
				Message: "legacy balance must not be negative",
				Err:     points.ErrInvalidAmount,
			})
		}
	}

	unlock := a.lockUsers(userID)
	defer unlock()

	if a.storage.IsMigrated(ctx, userID) {
		return Result{Success: true, Transactions: []points.Transaction{}, OperationID: opID}
	}

	txs := []points.Transaction{}
	for _, t := range points.AllTypes {
		if amounts[t] == 0 {
			continue
		}
		tx, err := a.addLocked(ctx, userID, amounts[t], t, legacyReason)
		if err != nil {
			return a.fail(opID, err)
		}
		txs = append(txs, tx)
	}
	a.storage.SetMigrated(ctx, userID, true)

	a.logger.Info("legacy balances migrated",
		zap.String("user_id", userID),
		zap.Int("transactions", len(txs)),
	)
	return Result{Success: true, Transactions: txs, OperationID: opID}
}
