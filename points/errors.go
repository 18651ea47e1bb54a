/*
errors.go - Centralized error types for the points ledger

ERROR CATEGORIES:
  1. Validation errors - bad user id, amount or points type
  2. Business-rule errors - insufficient balance, unknown user
  3. Persistence errors - durable mirror faults (logged, never returned to callers of the façade)
  4. Remote sync errors - upstream failures, open circuit breaker
  5. Invariant violations - attempts to edit or delete a transaction

USAGE:
    if errors.Is(err, points.ErrInsufficientBalance) {
        var ib *points.InsufficientBalanceError
        errors.As(err, &ib)
    }
*/
package points

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrInvalidUserID     = errors.New("invalid user id")
	ErrInvalidAmount     = errors.New("amount must be a positive integer")
	ErrAmountTooLarge    = errors.New("amount exceeds maximum")
	ErrInvalidPointsType = errors.New("invalid points type")
	ErrInvalidOperation  = errors.New("invalid operation type")
	ErrSelfTransfer      = errors.New("cannot transfer points to the same user")

	ErrUserNotFound        = errors.New("user not found")
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrTransactionImmutable is returned for every edit or delete attempt.
	// It signals a programming error, not an operational one.
	ErrTransactionImmutable = errors.New("transactions are immutable")
	ErrTransactionNotFound  = errors.New("transaction not found")

	ErrCorruptSnapshot = errors.New("corrupt points snapshot")

	ErrCircuitOpen       = errors.New("circuit breaker open")
	ErrRemoteUnavailable = errors.New("remote store unavailable")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError reports which input failed and why.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	UserID     string
	PointsType PointsType
	Available  int64
	Requested  int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: user %s has %d %s, requested %d (shortfall %d)",
		e.UserID, e.Available, e.PointsType, e.Requested, e.Shortfall())
}

func (e *InsufficientBalanceError) Shortfall() int64 { return e.Requested - e.Available }

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidUserID) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrAmountTooLarge) ||
		errors.Is(err, ErrInvalidPointsType) ||
		errors.Is(err, ErrInvalidOperation) ||
		errors.Is(err, ErrSelfTransfer) ||
		errors.Is(err, ErrInsufficientBalance)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrUserNotFound) || errors.Is(err, ErrTransactionNotFound)
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRemoteUnavailable)
}

func invalidTypeMessage(s string) string {
	valid := make([]string, len(AllTypes))
	for i, t := range AllTypes {
		valid[i] = string(t)
	}
	return fmt.Sprintf("invalid points type %q, must be one of: %s", s, strings.Join(valid, ", "))
}
