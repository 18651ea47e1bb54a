package pointsapi

import (
	"fmt"
	"strings"

	"github.com/solanaverse/points-engine/points"
)

func validateUserID(field, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return &points.ValidationError{Field: field, Message: "user id must be a non-empty string", Err: points.ErrInvalidUserID}
	}
	return nil
}

func (a *API) validateAmount(amount int64) error {
	if amount <= 0 {
		return &points.ValidationError{Field: "amount", Message: "amount must be a positive integer", Err: points.ErrInvalidAmount}
	}
	if amount > a.maxAmount {
		return &points.ValidationError{
			Field:   "amount",
			Message: fmt.Sprintf("amount %d exceeds maximum %d", amount, a.maxAmount),
			Err:     points.ErrAmountTooLarge,
		}
	}
	return nil
}

func (a *API) validateType(pointsType points.PointsType) error {
	if v := a.types.ValidateType(string(pointsType)); !v.Valid {
		return &points.ValidationError{Field: "pointsType", Message: v.Error, Err: points.ErrInvalidPointsType}
	}
	return nil
}

func (a *API) validateMutation(userID string, amount int64, pointsType points.PointsType) error {
	if err := validateUserID("userId", userID); err != nil {
		return err
	}
	if err := a.validateAmount(amount); err != nil {
		return err
	}
	return a.validateType(pointsType)
}

func (a *API) validateTransfer(fromUserID, toUserID string, amount int64, pointsType points.PointsType) error {
	if err := validateUserID("fromUserId", fromUserID); err != nil {
		return err
	}
	if err := validateUserID("toUserId", toUserID); err != nil {
		return err
	}
	if fromUserID == toUserID {
		return &points.ValidationError{Field: "toUserId", Message: "cannot transfer to the same user", Err: points.ErrSelfTransfer}
	}
	if err := a.validateAmount(amount); err != nil {
		return err
	}
	return a.validateType(pointsType)
}
