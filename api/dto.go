/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Domain results
  (pointsapi.Result, ledger.Statistics, syncengine.Status) are returned
  as-is; this file holds request bodies and the few wrappers the HTTP
  layer adds.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Validation is done by pointsapi, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"github.com/solanaverse/points-engine/ledger"
	"github.com/solanaverse/points-engine/points"
	"github.com/solanaverse/points-engine/pointsapi"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// MutationRequest is the body of add and subtract calls.
type MutationRequest struct {
	Amount     int64  `json:"amount"`
	PointsType string `json:"pointsType"`
	Reason     string `json:"reason"`
}

type TransferRequest struct {
	FromUserID string `json:"fromUserId"`
	ToUserID   string `json:"toUserId"`
	Amount     int64  `json:"amount"`
	PointsType string `json:"pointsType"`
	Reason     string `json:"reason"`
}

type BatchRequest struct {
	Operations []pointsapi.Operation `json:"operations"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenarioId"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

type BalanceDTO struct {
	UserID     string            `json:"userId"`
	PointsType points.PointsType `json:"pointsType"`
	Balance    int64             `json:"balance"`
}

// HistoryDTO is one page of a user's history, newest first.
type HistoryDTO struct {
	UserID       string               `json:"userId"`
	Transactions []points.Transaction `json:"transactions"`
	Limit        int                  `json:"limit,omitempty"`
	Offset       int                  `json:"offset,omitempty"`
}

// StatisticsDTO adds the ledger chain check to the aggregates.
type StatisticsDTO struct {
	ledger.Statistics
	ChainValid bool   `json:"chainValid"`
	ChainError string `json:"chainError,omitempty"`
}

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Users       []string `json:"users"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
