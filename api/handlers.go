/*
handlers.go - HTTP API handlers for the points engine

PURPOSE:
  Exposes PointsAPI, the ledger, the sync engine and storage diagnostics
  via REST. Handles HTTP request/response and JSON serialization, and
  delegates to domain logic.

ENDPOINTS:
  Types:
    GET    /api/types                       List points types
    GET    /api/types/{type}                Metadata of one type

  Points:
    GET    /api/users/{id}/points           Snapshot (404 if unknown)
    GET    /api/users/{id}/balance?type=    One balance (0 if unknown)
    POST   /api/users/{id}/init             Restore/pull and return snapshot
    POST   /api/users/{id}/add              Credit
    POST   /api/users/{id}/subtract         Debit
    POST   /api/users/{id}/migrate          One-time legacy import
    POST   /api/transfers                   Move points between users
    POST   /api/batch                       Best-effort batch

  Ledger:
    GET    /api/users/{id}/transactions     History with filters
    GET    /api/users/{id}/statistics       Aggregates and chain check
    GET    /api/transactions/{id}           One transaction
    PUT    /api/transactions/{id}           Always 409 (immutable)
    DELETE /api/transactions/{id}           Always 409 (immutable)

  Sync:
    GET    /api/users/{id}/sync             Status
    POST   /api/users/{id}/sync             Drain the user's queue
    DELETE /api/users/{id}/sync             Reset failures and breaker
    POST   /api/users/{id}/pull             Pull remote snapshot
    POST   /api/sync/drain                  Drain every queue

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, insufficient balance
  - 404: Unknown user or transaction
  - 409: Immutable transaction, pending queued operations
  - 503: Remote unavailable or circuit open
  - 500: Internal errors
  Mutations always return the pointsapi result body, whose "error" field
  carries the message.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/solanaverse/points-engine/events"
	"github.com/solanaverse/points-engine/ledger"
	"github.com/solanaverse/points-engine/points"
	"github.com/solanaverse/points-engine/pointsapi"
	"github.com/solanaverse/points-engine/storage"
	"github.com/solanaverse/points-engine/syncengine"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Deps are the services the handlers delegate to. Sync may be nil.
type Deps struct {
	Types          *points.TypeSystem
	Points         *pointsapi.API
	Ledger         *ledger.Manager
	Storage        *storage.Manager
	Sync           *syncengine.Engine
	Bus            *events.Bus
	Logger         *zap.Logger
	AllowedOrigins []string
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	types   *points.TypeSystem
	points  *pointsapi.API
	ledger  *ledger.Manager
	storage *storage.Manager
	sync    *syncengine.Engine
	bus     *events.Bus
	logger  *zap.Logger

	allowedOrigins []string

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

func NewHandler(d Deps) *Handler {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Types == nil {
		d.Types = points.NewTypeSystem()
	}
	if len(d.AllowedOrigins) == 0 {
		d.AllowedOrigins = []string{"*"}
	}
	return &Handler{
		types:          d.Types,
		points:         d.Points,
		ledger:         d.Ledger,
		storage:        d.Storage,
		sync:           d.Sync,
		bus:            d.Bus,
		logger:         d.Logger.Named("api"),
		allowedOrigins: d.AllowedOrigins,
	}
}

var errSyncDisabled = errors.New("sync is not configured")

// =============================================================================
// TYPE HANDLERS
// =============================================================================

func (h *Handler) ListTypes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.types.GetAllTypes())
}

func (h *Handler) GetType(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "type")
	if v := h.types.ValidateType(name); !v.Valid {
		writeError(w, http.StatusNotFound, v.Error, nil)
		return
	}
	meta, err := h.types.GetMetadata(points.PointsType(name))
	if err != nil {
		writeError(w, http.StatusNotFound, "Unknown points type", err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

// =============================================================================
// POINTS HANDLERS
// =============================================================================

func (h *Handler) GetPoints(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	p := h.points.GetPoints(r.Context(), userID)
	if p == nil {
		writeError(w, http.StatusNotFound, "User not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// GetBalance defaults to the alpha type when ?type= is absent.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	name := r.URL.Query().Get("type")
	if name == "" {
		name = string(points.TypeAlpha)
	}
	if v := h.types.ValidateType(name); !v.Valid {
		writeError(w, http.StatusBadRequest, v.Error, nil)
		return
	}
	t := points.PointsType(name)
	writeJSON(w, http.StatusOK, BalanceDTO{
		UserID:     userID,
		PointsType: t,
		Balance:    h.points.GetBalance(r.Context(), userID, t),
	})
}

func (h *Handler) InitializeUser(w http.ResponseWriter, r *http.Request) {
	p, err := h.points.InitializeUser(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), "Failed to initialize user", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) AddPoints(w http.ResponseWriter, r *http.Request) {
	var req MutationRequest
	if !decode(w, r, &req) {
		return
	}
	res := h.points.AddPoints(r.Context(), chi.URLParam(r, "id"), req.Amount, points.PointsType(req.PointsType), req.Reason)
	writeResult(w, res)
}

func (h *Handler) SubtractPoints(w http.ResponseWriter, r *http.Request) {
	var req MutationRequest
	if !decode(w, r, &req) {
		return
	}
	res := h.points.SubtractPoints(r.Context(), chi.URLParam(r, "id"), req.Amount, points.PointsType(req.PointsType), req.Reason)
	writeResult(w, res)
}

func (h *Handler) TransferPoints(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if !decode(w, r, &req) {
		return
	}
	res := h.points.TransferPoints(r.Context(), req.FromUserID, req.ToUserID, req.Amount, points.PointsType(req.PointsType), req.Reason)
	writeResult(w, res)
}

// BatchOperations answers 200 even when some operations failed; the body
// lists every error.
func (h *Handler) BatchOperations(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if !decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, h.points.BatchOperations(r.Context(), req.Operations))
}

func (h *Handler) MigrateLegacy(w http.ResponseWriter, r *http.Request) {
	var req pointsapi.LegacyBalances
	if !decode(w, r, &req) {
		return
	}
	writeResult(w, h.points.MigrateLegacy(r.Context(), chi.URLParam(r, "id"), req))
}

// =============================================================================
// LEDGER HANDLERS
// =============================================================================

// GetTransactions accepts pointsType, operationType, start, end (RFC3339),
// limit and offset query parameters.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	f, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid filter", err)
		return
	}

	txs, err := h.ledger.GetHistory(r.Context(), userID, f)
	if err != nil {
		writeError(w, statusFor(err), "Failed to load history", err)
		return
	}
	writeJSON(w, http.StatusOK, HistoryDTO{
		UserID:       userID,
		Transactions: txs,
		Limit:        f.Limit,
		Offset:       f.Offset,
	})
}

func parseFilter(r *http.Request) (ledger.Filter, error) {
	q := r.URL.Query()
	f := ledger.Filter{
		PointsType:    points.PointsType(q.Get("pointsType")),
		OperationType: points.OperationType(q.Get("operationType")),
	}
	if f.PointsType != "" && !f.PointsType.IsValid() {
		return f, &points.ValidationError{Field: "pointsType", Message: "unknown points type", Err: points.ErrInvalidPointsType}
	}
	if f.OperationType != "" && !f.OperationType.IsValid() {
		return f, &points.ValidationError{Field: "operationType", Message: "unknown operation", Err: points.ErrInvalidOperation}
	}

	var err error
	if s := q.Get("start"); s != "" {
		if f.StartDate, err = time.Parse(time.RFC3339, s); err != nil {
			return f, err
		}
	}
	if s := q.Get("end"); s != "" {
		if f.EndDate, err = time.Parse(time.RFC3339, s); err != nil {
			return f, err
		}
	}
	if f.Limit, err = nonNegative(q.Get("limit")); err != nil {
		return f, err
	}
	if f.Offset, err = nonNegative(q.Get("offset")); err != nil {
		return f, err
	}
	return f, nil
}

func nonNegative(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, errors.New("must not be negative")
	}
	return n, nil
}

func (h *Handler) GetStatistics(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	stats, err := h.ledger.GetStatistics(r.Context(), userID)
	if err != nil {
		writeError(w, statusFor(err), "Failed to compute statistics", err)
		return
	}

	dto := StatisticsDTO{Statistics: stats, ChainValid: true}
	if err := h.ledger.VerifyChain(r.Context(), userID); err != nil {
		dto.ChainValid = false
		dto.ChainError = err.Error()
	}
	writeJSON(w, http.StatusOK, dto)
}

func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := h.ledger.GetTransaction(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), "Failed to get transaction", err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (h *Handler) UpdateTransaction(w http.ResponseWriter, r *http.Request) {
	err := h.ledger.UpdateTransaction(r.Context(), chi.URLParam(r, "id"), nil)
	writeError(w, statusFor(err), "Transactions cannot be modified", err)
}

func (h *Handler) DeleteTransaction(w http.ResponseWriter, r *http.Request) {
	err := h.ledger.DeleteTransaction(r.Context(), chi.URLParam(r, "id"))
	writeError(w, statusFor(err), "Transactions cannot be deleted", err)
}

// =============================================================================
// SYNC HANDLERS
// =============================================================================

func (h *Handler) requireSync(w http.ResponseWriter) bool {
	if h.sync == nil {
		writeError(w, http.StatusServiceUnavailable, "Sync unavailable", errSyncDisabled)
		return false
	}
	return true
}

func (h *Handler) GetSyncStatus(w http.ResponseWriter, r *http.Request) {
	if !h.requireSync(w) {
		return
	}
	writeJSON(w, http.StatusOK, h.sync.GetStatus(r.Context(), chi.URLParam(r, "id")))
}

func (h *Handler) ProcessQueue(w http.ResponseWriter, r *http.Request) {
	if !h.requireSync(w) {
		return
	}
	writeJSON(w, http.StatusOK, h.sync.ProcessQueue(r.Context(), chi.URLParam(r, "id")))
}

func (h *Handler) ClearSyncState(w http.ResponseWriter, r *http.Request) {
	if !h.requireSync(w) {
		return
	}
	userID := chi.URLParam(r, "id")
	h.sync.ClearSyncState(r.Context(), userID)
	writeJSON(w, http.StatusOK, h.sync.GetStatus(r.Context(), userID))
}

func (h *Handler) PullFromRemote(w http.ResponseWriter, r *http.Request) {
	if !h.requireSync(w) {
		return
	}
	p, err := h.points.PullFromRemote(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), "Pull failed", err)
		return
	}
	if p == nil {
		writeError(w, http.StatusNotFound, "No remote snapshot", nil)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) DrainQueues(w http.ResponseWriter, r *http.Request) {
	if !h.requireSync(w) {
		return
	}
	results := h.sync.ProcessAllQueues(r.Context())
	if results == nil {
		results = []syncengine.QueueResult{}
	}
	writeJSON(w, http.StatusOK, results)
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

func (h *Handler) StorageStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.storage.GetStorageStats(r.Context()))
}

// ExportStorage returns every durable key. Unreadable keys are left out
// and reported in the X-Export-Errors header.
func (h *Handler) ExportStorage(w http.ResponseWriter, r *http.Request) {
	data, err := h.storage.ExportData(r.Context())
	if err != nil {
		h.logger.Warn("partial export", zap.Error(err))
		w.Header().Set("X-Export-Errors", "true")
	}
	writeJSON(w, http.StatusOK, data)
}

func (h *Handler) ClearUserData(w http.ResponseWriter, r *http.Request) {
	if err := h.points.ClearUserData(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, statusFor(err), "Failed to clear user data", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func writeResult(w http.ResponseWriter, res pointsapi.Result) {
	status := http.StatusOK
	if !res.Success {
		status = statusFor(res.Err)
	}
	writeJSON(w, status, res)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case points.IsNotFound(err):
		return http.StatusNotFound
	case points.IsClientError(err):
		return http.StatusBadRequest
	case errors.Is(err, points.ErrTransactionImmutable), errors.Is(err, syncengine.ErrPendingOperations):
		return http.StatusConflict
	case errors.Is(err, points.ErrCircuitOpen), points.IsRetryable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
