/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the engine with realistic
	data for demos. Each scenario seeds one or more demo-* users through
	PointsAPI, so the ledger, queue and events see exactly what a real
	client would produce.

AVAILABLE SCENARIOS:

	legacy-import:  User migrated from pre-ledger balances
	active-trader:  Credits, a purchase and transfers between two users
	offline-queue:  Several quick mutations waiting in the sync queue

HOW SCENARIOS WORK:
 1. Initialize each scenario user
 2. Apply operations via PointsAPI (batch, migrate, transfer)
 3. Report the resulting snapshots

The ledger is append-only, so scenarios never reset anything. Loading a
scenario twice applies its operations twice (legacy import excepted,
which runs once per user).

USAGE VIA API:

	POST /api/scenarios/load
	{"scenarioId": "active-trader"}

SEE ALSO:
  - handlers.go: Handler
  - pointsapi/batch.go: BatchOperations, MigrateLegacy
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/solanaverse/points-engine/points"
	"github.com/solanaverse/points-engine/pointsapi"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "legacy-import",
		Name:        "Legacy Import",
		Description: "Pre-ledger balances imported once as add transactions",
		Users:       []string{"demo-alice"},
	},
	{
		ID:          "active-trader",
		Name:        "Active Trader",
		Description: "Airdrop, purchase, rewards and a transfer to a friend",
		Users:       []string{"demo-bob", "demo-carol"},
	},
	{
		ID:          "offline-queue",
		Name:        "Offline Queue",
		Description: "Rapid mutations queued for the remote store",
		Users:       []string{"demo-dave"},
	},
}

func (h *Handler) loaders() map[string]func(context.Context) error {
	return map[string]func(context.Context) error{
		"legacy-import": h.loadLegacyImportScenario,
		"active-trader": h.loadActiveTraderScenario,
		"offline-queue": h.loadOfflineQueueScenario,
	}
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the last loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario seeds a scenario and returns its users' snapshots.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decode(w, r, &req) {
		return
	}

	load, ok := h.loaders()[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}
	if err := load(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load scenario", err)
		return
	}

	h.mu.Lock()
	h.currentScenario = req.ScenarioID
	h.mu.Unlock()

	snapshots := make(map[string]*points.PointsData)
	for _, s := range scenarios {
		if s.ID != req.ScenarioID {
			continue
		}
		for _, userID := range s.Users {
			snapshots[userID] = h.points.GetPoints(r.Context(), userID)
		}
	}
	writeJSON(w, http.StatusOK, snapshots)
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) initUsers(ctx context.Context, userIDs ...string) error {
	for _, id := range userIDs {
		if _, err := h.points.InitializeUser(ctx, id); err != nil {
			return fmt.Errorf("init %s: %w", id, err)
		}
	}
	return nil
}

func (h *Handler) loadLegacyImportScenario(ctx context.Context) error {
	if err := h.initUsers(ctx, "demo-alice"); err != nil {
		return err
	}
	res := h.points.MigrateLegacy(ctx, "demo-alice", pointsapi.LegacyBalances{
		Alpha:   500,
		Rewards: 120,
		Balance: 50,
	})
	if !res.Success {
		return res.Err
	}
	return nil
}

func (h *Handler) loadActiveTraderScenario(ctx context.Context) error {
	if err := h.initUsers(ctx, "demo-bob", "demo-carol"); err != nil {
		return err
	}
	res := h.points.BatchOperations(ctx, []pointsapi.Operation{
		{Type: points.OpAdd, UserID: "demo-bob", Amount: 1000, PointsType: points.TypeAlpha, Reason: "airdrop"},
		{Type: points.OpAdd, UserID: "demo-bob", Amount: 75, PointsType: points.TypeRewards, Reason: "daily streak"},
		{Type: points.OpSubtract, UserID: "demo-bob", Amount: 250, PointsType: points.TypeAlpha, Reason: "marketplace purchase"},
		{Type: points.OpTransfer, UserID: "demo-bob", ToUserID: "demo-carol", Amount: 100, PointsType: points.TypeAlpha, Reason: "gift"},
		{Type: points.OpAdd, UserID: "demo-carol", Amount: 20, PointsType: points.TypeBalance, Reason: "deposit"},
	})
	if !res.Success {
		return errors.New(strings.Join(res.Errors, "; "))
	}
	return nil
}

func (h *Handler) loadOfflineQueueScenario(ctx context.Context) error {
	if err := h.initUsers(ctx, "demo-dave"); err != nil {
		return err
	}
	for i := 1; i <= 5; i++ {
		res := h.points.AddPoints(ctx, "demo-dave", int64(10*i), points.TypeRewards, fmt.Sprintf("quest %d", i))
		if !res.Success {
			return res.Err
		}
	}
	return nil
}
