package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/m-cnan/thankan.ayyo/internal/middleware"
	"github.com/m-cnan/thankan.ayyo/internal/pool"
	"github.com/m-cnan/thankan.ayyo/internal/providers"
	"github.com/m-cnan/thankan.ayyo/internal/storage"
	"github.com/m-cnan/thankan.ayyo/internal/utils"
)

// AdminHandler serves the /admin endpoints.
type AdminHandler struct {
	pool   PoolAdmin
	ladder providers.Ladder
	ledger LedgerStore
	logger *slog.Logger
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(deps *Dependencies) *AdminHandler {
	return &AdminHandler{
		pool:   deps.Pool,
		ladder: deps.Dispatcher.Ladder(),
		ledger: deps.LedgerStore,
		logger: deps.logger().With("component", "admin"),
	}
}

// PoolStatusResponse is returned by GET /admin/pool.
type PoolStatusResponse struct {
	Snapshot    pool.Snapshot           `json:"snapshot"`
	CurrentTier providers.Tier          `json:"current_tier"`
	Ladder      providers.Ladder        `json:"ladder"`
	Credentials []pool.CredentialStatus `json:"credentials"`
}

func (h *AdminHandler) status() PoolStatusResponse {
	snap := h.pool.Snapshot()
	return PoolStatusResponse{
		Snapshot:    snap,
		CurrentTier: h.ladder.At(snap.Tier),
		Ladder:      h.ladder,
		Credentials: h.pool.Credentials(),
	}
}

// PoolStatus handles GET /admin/pool.
func (h *AdminHandler) PoolStatus(w http.ResponseWriter, r *http.Request) {
	utils.RespondWithJSON(w, http.StatusOK, h.status())
}

// Deescalate handles POST /admin/pool/deescalate. It refuses with 409 while
// no credential is available, since tier 0 would fail immediately.
func (h *AdminHandler) Deescalate(w http.ResponseWriter, r *http.Request) {
	admin, _ := middleware.GetAdminID(r.Context())
	if !h.pool.Deescalate() {
		utils.RespondWithError(w, http.StatusConflict, "No credential available; tier unchanged")
		return
	}
	h.logger.Info("Pool de-escalated by admin", "admin", admin)
	utils.RespondWithJSON(w, http.StatusOK, h.status())
}

// RecentDispatches handles GET /admin/ledger?limit=N.
func (h *AdminHandler) RecentDispatches(w http.ResponseWriter, r *http.Request) {
	if h.ledger == nil {
		utils.RespondWithError(w, http.StatusServiceUnavailable, "Ledger storage not configured")
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			utils.RespondWithError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = n
	}

	records, err := h.ledger.Recent(r.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to list ledger records", "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to list ledger records")
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, map[string]any{
		"records": records,
		"count":   len(records),
	})
}

// GetDispatch handles GET /admin/ledger/{requestID}.
func (h *AdminHandler) GetDispatch(w http.ResponseWriter, r *http.Request) {
	if h.ledger == nil {
		utils.RespondWithError(w, http.StatusServiceUnavailable, "Ledger storage not configured")
		return
	}

	rec, err := h.ledger.GetByRequestID(r.Context(), r.PathValue("requestID"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			utils.RespondWithError(w, http.StatusNotFound, "Dispatch not found")
			return
		}
		h.logger.Error("Failed to get ledger record", "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to get ledger record")
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, rec)
}
