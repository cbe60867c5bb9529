package httpapi

import (
	"net/http"

	"github.com/m-cnan/thankan.ayyo/internal/utils"
)

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Tier      int    `json:"tier"`
	Model     string `json:"model"`
	Total     int    `json:"total"`
	Available int    `json:"available"`
}

// handleHealth reports "ok", "degraded" when no credential is usable right
// now, or "unconfigured" without credentials. It always answers 200 so the
// process is not restarted for upstream quota pressure.
func (d *Dependencies) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := d.Pool.Snapshot()
	resp := HealthResponse{
		Status:    "ok",
		Tier:      snap.Tier,
		Model:     d.Dispatcher.Ladder().At(snap.Tier).Model,
		Total:     snap.Total,
		Available: snap.Available,
	}
	switch {
	case snap.Total == 0:
		resp.Status = "unconfigured"
	case snap.Exhausted():
		resp.Status = "degraded"
	}
	utils.RespondWithJSON(w, http.StatusOK, resp)
}

// ModeInfo is one entry of GET /api/modes.
type ModeInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ModesResponse is returned by GET /api/modes.
type ModesResponse struct {
	Default string     `json:"default"`
	Modes   []ModeInfo `json:"modes"`
}

func (d *Dependencies) handleModes(w http.ResponseWriter, r *http.Request) {
	catalog := d.personas()
	resp := ModesResponse{Default: catalog.Default().ID}
	for _, p := range catalog.Modes() {
		resp.Modes = append(resp.Modes, ModeInfo{ID: p.ID, Name: p.Name})
	}
	utils.RespondWithJSON(w, http.StatusOK, resp)
}
