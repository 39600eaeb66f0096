package api

import (
	"net/http"

	"github.com/kimhsiao/possync/internal/app"
)

// SyncHandler serves sync control and engine status.
type SyncHandler struct {
	app *app.App
}

// NewSyncHandler creates a SyncHandler.
func NewSyncHandler(a *app.App) *SyncHandler {
	return &SyncHandler{app: a}
}

// Health handles GET /api/health.
func (h *SyncHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":             "ok",
		"client_instance_id": h.app.ClientInstanceID(),
		"online":             h.app.Monitor().IsOnline(),
	})
}

// Connectivity handles GET /api/connectivity.
func (h *SyncHandler) Connectivity(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.app.Monitor().Status())
}

// SyncNow handles POST /api/sync and returns the drain report.
func (h *SyncHandler) SyncNow(w http.ResponseWriter, r *http.Request) {
	report, err := h.app.SyncNow(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Status handles GET /api/sync/status.
func (h *SyncHandler) Status(w http.ResponseWriter, r *http.Request) {
	st, err := h.app.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
