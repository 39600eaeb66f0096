package api

import (
	"net/http"

	"github.com/kimhsiao/possync/internal/app"
)

// OperationHandler accepts operations and exposes the queue.
type OperationHandler struct {
	app *app.App
}

// NewOperationHandler creates an OperationHandler.
func NewOperationHandler(a *app.App) *OperationHandler {
	return &OperationHandler{app: a}
}

// Submit handles POST /api/operations. The operation is durable once this
// returns 202; delivery happens in the background.
func (h *OperationHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var sub app.Submission
	if err := decode(r, &sub); err != nil {
		writeError(w, err)
		return
	}
	item, err := h.app.Submit(r.Context(), sub)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, item)
}

// Stats handles GET /api/queue.
func (h *OperationHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.app.Queue().Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Failed handles GET /api/queue/failed.
func (h *OperationHandler) Failed(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, 100)
	if err != nil {
		writeError(w, err)
		return
	}
	items, err := h.app.Queue().ListFailed(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

// Retry handles POST /api/queue/retry, returning failed items to pending.
func (h *OperationHandler) Retry(w http.ResponseWriter, r *http.Request) {
	n, err := h.app.RetryFailed(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"requeued": n})
}

// Errors handles GET /api/errors.
func (h *OperationHandler) Errors(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, 50)
	if err != nil {
		writeError(w, err)
		return
	}
	records, err := h.app.ErrorRecords(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}
