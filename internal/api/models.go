package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kimhsiao/possync/internal/app"
	"github.com/kimhsiao/possync/internal/errors"
	"github.com/kimhsiao/possync/internal/models"
)

// HeaderDegraded marks a model response served from the last known version
// because a refresh could not complete.
const HeaderDegraded = "X-Cache-Degraded"

// ModelHandler serves cached reference models.
type ModelHandler struct {
	app *app.App
}

// NewModelHandler creates a ModelHandler.
func NewModelHandler(a *app.App) *ModelHandler {
	return &ModelHandler{app: a}
}

// List handles GET /api/models.
func (h *ModelHandler) List(w http.ResponseWriter, r *http.Request) {
	entries, err := h.app.Cache().Entries(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	// Listing omits model bodies.
	out := make([]models.CacheEntry, 0, len(entries))
	for _, e := range entries {
		c := *e
		c.Data = nil
		out = append(out, c)
	}
	writeJSON(w, http.StatusOK, out)
}

// Get handles GET /api/models/{key}.
func (h *ModelHandler) Get(w http.ResponseWriter, r *http.Request) {
	e, err := h.app.Cache().Get(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// Refresh handles POST /api/models/{key}/refresh. When the refresh cannot
// take the lock in time the last known version is returned with
// HeaderDegraded set.
func (h *ModelHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	e, err := h.app.Cache().Refresh(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		if e != nil && errors.Is(err, errors.ErrLockTimeout) {
			w.Header().Set(HeaderDegraded, string(errors.ErrLockTimeout))
			writeJSON(w, http.StatusOK, e)
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}
