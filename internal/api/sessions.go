package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kimhsiao/possync/internal/app"
	"github.com/kimhsiao/possync/internal/config"
	"github.com/kimhsiao/possync/internal/errors"
)

// SessionHandler serves session lifecycle and per-user settings.
type SessionHandler struct {
	app *app.App
}

// NewSessionHandler creates a SessionHandler.
func NewSessionHandler(a *app.App) *SessionHandler {
	return &SessionHandler{app: a}
}

// LoginRequest is the body of POST /api/sessions. Credential is the
// password online or the offline PIN.
type LoginRequest struct {
	UserID     string `json:"user_id"`
	Credential string `json:"credential"`
}

// ValidationResponse is returned by GET /api/sessions/{id}.
type ValidationResponse struct {
	SessionID        string `json:"session_id"`
	UserID           string `json:"user_id"`
	Valid            bool   `json:"valid"`
	Status           string `json:"status"`
	RemainingSeconds int64  `json:"remaining_seconds"`
	InGrace          bool   `json:"in_grace"`
}

// Create handles POST /api/sessions.
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.UserID == "" || req.Credential == "" {
		writeError(w, errors.New(errors.ErrInvalid, "user_id and credential are required"))
		return
	}
	s, err := h.app.Login(r.Context(), req.UserID, req.Credential)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s)
}

// Validate handles GET /api/sessions/{id}.
func (h *SessionHandler) Validate(w http.ResponseWriter, r *http.Request) {
	v, err := h.app.ValidateSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ValidationResponse{
		SessionID:        v.Session.SessionID.String(),
		UserID:           v.Session.UserID,
		Valid:            v.Valid,
		Status:           string(v.Status),
		RemainingSeconds: int64(v.Remaining / time.Second),
		InGrace:          v.InGrace,
	})
}

// Refresh handles POST /api/sessions/{id}/refresh.
func (h *SessionHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	s, err := h.app.RefreshSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// Terminate handles DELETE /api/sessions/{id}.
func (h *SessionHandler) Terminate(w http.ResponseWriter, r *http.Request) {
	if err := h.app.Logout(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetTimeout handles PUT /api/users/{user}/timeout with {"seconds": n}.
func (h *SessionHandler) SetTimeout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Seconds int64 `json:"seconds"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	minSec, maxSec := int64(config.MinSessionTimeout/time.Second), int64(config.MaxSessionTimeout/time.Second)
	if req.Seconds < minSec || req.Seconds > maxSec {
		writeError(w, errors.Newf(errors.ErrInvalid, "seconds must be between %d and %d", minSec, maxSec))
		return
	}
	if err := h.app.SetUserTimeout(r.Context(), chi.URLParam(r, "user"), time.Duration(req.Seconds)*time.Second); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetPIN handles PUT /api/users/{user}/pin with {"pin": "..."}.
func (h *SessionHandler) SetPIN(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PIN string `json:"pin"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.app.SetOfflinePIN(r.Context(), chi.URLParam(r, "user"), req.PIN); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
