// Package server is the reference sync server: the authoritative side of
// the /v1 protocol. It authenticates users, applies each operation at most
// once per idempotency key and serves versioned reference models.
package server

import (
	"crypto/subtle"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"

	"github.com/kimhsiao/possync/internal/errors"
	"github.com/kimhsiao/possync/internal/logging"
	"github.com/kimhsiao/possync/internal/remote"
)

const maxRequestBody = 4 << 20

// Options configures a Server.
type Options struct {
	SessionTTL time.Duration
	// OpTypes restricts accepted operation types; empty accepts any.
	OpTypes []string
	// AdminToken is the bearer token for the write routes on models and
	// users. Empty disables them.
	AdminToken string
	Now        func() time.Time
}

// Server serves the /v1 protocol.
type Server struct {
	store    *Store
	opts     Options
	validate Validator
	router   chi.Router
}

// New creates a Server over store.
func New(store *Store, opts Options) *Server {
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 8 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Server{store: store, opts: opts}
	s.validate = DefaultValidator(opts.OpTypes)
	s.setupRoutes()
	return s
}

// SetValidator replaces the operation validator.
func (s *Server) SetValidator(v Validator) {
	s.validate = v
}

// Store returns the backing store.
func (s *Server) Store() *Store {
	return s.store
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Post("/sessions", s.handleCreateSession)
		r.Get("/sessions/{id}", s.handleValidateSession)
		r.Post("/sessions/{id}/refresh", s.handleRefreshSession)
		r.Delete("/sessions/{id}", s.handleRevokeSession)

		r.Post("/operations", s.handleOperation)

		r.Get("/models/{key}", s.handleGetModel)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Put("/models/{key}", s.handlePublishModel)
			r.Post("/models/{key}/lock", s.handleLockModel)
			r.Delete("/models/{key}/lock", s.handleUnlockModel)
			r.Post("/admin/users", s.handlePutUser)
		})
	})
	s.router = r
}

// DefaultValidator accepts operations whose type is allowed and whose
// payload is a JSON object.
func DefaultValidator(opTypes []string) Validator {
	allowed := make(map[string]bool, len(opTypes))
	for _, t := range opTypes {
		allowed[t] = true
	}
	return func(req remote.OperationRequest) error {
		if req.OpType == "" {
			return errors.New(errors.ErrValidation, "op_type is required")
		}
		if len(allowed) > 0 && !allowed[req.OpType] {
			return errors.Newf(errors.ErrValidation, "unsupported op_type %q", req.OpType)
		}
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(req.Payload, &obj); err != nil {
			return errors.New(errors.ErrValidation, "payload must be a JSON object")
		}
		return nil
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logging.Debug("Request served", map[string]interface{}{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  middleware.GetReqID(r.Context()),
		})
	})
}

// =====================================================
// Responses
// =====================================================

// requireAdmin checks the Authorization bearer token against
// Options.AdminToken.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	want := []byte(s.opts.AdminToken)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(want) == 0 {
			writeJSON(w, http.StatusForbidden, remote.ErrorResponse{
				Code:    string(errors.ErrAuthFailed),
				Message: "admin routes are disabled",
			})
			return
		}
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			logging.Warn("Admin request rejected", map[string]interface{}{
				"method": r.Method,
				"path":   r.URL.Path,
				"remote": r.RemoteAddr,
			})
			writeError(w, errors.New(errors.ErrAuthFailed, "invalid admin token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			logging.Error("Failed to write response", err)
		}
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := errors.CodeOf(err)
	status := statusFor(code)
	if status == http.StatusInternalServerError {
		logging.ErrorWithCode("Request failed", string(code), err)
	}
	writeJSON(w, status, remote.ErrorResponse{Code: string(code), Message: err.Error()})
}

// statusFor maps an error code to the HTTP status the client classifies.
func statusFor(code errors.ErrorCode) int {
	switch code {
	case errors.ErrInvalid, errors.ErrValidation:
		return http.StatusBadRequest
	case errors.ErrAuthFailed:
		return http.StatusUnauthorized
	case errors.ErrNotFound, errors.ErrSessionNotFound:
		return http.StatusNotFound
	case errors.ErrDuplicate:
		return http.StatusConflict
	case errors.ErrSessionExpired:
		return http.StatusGone
	case errors.ErrLockContended:
		return http.StatusLocked
	default:
		return http.StatusInternalServerError
	}
}

func decode(r *http.Request, v interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return errors.Wrap(errors.ErrInvalid, "read body", err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return errors.Wrap(errors.ErrInvalid, "invalid JSON body", err)
	}
	return nil
}

// =====================================================
// Handlers
// =====================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req remote.SessionRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.VerifyUser(r.Context(), req.UserID, req.Credential); err != nil {
		writeError(w, err)
		return
	}
	id, expires, err := s.store.CreateSession(r.Context(), req.UserID, s.opts.Now(), s.opts.SessionTTL)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, remote.SessionResponse{SessionID: id, ExpiresAt: expires.Unix()})
}

func (s *Server) handleValidateSession(w http.ResponseWriter, r *http.Request) {
	now := s.opts.Now()
	expires, err := s.store.SessionExpiry(r.Context(), chi.URLParam(r, "id"), now)
	switch {
	case errors.Is(err, errors.ErrSessionExpired):
		writeJSON(w, http.StatusOK, remote.SessionValidation{Valid: false})
	case err != nil:
		writeError(w, err)
	default:
		writeJSON(w, http.StatusOK, remote.SessionValidation{
			Valid:        true,
			TTLRemaining: int64(expires.Sub(now) / time.Second),
		})
	}
}

func (s *Server) handleRefreshSession(w http.ResponseWriter, r *http.Request) {
	expires, err := s.store.ExtendSession(r.Context(), chi.URLParam(r, "id"), s.opts.Now(), s.opts.SessionTTL)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, remote.SessionResponse{ExpiresAt: expires.Unix()})
}

func (s *Server) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	if err := s.store.RevokeSession(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleOperation(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.Header.Get(remote.HeaderIdempotencyKey))
	if key == "" {
		writeError(w, errors.New(errors.ErrInvalid, "Idempotency-Key header is required"))
		return
	}
	var req remote.OperationRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.ClientInstanceID == "" {
		req.ClientInstanceID = r.Header.Get(remote.HeaderClientInstance)
	}

	res, replay, err := s.store.ApplyOperation(r.Context(), key, req, s.validate, s.opts.Now())
	if err != nil {
		writeError(w, err)
		return
	}
	logging.Info("Operation settled", map[string]interface{}{
		"idempotency_key":    key,
		"client_instance_id": req.ClientInstanceID,
		"op_type":            req.OpType,
		"status":             res.Status,
		"replay":             replay,
	})
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetModel(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	model, err := s.store.GetModel(r.Context(), key, s.opts.Now())
	if err != nil {
		writeError(w, err)
		return
	}
	if since, err := strconv.ParseInt(r.URL.Query().Get("since_version"), 10, 64); err == nil && since >= model.Version {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	writeJSON(w, http.StatusOK, model)
}

func (s *Server) handlePublishModel(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeError(w, errors.Wrap(errors.ErrInvalid, "read body", err))
		return
	}
	key := chi.URLParam(r, "key")
	version, err := s.store.PublishModel(r.Context(), key, body, s.opts.Now())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, remote.ModelResponse{Key: key, Version: version})
}

func (s *Server) handleLockModel(w http.ResponseWriter, r *http.Request) {
	ttl := 30 * time.Second
	if v := r.URL.Query().Get("ttl"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeError(w, errors.Newf(errors.ErrInvalid, "invalid ttl %q", v))
			return
		}
		ttl = d
	}
	if err := s.store.LockModel(r.Context(), chi.URLParam(r, "key"), s.opts.Now().Add(ttl)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnlockModel(w http.ResponseWriter, r *http.Request) {
	if err := s.store.LockModel(r.Context(), chi.URLParam(r, "key"), time.Time{}); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePutUser(w http.ResponseWriter, r *http.Request) {
	var req remote.SessionRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.PutUser(r.Context(), req.UserID, req.Credential, s.opts.Now()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
