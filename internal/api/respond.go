package api

import (
	"io"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/kimhsiao/possync/internal/errors"
	"github.com/kimhsiao/possync/internal/logging"
)

const maxRequestBody = 1 << 20

// ErrorBody is the JSON shape of every failed request.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
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
		logging.ErrorWithCode("API request failed", string(code), err)
	}
	writeJSON(w, status, ErrorBody{Code: string(code), Message: err.Error()})
}

func statusFor(code errors.ErrorCode) int {
	switch code {
	case errors.ErrInvalid, errors.ErrValidation:
		return http.StatusBadRequest
	case errors.ErrAuthFailed:
		return http.StatusUnauthorized
	case errors.ErrNotFound, errors.ErrSessionNotFound:
		return http.StatusNotFound
	case errors.ErrDuplicate, errors.ErrSyncInProgress, errors.ErrIdempotencyInFlight:
		return http.StatusConflict
	case errors.ErrSessionExpired:
		return http.StatusGone
	case errors.ErrRateLimited:
		return http.StatusTooManyRequests
	case errors.ErrCapacityExceeded:
		return http.StatusInsufficientStorage
	case errors.ErrSyncTransient, errors.ErrSyncAuthFailed:
		return http.StatusServiceUnavailable
	case errors.ErrSyncTimeout, errors.ErrLockTimeout:
		return http.StatusGatewayTimeout
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

// queryLimit reads ?limit=, falling back to def.
func queryLimit(r *http.Request, def int) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, errors.Newf(errors.ErrInvalid, "invalid limit %q", v)
	}
	return n, nil
}
