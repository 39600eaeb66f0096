package remote

import "github.com/goccy/go-json"

// Header names used on the wire.
const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderClientInstance = "X-Client-Instance"
)

// Operation outcomes reported by the server.
const (
	StatusCommitted = "committed"
	StatusRejected  = "rejected"
)

// SessionRequest is the body of POST /v1/sessions.
type SessionRequest struct {
	UserID     string `json:"user_id"`
	Credential string `json:"credential"`
}

// SessionResponse answers session creation and refresh.
type SessionResponse struct {
	SessionID string `json:"session_id,omitempty"`
	ExpiresAt int64  `json:"expires_at"`
}

// SessionValidation answers GET /v1/sessions/{id}.
type SessionValidation struct {
	Valid        bool  `json:"valid"`
	TTLRemaining int64 `json:"ttl_remaining"`
}

// OperationRequest is the body of POST /v1/operations. The idempotency key
// travels in the Idempotency-Key header.
type OperationRequest struct {
	ClientInstanceID string          `json:"client_instance_id"`
	UserID           string          `json:"user_id"`
	OpType           string          `json:"op_type"`
	EntityID         string          `json:"entity_id,omitempty"`
	Payload          json.RawMessage `json:"payload"`
}

// OperationResponse reports how the server settled an operation.
type OperationResponse struct {
	Status string          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Reason string          `json:"reason,omitempty"`
}

// ModelResponse answers GET /v1/models/{key}.
type ModelResponse struct {
	Key     string          `json:"key"`
	Version int64           `json:"version"`
	Data    json.RawMessage `json:"data"`
}

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
