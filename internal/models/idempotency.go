package models

import "github.com/goccy/go-json"

// IdempotencyStatus is the state of a ledger record.
type IdempotencyStatus string

const (
	IdempotencyInFlight  IdempotencyStatus = "in_flight"
	IdempotencyCommitted IdempotencyStatus = "committed"
	IdempotencyFailed    IdempotencyStatus = "failed"
)

// IdempotencyRecord is one ledger entry keyed by idempotency key.
type IdempotencyRecord struct {
	Key       string            `db:"key" json:"key"`
	Status    IdempotencyStatus `db:"status" json:"status"`
	Result    json.RawMessage   `db:"result" json:"result,omitempty"`
	LastError string            `db:"last_error" json:"last_error,omitempty"`
	Attempts  int               `db:"attempts" json:"attempts"`
	CreatedAt int64             `db:"created_at" json:"created_at"`
	UpdatedAt int64             `db:"updated_at" json:"updated_at"`
	ExpiresAt int64             `db:"expires_at" json:"expires_at,omitempty"`
}

// TableName returns the table name for IdempotencyRecord.
func (IdempotencyRecord) TableName() string {
	return "idempotency_ledger"
}
