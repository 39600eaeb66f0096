package models

// ErrorRecord is a durable record of a permanent failure surfaced to the operator.
type ErrorRecord struct {
	ID        int64  `db:"id" json:"id"`
	Component string `db:"component" json:"component"`
	Code      string `db:"code" json:"code"`
	Message   string `db:"message" json:"message"`
	ItemID    string `db:"item_id" json:"item_id,omitempty"`
	CreatedAt int64  `db:"created_at" json:"created_at"`
}

// TableName returns the table name for ErrorRecord.
func (ErrorRecord) TableName() string {
	return "error_records"
}
