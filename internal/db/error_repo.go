package db

import (
	"context"

	"github.com/kimhsiao/possync/internal/models"
)

// =====================================================
// Error Record Operations
// =====================================================

// InsertErrorRecord stores a surfaced failure.
func (r *Repository) InsertErrorRecord(ctx context.Context, rec *models.ErrorRecord) error {
	res, err := r.q.ExecContext(ctx, `INSERT INTO error_records (component, code, message, item_id, created_at)
		VALUES (?, ?, ?, ?, ?)`, rec.Component, rec.Code, rec.Message, rec.ItemID, rec.CreatedAt)
	if err != nil {
		return dbErr("insert error record", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return dbErr("insert error record", err)
	}
	rec.ID = id
	return nil
}

// ListErrorRecords returns the newest records first.
func (r *Repository) ListErrorRecords(ctx context.Context, limit int) ([]*models.ErrorRecord, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT id, component, code, message, item_id, created_at
		FROM error_records ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, dbErr("list error records", err)
	}
	defer rows.Close()

	var out []*models.ErrorRecord
	for rows.Next() {
		var rec models.ErrorRecord
		if err := rows.Scan(&rec.ID, &rec.Component, &rec.Code, &rec.Message, &rec.ItemID, &rec.CreatedAt); err != nil {
			return nil, dbErr("scan error record", err)
		}
		out = append(out, &rec)
	}
	return out, dbErr("list error records", rows.Err())
}

// DeleteErrorRecordsBefore prunes records created before cutoff.
func (r *Repository) DeleteErrorRecordsBefore(ctx context.Context, cutoff int64) (int64, error) {
	res, err := r.q.ExecContext(ctx, `DELETE FROM error_records WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, dbErr("delete error records", err)
	}
	return affected(res)
}
