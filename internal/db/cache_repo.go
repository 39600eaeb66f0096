package db

import (
	"context"
	"database/sql"
	stderrors "errors"

	"github.com/goccy/go-json"

	"github.com/kimhsiao/possync/internal/models"
)

// =====================================================
// Model Cache Operations
// =====================================================

const cacheColumns = `model_key, version, data, data_hash, fetched_at, last_accessed_at, access_count, stale`

func scanCacheEntry(row interface{ Scan(...interface{}) error }) (*models.CacheEntry, error) {
	var e models.CacheEntry
	var data []byte
	if err := row.Scan(&e.ModelKey, &e.Version, &data, &e.DataHash, &e.FetchedAt,
		&e.LastAccessedAt, &e.AccessCount, &e.Stale); err != nil {
		return nil, err
	}
	e.Data = json.RawMessage(data)
	return &e, nil
}

// GetCacheEntry retrieves a cache entry by model key.
func (r *Repository) GetCacheEntry(ctx context.Context, key string) (*models.CacheEntry, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+cacheColumns+` FROM model_cache WHERE model_key = ?`, key)
	e, err := scanCacheEntry(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, notFound("cache entry", key)
	}
	return e, dbErr("get cache entry", err)
}

// ListCacheEntries returns every cached model.
func (r *Repository) ListCacheEntries(ctx context.Context) ([]*models.CacheEntry, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT `+cacheColumns+` FROM model_cache ORDER BY model_key`)
	if err != nil {
		return nil, dbErr("list cache entries", err)
	}
	defer rows.Close()

	var out []*models.CacheEntry
	for rows.Next() {
		e, err := scanCacheEntry(rows)
		if err != nil {
			return nil, dbErr("scan cache entry", err)
		}
		out = append(out, e)
	}
	return out, dbErr("list cache entries", rows.Err())
}

// PutCacheEntry writes e unless the stored version is newer. It reports
// whether the row was written.
func (r *Repository) PutCacheEntry(ctx context.Context, e *models.CacheEntry) (bool, error) {
	res, err := r.q.ExecContext(ctx, `INSERT INTO model_cache (`+cacheColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(model_key) DO UPDATE SET
			version = excluded.version,
			data = excluded.data,
			data_hash = excluded.data_hash,
			fetched_at = excluded.fetched_at,
			stale = excluded.stale
		WHERE excluded.version >= model_cache.version`,
		e.ModelKey, e.Version, []byte(e.Data), e.DataHash, e.FetchedAt, e.LastAccessedAt, e.AccessCount, boolInt(e.Stale))
	if err != nil {
		return false, dbErr("put cache entry", err)
	}
	n, err := affected(res)
	if err != nil {
		return false, dbErr("put cache entry", err)
	}
	return n > 0, nil
}

// TouchCacheEntry records a read.
func (r *Repository) TouchCacheEntry(ctx context.Context, key string, now int64) error {
	_, err := r.q.ExecContext(ctx, `UPDATE model_cache
		SET access_count = access_count + 1, last_accessed_at = ? WHERE model_key = ?`, now, key)
	return dbErr("touch cache entry", err)
}

// MarkCacheStale flags every entry stale. It returns the number of entries.
func (r *Repository) MarkCacheStale(ctx context.Context) (int64, error) {
	res, err := r.q.ExecContext(ctx, `UPDATE model_cache SET stale = 1`)
	if err != nil {
		return 0, dbErr("mark cache stale", err)
	}
	return affected(res)
}

// DeleteCacheEntry removes one entry.
func (r *Repository) DeleteCacheEntry(ctx context.Context, key string) error {
	_, err := r.q.ExecContext(ctx, `DELETE FROM model_cache WHERE model_key = ?`, key)
	return dbErr("delete cache entry", err)
}
