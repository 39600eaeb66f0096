package db

import (
	"context"
	"database/sql"
	stderrors "errors"

	"github.com/kimhsiao/possync/internal/models"
)

// =====================================================
// Session Operations
// =====================================================

const sessionColumns = `session_id, user_id, client_instance_id, session_key, status, timeout_seconds,
	remote_token, offline, created_at, last_activity_at, expires_at, ended_at`

func scanSession(row interface{ Scan(...interface{}) error }) (*models.Session, error) {
	var s models.Session
	err := row.Scan(&s.SessionID, &s.UserID, &s.ClientInstanceID, &s.SessionKey, &s.Status, &s.TimeoutSeconds,
		&s.RemoteToken, &s.Offline, &s.CreatedAt, &s.LastActivityAt, &s.ExpiresAt, &s.EndedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// CreateSession inserts a new session row.
func (r *Repository) CreateSession(ctx context.Context, s *models.Session) error {
	_, err := r.q.ExecContext(ctx, `INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.SessionID, s.UserID, s.ClientInstanceID, s.SessionKey, s.Status, s.TimeoutSeconds,
		s.RemoteToken, boolInt(s.Offline), s.CreatedAt, s.LastActivityAt, s.ExpiresAt, s.EndedAt)
	return dbErr("create session", err)
}

// GetSession retrieves a session by ID.
func (r *Repository) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, id)
	s, err := scanSession(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, notFound("session", id)
	}
	return s, dbErr("get session", err)
}

// GetLiveSessionByKey returns the active or warning session for a session key.
func (r *Repository) GetLiveSessionByKey(ctx context.Context, sessionKey string) (*models.Session, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions
		WHERE session_key = ? AND status IN ('active', 'warning')`, sessionKey)
	s, err := scanSession(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, notFound("live session for", sessionKey)
	}
	return s, dbErr("get live session", err)
}

// ListSessionsByUser returns every session of a user, newest first.
func (r *Repository) ListSessionsByUser(ctx context.Context, userID string) ([]*models.Session, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions
		WHERE user_id = ? ORDER BY created_at DESC, session_id`, userID)
	if err != nil {
		return nil, dbErr("list sessions", err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, dbErr("scan session", err)
		}
		out = append(out, s)
	}
	return out, dbErr("list sessions", rows.Err())
}

// SetSessionStatus moves a session to status. Moving to a terminal status
// records ended_at.
func (r *Repository) SetSessionStatus(ctx context.Context, id string, status models.SessionStatus, now int64) error {
	var ended int64
	if !status.Live() {
		ended = now
	}
	res, err := r.q.ExecContext(ctx, `UPDATE sessions SET status = ?, ended_at = ?
		WHERE session_id = ? AND status != 'terminated'`, status, ended, id)
	if err != nil {
		return dbErr("set session status", err)
	}
	n, err := affected(res)
	if err != nil {
		return dbErr("set session status", err)
	}
	if n == 0 {
		return notFound("session", id)
	}
	return nil
}

// ExtendSession makes a live session active again with a new expiry.
func (r *Repository) ExtendSession(ctx context.Context, id string, expiresAt, now int64) error {
	res, err := r.q.ExecContext(ctx, `UPDATE sessions
		SET status = 'active', expires_at = ?, last_activity_at = ?
		WHERE session_id = ? AND status IN ('active', 'warning')`, expiresAt, now, id)
	if err != nil {
		return dbErr("extend session", err)
	}
	n, err := affected(res)
	if err != nil {
		return dbErr("extend session", err)
	}
	if n == 0 {
		return notFound("live session", id)
	}
	return nil
}

// SetSessionRemoteToken stores the sealed server token.
func (r *Repository) SetSessionRemoteToken(ctx context.Context, id, sealed string) error {
	_, err := r.q.ExecContext(ctx, `UPDATE sessions SET remote_token = ? WHERE session_id = ?`, sealed, id)
	return dbErr("set remote token", err)
}

// TerminateLiveSessions terminates any live session holding sessionKey.
func (r *Repository) TerminateLiveSessions(ctx context.Context, sessionKey string, now int64) (int64, error) {
	res, err := r.q.ExecContext(ctx, `UPDATE sessions SET status = 'terminated', ended_at = ?
		WHERE session_key = ? AND status IN ('active', 'warning')`, now, sessionKey)
	if err != nil {
		return 0, dbErr("terminate sessions", err)
	}
	return affected(res)
}

// ExpireSessionsBefore marks live sessions with expires_at <= cutoff as expired.
func (r *Repository) ExpireSessionsBefore(ctx context.Context, cutoff, now int64) (int64, error) {
	res, err := r.q.ExecContext(ctx, `UPDATE sessions SET status = 'expired', ended_at = ?
		WHERE status IN ('active', 'warning') AND expires_at <= ?`, now, cutoff)
	if err != nil {
		return 0, dbErr("expire sessions", err)
	}
	return affected(res)
}

// DeleteEndedSessions removes expired or terminated sessions that ended before cutoff.
func (r *Repository) DeleteEndedSessions(ctx context.Context, cutoff int64) (int64, error) {
	res, err := r.q.ExecContext(ctx, `DELETE FROM sessions
		WHERE status IN ('expired', 'terminated') AND ended_at < ?`, cutoff)
	if err != nil {
		return 0, dbErr("delete sessions", err)
	}
	return affected(res)
}

// HasLiveSession reports whether the pair holds a live session whose
// expiry is after cutoff.
func (r *Repository) HasLiveSession(ctx context.Context, userID, clientInstanceID string, cutoff int64) (bool, error) {
	var n int
	err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions
		WHERE user_id = ? AND client_instance_id = ? AND status IN ('active', 'warning') AND expires_at > ?`,
		userID, clientInstanceID, cutoff).Scan(&n)
	return n > 0, dbErr("count live sessions", err)
}

// =====================================================
// Credential & User Settings Operations
// =====================================================

// UpsertCredential stores or replaces a cached credential hash.
func (r *Repository) UpsertCredential(ctx context.Context, c *models.CachedCredential) error {
	_, err := r.q.ExecContext(ctx, `INSERT INTO cached_credentials (user_id, kind, secret_hash, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, kind) DO UPDATE SET secret_hash = excluded.secret_hash, updated_at = excluded.updated_at`,
		c.UserID, c.Kind, c.SecretHash, c.UpdatedAt)
	return dbErr("upsert credential", err)
}

// GetCredentials returns every cached credential of a user.
func (r *Repository) GetCredentials(ctx context.Context, userID string) ([]*models.CachedCredential, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT user_id, kind, secret_hash, updated_at
		FROM cached_credentials WHERE user_id = ? ORDER BY kind`, userID)
	if err != nil {
		return nil, dbErr("get credentials", err)
	}
	defer rows.Close()

	var out []*models.CachedCredential
	for rows.Next() {
		var c models.CachedCredential
		if err := rows.Scan(&c.UserID, &c.Kind, &c.SecretHash, &c.UpdatedAt); err != nil {
			return nil, dbErr("scan credential", err)
		}
		out = append(out, &c)
	}
	return out, dbErr("get credentials", rows.Err())
}

// DeleteCredential removes a cached credential.
func (r *Repository) DeleteCredential(ctx context.Context, userID string, kind models.CredentialKind) error {
	_, err := r.q.ExecContext(ctx, `DELETE FROM cached_credentials WHERE user_id = ? AND kind = ?`, userID, kind)
	return dbErr("delete credential", err)
}

// GetUserTimeout returns the per-user session timeout in seconds.
// found is false when the user has no override.
func (r *Repository) GetUserTimeout(ctx context.Context, userID string) (seconds int64, found bool, err error) {
	err = r.q.QueryRowContext(ctx, `SELECT session_timeout_seconds FROM user_settings WHERE user_id = ?`,
		userID).Scan(&seconds)
	if stderrors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, dbErr("get user timeout", err)
	}
	return seconds, true, nil
}

// SetUserTimeout stores the per-user session timeout.
func (r *Repository) SetUserTimeout(ctx context.Context, userID string, seconds, now int64) error {
	_, err := r.q.ExecContext(ctx, `INSERT INTO user_settings (user_id, session_timeout_seconds, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET session_timeout_seconds = excluded.session_timeout_seconds,
			updated_at = excluded.updated_at`, userID, seconds, now)
	return dbErr("set user timeout", err)
}

// RecordAuthAttempt logs one offline authentication attempt.
func (r *Repository) RecordAuthAttempt(ctx context.Context, userID string, now int64) error {
	_, err := r.q.ExecContext(ctx, `INSERT INTO auth_attempts (user_id, attempted_at) VALUES (?, ?)`, userID, now)
	return dbErr("record auth attempt", err)
}

// CountAuthAttempts counts attempts by userID at or after since.
func (r *Repository) CountAuthAttempts(ctx context.Context, userID string, since int64) (int, error) {
	var n int
	err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM auth_attempts WHERE user_id = ? AND attempted_at >= ?`,
		userID, since).Scan(&n)
	return n, dbErr("count auth attempts", err)
}

// PruneAuthAttempts deletes attempts older than cutoff.
func (r *Repository) PruneAuthAttempts(ctx context.Context, cutoff int64) (int64, error) {
	res, err := r.q.ExecContext(ctx, `DELETE FROM auth_attempts WHERE attempted_at < ?`, cutoff)
	if err != nil {
		return 0, dbErr("prune auth attempts", err)
	}
	return affected(res)
}
