package server

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	stderrors "errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"

	"github.com/kimhsiao/possync/internal/crypto"
	"github.com/kimhsiao/possync/internal/db"
	"github.com/kimhsiao/possync/internal/errors"
	"github.com/kimhsiao/possync/internal/remote"
	"github.com/kimhsiao/possync/internal/uuid"
)

// FileName is the server store inside its data directory.
const FileName = "syncserver.db"

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrations is the server schema.
var Migrations = func() fs.FS {
	sub, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}()

// Store persists users, sessions, applied operations and models.
type Store struct {
	db     *db.DB
	argon2 crypto.Argon2Params
}

// OpenStore opens and migrates the server store in dataDir.
func OpenStore(ctx context.Context, dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	d, err := db.OpenFile(filepath.Join(dataDir, FileName))
	if err != nil {
		return nil, err
	}
	if err := db.NewMigrator(d.DB, Migrations).Up(ctx); err != nil {
		d.Close()
		return nil, errors.Wrap(errors.ErrMigration, "migrate server store", err)
	}
	return &Store{db: d, argon2: crypto.DefaultArgon2Params()}, nil
}

// Close closes the store.
func (s *Store) Close() error {
	return s.db.Close()
}

// SetArgon2Params overrides the credential hashing cost.
func (s *Store) SetArgon2Params(p crypto.Argon2Params) {
	s.argon2 = p
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(errors.ErrDatabase, op, err)
}

// =====================================================
// Users & Sessions
// =====================================================

// PutUser creates or replaces a user credential.
func (s *Store) PutUser(ctx context.Context, userID, credential string, now time.Time) error {
	if userID == "" || credential == "" {
		return errors.New(errors.ErrValidation, "user id and credential are required")
	}
	hash, err := crypto.HashSecret(credential, s.argon2)
	if err != nil {
		return errors.Wrap(errors.ErrCryptoFailed, "hash credential", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO users (user_id, credential_hash, created_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET credential_hash = excluded.credential_hash`, userID, hash, now.Unix())
	return wrap("put user", err)
}

// VerifyUser checks a credential.
func (s *Store) VerifyUser(ctx context.Context, userID, credential string) error {
	var hash string
	err := s.db.QueryRowContext(ctx, `SELECT credential_hash FROM users WHERE user_id = ?`, userID).Scan(&hash)
	if stderrors.Is(err, sql.ErrNoRows) {
		return errors.New(errors.ErrAuthFailed, "unknown user or wrong credential")
	}
	if err != nil {
		return wrap("get user", err)
	}
	if err := crypto.VerifySecret(credential, hash); err != nil {
		return errors.New(errors.ErrAuthFailed, "unknown user or wrong credential")
	}
	return nil
}

// CreateSession issues a session for userID.
func (s *Store) CreateSession(ctx context.Context, userID string, now time.Time, ttl time.Duration) (string, time.Time, error) {
	id := uuid.New()
	expires := now.Add(ttl)
	_, err := s.db.ExecContext(ctx, `INSERT INTO server_sessions (session_id, user_id, created_at, expires_at)
		VALUES (?, ?, ?, ?)`, id, userID, now.Unix(), expires.Unix())
	if err != nil {
		return "", time.Time{}, wrap("create session", err)
	}
	return id, expires, nil
}

// SessionExpiry returns the expiry of a live session.
func (s *Store) SessionExpiry(ctx context.Context, id string, now time.Time) (time.Time, error) {
	var expires int64
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT expires_at, revoked FROM server_sessions WHERE session_id = ?`, id).
		Scan(&expires, &revoked)
	if stderrors.Is(err, sql.ErrNoRows) {
		return time.Time{}, errors.Newf(errors.ErrSessionNotFound, "session %s not found", id)
	}
	if err != nil {
		return time.Time{}, wrap("get session", err)
	}
	if revoked || now.Unix() >= expires {
		return time.Unix(expires, 0), errors.Newf(errors.ErrSessionExpired, "session %s expired", id)
	}
	return time.Unix(expires, 0), nil
}

// ExtendSession moves a live session's expiry to now+ttl.
func (s *Store) ExtendSession(ctx context.Context, id string, now time.Time, ttl time.Duration) (time.Time, error) {
	if _, err := s.SessionExpiry(ctx, id, now); err != nil {
		return time.Time{}, err
	}
	expires := now.Add(ttl)
	_, err := s.db.ExecContext(ctx, `UPDATE server_sessions SET expires_at = ? WHERE session_id = ?`, expires.Unix(), id)
	return expires, wrap("extend session", err)
}

// RevokeSession ends a session. Revoking twice is not an error.
func (s *Store) RevokeSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE server_sessions SET revoked = 1 WHERE session_id = ?`, id)
	if err != nil {
		return wrap("revoke session", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Newf(errors.ErrSessionNotFound, "session %s not found", id)
	}
	return nil
}

// =====================================================
// Operations
// =====================================================

// Validator decides whether an operation may be applied. A non-nil error
// rejects it permanently; the error text becomes the rejection reason.
type Validator func(req remote.OperationRequest) error

// ApplyOperation settles an operation exactly once per key. The first call
// validates and records the outcome; later calls with the same key return
// the recorded outcome. A replay whose payload differs from the recorded one
// fails with DUPLICATE.
func (s *Store) ApplyOperation(ctx context.Context, key string, req remote.OperationRequest, validate Validator, now time.Time) (remote.OperationResponse, bool, error) {
	var out remote.OperationResponse
	payloadHash := hashPayload(req.Payload)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return out, false, wrap("begin", err)
	}
	defer tx.Rollback()

	var (
		status, reason, storedHash string
		result                     []byte
	)
	err = tx.QueryRowContext(ctx, `SELECT status, result, reason, payload_hash FROM operations WHERE idempotency_key = ?`, key).
		Scan(&status, &result, &reason, &storedHash)
	switch {
	case err == nil:
		if storedHash != payloadHash {
			return out, true, errors.Newf(errors.ErrDuplicate, "idempotency key %s reused with a different payload", key)
		}
		return remote.OperationResponse{Status: status, Result: result, Reason: reason}, true, nil
	case !stderrors.Is(err, sql.ErrNoRows):
		return out, false, wrap("get operation", err)
	}

	out.Status = remote.StatusCommitted
	if verr := validate(req); verr != nil {
		out.Status = remote.StatusRejected
		out.Reason = verr.Error()
	} else {
		out.Result, err = json.Marshal(map[string]interface{}{
			"operation_id": uuid.New(),
			"op_type":      req.OpType,
			"entity_id":    req.EntityID,
			"applied_at":   now.Unix(),
		})
		if err != nil {
			return out, false, errors.Wrap(errors.ErrInternal, "encode result", err)
		}
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO operations
		(idempotency_key, client_instance_id, user_id, op_type, entity_id, payload, payload_hash, status, result, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key, req.ClientInstanceID, req.UserID, req.OpType, req.EntityID, []byte(req.Payload), payloadHash,
		out.Status, []byte(out.Result), out.Reason, now.Unix())
	if err != nil {
		return out, false, wrap("insert operation", err)
	}
	return out, false, wrap("commit", tx.Commit())
}

// CountOperations returns how many operations were applied with status.
func (s *Store) CountOperations(ctx context.Context, status string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM operations WHERE status = ?`, status).Scan(&n)
	return n, wrap("count operations", err)
}

func hashPayload(p []byte) string {
	var v interface{}
	if json.Unmarshal(p, &v) == nil {
		if canon, err := json.Marshal(v); err == nil {
			p = canon
		}
	}
	sum := sha256.Sum256(p)
	return hex.EncodeToString(sum[:])
}

// =====================================================
// Models
// =====================================================

// PublishModel stores a new version of key and returns it.
func (s *Store) PublishModel(ctx context.Context, key string, data json.RawMessage, now time.Time) (int64, error) {
	if key == "" || !json.Valid(data) {
		return 0, errors.New(errors.ErrValidation, "model key and valid JSON data are required")
	}
	var version int64
	err := s.db.QueryRowContext(ctx, `INSERT INTO models (model_key, version, data, updated_at) VALUES (?, 1, ?, ?)
		ON CONFLICT(model_key) DO UPDATE SET version = models.version + 1, data = excluded.data, updated_at = excluded.updated_at
		RETURNING version`, key, []byte(data), now.Unix()).Scan(&version)
	return version, wrap("publish model", err)
}

// GetModel returns the current version of key. A model locked past now
// fails with LOCK_CONTENDED.
func (s *Store) GetModel(ctx context.Context, key string, now time.Time) (remote.ModelResponse, error) {
	var out remote.ModelResponse
	var data []byte
	var lockedUntil int64
	err := s.db.QueryRowContext(ctx, `SELECT version, data, locked_until FROM models WHERE model_key = ?`, key).
		Scan(&out.Version, &data, &lockedUntil)
	if stderrors.Is(err, sql.ErrNoRows) {
		return out, errors.Newf(errors.ErrNotFound, "model %s not found", key)
	}
	if err != nil {
		return out, wrap("get model", err)
	}
	if lockedUntil > now.Unix() {
		return out, errors.Newf(errors.ErrLockContended, "model %s is being rebuilt", key)
	}
	out.Key = key
	out.Data = data
	return out, nil
}

// LockModel blocks reads of key until the given time. A zero time unlocks.
func (s *Store) LockModel(ctx context.Context, key string, until time.Time) error {
	var ts int64
	if !until.IsZero() {
		ts = until.Unix()
	}
	res, err := s.db.ExecContext(ctx, `UPDATE models SET locked_until = ? WHERE model_key = ?`, ts, key)
	if err != nil {
		return wrap("lock model", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Newf(errors.ErrNotFound, "model %s not found", key)
	}
	return nil
}
