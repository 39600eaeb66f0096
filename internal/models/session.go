package models

import "time"

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionActive     SessionStatus = "active"
	SessionWarning    SessionStatus = "warning"
	SessionExpired    SessionStatus = "expired"
	SessionTerminated SessionStatus = "terminated"
)

// Live reports whether the status still authorizes activity.
func (s SessionStatus) Live() bool {
	return s == SessionActive || s == SessionWarning
}

// Session is an authenticated context for one (user, client instance) pair.
type Session struct {
	SessionID        UUID          `db:"session_id" json:"session_id"`
	UserID           string        `db:"user_id" json:"user_id"`
	ClientInstanceID string        `db:"client_instance_id" json:"client_instance_id"`
	SessionKey       string        `db:"session_key" json:"session_key"`
	Status           SessionStatus `db:"status" json:"status"`
	TimeoutSeconds   int64         `db:"timeout_seconds" json:"timeout_seconds"`
	RemoteToken      string        `db:"remote_token" json:"-"` // sealed
	Offline          bool          `db:"offline" json:"offline"`
	CreatedAt        int64         `db:"created_at" json:"created_at"`
	LastActivityAt   int64         `db:"last_activity_at" json:"last_activity_at"`
	ExpiresAt        int64         `db:"expires_at" json:"expires_at"`
	EndedAt          int64         `db:"ended_at" json:"ended_at,omitempty"`
}

// TableName returns the table name for Session.
func (Session) TableName() string {
	return "sessions"
}

// ExpiresAtTime returns ExpiresAt as time.Time.
func (s *Session) ExpiresAtTime() time.Time {
	return time.Unix(s.ExpiresAt, 0)
}

// Timeout returns the configured session timeout.
func (s *Session) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// CredentialKind distinguishes cached secrets.
type CredentialKind string

const (
	CredentialPassword CredentialKind = "password"
	CredentialPIN      CredentialKind = "pin"
)

// CachedCredential is an Argon2id hash kept for offline authentication.
type CachedCredential struct {
	UserID     string         `db:"user_id" json:"user_id"`
	Kind       CredentialKind `db:"kind" json:"kind"`
	SecretHash string         `db:"secret_hash" json:"-"`
	UpdatedAt  int64          `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for CachedCredential.
func (CachedCredential) TableName() string {
	return "cached_credentials"
}
