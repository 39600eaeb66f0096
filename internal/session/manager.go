package session

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/possync/internal/config"
	"github.com/kimhsiao/possync/internal/crypto"
	"github.com/kimhsiao/possync/internal/db"
	"github.com/kimhsiao/possync/internal/errors"
	"github.com/kimhsiao/possync/internal/logging"
	"github.com/kimhsiao/possync/internal/models"
	"github.com/kimhsiao/possync/internal/telemetry"
	"github.com/kimhsiao/possync/internal/uuid"
)

// Authenticator verifies credentials with the server. Network failures must
// be reported as errors.ErrSyncTransient so the manager can fall back to the
// cached credential; explicit rejection as errors.ErrAuthFailed.
type Authenticator interface {
	Authenticate(ctx context.Context, userID, secret string) (token string, expiresAt time.Time, err error)
	RefreshToken(ctx context.Context, token string) (time.Time, error)
	RevokeToken(ctx context.Context, token string) error
}

// OnlineChecker reports current connectivity.
type OnlineChecker interface {
	IsOnline() bool
}

// EventType names a session lifecycle transition.
type EventType string

const (
	EventCreated    EventType = "session_created"
	EventWarning    EventType = "session_warning"
	EventExpired    EventType = "session_expired"
	EventTerminated EventType = "session_terminated"
)

// Event is delivered to subscribers after the transition is persisted.
type Event struct {
	Type    EventType
	Session models.Session
}

// Validation is the result of a successful validation.
type Validation struct {
	Session   *models.Session      `json:"session"`
	Valid     bool                 `json:"valid"`
	Remaining time.Duration        `json:"remaining_ttl"`
	Status    models.SessionStatus `json:"status"`
	InGrace   bool                 `json:"in_grace,omitempty"`
}

// Options configures a Manager.
type Options struct {
	DefaultTimeout     time.Duration
	WarningThreshold   time.Duration
	OfflineGracePeriod time.Duration
	Retention          time.Duration
	AttemptsPerMinute  int
	Argon2             crypto.Argon2Params
	RemoteTimeout      time.Duration
	Now                func() time.Time
}

// OptionsFromConfig maps the session section of the config.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		DefaultTimeout:     cfg.Session.DefaultTimeout,
		WarningThreshold:   cfg.Session.WarningThreshold,
		OfflineGracePeriod: cfg.Session.OfflineGracePeriod,
		Retention:          cfg.Session.Retention,
		AttemptsPerMinute:  cfg.Session.PINAttemptsPerMin,
		Argon2:             crypto.DefaultArgon2Params(),
		RemoteTimeout:      cfg.Sync.RequestTimeout,
	}
}

// Manager owns session state in the local store.
type Manager struct {
	repo   *db.Repository
	auth   Authenticator
	online OnlineChecker
	opts   Options

	mu        sync.RWMutex
	listeners []func(Event)
}

// NewManager creates a Manager. auth and online may be nil: without an
// authenticator every session is created from cached credentials, and
// without a checker the manager assumes it is online.
func NewManager(repo *db.Repository, auth Authenticator, online OnlineChecker, opts Options) *Manager {
	if opts.DefaultTimeout == 0 {
		opts.DefaultTimeout = 8 * time.Hour
	}
	if opts.AttemptsPerMinute == 0 {
		opts.AttemptsPerMinute = 5
	}
	if opts.Argon2 == (crypto.Argon2Params{}) {
		opts.Argon2 = crypto.DefaultArgon2Params()
	}
	if opts.RemoteTimeout == 0 {
		opts.RemoteTimeout = 30 * time.Second
	}
	if opts.Retention == 0 {
		opts.Retention = 7 * 24 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{repo: repo, auth: auth, online: online, opts: opts}
}

// Subscribe registers fn for lifecycle events.
func (m *Manager) Subscribe(fn func(Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *Manager) publish(t EventType, s *models.Session) {
	m.mu.RLock()
	listeners := append([]func(Event){}, m.listeners...)
	m.mu.RUnlock()

	telemetry.RecordCount(telemetry.SessionEvents, 1, map[string]string{"type": string(t)})
	for _, fn := range listeners {
		fn(Event{Type: t, Session: *s})
	}
}

func (m *Manager) isOnline() bool {
	return m.online == nil || m.online.IsOnline()
}

// graceCutoff is the instant before which a session counts as expired.
func (m *Manager) graceCutoff(now time.Time) time.Time {
	if !m.isOnline() && m.opts.OfflineGracePeriod > 0 {
		return now.Add(-m.opts.OfflineGracePeriod)
	}
	return now
}

// UserTimeout returns the session timeout applied to new sessions of userID.
func (m *Manager) UserTimeout(ctx context.Context, userID string) (time.Duration, error) {
	secs, found, err := m.repo.GetUserTimeout(ctx, userID)
	if err != nil {
		return 0, err
	}
	if !found {
		return m.opts.DefaultTimeout, nil
	}
	return time.Duration(secs) * time.Second, nil
}

// SetUserTimeout sets the timeout for future sessions of userID.
func (m *Manager) SetUserTimeout(ctx context.Context, userID string, d time.Duration) error {
	if userID == "" {
		return errors.New(errors.ErrInvalid, "user_id is required")
	}
	if err := config.ValidSessionTimeout(d); err != nil {
		return err
	}
	return m.repo.SetUserTimeout(ctx, userID, int64(d/time.Second), m.opts.Now().Unix())
}

// Create authenticates the user and opens a session for key. Any live
// session already held by key is terminated in the same transaction.
func (m *Manager) Create(ctx context.Context, key Key, secret string) (*models.Session, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if secret == "" {
		return nil, errors.New(errors.ErrAuthFailed, "credential is required")
	}

	timeout, err := m.UserTimeout(ctx, key.UserID)
	if err != nil {
		return nil, err
	}

	token, offline, err := m.authenticate(ctx, key, secret)
	if err != nil {
		return nil, err
	}

	sealed := ""
	if token != "" {
		if sealed, err = crypto.Seal(token, crypto.InstanceKey(key.ClientInstanceID)); err != nil {
			return nil, errors.Wrap(errors.ErrCryptoFailed, "seal server token", err)
		}
	}

	now := m.opts.Now().Unix()
	s := &models.Session{
		SessionID:        models.UUID(uuid.New()),
		UserID:           key.UserID,
		ClientInstanceID: key.ClientInstanceID,
		SessionKey:       key.String(),
		Status:           models.SessionActive,
		TimeoutSeconds:   int64(timeout / time.Second),
		RemoteToken:      sealed,
		Offline:          offline,
		CreatedAt:        now,
		LastActivityAt:   now,
		ExpiresAt:        now + int64(timeout/time.Second),
	}

	var replaced int64
	err = m.repo.WithTx(ctx, func(tx *db.Repository) error {
		if replaced, err = tx.TerminateLiveSessions(ctx, s.SessionKey, now); err != nil {
			return err
		}
		return tx.CreateSession(ctx, s)
	})
	if err != nil {
		return nil, err
	}

	logging.Info("Session created", map[string]interface{}{
		"session_id":         s.SessionID.String(),
		"user_id":            s.UserID,
		"client_instance_id": s.ClientInstanceID,
		"offline":            offline,
		"timeout_seconds":    s.TimeoutSeconds,
		"replaced":           replaced,
	})
	m.publish(EventCreated, s)
	return s, nil
}

// authenticate tries the server first and falls back to cached credentials
// when the server is unreachable. offline reports which path succeeded.
func (m *Manager) authenticate(ctx context.Context, key Key, secret string) (token string, offline bool, err error) {
	if m.auth != nil && m.isOnline() {
		rctx, cancel := context.WithTimeout(ctx, m.opts.RemoteTimeout)
		token, _, err = m.auth.Authenticate(rctx, key.UserID, secret)
		cancel()

		switch {
		case err == nil:
			if cerr := m.cacheCredential(ctx, key.UserID, models.CredentialPassword, secret); cerr != nil {
				logging.Warn("Failed to cache credential for offline use", map[string]interface{}{
					"user_id": key.UserID,
					"error":   cerr.Error(),
				})
			}
			return token, false, nil
		case errors.Is(err, errors.ErrAuthFailed):
			return "", false, err
		default:
			logging.Warn("Server unreachable, using cached credential", map[string]interface{}{
				"user_id": key.UserID,
				"error":   err.Error(),
			})
		}
	}

	if err := m.verifyOffline(ctx, key.UserID, secret); err != nil {
		return "", true, err
	}
	return "", true, nil
}

// Validate checks a session locally; it never blocks on the network.
func (m *Manager) Validate(ctx context.Context, sessionID string) (*Validation, error) {
	s, err := m.repo.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil, errors.Newf(errors.ErrSessionNotFound, "session %s not found", sessionID)
		}
		return nil, err
	}
	return m.validate(ctx, s)
}

// ValidateFor validates sessionID and requires it to belong to key. A
// session owned by another pair is reported as not found.
func (m *Manager) ValidateFor(ctx context.Context, key Key, sessionID string) (*Validation, error) {
	s, err := m.repo.GetSession(ctx, sessionID)
	if err != nil || s.SessionKey != key.String() {
		if err == nil || errors.Is(err, errors.ErrNotFound) {
			return nil, errors.Newf(errors.ErrSessionNotFound, "session %s not found", sessionID)
		}
		return nil, err
	}
	return m.validate(ctx, s)
}

func (m *Manager) validate(ctx context.Context, s *models.Session) (*Validation, error) {
	switch s.Status {
	case models.SessionTerminated:
		return nil, errors.Newf(errors.ErrSessionExpired, "session %s was terminated", s.SessionID)
	case models.SessionExpired:
		return nil, errors.Newf(errors.ErrSessionExpired, "session %s expired", s.SessionID)
	}

	now := m.opts.Now()
	expires := s.ExpiresAtTime()

	if !now.Before(expires) {
		if cutoff := m.graceCutoff(now); cutoff.Before(expires) {
			// offline grace: still usable, flagged as warning
			if err := m.setStatus(ctx, s, models.SessionWarning); err != nil {
				return nil, err
			}
			return &Validation{
				Session:   s,
				Valid:     true,
				Remaining: expires.Sub(cutoff),
				Status:    s.Status,
				InGrace:   true,
			}, nil
		}
		if err := m.setStatus(ctx, s, models.SessionExpired); err != nil {
			return nil, err
		}
		return nil, errors.Newf(errors.ErrSessionExpired, "session %s expired", s.SessionID)
	}

	remaining := expires.Sub(now)
	if remaining <= m.opts.WarningThreshold {
		if err := m.setStatus(ctx, s, models.SessionWarning); err != nil {
			return nil, err
		}
	}
	return &Validation{Session: s, Valid: true, Remaining: remaining, Status: s.Status}, nil
}

// setStatus persists a status change and publishes it once.
func (m *Manager) setStatus(ctx context.Context, s *models.Session, status models.SessionStatus) error {
	if s.Status == status {
		return nil
	}
	now := m.opts.Now().Unix()
	if err := m.repo.SetSessionStatus(ctx, s.SessionID.String(), status, now); err != nil {
		return err
	}
	s.Status = status
	if !status.Live() {
		s.EndedAt = now
	}

	switch status {
	case models.SessionWarning:
		m.publish(EventWarning, s)
	case models.SessionExpired:
		logging.Info("Session expired", map[string]interface{}{"session_id": s.SessionID.String()})
		m.publish(EventExpired, s)
	}
	return nil
}

// Refresh extends a valid session by its timeout.
func (m *Manager) Refresh(ctx context.Context, sessionID string) (*models.Session, error) {
	v, err := m.Validate(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	s := v.Session

	now := m.opts.Now()
	expires := now.Add(s.Timeout())
	if err := m.repo.ExtendSession(ctx, sessionID, expires.Unix(), now.Unix()); err != nil {
		return nil, err
	}
	s.Status = models.SessionActive
	s.ExpiresAt = expires.Unix()
	s.LastActivityAt = now.Unix()

	if m.auth != nil && s.RemoteToken != "" && m.isOnline() {
		m.remoteCall(ctx, s, "refresh", func(rctx context.Context, token string) error {
			_, err := m.auth.RefreshToken(rctx, token)
			return err
		})
	}
	return s, nil
}

// Terminate ends a session. Terminating twice is not an error.
func (m *Manager) Terminate(ctx context.Context, sessionID string) error {
	s, err := m.repo.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return errors.Newf(errors.ErrSessionNotFound, "session %s not found", sessionID)
		}
		return err
	}
	if s.Status == models.SessionTerminated {
		return nil
	}

	if err := m.repo.SetSessionStatus(ctx, sessionID, models.SessionTerminated, m.opts.Now().Unix()); err != nil {
		return err
	}
	s.Status = models.SessionTerminated

	if m.auth != nil && s.RemoteToken != "" && m.isOnline() {
		m.remoteCall(ctx, s, "revoke", m.auth.RevokeToken)
	}

	logging.Info("Session terminated", map[string]interface{}{
		"session_id":         sessionID,
		"client_instance_id": s.ClientInstanceID,
	})
	m.publish(EventTerminated, s)
	return nil
}

// remoteCall runs a best-effort server call with the unsealed token.
func (m *Manager) remoteCall(ctx context.Context, s *models.Session, op string, fn func(context.Context, string) error) {
	token, err := crypto.Open(s.RemoteToken, crypto.InstanceKey(s.ClientInstanceID))
	if err != nil {
		logging.Warn("Cannot open server token", map[string]interface{}{"session_id": s.SessionID.String(), "error": err.Error()})
		return
	}
	rctx, cancel := context.WithTimeout(ctx, m.opts.RemoteTimeout)
	defer cancel()
	if err := fn(rctx, token); err != nil {
		logging.Warn("Server session call failed", map[string]interface{}{
			"op":         op,
			"session_id": s.SessionID.String(),
			"error":      err.Error(),
		})
	}
}

// HasLiveSession reports whether the pair may still act, honoring the
// offline grace period.
func (m *Manager) HasLiveSession(ctx context.Context, userID, clientInstanceID string) (bool, error) {
	cutoff := m.graceCutoff(m.opts.Now())
	return m.repo.HasLiveSession(ctx, userID, clientInstanceID, cutoff.Unix())
}

// Sessions lists every session of a user.
func (m *Manager) Sessions(ctx context.Context, userID string) ([]*models.Session, error) {
	return m.repo.ListSessionsByUser(ctx, userID)
}

// SweepResult reports one sweep.
type SweepResult struct {
	Expired int64 `json:"expired"`
	Deleted int64 `json:"deleted"`
}

// SweepExpired expires overdue sessions and deletes ended sessions past
// the retention window.
func (m *Manager) SweepExpired(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := m.opts.Now()

	var err error
	if res.Expired, err = m.repo.ExpireSessionsBefore(ctx, m.graceCutoff(now).Unix(), now.Unix()); err != nil {
		return res, err
	}
	if res.Deleted, err = m.repo.DeleteEndedSessions(ctx, now.Add(-m.opts.Retention).Unix()); err != nil {
		return res, err
	}
	if _, err = m.repo.PruneAuthAttempts(ctx, now.Add(-time.Minute).Unix()); err != nil {
		return res, err
	}

	if res.Expired > 0 || res.Deleted > 0 {
		logging.Info("Session sweep completed", map[string]interface{}{
			"expired": res.Expired,
			"deleted": res.Deleted,
		})
	}
	return res, nil
}
