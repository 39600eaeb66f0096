package session

import (
	"context"
	"time"

	"github.com/kimhsiao/possync/internal/crypto"
	"github.com/kimhsiao/possync/internal/errors"
	"github.com/kimhsiao/possync/internal/logging"
	"github.com/kimhsiao/possync/internal/models"
)

// SetOfflinePIN caches a 4-digit PIN that can open sessions while the
// server is unreachable.
func (m *Manager) SetOfflinePIN(ctx context.Context, userID, pin string) error {
	if userID == "" {
		return errors.New(errors.ErrInvalid, "user_id is required")
	}
	if err := crypto.ValidatePIN(pin); err != nil {
		return errors.Wrap(errors.ErrValidation, "invalid offline PIN", err)
	}
	return m.cacheCredential(ctx, userID, models.CredentialPIN, pin)
}

// ClearOfflinePIN removes the cached PIN of userID.
func (m *Manager) ClearOfflinePIN(ctx context.Context, userID string) error {
	return m.repo.DeleteCredential(ctx, userID, models.CredentialPIN)
}

func (m *Manager) cacheCredential(ctx context.Context, userID string, kind models.CredentialKind, secret string) error {
	hash, err := crypto.HashSecret(secret, m.opts.Argon2)
	if err != nil {
		return errors.Wrap(errors.ErrCryptoFailed, "hash credential", err)
	}
	return m.repo.UpsertCredential(ctx, &models.CachedCredential{
		UserID:     userID,
		Kind:       kind,
		SecretHash: hash,
		UpdatedAt:  m.opts.Now().Unix(),
	})
}

// verifyOffline checks secret against every cached credential of userID.
// Failed attempts are rate limited per user over a sliding minute.
func (m *Manager) verifyOffline(ctx context.Context, userID, secret string) error {
	now := m.opts.Now()
	failures, err := m.repo.CountAuthAttempts(ctx, userID, now.Add(-time.Minute).Unix())
	if err != nil {
		return err
	}
	if failures >= m.opts.AttemptsPerMinute {
		return errors.Newf(errors.ErrRateLimited, "too many offline attempts for %s, retry later", userID)
	}

	creds, err := m.repo.GetCredentials(ctx, userID)
	if err != nil {
		return err
	}
	if len(creds) == 0 {
		return errors.Newf(errors.ErrAuthFailed, "no cached credential for %s", userID)
	}

	for _, c := range creds {
		if crypto.VerifySecret(secret, c.SecretHash) != nil {
			continue
		}
		if crypto.NeedsRehash(c.SecretHash, m.opts.Argon2) {
			if err := m.cacheCredential(ctx, userID, c.Kind, secret); err != nil {
				logging.Warn("Credential rehash failed", map[string]interface{}{"user_id": userID, "error": err.Error()})
			}
		}
		return nil
	}

	if err := m.repo.RecordAuthAttempt(ctx, userID, now.Unix()); err != nil {
		return err
	}
	logging.Warn("Offline authentication failed", map[string]interface{}{
		"user_id":  userID,
		"failures": failures + 1,
	})
	return errors.New(errors.ErrAuthFailed, "credential does not match")
}
