// Package errors tests for error code definitions and error handling.
package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestErrorCodeValues verifies all error codes are non-empty and unique.
func TestErrorCodeValues(t *testing.T) {
	codes := []ErrorCode{
		ErrInternal, ErrInvalid, ErrNotFound, ErrDuplicate, ErrValidation,
		ErrInvalidConfig,
		ErrDatabase, ErrMigration, ErrConstraint,
		ErrSessionExpired, ErrSessionNotFound, ErrAuthFailed, ErrRateLimited,
		ErrCapacityExceeded,
		ErrSyncTransient, ErrSyncRejected, ErrSyncInProgress, ErrSyncTimeout, ErrSyncAuthFailed,
		ErrIdempotencyInFlight,
		ErrLockTimeout, ErrLockContended,
		ErrCryptoFailed,
	}

	seen := make(map[ErrorCode]bool)
	for _, c := range codes {
		assert.NotEmpty(t, string(c))
		assert.False(t, seen[c], "duplicate code %s", c)
		seen[c] = true
	}
}

func TestAppError_Error(t *testing.T) {
	assert.Equal(t, "[NOT_FOUND] no such item", New(ErrNotFound, "no such item").Error())

	wrapped := Wrap(ErrDatabase, "insert failed", errors.New("disk full"))
	assert.Equal(t, "[DATABASE_ERROR] insert failed: disk full", wrapped.Error())
}

func TestAppError_Unwrap(t *testing.T) {
	base := errors.New("boom")
	err := Wrap(ErrInternal, "outer", base)

	assert.ErrorIs(t, err, base)
	assert.Nil(t, New(ErrInternal, "x").Unwrap())
}

func TestNewf(t *testing.T) {
	err := Newf(ErrCapacityExceeded, "queue is full (max size: %d)", 10)
	assert.Equal(t, ErrCapacityExceeded, err.Code)
	assert.Equal(t, "queue is full (max size: 10)", err.Message)
}

func TestIs(t *testing.T) {
	inner := New(ErrLockTimeout, "lock wait exceeded")
	outer := Wrap(ErrSyncTransient, "refresh", inner)
	viaFmt := fmt.Errorf("controller: %w", outer)

	assert.True(t, Is(viaFmt, ErrSyncTransient))
	assert.True(t, Is(viaFmt, ErrLockTimeout))
	assert.False(t, Is(viaFmt, ErrNotFound))
	assert.False(t, Is(errors.New("plain"), ErrInternal))
	assert.False(t, Is(nil, ErrInternal))
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, ErrAuthFailed, CodeOf(fmt.Errorf("x: %w", New(ErrAuthFailed, "bad pin"))))
	assert.Equal(t, ErrInternal, CodeOf(errors.New("plain")))
}
