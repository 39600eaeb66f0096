// Package errors provides the coded error taxonomy shared by every possync component.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode identifies a class of failure. Codes are stable and are
// serialized as-is by the local API.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrDuplicate  ErrorCode = "DUPLICATE"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Configuration errors
	ErrInvalidConfig ErrorCode = "INVALID_CONFIG"

	// Database errors
	ErrDatabase   ErrorCode = "DATABASE_ERROR"
	ErrMigration  ErrorCode = "MIGRATION_FAILED"
	ErrConstraint ErrorCode = "CONSTRAINT_VIOLATION"

	// Session errors
	ErrSessionExpired  ErrorCode = "SESSION_EXPIRED"
	ErrSessionNotFound ErrorCode = "SESSION_NOT_FOUND"
	ErrAuthFailed      ErrorCode = "AUTH_FAILED"
	ErrRateLimited     ErrorCode = "RATE_LIMITED"

	// Queue errors
	ErrCapacityExceeded ErrorCode = "CAPACITY_EXCEEDED"

	// Sync errors
	ErrSyncTransient  ErrorCode = "SYNC_TRANSIENT"
	ErrSyncRejected   ErrorCode = "SYNC_REJECTED"
	ErrSyncInProgress ErrorCode = "SYNC_IN_PROGRESS"
	ErrSyncTimeout    ErrorCode = "SYNC_TIMEOUT"
	ErrSyncAuthFailed ErrorCode = "SYNC_AUTH_FAILED"

	// Idempotency errors
	ErrIdempotencyInFlight ErrorCode = "IDEMPOTENCY_IN_FLIGHT"

	// Model cache errors
	ErrLockTimeout   ErrorCode = "LOCK_TIMEOUT"
	ErrLockContended ErrorCode = "LOCK_CONTENDED"

	// Crypto errors
	ErrCryptoFailed ErrorCode = "CRYPTO_FAILED"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new AppError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is reports whether any error in err's chain is an AppError with code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	for err != nil {
		if !stderrors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Err
	}
	return false
}

// CodeOf returns the code of the outermost AppError in err's chain,
// or ErrInternal when there is none.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}
