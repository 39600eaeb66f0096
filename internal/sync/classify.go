package sync

import (
	"context"
	stderrors "errors"

	"github.com/kimhsiao/possync/internal/errors"
)

// isPermanent reports whether a submit error means the server will never
// accept the operation as sent. Everything else is worth retrying.
func isPermanent(err error) bool {
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled) {
		return false
	}
	switch errors.CodeOf(err) {
	case errors.ErrSyncRejected, errors.ErrValidation, errors.ErrInvalid, errors.ErrNotFound:
		return true
	default:
		return false
	}
}

// errorCode is the code recorded for a failed item.
func errorCode(err error) errors.ErrorCode {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.ErrSyncTimeout
	}
	if code := errors.CodeOf(err); code != errors.ErrInternal {
		return code
	}
	return errors.ErrSyncTransient
}
