// Package session manages authenticated sessions scoped to a
// (user, client instance) pair, including offline creation, expiry,
// warning state and termination.
package session

import (
	"fmt"
	"strings"

	"github.com/kimhsiao/possync/internal/errors"
)

const keySeparator = "_client_"

// Key identifies the owner of a session. Two client instances of the same
// user always have distinct keys, and so never share a session.
type Key struct {
	UserID           string
	ClientInstanceID string
}

// NewKey builds and validates a Key.
func NewKey(userID, clientInstanceID string) (Key, error) {
	k := Key{UserID: userID, ClientInstanceID: clientInstanceID}
	return k, k.Validate()
}

// Validate rejects empty parts and parts that would make String ambiguous.
func (k Key) Validate() error {
	if k.UserID == "" || k.ClientInstanceID == "" {
		return errors.New(errors.ErrInvalid, "session key needs both user_id and client_instance_id")
	}
	if strings.Contains(k.UserID, keySeparator) || strings.Contains(k.ClientInstanceID, keySeparator) {
		return errors.Newf(errors.ErrInvalid, "session key parts must not contain %q", keySeparator)
	}
	return nil
}

// String is the stored form, user_<user>_client_<instance>.
func (k Key) String() string {
	return fmt.Sprintf("user_%s%s%s", k.UserID, keySeparator, k.ClientInstanceID)
}

// ParseKey reverses String.
func ParseKey(s string) (Key, error) {
	rest, ok := strings.CutPrefix(s, "user_")
	if !ok {
		return Key{}, errors.Newf(errors.ErrInvalid, "malformed session key %q", s)
	}
	user, client, ok := strings.Cut(rest, keySeparator)
	if !ok {
		return Key{}, errors.Newf(errors.ErrInvalid, "malformed session key %q", s)
	}
	return NewKey(user, client)
}
