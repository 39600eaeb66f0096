// Package uuid generates and validates the v4 identifiers used for sessions,
// queue items and client instances.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// New generates a new UUID v4.
func New() string {
	return uuid.New().String()
}

// Parse parses s and requires it to be a canonical UUID v4.
func Parse(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid UUID: %w", err)
	}
	if id.Version() != 4 {
		return uuid.Nil, fmt.Errorf("expected UUID v4, got v%d", id.Version())
	}
	if id.String() != s {
		return uuid.Nil, fmt.Errorf("UUID %q is not in canonical form", s)
	}
	return id, nil
}

// IsValid checks if a string is a canonical UUID v4.
func IsValid(s string) bool {
	_, err := Parse(s)
	return err == nil
}
