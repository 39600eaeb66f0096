package ledger

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"

	"github.com/goccy/go-json"

	"github.com/kimhsiao/possync/internal/errors"
)

// keyDomain separates operation keys from any other hash of the same bytes.
// The version suffix allows the derivation to change without collisions.
const keyDomain = "possync/operation/v1"

// KeyInput is the identity of one client operation.
type KeyInput struct {
	ClientInstanceID string
	OpType           string
	EntityID         string
	Payload          json.RawMessage
}

// DeriveKey returns a deterministic idempotency key for in. Two inputs that
// differ only in payload key order or whitespace derive the same key.
func DeriveKey(in KeyInput) (string, error) {
	payload, err := canonicalize(in.Payload)
	if err != nil {
		return "", errors.Wrap(errors.ErrInvalid, "payload is not valid JSON", err)
	}

	canonical, err := json.Marshal(map[string]interface{}{
		"client_instance_id": in.ClientInstanceID,
		"op_type":            in.OpType,
		"entity_id":          in.EntityID,
		"payload":            payload,
	})
	if err != nil {
		return "", errors.Wrap(errors.ErrInternal, "marshal key input", err)
	}
	return hashWithDomain(keyDomain, canonical), nil
}

// canonicalize decodes raw and re-encodes it with sorted object keys.
// Numbers keep their literal form.
func canonicalize(raw json.RawMessage) (interface{}, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}
