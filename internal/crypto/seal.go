// Package crypto hashes offline credentials and seals server tokens at rest.
// Sealing uses AES-256-GCM; credential hashing uses Argon2id.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
)

var (
	// ErrInvalidCiphertext is returned when decryption fails.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	// ErrInvalidKey is returned when the key is empty.
	ErrInvalidKey = errors.New("invalid key")
)

// InstanceKey derives the sealing key for a client instance.
func InstanceKey(clientInstanceID string) []byte {
	sum := sha256.Sum256([]byte("possync/seal/v1\x00" + clientInstanceID))
	return sum[:]
}

// Seal encrypts plaintext with AES-256-GCM and returns base64(nonce||ciphertext).
func Seal(plaintext string, key []byte) (string, error) {
	if len(key) == 0 {
		return "", ErrInvalidKey
	}
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal. An empty input opens to an empty string.
func Open(sealed string, key []byte) (string, error) {
	if sealed == "" {
		return "", nil
	}
	if len(key) == 0 {
		return "", ErrInvalidKey
	}
	data, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	n := gcm.NonceSize()
	if len(data) < n {
		return "", ErrInvalidCiphertext
	}
	plaintext, err := gcm.Open(nil, data[:n], data[n:], nil)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	return string(plaintext), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	derived := sha256.Sum256(key)
	block, err := aes.NewCipher(derived[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
