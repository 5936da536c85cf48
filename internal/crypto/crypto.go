// Package crypto implements the envelope encryption used for stored
// upstream auth configs: AES-256-GCM with a random 12-byte IV prefixed to
// the ciphertext, base64-encoded, with additional authenticated data binding
// the payload to its interface record.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

const (
	ivLength = 12
	// gcmTagLength is the GCM authentication tag size appended by Seal.
	gcmTagLength = 16
)

// Encrypt seals plaintext under a 32-byte key with the given AAD and returns
// base64(iv || ciphertext || tag). Used by the platform side when writing
// auth configs; kept here so the round trip is testable in one place.
func Encrypt(key, aad []byte, plaintext string) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	iv := make([]byte, ivLength)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generating iv: %w", err)
	}

	sealed := gcm.Seal(nil, iv, []byte(plaintext), aad)
	out := make([]byte, 0, ivLength+len(sealed))
	out = append(out, iv...)
	out = append(out, sealed...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt reverses Encrypt. The AAD must match the one used at encryption
// time or authentication fails.
func Decrypt(key, aad []byte, encoded string) (string, error) {
	if encoded == "" {
		return "", fmt.Errorf("encrypted payload is empty")
	}

	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decoding payload: %w", err)
	}
	if len(raw) < ivLength+gcmTagLength {
		return "", fmt.Errorf("encrypted payload too short: %d bytes", len(raw))
	}

	iv, ciphertext := raw[:ivLength], raw[ivLength:]
	plain, err := gcm.Open(nil, iv, ciphertext, aad)
	if err != nil {
		return "", fmt.Errorf("decrypting payload: %w", err)
	}
	return string(plain), nil
}

// IsEncrypted reports whether data looks like an envelope-encrypted payload:
// valid base64 long enough to hold an IV, at least one ciphertext byte, and
// a GCM tag. Plain JSON auth configs fail the base64 decode and pass through
// untouched.
func IsEncrypted(data string) bool {
	if data == "" {
		return false
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return false
	}
	return len(raw) >= ivLength+1+gcmTagLength
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("key must be 32 bytes (AES-256), got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating gcm: %w", err)
	}
	return gcm, nil
}
