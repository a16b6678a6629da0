// Package crypto seals secrets kept in the capture catalog, in practice the publisher's OAuth
// tokens. Sealed values are AES-256-GCM with a random nonce, base64 encoded and tagged with the
// id of the key that sealed them so a rotated key is detected instead of producing garbage.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrKeyMismatch is returned when a value was sealed under a different key.
var ErrKeyMismatch = errors.New("sealed with a different key")

// Sealer seals and opens short secrets for storage in text columns.
type Sealer interface {
	Seal(plaintext string) (string, error)
	Open(sealed string) (string, error)
	KeyID() string
}

// AESSealer implements Sealer with AES-256-GCM.
type AESSealer struct {
	aead  cipher.AEAD
	keyID string
}

// NewAESSealer builds a sealer from a base64-encoded 32-byte key (openssl rand -base64 32).
func NewAESSealer(base64Key string) (*AESSealer, error) {
	if base64Key == "" {
		return nil, fmt.Errorf("encryption key is empty")
	}
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(base64Key))
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: base64 decode failed: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid encryption key: must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	sum := sha256.Sum256(key)
	return &AESSealer{aead: aead, keyID: hex.EncodeToString(sum[:4])}, nil
}

// KeyID is a short fingerprint of the key, safe to store next to sealed values.
func (s *AESSealer) KeyID() string { return s.keyID }

// Seal returns "<key id>:<base64(nonce || ciphertext || tag)>". Empty input seals to "".
func (s *AESSealer) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	out := s.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return s.keyID + ":" + base64.StdEncoding.EncodeToString(out), nil
}

// Open reverses Seal.
func (s *AESSealer) Open(sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	id, body, ok := strings.Cut(sealed, ":")
	if !ok {
		return "", fmt.Errorf("sealed value has no key id")
	}
	if id != s.keyID {
		return "", fmt.Errorf("key %s: %w", id, ErrKeyMismatch)
	}
	raw, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return "", fmt.Errorf("base64 decode failed: %w", err)
	}
	n := s.aead.NonceSize()
	if len(raw) < n {
		return "", fmt.Errorf("ciphertext too short: %d bytes", len(raw))
	}
	plain, err := s.aead.Open(nil, raw[:n], raw[n:], nil)
	if err != nil {
		// never surface cipher internals
		return "", fmt.Errorf("decryption failed: authentication or integrity check failed")
	}
	return string(plain), nil
}
