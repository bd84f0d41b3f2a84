// Package crypto seals persisted queue snapshots at rest.
// Uses AES-256-GCM for authenticated encryption.
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
)

var (
	// ErrInvalidCiphertext is returned when opening fails.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	// ErrInvalidKey is returned when the key is empty.
	ErrInvalidKey = errors.New("invalid key")
)

// sealedPrefix marks a blob produced by Sealer.Seal.
var sealedPrefix = []byte("hrsealed:v1:")

// DeriveKey derives a 32-byte key from a configured secret.
func DeriveKey(secret string) []byte {
	hash := sha256.Sum256([]byte("hrdesk:" + secret))
	return hash[:]
}

// Sealer encrypts and decrypts snapshot blobs with a fixed key.
type Sealer struct {
	gcm cipher.AEAD
}

// NewSealer builds a sealer from a secret. An empty secret is rejected.
func NewSealer(secret string) (*Sealer, error) {
	if secret == "" {
		return nil, ErrInvalidKey
	}

	block, err := aes.NewCipher(DeriveKey(secret))
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	return &Sealer{gcm: gcm}, nil
}

// Seal encrypts plaintext and returns a prefixed base64 blob.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	ciphertext := s.gcm.Seal(nonce, nonce, plaintext, nil)

	out := make([]byte, len(sealedPrefix)+base64.StdEncoding.EncodedLen(len(ciphertext)))
	copy(out, sealedPrefix)
	base64.StdEncoding.Encode(out[len(sealedPrefix):], ciphertext)
	return out, nil
}

// Open decrypts a blob produced by Seal.
func (s *Sealer) Open(blob []byte) ([]byte, error) {
	if !IsSealed(blob) {
		return nil, ErrInvalidCiphertext
	}

	encoded := blob[len(sealedPrefix):]
	data := make([]byte, base64.StdEncoding.DecodedLen(len(encoded)))
	n, err := base64.StdEncoding.Decode(data, encoded)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	data = data[:n]

	nonceSize := s.gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, ErrInvalidCiphertext
	}

	nonce, cipherData := data[:nonceSize], data[nonceSize:]
	plaintext, err := s.gcm.Open(nil, nonce, cipherData, nil)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}

	return plaintext, nil
}

// IsSealed reports whether blob carries the sealed marker.
func IsSealed(blob []byte) bool {
	return bytes.HasPrefix(blob, sealedPrefix)
}
