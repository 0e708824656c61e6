// Package crypto seals account credentials at rest with AES-256-GCM.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

// sealedPrefix marks values produced by Seal. Unprefixed values are
// treated as legacy plaintext and passed through by Open.
const sealedPrefix = "enc:v1:"

var (
	ErrEmptyKey         = errors.New("crypto: encryption key is empty")
	ErrInvalidSealed    = errors.New("crypto: invalid sealed value")
	ErrDecryptionFailed = errors.New("crypto: decryption failed")
)

// Sealer encrypts and decrypts short secrets such as OAuth tokens and
// IMAP passwords.
type Sealer struct {
	gcm cipher.AEAD
}

// NewSealer derives a 32-byte key with SHA-256 unless the key already has
// that length.
func NewSealer(key string) (*Sealer, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	k := []byte(key)
	if len(k) != 32 {
		sum := sha256.Sum256(k)
		k = sum[:]
	}

	block, err := aes.NewCipher(k)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return &Sealer{gcm: gcm}, nil
}

// Seal encrypts plaintext. Empty input stays empty.
func (s *Sealer) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	ct := s.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return sealedPrefix + base64.StdEncoding.EncodeToString(ct), nil
}

// Open decrypts a value produced by Seal. Values without the sealed
// prefix are returned unchanged.
func (s *Sealer) Open(value string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, sealedPrefix))
	if err != nil {
		return "", ErrInvalidSealed
	}
	ns := s.gcm.NonceSize()
	if len(data) < ns+s.gcm.Overhead() {
		return "", ErrInvalidSealed
	}
	pt, err := s.gcm.Open(nil, data[:ns], data[ns:], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(pt), nil
}

func IsSealed(value string) bool {
	return strings.HasPrefix(value, sealedPrefix)
}
