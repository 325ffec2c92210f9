// Package encryption seals configuration secrets (resource passwords and
// DSNs) with AES-GCM so they can live in configuration files.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

// SealedPrefix marks a sealed value in configuration.
const SealedPrefix = "enc:"

var ErrNoKey = errors.New("sealed value found but no secret key configured")

// Sealer encrypts and decrypts values with AES-GCM. The nonce is prepended
// to the ciphertext.
type Sealer struct {
	gcm cipher.AEAD
}

// NewSealer builds a Sealer. The key must be 16, 24 or 32 bytes for AES-128,
// AES-192 or AES-256.
func NewSealer(key []byte) (*Sealer, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Sealer{gcm: gcm}, nil
}

// ParseKey decodes a base64 key, standard or URL alphabet.
func ParseKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if key, err := enc.DecodeString(s); err == nil {
			return key, nil
		}
	}
	return nil, errors.New("secret key is not valid base64")
}

// Encrypt returns nonce|ciphertext.
func (s *Sealer) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return s.gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt reverses Encrypt.
func (s *Sealer) Decrypt(ciphertext []byte) ([]byte, error) {
	n := s.gcm.NonceSize()
	if len(ciphertext) < n {
		return nil, errors.New("ciphertext is too short")
	}
	plaintext, err := s.gcm.Open(nil, ciphertext[:n], ciphertext[n:], nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

// Seal returns the configuration form of value: SealedPrefix followed by the
// base64 ciphertext.
func (s *Sealer) Seal(value string) (string, error) {
	ct, err := s.Encrypt([]byte(value))
	if err != nil {
		return "", err
	}
	return SealedPrefix + base64.StdEncoding.EncodeToString(ct), nil
}

// Open returns value unchanged unless it is sealed. A nil Sealer can open
// only plain values.
func (s *Sealer) Open(value string) (string, error) {
	raw, ok := strings.CutPrefix(value, SealedPrefix)
	if !ok {
		return value, nil
	}
	if s == nil {
		return "", ErrNoKey
	}
	ct, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return "", fmt.Errorf("sealed value: %w", err)
	}
	pt, err := s.Decrypt(ct)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}
