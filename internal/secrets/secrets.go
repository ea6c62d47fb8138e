// Package secrets encrypts private key material at rest with AES-256-GCM.
//
// Ciphertexts are Base64(IV || ciphertext || tag) with a 12-byte IV and a
// 16-byte tag. Values that start with "-----BEGIN" are plaintext PEM and are
// passed through by Decrypt so records written before encryption was enabled
// remain readable.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

const (
	KeySize = 32
	ivSize  = 12
	tagSize = 16

	pemPrefix = "-----BEGIN"
)

var (
	ErrMissingKey        = errors.New("secrets: encryption key is required outside development mode")
	ErrInvalidKey        = errors.New("secrets: encryption key must be 32 bytes")
	ErrInvalidCiphertext = errors.New("secrets: invalid ciphertext")
)

// Cipher encrypts and decrypts strings with a single process-wide key.
type Cipher struct {
	aead      cipher.AEAD
	generated bool
}

// NewCipher creates a Cipher from a raw 32-byte key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secrets: failed to create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secrets: failed to create GCM: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// FromConfig builds the process Cipher from a Base64 key. An empty key is an
// error unless devMode is set, in which case a random key is generated for the
// lifetime of the process and a warning is logged.
func FromConfig(encodedKey string, devMode bool, logger *zap.Logger) (*Cipher, error) {
	if logger == nil {
		logger = zap.L()
	}
	if encodedKey == "" {
		if !devMode {
			return nil, ErrMissingKey
		}
		key, err := GenerateKey()
		if err != nil {
			return nil, err
		}
		logger.Warn("no encryption key configured, generated a process-lifetime key; private keys stored in this run will be unreadable after restart",
			zap.String("package", "secrets"), zap.Bool("dev_mode", devMode))
		c, err := NewCipher(key)
		if err != nil {
			return nil, err
		}
		c.generated = true
		return c, nil
	}
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encodedKey))
	if err != nil {
		return nil, fmt.Errorf("secrets: encryption key is not valid base64: %w", err)
	}
	return NewCipher(key)
}

// GenerateKey returns a random 32-byte key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("secrets: failed to generate key: %w", err)
	}
	return key, nil
}

// Generated reports whether the key was generated rather than configured.
func (c *Cipher) Generated() bool { return c.generated }

// Encrypt returns Base64(IV || ciphertext || tag).
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("secrets: failed to generate IV: %w", err)
	}
	out := c.aead.Seal(iv, iv, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt reverses Encrypt. Plaintext PEM input is returned unchanged; any
// other value must be a valid ciphertext.
func (c *Cipher) Decrypt(value string) (string, error) {
	if strings.HasPrefix(value, pemPrefix) {
		return value, nil
	}
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	if len(raw) < ivSize+tagSize {
		return "", ErrInvalidCiphertext
	}
	plain, err := c.aead.Open(nil, raw[:ivSize], raw[ivSize:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	return string(plain), nil
}

// IsEncrypted reports whether value is treated as an encrypted blob: any
// non-empty value that is not PEM.
func IsEncrypted(value string) bool {
	return value != "" && !strings.HasPrefix(value, pemPrefix)
}
