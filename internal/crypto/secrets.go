// Package crypto seals user-supplied provider API keys before they reach storage.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// sealedPrefix marks a value produced by SecretCipher.Seal.
const sealedPrefix = "enc:v1:"

var (
	// ErrKeyLengthInvalid is returned when a master key is not exactly 32 bytes.
	ErrKeyLengthInvalid = errors.New("crypto: key must be exactly 32 bytes for AES-256")
	// ErrCiphertextCorrupted is returned when a sealed value cannot be decoded.
	ErrCiphertextCorrupted = errors.New("crypto: ciphertext is corrupted or tampered")
	// ErrDecryptionFailed is returned when GCM authentication fails.
	ErrDecryptionFailed = errors.New("crypto: decryption operation failed")
	// ErrSaltTooShort is returned when the salt is shorter than 16 bytes.
	ErrSaltTooShort = errors.New("crypto: salt must be at least 16 bytes")
	// ErrNotSealed is returned by a cipher asked to open a plaintext value.
	ErrNotSealed = errors.New("crypto: value is not sealed")
)

// Sealer converts secrets to and from their stored form.
type Sealer interface {
	Seal(plaintext string) (string, error)
	Open(stored string) (string, error)
}

// SecretCipher is an AES-256-GCM Sealer.
type SecretCipher struct {
	aead cipher.AEAD
}

// NewSecretCipher creates a cipher with a 32-byte master key.
func NewSecretCipher(masterKey []byte) (*SecretCipher, error) {
	if len(masterKey) != 32 {
		return nil, ErrKeyLengthInvalid
	}
	keyCopy := make([]byte, 32)
	copy(keyCopy, masterKey)

	block, err := aes.NewCipher(keyCopy)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &SecretCipher{aead: aead}, nil
}

// DeriveSecretCipher derives the master key from a passphrase with PBKDF2-SHA256.
func DeriveSecretCipher(passphrase string, salt []byte, iterations int) (*SecretCipher, error) {
	if len(salt) < 16 {
		return nil, ErrSaltTooShort
	}
	if iterations < 10000 {
		iterations = 100000
	}
	return NewSecretCipher(pbkdf2.Key([]byte(passphrase), salt, iterations, 32, sha256.New))
}

// Seal encrypts plaintext into a prefixed base64 string. Empty input stays empty.
func (c *SecretCipher) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return sealedPrefix + base64.URLEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal.
func (c *SecretCipher) Open(stored string) (string, error) {
	if stored == "" {
		return "", nil
	}
	if !IsSealed(stored) {
		return "", ErrNotSealed
	}

	raw, err := base64.URLEncoding.DecodeString(strings.TrimPrefix(stored, sealedPrefix))
	if err != nil {
		return "", ErrCiphertextCorrupted
	}

	nonceLen := c.aead.NonceSize()
	if len(raw) < nonceLen {
		return "", ErrCiphertextCorrupted
	}

	plaintext, err := c.aead.Open(nil, raw[:nonceLen], raw[nonceLen:], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

// IsSealed reports whether stored carries the sealed-value prefix.
func IsSealed(stored string) bool {
	return strings.HasPrefix(stored, sealedPrefix)
}

// Plaintext is a pass-through Sealer for deployments without a configured passphrase.
type Plaintext struct{}

// Seal returns plaintext unchanged.
func (Plaintext) Seal(plaintext string) (string, error) { return plaintext, nil }

// Open returns stored unchanged. Sealed values cannot be read without the cipher.
func (Plaintext) Open(stored string) (string, error) {
	if IsSealed(stored) {
		return "", ErrDecryptionFailed
	}
	return stored, nil
}

// Redact renders a secret safe for logs and list views, keeping only the last four characters.
func Redact(secret string) string {
	if len(secret) <= 8 {
		return "****"
	}
	return "****" + secret[len(secret)-4:]
}

// GenerateKey creates a random 32-byte key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	return key, nil
}
