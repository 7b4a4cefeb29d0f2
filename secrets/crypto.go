/*
Package secrets is the symmetric-encryption boundary for persisted
credentials, today only the payers' SFTP passwords.

PURPOSE:
  Payer records carry the SFTP password for delivery. The store never sees
  plaintext: the delivery engine decrypts through this package, the admin
  surface encrypts through it.

MODES:
  - Real: AES-256-GCM. The key is derived from the configured key string and
    a hex salt with PBKDF2-SHA256 (10000 iterations). Ciphertext is
    base64(nonce || sealed).
  - No-op: when key or salt is empty the cipher passes text through
    unchanged. Construction reports this so the caller can log a startup
    warning. Never for production.

USAGE:
  cipher, noop, err := secrets.NewCipher(key, hexSalt)
  if noop { logger.Warn("encryption disabled") }
  plain, err := cipher.Decrypt(stored)
*/
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	keyLength  = 32
	iterations = 10000
)

// Cipher encrypts and decrypts short text values.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// NewCipher builds a Cipher from the configured key and hex salt. When
// either is empty it returns the pass-through cipher and noop=true; the
// caller must surface the startup warning.
func NewCipher(key, hexSalt string) (c Cipher, noop bool, err error) {
	if key == "" || hexSalt == "" {
		return passthrough{}, true, nil
	}
	salt, err := hex.DecodeString(hexSalt)
	if err != nil {
		return nil, false, fmt.Errorf("encryption salt is not valid hex: %w", err)
	}
	derived := pbkdf2.Key([]byte(key), salt, iterations, keyLength, sha256.New)
	return &aesGCM{key: derived}, false, nil
}

// =============================================================================
// AES-256-GCM
// =============================================================================

type aesGCM struct {
	key []byte
}

func (a *aesGCM) Encrypt(plaintext string) (string, error) {
	gcm, err := a.aead()
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (a *aesGCM) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("ciphertext is not valid base64: %w", err)
	}
	gcm, err := a.aead()
	if err != nil {
		return "", err
	}
	if len(raw) < gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext shorter than nonce")
	}
	nonce, sealed := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plain), nil
}

func (a *aesGCM) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(a.key)
	if err != nil {
		return nil, fmt.Errorf("failed to build cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// =============================================================================
// NO-OP MODE
// =============================================================================

// passthrough stores values unmodified. Dev-only.
type passthrough struct{}

func (passthrough) Encrypt(plaintext string) (string, error)  { return plaintext, nil }
func (passthrough) Decrypt(ciphertext string) (string, error) { return ciphertext, nil }
