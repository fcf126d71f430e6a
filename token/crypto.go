package token

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// encryptedPrefix tags values produced by Encrypt. Values without it are
// treated as legacy plaintext and accepted on read.
const encryptedPrefix = "v1"

// ErrUndecipherable is returned when a stored value carries the encrypted
// tag but cannot be decrypted (wrong key, corrupt record).
var ErrUndecipherable = errors.New("stored credential cannot be decrypted")

// Cipher encrypts and decrypts stored token values with AES-256-GCM.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher creates a Cipher from a 32-byte key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	return &Cipher{aead: aead}, nil
}

// Encrypt returns "v1:<base64 nonce>:<base64 ciphertext+tag>".
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	sealed := c.aead.Seal(nil, nonce, []byte(plaintext), nil)

	return strings.Join([]string{
		encryptedPrefix,
		base64.StdEncoding.EncodeToString(nonce),
		base64.StdEncoding.EncodeToString(sealed),
	}, ":"), nil
}

// Decrypt reverses Encrypt. Values without the version tag are legacy
// plaintext and are returned as-is; callers re-encrypt on the next write.
func (c *Cipher) Decrypt(value string) (string, error) {
	if !strings.HasPrefix(value, encryptedPrefix+":") {
		return value, nil
	}

	parts := strings.SplitN(value, ":", 3)
	if len(parts) != 3 {
		return "", ErrUndecipherable
	}

	nonce, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil || len(nonce) != c.aead.NonceSize() {
		return "", ErrUndecipherable
	}

	sealed, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return "", ErrUndecipherable
	}

	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrUndecipherable
	}

	return string(plaintext), nil
}
