// Package crypto seals connection secrets at rest.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

// sealVersion prefixes every sealed value so the format can change later.
const sealVersion = "v1:"

// ErrTampered is returned when a sealed value fails authentication, either
// because it was modified or because it is opened with the wrong binding.
var ErrTampered = errors.New("sealed secret failed authentication")

// Encryptor provides AES-256-GCM sealing. Each value is bound to caller
// supplied associated data so a sealed secret copied onto another row
// cannot be opened there.
type Encryptor struct {
	gcm cipher.AEAD
}

// NewEncryptor creates an Encryptor from a hex-encoded 32-byte key.
func NewEncryptor(hexKey string) (*Encryptor, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decode encryption key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &Encryptor{gcm: gcm}, nil
}

// Seal encrypts plaintext bound to binding and returns a printable value.
func (e *Encryptor) Seal(plaintext, binding string) (string, error) {
	nonce := make([]byte, e.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	out := e.gcm.Seal(nonce, nonce, []byte(plaintext), []byte(binding))
	return sealVersion + hex.EncodeToString(out), nil
}

// Open reverses Seal. binding must equal the value used to seal.
func (e *Encryptor) Open(sealed, binding string) (string, error) {
	body, ok := strings.CutPrefix(sealed, sealVersion)
	if !ok {
		return "", fmt.Errorf("unsupported sealed secret format")
	}
	raw, err := hex.DecodeString(body)
	if err != nil {
		return "", fmt.Errorf("decode sealed secret: %w", err)
	}
	n := e.gcm.NonceSize()
	if len(raw) < n {
		return "", fmt.Errorf("sealed secret too short")
	}
	plaintext, err := e.gcm.Open(nil, raw[:n], raw[n:], []byte(binding))
	if err != nil {
		return "", ErrTampered
	}
	return string(plaintext), nil
}
