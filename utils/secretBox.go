package utils

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// sealedPrefix marks values produced by SecretBox.Seal so plaintext rows
// written before a key was configured can still be read.
const sealedPrefix = "xc1:"

var ErrSecretBoxKey = errors.New("secret box key must be 32 bytes (base64)")

// SecretBox encrypts short secrets (OAuth tokens) with XChaCha20-Poly1305.
// A nil *SecretBox is valid and passes values through unchanged.
type SecretBox struct {
	key []byte
}

func NewSecretBox(base64Key string) (*SecretBox, error) {
	base64Key = strings.TrimSpace(base64Key)
	if base64Key == "" {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("decode secret box key: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrSecretBoxKey
	}
	return &SecretBox{key: key}, nil
}

func (b *SecretBox) Seal(plaintext string) (string, error) {
	if b == nil || plaintext == "" {
		return plaintext, nil
	}
	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return sealedPrefix + base64.RawStdEncoding.EncodeToString(sealed), nil
}

func (b *SecretBox) Open(value string) (string, error) {
	if !strings.HasPrefix(value, sealedPrefix) {
		return value, nil
	}
	if b == nil {
		return "", errors.New("encrypted value but no secret box key configured")
	}
	raw, err := base64.RawStdEncoding.DecodeString(strings.TrimPrefix(value, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("decode sealed value: %w", err)
	}
	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return "", err
	}
	if len(raw) < aead.NonceSize() {
		return "", errors.New("sealed value too short")
	}
	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("open sealed value: %w", err)
	}
	return string(plain), nil
}
