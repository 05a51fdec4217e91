package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Encryptor seals credential secrets at rest.
type Encryptor interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

const sealedPrefix = "xc1:"

// SecretBox is an XChaCha20-Poly1305 Encryptor. Empty strings pass through
// unchanged so optional fields stay empty in storage.
type SecretBox struct {
	key []byte
}

// NewSecretBox derives a 256-bit key from secret with HKDF-SHA256.
func NewSecretBox(secret string) (*SecretBox, error) {
	if len(secret) < 16 {
		return nil, fmt.Errorf("encryption secret must be at least 16 characters")
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := hkdf.New(sha256.New, []byte(secret), nil, []byte("clover credential secrets")).Read(key); err != nil {
		return nil, fmt.Errorf("failed to derive encryption key: %w", err)
	}
	return &SecretBox{key: key}, nil
}

func (b *SecretBox) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return sealedPrefix + base64.RawStdEncoding.EncodeToString(sealed), nil
}

func (b *SecretBox) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	if !strings.HasPrefix(ciphertext, sealedPrefix) {
		return "", fmt.Errorf("value is not sealed")
	}
	raw, err := base64.RawStdEncoding.DecodeString(strings.TrimPrefix(ciphertext, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("failed to decode sealed value: %w", err)
	}
	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return "", err
	}
	if len(raw) < aead.NonceSize() {
		return "", fmt.Errorf("sealed value is truncated")
	}
	plain, err := aead.Open(nil, raw[:aead.NonceSize()], raw[aead.NonceSize():], nil)
	if err != nil {
		return "", fmt.Errorf("failed to open sealed value: %w", err)
	}
	return string(plain), nil
}
