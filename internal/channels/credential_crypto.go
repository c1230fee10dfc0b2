package channels

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

const sealedPrefix = "enc:v1:"

var (
	ErrCredentialKeyRequired = errors.New("credential key is required")
	ErrCredentialKeyInvalid  = errors.New("credential key is invalid")
	ErrCredentialSeal        = errors.New("sealing credential")
	ErrCredentialOpen        = errors.New("opening credential")
)

// CredentialCrypto seals the secret fields of a connection configuration
// with AES-256-GCM before they reach channel_connections.
type CredentialCrypto struct {
	aead cipher.AEAD
	rand io.Reader
}

// NewCredentialCrypto builds a CredentialCrypto from a base64 encoded
// 32-byte key. Padded and unpadded encodings are both accepted.
func NewCredentialCrypto(key string) (*CredentialCrypto, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, ErrCredentialKeyRequired
	}
	raw, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		if raw, err = base64.RawStdEncoding.DecodeString(key); err != nil {
			return nil, fmt.Errorf("%w: not base64", ErrCredentialKeyInvalid)
		}
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("%w: want 32 bytes, got %d", ErrCredentialKeyInvalid, len(raw))
	}
	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCredentialKeyInvalid, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCredentialKeyInvalid, err)
	}
	return &CredentialCrypto{aead: aead, rand: rand.Reader}, nil
}

// IsSealed reports whether value carries the sealed credential prefix.
func IsSealed(value string) bool {
	return strings.HasPrefix(strings.TrimSpace(value), sealedPrefix)
}

// Seal encrypts plaintext. Empty values and values that are already sealed
// are returned unchanged.
func (c *CredentialCrypto) Seal(plaintext string) (string, error) {
	if plaintext == "" || IsSealed(plaintext) {
		return plaintext, nil
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(c.rand, nonce); err != nil {
		return "", fmt.Errorf("%w: generating nonce: %v", ErrCredentialSeal, err)
	}
	out := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return sealedPrefix + base64.StdEncoding.EncodeToString(out), nil
}

// Open decrypts a sealed value. Plaintext values written before a key was
// configured pass through.
func (c *CredentialCrypto) Open(value string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(strings.TrimSpace(value), sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: decoding: %v", ErrCredentialOpen, err)
	}
	n := c.aead.NonceSize()
	if len(raw) < n {
		return "", fmt.Errorf("%w: payload too short", ErrCredentialOpen)
	}
	plaintext, err := c.aead.Open(nil, raw[:n], raw[n:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCredentialOpen, err)
	}
	return string(plaintext), nil
}

func (c *CredentialCrypto) sealConfig(cfg ConnectionConfig) (ConnectionConfig, error) {
	var err error
	if cfg.AccessToken, err = c.Seal(cfg.AccessToken); err != nil {
		return cfg, fmt.Errorf("access token: %w", err)
	}
	if cfg.AppSecret, err = c.Seal(cfg.AppSecret); err != nil {
		return cfg, fmt.Errorf("app secret: %w", err)
	}
	return cfg, nil
}

// openConfig reverses sealConfig. A nil receiver refuses sealed values
// instead of handing ciphertext to a provider as a token.
func (c *CredentialCrypto) openConfig(cfg ConnectionConfig) (ConnectionConfig, error) {
	if c == nil {
		if IsSealed(cfg.AccessToken) || IsSealed(cfg.AppSecret) {
			return cfg, fmt.Errorf("%w: connection holds sealed credentials", ErrCredentialKeyRequired)
		}
		return cfg, nil
	}
	var err error
	if cfg.AccessToken, err = c.Open(cfg.AccessToken); err != nil {
		return cfg, fmt.Errorf("access token: %w", err)
	}
	if cfg.AppSecret, err = c.Open(cfg.AppSecret); err != nil {
		return cfg, fmt.Errorf("app secret: %w", err)
	}
	return cfg, nil
}
