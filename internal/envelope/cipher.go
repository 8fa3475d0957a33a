package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Cipher type bytes written in front of every sealed value.
const (
	TypePlain  byte = 0x00
	TypeAES256 byte = 0x01
	TypeHook   byte = 0xFF
)

// Cipher encrypts and decrypts opaque payloads.
type Cipher interface {
	Type() byte
	Encrypt(plain []byte) ([]byte, error)
	Decrypt(sealed []byte) ([]byte, error)
}

// EncryptionError reports a failure to seal or open a single value.
type EncryptionError struct {
	Op   string
	Type byte
	Err  error
}

func (e *EncryptionError) Error() string {
	return fmt.Sprintf("envelope %s (cipher 0x%02x): %v", e.Op, e.Type, e.Err)
}

func (e *EncryptionError) Unwrap() error { return e.Err }

// Plain passes payloads through unchanged. It is used when no key is
// configured.
type Plain struct{}

func (Plain) Type() byte                       { return TypePlain }
func (Plain) Encrypt(p []byte) ([]byte, error) { return p, nil }
func (Plain) Decrypt(p []byte) ([]byte, error) { return p, nil }

var (
	hkdfSalt = []byte("tidemark-envelope-v1")
	hkdfInfo = []byte("aes-256-gcm")
)

// AESCipher is AES-256-GCM with a key derived from a passphrase via
// HKDF-SHA256. Sealed output is nonce || ciphertext.
type AESCipher struct {
	aead cipher.AEAD
}

// NewAESCipher derives a key from passphrase.
func NewAESCipher(passphrase string) (*AESCipher, error) {
	if passphrase == "" {
		return nil, errors.New("encryption key is empty")
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(passphrase), hkdfSalt, hkdfInfo), key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create gcm: %w", err)
	}
	return &AESCipher{aead: aead}, nil
}

func (c *AESCipher) Type() byte { return TypeAES256 }

func (c *AESCipher) Encrypt(plain []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return c.aead.Seal(nonce, nonce, plain, nil), nil
}

func (c *AESCipher) Decrypt(sealed []byte) ([]byte, error) {
	n := c.aead.NonceSize()
	if len(sealed) < n+c.aead.Overhead() {
		return nil, errors.New("ciphertext too short")
	}
	return c.aead.Open(nil, sealed[:n], sealed[n:], nil)
}

// HookCipher delegates to caller supplied functions.
type HookCipher struct {
	EncryptFunc func([]byte) ([]byte, error)
	DecryptFunc func([]byte) ([]byte, error)
}

func (h HookCipher) Type() byte { return TypeHook }

func (h HookCipher) Encrypt(p []byte) ([]byte, error) {
	if h.EncryptFunc == nil {
		return nil, errors.New("no encrypt hook")
	}
	return h.EncryptFunc(p)
}

func (h HookCipher) Decrypt(p []byte) ([]byte, error) {
	if h.DecryptFunc == nil {
		return nil, errors.New("no decrypt hook")
	}
	return h.DecryptFunc(p)
}

var (
	errEmpty         = errors.New("empty envelope")
	errUnknownCipher = errors.New("unknown cipher type")
)
