package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	// KeySize is the required AES-256 key length in bytes.
	KeySize = 32

	nonceSize         = 16
	tagSize           = 16
	envelopeSeparator = ":"
)

// Cipher seals secrets at rest with AES-256-GCM.
//
// Envelopes have the form hex(nonce):hex(tag):hex(ciphertext) with a fresh
// 128-bit nonce per call. A Cipher is safe for concurrent use.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher builds a Cipher from a raw 32-byte key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("%w: encryption key is not set", ErrConfiguration)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: encryption key must be %d bytes, got %d", ErrConfiguration, KeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}

	return &Cipher{aead: aead}, nil
}

// ParseHexKey decodes a 64 character hex string into a 32-byte key.
func ParseHexKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: encryption key is not set", ErrConfiguration)
	}
	if len(s) != KeySize*2 {
		return nil, fmt.Errorf("%w: encryption key must be %d hex characters, got %d", ErrConfiguration, KeySize*2, len(s))
	}
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: encryption key is not valid hex", ErrConfiguration)
	}
	return key, nil
}

// Encrypt seals plaintext and returns the envelope.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	if c == nil || c.aead == nil {
		return "", fmt.Errorf("%w: cipher is not initialized", ErrConfiguration)
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("%w: %v", ErrCrypto, err)
	}

	// Seal appends the tag after the ciphertext.
	sealed := c.aead.Seal(nil, nonce, []byte(plaintext), nil)
	ciphertext := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	return strings.Join([]string{
		hex.EncodeToString(nonce),
		hex.EncodeToString(tag),
		hex.EncodeToString(ciphertext),
	}, envelopeSeparator), nil
}

// Decrypt opens an envelope produced by Encrypt. It never returns partial
// plaintext: a failed tag check yields ErrIntegrity and an empty string.
func (c *Cipher) Decrypt(envelope string) (string, error) {
	if c == nil || c.aead == nil {
		return "", fmt.Errorf("%w: cipher is not initialized", ErrConfiguration)
	}

	parts := strings.Split(envelope, envelopeSeparator)
	if len(parts) != 3 {
		return "", fmt.Errorf("%w: expected 3 parts, got %d", ErrMalformedEnvelope, len(parts))
	}

	nonce, err := hex.DecodeString(parts[0])
	if err != nil || len(nonce) != nonceSize {
		return "", fmt.Errorf("%w: bad nonce", ErrMalformedEnvelope)
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil || len(tag) != tagSize {
		return "", fmt.Errorf("%w: bad tag", ErrMalformedEnvelope)
	}
	ciphertext, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", fmt.Errorf("%w: bad ciphertext", ErrMalformedEnvelope)
	}

	sealed := make([]byte, 0, len(ciphertext)+tagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrIntegrity
	}
	return string(plaintext), nil
}

// Encrypt seals plaintext under key. Prefer a long-lived Cipher on hot paths.
func Encrypt(plaintext string, key []byte) (string, error) {
	c, err := NewCipher(key)
	if err != nil {
		return "", err
	}
	return c.Encrypt(plaintext)
}

// Decrypt opens envelope under key.
func Decrypt(envelope string, key []byte) (string, error) {
	c, err := NewCipher(key)
	if err != nil {
		return "", err
	}
	return c.Decrypt(envelope)
}
