package token

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

const xchachaVersion byte = 0x81

// XChaCha is a compact AEAD token format:
//
//	base64url( version || nonce(24) || ciphertext || tag(16) )
//
// The version byte is bound as additional data.
type XChaCha struct {
	aead cipher.AEAD
}

// NewXChaCha constructs an XChaCha20-Poly1305 cipher from a 32-byte key.
func NewXChaCha(key []byte) (*XChaCha, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, ErrKeyInvalid
	}
	return &XChaCha{aead: aead}, nil
}

// Format reports FormatXChaCha.
func (c *XChaCha) Format() Format { return FormatXChaCha }

// Encrypt seals id under a fresh random nonce.
func (c *XChaCha) Encrypt(id []byte) (string, error) {
	if len(id) == 0 {
		return "", ErrInvalidToken
	}
	ns := c.aead.NonceSize()
	buf := make([]byte, 1+ns, 1+ns+len(id)+c.aead.Overhead())
	buf[0] = xchachaVersion
	if _, err := rand.Read(buf[1:]); err != nil {
		return "", err
	}
	out := c.aead.Seal(buf, buf[1:1+ns], id, buf[:1])
	return base64.RawURLEncoding.EncodeToString(out), nil
}

// Decrypt opens tok and returns the identifier. Every failure is ErrInvalidToken.
func (c *XChaCha) Decrypt(tok string) ([]byte, error) {
	tok = strings.TrimSpace(tok)
	if tok == "" || len(tok) > maxTokenLen {
		return nil, ErrInvalidToken
	}
	raw, err := base64.RawURLEncoding.Strict().DecodeString(tok)
	if err != nil {
		return nil, ErrInvalidToken
	}
	ns := c.aead.NonceSize()
	if len(raw) < 1+ns+c.aead.Overhead()+1 || raw[0] != xchachaVersion {
		return nil, ErrInvalidToken
	}
	id, err := c.aead.Open(nil, raw[1:1+ns], raw[1+ns:], raw[:1])
	if err != nil {
		return nil, ErrInvalidToken
	}
	return id, nil
}
