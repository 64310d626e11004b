package token

import (
	"strings"
)

// Format names a bearer token encoding.
type Format string

const (
	// FormatPaseto is PASETO v4.local.
	FormatPaseto Format = "paseto"
	// FormatXChaCha is a compact XChaCha20-Poly1305 blob.
	FormatXChaCha Format = "xchacha"
)

// maxTokenLen bounds the input accepted by Decrypt before any decoding.
const maxTokenLen = 1024

// Cipher encrypts ledger identifiers into bearer tokens and back.
//
// Implementations are stateless apart from the key and safe for concurrent use.
type Cipher interface {
	Encrypt(id []byte) (string, error)
	Decrypt(tok string) ([]byte, error)
	Format() Format
}

// ParseFormat maps a config value to a Format. Blank means FormatPaseto.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "", FormatPaseto:
		return FormatPaseto, nil
	case FormatXChaCha:
		return FormatXChaCha, nil
	default:
		return "", ErrUnknownFormat
	}
}

// New builds the Cipher for format f under key.
func New(f Format, key []byte) (Cipher, error) {
	switch f {
	case FormatPaseto:
		return NewPasetoLocal(key)
	case FormatXChaCha:
		return NewXChaCha(key)
	default:
		return nil, ErrUnknownFormat
	}
}

// NewFromEnv builds a Cipher keyed from KARMA_QR_KEY_HEX.
func NewFromEnv(f Format) (Cipher, error) {
	key, err := KeyFromEnv()
	if err != nil {
		return nil, err
	}
	return New(f, key)
}
