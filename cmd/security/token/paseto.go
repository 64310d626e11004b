package token

import (
	"strings"

	paseto "aidanwoods.dev/go-paseto"
)

const pasetoLocalPrefix = "v4.local."

// PasetoLocal encodes identifiers as PASETO v4.local tokens with a single "jti" claim.
// No expiry claim is set: expiry is a ledger property.
type PasetoLocal struct {
	key paseto.V4SymmetricKey
}

// NewPasetoLocal constructs a v4.local cipher from a 32-byte key.
func NewPasetoLocal(key []byte) (*PasetoLocal, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	k, err := paseto.V4SymmetricKeyFromBytes(key)
	if err != nil {
		return nil, ErrKeyInvalid
	}
	return &PasetoLocal{key: k}, nil
}

// Format reports FormatPaseto.
func (c *PasetoLocal) Format() Format { return FormatPaseto }

// Encrypt wraps id in a v4.local token.
func (c *PasetoLocal) Encrypt(id []byte) (string, error) {
	if len(id) == 0 {
		return "", ErrInvalidToken
	}
	tok := paseto.NewToken()
	tok.SetJti(string(id))
	return tok.V4Encrypt(c.key, nil), nil
}

// Decrypt authenticates and decrypts tok. Every failure is ErrInvalidToken.
func (c *PasetoLocal) Decrypt(tok string) ([]byte, error) {
	tok = strings.TrimSpace(tok)
	if len(tok) > maxTokenLen || !strings.HasPrefix(tok, pasetoLocalPrefix) {
		return nil, ErrInvalidToken
	}

	// Built per call: parser rules accumulate.
	p := paseto.NewParserWithoutExpiryCheck()
	parsed, err := p.ParseV4Local(c.key, tok, nil)
	if err != nil {
		return nil, ErrInvalidToken
	}
	jti, err := parsed.GetJti()
	if err != nil || jti == "" {
		return nil, ErrInvalidToken
	}
	return []byte(jti), nil
}
