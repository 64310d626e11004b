package token

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const fingerprintLen = 16

// HashSHA256Hex returns a SHA-256 hex digest of s.
func HashSHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Fingerprint returns a short, non-reversible tag for a bearer token.
// Logs and audit records carry the fingerprint, never the token itself.
func Fingerprint(tok string) string {
	tok = strings.TrimSpace(tok)
	if tok == "" {
		return ""
	}
	return HashSHA256Hex(tok)[:fingerprintLen]
}
