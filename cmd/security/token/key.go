package token

import (
	"encoding/hex"
	"os"
	"strings"
)

const (
	// KeyEnvVar is the env var name for the token cipher key.
	// #nosec G101 -- not a credential; it's an environment variable name.
	KeyEnvVar = "KARMA_QR_KEY_HEX"

	// KeySize is the required key length in bytes.
	KeySize = 32
)

// KeyFromEnv reads and decodes the cipher key from KARMA_QR_KEY_HEX.
// Missing/blank -> ErrKeyMissing. Wrong length or non-hex -> ErrKeyInvalid.
func KeyFromEnv() ([]byte, error) {
	return ParseKeyHex(os.Getenv(KeyEnvVar))
}

// ParseKeyHex decodes a 64-character hex key.
func ParseKeyHex(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrKeyMissing
	}
	if len(raw) != hex.EncodedLen(KeySize) {
		return nil, ErrKeyInvalid
	}
	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, ErrKeyInvalid
	}
	return key, nil
}

func checkKey(key []byte) error {
	if len(key) == 0 {
		return ErrKeyMissing
	}
	if len(key) != KeySize {
		return ErrKeyInvalid
	}
	return nil
}
