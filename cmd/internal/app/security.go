package app

import (
	"errors"
	"fmt"

	"karma/cmd/security/token"
)

// ValidateSecurityConfig enforces the boot-time key policy: the QR token key
// must be present and well formed before any listener opens.
func ValidateSecurityConfig(cfg Config) error {
	_, err := loadTokenCipher(cfg)
	return err
}

func loadTokenCipher(cfg Config) (token.Cipher, error) {
	format, err := token.ParseFormat(cfg.QRTokenFormat)
	if err != nil {
		return nil, fmt.Errorf("security policy: KARMA_QR_TOKEN_FORMAT: %w", err)
	}

	c, err := token.NewFromEnv(format)
	if err != nil {
		switch {
		case errors.Is(err, token.ErrKeyMissing):
			return nil, fmt.Errorf("security policy: %s is missing: %w", token.KeyEnvVar, err)
		case errors.Is(err, token.ErrKeyInvalid):
			return nil, fmt.Errorf("security policy: %s must be %d hex-encoded bytes: %w", token.KeyEnvVar, token.KeySize, err)
		default:
			return nil, err
		}
	}
	return c, nil
}
