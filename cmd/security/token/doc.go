// Package token provides the bearer-token cipher for Karma QR issues.
//
// A bearer token is the encrypted form of an opaque ledger identifier (jti).
// It carries no business data: status, amount and expiry live server-side in
// the ledger, so a token can be revoked or expire without being re-minted.
//
// Two formats are supported, both authenticated encryption under a single
// 32-byte key provisioned out of band:
//   - PASETO v4.local (default): XChaCha20 + BLAKE2b-MAC, self-describing "v4.local." prefix.
//   - XChaCha20-Poly1305: a compact base64url blob (version byte, nonce, ciphertext, tag).
//
// Environment:
//   - KARMA_QR_KEY_HEX: 64 hex characters (32 bytes). Required at boot.
//
// Any token that fails authentication is rejected with ErrInvalidToken.
package token
