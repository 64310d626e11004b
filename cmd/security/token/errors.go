package token

import "errors"

// Public, stable errors for callers.
var (
	// ErrKeyConfiguration is the umbrella kind for every key provisioning failure.
	ErrKeyConfiguration = errors.New("token key configuration error")

	// ErrKeyMissing and ErrKeyInvalid both match ErrKeyConfiguration under errors.Is.
	ErrKeyMissing error = keyError{msg: "token key missing"}
	ErrKeyInvalid error = keyError{msg: "token key invalid"}

	// ErrInvalidToken is returned for malformed, tampered or foreign-key tokens.
	ErrInvalidToken = errors.New("invalid token")

	// ErrUnknownFormat is returned when a cipher format name is not recognized.
	ErrUnknownFormat = errors.New("unknown token format")
)

type keyError struct{ msg string }

func (e keyError) Error() string { return e.msg }

func (e keyError) Is(target error) bool { return target == ErrKeyConfiguration }
