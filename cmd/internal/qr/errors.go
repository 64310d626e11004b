package qr

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput = errors.New("invalid input")

	// Redemption denials. Outcome.Err maps each outcome to one of these.
	ErrInvalidToken    = errors.New("invalid token")
	ErrNotFound        = errors.New("qr issue not found")
	ErrAlreadyRedeemed = errors.New("qr issue already redeemed")
	ErrExpired         = errors.New("qr issue expired")
	ErrRevoked         = errors.New("qr issue revoked")
	ErrInvalidState    = errors.New("qr issue in invalid state")

	// ErrNotActive is returned by administrative transitions on a row that already left "issued".
	ErrNotActive = errors.New("qr issue not active")

	// ErrDuplicateID reports a jti uniqueness violation at insert.
	ErrDuplicateID = errors.New("duplicate jti")

	// ErrPersistence is the kind of every storage failure. Safe to retry.
	ErrPersistence = errors.New("persistence error")
)

// PersistenceError wraps a storage failure with the operation that hit it.
// errors.Is matches both ErrPersistence and the underlying cause.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, ErrPersistence)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, ErrPersistence, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

func persistErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// IsPersistence reports whether err is a storage failure.
func IsPersistence(err error) bool { return errors.Is(err, ErrPersistence) }
