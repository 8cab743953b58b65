package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by the stages. Unclassified errors are treated as
// transient by the stage runner.
var (
	ErrTransient = errors.New("transient error")
	ErrPermanent = errors.New("permanent error")
	ErrNotFound  = errors.New("not found")
	ErrNoAck     = errors.New("downstream did not acknowledge")
)

// WrapTransient annotates err so callers can detect a retryable failure.
func WrapTransient(err error) error {
	if err == nil {
		return ErrTransient
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// WrapPermanent annotates err as not worth retrying.
func WrapPermanent(err error) error {
	if err == nil {
		return ErrPermanent
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// IsPermanent reports whether err was classified as permanent.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}
