package service

import (
	"errors"
	"fmt"
)

// Domain errors. Every error returned by this package wraps exactly one of
// them; edges map them to wire codes with errors.Is.
var (
	ErrNotFound         = errors.New("not found")
	ErrForbidden        = errors.New("forbidden")
	ErrInvalidState     = errors.New("invalid state")
	ErrCapacityExceeded = errors.New("room is full")
	ErrConflict         = errors.New("conflict")
	ErrInfrastructure   = errors.New("infrastructure failure")
	ErrBanned           = errors.New("banned from room")
	ErrValidation       = errors.New("validation failed")
)

func notFound(what string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, what)
}

func forbidden(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrForbidden, fmt.Sprintf(format, args...))
}

func invalidState(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidState, fmt.Sprintf(format, args...))
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func infra(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrInfrastructure, op, err)
}

func conflictf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}
