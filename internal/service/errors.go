package service

import (
	"errors"
	"fmt"

	"github.com/goatkit/queueflow/internal/repository"
)

var (
	// ErrInvalidInput is returned for empty or malformed caller input.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotFound is returned when no ticket matches, or the ticket is not in
	// the status the operation requires.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when an active ticket already holds a code.
	ErrConflict = errors.New("conflict")
	// ErrStoreUnavailable wraps any failure of the record store.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// storeErr tags err as a store failure of op while keeping the cause.
func storeErr(op string, err error) error {
	if errors.Is(err, repository.ErrInvalidID) {
		return fmt.Errorf("%s: %w", op, errors.Join(ErrInvalidInput, err))
	}
	return fmt.Errorf("%s: %w", op, errors.Join(ErrStoreUnavailable, err))
}
