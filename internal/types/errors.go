package types

import "errors"

var (
	// ErrNotFound is returned for unknown chat or agent ids
	ErrNotFound = errors.New("not found")

	// ErrCapacityExceeded is returned when the target agent has no free slot
	ErrCapacityExceeded = errors.New("agent capacity exceeded")

	// ErrInvalidTransition is returned when an operation does not apply to the chat's state
	ErrInvalidTransition = errors.New("invalid chat state transition")

	// ErrUnavailable is returned when persistence failed after a retry
	ErrUnavailable = errors.New("store unavailable")

	// ErrInvalidInput is returned for malformed requests
	ErrInvalidInput = errors.New("invalid input")

	// ErrDuplicate is returned when a new chat collides with an existing id
	// or session handle
	ErrDuplicate = errors.New("already exists")
)

// IsDomainError reports whether err is an expected outcome rather than an
// infrastructure failure. Domain errors are never retried.
func IsDomainError(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrCapacityExceeded) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrDuplicate)
}
