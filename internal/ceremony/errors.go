package ceremony

import "errors"

var (
	// ErrInvalidInput is returned for malformed chunk ids, unknown participants or bad bodies.
	// It is always raised before any state mutation.
	ErrInvalidInput = errors.New("invalid input")

	// ErrStateConflict is returned when an action does not match the chunk's lock or state.
	ErrStateConflict = errors.New("state conflict")

	// ErrConflict is returned when a replacement ceremony is incompatible with the current one.
	ErrConflict = errors.New("conflict")

	// ErrStorage is returned when a chunk storage backend fails to write or copy a payload.
	ErrStorage = errors.New("storage error")

	// ErrFatal is returned when the ledger cannot be trusted; the process must not serve.
	ErrFatal = errors.New("fatal")
)
