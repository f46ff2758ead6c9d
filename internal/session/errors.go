package session

import "errors"

var (
	// ErrNotFound means no session exists for the given correlation id.
	ErrNotFound = errors.New("session not found")

	// ErrCapacity means the registry is already holding the maximum number
	// of non-terminal sessions.
	ErrCapacity = errors.New("maximum concurrent sessions reached")

	// ErrInvalidState means the requested operation is not legal in the
	// session's current state.
	ErrInvalidState = errors.New("session is not in a valid state for this operation")

	// ErrExpired means a deadline (second-factor wait or session TTL)
	// passed before the caller acted.
	ErrExpired = errors.New("session expired")
)
