package chat

import "errors"

var (
	// ErrSessionNotFound covers unknown ids and ids already torn down.
	ErrSessionNotFound = errors.New("session not found")

	// ErrForbidden means the caller is not the session's owner.
	ErrForbidden = errors.New("not the session owner")

	// ErrTurnActive means another turn is mid-generation on the same session.
	ErrTurnActive = errors.New("another turn is in progress")

	// ErrInvalidRequest covers malformed input, rejected before any state change.
	ErrInvalidRequest = errors.New("invalid request")
)
