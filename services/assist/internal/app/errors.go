package app

import "errors"

var (
	// ErrValidation marks requests rejected before touching persistence.
	ErrValidation = errors.New("invalid request")
	// ErrForbidden marks ownership failures; no session or log is created.
	ErrForbidden = errors.New("not the document owner")
	// ErrBusy marks a single-flight violation: a generation is already
	// in flight for the session.
	ErrBusy = errors.New("generation already in flight")
	// ErrRateLimited marks per-user AI quota exhaustion.
	ErrRateLimited = errors.New("ai request rate limit exceeded")
	// ErrCancelled marks a user-initiated cancellation. Terminal, but
	// not a failure from the user's point of view.
	ErrCancelled = errors.New("generation cancelled")

	ErrSessionNotFound = errors.New("session not found")
	ErrLogNotFound     = errors.New("interaction log not found")
)
