package main

import "errors"

// Sentinel errors shared across the service. Callers wrap them with
// fmt.Errorf("...: %w", err) and handlers map them to HTTP status codes
// via statusForError.
var (
	// ErrBadRequest indicates a malformed request, e.g. a session token
	// supplied without the claimed username.
	ErrBadRequest = errors.New("bad request")

	// ErrUnauthorized indicates bad credentials, a bad or expired token,
	// or an unapproved user.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotFound indicates an unknown user, conversation, or participant.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a duplicate username or a watermark moving
	// backwards.
	ErrConflict = errors.New("conflict")
)

func statusForError(err error) int {
	switch {
	case errors.Is(err, ErrBadRequest):
		return 400
	case errors.Is(err, ErrUnauthorized):
		return 401
	case errors.Is(err, ErrNotFound):
		return 404
	case errors.Is(err, ErrConflict):
		return 409
	default:
		return 500
	}
}
