package chat

import "errors"

// Failure classes shared by the store, the pipeline and the router. Callers
// wrap these with context and match them with errors.Is.
var (
	// ErrUnauthenticated means the credential was missing, malformed or expired.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrForbidden means the actor is not allowed to perform the operation,
	// e.g. a non-participant sending to a chat or a non-admin editing a group.
	ErrForbidden = errors.New("forbidden")

	// ErrNotFound means a chat, message or user identifier did not resolve.
	ErrNotFound = errors.New("not found")

	// ErrPersistence wraps a durable store read or write failure.
	ErrPersistence = errors.New("persistence failure")

	// ErrInvalidMessage means message content failed validation.
	ErrInvalidMessage = errors.New("invalid message")

	// ErrInvalidChat means a chat would violate the direct/group shape.
	ErrInvalidChat = errors.New("invalid chat")
)

// ErrConflict means a uniqueness constraint rejected a write, e.g. a
// duplicate email address.
var ErrConflict = errors.New("conflict")
