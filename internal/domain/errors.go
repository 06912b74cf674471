package domain

import "errors"

var (
	// ErrNotFound is returned when an entity or module does not exist
	ErrNotFound = errors.New("not found")

	// ErrBusy is returned when a transaction for the same id is already in flight
	ErrBusy = errors.New("sync already in progress")

	// ErrRemoteUnavailable wraps every transient failure of the remote store
	ErrRemoteUnavailable = errors.New("remote store unavailable")

	// ErrCorruptDocument marks a document that could not be decoded
	ErrCorruptDocument = errors.New("corrupt document")

	// ErrInvalidEntity marks an entity that violates structural invariants
	ErrInvalidEntity = errors.New("invalid entity")

	// ErrAlreadyExists is returned when creating an entity that is already tracked
	ErrAlreadyExists = errors.New("already exists")

	// ErrUnknownKind is returned for an entity kind that is not configured
	ErrUnknownKind = errors.New("unknown entity kind")
)
