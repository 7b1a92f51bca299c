package store

import "errors"

// Model store errors.
var (
	// ErrNotFound is returned when no trained state exists for an entity.
	ErrNotFound = errors.New("entity state not found")

	// ErrCorruptState is returned when a persisted artifact cannot be decoded
	// or carries an unknown format version. It is never returned for absence.
	ErrCorruptState = errors.New("corrupt entity state")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")
)
