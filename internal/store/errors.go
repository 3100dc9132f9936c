package store

import "errors"

var (
	// ErrEmptyID indicates a download id parameter is missing or empty
	ErrEmptyID = errors.New("empty_id")

	// ErrInvalidOutcome indicates an outcome filter that is not completed, failed or cancelled
	ErrInvalidOutcome = errors.New("invalid_outcome")
)
