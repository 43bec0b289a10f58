package ingest

import "errors"

// Sentinel errors shared across subsystems.
var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("document not found")

	// ErrDuplicate is returned when creating a document that already exists.
	ErrDuplicate = errors.New("document already exists")

	// ErrAlreadyRunning is returned when a crawl is submitted for a document
	// that already has an active orchestration.
	ErrAlreadyRunning = errors.New("orchestration already running for document")

	// ErrInvalidInput is returned when a caller-supplied value fails
	// validation.
	ErrInvalidInput = errors.New("invalid input")
)
