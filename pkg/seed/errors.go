package seed

import "errors"

var (
	// ErrTransient wraps coordination round-trip failures. Join retries them.
	ErrTransient = errors.New("coordination service unavailable")
	// ErrNotRegistered is returned when no candidate was registered yet.
	ErrNotRegistered = errors.New("candidate not registered")
	// ErrClosed is returned by Join once Close has been called.
	ErrClosed = errors.New("seed coordinator closed")
	// ErrRetriesExhausted is returned only by bounded retry policies.
	ErrRetriesExhausted = errors.New("join retries exhausted")

	ErrMissingEnsemble    = errors.New("no ensemble connection string or discovery endpoint configured")
	ErrMissingClusterName = errors.New("cluster name is required")
	ErrInvalidClusterName = errors.New("cluster name must be a single path segment")
	ErrMalformedAuth      = errors.New("malformed authorization")
	ErrInvalidOverride    = errors.New("invalid host/port override")
)
