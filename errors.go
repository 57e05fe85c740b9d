package main

import (
	"errors"
)

// Error kinds surfaced by the registry core. Component code wraps one of
// these with %w and context; the HTTP layer maps them to status codes in
// ServeHTTP. Anything not wrapping one of these is an internal error and
// becomes a 500.
var (
	// Missing crate, version or file.
	errNotFound = errors.New("not found")

	// Duplicate publish of an existing (name, version).
	errAlreadyExists = errors.New("already exists")

	// Malformed metadata, invalid name or version.
	errBadRequest = errors.New("bad request")

	// Two package names differing only in case.
	errConflict = errors.New("conflict")

	// An existing index file no longer parses. Not retriable, an
	// operator has to fix the index.
	errIndexCorruption = errors.New("index corrupt")

	// Filesystem or git failure underneath a mutation. The mutation was
	// rolled back, a client retry is acceptable.
	errStorage = errors.New("storage error")
)
