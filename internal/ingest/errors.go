package ingest

import "errors"

// Sentinel errors reported synchronously to the caller of a start request.
// They are never delivered through the progress stream.
var (
	// ErrInvalidJob marks a start request rejected before any state change
	// (empty source list, non-positive batch size).
	ErrInvalidJob = errors.New("invalid job")

	// ErrJobConflict marks a start request for a session that already has a
	// job in flight. The running job is left untouched.
	ErrJobConflict = errors.New("session already processing")
)
