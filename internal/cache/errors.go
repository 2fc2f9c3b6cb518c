package cache

import "errors"

// Sentinel errors returned by the cache layer. Handlers match them with
// errors.Is to pick the HTTP status.
var (
	// ErrNotFound indicates the digest or alias does not resolve to a live
	// entry. Also returned when a referenced entry was tombstoned.
	ErrNotFound = errors.New("cache: file not found")

	// ErrSessionNotFound indicates the upload session id is unknown or has
	// been garbage-collected.
	ErrSessionNotFound = errors.New("cache: upload session not found")

	// ErrInvalidSize indicates the finalized byte count does not match the
	// size declared at session init.
	ErrInvalidSize = errors.New("cache: size does not match declared size")

	// ErrOffsetMismatch indicates a chunk arrived with an offset different
	// from the bytes written so far. The session is discarded.
	ErrOffsetMismatch = errors.New("cache: upload offset mismatch")

	// ErrInvalidCommand indicates an unknown upload command token or a
	// command arriving after the session was finalized.
	ErrInvalidCommand = errors.New("cache: invalid upload command")
)
