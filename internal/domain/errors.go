package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for well-known failure conditions that cross package
// boundaries.  Callers should use [errors.Is] to match these.
var (
	// ErrNotFound means the requested tunnel, hostname or domain does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a duplicate key on create or bind.
	ErrConflict = errors.New("conflict")

	// ErrUnauthorized indicates a missing or invalid tunnel token.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrHandshakeFailed means the session handshake was rejected, usually
	// because the peer certificate matched none of the pinned hashes.
	ErrHandshakeFailed = errors.New("handshake failed")

	// ErrHandshakeTimeout means the session did not become ready in time.
	ErrHandshakeTimeout = errors.New("handshake timeout")

	// ErrMalformedResponse is returned when the bytes read from a stream do
	// not form a valid HTTP/1.1 response.
	ErrMalformedResponse = errors.New("malformed response")

	// ErrUpstreamTimeout is returned when the overall request deadline fires.
	ErrUpstreamTimeout = errors.New("upstream timeout")

	// ErrTCPUnavailable means the bridge could not reach its TCP target.
	ErrTCPUnavailable = errors.New("tcp unavailable")
)

// OpError wraps an underlying error with the operation and the key
// (tunnel ID, hostname or domain) it was applied to.
type OpError struct {
	Op  string
	Key string
	Err error
}

func (e *OpError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}
