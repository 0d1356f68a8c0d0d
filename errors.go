package servex

import "errors"

var (
	// ErrDuplicateRoute is returned when an identical (method, pattern)
	// pair is registered twice. Overlapping but non-identical patterns are
	// allowed and resolved by registration order.
	ErrDuplicateRoute = errors.New("servex: duplicate route")
	// ErrBadPattern is returned for route patterns that do not compile.
	ErrBadPattern = errors.New("servex: malformed route pattern")
	// ErrLateMutation is returned when status or headers are mutated after
	// the response headers were flushed to the wire. This is always a local
	// programming error, never caused by the client.
	ErrLateMutation = errors.New("servex: status or header mutated after headers flushed")
	// ErrStreamAborted is returned to a body producer once the connection
	// write path has failed or the request was canceled. No further writes
	// will be accepted.
	ErrStreamAborted = errors.New("servex: response stream aborted")
	// ErrServerClosed is returned by Serve and ListenAndServe after
	// Shutdown.
	ErrServerClosed = errors.New("servex: server closed")
	// ErrBodyTooLarge is surfaced on reads of an inbound body that exceeds
	// the configured limit; the dispatcher maps it to a 413 when the
	// response headers have not gone out yet.
	ErrBodyTooLarge = errors.New("servex: request body too large")
	// ErrInvalidStatus is returned for status codes outside 100..599.
	ErrInvalidStatus = errors.New("servex: status code out of range")
)
