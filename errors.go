// Package rbh holds the error taxonomy and a handful of ambient helpers
// shared by every librobinhood component.
package rbh

import (
	"errors"
	"fmt"
	"io"
)

// Sentinel errors mirroring the errno taxonomy of spec.md §7. Backends and
// lower-level components wrap these with golang.org/x/xerrors so callers can
// still errors.Is against the sentinel.
var (
	// ErrInvalid is returned for malformed arguments or schema violations.
	ErrInvalid = errors.New("rbh: invalid argument")

	// ErrNotFound is returned when a requested entry is absent.
	ErrNotFound = errors.New("rbh: not found")

	// ErrNoData signals iterator exhaustion. It is an alias of io.EOF so
	// that callers can use errors.Is(err, io.EOF) idiomatically.
	ErrNoData = io.EOF

	// ErrAgain signals a transient failure; retry the call.
	ErrAgain = errors.New("rbh: try again")

	// ErrNoBufs signals buffer exhaustion (scratch stacks, hashmaps, value
	// clones, ring buffers).
	ErrNoBufs = errors.New("rbh: no buffer space available")

	// ErrNotSupported signals that a backend lacks a requested feature.
	ErrNotSupported = errors.New("rbh: not supported")

	// ErrNoMem signals allocation failure.
	ErrNoMem = errors.New("rbh: out of memory")
)

// BackendError is the Go analogue of spec.md §7's reserved BACKEND_ERROR
// sentinel paired with a process-wide message slot: instead of global
// state, the message travels with the error value.
type BackendError struct {
	// Backend names the backend that produced the error (e.g. "mongo").
	Backend string
	// Msg is the backend's opaque error message.
	Msg string
	// Cause is the underlying error, if any.
	Cause error
}

func (e *BackendError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("rbh: %s backend error: %s: %v", e.Backend, e.Msg, e.Cause)
	}
	return fmt.Sprintf("rbh: %s backend error: %s", e.Backend, e.Msg)
}

func (e *BackendError) Unwrap() error { return e.Cause }
