package session

import (
	"errors"
	"fmt"
)

// Kind classifies a session failure by how the user recovers from it.
type Kind int

const (
	// KindConfiguration means required configuration is missing (no API
	// credential). Fatal to connect; retrying without fixing the
	// environment cannot succeed.
	KindConfiguration Kind = iota + 1

	// KindPermission means microphone access was denied. The user must
	// re-grant access and retry manually.
	KindPermission

	// KindConnection means the remote session could not be opened or the
	// transport failed. The user may simply retry.
	KindConnection

	// KindRuntime means an unexpected mid-session failure. These are
	// logged and skipped where possible; the session terminates only when
	// the failure is unrecoverable.
	KindRuntime
)

// String returns the lowercase kind name, also used as a metric attribute.
func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindPermission:
		return "permission"
	case KindConnection:
		return "connection"
	case KindRuntime:
		return "runtime"
	}
	return "unknown"
}

// Error tags an underlying failure with the [Kind] that determines how the
// user recovers.
type Error struct {
	Kind Kind
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Kind.String() + " error: " + e.Err.Error()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// newError builds an [*Error] of the given kind.
func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the [Kind] from err, unwrapping as needed. Returns 0 when
// err carries no session kind.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return 0
}
