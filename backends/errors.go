package backends

import (
	"errors"
	"fmt"
)

// ErrDisabled indicates an unmet prerequisite: the backend cannot be
// used for the remainder of the run, for example because its bucket is
// not configured or its client cannot be constructed. This is an
// expected condition rather than a bug; the manager silently falls back
// to the remaining backends.
var ErrDisabled = errors.New("cache backend disabled")

// ErrBackend indicates that a configured backend failed unexpectedly
// (network, auth, remote-side error, local I/O).
var ErrBackend = errors.New("cache backend error")

// Disabledf builds an ErrDisabled with a human-readable explanation.
//
// Lower-layer error values must be flattened into the message with %v
// rather than wrapped with %w so client-library error types never cross
// the backend boundary.
func Disabledf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrDisabled, fmt.Sprintf(format, args...))
}

// Backendf builds an ErrBackend with a human-readable explanation. The
// same flattening rule as Disabledf applies.
func Backendf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrBackend, fmt.Sprintf(format, args...))
}

// IsDisabled reports whether err means the backend cannot be used this
// run.
func IsDisabled(err error) bool {
	return errors.Is(err, ErrDisabled)
}
