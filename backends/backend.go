package backends

import (
	"context"
	"io"
)

// Backend defines the interface for artifact cache storage backends.
//
// Implementations can be swapped to use different storage mechanisms.
// The manager tries backends in ascending Priority order; a clean cache
// miss is reported through the miss return value and is never an error.
//
// Failures use the taxonomy in errors.go: ErrDisabled for unmet
// prerequisites (the backend cannot be used this run at all) and
// ErrBackend for everything else (connectivity, remote-side errors,
// local I/O). Backends never retry internally; the caller decides
// whether an operation is worth attempting again.
type Backend interface {
	// Name returns a short identifier for the backend, used in logs
	// and metric operation names.
	Name() string

	// Priority orders backends at the manager. Lower values are
	// faster tiers and are tried first.
	Priority() int

	// Get makes the archive named filename available on the local
	// file system and returns its absolute path. A clean miss returns
	// miss=true and a nil error.
	Get(ctx context.Context, filename string) (localPath string, miss bool, err error)

	// Put stores the full contents of r under filename, overwriting
	// any existing object. Repeated puts of the same content leave the
	// backend in the same state.
	Put(ctx context.Context, filename string, r io.Reader) error

	// Close performs any cleanup operations needed by the backend.
	Close() error
}
