package backends

import (
	"context"
	"io"
	"log/slog"
	"time"
)

// Debug wraps any Backend and logs every operation with its duration.
// This allows any backend implementation to have operation logging
// without coupling the logging to the backend implementation.
type Debug struct {
	backend Backend
	logger  *slog.Logger
}

// NewDebug creates a new debug wrapper around an existing backend.
func NewDebug(backend Backend, logger *slog.Logger) *Debug {
	return &Debug{
		backend: backend,
		logger:  logger,
	}
}

// Name returns the wrapped backend's identifier.
func (d *Debug) Name() string { return d.backend.Name() }

// Priority returns the wrapped backend's priority.
func (d *Debug) Priority() int { return d.backend.Priority() }

// Get retrieves an archive from the wrapped backend, logging the
// outcome and duration.
func (d *Debug) Get(ctx context.Context, filename string) (string, bool, error) {
	start := time.Now()
	localPath, miss, err := d.backend.Get(ctx, filename)
	duration := time.Since(start)

	switch {
	case err != nil:
		d.logger.Debug("get failed",
			slog.String("backend", d.backend.Name()),
			slog.String("filename", filename),
			slog.String("error", err.Error()),
			slog.Duration("duration", duration))
	case miss:
		d.logger.Debug("get miss",
			slog.String("backend", d.backend.Name()),
			slog.String("filename", filename),
			slog.Duration("duration", duration))
	default:
		d.logger.Debug("get hit",
			slog.String("backend", d.backend.Name()),
			slog.String("filename", filename),
			slog.String("path", localPath),
			slog.Duration("duration", duration))
	}
	return localPath, miss, err
}

// Put stores an archive through the wrapped backend, logging the
// outcome and duration.
func (d *Debug) Put(ctx context.Context, filename string, r io.Reader) error {
	start := time.Now()
	err := d.backend.Put(ctx, filename, r)
	duration := time.Since(start)

	if err != nil {
		d.logger.Debug("put failed",
			slog.String("backend", d.backend.Name()),
			slog.String("filename", filename),
			slog.String("error", err.Error()),
			slog.Duration("duration", duration))
	} else {
		d.logger.Debug("put done",
			slog.String("backend", d.backend.Name()),
			slog.String("filename", filename),
			slog.Duration("duration", duration))
	}
	return err
}

// Close closes the wrapped backend.
func (d *Debug) Close() error {
	err := d.backend.Close()
	if err != nil {
		d.logger.Debug("close failed",
			slog.String("backend", d.backend.Name()),
			slog.String("error", err.Error()))
	}
	return err
}
