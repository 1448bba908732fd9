package backends

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

const diskPriority = 10

// Disk implements Backend using the local file system. Archives are
// stored directly under the cache directory by filename, which is the
// same location remote backends download into, so a disk hit requires
// no copying at all.
type Disk struct {
	dir    string
	logger *slog.Logger
}

// NewDisk creates a new disk-based cache backend rooted at dir.
func NewDisk(dir string, logger *slog.Logger) (*Disk, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	return &Disk{
		dir:    dir,
		logger: logger,
	}, nil
}

// Name returns the backend identifier.
func (d *Disk) Name() string { return "disk" }

// Priority returns the tier ordering value; disk is the fastest tier.
func (d *Disk) Priority() int { return diskPriority }

// Get returns the absolute path of the archive if it is present in the
// cache directory.
func (d *Disk) Get(ctx context.Context, filename string) (string, bool, error) {
	diskPath := filepath.Join(d.dir, filename)
	if _, err := os.Stat(diskPath); err != nil {
		if os.IsNotExist(err) {
			return "", true, nil
		}
		return "", false, Backendf("failed to stat cached archive %q: %v", diskPath, err)
	}

	absPath, err := filepath.Abs(diskPath)
	if err != nil {
		return diskPath, false, nil
	}
	return absPath, false, nil
}

// Put copies the archive into the cache directory. The write goes to a
// temporary file in the same directory and is renamed into place so a
// crashed or failed put never leaves a half-written archive under the
// final name.
func (d *Disk) Put(ctx context.Context, filename string, r io.Reader) error {
	tmpFile, err := os.CreateTemp(d.dir, ".tmp-*")
	if err != nil {
		return Backendf("failed to create temp file in %q: %v", d.dir, err)
	}
	tmpPath := tmpFile.Name()
	defer os.Remove(tmpPath)

	_, err = io.Copy(tmpFile, r)
	closeErr := tmpFile.Close()
	if err != nil {
		return Backendf("failed to write archive %q: %v", filename, err)
	}
	if closeErr != nil {
		return Backendf("failed to close temp file for %q: %v", filename, closeErr)
	}

	diskPath := filepath.Join(d.dir, filename)
	if err := os.Rename(tmpPath, diskPath); err != nil {
		return Backendf("failed to rename archive %q into place: %v", filename, err)
	}

	d.logger.Debug("stored archive in local cache",
		slog.String("filename", filename),
		slog.String("path", diskPath))
	return nil
}

// Close performs cleanup operations. The disk backend holds no
// resources.
func (d *Disk) Close() error { return nil }
