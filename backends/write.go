package backends

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// writeFileAtomic streams r into dir/filename, creating dir as needed.
// The data lands in a temporary file first and is renamed into place on
// success, so a partial download is never observable under the final
// name and concurrent fetches of the same archive cannot clobber each
// other mid-write. Returns the absolute path of the written file.
func writeFileAtomic(dir, filename string, r io.Reader) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create cache directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer os.Remove(tmpPath) // Clean up if something goes wrong

	_, err = io.Copy(tmpFile, r)
	closeErr := tmpFile.Close()
	if err != nil {
		return "", fmt.Errorf("failed to write to temp file: %w", err)
	}
	if closeErr != nil {
		return "", fmt.Errorf("failed to close temp file: %w", closeErr)
	}

	dstPath := filepath.Join(dir, filename)
	if err := os.Rename(tmpPath, dstPath); err != nil {
		return "", fmt.Errorf("failed to rename cache file: %w", err)
	}

	absPath, err := filepath.Abs(dstPath)
	if err != nil {
		return dstPath, nil // fallback to relative path
	}
	return absPath, nil
}
