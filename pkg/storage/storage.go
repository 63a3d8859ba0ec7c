// Package storage defines the filesystem capabilities the sink relies on.
//
// The exactly-once protocol needs only two atomic primitives from a backend:
// a durable append to a single file and an atomic rename of a single file.
// Everything else (existence checks, listing, deletes) is best effort and
// safe to repeat.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned when a path does not exist.
var ErrNotFound = errors.New("path not found")

// FileInfo describes a file returned by List.
type FileInfo struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// Storage is a hierarchical file store addressed by slash separated paths.
// Implementations must be safe for concurrent use by multiple partitions.
type Storage interface {
	// Exists reports whether a file exists at path.
	Exists(ctx context.Context, path string) (bool, error)

	// Create opens a new file for writing, replacing any existing file.
	// Data is durable once the returned writer is closed without error.
	Create(ctx context.Context, path string) (io.WriteCloser, error)

	// Append appends data to the file at path, creating it if needed.
	// Data is durable when Append returns nil.
	Append(ctx context.Context, path string, data []byte) error

	// Open opens a file for reading. Returns ErrNotFound if it does not exist.
	Open(ctx context.Context, path string) (io.ReadCloser, error)

	// Move renames src to dst. Returns ErrNotFound if src does not exist.
	Move(ctx context.Context, src, dst string) error

	// Delete removes the file at path. Deleting a missing file is not an error.
	Delete(ctx context.Context, path string) error

	// List returns the files directly under dir accepted by filter.
	// A nil filter accepts everything; a missing dir yields no files.
	List(ctx context.Context, dir string, filter func(path string) bool) ([]FileInfo, error)

	// Close releases backend resources.
	Close() error
}

// Backend names used for configuration and metrics labels.
const (
	BackendFile   = "file"
	BackendS3     = "s3"
	BackendGCS    = "gcs"
	BackendAzure  = "azure"
	BackendMemory = "memory"
)
