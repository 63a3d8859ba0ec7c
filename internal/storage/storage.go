// Package storage implements the storage backends used by partition writers.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	apperrors "github.com/jittakal/kafeventsink/internal/errors"
	"github.com/jittakal/kafeventsink/pkg/storage"
)

// Storage operation names used in errors and metrics labels.
const (
	OpExists = "exists"
	OpCreate = "create"
	OpAppend = "append"
	OpOpen   = "open"
	OpMove   = "move"
	OpDelete = "delete"
	OpList   = "list"
)

// MetricsCollector defines metrics operations for storage.
type MetricsCollector interface {
	IncStorageErrors(backend string, operation string)
	ObserveStorageOperation(backend string, operation string, duration float64)
}

// Config selects and configures a storage backend.
type Config struct {
	Backend string
	File    FileConfig
	S3      S3Config
	GCS     GCSConfig
	Azure   AzureConfig
}

// New creates the storage backend named by cfg.Backend.
func New(ctx context.Context, cfg Config, logger *slog.Logger, metrics MetricsCollector) (storage.Storage, error) {
	switch strings.ToLower(cfg.Backend) {
	case storage.BackendFile:
		return NewFileStorage(cfg.File, logger, metrics)
	case storage.BackendS3:
		return NewS3Storage(ctx, cfg.S3, logger, metrics)
	case storage.BackendGCS:
		return NewGCSStorage(ctx, cfg.GCS, logger, metrics)
	case storage.BackendAzure:
		return NewAzureStorage(cfg.Azure, logger, metrics)
	case storage.BackendMemory:
		return NewMemoryStorage(), nil
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", cfg.Backend)
	}
}

// instrument records the outcome of one backend call.
type instrument struct {
	backend string
	metrics MetricsCollector
}

func (i instrument) done(op string, start time.Time, err error) {
	if i.metrics == nil {
		return
	}
	i.metrics.ObserveStorageOperation(i.backend, op, time.Since(start).Seconds())
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		i.metrics.IncStorageErrors(i.backend, op)
	}
}

func opError(op, p string, err error) error {
	return &apperrors.StorageError{Operation: op, Path: p, Err: err}
}

func notFound(op, p string) error {
	return opError(op, p, storage.ErrNotFound)
}

// objectKey maps a slash separated path to an object key under prefix.
func objectKey(prefix, p string) string {
	return strings.TrimPrefix(path.Join(prefix, p), "/")
}

// dirPrefix returns the listing prefix for the objects directly under dir.
func dirPrefix(prefix, dir string) string {
	key := objectKey(prefix, dir)
	if key == "" || key == "." {
		return ""
	}
	return key + "/"
}

func accept(filter func(string) bool, p string) bool {
	return filter == nil || filter(p)
}
