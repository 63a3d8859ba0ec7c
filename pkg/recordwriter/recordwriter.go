// Package recordwriter defines interfaces for writing records into a temp file
// using a specific on-disk encoding.
package recordwriter

import (
	"context"

	"github.com/jittakal/kafeventsink/pkg/event"
	"github.com/jittakal/kafeventsink/pkg/storage"
)

// RecordWriter appends records to one open temp file.
type RecordWriter interface {
	// Write appends a single record. A failed record may be written again.
	Write(record event.Record) error

	// Close finalizes the file and makes it durable. If Close fails it may be
	// called again; once it succeeds further calls return nil.
	Close() error
}

// Provider creates record writers for a specific file format.
type Provider interface {
	// NewRecordWriter opens a writer on path, replacing any existing file.
	NewRecordWriter(ctx context.Context, store storage.Storage, path string) (RecordWriter, error)

	// Format returns the file format this provider produces.
	Format() event.FileFormat
}
