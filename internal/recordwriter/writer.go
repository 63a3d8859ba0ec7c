package recordwriter

import (
	"context"
	"fmt"
	"io"
	"strings"

	apperrors "github.com/jittakal/kafeventsink/internal/errors"
	"github.com/jittakal/kafeventsink/pkg/event"
	"github.com/jittakal/kafeventsink/pkg/recordwriter"
	"github.com/jittakal/kafeventsink/pkg/storage"
)

// NewProvider creates the provider for a file format.
func NewProvider(format event.FileFormat, compression string) (recordwriter.Provider, error) {
	switch event.FileFormat(strings.ToLower(string(format))) {
	case event.FormatParquet:
		return NewParquetProvider(compression), nil
	case event.FormatAvro:
		return NewAvroProvider(compression)
	case event.FormatJSON:
		return NewJSONProvider(), nil
	default:
		return nil, fmt.Errorf("unsupported format: %s", format)
	}
}

// fileWriter owns the storage stream of one temp file and implements the
// retryable close shared by every format.
type fileWriter struct {
	path        string
	out         io.WriteCloser
	finalize    func() error
	finalizeErr error
	finalized   bool
	closed      bool
}

func openFile(ctx context.Context, store storage.Storage, path string) (*fileWriter, error) {
	out, err := store.Create(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	return &fileWriter{path: path, out: out}, nil
}

func (f *fileWriter) checkOpen() error {
	if f.finalized || f.closed {
		return apperrors.ErrWriterClosed
	}
	return nil
}

// Close runs format finalization once, then closes the storage stream.
// A failed finalization is sticky because encoders cannot be finalized twice.
func (f *fileWriter) Close() error {
	if f.closed {
		return nil
	}
	if !f.finalized {
		f.finalized = true
		if f.finalize != nil {
			f.finalizeErr = f.finalize()
		}
	}
	if f.finalizeErr != nil {
		return fmt.Errorf("failed to finalize %s: %w", f.path, f.finalizeErr)
	}
	if err := f.out.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", f.path, err)
	}
	f.closed = true
	return nil
}
