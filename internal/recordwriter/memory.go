package recordwriter

import (
	"context"
	"sync"

	"github.com/jittakal/kafeventsink/pkg/event"
	"github.com/jittakal/kafeventsink/pkg/recordwriter"
	"github.com/jittakal/kafeventsink/pkg/storage"
)

// Ensure implementation satisfies interface at compile time.
var (
	_ recordwriter.Provider     = (*MemoryProvider)(nil)
	_ recordwriter.RecordWriter = (*MemoryWriter)(nil)
)

// MemoryProvider creates JSON line writers with injectable failures.
// Failures set on the provider apply to every writer it has created or
// will create.
type MemoryProvider struct {
	mu         sync.Mutex
	writeErr   error
	closeErr   error
	writers    []*MemoryWriter
	openFailed error
}

// NewMemoryProvider creates a memory provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{}
}

// SetWriteFailure makes Write fail with err. A nil err clears it.
func (p *MemoryProvider) SetWriteFailure(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeErr = err
}

// SetCloseFailure makes Close fail with err. A nil err clears it.
func (p *MemoryProvider) SetCloseFailure(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeErr = err
}

// SetOpenFailure makes NewRecordWriter fail with err. A nil err clears it.
func (p *MemoryProvider) SetOpenFailure(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.openFailed = err
}

// Writers returns every writer created so far.
func (p *MemoryProvider) Writers() []*MemoryWriter {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*MemoryWriter(nil), p.writers...)
}

func (p *MemoryProvider) failures() (writeErr, closeErr error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writeErr, p.closeErr
}

// NewRecordWriter opens a writer on path.
func (p *MemoryProvider) NewRecordWriter(ctx context.Context, store storage.Storage, path string) (recordwriter.RecordWriter, error) {
	p.mu.Lock()
	openErr := p.openFailed
	p.mu.Unlock()
	if openErr != nil {
		return nil, openErr
	}

	inner, err := NewJSONProvider().NewRecordWriter(ctx, store, path)
	if err != nil {
		return nil, err
	}

	w := &MemoryWriter{provider: p, inner: inner.(*JSONWriter), path: path}
	p.mu.Lock()
	p.writers = append(p.writers, w)
	p.mu.Unlock()
	return w, nil
}

// Format returns the file format.
func (p *MemoryProvider) Format() event.FileFormat {
	return event.FormatJSON
}

// MemoryWriter is a JSON line writer with injectable failures. Failures set
// on the writer take precedence over those set on its provider.
type MemoryWriter struct {
	provider *MemoryProvider
	inner    *JSONWriter
	path     string

	mu       sync.Mutex
	writeErr error
	closeErr error
	offsets  []int64
	closed   bool
}

// SetWriteFailure makes Write on this writer fail with err. A nil err clears it.
func (w *MemoryWriter) SetWriteFailure(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writeErr = err
}

// SetCloseFailure makes Close on this writer fail with err. A nil err clears it.
func (w *MemoryWriter) SetCloseFailure(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closeErr = err
}

func (w *MemoryWriter) failures() (writeErr, closeErr error) {
	w.mu.Lock()
	writeErr, closeErr = w.writeErr, w.closeErr
	w.mu.Unlock()

	pw, pc := w.provider.failures()
	if writeErr == nil {
		writeErr = pw
	}
	if closeErr == nil {
		closeErr = pc
	}
	return writeErr, closeErr
}

// Write writes record unless a write failure is injected.
func (w *MemoryWriter) Write(record event.Record) error {
	if writeErr, _ := w.failures(); writeErr != nil {
		return writeErr
	}
	if err := w.inner.Write(record); err != nil {
		return err
	}
	w.mu.Lock()
	w.offsets = append(w.offsets, record.Offset)
	w.mu.Unlock()
	return nil
}

// Close closes the file unless a close failure is injected.
func (w *MemoryWriter) Close() error {
	if _, closeErr := w.failures(); closeErr != nil {
		return closeErr
	}
	if err := w.inner.Close(); err != nil {
		return err
	}
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return nil
}

// Path returns the temp file path this writer writes to.
func (w *MemoryWriter) Path() string {
	return w.path
}

// Offsets returns the offsets written so far.
func (w *MemoryWriter) Offsets() []int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]int64(nil), w.offsets...)
}

// Closed reports whether Close has succeeded.
func (w *MemoryWriter) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}
