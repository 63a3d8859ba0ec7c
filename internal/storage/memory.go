package storage

import (
	"bytes"
	"context"
	"io"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/jittakal/kafeventsink/pkg/storage"
)

// Ensure implementation satisfies interface at compile time.
var _ storage.Storage = (*MemoryStorage)(nil)

// MemoryStorage is an in-memory storage.Storage with per-operation failure
// injection. Writers returned by Create write through, so the content of an
// open file is visible to Read while it is being written.
type MemoryStorage struct {
	mu       sync.RWMutex
	files    map[string]*memFile
	failures map[string]error
}

type memFile struct {
	data    []byte
	modTime time.Time
}

// NewMemoryStorage creates an empty in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		files:    make(map[string]*memFile),
		failures: make(map[string]error),
	}
}

// SetFailure makes every subsequent call of op fail with err.
// A nil err clears the failure.
func (s *MemoryStorage) SetFailure(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, op)
		return
	}
	s.failures[op] = err
}

// ClearFailures removes all injected failures.
func (s *MemoryStorage) ClearFailures() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = make(map[string]error)
}

func (s *MemoryStorage) failure(op, p string) error {
	if err, ok := s.failures[op]; ok {
		return opError(op, p, err)
	}
	return nil
}

// Read returns a copy of the content at p.
func (s *MemoryStorage) Read(p string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.files[path.Clean(p)]
	if !ok {
		return nil, false
	}
	return bytes.Clone(f.data), true
}

// Put stores data at p, replacing any existing content.
func (s *MemoryStorage) Put(p string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[path.Clean(p)] = &memFile{data: bytes.Clone(data), modTime: time.Now()}
}

// Paths returns every stored path in lexical order.
func (s *MemoryStorage) Paths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	paths := make([]string, 0, len(s.files))
	for p := range s.files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Exists reports whether p exists.
func (s *MemoryStorage) Exists(ctx context.Context, p string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failure(OpExists, p); err != nil {
		return false, err
	}
	_, ok := s.files[path.Clean(p)]
	return ok, nil
}

// Create truncates p and returns a write-through writer.
func (s *MemoryStorage) Create(ctx context.Context, p string) (io.WriteCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure(OpCreate, p); err != nil {
		return nil, err
	}
	p = path.Clean(p)
	s.files[p] = &memFile{modTime: time.Now()}
	return &memWriter{storage: s, path: p}, nil
}

type memWriter struct {
	storage *MemoryStorage
	path    string
	closed  bool
}

func (w *memWriter) Write(b []byte) (int, error) {
	if w.closed {
		return 0, opError(OpCreate, w.path, io.ErrClosedPipe)
	}
	w.storage.mu.Lock()
	defer w.storage.mu.Unlock()
	f, ok := w.storage.files[w.path]
	if !ok {
		// Moved or deleted while open.
		return 0, notFound(OpCreate, w.path)
	}
	f.data = append(f.data, b...)
	f.modTime = time.Now()
	return len(b), nil
}

func (w *memWriter) Close() error {
	w.closed = true
	return nil
}

// Append appends data to p, creating it if needed.
func (s *MemoryStorage) Append(ctx context.Context, p string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure(OpAppend, p); err != nil {
		return err
	}
	p = path.Clean(p)
	f, ok := s.files[p]
	if !ok {
		f = &memFile{}
		s.files[p] = f
	}
	f.data = append(f.data, data...)
	f.modTime = time.Now()
	return nil
}

// Open returns a reader over a snapshot of p.
func (s *MemoryStorage) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failure(OpOpen, p); err != nil {
		return nil, err
	}
	f, ok := s.files[path.Clean(p)]
	if !ok {
		return nil, notFound(OpOpen, p)
	}
	return io.NopCloser(bytes.NewReader(bytes.Clone(f.data))), nil
}

// Move renames src to dst, replacing dst.
func (s *MemoryStorage) Move(ctx context.Context, src, dst string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure(OpMove, src); err != nil {
		return err
	}
	src, dst = path.Clean(src), path.Clean(dst)
	f, ok := s.files[src]
	if !ok {
		return notFound(OpMove, src)
	}
	delete(s.files, src)
	s.files[dst] = f
	return nil
}

// Delete removes p.
func (s *MemoryStorage) Delete(ctx context.Context, p string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure(OpDelete, p); err != nil {
		return err
	}
	delete(s.files, path.Clean(p))
	return nil
}

// List returns the files directly under dir in lexical order.
func (s *MemoryStorage) List(ctx context.Context, dir string, filter func(string) bool) ([]storage.FileInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failure(OpList, dir); err != nil {
		return nil, err
	}

	dir = path.Clean(dir)
	var files []storage.FileInfo
	for p, f := range s.files {
		if path.Dir(p) != dir || !accept(filter, p) {
			continue
		}
		files = append(files, storage.FileInfo{Path: p, Size: int64(len(f.data)), ModTime: f.modTime})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// Close is a no-op.
func (s *MemoryStorage) Close() error {
	return nil
}
