package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/jittakal/kafeventsink/pkg/storage"
)

// Ensure implementation satisfies interface at compile time.
var _ storage.Storage = (*FileStorage)(nil)

// FileConfig contains local filesystem configuration.
type FileConfig struct {
	RootPath string
}

// FileStorage implements storage.Storage on a local filesystem.
// Renames use os.Rename, which is atomic within one filesystem, and appends
// are fsynced before returning.
type FileStorage struct {
	root   string
	logger *slog.Logger
	inst   instrument
}

// NewFileStorage creates a new filesystem storage rooted at config.RootPath.
func NewFileStorage(config FileConfig, logger *slog.Logger, metrics MetricsCollector) (*FileStorage, error) {
	if config.RootPath != "" {
		if err := os.MkdirAll(config.RootPath, 0755); err != nil {
			return nil, fmt.Errorf("failed to create root path: %w", err)
		}
	}

	logger.Info("filesystem storage created", "root_path", config.RootPath)

	return &FileStorage{
		root:   config.RootPath,
		logger: logger,
		inst:   instrument{backend: storage.BackendFile, metrics: metrics},
	}, nil
}

func (s *FileStorage) localPath(p string) string {
	return filepath.Join(s.root, filepath.FromSlash(p))
}

// Exists reports whether a regular file exists at p.
func (s *FileStorage) Exists(ctx context.Context, p string) (bool, error) {
	start := time.Now()
	info, err := os.Stat(s.localPath(p))
	if errors.Is(err, fs.ErrNotExist) {
		s.inst.done(OpExists, start, nil)
		return false, nil
	}
	if err != nil {
		s.inst.done(OpExists, start, err)
		return false, opError(OpExists, p, err)
	}
	s.inst.done(OpExists, start, nil)
	return !info.IsDir(), nil
}

// Create creates or truncates the file at p.
func (s *FileStorage) Create(ctx context.Context, p string) (w io.WriteCloser, err error) {
	start := time.Now()
	defer func() { s.inst.done(OpCreate, start, err) }()

	local := s.localPath(p)
	if err := os.MkdirAll(filepath.Dir(local), 0755); err != nil {
		return nil, opError(OpCreate, p, err)
	}
	f, err := os.Create(local)
	if err != nil {
		return nil, opError(OpCreate, p, err)
	}
	return &syncFile{File: f, path: p}, nil
}

// syncFile fsyncs on close so a closed file is durable.
type syncFile struct {
	*os.File
	path   string
	closed bool
}

func (f *syncFile) Close() error {
	if f.closed {
		return nil
	}
	if err := f.File.Sync(); err != nil {
		return opError(OpCreate, f.path, err)
	}
	f.closed = true
	if err := f.File.Close(); err != nil {
		return opError(OpCreate, f.path, err)
	}
	return nil
}

// Append appends data to p and fsyncs it.
func (s *FileStorage) Append(ctx context.Context, p string, data []byte) (err error) {
	start := time.Now()
	defer func() { s.inst.done(OpAppend, start, err) }()

	local := s.localPath(p)
	if err := os.MkdirAll(filepath.Dir(local), 0755); err != nil {
		return opError(OpAppend, p, err)
	}

	f, err := os.OpenFile(local, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return opError(OpAppend, p, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return opError(OpAppend, p, err)
	}
	if err := appendSynced(f, info.Size(), data); err != nil {
		f.Close()
		return opError(OpAppend, p, err)
	}
	if err := f.Close(); err != nil {
		return opError(OpAppend, p, err)
	}
	return nil
}

// appendFile is the part of *os.File used to append.
type appendFile interface {
	io.Writer
	Sync() error
	Truncate(size int64) error
}

// appendSynced writes data at the end of f, which is size bytes long, and
// syncs it. A failed append is cut back to size so that a retry never
// lands after a partial write.
func appendSynced(f appendFile, size int64, data []byte) error {
	_, err := f.Write(data)
	if err == nil {
		err = f.Sync()
	}
	if err == nil {
		return nil
	}
	if truncErr := f.Truncate(size); truncErr != nil {
		return errors.Join(err, fmt.Errorf("failed to roll back partial append: %w", truncErr))
	}
	return err
}

// Open opens p for reading.
func (s *FileStorage) Open(ctx context.Context, p string) (r io.ReadCloser, err error) {
	start := time.Now()
	defer func() { s.inst.done(OpOpen, start, err) }()

	f, err := os.Open(s.localPath(p))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, notFound(OpOpen, p)
	}
	if err != nil {
		return nil, opError(OpOpen, p, err)
	}
	return f, nil
}

// Move renames src to dst, creating dst's directory if needed.
func (s *FileStorage) Move(ctx context.Context, src, dst string) (err error) {
	start := time.Now()
	defer func() { s.inst.done(OpMove, start, err) }()

	localSrc, localDst := s.localPath(src), s.localPath(dst)
	if _, err := os.Stat(localSrc); errors.Is(err, fs.ErrNotExist) {
		return notFound(OpMove, src)
	}
	if err := os.MkdirAll(filepath.Dir(localDst), 0755); err != nil {
		return opError(OpMove, dst, err)
	}
	if err := os.Rename(localSrc, localDst); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return notFound(OpMove, src)
		}
		return opError(OpMove, src, err)
	}
	s.syncDir(filepath.Dir(localDst))
	return nil
}

// syncDir makes a rename durable on filesystems that need a directory fsync.
func (s *FileStorage) syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		s.logger.Debug("directory sync failed", "dir", dir, "error", err)
	}
}

// Delete removes p. A missing file is not an error.
func (s *FileStorage) Delete(ctx context.Context, p string) (err error) {
	start := time.Now()
	defer func() { s.inst.done(OpDelete, start, err) }()

	if err := os.Remove(s.localPath(p)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return opError(OpDelete, p, err)
	}
	return nil
}

// List returns the regular files directly under dir.
func (s *FileStorage) List(ctx context.Context, dir string, filter func(string) bool) (files []storage.FileInfo, err error) {
	start := time.Now()
	defer func() { s.inst.done(OpList, start, err) }()

	entries, err := os.ReadDir(s.localPath(dir))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, opError(OpList, dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		p := path.Join(dir, entry.Name())
		if !accept(filter, p) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		files = append(files, storage.FileInfo{Path: p, Size: info.Size(), ModTime: info.ModTime()})
	}
	return files, nil
}

// Close closes the storage.
func (s *FileStorage) Close() error {
	s.logger.Info("closing filesystem storage")
	return nil
}
