package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	pkgstorage "github.com/jittakal/kafeventsink/pkg/storage"
)

// Ensure implementation satisfies interface at compile time.
var _ pkgstorage.Storage = (*GCSStorage)(nil)

// GCSConfig contains Google Cloud Storage configuration.
type GCSConfig struct {
	Bucket               string
	Prefix               string
	ProjectID            string
	CredentialsFile      string
	CredentialsJSON      string
	Endpoint             string
	UseDefaultCredential bool
}

// Validate checks the required GCS settings.
func (c GCSConfig) Validate() error {
	if c.Bucket == "" {
		return fmt.Errorf("gcs bucket is required")
	}
	return nil
}

// ClientOptions returns the client options implied by the configuration.
func (c GCSConfig) ClientOptions() []option.ClientOption {
	var opts []option.ClientOption
	if c.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.Endpoint))
	}
	switch {
	case c.UseDefaultCredential:
	case c.CredentialsJSON != "":
		opts = append(opts, option.WithCredentialsJSON([]byte(c.CredentialsJSON)))
	case c.CredentialsFile != "":
		opts = append(opts, option.WithCredentialsFile(c.CredentialsFile))
	}
	return opts
}

// GCSStorage implements storage.Storage on Google Cloud Storage.
// Move is a server-side copy followed by a delete; appends rewrite the object
// under a generation precondition.
type GCSStorage struct {
	client *storage.Client
	bucket string
	prefix string
	logger *slog.Logger
	inst   instrument
}

// NewGCSStorage creates a new Google Cloud Storage backend.
func NewGCSStorage(ctx context.Context, cfg GCSConfig, logger *slog.Logger, metrics MetricsCollector) (*GCSStorage, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.UseDefaultCredential || (cfg.CredentialsJSON == "" && cfg.CredentialsFile == "") {
		logger.Info("using default GCP credentials")
	} else if cfg.CredentialsJSON != "" {
		logger.Info("using GCP credentials from JSON string")
	} else {
		logger.Info("using GCP credentials from file", "file", cfg.CredentialsFile)
	}

	client, err := storage.NewClient(ctx, cfg.ClientOptions()...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	logger.Info("GCS storage created",
		"bucket", cfg.Bucket,
		"project_id", cfg.ProjectID,
		"prefix", cfg.Prefix,
	)

	return &GCSStorage{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		logger: logger,
		inst:   instrument{backend: pkgstorage.BackendGCS, metrics: metrics},
	}, nil
}

func (s *GCSStorage) object(p string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(objectKey(s.prefix, p))
}

// Exists reads the attributes of p.
func (s *GCSStorage) Exists(ctx context.Context, p string) (bool, error) {
	start := time.Now()
	_, err := s.object(p).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		s.inst.done(OpExists, start, nil)
		return false, nil
	}
	s.inst.done(OpExists, start, err)
	if err != nil {
		return false, opError(OpExists, p, err)
	}
	return true, nil
}

// Create returns an object writer. The object is visible once Close succeeds.
func (s *GCSStorage) Create(ctx context.Context, p string) (io.WriteCloser, error) {
	w := s.object(p).NewWriter(context.WithoutCancel(ctx))
	w.ContentType = "application/octet-stream"
	return &gcsWriter{w: w, path: p, inst: s.inst}, nil
}

type gcsWriter struct {
	w      *storage.Writer
	path   string
	inst   instrument
	closed bool
	err    error
}

func (g *gcsWriter) Write(b []byte) (int, error) {
	n, err := g.w.Write(b)
	if err != nil {
		return n, opError(OpCreate, g.path, err)
	}
	return n, nil
}

// Close finalizes the upload. The result of the first attempt is sticky
// because a GCS writer cannot be closed twice.
func (g *gcsWriter) Close() error {
	if g.closed {
		return g.err
	}
	start := time.Now()
	g.closed = true
	if err := g.w.Close(); err != nil {
		g.err = opError(OpCreate, g.path, err)
	}
	g.inst.done(OpCreate, start, g.err)
	return g.err
}

// Append rewrites p with data appended.
func (s *GCSStorage) Append(ctx context.Context, p string, data []byte) (err error) {
	start := time.Now()
	defer func() { s.inst.done(OpAppend, start, err) }()

	obj := s.object(p)
	var existing []byte
	cond := storage.Conditions{DoesNotExist: true}

	r, err := obj.NewReader(ctx)
	switch {
	case err == nil:
		existing, err = io.ReadAll(r)
		r.Close()
		if err != nil {
			return opError(OpAppend, p, err)
		}
		cond = storage.Conditions{GenerationMatch: r.Attrs.Generation}
	case errors.Is(err, storage.ErrObjectNotExist):
	default:
		return opError(OpAppend, p, err)
	}

	w := obj.If(cond).NewWriter(ctx)
	if _, err := w.Write(append(existing, data...)); err != nil {
		w.Close()
		return opError(OpAppend, p, err)
	}
	if err := w.Close(); err != nil {
		return opError(OpAppend, p, err)
	}
	return nil
}

// Open returns a reader over p.
func (s *GCSStorage) Open(ctx context.Context, p string) (rc io.ReadCloser, err error) {
	start := time.Now()
	defer func() { s.inst.done(OpOpen, start, err) }()

	r, err := s.object(p).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, notFound(OpOpen, p)
	}
	if err != nil {
		return nil, opError(OpOpen, p, err)
	}
	return r, nil
}

// Move copies src to dst and deletes src.
func (s *GCSStorage) Move(ctx context.Context, src, dst string) (err error) {
	start := time.Now()
	defer func() { s.inst.done(OpMove, start, err) }()

	srcObj := s.object(src)
	if _, err := s.object(dst).CopierFrom(srcObj).Run(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return notFound(OpMove, src)
		}
		return opError(OpMove, src, err)
	}
	if err := srcObj.Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return opError(OpMove, src, err)
	}
	return nil
}

// Delete removes p.
func (s *GCSStorage) Delete(ctx context.Context, p string) (err error) {
	start := time.Now()
	defer func() { s.inst.done(OpDelete, start, err) }()

	if err := s.object(p).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return opError(OpDelete, p, err)
	}
	return nil
}

// List iterates the objects directly under dir.
func (s *GCSStorage) List(ctx context.Context, dir string, filter func(string) bool) (files []pkgstorage.FileInfo, err error) {
	start := time.Now()
	defer func() { s.inst.done(OpList, start, err) }()

	prefix := dirPrefix(s.prefix, dir)
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: prefix, Delimiter: "/"})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, opError(OpList, dir, err)
		}
		if attrs.Prefix != "" {
			continue
		}
		name := strings.TrimPrefix(attrs.Name, prefix)
		if name == "" || strings.Contains(name, "/") {
			continue
		}
		p := path.Join(dir, name)
		if !accept(filter, p) {
			continue
		}
		files = append(files, pkgstorage.FileInfo{Path: p, Size: attrs.Size, ModTime: attrs.Updated})
	}
	return files, nil
}

// Close closes the GCS client.
func (s *GCSStorage) Close() error {
	s.logger.Info("closing GCS storage")
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}
