package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/jittakal/kafeventsink/pkg/storage"
)

// Ensure implementation satisfies interface at compile time.
var _ storage.Storage = (*S3Storage)(nil)

// S3Config contains AWS S3 configuration.
type S3Config struct {
	Bucket       string
	Region       string
	Prefix       string
	Endpoint     string
	UsePathStyle bool
	SSEEnabled   bool
	SSEKMSKeyID  string
}

// Validate checks the required S3 settings.
func (c S3Config) Validate() error {
	if c.Bucket == "" {
		return fmt.Errorf("s3 bucket is required")
	}
	if c.Region == "" {
		return fmt.Errorf("s3 region is required")
	}
	return nil
}

// S3API is the subset of the S3 client used by S3Storage.
type S3API interface {
	manager.UploadAPIClient
	s3.ListObjectsV2APIClient
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Storage implements storage.Storage on AWS S3.
//
// S3 has no rename, so Move is a copy followed by a delete. A crash between
// the two leaves both objects, which write-ahead log replay resolves by
// skipping entries whose destination exists. Appends rewrite the object
// under an ETag precondition.
type S3Storage struct {
	client      S3API
	uploader    *manager.Uploader
	bucket      string
	prefix      string
	sseEnabled  bool
	sseKMSKeyID string
	logger      *slog.Logger
	inst        instrument
}

// NewS3Storage creates a new S3 storage.
func NewS3Storage(ctx context.Context, cfg S3Config, logger *slog.Logger, metrics MetricsCollector) (*S3Storage, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	awsConfig, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return NewS3StorageWithClient(s3Client, cfg, logger, metrics), nil
}

// NewS3StorageWithClient creates an S3 storage on an existing client.
func NewS3StorageWithClient(client S3API, cfg S3Config, logger *slog.Logger, metrics MetricsCollector) *S3Storage {
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = 10 * 1024 * 1024 // 10MB parts
		u.Concurrency = 5
	})

	logger.Info("S3 storage created",
		"bucket", cfg.Bucket,
		"region", cfg.Region,
		"prefix", cfg.Prefix,
		"sse_enabled", cfg.SSEEnabled,
	)

	return &S3Storage{
		client:      client,
		uploader:    uploader,
		bucket:      cfg.Bucket,
		prefix:      cfg.Prefix,
		sseEnabled:  cfg.SSEEnabled,
		sseKMSKeyID: cfg.SSEKMSKeyID,
		logger:      logger,
		inst:        instrument{backend: storage.BackendS3, metrics: metrics},
	}
}

func (s *S3Storage) key(p string) string {
	return objectKey(s.prefix, p)
}

func (s *S3Storage) putInput(key string, body io.Reader) *s3.PutObjectInput {
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   body,
	}
	if s.sseEnabled {
		if s.sseKMSKeyID != "" {
			input.ServerSideEncryption = types.ServerSideEncryptionAwsKms
			input.SSEKMSKeyId = aws.String(s.sseKMSKeyID)
		} else {
			input.ServerSideEncryption = types.ServerSideEncryptionAes256
		}
	}
	return input
}

func isS3NotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}

// Exists issues a HeadObject for p.
func (s *S3Storage) Exists(ctx context.Context, p string) (bool, error) {
	start := time.Now()
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(p)),
	})
	if err != nil {
		if isS3NotFound(err) {
			s.inst.done(OpExists, start, nil)
			return false, nil
		}
		s.inst.done(OpExists, start, err)
		return false, opError(OpExists, p, err)
	}
	s.inst.done(OpExists, start, nil)
	return true, nil
}

// Create spools writes to a local file and uploads it on Close.
func (s *S3Storage) Create(ctx context.Context, p string) (io.WriteCloser, error) {
	start := time.Now()
	tmp, err := os.CreateTemp("", "s3-upload-*")
	if err != nil {
		s.inst.done(OpCreate, start, err)
		return nil, opError(OpCreate, p, err)
	}
	s.inst.done(OpCreate, start, nil)

	// The upload happens on Close, possibly after the creating call returned.
	uploadCtx := context.WithoutCancel(ctx)
	return &spoolWriter{
		file: tmp,
		path: p,
		upload: func(f *os.File) error {
			uploadStart := time.Now()
			_, err := s.uploader.Upload(uploadCtx, s.putInput(s.key(p), f))
			s.inst.done(OpCreate, uploadStart, err)
			if err != nil {
				return fmt.Errorf("failed to upload to S3: %w", err)
			}
			return nil
		},
	}, nil
}

// Append rewrites p with data appended, guarded by the object's ETag.
func (s *S3Storage) Append(ctx context.Context, p string, data []byte) (err error) {
	start := time.Now()
	defer func() { s.inst.done(OpAppend, start, err) }()

	key := s.key(p)
	var existing []byte
	var etag *string

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	switch {
	case err == nil:
		existing, err = io.ReadAll(out.Body)
		out.Body.Close()
		if err != nil {
			return opError(OpAppend, p, err)
		}
		etag = out.ETag
	case isS3NotFound(err):
	default:
		return opError(OpAppend, p, err)
	}

	input := s.putInput(key, bytes.NewReader(append(existing, data...)))
	if etag != nil {
		input.IfMatch = etag
	} else {
		input.IfNoneMatch = aws.String("*")
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return opError(OpAppend, p, err)
	}
	return nil
}

// Open returns the body of p.
func (s *S3Storage) Open(ctx context.Context, p string) (r io.ReadCloser, err error) {
	start := time.Now()
	defer func() { s.inst.done(OpOpen, start, err) }()

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(p)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, notFound(OpOpen, p)
		}
		return nil, opError(OpOpen, p, err)
	}
	return out.Body, nil
}

// Move copies src to dst and deletes src.
func (s *S3Storage) Move(ctx context.Context, src, dst string) (err error) {
	start := time.Now()
	defer func() { s.inst.done(OpMove, start, err) }()

	srcKey := s.key(src)
	input := &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(s.key(dst)),
		CopySource: aws.String(copySource(s.bucket, srcKey)),
	}
	if s.sseEnabled {
		if s.sseKMSKeyID != "" {
			input.ServerSideEncryption = types.ServerSideEncryptionAwsKms
			input.SSEKMSKeyId = aws.String(s.sseKMSKeyID)
		} else {
			input.ServerSideEncryption = types.ServerSideEncryptionAes256
		}
	}

	if _, err := s.client.CopyObject(ctx, input); err != nil {
		if isS3NotFound(err) {
			return notFound(OpMove, src)
		}
		return opError(OpMove, src, err)
	}

	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(srcKey),
	}); err != nil {
		return opError(OpMove, src, err)
	}
	return nil
}

// copySource builds the URL-encoded bucket/key value CopyObject expects.
func copySource(bucket, key string) string {
	segments := strings.Split(key, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return bucket + "/" + strings.Join(segments, "/")
}

// Delete removes p. S3 reports success for missing keys.
func (s *S3Storage) Delete(ctx context.Context, p string) (err error) {
	start := time.Now()
	defer func() { s.inst.done(OpDelete, start, err) }()

	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(p)),
	}); err != nil && !isS3NotFound(err) {
		return opError(OpDelete, p, err)
	}
	return nil
}

// List pages through the objects directly under dir.
func (s *S3Storage) List(ctx context.Context, dir string, filter func(string) bool) (files []storage.FileInfo, err error) {
	start := time.Now()
	defer func() { s.inst.done(OpList, start, err) }()

	prefix := dirPrefix(s.prefix, dir)
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, opError(OpList, dir, err)
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if name == "" || strings.Contains(name, "/") {
				continue
			}
			p := path.Join(dir, name)
			if !accept(filter, p) {
				continue
			}
			files = append(files, storage.FileInfo{
				Path:    p,
				Size:    aws.ToInt64(obj.Size),
				ModTime: aws.ToTime(obj.LastModified),
			})
		}
	}
	return files, nil
}

// Close closes the S3 storage.
func (s *S3Storage) Close() error {
	s.logger.Info("closing S3 storage")
	return nil
}

// spoolWriter buffers an object in a local temp file and uploads it on Close.
// A failed upload keeps the spool so Close can be retried.
type spoolWriter struct {
	file   *os.File
	path   string
	upload func(f *os.File) error
	done   bool
}

func (w *spoolWriter) Write(b []byte) (int, error) {
	if w.done {
		return 0, opError(OpCreate, w.path, os.ErrClosed)
	}
	return w.file.Write(b)
}

func (w *spoolWriter) Close() error {
	if w.done {
		return nil
	}
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return opError(OpCreate, w.path, err)
	}
	if err := w.upload(w.file); err != nil {
		return opError(OpCreate, w.path, err)
	}
	w.done = true
	name := w.file.Name()
	w.file.Close()
	os.Remove(name)
	return nil
}
