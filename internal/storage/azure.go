package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	"github.com/jittakal/kafeventsink/pkg/storage"
)

// Ensure implementation satisfies interface at compile time.
var _ storage.Storage = (*AzureStorage)(nil)

// AzureConfig contains Azure Blob Storage configuration.
type AzureConfig struct {
	AccountName   string
	AccountKey    string
	ContainerName string
	Prefix        string
	Endpoint      string
}

// Validate checks the required Azure settings.
func (c AzureConfig) Validate() error {
	if c.AccountName == "" {
		return fmt.Errorf("azure account name is required")
	}
	if c.ContainerName == "" {
		return fmt.Errorf("azure container name is required")
	}
	return nil
}

// ConnectionString builds the shared key connection string for the account.
func (c AzureConfig) ConnectionString() string {
	if c.Endpoint != "" {
		return fmt.Sprintf("DefaultEndpointsProtocol=https;AccountName=%s;AccountKey=%s;BlobEndpoint=%s",
			c.AccountName, c.AccountKey, c.Endpoint)
	}
	return fmt.Sprintf("DefaultEndpointsProtocol=https;AccountName=%s;AccountKey=%s;EndpointSuffix=core.windows.net",
		c.AccountName, c.AccountKey)
}

// AzureStorage implements storage.Storage on Azure Blob Storage.
// Temp and committed files are block blobs; the write-ahead log is an append
// blob so each entry is a single AppendBlock call.
type AzureStorage struct {
	client        *azblob.Client
	containerName string
	prefix        string
	logger        *slog.Logger
	inst          instrument
}

// NewAzureStorage creates a new Azure Blob storage.
func NewAzureStorage(cfg AzureConfig, logger *slog.Logger, metrics MetricsCollector) (*AzureStorage, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client, err := azblob.NewClientFromConnectionString(cfg.ConnectionString(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure client: %w", err)
	}

	logger.Info("Azure storage created",
		"container", cfg.ContainerName,
		"account", cfg.AccountName,
		"prefix", cfg.Prefix,
	)

	return &AzureStorage{
		client:        client,
		containerName: cfg.ContainerName,
		prefix:        cfg.Prefix,
		logger:        logger,
		inst:          instrument{backend: storage.BackendAzure, metrics: metrics},
	}, nil
}

func (s *AzureStorage) blobName(p string) string {
	return objectKey(s.prefix, p)
}

// Exists reads the blob properties of p.
func (s *AzureStorage) Exists(ctx context.Context, p string) (bool, error) {
	start := time.Now()
	blob := s.client.ServiceClient().NewContainerClient(s.containerName).NewBlobClient(s.blobName(p))
	_, err := blob.GetProperties(ctx, nil)
	if bloberror.HasCode(err, bloberror.BlobNotFound) {
		s.inst.done(OpExists, start, nil)
		return false, nil
	}
	s.inst.done(OpExists, start, err)
	if err != nil {
		return false, opError(OpExists, p, err)
	}
	return true, nil
}

// Create spools writes to a local file and uploads a block blob on Close.
func (s *AzureStorage) Create(ctx context.Context, p string) (io.WriteCloser, error) {
	start := time.Now()
	tmp, err := os.CreateTemp("", "azure-upload-*")
	s.inst.done(OpCreate, start, err)
	if err != nil {
		return nil, opError(OpCreate, p, err)
	}

	uploadCtx := context.WithoutCancel(ctx)
	return &spoolWriter{
		file: tmp,
		path: p,
		upload: func(f *os.File) error {
			uploadStart := time.Now()
			_, err := s.client.UploadFile(uploadCtx, s.containerName, s.blobName(p), f, nil)
			s.inst.done(OpCreate, uploadStart, err)
			if err != nil {
				return fmt.Errorf("failed to upload to Azure Blob: %w", err)
			}
			return nil
		},
	}, nil
}

// Append appends one block to the append blob at p, creating it on first use.
func (s *AzureStorage) Append(ctx context.Context, p string, data []byte) (err error) {
	start := time.Now()
	defer func() { s.inst.done(OpAppend, start, err) }()

	blob := s.client.ServiceClient().NewContainerClient(s.containerName).NewAppendBlobClient(s.blobName(p))
	_, err = blob.AppendBlock(ctx, streaming.NopCloser(bytes.NewReader(data)), nil)
	if bloberror.HasCode(err, bloberror.BlobNotFound) {
		if _, err := blob.Create(ctx, nil); err != nil && !bloberror.HasCode(err, bloberror.BlobAlreadyExists) {
			return opError(OpAppend, p, err)
		}
		_, err = blob.AppendBlock(ctx, streaming.NopCloser(bytes.NewReader(data)), nil)
	}
	if err != nil {
		return opError(OpAppend, p, err)
	}
	return nil
}

// Open downloads p as a stream.
func (s *AzureStorage) Open(ctx context.Context, p string) (r io.ReadCloser, err error) {
	start := time.Now()
	defer func() { s.inst.done(OpOpen, start, err) }()

	resp, err := s.client.DownloadStream(ctx, s.containerName, s.blobName(p), nil)
	if bloberror.HasCode(err, bloberror.BlobNotFound) {
		return nil, notFound(OpOpen, p)
	}
	if err != nil {
		return nil, opError(OpOpen, p, err)
	}
	return resp.Body, nil
}

// Move streams src into a new block blob at dst and deletes src.
func (s *AzureStorage) Move(ctx context.Context, src, dst string) (err error) {
	start := time.Now()
	defer func() { s.inst.done(OpMove, start, err) }()

	resp, err := s.client.DownloadStream(ctx, s.containerName, s.blobName(src), nil)
	if bloberror.HasCode(err, bloberror.BlobNotFound) {
		return notFound(OpMove, src)
	}
	if err != nil {
		return opError(OpMove, src, err)
	}
	defer resp.Body.Close()

	if _, err := s.client.UploadStream(ctx, s.containerName, s.blobName(dst), resp.Body, nil); err != nil {
		return opError(OpMove, dst, err)
	}
	if _, err := s.client.DeleteBlob(ctx, s.containerName, s.blobName(src), nil); err != nil &&
		!bloberror.HasCode(err, bloberror.BlobNotFound) {
		return opError(OpMove, src, err)
	}
	return nil
}

// Delete removes p.
func (s *AzureStorage) Delete(ctx context.Context, p string) (err error) {
	start := time.Now()
	defer func() { s.inst.done(OpDelete, start, err) }()

	if _, err := s.client.DeleteBlob(ctx, s.containerName, s.blobName(p), nil); err != nil &&
		!bloberror.HasCode(err, bloberror.BlobNotFound) {
		return opError(OpDelete, p, err)
	}
	return nil
}

// List pages through the blobs directly under dir.
func (s *AzureStorage) List(ctx context.Context, dir string, filter func(string) bool) (files []storage.FileInfo, err error) {
	start := time.Now()
	defer func() { s.inst.done(OpList, start, err) }()

	prefix := dirPrefix(s.prefix, dir)
	pager := s.client.NewListBlobsFlatPager(s.containerName, &azblob.ListBlobsFlatOptions{Prefix: &prefix})
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, opError(OpList, dir, err)
		}
		if resp.Segment == nil {
			continue
		}
		for _, item := range resp.Segment.BlobItems {
			if item == nil || item.Name == nil {
				continue
			}
			name := strings.TrimPrefix(*item.Name, prefix)
			if name == "" || strings.Contains(name, "/") {
				continue
			}
			p := path.Join(dir, name)
			if !accept(filter, p) {
				continue
			}
			info := storage.FileInfo{Path: p}
			if item.Properties != nil {
				if item.Properties.ContentLength != nil {
					info.Size = *item.Properties.ContentLength
				}
				if item.Properties.LastModified != nil {
					info.ModTime = *item.Properties.LastModified
				}
			}
			files = append(files, info)
		}
	}
	return files, nil
}

// Close closes the Azure storage.
func (s *AzureStorage) Close() error {
	s.logger.Info("Azure storage closed")
	return nil
}
