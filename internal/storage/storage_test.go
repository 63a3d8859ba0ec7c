package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jittakal/kafeventsink/internal/naming"
	"github.com/jittakal/kafeventsink/pkg/storage"
)

// mockMetricsCollector implements MetricsCollector for testing
type mockMetricsCollector struct {
	mu         sync.Mutex
	errors     map[string]int
	operations map[string]int
}

func newMockMetrics() *mockMetricsCollector {
	return &mockMetricsCollector{errors: map[string]int{}, operations: map[string]int{}}
}

func (m *mockMetricsCollector) IncStorageErrors(backend string, operation string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[backend+"/"+operation]++
}

func (m *mockMetricsCollector) ObserveStorageOperation(backend string, operation string, duration float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.operations[backend+"/"+operation]++
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}

func readAll(t *testing.T, s storage.Storage, p string) []byte {
	t.Helper()
	r, err := s.Open(context.Background(), p)
	require.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	return data
}

// runStorageContract exercises the behaviour partition writers rely on.
func runStorageContract(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	dir := "base/orders/0"

	t.Run("missing paths", func(t *testing.T) {
		ok, err := s.Exists(ctx, dir+"/missing")
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = s.Open(ctx, dir+"/missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		err = s.Move(ctx, dir+"/missing", dir+"/0-1")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		assert.NoError(t, s.Delete(ctx, dir+"/missing"))

		files, err := s.List(ctx, "base/nowhere", nil)
		require.NoError(t, err)
		assert.Empty(t, files)
	})

	t.Run("create and open", func(t *testing.T) {
		w, err := s.Create(ctx, dir+"/_temp")
		require.NoError(t, err)
		_, err = w.Write([]byte("hello "))
		require.NoError(t, err)
		_, err = w.Write([]byte("world"))
		require.NoError(t, err)
		require.NoError(t, w.Close())

		ok, err := s.Exists(ctx, dir+"/_temp")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "hello world", string(readAll(t, s, dir+"/_temp")))

		// Create replaces existing content.
		w, err = s.Create(ctx, dir+"/_temp")
		require.NoError(t, err)
		_, err = w.Write([]byte("again"))
		require.NoError(t, err)
		require.NoError(t, w.Close())
		assert.Equal(t, "again", string(readAll(t, s, dir+"/_temp")))
	})

	t.Run("append", func(t *testing.T) {
		require.NoError(t, s.Append(ctx, dir+"/_log", []byte("a")))
		require.NoError(t, s.Append(ctx, dir+"/_log", []byte("bc")))
		assert.Equal(t, "abc", string(readAll(t, s, dir+"/_log")))
	})

	t.Run("move", func(t *testing.T) {
		require.NoError(t, s.Move(ctx, dir+"/_temp", dir+"/0-2"))

		ok, err := s.Exists(ctx, dir+"/_temp")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, "again", string(readAll(t, s, dir+"/0-2")))
	})

	t.Run("list with filter", func(t *testing.T) {
		w, err := s.Create(ctx, dir+"/3-5")
		require.NoError(t, err)
		require.NoError(t, w.Close())
		w, err = s.Create(ctx, dir+"/abcd")
		require.NoError(t, err)
		require.NoError(t, w.Close())
		w, err = s.Create(ctx, dir+"/nested/6-8")
		require.NoError(t, err)
		require.NoError(t, w.Close())

		files, err := s.List(ctx, dir, naming.IsCommitted)
		require.NoError(t, err)

		var paths []string
		for _, f := range files {
			paths = append(paths, f.Path)
		}
		assert.ElementsMatch(t, []string{dir + "/0-2", dir + "/3-5"}, paths)

		all, err := s.List(ctx, dir, nil)
		require.NoError(t, err)
		assert.Len(t, all, 4) // 0-2, 3-5, abcd, _log
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, s.Delete(ctx, dir+"/_log"))
		ok, err := s.Exists(ctx, dir+"/_log")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestMemoryStorage_Contract(t *testing.T) {
	runStorageContract(t, NewMemoryStorage())
}

func TestFileStorage_Contract(t *testing.T) {
	metrics := newMockMetrics()
	s, err := NewFileStorage(FileConfig{RootPath: t.TempDir()}, testLogger(), metrics)
	require.NoError(t, err)
	defer s.Close()

	runStorageContract(t, s)

	assert.NotZero(t, metrics.operations["file/append"])
	assert.Zero(t, metrics.errors["file/open"], "not found is not a storage error")
}

// tornFile writes half of every buffer before failing.
type tornFile struct {
	*os.File
}

var errTornWrite = errors.New("device full")

func (f tornFile) Write(b []byte) (int, error) {
	n, _ := f.File.Write(b[:len(b)/2])
	return n, errTornWrite
}

// failingSync accepts writes but fails to sync them.
type failingSync struct {
	*os.File
}

func (f failingSync) Sync() error { return errTornWrite }

func TestAppendSynced_RollsBackFailedAppend(t *testing.T) {
	tests := []struct {
		name string
		wrap func(*os.File) appendFile
	}{
		{"partial write", func(f *os.File) appendFile { return tornFile{f} }},
		{"failed sync", func(f *os.File) appendFile { return failingSync{f} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			s, err := NewFileStorage(FileConfig{RootPath: t.TempDir()}, testLogger(), nil)
			require.NoError(t, err)
			defer s.Close()

			require.NoError(t, s.Append(ctx, "orders/0/_log", []byte("first|")))

			f, err := os.OpenFile(s.localPath("orders/0/_log"), os.O_APPEND|os.O_WRONLY, 0644)
			require.NoError(t, err)
			err = appendSynced(tt.wrap(f), int64(len("first|")), []byte("second|"))
			require.NoError(t, f.Close())
			assert.ErrorIs(t, err, errTornWrite)

			require.NoError(t, s.Append(ctx, "orders/0/_log", []byte("retry|")))
			assert.Equal(t, []byte("first|retry|"), readAll(t, s, "orders/0/_log"))
		})
	}
}

func TestS3Storage_Contract(t *testing.T) {
	client := newFakeS3()
	s := NewS3StorageWithClient(client, S3Config{Bucket: "bucket", Region: "us-east-1", Prefix: "sink"}, testLogger(), nil)

	runStorageContract(t, s)

	_, ok := client.objects["sink/base/orders/0/0-2"]
	assert.True(t, ok, "objects should be stored under the configured prefix")
}

func TestMemoryStorage_Failures(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()
	boom := errors.New("boom")

	s.SetFailure(OpAppend, boom)
	err := s.Append(ctx, "a/_log", []byte("x"))
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	_, ok := s.Read("a/_log")
	assert.False(t, ok)

	s.SetFailure(OpAppend, nil)
	require.NoError(t, s.Append(ctx, "a/_log", []byte("x")))

	s.SetFailure(OpMove, boom)
	s.SetFailure(OpList, boom)
	assert.ErrorIs(t, s.Move(ctx, "a/_log", "a/b"), boom)
	_, err = s.List(ctx, "a", nil)
	assert.ErrorIs(t, err, boom)

	s.ClearFailures()
	require.NoError(t, s.Move(ctx, "a/_log", "a/b"))
	assert.Equal(t, []string{"a/b"}, s.Paths())
}

func TestMemoryStorage_WriteThrough(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()

	w, err := s.Create(ctx, "t/0/_temp")
	require.NoError(t, err)
	_, err = w.Write([]byte("line\n"))
	require.NoError(t, err)

	data, ok := s.Read("t/0/_temp")
	require.True(t, ok)
	assert.Equal(t, "line\n", string(data), "open file content should be visible")

	require.NoError(t, w.Close())
	_, err = w.Write([]byte("more"))
	assert.Error(t, err)
}

func TestNew(t *testing.T) {
	ctx := context.Background()

	s, err := New(ctx, Config{Backend: "memory"}, testLogger(), nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStorage{}, s)

	s, err = New(ctx, Config{Backend: "file", File: FileConfig{RootPath: t.TempDir()}}, testLogger(), nil)
	require.NoError(t, err)
	assert.IsType(t, &FileStorage{}, s)

	_, err = New(ctx, Config{Backend: "hdfs"}, testLogger(), nil)
	assert.Error(t, err)

	_, err = New(ctx, Config{Backend: "s3"}, testLogger(), nil)
	assert.Error(t, err, "missing bucket should fail validation")
}

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "sink/base/t/0/_log", objectKey("sink", "base/t/0/_log"))
	assert.Equal(t, "base/t/0/_log", objectKey("", "/base/t/0/_log"))
	assert.Equal(t, "sink/base/t/0/", dirPrefix("sink", "base/t/0"))
	assert.Equal(t, "", dirPrefix("", ""))
}

func TestCloudConfigValidation(t *testing.T) {
	assert.NoError(t, S3Config{Bucket: "b", Region: "r"}.Validate())
	assert.Error(t, S3Config{Region: "r"}.Validate())
	assert.Error(t, S3Config{Bucket: "b"}.Validate())

	assert.NoError(t, GCSConfig{Bucket: "b"}.Validate())
	assert.Error(t, GCSConfig{}.Validate())
	assert.Len(t, GCSConfig{Bucket: "b", Endpoint: "http://localhost:4443", CredentialsFile: "/k.json"}.ClientOptions(), 2)
	assert.Empty(t, GCSConfig{Bucket: "b", UseDefaultCredential: true, CredentialsFile: "/k.json"}.ClientOptions())

	assert.NoError(t, AzureConfig{AccountName: "a", ContainerName: "c"}.Validate())
	assert.Error(t, AzureConfig{ContainerName: "c"}.Validate())
	assert.Error(t, AzureConfig{AccountName: "a"}.Validate())
	assert.Contains(t, AzureConfig{AccountName: "a", AccountKey: "k"}.ConnectionString(), "EndpointSuffix=core.windows.net")
	assert.Contains(t, AzureConfig{AccountName: "a", Endpoint: "http://127.0.0.1:10000/a"}.ConnectionString(), "BlobEndpoint=http://127.0.0.1:10000/a")
}

func TestCopySource(t *testing.T) {
	assert.Equal(t, "bucket/base/t/0/_temp", copySource("bucket", "base/t/0/_temp"))
	assert.Equal(t, "bucket/a%20b/c", copySource("bucket", "a b/c"))
}
