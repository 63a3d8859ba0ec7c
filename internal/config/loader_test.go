package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jittakal/kafeventsink/internal/config/dto"
)

const validConfig = `
application:
  name: test-sink

kafka:
  bootstrap_servers:
    - localhost:9092
  consumer:
    group_id: test-group
    topics:
      - orders
    max_batch_records: 100
    batch_timeout_ms: 250

storage:
  backend: file
  base_dir: lake
  format: avro
  compression: deflate
  file:
    root_path: /tmp/test

commit:
  flush_size: 3
  max_file_size_mb: 2
  rotate_interval_seconds: 60
  retry_backoff_ms: 1500
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestNewLoader(t *testing.T) {
	loader := NewLoader()
	require.NotNil(t, loader)
	assert.NotNil(t, loader.v)
}

func TestLoader_LoadWithValidConfig(t *testing.T) {
	config, err := NewLoader().Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	assert.Equal(t, "test-sink", config.Application.Name)
	assert.Equal(t, []string{"orders"}, config.Kafka.Consumer.Topics)
	assert.Equal(t, "lake/topics", config.Storage.PartitionBase())
	assert.Equal(t, 3, config.Commit.FlushSize)

	// Defaults fill what the file leaves out.
	assert.Equal(t, "PLAINTEXT", config.Kafka.SecurityProtocol)
	assert.Equal(t, 8080, config.Observability.Health.Port)
	assert.Equal(t, 30, config.Shutdown.GracePeriodSeconds)
}

func TestLoader_EnvironmentOverride(t *testing.T) {
	t.Setenv("APP_COMMIT_FLUSH_SIZE", "42")
	t.Setenv("SINK_GROUP", "expanded-group")

	content := strings.Replace(validConfig, "group_id: test-group", "group_id: ${SINK_GROUP}", 1)
	config, err := NewLoader().Load(writeConfig(t, content))
	require.NoError(t, err)

	assert.Equal(t, 42, config.Commit.FlushSize)
	assert.Equal(t, "expanded-group", config.Kafka.Consumer.GroupID)
}

func TestLoader_LoadWithMissingFile(t *testing.T) {
	// Defaults alone lack bootstrap servers and topics.
	_, err := NewLoader().Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kafka.bootstrap_servers")
}

func TestLoader_LoadWithInvalidYAML(t *testing.T) {
	_, err := NewLoader().Load(writeConfig(t, "kafka: [unterminated"))
	assert.Error(t, err)
}

func validDTO() *dto.ApplicationConfig {
	return &dto.ApplicationConfig{
		Application: dto.ApplicationInfo{Name: "sink"},
		Kafka: dto.KafkaConfig{
			BootstrapServers: []string{"localhost:9092"},
			Consumer:         dto.ConsumerConfig{GroupID: "g", Topics: []string{"orders"}},
		},
		Storage: dto.StorageConfig{
			Backend: "file",
			Format:  "parquet",
			File:    dto.FileConfig{RootPath: "/tmp"},
		},
		Observability: dto.ObservabilityConfig{
			Health: dto.HealthConfig{Port: 8080},
		},
	}
}

func TestLoader_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *dto.ApplicationConfig)
		wantErr string
	}{
		{name: "valid", mutate: func(*dto.ApplicationConfig) {}},
		{name: "no bootstrap servers", mutate: func(c *dto.ApplicationConfig) { c.Kafka.BootstrapServers = nil }, wantErr: "bootstrap_servers"},
		{name: "no topics", mutate: func(c *dto.ApplicationConfig) { c.Kafka.Consumer.Topics = nil }, wantErr: "topics"},
		{name: "no group", mutate: func(c *dto.ApplicationConfig) { c.Kafka.Consumer.GroupID = "" }, wantErr: "group_id"},
		{name: "file without root", mutate: func(c *dto.ApplicationConfig) { c.Storage.File.RootPath = "" }, wantErr: "storage.file"},
		{
			name: "s3 without bucket",
			mutate: func(c *dto.ApplicationConfig) {
				c.Storage.Backend = "s3"
				c.Storage.S3.Region = "us-east-1"
			},
			wantErr: "storage.s3",
		},
		{
			name: "s3 complete",
			mutate: func(c *dto.ApplicationConfig) {
				c.Storage.Backend = "s3"
				c.Storage.S3 = dto.S3Config{Bucket: "b", Region: "us-east-1"}
			},
		},
		{name: "gcs without bucket", mutate: func(c *dto.ApplicationConfig) { c.Storage.Backend = "gcs" }, wantErr: "storage.gcs"},
		{name: "azure without account", mutate: func(c *dto.ApplicationConfig) { c.Storage.Backend = "azure" }, wantErr: "storage.azure"},
		{name: "memory", mutate: func(c *dto.ApplicationConfig) { c.Storage.Backend = "memory" }},
		{name: "unknown backend", mutate: func(c *dto.ApplicationConfig) { c.Storage.Backend = "ftp" }, wantErr: "unsupported storage backend"},
		{name: "json format", mutate: func(c *dto.ApplicationConfig) { c.Storage.Format = "json" }},
		{name: "unknown format", mutate: func(c *dto.ApplicationConfig) { c.Storage.Format = "csv" }, wantErr: "unsupported storage format"},
		{name: "negative flush size", mutate: func(c *dto.ApplicationConfig) { c.Commit.FlushSize = -1 }, wantErr: "thresholds"},
		{name: "negative backoff", mutate: func(c *dto.ApplicationConfig) { c.Commit.RetryBackoffMS = -1 }, wantErr: "backoff"},
		{name: "bad health port", mutate: func(c *dto.ApplicationConfig) { c.Observability.Health.Port = 70000 }, wantErr: "health port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := validDTO()
			tt.mutate(config)

			err := NewLoader().Validate(config)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConvert(t *testing.T) {
	config, err := NewLoader().Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	consumer := ConsumerConfig(config)
	assert.Equal(t, "test-group", consumer.GroupID)
	assert.Equal(t, 100, consumer.MaxBatchRecords)
	assert.Equal(t, 250*time.Millisecond, consumer.BatchTimeout)

	store := StorageConfig(config)
	assert.Equal(t, "file", store.Backend)
	assert.Equal(t, "/tmp/test", store.File.RootPath)

	p := CoordinatorConfig(config).Partition
	assert.Equal(t, "lake/topics", p.BaseDir)
	assert.Equal(t, 3, p.FlushSize)
	assert.Equal(t, int64(2*1024*1024), p.MaxFileSizeBytes)
	assert.Equal(t, time.Minute, p.RotateInterval)
	assert.Equal(t, 1500*time.Millisecond, p.RetryBackoff)

	tracing := TracingConfig(config)
	assert.Equal(t, "test-sink", tracing.ServiceName)
	assert.False(t, tracing.Enabled)

	assert.Equal(t, "info", LoggingConfig(config).Level)
}
