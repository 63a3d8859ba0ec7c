// Package config loads the sink configuration from YAML and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/jittakal/kafeventsink/internal/config/dto"
	"github.com/jittakal/kafeventsink/pkg/event"
	"github.com/jittakal/kafeventsink/pkg/storage"
)

// Loader handles configuration loading and validation
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("APP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return &Loader{v: v}
}

// Load loads configuration from file and environment variables. A missing
// file is not an error; defaults and the environment still apply.
func (l *Loader) Load(path string) (*dto.ApplicationConfig, error) {
	l.setDefaults()

	if path != "" {
		l.v.SetConfigFile(path)
		if err := l.v.ReadInConfig(); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	// Only values containing ${...} are expanded.
	for _, key := range l.v.AllKeys() {
		value := l.v.GetString(key)
		if strings.Contains(value, "${") {
			l.v.Set(key, os.ExpandEnv(value))
		}
	}

	var config dto.ApplicationConfig
	if err := l.v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := l.Validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func (l *Loader) setDefaults() {
	l.v.SetDefault("application.name", "kafeventsink")
	l.v.SetDefault("application.version", "1.0.0")
	l.v.SetDefault("application.environment", "development")

	l.v.SetDefault("kafka.security_protocol", "PLAINTEXT")
	l.v.SetDefault("kafka.sasl_mechanism", "")
	l.v.SetDefault("kafka.aws_region", "us-east-1")
	l.v.SetDefault("kafka.tls_insecure_skip_verify", false)
	l.v.SetDefault("kafka.consumer.auto_offset_reset", "earliest")
	l.v.SetDefault("kafka.consumer.max_poll_interval_ms", 300000)
	l.v.SetDefault("kafka.consumer.session_timeout_ms", 30000)
	l.v.SetDefault("kafka.consumer.heartbeat_interval_ms", 10000)
	l.v.SetDefault("kafka.consumer.max_batch_records", 500)
	l.v.SetDefault("kafka.consumer.batch_timeout_ms", 1000)
	l.v.SetDefault("kafka.consumer.retry_interval_ms", 5000)

	l.v.SetDefault("storage.backend", storage.BackendFile)
	l.v.SetDefault("storage.base_dir", "")
	l.v.SetDefault("storage.topics_dir", "topics")
	l.v.SetDefault("storage.format", string(event.FormatParquet))
	l.v.SetDefault("storage.compression", "snappy")
	l.v.SetDefault("storage.s3.use_path_style", false)
	l.v.SetDefault("storage.s3.sse_enabled", true)
	l.v.SetDefault("storage.file.root_path", "./data")

	l.v.SetDefault("commit.flush_size", 10000)
	l.v.SetDefault("commit.max_file_size_mb", 128)
	l.v.SetDefault("commit.rotate_interval_seconds", 0)
	l.v.SetDefault("commit.retry_backoff_ms", 5000)
	l.v.SetDefault("commit.max_commits_per_write", 0)
	l.v.SetDefault("commit.parallelism", 0)

	l.v.SetDefault("observability.logging.level", "info")
	l.v.SetDefault("observability.logging.format", "json")
	l.v.SetDefault("observability.logging.output", "stdout")
	l.v.SetDefault("observability.metrics.enabled", true)
	l.v.SetDefault("observability.metrics.path", "/metrics")
	l.v.SetDefault("observability.tracing.enabled", false)
	l.v.SetDefault("observability.tracing.protocol", "grpc")
	l.v.SetDefault("observability.tracing.endpoint", "localhost:4317")
	l.v.SetDefault("observability.tracing.sample_rate", 0.1)
	l.v.SetDefault("observability.health.port", 8080)
	l.v.SetDefault("observability.health.liveness_path", "/health/live")
	l.v.SetDefault("observability.health.readiness_path", "/health/ready")

	l.v.SetDefault("shutdown.grace_period_seconds", 30)
}

// Validate validates the configuration
func (l *Loader) Validate(config *dto.ApplicationConfig) error {
	if len(config.Kafka.BootstrapServers) == 0 {
		return errors.New("kafka.bootstrap_servers is required")
	}
	if len(config.Kafka.Consumer.Topics) == 0 {
		return errors.New("kafka.consumer.topics is required")
	}
	if config.Kafka.Consumer.GroupID == "" {
		return errors.New("kafka.consumer.group_id is required")
	}

	switch config.Storage.Backend {
	case storage.BackendS3:
		if err := config.Storage.S3.Validate(); err != nil {
			return fmt.Errorf("storage.s3: %w", err)
		}
	case storage.BackendAzure:
		if err := config.Storage.Azure.Validate(); err != nil {
			return fmt.Errorf("storage.azure: %w", err)
		}
	case storage.BackendGCS:
		if err := config.Storage.GCS.Validate(); err != nil {
			return fmt.Errorf("storage.gcs: %w", err)
		}
	case storage.BackendFile:
		if err := config.Storage.File.Validate(); err != nil {
			return fmt.Errorf("storage.file: %w", err)
		}
	case storage.BackendMemory:
	default:
		return fmt.Errorf("unsupported storage backend: %s", config.Storage.Backend)
	}

	switch event.FileFormat(config.Storage.Format) {
	case event.FormatParquet, event.FormatAvro, event.FormatJSON:
	default:
		return fmt.Errorf("unsupported storage format: %s", config.Storage.Format)
	}

	if err := config.Commit.Validate(); err != nil {
		return err
	}

	if config.Observability.Health.Port < 1 || config.Observability.Health.Port > 65535 {
		return fmt.Errorf("invalid health port: %d", config.Observability.Health.Port)
	}

	return nil
}
