package config

import (
	"time"

	"github.com/jittakal/kafeventsink/internal/config/dto"
	"github.com/jittakal/kafeventsink/internal/connector"
	"github.com/jittakal/kafeventsink/internal/kafka"
	"github.com/jittakal/kafeventsink/internal/observability"
	"github.com/jittakal/kafeventsink/internal/partition"
	internalstorage "github.com/jittakal/kafeventsink/internal/storage"
)

// ConsumerConfig returns the Kafka consumer settings.
func ConsumerConfig(cfg *dto.ApplicationConfig) kafka.ConsumerConfig {
	k := cfg.Kafka
	return kafka.ConsumerConfig{
		BootstrapServers:      k.BootstrapServers,
		GroupID:               k.Consumer.GroupID,
		Topics:                k.Consumer.Topics,
		SecurityProtocol:      k.SecurityProtocol,
		SASLMechanism:         k.SASLMechanism,
		SASLUsername:          k.SASLUsername,
		SASLPassword:          k.SASLPassword,
		AWSRegion:             k.AWSRegion,
		TLSInsecureSkipVerify: k.TLSInsecureSkipVerify,
		AutoOffsetReset:       k.Consumer.AutoOffsetReset,
		MaxPollIntervalMS:     k.Consumer.MaxPollIntervalMS,
		SessionTimeoutMS:      k.Consumer.SessionTimeoutMS,
		HeartbeatIntervalMS:   k.Consumer.HeartbeatIntervalMS,
		MaxBatchRecords:       k.Consumer.MaxBatchRecords,
		BatchTimeout:          time.Duration(k.Consumer.BatchTimeoutMS) * time.Millisecond,
		RetryInterval:         time.Duration(k.Consumer.RetryIntervalMS) * time.Millisecond,
	}
}

// StorageConfig returns the storage backend settings.
func StorageConfig(cfg *dto.ApplicationConfig) internalstorage.Config {
	s := cfg.Storage
	return internalstorage.Config{
		Backend: s.Backend,
		File:    internalstorage.FileConfig{RootPath: s.File.RootPath},
		S3: internalstorage.S3Config{
			Bucket:       s.S3.Bucket,
			Region:       s.S3.Region,
			Prefix:       s.S3.Prefix,
			Endpoint:     s.S3.Endpoint,
			UsePathStyle: s.S3.UsePathStyle,
			SSEEnabled:   s.S3.SSEEnabled,
			SSEKMSKeyID:  s.S3.SSEKMSKeyID,
		},
		GCS: internalstorage.GCSConfig{
			Bucket:               s.GCS.Bucket,
			Prefix:               s.GCS.Prefix,
			ProjectID:            s.GCS.ProjectID,
			CredentialsFile:      s.GCS.CredentialsFile,
			CredentialsJSON:      s.GCS.CredentialsJSON,
			Endpoint:             s.GCS.Endpoint,
			UseDefaultCredential: s.GCS.UseDefaultCredential,
		},
		Azure: internalstorage.AzureConfig{
			AccountName:   s.Azure.AccountName,
			AccountKey:    s.Azure.AccountKey,
			ContainerName: s.Azure.Container,
			Prefix:        s.Azure.Prefix,
			Endpoint:      s.Azure.Endpoint,
		},
	}
}

// CoordinatorConfig returns the coordinator and partition writer settings.
func CoordinatorConfig(cfg *dto.ApplicationConfig) connector.Config {
	c := cfg.Commit
	return connector.Config{
		Partition: partition.Config{
			BaseDir:            cfg.Storage.PartitionBase(),
			FlushSize:          c.FlushSize,
			MaxFileSizeBytes:   c.MaxFileSizeMB * 1024 * 1024,
			RotateInterval:     time.Duration(c.RotateIntervalSeconds) * time.Second,
			RetryBackoff:       time.Duration(c.RetryBackoffMS) * time.Millisecond,
			MaxCommitsPerWrite: c.MaxCommitsPerWrite,
		},
		Parallelism: c.Parallelism,
	}
}

// LoggingConfig returns the logger settings.
func LoggingConfig(cfg *dto.ApplicationConfig) observability.LoggingConfig {
	l := cfg.Observability.Logging
	return observability.LoggingConfig{Level: l.Level, Format: l.Format, Output: l.Output}
}

// TracingConfig returns the tracer provider settings.
func TracingConfig(cfg *dto.ApplicationConfig) observability.TracingConfig {
	t := cfg.Observability.Tracing
	return observability.TracingConfig{
		Enabled:     t.Enabled,
		Protocol:    t.Protocol,
		Endpoint:    t.Endpoint,
		ServiceName: cfg.Application.Name,
		SampleRatio: t.SampleRate,
	}
}
