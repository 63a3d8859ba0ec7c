package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/jittakal/kafeventsink/internal/config"
	"github.com/jittakal/kafeventsink/internal/connector"
	"github.com/jittakal/kafeventsink/internal/kafka"
	"github.com/jittakal/kafeventsink/internal/observability"
	"github.com/jittakal/kafeventsink/internal/recordwriter"
	"github.com/jittakal/kafeventsink/internal/server"
	"github.com/jittakal/kafeventsink/internal/storage"
	"github.com/jittakal/kafeventsink/pkg/event"
)

const tracerName = "github.com/jittakal/kafeventsink"

func main() {
	if err := run(); err != nil {
		log.Fatalf("application error: %v", err)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to configuration file")
	flag.Parse()

	// Priority: CLI flag > CONFIG_PATH env var > default path
	cfgPath := *configPath
	if cfgPath == "" {
		cfgPath = os.Getenv("CONFIG_PATH")
	}
	if cfgPath == "" {
		cfgPath = "config/application.yaml"
	}

	cfg, err := config.NewLoader().Load(cfgPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := observability.NewLogger(config.LoggingConfig(cfg))
	logger.Info("starting kafeventsink",
		"version", cfg.Application.Version,
		"environment", cfg.Application.Environment,
		"storage_backend", cfg.Storage.Backend,
		"format", cfg.Storage.Format,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(registry)

	tp, shutdownTracing, err := observability.NewTracerProvider(ctx, config.TracingConfig(cfg), logger)
	if err != nil {
		return fmt.Errorf("failed to create tracer provider: %w", err)
	}
	defer shutdownTracing()
	tracer := tp.Tracer(tracerName)

	store, err := storage.New(ctx, config.StorageConfig(cfg), logger, metrics)
	if err != nil {
		return fmt.Errorf("failed to create storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("failed to close storage", "error", err)
		}
	}()

	provider, err := recordwriter.NewProvider(event.FileFormat(cfg.Storage.Format), cfg.Storage.Compression)
	if err != nil {
		return fmt.Errorf("failed to create record writer provider: %w", err)
	}

	coordinator := connector.New(config.CoordinatorConfig(cfg), store, provider, logger, metrics, tracer)

	consumer, err := kafka.NewSaramaConsumer(config.ConsumerConfig(cfg), coordinator, logger, metrics)
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	health := server.NewSinkHealth(coordinator, consumer.Ready())
	metricsPath := ""
	if cfg.Observability.Metrics.Enabled {
		metricsPath = cfg.Observability.Metrics.Path
	}
	httpServer := server.NewServer(server.Config{
		Port:          cfg.Observability.Health.Port,
		LivenessPath:  cfg.Observability.Health.LivenessPath,
		ReadinessPath: cfg.Observability.Health.ReadinessPath,
		MetricsPath:   metricsPath,
	}, health, registry, logger)
	if err := httpServer.Start(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	runErr := make(chan error, 1)
	consumerDone := false
	go func() {
		runErr <- consumer.Run(ctx)
	}()
	logger.Info("application started successfully")

	select {
	case <-ctx.Done():
		logger.Info("received termination signal")
	case err := <-runErr:
		consumerDone = true
		if err != nil {
			logger.Error("consumer stopped", "error", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	health.SetShuttingDown()

	grace := time.Duration(cfg.Shutdown.GracePeriodSeconds) * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	// Leaving the group runs the session cleanup, which flushes and closes
	// every claimed partition.
	if err := consumer.Close(); err != nil {
		logger.Error("failed to close consumer", "error", err)
	}
	if !consumerDone {
		select {
		case <-runErr:
		case <-shutdownCtx.Done():
			logger.Warn("consumer did not stop within grace period")
		}
	}

	if err := coordinator.Close(shutdownCtx); err != nil {
		logger.Error("failed to close partitions", "error", err)
	}

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shut down http server", "error", err)
	}

	logger.Info("application stopped successfully")
	return nil
}
