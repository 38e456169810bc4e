// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/absmach/eventpipe/config"
	"github.com/absmach/eventpipe/pipeline"
	"github.com/absmach/eventpipe/queue"
	"github.com/absmach/eventpipe/ratelimit"
	"github.com/absmach/eventpipe/server/health"
	"github.com/absmach/eventpipe/server/ingest"
	"github.com/absmach/eventpipe/server/otel"
	"github.com/absmach/eventpipe/transport"
	"github.com/google/uuid"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	slog.Info("Starting event pipeline", "version", "0.1.0")
	slog.Info("Configuration loaded",
		"queue_store", cfg.Queue.Store,
		"batch_size", cfg.Queue.BatchSize,
		"flush_interval", cfg.Queue.FlushInterval,
		"transport", cfg.Transport.Type,
		"ingest_enabled", cfg.Ingest.Enabled,
		"health_enabled", cfg.Health.Enabled,
		"telemetry_enabled", cfg.Telemetry.Enabled,
		"log_level", cfg.Log.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var otelShutdown func(context.Context) error
	var metrics *otel.Metrics
	if cfg.Telemetry.Enabled {
		shutdown, err := otel.InitProvider(ctx, cfg.Telemetry, uuid.NewString())
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			os.Exit(1)
		}
		otelShutdown = shutdown
		slog.Info("OpenTelemetry initialized", "endpoint", cfg.Telemetry.Endpoint)

		if cfg.Telemetry.MetricsEnabled {
			m, err := otel.NewMetrics(nil)
			if err != nil {
				slog.Error("Failed to create metrics", "error", err)
				os.Exit(1)
			}
			metrics = m
			slog.Info("OpenTelemetry metrics enabled")
		}
		if cfg.Telemetry.TracesEnabled {
			slog.Info("Distributed tracing enabled", "sample_rate", cfg.Telemetry.TraceSampleRate)
		}
	} else {
		slog.Info("OpenTelemetry disabled")
	}

	deps := pipeline.Deps{Logger: logger}
	if metrics != nil {
		deps.Recorder = metrics
		deps.Retries = metrics
	}
	tree, err := pipeline.Build(cfg.Transport, deps)
	if err != nil {
		slog.Error("Failed to build transport tree", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := tree.Close(); err != nil {
			slog.Error("Failed to close transports", "error", err)
		}
	}()

	store, err := pipeline.OpenStore(cfg.Queue, logger)
	if err != nil {
		slog.Error("Failed to initialize queue storage", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Error("Failed to close queue storage", "error", err)
		}
	}()
	slog.Info("Queue storage ready", "type", cfg.Queue.Store)

	queued, err := transport.NewQueued(tree.Root(), store, queue.Config{
		BatchSize:     cfg.Queue.BatchSize,
		FlushInterval: cfg.Queue.FlushInterval,
	}, queue.WithLogger(logger))
	if err != nil {
		slog.Error("Failed to create queued transport", "error", err)
		os.Exit(1)
	}
	queued.Start(ctx)

	if metrics != nil {
		if err := metrics.RegisterQueueDepth(queued.Len, queued.InFlight); err != nil {
			slog.Error("Failed to register queue depth gauges", "error", err)
		}
	}

	var wg sync.WaitGroup
	serverErr := make(chan error, 2)

	if cfg.Ingest.Enabled {
		var limiter *ratelimit.IPRateLimiter
		if cfg.Ingest.RateLimit.Enabled {
			limiter = ratelimit.NewIPRateLimiter(
				cfg.Ingest.RateLimit.Rate,
				cfg.Ingest.RateLimit.Burst,
				cfg.Ingest.RateLimit.CleanupInterval)
			defer limiter.Stop()
			slog.Info("Ingest rate limiting enabled",
				"rate", cfg.Ingest.RateLimit.Rate,
				"burst", cfg.Ingest.RateLimit.Burst)
		}

		var recorder ingest.Recorder
		if metrics != nil {
			recorder = metrics
		}

		ingestServer := ingest.New(ingest.Config{
			Address:         cfg.Ingest.Addr,
			MaxBodyBytes:    cfg.Ingest.MaxBodyBytes,
			ShutdownTimeout: cfg.Ingest.ShutdownTimeout,
		}, queued, limiter, recorder, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			slog.Info("Starting ingest server", "address", cfg.Ingest.Addr)
			if err := ingestServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	if cfg.Health.Enabled {
		healthServer := health.New(health.Config{
			Address:         cfg.Health.Addr,
			ShutdownTimeout: cfg.Health.ShutdownTimeout,
		}, queued, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			slog.Info("Starting health check server", "address", cfg.Health.Addr)
			if err := healthServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	slog.Info("Event pipeline started successfully", "transport", transport.NameOf(tree.Root()))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server error", "error", err)
	}

	// Stop accepting events before the final drain.
	cancel()
	wg.Wait()
	queued.Close()

	// A zero shutdown timeout skips the final drain.
	if cfg.Queue.ShutdownTimeout > 0 {
		drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.Queue.ShutdownTimeout)
		defer drainCancel()
		if err := queued.Flush(drainCtx); err != nil {
			n, _ := queued.Len(context.Background())
			slog.Warn("Queue not fully drained, remaining events stay stored", "error", err, "remaining", n)
		}
	}

	if otelShutdown != nil {
		otelShutdownCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer otelCancel()
		if err := otelShutdown(otelShutdownCtx); err != nil {
			slog.Error("Failed to shutdown OpenTelemetry", "error", err)
		} else {
			slog.Info("OpenTelemetry shutdown complete")
		}
	}

	slog.Info("Event pipeline stopped")
}
