package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tendant/simple-thumbnail-dvm/internal/config"
	"github.com/tendant/simple-thumbnail-dvm/internal/observability"
	"github.com/tendant/simple-thumbnail-dvm/pkg/runner"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(os.Stdout, cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTelemetry, err := observability.SetupOpenTelemetry(ctx, logger, observability.OpenTelemetryConfig{
		OTLPEndpoint:  cfg.Observability.OTLPEndpoint,
		ServiceName:   cfg.Observability.ServiceName,
		ServiceVer:    cfg.Observability.ServiceVer,
		SamplingRatio: cfg.Observability.SamplingRatio,
	})
	if err != nil {
		logger.Error("failed to set up telemetry", "error", err)
		os.Exit(1)
	}

	worker, err := runner.New(ctx, runner.Config{
		SecretKey:         cfg.Identity.SecretKey,
		Relays:            cfg.Relays.URLs,
		BlossomServer:     cfg.Blossom.Server,
		Lookback:          cfg.Relays.Lookback,
		SweepInterval:     cfg.Relays.Interval,
		Retention:         cfg.Blossom.Retention,
		RetentionInterval: cfg.Blossom.RetentionInterval,
		Concurrency:       cfg.Jobs.Concurrency,
		QueueTimeout:      cfg.Jobs.QueueTimeout,
		JobTimeout:        cfg.Jobs.Timeout,
		WorkDir:           cfg.Jobs.WorkDir,
		FFmpegPath:        cfg.Extract.FFmpegPath,
		FFprobePath:       cfg.Extract.FFprobePath,
		MaxEdge:           cfg.Extract.MaxEdge,
		LedgerDriver:      cfg.Ledger.Driver,
		LedgerDSN:         cfg.Ledger.DSN,
		Logger:            logger,
	})
	if err != nil {
		logger.Error("failed to initialize worker", "error", err)
		os.Exit(1)
	}
	defer worker.Shutdown()

	go func() {
		if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("worker stopped", "error", err)
		}
	}()

	var server *http.Server
	if cfg.HTTPAddr != "" {
		server = &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           worker.OpsHandler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("ops server listening", "addr", cfg.HTTPAddr)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("ops server failed", "error", err)
			}
		}()
	}

	// Wait for interrupt signal; in-flight jobs are not drained
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutting down", "signal", sig.String())
	cancel()

	shutdownCtx, stop := context.WithTimeout(context.Background(), 2*time.Second)
	defer stop()
	if server != nil {
		server.Shutdown(shutdownCtx)
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		logger.Warn("telemetry shutdown", "error", err)
	}
}
