// main package for the tts-service
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-pipeline/internal/config"
	"github.com/book-expert/tts-pipeline/internal/service"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	metricsPath         = "/metrics"
	metricsReadTimeout  = 15 * time.Second
	metricsWriteTimeout = 15 * time.Second
	shutdownTimeout     = 10 * time.Second
	natsConnectionName  = "tts-service"
)

func setupLogger(logPath string) (*logger.Logger, error) {
	log, err := logger.New(logPath, "tts-service-bootstrap.log")
	if err != nil {
		return nil, fmt.Errorf("failed to create bootstrap logger: %w", err)
	}

	return log, nil
}

func run() error {
	// 1. Create a temporary logger for the bootstrap process
	bootstrapLog, err := setupLogger(os.TempDir())
	if err != nil {
		// If bootstrap logger fails, we can only print to stderr
		fmt.Fprintf(os.Stderr, "FATAL: Failed to create bootstrap logger: %v\n", err)

		return err
	}

	bootstrapLog.Info("Bootstrap logger created.")

	// 2. Load configuration using the central configurator
	cfg, err := config.Load(bootstrapLog)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return fmt.Errorf("failed to load configuration: %w", err)
	}

	bootstrapLog.Info("Configuration loaded successfully.")

	// 3. Initialize the final logger based on the loaded configuration
	finalLog, err := setupLogger(cfg.Paths.BaseLogsDir)
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return fmt.Errorf("failed to create final logger: %w", err)
	}

	defer func() {
		closeErr := finalLog.Close()
		if closeErr != nil {
			fmt.Fprintf(os.Stderr, "error closing final logger: %v\n", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 4. Connect to NATS and wire the pipeline
	natsConnection, jetstreamContext, err := service.Connect(cfg.NATS.URL, natsConnectionName)
	if err != nil {
		finalLog.Error("Failed to connect to NATS: %v", err)

		return err
	}
	defer natsConnection.Close()

	components, err := service.Build(ctx, jetstreamContext, cfg, finalLog)
	if err != nil {
		finalLog.Error("Failed to set up the pipeline: %v", err)

		return fmt.Errorf("failed to set up the pipeline: %w", err)
	}

	metricsServer := startMetricsServer(cfg.Metrics.ListenAddr, finalLog)

	finalLog.System(
		"TTS-Service successfully initialized. Listening for jobs on subject: %s",
		cfg.NATS.TextProcessedSubject,
	)

	// 5. Serve until a signal arrives
	workerErr := components.NewWorker(natsConnection, cfg, finalLog).Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	shutdownErr := metricsServer.Shutdown(shutdownCtx)
	if shutdownErr != nil {
		finalLog.Warn("Metrics server shutdown failed: %v", shutdownErr)
	}

	if workerErr != nil {
		return fmt.Errorf("worker stopped: %w", workerErr)
	}

	finalLog.System("TTS-Service stopped.")

	return nil
}

func startMetricsServer(addr string, log *logger.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(metricsPath, promhttp.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       metricsReadTimeout,
		ReadHeaderTimeout: metricsReadTimeout,
		WriteTimeout:      metricsWriteTimeout,
	}

	go func() {
		err := server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Metrics server failed: %v", err)
		}
	}()

	log.Info("Prometheus metrics enabled at %s%s", addr, metricsPath)

	return server
}

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Service exited with error: %v\n", err)
		os.Exit(1)
	}
}
