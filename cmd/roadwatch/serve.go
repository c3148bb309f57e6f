package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/banshee-data/roadwatch/internal/api"
	"github.com/banshee-data/roadwatch/internal/consumer"
	"github.com/banshee-data/roadwatch/internal/metrics"
	"github.com/banshee-data/roadwatch/internal/monitoring"
	"github.com/banshee-data/roadwatch/internal/orchestrator"
	"github.com/banshee-data/roadwatch/internal/version"
	"github.com/banshee-data/roadwatch/internal/worker"
)

const (
	isolationProcess   = "process"
	isolationGoroutine = "goroutine"
)

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to the road configuration file (.yaml, .yml or .json)")
	dbPath := fs.String("db", "", "Path to the sqlite road registry; roads are read from it instead of -config")
	listen := fs.String("listen", ":8080", "HTTP listen address")
	isolation := fs.String("isolation", isolationProcess, "Worker isolation: process or goroutine")
	socketPath := fs.String("socket", "", "IPC socket path (defaults to a temporary directory)")
	logLevel := fs.String("log-level", "info", "Log level: debug, info, warn or error")
	logFormat := fs.String("log-format", "text", "Log format: text or json")
	logFile := fs.String("log-file", "", "Also write logs to this size-rotated file")
	fs.Parse(args)

	if *listen == "" {
		fmt.Fprintln(os.Stderr, "Listen address is required")
		return 1
	}

	logger, closer, err := monitoring.Setup(monitoring.Options{
		Level:  *logLevel,
		Format: *logFormat,
		File:   *logFile,
	}, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		return 1
	}
	defer closer.Close()
	logger.Info("starting", "version", version.String())

	cfg, registry, err := loadConfig(*configPath, *dbPath)
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		return 1
	}
	if registry != nil {
		defer registry.Close()
	}

	launcher, err := newLauncher(*isolation, *logLevel, logger)
	if err != nil {
		logger.Error("invalid isolation", "error", err)
		return 1
	}

	reg := metrics.NewRegistry()
	o, err := orchestrator.New(cfg, orchestrator.Options{
		Launcher:   launcher,
		SocketPath: *socketPath,
		Metrics:    metrics.New(reg),
		Logger:     logger,
	})
	if err != nil {
		logger.Error("failed to create orchestrator", "error", err)
		return 1
	}
	reg.MustRegister(&metrics.StatsCollector{Source: o})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := o.Start(ctx); err != nil {
		logger.Error("failed to start orchestrator", "error", err)
		return 1
	}

	mux := http.NewServeMux()
	// mount the admin debugging routes (accessible only from loopback or over Tailscale)
	o.AttachAdminRoutes(mux)
	if registry != nil {
		if err := registry.AttachAdminRoutes(mux); err != nil {
			logger.Warn("road registry admin routes unavailable", "error", err)
		}
	}

	view := consumer.New(o, consumer.Options{SpeedUnits: cfg.GetSpeedUnits()})
	apiMux := api.NewServer(view, api.Options{Metrics: metrics.Handler(reg)}).ServeMux()
	mux.Handle("/api/", apiMux)
	mux.Handle("/metrics", apiMux)

	server := &http.Server{
		Addr:              *listen,
		Handler:           api.LoggingMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", *listen)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	code := 0
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-serveErr:
		logger.Error("HTTP server failed", "error", err)
		code = 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown error", "error", err)
	}

	// Shutdown enforces the configured grace period itself; the context
	// only bounds the final wait after killing.
	if err := o.Shutdown(context.Background()); err != nil {
		logger.Error("workers did not stop in time", "error", err)
		code = 1
	}
	return code
}

// newLauncher picks how workers run. Either way a worker receives its
// road's configuration from the orchestrator over IPC.
func newLauncher(isolation, logLevel string, logger *slog.Logger) (orchestrator.Launcher, error) {
	switch isolation {
	case isolationProcess:
		return &orchestrator.ProcessLauncher{
			ExtraArgs: []string{"-log-level", logLevel},
			Logger:    logger,
		}, nil
	case isolationGoroutine:
		return &orchestrator.InProcessLauncher{
			Factory: worker.Factory{},
			Logger:  logger,
		}, nil
	}
	return nil, fmt.Errorf("unknown isolation %q (want %q or %q)", isolation, isolationProcess, isolationGoroutine)
}
