package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/banshee-data/roadwatch/internal/ipc"
	"github.com/banshee-data/roadwatch/internal/monitoring"
	"github.com/banshee-data/roadwatch/internal/worker"
)

// runWorker runs one road and returns the worker's exit code. The
// orchestrator reads the code to decide whether to restart the road.
func runWorker(args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return workerMain(ctx, args, os.Stderr, worker.Factory{})
}

// workerMain is runWorker without the process plumbing. The road's
// configuration comes from the orchestrator, never from disk, so every
// incarnation runs the calibration the orchestrator validated at startup.
func workerMain(ctx context.Context, args []string, stderr io.Writer, factory worker.Factory) int {
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	fs.SetOutput(stderr)
	road := fs.String("road", "", "Road to run (required)")
	socketPath := fs.String("socket", "", "Orchestrator IPC socket (required)")
	token := fs.String("token", "", "Incarnation token issued by the orchestrator (required)")
	logLevel := fs.String("log-level", "info", "Log level: debug, info, warn or error")
	if err := fs.Parse(args); err != nil {
		return worker.ExitCrashed
	}

	if *road == "" || *socketPath == "" || *token == "" {
		fmt.Fprintln(stderr, "-road, -socket and -token are required")
		return worker.ExitCrashed
	}

	// The orchestrator parses these JSON lines and re-logs them at their level.
	logger, closer, err := monitoring.Setup(monitoring.Options{Level: *logLevel, Format: "json"}, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "failed to set up logging: %v\n", err)
		return worker.ExitCrashed
	}
	defer closer.Close()

	client, err := ipc.Dial(*socketPath, *road, *token)
	if err != nil {
		logger.Error("failed to connect to orchestrator", "error", err)
		return worker.ExitCrashed
	}
	defer client.Close()

	cfg, err := client.FetchConfig(ctx)
	if err != nil {
		logger.Error("failed to fetch configuration", "error", err)
		return worker.ExitCrashed
	}

	err = worker.RunRoad(ctx, cfg, *road, client, logger, factory)
	code := worker.ExitCode(err)
	if err != nil {
		logger.Info("worker exiting", "code", code, "error", err)
	}
	return code
}
