package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/banshee-data/roadwatch/internal/config"
	"github.com/banshee-data/roadwatch/internal/db"
	"github.com/banshee-data/roadwatch/internal/version"
)

func main() {
	flag.Usage = printUsage
	flag.Parse()

	if flag.NArg() < 1 {
		printUsage()
		os.Exit(1)
	}

	command := flag.Arg(0)
	args := flag.Args()[1:]

	switch command {
	case "serve":
		os.Exit(runServe(args))
	case "worker":
		os.Exit(runWorker(args))
	case "roads":
		os.Exit(runRoads(args, os.Stdout))
	case "version":
		fmt.Println(version.String())
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`roadwatch - traffic speed monitoring for many road cameras

Usage: roadwatch <command> [options]

Commands:
  serve      Run the orchestrator, one worker per road, and the HTTP API
  worker     Run a single road's worker (started by serve)
  roads      Manage the sqlite road registry (import, list, enable, disable, remove)
  version    Show version information
  help       Show this help message

Examples:
  # Run every road in a config file
  roadwatch serve -config roads.yaml -listen :8080

  # Load roads from the registry, tuning from the config file
  roadwatch roads import -config roads.yaml -db roads.db
  roadwatch serve -config roads.yaml -db roads.db

  # Run workers as goroutines instead of child processes
  roadwatch serve -config roads.yaml -isolation goroutine`)
}

// loadConfig reads the config file and, when dbPath is set, takes the road
// list from the registry's enabled roads instead. The registry is returned
// open; the caller closes it.
func loadConfig(configPath, dbPath string) (*config.Config, *db.DB, error) {
	if dbPath == "" {
		if configPath == "" {
			return nil, nil, fmt.Errorf("one of -config or -db is required")
		}
		cfg, err := config.Load(configPath)
		return cfg, nil, err
	}

	var base *config.Config
	if configPath != "" {
		var err error
		if base, err = config.LoadSettings(configPath); err != nil {
			return nil, nil, err
		}
	}

	registry, err := db.NewDB(dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open road registry: %w", err)
	}
	cfg, err := registry.LoadConfig(base)
	if err != nil {
		registry.Close()
		return nil, nil, err
	}
	return cfg, registry, nil
}
