package main

import (
	"flag"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/banshee-data/roadwatch/internal/config"
	"github.com/banshee-data/roadwatch/internal/db"
)

// runRoads handles the 'roads' subcommand dispatching
func runRoads(args []string, out io.Writer) int {
	if len(args) < 1 {
		printRoadsHelp(out)
		return 1
	}

	action := args[0]
	if action == "help" {
		printRoadsHelp(out)
		return 0
	}
	fs := flag.NewFlagSet("roads "+action, flag.ContinueOnError)
	fs.SetOutput(out)
	dbPath := fs.String("db", "roads.db", "Path to the sqlite road registry")
	configPath := fs.String("config", "", "Configuration file to import roads from")
	replace := fs.Bool("replace", false, "Remove registry roads that are not in the imported file")
	if err := fs.Parse(args[1:]); err != nil {
		return 1
	}

	registry, err := db.NewDB(*dbPath)
	if err != nil {
		fmt.Fprintf(out, "Failed to open road registry: %v\n", err)
		return 1
	}
	defer registry.Close()

	switch action {
	case "import":
		if *configPath == "" {
			fmt.Fprintln(out, "Usage: roadwatch roads import -config <file> [-db <file>] [-replace]")
			return 1
		}
		cfg, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(out, "Failed to load %s: %v\n", *configPath, err)
			return 1
		}
		if err := registry.ImportRoads(cfg.Roads, *replace); err != nil {
			fmt.Fprintf(out, "Import failed: %v\n", err)
			return 1
		}
		fmt.Fprintf(out, "Imported %d roads into %s\n", len(cfg.Roads), *dbPath)

	case "list":
		records, err := registry.ListRoads()
		if err != nil {
			fmt.Fprintf(out, "Failed to list roads: %v\n", err)
			return 1
		}
		printRoads(out, records)

	case "enable", "disable":
		name, ok := roadArg(fs, out, action)
		if !ok {
			return 1
		}
		if err := registry.SetRoadEnabled(name, action == "enable"); err != nil {
			fmt.Fprintf(out, "Failed to %s %s: %v\n", action, name, err)
			return 1
		}
		fmt.Fprintf(out, "Road %s %sd\n", name, action)

	case "remove":
		name, ok := roadArg(fs, out, action)
		if !ok {
			return 1
		}
		if err := registry.DeleteRoad(name); err != nil {
			fmt.Fprintf(out, "Failed to remove %s: %v\n", name, err)
			return 1
		}
		fmt.Fprintf(out, "Road %s removed\n", name)

	default:
		fmt.Fprintf(out, "Unknown roads action: %s\n\n", action)
		printRoadsHelp(out)
		return 1
	}
	return 0
}

func roadArg(fs *flag.FlagSet, out io.Writer, action string) (string, bool) {
	if fs.NArg() != 1 {
		fmt.Fprintf(out, "Usage: roadwatch roads %s [-db <file>] <road_name>\n", action)
		return "", false
	}
	return fs.Arg(0), true
}

func printRoads(out io.Writer, records []db.RoadRecord) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ROAD\tENABLED\tSOURCE\tM/PX\tON_END\tPOINTS")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%t\t%s\t%g\t%s\t%d\n",
			r.Name, r.Enabled, r.SourceLocator, r.DistancePerPixel, r.GetOnEnd(), len(r.RegionPolygon))
	}
	tw.Flush()
	if len(records) == 0 {
		fmt.Fprintln(out, "(no roads registered)")
	}
}

func printRoadsHelp(out io.Writer) {
	fmt.Fprintln(out, strings.TrimSpace(`
Usage: roadwatch roads <action> [options]

Actions:
  import    Import roads from a config file (-config, -replace)
  list      List registered roads
  enable    Include a road when serving from the registry
  disable   Exclude a road without removing it
  remove    Delete a road from the registry
  help      Show this help message

Common Flags:
  -db <file>    Road registry path (default: roads.db)`))
}
