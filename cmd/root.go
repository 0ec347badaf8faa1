// Package cmd parses the CLI and wires the two process modes.
package cmd

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/intellimaint/intellimaint/config"
)

// Version is set at build time via ldflags.
var Version = "0.3.0"

func printUsage() {
	fmt.Fprintf(os.Stderr, `intellimaint v%s — industrial telemetry, alarms and prognostics

Usage:
  intellimaint [OPTIONS]

Modes:
  -mode serve       Central node: HTTP ingest, alarm evaluation, collection
                    segments, downsampling, baseline learning, health
                    assessment, prognostics sweeps
  -mode edge        Device-side node: preprocessing, store-and-forward spool,
                    uplink transport, connectivity monitor
  -version          Print version and exit

Options:
  -config PATH      YAML config file (default: intellimaint.yaml; missing
                    file runs on the documented defaults)

Examples:
  intellimaint -mode serve
  intellimaint -mode serve -config /etc/intellimaint/server.yaml
  intellimaint -mode edge -config /etc/intellimaint/edge.yaml
  intellimaint -version
`, Version)
}

// Run parses flags and starts the selected mode.
func Run() error {
	var (
		mode        string
		configPath  string
		showVersion bool
	)
	flag.StringVar(&mode, "mode", "serve", "Process mode: serve or edge")
	flag.StringVar(&configPath, "config", "intellimaint.yaml", "YAML config path")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Usage = printUsage
	flag.Parse()

	if showVersion {
		fmt.Printf("intellimaint v%s\n", Version)
		return nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Sugar().With("mode", mode)

	switch mode {
	case "serve":
		return runServe(cfg, log)
	case "edge":
		return runEdge(cfg, log)
	default:
		printUsage()
		return fmt.Errorf("unknown mode %q", mode)
	}
}
