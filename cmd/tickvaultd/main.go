// Package main implements the tickvaultd binary: a single-node time
// partitioned storage engine for market data with incrementally refreshed
// OHLCV aggregates, background compression, and age-based retention.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/tickvault/tickvault/internal/app"
	"github.com/tickvault/tickvault/internal/config"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile  string
		dataDir     string
		httpAddr    string
		showVersion bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for all data files")
	flag.StringVar(&httpAddr, "http-addr", "", "HTTP API listen address")
	flag.BoolVar(&showVersion, "version", false, "Show version information")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "tickvaultd - time-partitioned market data storage engine\n\n")
		fmt.Fprintf(os.Stderr, "Usage: tickvaultd [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  tickvaultd --data-dir /data/tickvault\n")
		fmt.Fprintf(os.Stderr, "  tickvaultd --config /etc/tickvault/config.yaml\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  TICKVAULT_DATA_DIR      Base directory for data files\n")
		fmt.Fprintf(os.Stderr, "  TICKVAULT_HTTP_ADDR     HTTP API listen address\n")
		fmt.Fprintf(os.Stderr, "  TICKVAULT_STORAGE_TYPE  Storage type (local, s3)\n")
		fmt.Fprintf(os.Stderr, "  TICKVAULT_S3_BUCKET     S3 bucket for compressed blocks\n")
	}

	flag.Parse()

	if showVersion {
		fmt.Printf("tickvaultd version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	cfg, err := loadConfig(configFile, dataDir, httpAddr)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	log.Printf("tickvaultd %s starting: data_dir=%s storage=%s tables=%d",
		version, cfg.DataDir, cfg.Storage.Type, len(cfg.Tables))

	application, err := app.New(cfg)
	if err != nil {
		log.Fatalf("failed to create application: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := application.Start(ctx); err != nil {
		log.Fatalf("failed to start: %v", err)
	}

	if err := application.WaitForShutdown(ctx); err != nil {
		log.Printf("shutdown error: %v", err)
		os.Exit(1)
	}
}

// loadConfig layers file, environment, and flag configuration, flags last.
func loadConfig(configFile, dataDir, httpAddr string) (*config.Config, error) {
	var cfg *config.Config
	var err error

	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	config.LoadFromEnv(cfg)

	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if httpAddr != "" {
		cfg.HTTP.Addr = httpAddr
	}

	return cfg, nil
}
