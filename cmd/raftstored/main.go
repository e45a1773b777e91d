// raftstored is the replicated key/version store daemon. It joins a fixed
// cluster of peers, elects a leader via Raft, and serves the store and Raft
// RPC endpoints over HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"raftstore/internal/config"
	"raftstore/internal/daemon"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("raftstored", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	configPath := fs.String("config", "", "path to the YAML configuration file")
	dumpConfig := fs.Bool("dump-config", false, "print the effective configuration and exit")
	verbose := fs.Bool("verbose", false, "enable protocol-level logging")

	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		cfg = loaded
	} else {
		cfg.ApplyDefaults()
	}
	if *verbose {
		cfg.Verbose = true
	}

	if *dumpConfig {
		out, err := cfg.Dump()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Print(out)
		return 0
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		fmt.Fprintln(os.Stderr, "Configuration errors:")
		for _, e := range errs {
			fmt.Fprintf(os.Stderr, "  - %s\n", e)
		}
		return 1
	}

	logger, closeLog, err := buildLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer closeLog()

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		fmt.Fprintf(os.Stderr, "Error: create data dir: %v\n", err)
		return 1
	}

	d, err := daemon.New(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := d.Run(ctx); err != nil {
		logger.Printf("[DAEMON] exited with error: %v", err)
		return 1
	}
	return 0
}

func buildLogger(cfg config.Config) (*log.Logger, func(), error) {
	if cfg.LogFile == "" {
		return log.New(os.Stderr, "", log.LstdFlags), func() {}, nil
	}

	f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file %s: %w", cfg.LogFile, err)
	}
	return log.New(f, "", log.LstdFlags), func() { f.Close() }, nil
}
