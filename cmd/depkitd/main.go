// Package main implements depkitd, a daemon hosting the depkit service
// registry and dependency graph. It serves whiteboard routes, diagnostics and
// metrics over HTTP, and optionally mirrors events to NATS and reads
// configurations from a JetStream KV bucket.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/c360/depkit/config"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "depkitd"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg, shouldExit, err := initializeCLI()
	if shouldExit || err != nil {
		return err
	}

	cfg, err := initializeConfiguration(cliCfg)
	if err != nil {
		return err
	}

	logger := setupLogger(
		firstNonEmpty(cliCfg.LogLevel, cfg.Log.Level),
		firstNonEmpty(cliCfg.LogFormat, cfg.Log.Format))
	slog.SetDefault(logger)

	if cliCfg.Validate {
		slog.Info("Configuration is valid", "config_path", cliCfg.ConfigPath)
		return nil
	}

	slog.Info("Starting depkitd",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	shutdownTimeout := cliCfg.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = cfg.Dispatch.ShutdownTimeout.Std()
	}

	d, err := newDaemon(cfg, logger)
	if err != nil {
		return err
	}
	return runWithSignalHandling(context.Background(), d, shutdownTimeout)
}

// initializeCLI parses and validates flags
func initializeCLI() (*CLIConfig, bool, error) {
	cliCfg, err := parseFlags()
	if err != nil {
		return nil, false, fmt.Errorf("parse flags: %w", err)
	}
	if err := validateFlags(cliCfg); err != nil {
		return nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, true, nil
	}

	if cliCfg.ShowHelp {
		printDetailedHelp(flag.CommandLine)
		return nil, true, nil
	}

	return cliCfg, false, nil
}

// initializeConfiguration loads the configuration file, or the defaults with
// environment overrides when no file is given
func initializeConfiguration(cliCfg *CLIConfig) (*config.Config, error) {
	loader := config.NewLoader()
	loader.EnableValidation(true)
	if cliCfg.ConfigPath != "" {
		loader.AddLayer(cliCfg.ConfigPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// runWithSignalHandling starts the daemon and stops it on SIGINT or SIGTERM
func runWithSignalHandling(ctx context.Context, d *daemon, shutdownTimeout time.Duration) error {
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := d.start(signalCtx); err != nil {
		if stopErr := d.stop(shutdownTimeout); stopErr != nil {
			slog.Error("Cleanup after failed start", "error", stopErr)
		}
		return fmt.Errorf("start: %w", err)
	}
	slog.Info("depkitd started",
		"http", d.httpAddress(),
		"nats", d.cfg.NATS.Enabled)

	<-signalCtx.Done()
	slog.Info("Received shutdown signal")

	if err := d.stop(shutdownTimeout); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	slog.Info("depkitd shutdown complete")
	return nil
}
