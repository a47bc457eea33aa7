// Package main implements the entry point for FlagRelay. FlagRelay
// subscribes to an Optimizely Agent's notification event stream and relays
// decision and conversion events to analytics backends.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/c360/flagrelay/config"
	"github.com/c360/flagrelay/metric"
	"github.com/c360/flagrelay/service"
)

const (
	Version = "0.1.0"
	appName = "flagrelay"
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
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting FlagRelay",
		"version", Version,
		"config_path", cliCfg.ConfigPath)

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	// Flags win over the config file for logging settings.
	cfg.LogLevel = cliCfg.LogLevel
	cfg.LogFormat = cliCfg.LogFormat

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	ctx := context.Background()
	registry := metric.NewMetricsRegistry()

	orchestrator, err := service.New(ctx, cfg, registry, logger)
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}

	if err := orchestrator.Initialize(); err != nil {
		return fmt.Errorf("validate upstream credential: %w", err)
	}

	metricsServer := metric.NewServer(cfg.MetricsPort, "/metrics", registry)
	go func() {
		if err := metricsServer.Start(); err != nil {
			slog.Error("Metrics server failed", "error", err)
		}
	}()
	defer func() { _ = metricsServer.Stop() }()

	return runWithSignalHandling(ctx, orchestrator, cliCfg)
}

// runWithSignalHandling starts the pipeline and blocks until SIGINT or
// SIGTERM, then stops it within the shutdown timeout.
func runWithSignalHandling(ctx context.Context, orchestrator *service.Orchestrator, cliCfg *CLIConfig) error {
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := orchestrator.Start(signalCtx); err != nil {
		return fmt.Errorf("start pipeline: %w", err)
	}

	slog.Info("FlagRelay running", "sinks", orchestrator.SinkNames())

	<-signalCtx.Done()
	slog.Info("Shutdown signal received", "timeout", cliCfg.ShutdownTimeout)

	if err := orchestrator.Stop(cliCfg.ShutdownTimeout); err != nil {
		return fmt.Errorf("stop pipeline: %w", err)
	}

	slog.Info("Shutdown complete")
	return nil
}
