// Package main implements the entry point for the hubstream pipeline.
// Hubstream ingests live telemetry from a fleet of networked hubs, each
// multiplexing serial-attached sensor devices, and exposes the accumulated
// series and device command tracking to a presentation layer.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/c360/hubstream/config"
	"github.com/c360/hubstream/metric"
	"github.com/c360/hubstream/pipeline"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "hubstream"
)

func main() {
	// Add panic recovery
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

	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	safeCfg := config.NewSafeConfig(cfg)
	metricsRegistry := metric.NewMetricsRegistry()

	svc, err := pipeline.New(*safeCfg.Get(), slog.Default(), metricsRegistry)
	if err != nil {
		return fmt.Errorf("create pipeline: %w", err)
	}
	if err := svc.Initialize(); err != nil {
		return fmt.Errorf("initialize pipeline: %w", err)
	}

	opsServer := startOpsServer(cfg, metricsRegistry, svc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start pipeline: %w", err)
	}

	waitForShutdownSignal(cliCfg, safeCfg, svc)

	slog.Info("Shutting down", "timeout", cliCfg.ShutdownTimeout.String())
	cancel()

	if opsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cliCfg.ShutdownTimeout)
		defer shutdownCancel()
		if err := opsServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("ops server shutdown failed", "error", err)
		}
	}

	return svc.Stop(cliCfg.ShutdownTimeout)
}

// initializeCLI parses flags and sets up logging
func initializeCLI() (*CLIConfig, bool, error) {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, true, nil
	}

	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil, true, nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting hubstream (fleet telemetry pipeline)",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	return cliCfg, false, nil
}

// initializeConfiguration loads and validates configuration
func initializeConfiguration(cliCfg *CLIConfig) (*config.Config, error) {
	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if cliCfg.OpsPort > 0 {
		cfg.Ops.Port = cliCfg.OpsPort
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// startOpsServer serves /metrics and /healthz. Returns nil when disabled.
func startOpsServer(cfg *config.Config, registry *metric.MetricsRegistry, svc *pipeline.Service) *http.Server {
	if cfg.Ops.Port <= 0 {
		slog.Info("Ops server disabled")
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.Ops.MetricsPath, registry.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		health := svc.Health()
		if health.Healthy {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprintf(w, "unhealthy: %s", health.LastError)
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Ops.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		slog.Info("Ops server listening",
			"port", cfg.Ops.Port, "metrics_path", cfg.Ops.MetricsPath)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Ops server failed", "error", err)
		}
	}()

	return server
}

// waitForShutdownSignal blocks until SIGINT or SIGTERM. SIGHUP triggers a
// config reload: the new file is validated and swapped into the shared
// config, and its sensor mappings are re-registered. Transport settings
// (stream URL, command API) take effect on the next restart.
func waitForShutdownSignal(cliCfg *CLIConfig, safeCfg *config.SafeConfig, svc *pipeline.Service) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigCh {
		if sig != syscall.SIGHUP {
			slog.Info("Received shutdown signal", "signal", sig.String())
			return
		}
		slog.Info("Received SIGHUP, reloading configuration", "config_path", cliCfg.ConfigPath)
		reloadConfiguration(cliCfg, safeCfg, svc)
	}
}

func reloadConfiguration(cliCfg *CLIConfig, safeCfg *config.SafeConfig, svc *pipeline.Service) {
	newCfg, err := initializeConfiguration(cliCfg)
	if err != nil {
		slog.Error("Config reload failed, keeping previous configuration", "error", err)
		return
	}
	if err := safeCfg.Update(newCfg); err != nil {
		slog.Error("Config reload rejected", "error", err)
		return
	}
	if errs := svc.ApplyMappings(newCfg.Mappings); len(errs) > 0 {
		slog.Warn("Config reload applied with invalid mappings skipped", "skipped", len(errs))
		return
	}
	slog.Info("Configuration reloaded", "mappings", len(newCfg.Mappings))
}
