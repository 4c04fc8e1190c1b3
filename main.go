package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/r0bb10/motion-display-bridge/internal/bridge"
	"github.com/r0bb10/motion-display-bridge/internal/config"
	"github.com/r0bb10/motion-display-bridge/internal/logging"
)

// ============================================================================
// Constants and Configuration
// ============================================================================

// FirmwareVersion is injected at build time via -ldflags
var FirmwareVersion = "dev"

// ============================================================================
// Main
// ============================================================================

// main is the entry point of the application
func main() {
	configFile := pflag.StringP("config", "c", "config.yaml", "path to the YAML or JSON configuration file")
	verbose := pflag.BoolP("verbose", "v", false, "enable debug logging")
	showVersion := pflag.Bool("version", false, "print the version and exit")
	pflag.Parse()

	if *showVersion {
		fmt.Println(FirmwareVersion)
		return
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Critical: %v\n", err)
		os.Exit(1)
	}
	if *verbose {
		cfg.Verbose = true
	}

	logger, err := logging.New(cfg.Verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Critical: build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Motion Display Bridge starting",
		zap.String("version", FirmwareVersion),
		zap.String("config", *configFile),
		zap.String("transport", cfg.Broker.Transport))

	app, err := bridge.Open(cfg, logger)
	if err != nil {
		logger.Fatal("Bridge initialization failed", zap.Error(err))
	}

	// Setup signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		s := <-sig
		logger.Info("Received signal, shutting down", zap.Stringer("signal", s))
		cancel()
	}()

	if err := app.Run(ctx); err != nil {
		logger.Error("Bridge stopped with error", zap.Error(err))
		cancel()
		logger.Sync()
		os.Exit(1)
	}
	cancel()
	logger.Info("Shutdown complete")
}
