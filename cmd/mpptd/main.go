// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Command mpptd is the reference MPPT characterization daemon. It wires
// a simulated source-measure-unit driver, the MPPT core, and an
// InfluxDB-backed telemetry sink chain, then launches tracker runs on a
// schedule so the full stack is exercised end to end without real
// hardware attached.
//
// # Application Architecture
//
// The daemon uses a concurrent, goroutine-based architecture mirroring
// the rest of this codebase's services:
//   - Main goroutine: coordinates startup, shutdown, and the periodic
//     tracker-run loop
//   - HTTP server goroutine: serves Prometheus metrics and health
//     endpoints
//   - Config watcher goroutine: hot-reloads default tracker parameters
//     for future runs
//
// # Startup Flow
//
//  1. Parse command-line flags (config path, metrics port, health-check mode)
//  2. Load and validate configuration from YAML + environment variables
//  3. Initialize the logger with the configured level
//  4. Build the app: telemetry sink chain, simulated driver, MPPT core,
//     HTTP server, config watcher
//  5. Start the HTTP server, the config watcher, and the tracker-run loop
//
// # Graceful Shutdown
//
// SIGTERM/SIGINT trigger: HTTP server shutdown, abort of any in-flight
// tracker run, telemetry sink flush, config watcher close.
//
// # Debug Signals (Unix only)
//
//	kill -USR1 <pid>  # dump per-channel reference state and runtime stats
//	kill -USR2 <pid>  # dump goroutine stack traces
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/soothill/mppt-core/app"
	"github.com/soothill/mppt-core/config"
	"github.com/soothill/mppt-core/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	metricsPort := flag.String("metrics-port", "9090", "Port for Prometheus metrics endpoint")
	healthCheck := flag.Bool("health-check", false, "Exit immediately with status 0 without running any checks")
	validateConfig := flag.Bool("validate-config", false, "Validate configuration file and exit")
	flag.Parse()

	if *healthCheck {
		os.Exit(0)
	}

	if *validateConfig {
		os.Exit(performConfigValidation(*configPath))
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Initialize("error")
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger.Initialize(cfg.Logging.Level)
	logger.Info().Msg("Starting MPPT tracker daemon")
	logger.Info().
		Str("algorithm_spec", cfg.Tracker.AlgorithmSpec).
		Dur("poll_interval", cfg.Tracker.PollInterval).
		Int("channel_count", cfg.Tracker.ChannelCount).
		Msg("Configuration loaded")

	application, err := app.New(cfg, *metricsPort, *configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize application")
	}

	setupDebugSignalHandlers(application)

	application.Run()
}

// performConfigValidation validates the configuration file and returns
// an exit code: 0 if valid, 1 if invalid.
func performConfigValidation(configPath string) int {
	logger.Initialize("info")
	logger.Info().Str("path", configPath).Msg("Validating configuration file")

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error().Err(err).Msg("Configuration validation failed")
		fmt.Fprintf(os.Stderr, "\nConfiguration validation FAILED\n")
		fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		return 1
	}

	logger.Info().Msg("Configuration validation successful")
	fmt.Println("\nConfiguration validation PASSED")
	fmt.Println("\nConfiguration summary:")
	fmt.Printf("  InfluxDB URL: %s\n", cfg.InfluxDB.URL)
	fmt.Printf("  InfluxDB Organization: %s\n", cfg.InfluxDB.Organization)
	fmt.Printf("  InfluxDB Bucket: %s\n", cfg.InfluxDB.Bucket)
	fmt.Printf("  Log Level: %s\n", cfg.Logging.Level)
	fmt.Printf("  Algorithm Spec: %s\n", cfg.Tracker.AlgorithmSpec)
	fmt.Printf("  Poll Interval: %s\n", cfg.Tracker.PollInterval)
	fmt.Printf("  Channel Count: %d\n", cfg.Tracker.ChannelCount)
	fmt.Printf("  Absolute Current Limit: %v A\n", cfg.Tracker.AbsoluteCurrentLimit)
	fmt.Printf("  Cache Directory: %s\n", cfg.Cache.Directory)
	fmt.Printf("  Cache Max Size: %d MB\n", cfg.Cache.MaxSize/(1024*1024))
	fmt.Printf("  Cache Max Age: %s\n", cfg.Cache.MaxAge)

	if cfg.Notifications.SlackWebhookURL != "" {
		fmt.Println("  Slack Notifications: Enabled")
	} else {
		fmt.Println("  Slack Notifications: Disabled")
	}

	fmt.Println("\nAll validation checks passed. Configuration is ready for use.")
	return 0
}
