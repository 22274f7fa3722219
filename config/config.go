// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package config provides configuration management for the MPPT tracker
// daemon.
//
// This package handles loading, validating, and managing application
// configuration from YAML files with environment variable overrides. It
// supports comprehensive validation of all configuration parameters to
// ensure safe operation of the attached source-measure unit.
//
// # Configuration Sources
//
// Configuration is loaded in the following order of precedence:
//  1. YAML configuration file (default: config.yaml)
//  2. Environment variable overrides
//  3. Default values for optional settings
//
// # Environment Variables
//
// The following environment variables can override YAML configuration:
//   - INFLUXDB_URL: InfluxDB server URL
//   - INFLUXDB_TOKEN: InfluxDB authentication token
//   - INFLUXDB_ORG: InfluxDB organization name
//   - INFLUXDB_BUCKET: InfluxDB bucket name
//   - LOG_LEVEL: Logging level (debug, info, warn, error, fatal, panic)
//   - TRACKER_ALGORITHM: Default algorithm spec (e.g. "gd://", "basic://")
//   - TRACKER_POLL_INTERVAL: Interval between scheduled tracker runs (e.g. "30s")
//   - SLACK_WEBHOOK_URL: Slack webhook URL for notifications
//   - CACHE_DIRECTORY: Local telemetry cache directory path
//
// # Security Features
//
// The configuration system includes several security validations:
//   - HTTPS enforcement for non-local InfluxDB connections
//   - Minimum token length validation (8 characters)
//   - URL format validation
//   - Sensible limits on intervals, current limits, and buffer sizes
//
// # Example Usage
//
//	cfg, err := config.Load("config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Configuration is validated and ready to use
//	fmt.Printf("InfluxDB: %s\n", cfg.InfluxDB.URL)
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

// Config represents the application configuration.
type Config struct {
	InfluxDB      InfluxDBConfig      `yaml:"influxdb"`
	Tracker       TrackerConfig       `yaml:"tracker"`
	Logging       LoggingConfig       `yaml:"logging"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Cache         CacheConfig         `yaml:"cache"`
}

// InfluxDBConfig holds InfluxDB connection settings.
type InfluxDBConfig struct {
	URL          string `yaml:"url" validate:"required,url"`
	Token        string `yaml:"token" validate:"required,min=8"`
	Organization string `yaml:"organization" validate:"required"`
	Bucket       string `yaml:"bucket" validate:"required"`
}

// TrackerConfig holds default source-measure-unit and tracker settings
// applied to a run unless overridden per-request.
type TrackerConfig struct {
	// AlgorithmSpec is the default algorithm URI, e.g. "gd://" or "basic://".
	AlgorithmSpec string `yaml:"algorithm_spec" validate:"required"`
	// PollInterval is the cadence at which scheduled tracker runs are launched.
	PollInterval time.Duration `yaml:"poll_interval" validate:"required"`
	// AbsoluteCurrentLimit is the hardware current ceiling in amps; no
	// compliance value configured anywhere may exceed it.
	AbsoluteCurrentLimit float64 `yaml:"absolute_current_limit" validate:"required,gt=0"`
	// DurationS is the default run duration in seconds.
	DurationS float64 `yaml:"duration_s" validate:"gte=0"`
	// ChannelCount is the number of SMU channels the simulated/real driver exposes.
	ChannelCount int `yaml:"channel_count" validate:"gte=0"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// NotificationsConfig holds notification settings.
type NotificationsConfig struct {
	SlackWebhookURL string `yaml:"slack_webhook_url"`
}

// CacheConfig holds local telemetry cache settings.
type CacheConfig struct {
	Directory string        `yaml:"directory"`
	MaxSize   int64         `yaml:"max_size" validate:"gte=0"` // bytes
	MaxAge    time.Duration `yaml:"max_age"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	err = yaml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Apply environment variable overrides and defaults
	cfg.applyEnvironmentOverrides()
	cfg.setDefaults()

	// Validate configuration
	err = cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// applyEnvironmentOverrides applies environment variable overrides to the configuration.
func (c *Config) applyEnvironmentOverrides() {
	if url := os.Getenv("INFLUXDB_URL"); url != "" {
		c.InfluxDB.URL = url
	}
	if token := os.Getenv("INFLUXDB_TOKEN"); token != "" {
		c.InfluxDB.Token = token
	}
	if org := os.Getenv("INFLUXDB_ORG"); org != "" {
		c.InfluxDB.Organization = org
	}
	if bucket := os.Getenv("INFLUXDB_BUCKET"); bucket != "" {
		c.InfluxDB.Bucket = bucket
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if spec := os.Getenv("TRACKER_ALGORITHM"); spec != "" {
		c.Tracker.AlgorithmSpec = spec
	}
	if interval := os.Getenv("TRACKER_POLL_INTERVAL"); interval != "" {
		duration, parseErr := time.ParseDuration(interval)
		if parseErr == nil {
			c.Tracker.PollInterval = duration
		} else {
			fmt.Fprintf(os.Stderr, "Warning: Failed to parse TRACKER_POLL_INTERVAL '%s': %v\n", interval, parseErr)
		}
	}
	if webhookURL := os.Getenv("SLACK_WEBHOOK_URL"); webhookURL != "" {
		c.Notifications.SlackWebhookURL = webhookURL
	}
	if cacheDir := os.Getenv("CACHE_DIRECTORY"); cacheDir != "" {
		c.Cache.Directory = cacheDir
	}
}

// setDefaults sets default values for configuration fields if not provided.
func (c *Config) setDefaults() {
	if c.Tracker.AlgorithmSpec == "" {
		c.Tracker.AlgorithmSpec = "gd://"
	}
	if c.Tracker.PollInterval == 0 {
		c.Tracker.PollInterval = 30 * time.Second
	}
	if c.Tracker.AbsoluteCurrentLimit == 0 {
		c.Tracker.AbsoluteCurrentLimit = 0.5
	}
	if c.Tracker.ChannelCount == 0 {
		c.Tracker.ChannelCount = 8
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Cache.Directory == "" {
		c.Cache.Directory = "/var/cache/mppt-core/telemetry"
	}
	if c.Cache.MaxSize == 0 {
		c.Cache.MaxSize = 100 * 1024 * 1024 // 100 MB
	}
	if c.Cache.MaxAge == 0 {
		c.Cache.MaxAge = 24 * time.Hour
	}
}

// Validate checks if the configuration is valid. Struct-tag rules
// (`validate:"..."`) catch field-local constraints; cross-field and
// security rules the tag vocabulary can't express are checked by hand.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}

	if validateErr := c.validateInfluxDBSecurity(); validateErr != nil {
		return validateErr
	}

	if validateErr := c.validateTracker(); validateErr != nil {
		return validateErr
	}

	if validateErr := c.validateLogging(); validateErr != nil {
		return validateErr
	}

	return nil
}

// validateInfluxDBSecurity validates cross-cutting InfluxDB URL security
// rules the validator struct tags can't express.
func (c *Config) validateInfluxDBSecurity() error {
	parsedURL, parseErr := url.Parse(c.InfluxDB.URL)
	if parseErr != nil {
		return fmt.Errorf("influxdb.url is not a valid URL: %w", parseErr)
	}

	return validateURLSecurity(parsedURL)
}

// validateURLSecurity checks if the URL uses HTTPS for non-local connections.
func validateURLSecurity(parsedURL *url.URL) error {
	if parsedURL.Scheme != "http" {
		return nil
	}

	hostname := strings.ToLower(parsedURL.Hostname())
	isLocal := hostname == "localhost" ||
		hostname == "127.0.0.1" ||
		hostname == "::1" ||
		strings.HasPrefix(hostname, "192.168.") ||
		strings.HasPrefix(hostname, "10.") ||
		strings.HasPrefix(hostname, "172.")

	if !isLocal {
		return fmt.Errorf("influxdb.url must use HTTPS for non-local connections (got %s). Using HTTP transmits credentials in plaintext and is a security risk", parsedURL.Scheme)
	}

	return nil
}

// validateTracker validates tracker configuration rules the validator
// struct tags can't express (interval bounds, cross-field comparisons).
func (c *Config) validateTracker() error {
	if c.Tracker.PollInterval < time.Second {
		return fmt.Errorf("tracker.poll_interval must be at least 1 second")
	}
	if c.Tracker.PollInterval > 1*time.Hour {
		return fmt.Errorf("tracker.poll_interval must not exceed 1 hour")
	}
	if c.Tracker.AbsoluteCurrentLimit <= 0 {
		return fmt.Errorf("tracker.absolute_current_limit must be positive")
	}
	if c.Tracker.ChannelCount < 0 || c.Tracker.ChannelCount > 1000 {
		return fmt.Errorf("tracker.channel_count must be between 0 and 1000 (got %d)", c.Tracker.ChannelCount)
	}

	return nil
}

// validateLogging validates the logging configuration.
func (c *Config) validateLogging() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true,
		"warning": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error, fatal, panic")
	}

	return nil
}
