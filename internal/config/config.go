// Package config loads the fleet coordinator's YAML configuration and
// applies environment variable overrides, mirroring the teacher daemon's
// globals.Config pattern but scoped to a client-side coordinator.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the coordinator's top-level configuration.
type Config struct {
	Transport TransportConfig `yaml:"transport"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Schema    SchemaConfig    `yaml:"schema"`
	Logging   LoggingConfig   `yaml:"logging"`
	DebugAPI  DebugAPIConfig  `yaml:"debug_api"`
}

// TransportConfig configures the pub/sub session.
type TransportConfig struct {
	Endpoint string `yaml:"transport_endpoint"`
	Scope    string `yaml:"scope"`
}

// DiscoveryConfig holds the named constants from spec §4.1. All are
// overridable for testing; defaults (applied by ApplyDefaults) match the
// spec table exactly.
type DiscoveryConfig struct {
	DaemonPeriodMS           int `yaml:"daemon_period_ms"`
	DaemonTimeoutMS          int `yaml:"daemon_timeout_ms"`
	ManifestPeriodMS         int `yaml:"manifest_period_ms"`
	ManifestIdlePeriodMS     int `yaml:"manifest_idle_period_ms"`
	ManifestTimeoutMS        int `yaml:"manifest_timeout_ms"`
	ManifestInitialDelayMS   int `yaml:"manifest_initial_delay_ms"`
	InitialConnectTimeoutMS  int `yaml:"initial_connect_timeout_ms"`
	StaleWindowMS            int `yaml:"stale_window_ms"`
	ManifestTTLMS            int `yaml:"manifest_ttl_ms"`
	EvictWindowMS            int `yaml:"evict_window_ms"`
	IdleCyclesBeforeBackoff  int `yaml:"idle_cycles_before_backoff"`
}

// SchemaConfig configures the schema registry's periodic re-discovery.
type SchemaConfig struct {
	RediscoverPeriodMS       int `yaml:"rediscover_period_ms"`
	RediscoverIdlePeriodMS   int `yaml:"rediscover_idle_period_ms"`
	IdleCyclesBeforeBackoff  int `yaml:"idle_cycles_before_backoff"`
}

// LoggingConfig selects slog output shape.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DebugAPIConfig configures the optional read-only HTTP surface.
type DebugAPIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// Durations convert the millisecond fields to time.Duration for use by
// the loops; named after the spec's constant names.
func (d DiscoveryConfig) DaemonPeriod() time.Duration { return time.Duration(d.DaemonPeriodMS) * time.Millisecond }
func (d DiscoveryConfig) DaemonTimeout() time.Duration {
	return time.Duration(d.DaemonTimeoutMS) * time.Millisecond
}
func (d DiscoveryConfig) ManifestPeriod() time.Duration {
	return time.Duration(d.ManifestPeriodMS) * time.Millisecond
}
func (d DiscoveryConfig) ManifestIdlePeriod() time.Duration {
	return time.Duration(d.ManifestIdlePeriodMS) * time.Millisecond
}
func (d DiscoveryConfig) ManifestTimeout() time.Duration {
	return time.Duration(d.ManifestTimeoutMS) * time.Millisecond
}
func (d DiscoveryConfig) ManifestInitialDelay() time.Duration {
	return time.Duration(d.ManifestInitialDelayMS) * time.Millisecond
}
func (d DiscoveryConfig) InitialConnectTimeout() time.Duration {
	return time.Duration(d.InitialConnectTimeoutMS) * time.Millisecond
}
func (d DiscoveryConfig) StaleWindow() time.Duration { return time.Duration(d.StaleWindowMS) * time.Millisecond }
func (d DiscoveryConfig) ManifestTTL() time.Duration { return time.Duration(d.ManifestTTLMS) * time.Millisecond }
func (d DiscoveryConfig) EvictWindow() time.Duration { return time.Duration(d.EvictWindowMS) * time.Millisecond }

func (s SchemaConfig) RediscoverPeriod() time.Duration {
	return time.Duration(s.RediscoverPeriodMS) * time.Millisecond
}
func (s SchemaConfig) RediscoverIdlePeriod() time.Duration {
	return time.Duration(s.RediscoverIdlePeriodMS) * time.Millisecond
}

// ApplyDefaults fills every zero-valued field with the spec's defaults.
func (c *Config) ApplyDefaults() {
	if c.Transport.Scope == "" {
		c.Transport.Scope = "local"
	}

	d := &c.Discovery
	if d.DaemonPeriodMS == 0 {
		d.DaemonPeriodMS = 3000
	}
	if d.DaemonTimeoutMS == 0 {
		d.DaemonTimeoutMS = 5000
	}
	if d.ManifestPeriodMS == 0 {
		d.ManifestPeriodMS = 10000
	}
	if d.ManifestIdlePeriodMS == 0 {
		d.ManifestIdlePeriodMS = 30000
	}
	if d.ManifestTimeoutMS == 0 {
		d.ManifestTimeoutMS = 5000
	}
	if d.ManifestInitialDelayMS == 0 {
		d.ManifestInitialDelayMS = 2000
	}
	if d.InitialConnectTimeoutMS == 0 {
		d.InitialConnectTimeoutMS = 15000
	}
	if d.StaleWindowMS == 0 {
		d.StaleWindowMS = 15000
	}
	if d.ManifestTTLMS == 0 {
		d.ManifestTTLMS = 60000
	}
	if d.EvictWindowMS == 0 {
		d.EvictWindowMS = d.StaleWindowMS
	}
	if d.IdleCyclesBeforeBackoff == 0 {
		d.IdleCyclesBeforeBackoff = 3
	}

	s := &c.Schema
	if s.RediscoverPeriodMS == 0 {
		s.RediscoverPeriodMS = 10000
	}
	if s.RediscoverIdlePeriodMS == 0 {
		s.RediscoverIdlePeriodMS = 30000
	}
	if s.IdleCyclesBeforeBackoff == 0 {
		s.IdleCyclesBeforeBackoff = 3
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.DebugAPI.Host == "" {
		c.DebugAPI.Host = "127.0.0.1"
	}
	if c.DebugAPI.Port == 0 {
		c.DebugAPI.Port = 7070
	}
}

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if c.Transport.Endpoint == "" {
		return fmt.Errorf("transport.transport_endpoint is required")
	}
	if c.Discovery.EvictWindowMS < c.Discovery.StaleWindowMS {
		return fmt.Errorf("discovery.evict_window_ms must be >= discovery.stale_window_ms")
	}
	return nil
}

// Load reads configuration from file, applies env overrides and defaults,
// then validates it.
func Load(configPath string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(cfg)
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks for FLEETD_-prefixed environment variables.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FLEETD_TRANSPORT_ENDPOINT"); v != "" {
		cfg.Transport.Endpoint = v
	}
	if v := os.Getenv("FLEETD_TRANSPORT_SCOPE"); v != "" {
		cfg.Transport.Scope = v
	}
	if v := os.Getenv("FLEETD_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("FLEETD_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("FLEETD_DEBUG_API_PORT"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.DebugAPI.Port)
	}
}

// InitLogger builds the global slog.Logger from LoggingConfig.
func InitLogger(cfg LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// DumpExampleConfig writes an example configuration to w, for --dump-config.
func DumpExampleConfig(w io.Writer) error {
	example := &Config{
		Transport: TransportConfig{
			Endpoint: "ws://localhost:7447",
			Scope:    "local",
		},
	}
	example.ApplyDefaults()

	header := `# =============================================================================
# Fleet Discovery & Subscription Coordinator - example configuration
# Copy to config.yaml and adjust. Env overrides: FLEETD_TRANSPORT_ENDPOINT,
# FLEETD_TRANSPORT_SCOPE, FLEETD_LOGGING_LEVEL, FLEETD_LOGGING_FORMAT,
# FLEETD_DEBUG_API_PORT
# =============================================================================

`
	if _, err := fmt.Fprint(w, header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(example); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}
