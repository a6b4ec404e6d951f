// Package config loads peagen configuration from ~/.peagen/config.yaml,
// overlaid by PEAGEN_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config holds every peagen setting. Command-line flags are applied on top
// by cmd/peagen.
type Config struct {
	// GatewayURL is where clients, workers and the TUI reach the gateway.
	GatewayURL string          `yaml:"gateway_url" env:"PEAGEN_GATEWAY_URL"`
	Gateway    GatewayConfig   `yaml:"gateway" envPrefix:"PEAGEN_GATEWAY_"`
	Worker     WorkerConfig    `yaml:"worker" envPrefix:"PEAGEN_WORKER_"`
	Log        LogConfig       `yaml:"log" envPrefix:"PEAGEN_LOG_"`
	Telemetry  TelemetryConfig `yaml:"telemetry" envPrefix:"PEAGEN_OTEL_"`
}

// GatewayConfig configures `peagen gateway`.
type GatewayConfig struct {
	Listen string `yaml:"listen" env:"LISTEN"`
	// StoreDriver is "sqlite" or "postgres".
	StoreDriver string `yaml:"store_driver" env:"STORE_DRIVER"`
	// DSN is a file path for sqlite or a connection string for postgres.
	DSN string `yaml:"dsn" env:"DSN"`
	// MaxOpenConns applies to postgres only.
	MaxOpenConns int    `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	CAFURI       string `yaml:"caf_uri" env:"CAF_URI"`
	// LeaseTTL is how long a worker may hold a task without progress.
	LeaseTTL     time.Duration `yaml:"lease_ttl" env:"LEASE_TTL"`
	ReapInterval time.Duration `yaml:"reap_interval" env:"REAP_INTERVAL"`
	// WorkerTTL marks a worker dead after this long without a heartbeat.
	WorkerTTL time.Duration `yaml:"worker_ttl" env:"WORKER_TTL"`
	// VerifyRevHash recomputes rev_hash on report and rejects mismatches.
	VerifyRevHash bool `yaml:"verify_rev_hash" env:"VERIFY_REV_HASH"`
}

// WorkerConfig configures `peagen worker`.
type WorkerConfig struct {
	ID          string `yaml:"id" env:"ID"`
	Pool        string `yaml:"pool" env:"POOL"`
	Concurrency int    `yaml:"concurrency" env:"CONCURRENCY"`
	// CAFURI defaults to the gateway's /objects endpoint when empty.
	CAFURI           string        `yaml:"caf_uri" env:"CAF_URI"`
	PollInterval     time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	ProgressInterval time.Duration `yaml:"progress_interval" env:"PROGRESS_INTERVAL"`
	Handlers         []string      `yaml:"handlers" env:"HANDLERS" envSeparator:","`
	ExecAllowlist    []string      `yaml:"exec_allowlist" env:"EXEC_ALLOWLIST" envSeparator:","`
}

// LogConfig configures zerolog.
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

// TelemetryConfig configures OTLP tracing.
type TelemetryConfig struct {
	Endpoint string `yaml:"endpoint" env:"ENDPOINT"`
	Enabled  bool   `yaml:"enabled" env:"ENABLED"`
}

// DefaultDir returns ~/.peagen, or .peagen when the home dir is unknown.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".peagen"
	}
	return filepath.Join(home, ".peagen")
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() *Config {
	dir := DefaultDir()
	return &Config{
		GatewayURL: "http://127.0.0.1:7466",
		Gateway: GatewayConfig{
			Listen:        "127.0.0.1:7466",
			StoreDriver:   "sqlite",
			DSN:           filepath.Join(dir, "ledger.db"),
			MaxOpenConns:  16,
			CAFURI:        "file://" + filepath.Join(dir, "caf"),
			LeaseTTL:      5 * time.Minute,
			ReapInterval:  time.Second,
			WorkerTTL:     30 * time.Second,
			VerifyRevHash: true,
		},
		Worker: WorkerConfig{
			Pool:             "default",
			Concurrency:      2,
			PollInterval:     time.Second,
			ProgressInterval: 10 * time.Second,
			Handlers:         []string{"mutate", "exec"},
			ExecAllowlist:    []string{"go", "make", "npm", "pnpm", "python", "pytest", "git", "sh"},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Telemetry: TelemetryConfig{
			Enabled: true,
		},
	}
}

// Load reads the YAML file at path (a missing file is not an error), then
// applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadFromHome loads ~/.peagen/config.yaml.
func LoadFromHome() (*Config, error) {
	return Load(filepath.Join(DefaultDir(), "config.yaml"))
}

// Save writes cfg as YAML, creating parent directories if needed.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	switch c.Gateway.StoreDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown store driver %q (want sqlite or postgres)", c.Gateway.StoreDriver)
	}
	if strings.TrimSpace(c.Gateway.DSN) == "" {
		return fmt.Errorf("gateway.dsn is required")
	}
	if c.Gateway.LeaseTTL <= 0 {
		return fmt.Errorf("gateway.lease_ttl must be positive")
	}
	if c.Gateway.ReapInterval <= 0 {
		return fmt.Errorf("gateway.reap_interval must be positive")
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("worker.concurrency must be at least 1")
	}
	if c.Worker.PollInterval <= 0 {
		return fmt.Errorf("worker.poll_interval must be positive")
	}
	if c.Worker.ProgressInterval <= 0 || c.Worker.ProgressInterval >= c.Gateway.LeaseTTL {
		return fmt.Errorf("worker.progress_interval must be positive and shorter than gateway.lease_ttl")
	}
	switch strings.ToLower(c.Log.Format) {
	case "console", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	return nil
}
