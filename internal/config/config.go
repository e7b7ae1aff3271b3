// Package config loads and validates the YAML configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"webvm-manager/internal/policy"
	"webvm-manager/internal/threat"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
	Database DatabaseConfig `yaml:"database"`
	Quotas   QuotaConfig    `yaml:"quotas"`
	Threat   ThreatConfig   `yaml:"threat"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Reaper   ReaperConfig   `yaml:"reaper"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Security SecurityConfig `yaml:"security"`
	TLS      TLSConfig      `yaml:"tls"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
}

type SandboxConfig struct {
	Backend          string `yaml:"backend"` // "auto" (default), "containerd", or "docker"
	ContainerdSocket string `yaml:"containerd_socket"`
	Namespace        string `yaml:"namespace"`
	MaxConcurrent    int    `yaml:"max_concurrent"`
}

type DatabaseConfig struct {
	// DSN empty means the in-memory repository is used.
	DSN               string        `yaml:"dsn"`
	SampleBuffer      int           `yaml:"sample_buffer"`
	SampleFlushPeriod time.Duration `yaml:"sample_flush_period"`
}

type QuotaConfig struct {
	MaxInstancesPerOwner int `yaml:"max_instances_per_owner"`
	MaxInstancesTotal    int `yaml:"max_instances_total"`
}

type ThreatConfig struct {
	Weights        threat.Weights `yaml:"weights"`
	BlockThreshold float64        `yaml:"block_threshold"`
}

type MonitorConfig struct {
	Interval  time.Duration `yaml:"interval"`
	Retention time.Duration `yaml:"retention"`
	HighWater float64       `yaml:"high_water"`
}

type ReaperConfig struct {
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	Interval         time.Duration `yaml:"interval"`
	RetainTerminated time.Duration `yaml:"retain_terminated"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type TracingConfig struct {
	Enabled  bool    `yaml:"enabled"`
	Endpoint string  `yaml:"endpoint"`
	Sample   float64 `yaml:"sample_rate"`
}

type SecurityConfig struct {
	APIKeyHeader         string   `yaml:"api_key_header"`
	AllowedKeys          []string `yaml:"allowed_keys"`
	RateLimitRPS         float64  `yaml:"rate_limit_rps"`
	RateLimitBurst       int      `yaml:"rate_limit_burst"`
	DefaultSecurityLevel string   `yaml:"default_security_level"`
}

// TLSConfig controls HTTPS/TLS termination.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from CLI flag or hardcoded default
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    65 * time.Second, // > max execution timeout + overhead
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  1 << 20, // 1MB
		},
		Sandbox: SandboxConfig{
			Backend:          "auto",
			ContainerdSocket: "/run/containerd/containerd.sock",
			Namespace:        "webvm",
			MaxConcurrent:    100,
		},
		Database: DatabaseConfig{
			DSN:               "",
			SampleBuffer:      10000,
			SampleFlushPeriod: 10 * time.Second,
		},
		Quotas: QuotaConfig{
			MaxInstancesPerOwner: 3,
			MaxInstancesTotal:    100,
		},
		Threat: ThreatConfig{
			Weights:        threat.DefaultWeights(),
			BlockThreshold: 0.6,
		},
		Monitor: MonitorConfig{
			Interval:  5 * time.Second,
			Retention: 10 * time.Minute,
			HighWater: 0.9,
		},
		Reaper: ReaperConfig{
			IdleTimeout:      30 * time.Minute,
			Interval:         time.Minute,
			RetainTerminated: 10 * time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled: false,
			Sample:  0.1,
		},
		Security: SecurityConfig{
			APIKeyHeader:         "X-API-Key",
			RateLimitRPS:         100,
			RateLimitBurst:       200,
			DefaultSecurityLevel: string(policy.LevelMedium),
		},
		TLS: TLSConfig{
			Enabled: false,
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	switch c.Sandbox.Backend {
	case "auto", "containerd", "docker":
	default:
		return fmt.Errorf("sandbox.backend must be auto, containerd, or docker, got %q", c.Sandbox.Backend)
	}
	if c.Sandbox.MaxConcurrent < 1 {
		return fmt.Errorf("sandbox.max_concurrent must be >= 1")
	}
	if c.Quotas.MaxInstancesPerOwner < 1 {
		return fmt.Errorf("quotas.max_instances_per_owner must be >= 1")
	}
	if c.Quotas.MaxInstancesTotal < c.Quotas.MaxInstancesPerOwner {
		return fmt.Errorf("quotas.max_instances_total must be >= max_instances_per_owner")
	}
	if c.Threat.BlockThreshold <= 0 || c.Threat.BlockThreshold > 1 {
		return fmt.Errorf("threat.block_threshold must be in (0, 1], got %g", c.Threat.BlockThreshold)
	}
	if c.Monitor.Interval < time.Second {
		return fmt.Errorf("monitor.interval must be >= 1s")
	}
	if c.Monitor.HighWater <= 0 || c.Monitor.HighWater >= 1 {
		return fmt.Errorf("monitor.high_water must be in (0, 1), got %g", c.Monitor.HighWater)
	}
	if _, err := policy.ParseLevel(c.Security.DefaultSecurityLevel); err != nil {
		return fmt.Errorf("security.default_security_level: %w", err)
	}
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}
	}
	if c.Database.DSN != "" && strings.Contains(c.Database.DSN, "sslmode=disable") {
		log.Warn().Msg("database DSN has sslmode=disable, connections to Postgres are unencrypted")
	}
	return nil
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
