package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Sandbox.MaxConcurrent != 100 {
		t.Errorf("Sandbox.MaxConcurrent = %d, want 100", cfg.Sandbox.MaxConcurrent)
	}
	if cfg.Quotas.MaxInstancesPerOwner != 3 {
		t.Errorf("Quotas.MaxInstancesPerOwner = %d, want 3", cfg.Quotas.MaxInstancesPerOwner)
	}
	if cfg.Threat.BlockThreshold != 0.6 {
		t.Errorf("Threat.BlockThreshold = %g, want 0.6", cfg.Threat.BlockThreshold)
	}
	if cfg.Security.DefaultSecurityLevel != "medium" {
		t.Errorf("DefaultSecurityLevel = %q, want medium", cfg.Security.DefaultSecurityLevel)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid defaults", func(c *Config) {}, false},
		{"server port 0", func(c *Config) { c.Server.Port = 0 }, true},
		{"server port 99999", func(c *Config) { c.Server.Port = 99999 }, true},
		{"unknown backend", func(c *Config) { c.Sandbox.Backend = "podman" }, true},
		{"max_concurrent 0", func(c *Config) { c.Sandbox.MaxConcurrent = 0 }, true},
		{"per-owner quota 0", func(c *Config) { c.Quotas.MaxInstancesPerOwner = 0 }, true},
		{"total quota below per-owner", func(c *Config) {
			c.Quotas.MaxInstancesPerOwner = 10
			c.Quotas.MaxInstancesTotal = 5
		}, true},
		{"block threshold over 1", func(c *Config) { c.Threat.BlockThreshold = 1.5 }, true},
		{"monitor interval too short", func(c *Config) { c.Monitor.Interval = 100 * time.Millisecond }, true},
		{"high water 1.0", func(c *Config) { c.Monitor.HighWater = 1.0 }, true},
		{"unknown security level", func(c *Config) { c.Security.DefaultSecurityLevel = "extreme" }, true},
		{"TLS enabled without cert", func(c *Config) {
			c.TLS.Enabled = true
			c.TLS.CertFile = ""
			c.TLS.KeyFile = ""
		}, true},
		{"TLS enabled with cert+key", func(c *Config) {
			c.TLS.Enabled = true
			c.TLS.CertFile = "/etc/ssl/cert.pem"
			c.TLS.KeyFile = "/etc/ssl/key.pem"
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	yamlContent := `
server:
  host: "127.0.0.1"
  port: 9090
sandbox:
  backend: docker
  max_concurrent: 50
quotas:
  max_instances_per_owner: 5
  max_instances_total: 200
threat:
  block_threshold: 0.8
monitor:
  interval: 2s
`
	tmpFile, err := os.CreateTemp("", "config-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmpFile.Name())

	if _, err := tmpFile.WriteString(yamlContent); err != nil {
		t.Fatal(err)
	}
	tmpFile.Close()

	cfg, err := Load(tmpFile.Name())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Sandbox.Backend != "docker" {
		t.Errorf("Sandbox.Backend = %q, want docker", cfg.Sandbox.Backend)
	}
	if cfg.Quotas.MaxInstancesPerOwner != 5 {
		t.Errorf("MaxInstancesPerOwner = %d, want 5", cfg.Quotas.MaxInstancesPerOwner)
	}
	if cfg.Threat.BlockThreshold != 0.8 {
		t.Errorf("BlockThreshold = %g, want 0.8", cfg.Threat.BlockThreshold)
	}
	if cfg.Monitor.Interval != 2*time.Second {
		t.Errorf("Monitor.Interval = %s, want 2s", cfg.Monitor.Interval)
	}
	// Sections absent from the file keep their defaults.
	if cfg.Reaper.IdleTimeout != 30*time.Minute {
		t.Errorf("Reaper.IdleTimeout = %s, want 30m", cfg.Reaper.IdleTimeout)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err == nil {
		t.Error("expected error for missing file, got nil")
	}
}

func TestAddress(t *testing.T) {
	cfg := DefaultConfig()
	want := "0.0.0.0:8080"
	if got := cfg.Address(); got != want {
		t.Errorf("Address() = %q, want %q", got, want)
	}

	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 3000
	want = "127.0.0.1:3000"
	if got := cfg.Address(); got != want {
		t.Errorf("Address() = %q, want %q", got, want)
	}
}
