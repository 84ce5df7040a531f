package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoad_ValidConfig(t *testing.T) {
	// Create a temporary config file
	content := `
site:
  id: "test-site"
database:
  path: "/tmp/test.db"
  wal_mode: true
  busy_timeout: 5
api:
  host: "0.0.0.0"
  port: 8090
discovery:
  scan_interval: 60
  priority_order: ["meter", "battery"]
  identification_timeout: 3
  max_retries_before_permanent_disable: 3
  initial_retry_interval: 10
  max_retry_interval: 600
  backoff_multiplier: 2.0
  concurrency: 2
channels:
  serial:
    enabled: false
  network:
    - address: "192.168.1.40:502"
security:
  jwt:
    secret: "test-secret-key-at-least-32-chars!"
`
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Site.ID != "test-site" {
		t.Errorf("Site.ID = %q, want %q", cfg.Site.ID, "test-site")
	}

	if cfg.Database.Path != "/tmp/test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/tmp/test.db")
	}

	if len(cfg.Discovery.PriorityOrder) != 2 || cfg.Discovery.PriorityOrder[0] != "meter" {
		t.Errorf("Discovery.PriorityOrder = %v, want [meter battery]", cfg.Discovery.PriorityOrder)
	}

	if cfg.Channels.Serial.Enabled {
		t.Error("Channels.Serial.Enabled = true, want false")
	}

	if len(cfg.Channels.Network) != 1 || cfg.Channels.Network[0].Address != "192.168.1.40:502" {
		t.Errorf("Channels.Network = %v, want one endpoint 192.168.1.40:502", cfg.Channels.Network)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("invalid: [yaml: content"), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_UnknownDeviceFamily(t *testing.T) {
	content := `
database:
  path: "/tmp/test.db"
discovery:
  priority_order: ["meter", "toaster"]
security:
  jwt:
    secret: "test-secret-key-at-least-32-chars!"
`
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() expected error for unknown family, got nil")
	}
	if !strings.Contains(err.Error(), "toaster") {
		t.Errorf("error = %v, want mention of unknown family", err)
	}
}

func TestLoad_MissingJWTSecret(t *testing.T) {
	content := `
database:
  path: "/tmp/test.db"
`
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected error for missing JWT secret, got nil")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	content := `
database:
  path: "/tmp/file-value.db"
security:
  jwt:
    secret: "test-secret-key-at-least-32-chars!"
`
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	t.Setenv("VOLTLINK_DATABASE_PATH", "/tmp/env-value.db")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Database.Path != "/tmp/env-value.db" {
		t.Errorf("Database.Path = %q, want env override %q", cfg.Database.Path, "/tmp/env-value.db")
	}
}

func TestValidate_BackoffBounds(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		wantOK bool
	}{
		{
			name:   "defaults plus secret are valid",
			mutate: func(_ *Config) {},
			wantOK: true,
		},
		{
			name: "multiplier below one rejected",
			mutate: func(c *Config) {
				c.Discovery.BackoffMultiplier = 0.5
			},
			wantOK: false,
		},
		{
			name: "max below initial rejected",
			mutate: func(c *Config) {
				c.Discovery.InitialRetryInterval = 120
				c.Discovery.MaxRetryInterval = 60
			},
			wantOK: false,
		},
		{
			name: "zero concurrency rejected",
			mutate: func(c *Config) {
				c.Discovery.Concurrency = 0
			},
			wantOK: false,
		},
		{
			name: "zero max retries rejected",
			mutate: func(c *Config) {
				c.Discovery.MaxRetries = 0
			},
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			cfg.Security.JWT.Secret = "test-secret-key-at-least-32-chars!"
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantOK && err != nil {
				t.Errorf("Validate() error = %v, want nil", err)
			}
			if !tt.wantOK && err == nil {
				t.Error("Validate() error = nil, want error")
			}
		})
	}
}

func TestDiscoveryConfig_DurationAccessors(t *testing.T) {
	d := DiscoveryConfig{
		ScanInterval:          300,
		IdentificationTimeout: 5,
		InitialRetryInterval:  30,
		MaxRetryInterval:      3600,
	}

	if got := d.GetScanInterval().Seconds(); got != 300 {
		t.Errorf("GetScanInterval() = %vs, want 300s", got)
	}
	if got := d.GetIdentificationTimeout().Seconds(); got != 5 {
		t.Errorf("GetIdentificationTimeout() = %vs, want 5s", got)
	}
	if got := d.GetInitialRetryInterval().Seconds(); got != 30 {
		t.Errorf("GetInitialRetryInterval() = %vs, want 30s", got)
	}
	if got := d.GetMaxRetryInterval().Seconds(); got != 3600 {
		t.Errorf("GetMaxRetryInterval() = %vs, want 3600s", got)
	}
}
