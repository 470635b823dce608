package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	want := Default()
	if cfg.Server.Address != want.Server.Address {
		t.Errorf("Address = %v, want %v", cfg.Server.Address, want.Server.Address)
	}
	if cfg.Memory.BufferLimitBytes != want.Memory.BufferLimitBytes {
		t.Errorf("BufferLimitBytes = %v, want %v", cfg.Memory.BufferLimitBytes, want.Memory.BufferLimitBytes)
	}
	if cfg.Compression.Algorithm != "lz4" {
		t.Errorf("Algorithm = %v, want lz4", cfg.Compression.Algorithm)
	}
}

func TestLoad_FileWithComments(t *testing.T) {
	dir := t.TempDir()
	content := `{
	// Operator notes survive nowhere: comments are stripped before parse.
	"server": {
		"address": ":9000"
	},
	"memory": {
		"buffer_limit_bytes": 2097152 // 2MB
	},
	"compression": {
		"algorithm": "zlib"
	}
}`
	if err := os.WriteFile(filepath.Join(dir, "threadcast.jsonc"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Address != ":9000" {
		t.Errorf("Address = %v, want :9000", cfg.Server.Address)
	}
	if cfg.Memory.BufferLimitBytes != 2097152 {
		t.Errorf("BufferLimitBytes = %v, want 2097152", cfg.Memory.BufferLimitBytes)
	}
	if cfg.Compression.Algorithm != "zlib" {
		t.Errorf("Algorithm = %v, want zlib", cfg.Compression.Algorithm)
	}
	// Untouched sections keep their defaults.
	if cfg.CircuitBreaker.FailureThreshold != 5 {
		t.Errorf("FailureThreshold = %v, want default 5", cfg.CircuitBreaker.FailureThreshold)
	}
}

func TestLoad_MalformedFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "threadcast.jsonc"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(dir); err == nil {
		t.Error("expected parse error")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("THREADCAST_ADDRESS", ":7777")
	t.Setenv("THREADCAST_BUFFER_LIMIT_BYTES", "4096")
	t.Setenv("THREADCAST_CLEANUP_INTERVAL_SECONDS", "5")
	t.Setenv("THREADCAST_DATA_DIR", "/var/lib/threadcast")

	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Address != ":7777" {
		t.Errorf("Address = %v, want :7777", cfg.Server.Address)
	}
	if cfg.Memory.BufferLimitBytes != 4096 {
		t.Errorf("BufferLimitBytes = %v, want 4096", cfg.Memory.BufferLimitBytes)
	}
	if cfg.Memory.CleanupIntervalSeconds != 5 {
		t.Errorf("CleanupIntervalSeconds = %v, want 5", cfg.Memory.CleanupIntervalSeconds)
	}
	if cfg.DataDir != "/var/lib/threadcast" {
		t.Errorf("DataDir = %v, want /var/lib/threadcast", cfg.DataDir)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"zero buffer limit", func(c *Config) { c.Memory.BufferLimitBytes = 0 }, true},
		{"zero cleanup interval", func(c *Config) { c.Memory.CleanupIntervalSeconds = 0 }, true},
		{"negative min size", func(c *Config) { c.Compression.MinSizeBytes = -1 }, true},
		{"unknown algorithm", func(c *Config) { c.Compression.Algorithm = "brotli" }, true},
		{"none algorithm", func(c *Config) { c.Compression.Algorithm = "none" }, false},
		{"zero failure threshold", func(c *Config) { c.CircuitBreaker.FailureThreshold = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Error("expected error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Validate: %v", err)
			}
		})
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := Default()
	if got := cfg.CleanupInterval(); got != 30*time.Second {
		t.Errorf("CleanupInterval = %v, want 30s", got)
	}
	if got := cfg.MetricsRetention(); got != 600*time.Second {
		t.Errorf("MetricsRetention = %v, want 10m", got)
	}
	if got := cfg.DrainGrace(); got != 5*time.Second {
		t.Errorf("DrainGrace = %v, want 5s", got)
	}
}
