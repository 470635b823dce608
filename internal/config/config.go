// Package config loads server configuration from threadcast.jsonc with
// environment-variable overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// ServerConfig holds transport settings
type ServerConfig struct {
	Address                  string  `json:"address"`
	SendQueueSize            int     `json:"send_queue_size"`
	DrainGraceTimeoutSeconds int     `json:"drain_grace_timeout_seconds"`
	InboundFramesPerSecond   float64 `json:"inbound_frames_per_second"`
	InboundFrameBurst        int     `json:"inbound_frame_burst"`
	TokenFile                string  `json:"token_file"`
}

// MemoryConfig holds buffer accounting and cleanup settings
type MemoryConfig struct {
	BufferLimitBytes        int64 `json:"buffer_limit_bytes"`
	MetricsRetentionSeconds int   `json:"metrics_retention_seconds"`
	CleanupIntervalSeconds  int   `json:"cleanup_interval_seconds"`
}

// CompressionConfig holds codec policy
type CompressionConfig struct {
	Algorithm            string `json:"algorithm"` // none, gzip, zlib, lz4
	MinSizeBytes         int    `json:"min_size_bytes"`
	MaxCompressionTimeMs int    `json:"max_compression_time_ms"`
	AutoSelectAlgorithm  bool   `json:"auto_select_algorithm"`
}

// CircuitBreakerConfig holds default breaker tuning
type CircuitBreakerConfig struct {
	FailureThreshold   int `json:"failure_threshold"`
	CooldownSeconds    int `json:"cooldown_seconds"`
	MaxCooldownSeconds int `json:"max_cooldown_seconds"`
	CallTimeoutMs      int `json:"call_timeout_ms"`
}

// Config is the full loaded configuration
type Config struct {
	Server         ServerConfig         `json:"server"`
	Memory         MemoryConfig         `json:"memory"`
	Compression    CompressionConfig    `json:"compression"`
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker"`
	DataDir        string               `json:"data_dir"`
	LogDir         string               `json:"log_dir"`
	LogJSON        bool                 `json:"log_json"`
}

// Default returns the default configuration
func Default() Config {
	return Config{
		Server: ServerConfig{
			Address:                  ":8420",
			SendQueueSize:            256,
			DrainGraceTimeoutSeconds: 5,
			InboundFramesPerSecond:   20,
			InboundFrameBurst:        40,
			TokenFile:                "tokens",
		},
		Memory: MemoryConfig{
			BufferLimitBytes:        1 << 20, // 1MB per connection
			MetricsRetentionSeconds: 600,
			CleanupIntervalSeconds:  30,
		},
		Compression: CompressionConfig{
			Algorithm:            "lz4",
			MinSizeBytes:         1024,
			MaxCompressionTimeMs: 10,
			AutoSelectAlgorithm:  true,
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold:   5,
			CooldownSeconds:    30,
			MaxCooldownSeconds: 300,
			CallTimeoutMs:      5000,
		},
		DataDir: "data",
		LogDir:  "logs",
		LogJSON: false,
	}
}

// Load reads threadcast.jsonc from configDir, applies defaults for missing
// fields, then applies environment overrides. A missing config file is not
// an error: defaults plus environment apply.
func Load(configDir string) (Config, error) {
	cfg := Default()

	path := filepath.Join(configDir, "threadcast.jsonc")
	data, err := os.ReadFile(path)
	if err == nil {
		if err := json.Unmarshal(StripJSONComments(data), &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("failed to read %s: %w", path, err)
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv applies THREADCAST_* environment overrides for the knobs that
// operators most often tune per deployment.
func applyEnv(cfg *Config) {
	if v := os.Getenv("THREADCAST_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("THREADCAST_BUFFER_LIMIT_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Memory.BufferLimitBytes = n
		}
	}
	if v := os.Getenv("THREADCAST_CLEANUP_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Memory.CleanupIntervalSeconds = n
		}
	}
	if v := os.Getenv("THREADCAST_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("THREADCAST_LOG_DIR"); v != "" {
		cfg.LogDir = v
	}
}

// Validate checks that the configuration is internally consistent
func (c Config) Validate() error {
	if c.Memory.BufferLimitBytes <= 0 {
		return fmt.Errorf("memory.buffer_limit_bytes must be positive")
	}
	if c.Memory.CleanupIntervalSeconds <= 0 {
		return fmt.Errorf("memory.cleanup_interval_seconds must be positive")
	}
	if c.Compression.MinSizeBytes < 0 {
		return fmt.Errorf("compression.min_size_bytes must not be negative")
	}
	switch c.Compression.Algorithm {
	case "none", "gzip", "zlib", "lz4":
	default:
		return fmt.Errorf("compression.algorithm must be one of none, gzip, zlib, lz4")
	}
	if c.CircuitBreaker.FailureThreshold <= 0 {
		return fmt.Errorf("circuit_breaker.failure_threshold must be positive")
	}
	return nil
}

// CleanupInterval returns the sweep interval as a duration.
func (c Config) CleanupInterval() time.Duration {
	return time.Duration(c.Memory.CleanupIntervalSeconds) * time.Second
}

// MetricsRetention returns the metrics retention window as a duration.
func (c Config) MetricsRetention() time.Duration {
	return time.Duration(c.Memory.MetricsRetentionSeconds) * time.Second
}

// DrainGrace returns the drain grace timeout as a duration.
func (c Config) DrainGrace() time.Duration {
	return time.Duration(c.Server.DrainGraceTimeoutSeconds) * time.Second
}
