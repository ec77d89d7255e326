// Package config loads and validates the core's YAML configuration:
// the managed root, obliteration policy, cache sizing, and the optional
// remote-mirror boundary (spec §6).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Configuration is the complete core configuration document.
type Configuration struct {
	Global       GlobalConfig       `yaml:"global"`
	Store        StoreConfig        `yaml:"store"`
	Cache        CacheConfig        `yaml:"cache"`
	Obliteration ObliterationConfig `yaml:"obliteration"`
	Remote       RemoteConfig       `yaml:"remote"`
	Monitoring   MonitoringConfig   `yaml:"monitoring"`
}

// GlobalConfig holds process-wide settings.
type GlobalConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFile     string `yaml:"log_file"`
	MetricsPort int    `yaml:"metrics_port"`
	HealthPort  int    `yaml:"health_port"`
}

// StoreConfig configures the content-addressed store and file-system
// model's managed root.
type StoreConfig struct {
	ManagedRoot    string `yaml:"managed_root"`
	HistoryLogPath string `yaml:"history_log_path"`
	ShardWidth     int    `yaml:"shard_width"`
	MaxConcurrency int    `yaml:"max_concurrency"`
}

// CacheConfig configures the hot-content cache in front of the store.
type CacheConfig struct {
	Enabled    bool `yaml:"enabled"`
	MaxEntries int  `yaml:"max_entries"`
	MaxBytes   int64 `yaml:"max_bytes"`
}

// ObliterationConfig configures secure-overwrite and audit-log behavior.
type ObliterationConfig struct {
	MinOverwritePasses int    `yaml:"min_overwrite_passes"`
	AuditLogPath       string `yaml:"audit_log_path"`
	BatchConcurrency   int    `yaml:"batch_concurrency"`
}

// RemoteConfig configures the optional S3-backed mirror.
type RemoteConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Bucket         string        `yaml:"bucket"`
	Prefix         string        `yaml:"prefix"`
	Region         string        `yaml:"region"`
	Timeouts       TimeoutConfig `yaml:"timeouts"`
	Retry          RetryConfig   `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// TimeoutConfig bounds the remote mirror's I/O operations.
type TimeoutConfig struct {
	Connect time.Duration `yaml:"connect"`
	Write   time.Duration `yaml:"write"`
}

// RetryConfig bounds remote-mirror retry behavior (internal/retry).
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// CircuitBreakerConfig bounds remote-mirror circuit-breaker behavior
// (internal/circuit). Applies only to the remote mirror; the local
// store and file-system model never trip a breaker.
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// MonitoringConfig configures metrics and health checks.
type MonitoringConfig struct {
	MetricsEnabled     bool          `yaml:"metrics_enabled"`
	HealthCheckEnabled bool          `yaml:"health_check_enabled"`
	HealthCheckPeriod  time.Duration `yaml:"health_check_period"`
}

// NewDefault returns a configuration with sensible defaults.
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:    "INFO",
			MetricsPort: 9090,
			HealthPort: 9091,
		},
		Store: StoreConfig{
			ManagedRoot:    "/var/lib/januskey/store",
			HistoryLogPath: "/var/lib/januskey/history.log",
			ShardWidth:     2,
			MaxConcurrency: 64,
		},
		Cache: CacheConfig{
			Enabled:    true,
			MaxEntries: 10000,
			MaxBytes:   256 << 20,
		},
		Obliteration: ObliterationConfig{
			MinOverwritePasses: 3,
			AuditLogPath:       "/var/lib/januskey/obliteration-audit.log",
			BatchConcurrency:   8,
		},
		Remote: RemoteConfig{
			Enabled: false,
			Timeouts: TimeoutConfig{
				Connect: 5 * time.Second,
				Write:   30 * time.Second,
			},
			Retry: RetryConfig{
				MaxAttempts: 3,
				BaseDelay:   200 * time.Millisecond,
				MaxDelay:    5 * time.Second,
			},
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				Timeout:          30 * time.Second,
			},
		},
		Monitoring: MonitoringConfig{
			MetricsEnabled:     true,
			HealthCheckEnabled: true,
			HealthCheckPeriod:  30 * time.Second,
		},
	}
}

// LoadFromFile loads configuration from a YAML file, overlaying it onto
// whatever defaults c already holds.
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// LoadFromEnv overlays JANUSKEY_-prefixed environment variables onto c.
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("JANUSKEY_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("JANUSKEY_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Global.MetricsPort = port
		}
	}
	if val := os.Getenv("JANUSKEY_MANAGED_ROOT"); val != "" {
		c.Store.ManagedRoot = val
	}
	if val := os.Getenv("JANUSKEY_MIN_OVERWRITE_PASSES"); val != "" {
		if passes, err := strconv.Atoi(val); err == nil {
			c.Obliteration.MinOverwritePasses = passes
		}
	}
	if val := os.Getenv("JANUSKEY_REMOTE_ENABLED"); val != "" {
		c.Remote.Enabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("JANUSKEY_REMOTE_BUCKET"); val != "" {
		c.Remote.Bucket = val
	}
	return nil
}

// SaveToFile writes the configuration to a YAML file.
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks internal consistency of the configuration.
func (c *Configuration) Validate() error {
	if c.Store.ManagedRoot == "" {
		return fmt.Errorf("store.managed_root must be set")
	}
	if c.Obliteration.MinOverwritePasses < 3 {
		return fmt.Errorf("obliteration.min_overwrite_passes must be at least 3")
	}
	if c.Store.MaxConcurrency <= 0 {
		return fmt.Errorf("store.max_concurrency must be greater than 0")
	}
	if c.Global.MetricsPort != 0 && c.Global.MetricsPort == c.Global.HealthPort {
		return fmt.Errorf("metrics_port and health_port cannot be the same")
	}
	if c.Remote.Enabled && c.Remote.Bucket == "" {
		return fmt.Errorf("remote.bucket must be set when remote.enabled is true")
	}

	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	valid := false
	for _, level := range validLogLevels {
		if c.Global.LogLevel == level {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("invalid log_level: %s (must be one of: %s)",
			c.Global.LogLevel, strings.Join(validLogLevels, ", "))
	}

	return nil
}
