// Package config loads codebundle configuration from a YAML or TOML file and
// CODEBUNDLE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Config holds the complete codebundle configuration.
type Config struct {
	Payload   PayloadConfig   `koanf:"payload"`
	Scan      ScanConfig      `koanf:"scan"`
	Hashing   HashingConfig   `koanf:"hashing"`
	Manifest  ManifestConfig  `koanf:"manifest"`
	Backend   BackendConfig   `koanf:"backend"`
	Server    ServerConfig    `koanf:"server"`
	Progress  ProgressConfig  `koanf:"progress"`
	Recovery  RecoveryConfig  `koanf:"recovery"`
	Log       LogConfig       `koanf:"log"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

// PayloadConfig holds payload sizing configuration.
type PayloadConfig struct {
	MaxBytes int64 `koanf:"max_bytes"` // absolute ceiling; chunks target half of it
	Workers  int   `koanf:"workers"`
}

// SafeThreshold returns the per-chunk packing target.
func (p PayloadConfig) SafeThreshold() int64 {
	return p.MaxBytes / 2
}

// ScanConfig holds traversal configuration.
type ScanConfig struct {
	IgnoreFiles    []string `koanf:"ignore_files"`
	SkipDirs       []string `koanf:"skip_dirs"` // never descended into
	FollowSymlinks bool     `koanf:"follow_symlinks"`
	DetectGitRoot  bool     `koanf:"detect_git_root"`
}

// HashingConfig selects the content hash.
type HashingConfig struct {
	Algorithm string `koanf:"algorithm"`
}

// ManifestConfig holds manifest store configuration.
type ManifestConfig struct {
	Dir string `koanf:"dir"`
}

// BackendConfig holds the analysis backend endpoint.
type BackendConfig struct {
	URL     string   `koanf:"url"`
	Token   Secret   `koanf:"token"`
	Timeout Duration `koanf:"timeout"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// ProgressConfig holds progress reporting configuration.
type ProgressConfig struct {
	NATSURL  string   `koanf:"nats_url"` // empty disables NATS publishing
	Subject  string   `koanf:"subject"`
	Interval Duration `koanf:"interval"`
}

// RecoveryConfig holds failure recovery timing.
type RecoveryConfig struct {
	BackendHost    string   `koanf:"backend_host"`
	ReconnectDelay Duration `koanf:"reconnect_delay"`
	ResumeDelay    Duration `koanf:"resume_delay"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TelemetryConfig holds trace export configuration. An empty endpoint
// disables export.
type TelemetryConfig struct {
	Endpoint    string  `koanf:"endpoint"`
	Protocol    string  `koanf:"protocol"` // grpc or http/protobuf
	Insecure    bool    `koanf:"insecure"`
	SampleRate  float64 `koanf:"sample_rate"`
	ServiceName string  `koanf:"service_name"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	cfg := &Config{
		Scan:      ScanConfig{DetectGitRoot: true},
		Telemetry: TelemetryConfig{SampleRate: 1},
	}
	applyDefaults(cfg)
	return cfg
}

// Validate validates the configuration.
//
// Returns an error if:
//   - Payload ceiling or worker count is not positive
//   - Server port is not between 1 and 65535
//   - Shutdown timeout is not positive
//   - Hash algorithm or log format is unknown
//   - Backend URL is set but not absolute
//   - Telemetry protocol is unknown or the sample rate is outside [0, 1]
func (c *Config) Validate() error {
	if c.Payload.MaxBytes <= 0 {
		return fmt.Errorf("invalid payload.max_bytes: %d (must be positive)", c.Payload.MaxBytes)
	}
	if c.Payload.Workers <= 0 {
		return fmt.Errorf("invalid payload.workers: %d (must be positive)", c.Payload.Workers)
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		return errors.New("shutdown timeout must be positive")
	}

	switch c.Hashing.Algorithm {
	case "sha256", "blake2b-256":
	default:
		return fmt.Errorf("unknown hashing.algorithm %q", c.Hashing.Algorithm)
	}

	if c.Log.Format != "json" && c.Log.Format != "console" {
		return fmt.Errorf("log.format must be 'json' or 'console', got %q", c.Log.Format)
	}

	if c.Backend.URL != "" {
		u, err := url.Parse(c.Backend.URL)
		if err != nil || !u.IsAbs() || u.Host == "" {
			return fmt.Errorf("invalid backend.url %q", c.Backend.URL)
		}
	}

	switch c.Telemetry.Protocol {
	case "grpc", "http/protobuf":
	default:
		return fmt.Errorf("telemetry.protocol must be 'grpc' or 'http/protobuf', got %q", c.Telemetry.Protocol)
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		return fmt.Errorf("invalid telemetry.sample_rate: %v (must be 0-1)", c.Telemetry.SampleRate)
	}

	return nil
}

// BackendHost returns the host whose resolution failures mean the backend
// is unreachable: recovery.backend_host, or the host of backend.url.
func (c *Config) BackendHost() string {
	if c.Recovery.BackendHost != "" {
		return c.Recovery.BackendHost
	}
	if u, err := url.Parse(c.Backend.URL); err == nil {
		return u.Hostname()
	}
	return ""
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Payload.MaxBytes == 0 {
		cfg.Payload.MaxBytes = 4 * 1024 * 1024
	}
	if cfg.Payload.Workers == 0 {
		cfg.Payload.Workers = 4
	}

	if len(cfg.Scan.IgnoreFiles) == 0 {
		cfg.Scan.IgnoreFiles = []string{".gitignore", ".dcignore"}
	}
	if cfg.Scan.SkipDirs == nil {
		cfg.Scan.SkipDirs = []string{".git"}
	}

	if cfg.Hashing.Algorithm == "" {
		cfg.Hashing.Algorithm = "sha256"
	}

	if cfg.Manifest.Dir == "" {
		cfg.Manifest.Dir = "~/.config/codebundle/manifests"
	}

	if cfg.Backend.Timeout == 0 {
		cfg.Backend.Timeout = Duration(30 * time.Second)
	}

	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9191
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Progress.Subject == "" {
		cfg.Progress.Subject = "codebundle.progress"
	}
	if cfg.Progress.Interval == 0 {
		cfg.Progress.Interval = Duration(time.Second)
	}

	if cfg.Recovery.ReconnectDelay == 0 {
		cfg.Recovery.ReconnectDelay = Duration(5 * time.Second)
	}
	if cfg.Recovery.ResumeDelay == 0 {
		cfg.Recovery.ResumeDelay = Duration(time.Second)
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}

	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "codebundle"
	}
}
