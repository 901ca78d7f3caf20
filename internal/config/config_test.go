package config

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, int64(4*1024*1024), cfg.Payload.MaxBytes)
	assert.Equal(t, int64(2*1024*1024), cfg.Payload.SafeThreshold())
	assert.Equal(t, 4, cfg.Payload.Workers)
	assert.Equal(t, []string{".gitignore", ".dcignore"}, cfg.Scan.IgnoreFiles)
	assert.Equal(t, []string{".git"}, cfg.Scan.SkipDirs)
	assert.True(t, cfg.Scan.DetectGitRoot)
	assert.False(t, cfg.Scan.FollowSymlinks)
	assert.Equal(t, "sha256", cfg.Hashing.Algorithm)
	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout.Duration())
	assert.Equal(t, "codebundle.progress", cfg.Progress.Subject)
	assert.Equal(t, 5*time.Second, cfg.Recovery.ReconnectDelay.Duration())
	assert.Equal(t, time.Second, cfg.Recovery.ResumeDelay.Duration())
	assert.Empty(t, cfg.Telemetry.Endpoint)
	assert.Equal(t, "grpc", cfg.Telemetry.Protocol)
	assert.Equal(t, 1.0, cfg.Telemetry.SampleRate)
	require.NoError(t, cfg.Validate())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"zero ceiling", func(c *Config) { c.Payload.MaxBytes = 0 }, "payload.max_bytes"},
		{"negative workers", func(c *Config) { c.Payload.Workers = -1 }, "payload.workers"},
		{"port too high", func(c *Config) { c.Server.Port = 70000 }, "server port"},
		{"zero shutdown", func(c *Config) { c.Server.ShutdownTimeout = 0 }, "shutdown timeout"},
		{"unknown hash", func(c *Config) { c.Hashing.Algorithm = "md5" }, "hashing.algorithm"},
		{"unknown log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"relative backend url", func(c *Config) { c.Backend.URL = "/api" }, "backend.url"},
		{"unknown telemetry protocol", func(c *Config) { c.Telemetry.Protocol = "zipkin" }, "telemetry.protocol"},
		{"sample rate above one", func(c *Config) { c.Telemetry.SampleRate = 1.5 }, "telemetry.sample_rate"},
		{"absolute backend url", func(c *Config) { c.Backend.URL = "https://analysis.example.com" }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_BackendHost(t *testing.T) {
	cfg := Default()
	assert.Empty(t, cfg.BackendHost())

	cfg.Backend.URL = "https://analysis.example.com:8443/api"
	assert.Equal(t, "analysis.example.com", cfg.BackendHost())

	cfg.Recovery.BackendHost = "override.example.com"
	assert.Equal(t, "override.example.com", cfg.BackendHost())
}

func TestSecret_Redaction(t *testing.T) {
	s := Secret("tok_123")

	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", s))
	assert.Equal(t, "config.Secret([REDACTED])", fmt.Sprintf("%#v", s))
	assert.Equal(t, "tok_123", s.Value())
	assert.Equal(t, "Bearer tok_123", s.Header())
	assert.True(t, s.IsSet())

	data, err := json.Marshal(struct{ Token Secret }{s})
	require.NoError(t, err)
	assert.JSONEq(t, `{"Token":"[REDACTED]"}`, string(data))

	var empty Secret
	assert.Empty(t, empty.Header())
	assert.False(t, empty.IsSet())
}

func TestDuration_UnmarshalText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	require.NoError(t, d.UnmarshalText([]byte("45")))
	assert.Equal(t, 45*time.Second, d.Duration())

	assert.Error(t, d.UnmarshalText([]byte("-1s")))
	assert.Error(t, d.UnmarshalText([]byte("-3")))
	assert.Error(t, d.UnmarshalText([]byte("soon")))
}
