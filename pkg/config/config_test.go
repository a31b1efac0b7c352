package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// helper to build a minimal valid config that can be tweaked in tests.
func validBaseConfig() *Config {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 10
	cfg.RateLimiting.HTTP.Burst = 20
	cfg.RateLimiting.HTTP.MaxConcurrent = 5
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 60
	cfg.RateLimiting.WebSocket.MaxConcurrent = 10
	return cfg
}

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10, cfg.Session.MaxAttempts)
	assert.Equal(t, 640, cfg.Capture.Width)
	assert.Equal(t, 480, cfg.Capture.Height)
	assert.Equal(t, 30.0, cfg.Capture.FrameRate)
	assert.Equal(t, "memory", cfg.Storage.Backend)
}

func TestValidate_RateLimitingDisabled_AllowsZeroValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 0
	cfg.RateLimiting.HTTP.Burst = 0
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 0

	assert.NoError(t, cfg.Validate())
}

func TestValidate_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"http rps must be > 0", func(c *Config) { c.RateLimiting.HTTP.RequestsPerSecond = 0 }},
		{"http burst must be > 0", func(c *Config) { c.RateLimiting.HTTP.Burst = 0 }},
		{"http max concurrent must be >= 0", func(c *Config) { c.RateLimiting.HTTP.MaxConcurrent = -1 }},
		{"ws connections per minute must be > 0", func(c *Config) { c.RateLimiting.WebSocket.ConnectionsPerMinute = 0 }},
		{"port range half set", func(c *Config) { c.WebRTC.PortRange.Min = 50000 }},
		{"port range inverted", func(c *Config) {
			c.WebRTC.PortRange.Min = 50010
			c.WebRTC.PortRange.Max = 50000
		}},
		{"max attempts", func(c *Config) { c.Session.MaxAttempts = 0 }},
		{"backoff bounds", func(c *Config) { c.Session.MaxBackoff = c.Session.InitialBackoff / 2 }},
		{"backoff factor", func(c *Config) { c.Session.BackoffFactor = 0.5 }},
		{"jpeg quality", func(c *Config) { c.Session.JPEGQuality = 101 }},
		{"capture size", func(c *Config) { c.Capture.Width = 0 }},
		{"frame rate", func(c *Config) { c.Capture.FrameRate = 0 }},
		{"detector without command", func(c *Config) { c.Processing.Detector.Enabled = true }},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "sqlite" }},
		{"redis backend without redis", func(c *Config) { c.Storage.Backend = "redis" }},
		{"postgres backend without dsn", func(c *Config) { c.Storage.Backend = "postgres" }},
		{"cluster without redis", func(c *Config) { c.Cluster.Enabled = true }},
		{"short lease", func(c *Config) {
			c.Redis.Enabled = true
			c.Cluster.Enabled = true
			c.Cluster.LeaseTTL = 100 * time.Millisecond
		}},
		{"backup without dir", func(c *Config) {
			c.Backup.Enabled = true
			c.Backup.Dir = ""
		}},
		{"backup interval", func(c *Config) {
			c.Backup.Enabled = true
			c.Backup.Interval = time.Second
		}},
		{"sample rate", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.SampleRate = 2
		}},
		{"empty jwt secret", func(c *Config) { c.Auth.JWTSecret = "" }},
		{"bootstrap user without hash", func(c *Config) {
			c.Auth.BootstrapUsers = append(c.Auth.BootstrapUsers, struct {
				Username     string `yaml:"username"`
				PasswordHash string `yaml:"password_hash"`
			}{Username: "admin"})
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validBaseConfig()
			require.NoError(t, cfg.Validate())
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoad_YAMLAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "camrelay.yaml")
	yaml := `
server:
  address: ":9000"
session:
  max_attempts: 4
  jpeg_quality: 60
capture:
  width: 1280
  height: 720
auth:
  bootstrap_users:
    - username: admin
      password_hash: "pbkdf2$sha256$1000$abc$def"
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	t.Setenv("CAMRELAY_LOG_LEVEL", "debug")
	t.Setenv("CAMRELAY_MAX_SESSIONS", "3")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Server.Address)
	assert.Equal(t, 4, cfg.Session.MaxAttempts)
	assert.Equal(t, 60, cfg.Session.JPEGQuality)
	assert.Equal(t, 1280, cfg.Capture.Width)
	// untouched keys keep their defaults
	assert.Equal(t, 30.0, cfg.Capture.FrameRate)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 3, cfg.Session.MaxSessions)
	require.Len(t, cfg.Auth.BootstrapUsers, 1)
	assert.Equal(t, "admin", cfg.Auth.BootstrapUsers[0].Username)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv("CAMRELAY_SERVER_ADDRESS", ":7000")
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Server.Address)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [unclosed"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}
