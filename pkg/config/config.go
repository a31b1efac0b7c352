package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	WebRTC struct {
		ICEServers []struct {
			URLs       []string `yaml:"urls"`
			Username   string   `yaml:"username,omitempty"`
			Credential string   `yaml:"credential,omitempty"`
		} `yaml:"ice_servers"`
		PortRange struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
		GatherTimeout time.Duration `yaml:"gather_timeout"`
	} `yaml:"webrtc"`

	Session struct {
		MaxSessions    int           `yaml:"max_sessions"`
		MaxAttempts    int           `yaml:"max_attempts"`
		InitialBackoff time.Duration `yaml:"initial_backoff"`
		MaxBackoff     time.Duration `yaml:"max_backoff"`
		BackoffFactor  float64       `yaml:"backoff_factor"`
		ConnectTimeout time.Duration `yaml:"connect_timeout"`
		ReleaseTimeout time.Duration `yaml:"release_timeout"`
		StopGrace      time.Duration `yaml:"stop_grace"`
		SweepInterval  time.Duration `yaml:"sweep_interval"`
		RetainTerminal time.Duration `yaml:"retain_terminal"`
		// BudgetFactor multiplies the frame interval to get the processing budget.
		BudgetFactor float64 `yaml:"budget_factor"`
		JPEGQuality  int     `yaml:"jpeg_quality"`
	} `yaml:"session"`

	Capture struct {
		Width          int           `yaml:"width"`
		Height         int           `yaml:"height"`
		FrameRate      float64       `yaml:"frame_rate"`
		RTSPLatency    time.Duration `yaml:"rtsp_latency"`
		ProbeTimeout   time.Duration `yaml:"probe_timeout"`
		EncoderBitrate int           `yaml:"encoder_bitrate_kbps"`
		KeyInterval    int           `yaml:"key_interval"`
	} `yaml:"capture"`

	Processing struct {
		Detector struct {
			Enabled  bool          `yaml:"enabled"`
			Command  []string      `yaml:"command"`
			Timeout  time.Duration `yaml:"timeout"`
			MinScore float64       `yaml:"min_score"`
		} `yaml:"detector"`
		Enhance struct {
			Enabled bool    `yaml:"enabled"`
			Width   int     `yaml:"width"`
			Height  int     `yaml:"height"`
			Amount  float64 `yaml:"amount"`
		} `yaml:"enhance"`
	} `yaml:"processing"`

	Storage struct {
		// Backend is one of memory, redis or postgres.
		Backend string `yaml:"backend"`
	} `yaml:"storage"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	Postgres struct {
		DSN             string        `yaml:"dsn"`
		MaxConnections  int32         `yaml:"max_connections"`
		MinConnections  int32         `yaml:"min_connections"`
		MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
		MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
		ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	} `yaml:"postgres"`

	Cluster struct {
		Enabled    bool          `yaml:"enabled"`
		InstanceID string        `yaml:"instance_id"`
		LeaseTTL   time.Duration `yaml:"lease_ttl"`
		EventQueue int           `yaml:"event_queue"`
	} `yaml:"cluster"`

	Resolver struct {
		CacheTTL        time.Duration `yaml:"cache_ttl"`
		MaxAttempts     int           `yaml:"max_attempts"`
		BreakerFailures int           `yaml:"breaker_failures"`
		BreakerTimeout  time.Duration `yaml:"breaker_timeout"`
	} `yaml:"resolver"`

	Backup struct {
		Enabled   bool          `yaml:"enabled"`
		Dir       string        `yaml:"dir"`
		Interval  time.Duration `yaml:"interval"`
		Retention time.Duration `yaml:"retention"`
		Keep      int           `yaml:"keep"`
	} `yaml:"backup"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Auth struct {
		JWTSecret       string        `yaml:"jwt_secret"`
		AccessTokenTTL  time.Duration `yaml:"access_token_ttl"`
		RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl"`
		AllowedOrigins  []string      `yaml:"allowed_origins"`
		AllowRegister   bool          `yaml:"allow_register"`
		// BootstrapUsers are created on start when missing. Hashes come from
		// `camprobe hash-password`.
		BootstrapUsers []struct {
			Username     string `yaml:"username"`
			PasswordHash string `yaml:"password_hash"`
		} `yaml:"bootstrap_users"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"` // global concurrent HTTP requests
		} `yaml:"http"`

		WebSocket struct {
			ConnectionsPerMinute int `yaml:"connections_per_minute"`
			MaxConcurrent        int `yaml:"max_concurrent_connections"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout < 0 {
		return fmt.Errorf("server.write_timeout must be >= 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	// WebRTC
	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}
	if c.WebRTC.GatherTimeout <= 0 {
		return fmt.Errorf("webrtc.gather_timeout must be > 0")
	}

	// Session
	if c.Session.MaxSessions < 0 {
		return fmt.Errorf("session.max_sessions must be >= 0")
	}
	if c.Session.MaxAttempts <= 0 {
		return fmt.Errorf("session.max_attempts must be > 0")
	}
	if c.Session.InitialBackoff <= 0 || c.Session.MaxBackoff < c.Session.InitialBackoff {
		return fmt.Errorf("session.initial_backoff must be > 0 and <= session.max_backoff")
	}
	if c.Session.BackoffFactor < 1 {
		return fmt.Errorf("session.backoff_factor must be >= 1")
	}
	if c.Session.ConnectTimeout <= 0 {
		return fmt.Errorf("session.connect_timeout must be > 0")
	}
	if c.Session.ReleaseTimeout <= 0 {
		return fmt.Errorf("session.release_timeout must be > 0")
	}
	if c.Session.StopGrace <= 0 {
		return fmt.Errorf("session.stop_grace must be > 0")
	}
	if c.Session.SweepInterval <= 0 {
		return fmt.Errorf("session.sweep_interval must be > 0")
	}
	if c.Session.BudgetFactor <= 0 {
		return fmt.Errorf("session.budget_factor must be > 0")
	}
	if c.Session.JPEGQuality < 1 || c.Session.JPEGQuality > 100 {
		return fmt.Errorf("session.jpeg_quality must be between 1 and 100")
	}

	// Capture
	if c.Capture.Width <= 0 || c.Capture.Height <= 0 {
		return fmt.Errorf("capture.width and capture.height must be > 0")
	}
	if c.Capture.FrameRate <= 0 {
		return fmt.Errorf("capture.frame_rate must be > 0")
	}

	// Processing
	if c.Processing.Detector.Enabled && len(c.Processing.Detector.Command) == 0 {
		return fmt.Errorf("processing.detector.command must not be empty when the detector is enabled")
	}
	if c.Processing.Enhance.Enabled && c.Processing.Enhance.Amount < 0 {
		return fmt.Errorf("processing.enhance.amount must be >= 0")
	}

	// Storage
	switch c.Storage.Backend {
	case "memory":
	case "redis":
		if !c.Redis.Enabled {
			return fmt.Errorf("storage.backend=redis requires redis.enabled=true")
		}
	case "postgres":
		if c.Postgres.DSN == "" {
			return fmt.Errorf("postgres.dsn must not be empty when storage.backend=postgres")
		}
	default:
		return fmt.Errorf("storage.backend must be one of memory, redis, postgres")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	// Cluster
	if c.Cluster.Enabled {
		if !c.Redis.Enabled {
			return fmt.Errorf("cluster.enabled requires redis.enabled=true")
		}
		if c.Cluster.LeaseTTL < time.Second {
			return fmt.Errorf("cluster.lease_ttl must be >= 1s")
		}
	}

	// Backup
	if c.Backup.Enabled {
		if c.Backup.Dir == "" {
			return fmt.Errorf("backup.dir must not be empty when backups are enabled")
		}
		if c.Backup.Interval < time.Minute {
			return fmt.Errorf("backup.interval must be >= 1m")
		}
		if c.Backup.Keep < 0 {
			return fmt.Errorf("backup.keep must be >= 0")
		}
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing is enabled")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be between 0 and 1")
		}
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Auth
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty")
	}
	if c.Auth.AccessTokenTTL <= 0 {
		return fmt.Errorf("auth.access_token_ttl must be > 0")
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		return fmt.Errorf("auth.refresh_token_ttl must be > 0")
	}
	for i, u := range c.Auth.BootstrapUsers {
		if u.Username == "" || u.PasswordHash == "" {
			return fmt.Errorf("auth.bootstrap_users[%d] needs username and password_hash", i)
		}
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.ConnectionsPerMinute <= 0 {
			return fmt.Errorf("rate_limiting.websocket.connections_per_minute must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_concurrent_connections must be >= 0 when rate limiting is enabled")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	// streaming responses are long lived
	cfg.Server.WriteTimeout = 0
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.WebRTC.ICEServers = append(cfg.WebRTC.ICEServers, struct {
		URLs       []string `yaml:"urls"`
		Username   string   `yaml:"username,omitempty"`
		Credential string   `yaml:"credential,omitempty"`
	}{URLs: []string{"stun:stun.l.google.com:19302"}})
	cfg.WebRTC.GatherTimeout = 5 * time.Second

	cfg.Session.MaxSessions = 32
	cfg.Session.MaxAttempts = 10
	cfg.Session.InitialBackoff = 500 * time.Millisecond
	cfg.Session.MaxBackoff = 10 * time.Second
	cfg.Session.BackoffFactor = 2.0
	cfg.Session.ConnectTimeout = 10 * time.Second
	cfg.Session.ReleaseTimeout = 3 * time.Second
	cfg.Session.StopGrace = 5 * time.Second
	cfg.Session.SweepInterval = 30 * time.Second
	cfg.Session.RetainTerminal = 5 * time.Minute
	cfg.Session.BudgetFactor = 1.5
	cfg.Session.JPEGQuality = 80

	cfg.Capture.Width = 640
	cfg.Capture.Height = 480
	cfg.Capture.FrameRate = 30
	cfg.Capture.RTSPLatency = 200 * time.Millisecond
	cfg.Capture.ProbeTimeout = 5 * time.Second
	cfg.Capture.EncoderBitrate = 1500
	cfg.Capture.KeyInterval = 60

	cfg.Processing.Detector.Timeout = 80 * time.Millisecond
	cfg.Processing.Detector.MinScore = 0.5
	cfg.Processing.Enhance.Amount = 0.5

	cfg.Storage.Backend = "memory"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10

	cfg.Postgres.MaxConnections = 10
	cfg.Postgres.ConnectTimeout = 5 * time.Second

	cfg.Cluster.LeaseTTL = 15 * time.Second
	cfg.Cluster.EventQueue = 256

	cfg.Resolver.CacheTTL = 30 * time.Second
	cfg.Resolver.MaxAttempts = 3
	cfg.Resolver.BreakerFailures = 5
	cfg.Resolver.BreakerTimeout = 30 * time.Second

	cfg.Backup.Dir = "backups"
	cfg.Backup.Interval = 6 * time.Hour
	cfg.Backup.Retention = 7 * 24 * time.Hour
	cfg.Backup.Keep = 3

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.AccessTokenTTL = 15 * time.Minute
	cfg.Auth.RefreshTokenTTL = 7 * 24 * time.Hour // 7 days
	cfg.Auth.AllowedOrigins = []string{"*"}
	cfg.Auth.AllowRegister = true

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 60
	cfg.RateLimiting.WebSocket.MaxConcurrent = 0

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("CAMRELAY_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if level := os.Getenv("CAMRELAY_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("CAMRELAY_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if backend := os.Getenv("CAMRELAY_STORAGE_BACKEND"); backend != "" {
		c.Storage.Backend = strings.ToLower(backend)
	}
	if addr := os.Getenv("CAMRELAY_REDIS_ADDRESS"); addr != "" {
		c.Redis.Enabled = true
		c.Redis.Address = addr
	}
	if dsn := os.Getenv("CAMRELAY_POSTGRES_DSN"); dsn != "" {
		c.Postgres.DSN = dsn
	}
	if id := os.Getenv("CAMRELAY_INSTANCE_ID"); id != "" {
		c.Cluster.InstanceID = id
	}
	if n, err := strconv.Atoi(os.Getenv("CAMRELAY_MAX_SESSIONS")); err == nil && n >= 0 {
		c.Session.MaxSessions = n
	}
}
