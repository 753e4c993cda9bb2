package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	// Signal configures the rendezvous websocket endpoint.
	Signal struct {
		Path         string        `yaml:"path"`
		PingInterval time.Duration `yaml:"ping_interval"`
		PongTimeout  time.Duration `yaml:"pong_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
		LeaseTTL     time.Duration `yaml:"lease_ttl"`
	} `yaml:"signal"`

	// Rendezvous is the client side view of the signal server.
	Rendezvous struct {
		URL          string        `yaml:"url"`
		Token        string        `yaml:"token"`
		DialAttempts int           `yaml:"dial_attempts"`
		DialTimeout  time.Duration `yaml:"dial_timeout"`
	} `yaml:"rendezvous"`

	WebRTC struct {
		ICEServers []ICEServer `yaml:"ice_servers"`
		PortRange  struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
		ForceRelay bool `yaml:"force_relay"`
	} `yaml:"webrtc"`

	Session struct {
		JoinTimeout    time.Duration `yaml:"join_timeout"`
		ChunkSize      int           `yaml:"chunk_size"`
		MaxFileSize    int64         `yaml:"max_file_size"`
		MaxLogMessages int           `yaml:"max_log_messages"`
	} `yaml:"session"`

	Discovery struct {
		SlotCount    int           `yaml:"slot_count"`
		Window       time.Duration `yaml:"window"`
		CloseAfter   time.Duration `yaml:"close_after"`
		StaleAfter   time.Duration `yaml:"stale_after"`
		ResponderOff bool          `yaml:"responder_disabled"`
	} `yaml:"discovery"`

	Storage struct {
		Backend string `yaml:"backend"` // file, redis or memory
		Path    string `yaml:"path"`
		// BackupDir holds settings snapshots; empty means "backups" next
		// to Path.
		BackupDir string `yaml:"backup_dir"`
	} `yaml:"storage"`

	Monitoring struct {
		PrometheusEnabled bool   `yaml:"prometheus_enabled"`
		MetricsAddress    string `yaml:"metrics_address"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		ServiceName string  `yaml:"service_name"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	Auth struct {
		Required       bool          `yaml:"required"`
		JWTSecret      string        `yaml:"jwt_secret"`
		TokenTTL       time.Duration `yaml:"token_ttl"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"` // global concurrent HTTP requests
		} `yaml:"http"`

		WebSocket struct {
			MessagesPerSecond   float64 `yaml:"messages_per_second"`
			Burst               int     `yaml:"burst"`
			MaxConcurrent       int     `yaml:"max_concurrent_connections"`
			MaxMessageSizeBytes int64   `yaml:"max_message_size_bytes"`
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
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	// Signal
	if c.Signal.Path == "" {
		return fmt.Errorf("signal.path must not be empty")
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be > signal.ping_interval")
	}
	if c.Signal.LeaseTTL <= 0 {
		return fmt.Errorf("signal.lease_ttl must be > 0")
	}

	// Rendezvous client
	if c.Rendezvous.URL == "" {
		return fmt.Errorf("rendezvous.url must not be empty")
	}
	if c.Rendezvous.DialAttempts < 0 {
		return fmt.Errorf("rendezvous.dial_attempts must be >= 0")
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

	// Session
	if c.Session.JoinTimeout <= 0 {
		return fmt.Errorf("session.join_timeout must be > 0")
	}
	if c.Session.ChunkSize <= 0 {
		return fmt.Errorf("session.chunk_size must be > 0")
	}
	if c.Session.MaxFileSize < 0 {
		return fmt.Errorf("session.max_file_size must be >= 0")
	}

	// Discovery
	if c.Discovery.SlotCount <= 0 {
		return fmt.Errorf("discovery.slot_count must be > 0")
	}
	if c.Discovery.Window <= 0 {
		return fmt.Errorf("discovery.window must be > 0")
	}
	if c.Discovery.CloseAfter <= 0 {
		return fmt.Errorf("discovery.close_after must be > 0")
	}
	if c.Discovery.StaleAfter <= 0 {
		return fmt.Errorf("discovery.stale_after must be > 0")
	}

	// Storage
	switch c.Storage.Backend {
	case "memory", "redis":
	case "file":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path must not be empty when storage.backend=file")
		}
	default:
		return fmt.Errorf("storage.backend must be one of file, redis, memory")
	}
	if c.Storage.Backend == "redis" && !c.Redis.Enabled {
		return fmt.Errorf("storage.backend=redis requires redis.enabled=true")
	}

	// Monitoring
	if c.Monitoring.PrometheusEnabled && c.Monitoring.MetricsAddress == "" {
		return fmt.Errorf("monitoring.metrics_address must not be empty when prometheus_enabled=true")
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
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

	// Auth
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty")
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be > 0")
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
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_concurrent_connections must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0 when rate limiting is enabled")
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

	cfg.Server.Address = ":9000"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 15 * time.Second

	cfg.Signal.Path = "/peerjs"
	cfg.Signal.PingInterval = 20 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.LeaseTTL = 2 * time.Minute

	cfg.Rendezvous.URL = "ws://localhost:9000/peerjs"
	cfg.Rendezvous.DialAttempts = 3
	cfg.Rendezvous.DialTimeout = 10 * time.Second

	cfg.Session.JoinTimeout = 10 * time.Second
	cfg.Session.ChunkSize = 16 * 1024
	cfg.Session.MaxFileSize = 64 * 1024 * 1024
	cfg.Session.MaxLogMessages = 0

	cfg.Discovery.SlotCount = 10
	cfg.Discovery.Window = 3 * time.Second
	cfg.Discovery.CloseAfter = time.Second
	cfg.Discovery.StaleAfter = 60 * time.Second

	cfg.Storage.Backend = "file"
	cfg.Storage.Path = defaultSettingsPath()

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.MetricsAddress = ":9090"

	cfg.Tracing.Enabled = false
	cfg.Tracing.ServiceName = "sharechannel"
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10

	cfg.Auth.Required = false
	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.TokenTTL = 24 * time.Hour
	cfg.Auth.AllowedOrigins = []string{"*"}

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 100
	cfg.RateLimiting.WebSocket.Burst = 200
	cfg.RateLimiting.WebSocket.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 256 * 1024

	return cfg
}

// BackupPath returns the directory for settings snapshots.
func (c *Config) BackupPath() string {
	if c.Storage.BackupDir != "" {
		return c.Storage.BackupDir
	}
	if c.Storage.Path == "" {
		return "backups"
	}
	return filepath.Join(filepath.Dir(c.Storage.Path), "backups")
}

func defaultSettingsPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "sharechannel-settings.json"
	}
	return dir + string(os.PathSeparator) + "sharechannel" + string(os.PathSeparator) + "settings.json"
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("SHARECHANNEL_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if url := os.Getenv("SHARECHANNEL_RENDEZVOUS_URL"); url != "" {
		c.Rendezvous.URL = url
	}
	if token := os.Getenv("SHARECHANNEL_RENDEZVOUS_TOKEN"); token != "" {
		c.Rendezvous.Token = token
	}
	if level := os.Getenv("SHARECHANNEL_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("SHARECHANNEL_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if addr := os.Getenv("SHARECHANNEL_REDIS_ADDRESS"); addr != "" {
		c.Redis.Enabled = true
		c.Redis.Address = addr
	}
	if backend := os.Getenv("SHARECHANNEL_STORAGE_BACKEND"); backend != "" {
		c.Storage.Backend = backend
	}
	if v := os.Getenv("SHARECHANNEL_JOIN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Session.JoinTimeout = d
		}
	}
	if v := os.Getenv("SHARECHANNEL_FORCE_RELAY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.WebRTC.ForceRelay = b
		}
	}
}
