package config

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents gateway configuration
type Config struct {
	// Discord credentials and identify parameters
	Discord DiscordConfig `yaml:"discord"`

	// Gateway session configuration
	Gateway GatewayConfig `yaml:"gateway"`

	// REST client configuration
	Rest RestConfig `yaml:"rest"`

	// Event sink configuration
	Sink SinkConfig `yaml:"sink"`

	// Redis configuration (event publishing)
	Redis RedisConfig `yaml:"redis"`

	// Metrics listener configuration
	Metrics MetricsConfig `yaml:"metrics"`

	// Tracing configuration
	Tracing TracingConfig `yaml:"tracing"`

	// Log level: debug, info, warn, error
	LogLevel string `yaml:"log_level"`

	// Graceful shutdown timeout
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`
}

// DiscordConfig represents bot credentials and identify parameters
type DiscordConfig struct {
	// Bot token. The DISCORD_TOKEN environment variable overrides the
	// file value so tokens stay out of checked-in configs.
	Token string `yaml:"token"`

	// Gateway intents bitmask sent in Identify
	Intents uint64 `yaml:"intents"`

	// Identify connection properties
	OS      string `yaml:"os"`
	Browser string `yaml:"browser"`
	Device  string `yaml:"device"`

	// Optional sharding. ShardCount 0 omits the shard field from Identify.
	ShardID    int `yaml:"shard_id"`
	ShardCount int `yaml:"shard_count"`
}

// GatewayConfig represents gateway session configuration
type GatewayConfig struct {
	// Negotiate zlib-stream transport compression
	Compress bool `yaml:"compress"`

	// Outbound command queue depth. Send fails with Backpressure when full.
	CommandQueueSize int `yaml:"command_queue_size"`

	// Consecutive failed connection attempts before the container
	// stops reconnecting and reports Failed
	MaxReconnects int `yaml:"max_reconnects"`

	// Reconnect backoff: base delay, doubled per consecutive failure up to cap
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffCap  time.Duration `yaml:"backoff_cap"`

	// Dial and websocket handshake budget per connection attempt
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// Maximum inbound frame size (GUILD_CREATE payloads run large)
	MaxMessageSize int64 `yaml:"max_message_size"`

	// Gateway send pacing: at most SendLimit commands per SendWindow
	SendLimit  int           `yaml:"send_limit"`
	SendWindow time.Duration `yaml:"send_window"`
}

// RestConfig represents REST client configuration
type RestConfig struct {
	// API base URL including version
	BaseURL string `yaml:"base_url"`

	// Per-request timeout
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// Global rate limit in requests per second
	GlobalRate int `yaml:"global_rate"`

	// Circuit breaker: consecutive failures before opening, and how long
	// the breaker stays open before probing again
	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerCooldown  time.Duration `yaml:"breaker_cooldown"`
}

// SinkConfig represents event delivery configuration
type SinkConfig struct {
	// In-process event channel depth
	BufferSize int `yaml:"buffer_size"`

	// Dispatch worker pool size and hand-off queue depth
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`

	// Publish dispatch events to Redis pub/sub
	RedisEnabled bool `yaml:"redis_enabled"`
}

// RedisConfig represents Redis configuration
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	// Channel prefix for published events
	KeyPrefix string `yaml:"key_prefix"`

	// Connection pool configuration
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// MetricsConfig represents the operational listener configuration
type MetricsConfig struct {
	// Listen address for /metrics and /healthz
	ListenAddr string `yaml:"listen_addr"`
}

// TracingConfig represents tracing configuration
type TracingConfig struct {
	// OTLP gRPC collector endpoint. Empty disables tracing.
	Endpoint string `yaml:"endpoint"`
}

// Load loads configuration from file. An empty path skips the file and
// builds the configuration from defaults plus environment overrides,
// which is enough to run a bot from DISCORD_TOKEN alone.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Environment overrides
	if token := os.Getenv("DISCORD_TOKEN"); token != "" {
		cfg.Discord.Token = token
	}

	// Set default values
	setDefaults(&cfg)

	// Validate configuration
	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// validateConfig validates the configuration
func validateConfig(cfg *Config) error {
	if cfg.Discord.Token == "" {
		return fmt.Errorf("discord.token is required (or set DISCORD_TOKEN)")
	}
	if cfg.Discord.ShardCount < 0 || cfg.Discord.ShardID < 0 {
		return fmt.Errorf("discord.shard_id and discord.shard_count must not be negative")
	}
	if cfg.Discord.ShardCount > 0 && cfg.Discord.ShardID >= cfg.Discord.ShardCount {
		return fmt.Errorf("discord.shard_id must be less than discord.shard_count")
	}

	if cfg.Gateway.CommandQueueSize <= 0 {
		return fmt.Errorf("gateway.command_queue_size must be greater than 0")
	}
	if cfg.Gateway.MaxReconnects <= 0 {
		return fmt.Errorf("gateway.max_reconnects must be greater than 0")
	}
	if cfg.Gateway.BackoffBase <= 0 {
		return fmt.Errorf("gateway.backoff_base must be greater than 0")
	}
	if cfg.Gateway.BackoffCap < cfg.Gateway.BackoffBase {
		return fmt.Errorf("gateway.backoff_cap must not be less than gateway.backoff_base")
	}
	if cfg.Gateway.SendLimit <= 0 || cfg.Gateway.SendWindow <= 0 {
		return fmt.Errorf("gateway.send_limit and gateway.send_window must be greater than 0")
	}

	if cfg.Rest.BaseURL == "" {
		return fmt.Errorf("rest.base_url is required")
	}
	if cfg.Rest.RequestTimeout <= 0 {
		return fmt.Errorf("rest.request_timeout must be greater than 0")
	}
	if cfg.Rest.GlobalRate <= 0 {
		return fmt.Errorf("rest.global_rate must be greater than 0")
	}

	if cfg.Sink.BufferSize <= 0 || cfg.Sink.QueueSize <= 0 {
		return fmt.Errorf("sink.buffer_size and sink.queue_size must be greater than 0")
	}
	if cfg.Sink.Workers <= 0 {
		return fmt.Errorf("sink.workers must be greater than 0")
	}

	if cfg.Sink.RedisEnabled {
		if cfg.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required when sink.redis_enabled is set")
		}
		if cfg.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be greater than 0")
		}
	}

	if cfg.GracefulShutdownTimeout <= 0 {
		return fmt.Errorf("graceful_shutdown_timeout must be greater than 0")
	}

	return nil
}

// setDefaults sets default values for configuration
func setDefaults(cfg *Config) {
	if cfg.Discord.Intents == 0 {
		// Guilds, guild messages, direct messages
		cfg.Discord.Intents = 1<<0 | 1<<9 | 1<<12
	}
	if cfg.Discord.OS == "" {
		cfg.Discord.OS = runtime.GOOS
	}
	if cfg.Discord.Browser == "" {
		cfg.Discord.Browser = "discord-gateway"
	}
	if cfg.Discord.Device == "" {
		cfg.Discord.Device = "discord-gateway"
	}

	if cfg.Gateway.CommandQueueSize == 0 {
		cfg.Gateway.CommandQueueSize = 64
	}
	if cfg.Gateway.MaxReconnects == 0 {
		cfg.Gateway.MaxReconnects = 5
	}
	if cfg.Gateway.BackoffBase == 0 {
		cfg.Gateway.BackoffBase = 1 * time.Second
	}
	if cfg.Gateway.BackoffCap == 0 {
		cfg.Gateway.BackoffCap = 60 * time.Second
	}
	if cfg.Gateway.DialTimeout == 0 {
		cfg.Gateway.DialTimeout = 10 * time.Second
	}
	if cfg.Gateway.MaxMessageSize == 0 {
		cfg.Gateway.MaxMessageSize = 8 * 1024 * 1024
	}
	if cfg.Gateway.SendLimit == 0 {
		cfg.Gateway.SendLimit = 120
	}
	if cfg.Gateway.SendWindow == 0 {
		cfg.Gateway.SendWindow = 60 * time.Second
	}

	if cfg.Rest.BaseURL == "" {
		cfg.Rest.BaseURL = "https://discord.com/api/v10"
	}
	if cfg.Rest.RequestTimeout == 0 {
		cfg.Rest.RequestTimeout = 15 * time.Second
	}
	if cfg.Rest.GlobalRate == 0 {
		cfg.Rest.GlobalRate = 50
	}
	if cfg.Rest.BreakerThreshold == 0 {
		cfg.Rest.BreakerThreshold = 5
	}
	if cfg.Rest.BreakerCooldown == 0 {
		cfg.Rest.BreakerCooldown = 30 * time.Second
	}

	if cfg.Sink.BufferSize == 0 {
		cfg.Sink.BufferSize = 256
	}
	if cfg.Sink.Workers == 0 {
		cfg.Sink.Workers = 4
	}
	if cfg.Sink.QueueSize == 0 {
		cfg.Sink.QueueSize = 256
	}

	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = "discord-gateway:"
	}
	if cfg.Redis.PoolSize == 0 {
		cfg.Redis.PoolSize = 10
	}
	if cfg.Redis.MinIdleConns == 0 {
		cfg.Redis.MinIdleConns = 5
	}
	if cfg.Redis.DialTimeout == 0 {
		cfg.Redis.DialTimeout = 5 * time.Second
	}
	if cfg.Redis.ReadTimeout == 0 {
		cfg.Redis.ReadTimeout = 3 * time.Second
	}
	if cfg.Redis.WriteTimeout == 0 {
		cfg.Redis.WriteTimeout = 3 * time.Second
	}

	if cfg.Metrics.ListenAddr == "" {
		cfg.Metrics.ListenAddr = ":9100"
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	if cfg.GracefulShutdownTimeout == 0 {
		cfg.GracefulShutdownTimeout = 30 * time.Second
	}
}
