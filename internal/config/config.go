package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	Service   ServiceConfig   `mapstructure:"service" yaml:"service"`
	NATS      NATSConfig      `mapstructure:"nats" yaml:"nats"`
	Upstream  UpstreamConfig  `mapstructure:"upstream" yaml:"upstream"`
	Cache     CacheConfig     `mapstructure:"cache" yaml:"cache"`
	Redis     RedisConfig     `mapstructure:"redis" yaml:"redis"`
	WebSocket WebSocketConfig `mapstructure:"websocket" yaml:"websocket"`
	CORS      CORSConfig      `mapstructure:"cors" yaml:"cors"`
	Images    ImagesConfig    `mapstructure:"images" yaml:"images"`
	Auth      AuthConfig      `mapstructure:"auth" yaml:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
}

// ServiceConfig holds service-level configuration
type ServiceConfig struct {
	Name            string `mapstructure:"name" yaml:"name"`
	Version         string `mapstructure:"version" yaml:"version"`
	Port            int    `mapstructure:"port" yaml:"port"`
	NodeID          string `mapstructure:"node_id" yaml:"node_id"`
	ShutdownTimeout string `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// NATSConfig holds NATS configuration
type NATSConfig struct {
	Embedded           bool   `mapstructure:"embedded" yaml:"embedded"`
	ServerURL          string `mapstructure:"server_url" yaml:"server_url"`
	DataDir            string `mapstructure:"data_dir" yaml:"data_dir"`
	JetStreamMaxMemory int64  `mapstructure:"jetstream_max_memory" yaml:"jetstream_max_memory"`
	JetStreamMaxStore  int64  `mapstructure:"jetstream_max_store" yaml:"jetstream_max_store"`
	KVBucket           string `mapstructure:"kv_bucket" yaml:"kv_bucket"`
	StartTimeout       string `mapstructure:"start_timeout" yaml:"start_timeout"`
}

// UpstreamConfig holds settings for the gateway event source
type UpstreamConfig struct {
	SubjectPrefix  string `mapstructure:"subject_prefix" yaml:"subject_prefix"`
	EventBuffer    int    `mapstructure:"event_buffer" yaml:"event_buffer"`
	RequestTimeout string `mapstructure:"request_timeout" yaml:"request_timeout"`
	FetchTimeout   string `mapstructure:"fetch_timeout" yaml:"fetch_timeout"` // budget of a cache-miss fetch
}

// CacheConfig holds cache configuration
type CacheConfig struct {
	Backend       string `mapstructure:"backend" yaml:"backend"` // memory, ristretto, redis or nats
	TTL           string `mapstructure:"ttl" yaml:"ttl"`
	SweepInterval string `mapstructure:"sweep_interval" yaml:"sweep_interval"` // defaults to TTL
	OpTimeout     string `mapstructure:"op_timeout" yaml:"op_timeout"`         // per durable backend call
	MaxCost       int64  `mapstructure:"max_cost" yaml:"max_cost"`             // Ristretto: Maximum memory cost in bytes
	NumCounters   int64  `mapstructure:"num_counters" yaml:"num_counters"`     // Ristretto: Number of counters for TinyLFU
	BufferItems   int64  `mapstructure:"buffer_items" yaml:"buffer_items"`     // Ristretto: Buffer size for async operations
	Metrics       bool   `mapstructure:"metrics" yaml:"metrics"`               // Ristretto: Enable cache metrics
}

// RedisConfig holds redis backend configuration
type RedisConfig struct {
	URL          string `mapstructure:"url" yaml:"url"`
	MaxRetries   int    `mapstructure:"max_retries" yaml:"max_retries"`
	DialTimeout  string `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout" yaml:"write_timeout"`
}

// WebSocketConfig holds subscriber connection limits
type WebSocketConfig struct {
	SendBuffer       int    `mapstructure:"send_buffer" yaml:"send_buffer"`
	MaxSubscriptions int    `mapstructure:"max_subscriptions" yaml:"max_subscriptions"`
	MaxMessageSize   int64  `mapstructure:"max_message_size" yaml:"max_message_size"`
	WriteWait        string `mapstructure:"write_wait" yaml:"write_wait"`
	PongWait         string `mapstructure:"pong_wait" yaml:"pong_wait"`
	PingPeriod       string `mapstructure:"ping_period" yaml:"ping_period"`
}

// CORSConfig holds CORS settings
type CORSConfig struct {
	Enabled          bool   `mapstructure:"enabled" yaml:"enabled"`
	AllowedOrigins   string `mapstructure:"allowed_origins" yaml:"allowed_origins"` // comma separated
	AllowedMethods   string `mapstructure:"allowed_methods" yaml:"allowed_methods"`
	AllowedHeaders   string `mapstructure:"allowed_headers" yaml:"allowed_headers"`
	AllowCredentials bool   `mapstructure:"allow_credentials" yaml:"allow_credentials"`
	MaxAge           int    `mapstructure:"max_age" yaml:"max_age"`
}

// ImagesConfig holds the bases image references are resolved against
type ImagesConfig struct {
	CDNBase          string `mapstructure:"cdn_base" yaml:"cdn_base"`
	MediaProxyBase   string `mapstructure:"media_proxy_base" yaml:"media_proxy_base"`
	SpotifyImageBase string `mapstructure:"spotify_image_base" yaml:"spotify_image_base"`
}

// AuthConfig holds authentication configuration for admin routes
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	JWTIssuer string `mapstructure:"jwt_issuer" yaml:"jwt_issuer"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"` // json or console
	File       string `mapstructure:"file" yaml:"file"`     // empty logs to stderr only
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// setting binds a config key to its environment variable and default
type setting struct {
	key string
	env string
	def any
}

var settings = []setting{
	{"service.name", "SERVICE_NAME", "presence-service"},
	{"service.version", "SERVICE_VERSION", "v1"},
	{"service.port", "SERVICE_PORT", 8080},
	{"service.node_id", "NODE_ID", "node-1"},
	{"service.shutdown_timeout", "SHUTDOWN_TIMEOUT", "15s"},

	{"nats.embedded", "NATS_EMBEDDED", true},
	{"nats.server_url", "NATS_SERVER_URL", ""},
	{"nats.data_dir", "NATS_DATA_DIR", "./nats-data"},
	{"nats.jetstream_max_memory", "NATS_JETSTREAM_MAX_MEMORY", int64(64 * 1024 * 1024)},
	{"nats.jetstream_max_store", "NATS_JETSTREAM_MAX_STORE", int64(1024 * 1024 * 1024)},
	{"nats.kv_bucket", "NATS_KV_BUCKET", "presence"},
	{"nats.start_timeout", "NATS_START_TIMEOUT", "30s"},

	{"upstream.subject_prefix", "UPSTREAM_SUBJECT_PREFIX", "gateway"},
	{"upstream.event_buffer", "UPSTREAM_EVENT_BUFFER", 1024},
	{"upstream.request_timeout", "UPSTREAM_REQUEST_TIMEOUT", "5s"},
	{"upstream.fetch_timeout", "UPSTREAM_FETCH_TIMEOUT", "10s"},

	{"cache.backend", "CACHE_BACKEND", "memory"},
	{"cache.ttl", "CACHE_TTL", "300s"},
	{"cache.sweep_interval", "CACHE_SWEEP_INTERVAL", ""},
	{"cache.op_timeout", "CACHE_OP_TIMEOUT", "500ms"},
	{"cache.max_cost", "CACHE_MAX_COST", int64(64 * 1024 * 1024)},
	{"cache.num_counters", "CACHE_NUM_COUNTERS", int64(1000000)},
	{"cache.buffer_items", "CACHE_BUFFER_ITEMS", int64(64)},
	{"cache.metrics", "CACHE_METRICS", true},

	{"redis.url", "REDIS_URL", "redis://localhost:6379/0"},
	{"redis.max_retries", "REDIS_MAX_RETRIES", 1},
	{"redis.dial_timeout", "REDIS_DIAL_TIMEOUT", "2s"},
	{"redis.read_timeout", "REDIS_READ_TIMEOUT", "500ms"},
	{"redis.write_timeout", "REDIS_WRITE_TIMEOUT", "500ms"},

	{"websocket.send_buffer", "WS_SEND_BUFFER", 256},
	{"websocket.max_subscriptions", "WS_MAX_SUBSCRIPTIONS", 100},
	{"websocket.max_message_size", "WS_MAX_MESSAGE_SIZE", int64(64 * 1024)},
	{"websocket.write_wait", "WS_WRITE_WAIT", "10s"},
	{"websocket.pong_wait", "WS_PONG_WAIT", "60s"},
	{"websocket.ping_period", "WS_PING_PERIOD", "30s"},

	{"cors.enabled", "CORS_ENABLED", true},
	{"cors.allowed_origins", "CORS_ALLOWED_ORIGINS", "*"},
	{"cors.allowed_methods", "CORS_ALLOWED_METHODS", "GET,POST,PUT,DELETE,OPTIONS"},
	{"cors.allowed_headers", "CORS_ALLOWED_HEADERS", "Authorization,Content-Type"},
	{"cors.allow_credentials", "CORS_ALLOW_CREDENTIALS", false},
	{"cors.max_age", "CORS_MAX_AGE", 600},

	{"images.cdn_base", "CDN_BASE_URL", "https://cdn.discordapp.com"},
	{"images.media_proxy_base", "MEDIA_PROXY_BASE_URL", "https://media.discordapp.net"},
	{"images.spotify_image_base", "SPOTIFY_IMAGE_BASE_URL", "https://i.scdn.co/image"},

	{"auth.jwt_secret", "JWT_SECRET", ""},
	{"auth.jwt_issuer", "JWT_ISSUER", "presence-service"},

	{"logging.level", "LOG_LEVEL", "info"},
	{"logging.format", "LOG_FORMAT", "json"},
	{"logging.file", "LOG_FILE", ""},
	{"logging.max_size_mb", "LOG_MAX_SIZE_MB", 100},
	{"logging.max_backups", "LOG_MAX_BACKUPS", 5},
	{"logging.max_age_days", "LOG_MAX_AGE_DAYS", 30},
	{"logging.compress", "LOG_COMPRESS", true},
}

// NewViper returns a viper instance with every default and environment
// binding registered. Callers may bind flags to it before calling FromViper.
func NewViper() *viper.Viper {
	v := viper.New()
	for _, s := range settings {
		v.SetDefault(s.key, s.def)
		_ = v.BindEnv(s.key, s.env)
	}
	_ = v.BindEnv("config_file", "CONFIG_FILE")
	return v
}

// Load loads configuration from environment variables with defaults
func Load() (*Config, error) {
	return FromViper(NewViper())
}

// FromViper reads the optional config file named by config_file and decodes
// the merged settings. Environment variables win over the file.
func FromViper(v *viper.Viper) (*Config, error) {
	if file := v.GetString("config_file"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", file, err)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks values that would otherwise fail late at startup
func (c *Config) Validate() error {
	switch c.Cache.Backend {
	case "memory", "ristretto", "redis", "nats":
	default:
		return fmt.Errorf("invalid cache backend %q (want memory, ristretto, redis or nats)", c.Cache.Backend)
	}
	if ttl, err := c.Cache.GetCacheTTL(); err != nil || ttl <= 0 {
		return fmt.Errorf("invalid cache ttl %q", c.Cache.TTL)
	}
	if _, err := c.Upstream.GetFetchTimeout(); err != nil {
		return fmt.Errorf("invalid upstream fetch timeout: %w", err)
	}
	if _, err := c.Upstream.GetRequestTimeout(); err != nil {
		return fmt.Errorf("invalid upstream request timeout: %w", err)
	}
	if c.Service.Port <= 0 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid service port %d", c.Service.Port)
	}
	return nil
}

// GetCacheTTL returns cache TTL as duration
func (c *CacheConfig) GetCacheTTL() (time.Duration, error) {
	return time.ParseDuration(c.TTL)
}

// GetSweepInterval returns the fallback sweep interval, the TTL when unset
func (c *CacheConfig) GetSweepInterval() (time.Duration, error) {
	if c.SweepInterval == "" {
		return c.GetCacheTTL()
	}
	return time.ParseDuration(c.SweepInterval)
}

// GetOpTimeout returns the per-call budget of the durable backend
func (c *CacheConfig) GetOpTimeout() (time.Duration, error) {
	return parseOptional(c.OpTimeout)
}

// GetFetchTimeout returns the budget of one on-demand upstream fetch
func (c *UpstreamConfig) GetFetchTimeout() (time.Duration, error) {
	return parseOptional(c.FetchTimeout)
}

// GetRequestTimeout returns the NATS request/reply timeout
func (c *UpstreamConfig) GetRequestTimeout() (time.Duration, error) {
	return parseOptional(c.RequestTimeout)
}

// GetStartTimeout returns how long to wait for the embedded server
func (c *NATSConfig) GetStartTimeout() (time.Duration, error) {
	return parseOptional(c.StartTimeout)
}

// GetShutdownTimeout returns the graceful shutdown budget
func (c *ServiceConfig) GetShutdownTimeout() (time.Duration, error) {
	return parseOptional(c.ShutdownTimeout)
}

// Durations returns the redis timeouts; unparsable values become zero
func (c *RedisConfig) Durations() (dial, read, write time.Duration) {
	dial, _ = parseOptional(c.DialTimeout)
	read, _ = parseOptional(c.ReadTimeout)
	write, _ = parseOptional(c.WriteTimeout)
	return
}

// Durations returns the websocket timeouts; unparsable values become zero
func (c *WebSocketConfig) Durations() (writeWait, pongWait, pingPeriod time.Duration) {
	writeWait, _ = parseOptional(c.WriteWait)
	pongWait, _ = parseOptional(c.PongWait)
	pingPeriod, _ = parseOptional(c.PingPeriod)
	return
}

// Origins returns the allowed origins as a list
func (c *CORSConfig) Origins() []string { return SplitList(c.AllowedOrigins) }

// Methods returns the allowed methods as a list
func (c *CORSConfig) Methods() []string { return SplitList(c.AllowedMethods) }

// Headers returns the allowed headers as a list
func (c *CORSConfig) Headers() []string { return SplitList(c.AllowedHeaders) }

// SplitList splits a comma separated value, dropping blanks
func SplitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseOptional(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
