package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"collabgate/internal/logging"
)

// EnvPrefix prefixes every environment override, e.g. COLLABGATE_HTTP_PORT.
const EnvPrefix = "COLLABGATE"

// Config is the complete gateway configuration. Sections are pointers so a
// missing section is detected by Validate rather than silently zero-valued.
type Config struct {
	HTTP      *HTTPConfig      `mapstructure:"http"`
	WebSocket *WebSocketConfig `mapstructure:"websocket"`
	Auth      *AuthConfig      `mapstructure:"auth"`
	Store     *StoreConfig     `mapstructure:"store"`
	Admission *AdmissionConfig `mapstructure:"admission"`
	Presence  *PresenceConfig  `mapstructure:"presence"`
	Broadcast *BroadcastConfig `mapstructure:"broadcast"`
	Session   *SessionConfig   `mapstructure:"session"`
	Database  *DatabaseConfig  `mapstructure:"database"`
	Broker    *BrokerConfig    `mapstructure:"broker"`
	Logging   *logging.Config  `mapstructure:"logging"`
	Metrics   *MetricsConfig   `mapstructure:"metrics"`
}

type HTTPConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// WebSocketConfig covers the socket endpoint, the registry and per-connection
// throttling. MaxConnections applies to this gateway process.
type WebSocketConfig struct {
	Path              string        `mapstructure:"path"`
	MaxConnections    int           `mapstructure:"max_connections"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
	ConnectionTTL     time.Duration `mapstructure:"connection_ttl"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	SendBuffer        int           `mapstructure:"send_buffer"`
	MaxMessageSize    int64         `mapstructure:"max_message_size"`
	MessagesPerSecond float64       `mapstructure:"messages_per_second"`
	MessageBurst      int           `mapstructure:"message_burst"`
	AllowedOrigins    []string      `mapstructure:"allowed_origins"`
}

type AuthConfig struct {
	JWTSecret       string `mapstructure:"jwt_secret"`
	Issuer          string `mapstructure:"issuer"`
	Audience        string `mapstructure:"audience"`
	TokenQueryParam string `mapstructure:"token_query_param"`
}

type RedisConfig struct {
	Address     string        `mapstructure:"address"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	PoolSize    int           `mapstructure:"pool_size"`
	PoolTimeout time.Duration `mapstructure:"pool_timeout"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type RetryConfig struct {
	MaxRetries      uint64        `mapstructure:"max_retries"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
}

// StoreConfig selects the shared store backend: memory or redis.
type StoreConfig struct {
	Type          string        `mapstructure:"type"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	Redis         RedisConfig   `mapstructure:"redis"`
	Retry         RetryConfig   `mapstructure:"retry"`
}

// AdmissionConfig holds the operation limits. Limiter is store or unlimited.
type AdmissionConfig struct {
	Limiter             string         `mapstructure:"limiter"`
	ConcurrentPerKind   map[string]int `mapstructure:"concurrent_per_kind"`
	UserPerMinute       int            `mapstructure:"user_per_minute"`
	UserPerHour         int            `mapstructure:"user_per_hour"`
	ContentBytesPerHour int64          `mapstructure:"content_bytes_per_hour"`
	SessionConcurrent   int            `mapstructure:"session_concurrent"`
	MaxSessionDuration  time.Duration  `mapstructure:"max_session_duration"`
	GlobalConcurrent    int            `mapstructure:"global_concurrent"`
}

type PresenceConfig struct {
	ExpiryWindow    time.Duration `mapstructure:"expiry_window"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

type BroadcastConfig struct {
	MaxEvents    int           `mapstructure:"max_events"`
	MaxAge       time.Duration `mapstructure:"max_age"`
	ReplayOnJoin int           `mapstructure:"replay_on_join"`
}

// SessionConfig tunes session revalidation and seat expiry. SeatTTL bounds
// how long a seat held by a crashed instance keeps counting against capacity.
type SessionConfig struct {
	RevalidateInterval time.Duration `mapstructure:"revalidate_interval"`
	SeatTTL            time.Duration `mapstructure:"seat_ttl"`
}

type DatabaseConfig struct {
	Path    string        `mapstructure:"path"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	GroupID string   `mapstructure:"group_id"`
}

// BrokerConfig selects the cross-instance relay: none, local, redis or kafka.
// local relays in-process only.
type BrokerConfig struct {
	Type  string      `mapstructure:"type"`
	Topic string      `mapstructure:"topic"`
	Kafka KafkaConfig `mapstructure:"kafka"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// DefaultConfig returns settings suitable for a single gateway in development:
// in-memory store, SQLite metadata on the local filesystem, no broker.
func DefaultConfig() *Config {
	return &Config{
		HTTP: &HTTPConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		WebSocket: &WebSocketConfig{
			Path:              "/ws",
			MaxConnections:    1000,
			HeartbeatInterval: 30 * time.Second,
			HeartbeatTimeout:  90 * time.Second,
			SweepInterval:     15 * time.Second,
			ConnectionTTL:     2 * time.Minute,
			WriteTimeout:      5 * time.Second,
			SendBuffer:        100,
			MaxMessageSize:    64 * 1024,
			MessagesPerSecond: 20,
			MessageBurst:      40,
		},
		Auth: &AuthConfig{
			JWTSecret:       "change-me",
			TokenQueryParam: "token",
		},
		Store: &StoreConfig{
			Type:          "memory",
			SweepInterval: 30 * time.Second,
			Redis: RedisConfig{
				Address:     "localhost:6379",
				PoolSize:    100,
				PoolTimeout: 5 * time.Second,
				DialTimeout: 5 * time.Second,
			},
			Retry: RetryConfig{
				MaxRetries:      3,
				InitialInterval: 50 * time.Millisecond,
				MaxInterval:     250 * time.Millisecond,
			},
		},
		Admission: &AdmissionConfig{
			Limiter: "store",
			ConcurrentPerKind: map[string]int{
				"event":       10,
				"merge":       3,
				"transform":   3,
				"ai_analysis": 1,
			},
			UserPerMinute:       120,
			UserPerHour:         3000,
			ContentBytesPerHour: 10 * 1024 * 1024,
			SessionConcurrent:   50,
			MaxSessionDuration:  24 * time.Hour,
			GlobalConcurrent:    1000,
		},
		Presence: &PresenceConfig{
			ExpiryWindow:    60 * time.Second,
			CleanupInterval: 30 * time.Second,
		},
		Broadcast: &BroadcastConfig{
			MaxEvents:    500,
			MaxAge:       10 * time.Minute,
			ReplayOnJoin: 50,
		},
		Session: &SessionConfig{
			RevalidateInterval: 30 * time.Second,
			SeatTTL:            2 * time.Minute,
		},
		Database: &DatabaseConfig{
			Path:    "./collabgate.db",
			Timeout: 30 * time.Second,
		},
		Broker: &BrokerConfig{
			Type:  "none",
			Topic: "collabgate.events",
			Kafka: KafkaConfig{
				Brokers: []string{"localhost:9092"},
				GroupID: "collabgate",
			},
		},
		Logging: &logging.Config{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 14,
		},
		Metrics: &MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Validate rejects configurations the gateway cannot run with.
func (c *Config) Validate() error {
	if c.HTTP == nil {
		return fmt.Errorf("HTTP configuration is required")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP timeouts must be positive")
	}

	if c.WebSocket == nil {
		return fmt.Errorf("WebSocket configuration is required")
	}
	if c.WebSocket.MaxConnections <= 0 {
		return fmt.Errorf("WebSocket max connections must be positive")
	}
	if c.WebSocket.HeartbeatInterval <= 0 || c.WebSocket.HeartbeatTimeout <= 0 {
		return fmt.Errorf("WebSocket heartbeat settings must be positive")
	}
	if c.WebSocket.HeartbeatTimeout <= c.WebSocket.HeartbeatInterval {
		return fmt.Errorf("WebSocket heartbeat timeout must exceed heartbeat interval")
	}
	if c.WebSocket.SweepInterval <= 0 {
		return fmt.Errorf("WebSocket sweep interval must be positive")
	}
	if c.WebSocket.SendBuffer <= 0 {
		return fmt.Errorf("WebSocket send buffer must be positive")
	}
	if c.WebSocket.MaxMessageSize <= 0 {
		return fmt.Errorf("WebSocket max message size must be positive")
	}

	if c.Auth == nil || c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth JWT secret is required")
	}

	if c.Store == nil {
		return fmt.Errorf("store configuration is required")
	}
	switch c.Store.Type {
	case "memory":
	case "redis":
		if c.Store.Redis.Address == "" {
			return fmt.Errorf("redis address is required for the redis store")
		}
	default:
		return fmt.Errorf("unknown store type %q", c.Store.Type)
	}

	if c.Admission == nil {
		return fmt.Errorf("admission configuration is required")
	}
	if c.Admission.Limiter != "store" && c.Admission.Limiter != "unlimited" {
		return fmt.Errorf("unknown admission limiter %q", c.Admission.Limiter)
	}

	if c.Presence == nil || c.Presence.ExpiryWindow <= 0 {
		return fmt.Errorf("presence expiry window must be positive")
	}
	if c.Broadcast == nil || c.Broadcast.MaxEvents <= 0 || c.Broadcast.MaxAge <= 0 {
		return fmt.Errorf("broadcast replay buffer bounds must be positive")
	}
	if c.Broadcast.ReplayOnJoin < 0 {
		return fmt.Errorf("broadcast replay on join cannot be negative")
	}
	if c.Session == nil {
		return fmt.Errorf("session configuration is required")
	}
	if c.Session.SeatTTL <= 0 {
		return fmt.Errorf("session seat TTL must be positive")
	}

	if c.Database == nil {
		return fmt.Errorf("database configuration is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.Database.Timeout <= 0 {
		return fmt.Errorf("database timeout must be positive")
	}

	if c.Broker == nil {
		return fmt.Errorf("broker configuration is required")
	}
	switch c.Broker.Type {
	case "none", "local":
	case "redis":
		if c.Store.Type != "redis" {
			return fmt.Errorf("redis broker requires the redis store")
		}
	case "kafka":
		if len(c.Broker.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka broker requires at least one broker address")
		}
	default:
		return fmt.Errorf("unknown broker type %q", c.Broker.Type)
	}
	if c.Broker.Type != "none" && c.Broker.Topic == "" {
		return fmt.Errorf("broker topic cannot be empty")
	}

	if c.Logging == nil {
		return fmt.Errorf("logging configuration is required")
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	if c.Metrics == nil {
		return fmt.Errorf("metrics configuration is required")
	}
	return nil
}

// setDefaults registers every key of DefaultConfig so AutomaticEnv and
// Unmarshal know about it.
func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("http.host", d.HTTP.Host)
	v.SetDefault("http.port", d.HTTP.Port)
	v.SetDefault("http.read_timeout", d.HTTP.ReadTimeout)
	v.SetDefault("http.write_timeout", d.HTTP.WriteTimeout)
	v.SetDefault("http.shutdown_timeout", d.HTTP.ShutdownTimeout)

	v.SetDefault("websocket.path", d.WebSocket.Path)
	v.SetDefault("websocket.max_connections", d.WebSocket.MaxConnections)
	v.SetDefault("websocket.heartbeat_interval", d.WebSocket.HeartbeatInterval)
	v.SetDefault("websocket.heartbeat_timeout", d.WebSocket.HeartbeatTimeout)
	v.SetDefault("websocket.sweep_interval", d.WebSocket.SweepInterval)
	v.SetDefault("websocket.connection_ttl", d.WebSocket.ConnectionTTL)
	v.SetDefault("websocket.write_timeout", d.WebSocket.WriteTimeout)
	v.SetDefault("websocket.send_buffer", d.WebSocket.SendBuffer)
	v.SetDefault("websocket.max_message_size", d.WebSocket.MaxMessageSize)
	v.SetDefault("websocket.messages_per_second", d.WebSocket.MessagesPerSecond)
	v.SetDefault("websocket.message_burst", d.WebSocket.MessageBurst)
	v.SetDefault("websocket.allowed_origins", d.WebSocket.AllowedOrigins)

	v.SetDefault("auth.jwt_secret", d.Auth.JWTSecret)
	v.SetDefault("auth.issuer", d.Auth.Issuer)
	v.SetDefault("auth.audience", d.Auth.Audience)
	v.SetDefault("auth.token_query_param", d.Auth.TokenQueryParam)

	v.SetDefault("store.type", d.Store.Type)
	v.SetDefault("store.sweep_interval", d.Store.SweepInterval)
	v.SetDefault("store.redis.address", d.Store.Redis.Address)
	v.SetDefault("store.redis.password", d.Store.Redis.Password)
	v.SetDefault("store.redis.db", d.Store.Redis.DB)
	v.SetDefault("store.redis.pool_size", d.Store.Redis.PoolSize)
	v.SetDefault("store.redis.pool_timeout", d.Store.Redis.PoolTimeout)
	v.SetDefault("store.redis.dial_timeout", d.Store.Redis.DialTimeout)
	v.SetDefault("store.retry.max_retries", d.Store.Retry.MaxRetries)
	v.SetDefault("store.retry.initial_interval", d.Store.Retry.InitialInterval)
	v.SetDefault("store.retry.max_interval", d.Store.Retry.MaxInterval)

	v.SetDefault("admission.limiter", d.Admission.Limiter)
	v.SetDefault("admission.concurrent_per_kind", d.Admission.ConcurrentPerKind)
	v.SetDefault("admission.user_per_minute", d.Admission.UserPerMinute)
	v.SetDefault("admission.user_per_hour", d.Admission.UserPerHour)
	v.SetDefault("admission.content_bytes_per_hour", d.Admission.ContentBytesPerHour)
	v.SetDefault("admission.session_concurrent", d.Admission.SessionConcurrent)
	v.SetDefault("admission.max_session_duration", d.Admission.MaxSessionDuration)
	v.SetDefault("admission.global_concurrent", d.Admission.GlobalConcurrent)

	v.SetDefault("presence.expiry_window", d.Presence.ExpiryWindow)
	v.SetDefault("presence.cleanup_interval", d.Presence.CleanupInterval)

	v.SetDefault("broadcast.max_events", d.Broadcast.MaxEvents)
	v.SetDefault("broadcast.max_age", d.Broadcast.MaxAge)
	v.SetDefault("broadcast.replay_on_join", d.Broadcast.ReplayOnJoin)

	v.SetDefault("session.revalidate_interval", d.Session.RevalidateInterval)
	v.SetDefault("session.seat_ttl", d.Session.SeatTTL)

	v.SetDefault("database.path", d.Database.Path)
	v.SetDefault("database.timeout", d.Database.Timeout)

	v.SetDefault("broker.type", d.Broker.Type)
	v.SetDefault("broker.topic", d.Broker.Topic)
	v.SetDefault("broker.kafka.brokers", d.Broker.Kafka.Brokers)
	v.SetDefault("broker.kafka.group_id", d.Broker.Kafka.GroupID)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.file", d.Logging.File)
	v.SetDefault("logging.max_size_mb", d.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	v.SetDefault("logging.max_age_days", d.Logging.MaxAgeDays)
	v.SetDefault("logging.compress", d.Logging.Compress)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.path", d.Metrics.Path)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	return v
}

func withEnv(v *viper.Viper) *viper.Viper {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config unmarshal error: %w", err)
	}
	return cfg, nil
}

func readFile(v *viper.Viper, path string) error {
	v.SetConfigFile(path)
	if ext := strings.TrimPrefix(filepath.Ext(path), "."); ext != "" {
		v.SetConfigType(ext)
	}
	if err := v.MergeInConfig(); err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return nil
}

// LoadFromEnv applies COLLABGATE_* overrides to the defaults. If any override
// fails to parse the defaults are returned unchanged.
func LoadFromEnv() *Config {
	cfg, err := decode(withEnv(newViper()))
	if err != nil {
		return DefaultConfig()
	}
	return cfg
}

// LoadFromFile reads a YAML, JSON or TOML file over the defaults and validates
// the result.
func LoadFromFile(path string) (*Config, error) {
	v := newViper()
	if err := readFile(v, path); err != nil {
		return nil, err
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return cfg, nil
}

// LoadConfigWithPrecedence resolves file > environment > defaults. An
// unreadable or invalid file is ignored and the environment result returned.
func LoadConfigWithPrecedence(path string) *Config {
	envConfig := LoadFromEnv()
	if path == "" {
		return envConfig
	}

	// viper ranks env above files, so the env-resolved settings become the
	// base layer and the file is merged on top of them.
	v := viper.New()
	if err := v.MergeConfigMap(withEnv(newViper()).AllSettings()); err != nil {
		return envConfig
	}
	if err := readFile(v, path); err != nil {
		return envConfig
	}
	cfg, err := decode(v)
	if err != nil || cfg.Validate() != nil {
		return envConfig
	}
	return cfg
}
