// Package config loads runtime settings from defaults, an optional YAML file
// and the environment, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// RateLimitConfig defines the parameters for per-connection event rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

type LogConfig struct {
	Level       string
	Development bool
}

type JWTConfig struct {
	Secret   string
	Issuer   string
	Lifetime time.Duration
}

type RoomsConfig struct {
	BacklogCapacity  int
	MaxContentLength int
	DefaultChannels  []string
	// WarmStartMessages is how many recent messages per room are loaded at startup.
	WarmStartMessages int
}

type StoreConfig struct {
	Driver      string
	DatabaseURL string
	RedisURL    string
}

type IdentityConfig struct {
	Driver              string
	SeedUsers           string
	InvalidationChannel string
}

type PersistConfig struct {
	Workers    int
	QueueSize  int
	MaxRetries int
}

// Config holds the server configuration settings including security controls.
type Config struct {
	Port             string
	AllowedOrigins   []string
	MaxMessageSize   int64
	HandshakeTimeout time.Duration
	ShutdownTimeout  time.Duration
	RateLimit        RateLimitConfig
	Log              LogConfig
	JWT              JWTConfig
	Rooms            RoomsConfig
	Store            StoreConfig
	Identity         IdentityConfig
	Persist          PersistConfig
}

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"

	IdentityStatic   = "static"
	IdentityPostgres = "postgres"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("server_port", ":8080")
	v.SetDefault("allowed_origins", "http://localhost:8080")
	v.SetDefault("max_message_size", 8192)
	v.SetDefault("handshake_timeout", "5s")
	v.SetDefault("shutdown_timeout", "10s")
	v.SetDefault("rate_limit_burst", 5)
	v.SetDefault("rate_limit_refill_interval", "1")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_development", false)
	v.SetDefault("jwt_issuer", "roomchat")
	v.SetDefault("jwt_lifetime", "24h")
	v.SetDefault("backlog_capacity", 200)
	v.SetDefault("max_content_length", 4000)
	v.SetDefault("default_channels", "general")
	v.SetDefault("warm_start_messages", 50)
	v.SetDefault("store_driver", StoreMemory)
	v.SetDefault("identity_driver", IdentityStatic)
	v.SetDefault("identity_invalidation_channel", "roomchat:identity")
	v.SetDefault("persist_workers", 4)
	v.SetDefault("persist_queue", 1024)
	v.SetDefault("persist_retries", 3)
}

// Load reads .env (if present) into the process environment, then builds the
// configuration. CONFIG_FILE names an optional YAML file whose keys are the
// lowercase variable names.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if file := v.GetString("config_file"); file != "" {
		v.SetConfigFile(file)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %q: %w", file, err)
		}
	}
	return FromViper(v)
}

// FromViper builds a sanitized Config from v.
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := Config{
		Port:             v.GetString("server_port"),
		AllowedOrigins:   parseList(v.GetString("allowed_origins")),
		MaxMessageSize:   v.GetInt64("max_message_size"),
		HandshakeTimeout: parseDuration(v.GetString("handshake_timeout"), 0),
		ShutdownTimeout:  parseDuration(v.GetString("shutdown_timeout"), 0),
		RateLimit: RateLimitConfig{
			Burst:          v.GetInt("rate_limit_burst"),
			RefillInterval: parseDuration(v.GetString("rate_limit_refill_interval"), 0),
		},
		Log: LogConfig{
			Level:       v.GetString("log_level"),
			Development: v.GetBool("log_development"),
		},
		JWT: JWTConfig{
			Secret:   v.GetString("jwt_secret"),
			Issuer:   v.GetString("jwt_issuer"),
			Lifetime: parseDuration(v.GetString("jwt_lifetime"), 0),
		},
		Rooms: RoomsConfig{
			BacklogCapacity:   v.GetInt("backlog_capacity"),
			MaxContentLength:  v.GetInt("max_content_length"),
			DefaultChannels:   parseList(v.GetString("default_channels")),
			WarmStartMessages: v.GetInt("warm_start_messages"),
		},
		Store: StoreConfig{
			Driver:      strings.ToLower(v.GetString("store_driver")),
			DatabaseURL: v.GetString("database_url"),
			RedisURL:    v.GetString("redis_url"),
		},
		Identity: IdentityConfig{
			Driver:              strings.ToLower(v.GetString("identity_driver")),
			SeedUsers:           v.GetString("seed_users"),
			InvalidationChannel: v.GetString("identity_invalidation_channel"),
		},
		Persist: PersistConfig{
			Workers:    v.GetInt("persist_workers"),
			QueueSize:  v.GetInt("persist_queue"),
			MaxRetries: v.GetInt("persist_retries"),
		},
	}
	cfg = sanitize(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a sanitized configuration with every default applied.
func Default() Config {
	v := viper.New()
	setDefaults(v)
	cfg, _ := FromViper(v)
	return *cfg
}

func sanitize(cfg Config) Config {
	if cfg.Port == "" {
		cfg.Port = ":8080"
	}
	if !strings.Contains(cfg.Port, ":") {
		cfg.Port = ":" + cfg.Port
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 8192
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 5
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = time.Second
	}
	if cfg.JWT.Lifetime <= 0 {
		cfg.JWT.Lifetime = 24 * time.Hour
	}
	if cfg.Rooms.BacklogCapacity < 0 {
		cfg.Rooms.BacklogCapacity = 0
	}
	if cfg.Rooms.MaxContentLength <= 0 {
		cfg.Rooms.MaxContentLength = 4000
	}
	if cfg.Rooms.WarmStartMessages < 0 {
		cfg.Rooms.WarmStartMessages = 0
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = StoreMemory
	}
	if cfg.Identity.Driver == "" {
		cfg.Identity.Driver = IdentityStatic
	}
	if cfg.Persist.Workers <= 0 {
		cfg.Persist.Workers = 4
	}
	if cfg.Persist.QueueSize <= 0 {
		cfg.Persist.QueueSize = 1024
	}
	if cfg.Persist.MaxRetries < 0 {
		cfg.Persist.MaxRetries = 0
	}
	return cfg
}

// Validate reports settings that cannot be defaulted.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case StoreMemory:
	case StorePostgres:
		if c.Store.DatabaseURL == "" {
			return errors.New("config: DATABASE_URL is required for the postgres store")
		}
	case StoreRedis:
		if c.Store.RedisURL == "" {
			return errors.New("config: REDIS_URL is required for the redis store")
		}
	default:
		return fmt.Errorf("config: unknown STORE_DRIVER %q", c.Store.Driver)
	}
	switch c.Identity.Driver {
	case IdentityStatic:
	case IdentityPostgres:
		if c.Store.DatabaseURL == "" {
			return errors.New("config: DATABASE_URL is required for the postgres identity directory")
		}
	default:
		return fmt.Errorf("config: unknown IDENTITY_DRIVER %q", c.Identity.Driver)
	}
	return nil
}

func parseList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseDuration accepts Go durations ("1500ms") or a bare number of seconds.
func parseDuration(value string, defaultValue time.Duration) time.Duration {
	value = strings.TrimSpace(value)
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	return defaultValue
}
