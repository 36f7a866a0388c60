package server

import (
	"time"

	"github.com/Tyrowin/roomchat/internal/config"
)

// RateLimitConfig defines the parameters for per-connection event rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// Options holds the gateway settings including security controls.
type Options struct {
	Port             string
	AllowedOrigins   []string
	MaxMessageSize   int64
	HandshakeTimeout time.Duration
	RateLimit        RateLimitConfig
}

// DefaultOptions returns the gateway defaults.
func DefaultOptions() Options {
	return Options{
		Port:             ":8080",
		AllowedOrigins:   []string{"http://localhost:8080"},
		MaxMessageSize:   8192,
		HandshakeTimeout: 5 * time.Second,
		RateLimit: RateLimitConfig{
			Burst:          5,
			RefillInterval: time.Second,
		},
	}
}

// OptionsFromConfig picks the gateway settings out of the process config.
func OptionsFromConfig(cfg *config.Config) Options {
	return sanitizeOptions(Options{
		Port:             cfg.Port,
		AllowedOrigins:   append([]string(nil), cfg.AllowedOrigins...),
		MaxMessageSize:   cfg.MaxMessageSize,
		HandshakeTimeout: cfg.HandshakeTimeout,
		RateLimit: RateLimitConfig{
			Burst:          cfg.RateLimit.Burst,
			RefillInterval: cfg.RateLimit.RefillInterval,
		},
	})
}

func sanitizeOptions(opts Options) Options {
	defaults := DefaultOptions()
	if opts.Port == "" {
		opts.Port = defaults.Port
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = defaults.MaxMessageSize
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if opts.RateLimit.Burst <= 0 {
		opts.RateLimit.Burst = defaults.RateLimit.Burst
	}
	if opts.RateLimit.RefillInterval <= 0 {
		opts.RateLimit.RefillInterval = defaults.RateLimit.RefillInterval
	}
	return opts
}
