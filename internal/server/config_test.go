package server

import (
	"testing"
	"time"

	"github.com/Tyrowin/roomchat/internal/config"
	"github.com/stretchr/testify/assert"
)

func TestSanitizeOptionsFillsDefaults(t *testing.T) {
	got := sanitizeOptions(Options{})
	want := DefaultOptions()

	assert.Equal(t, want.Port, got.Port)
	assert.Equal(t, want.MaxMessageSize, got.MaxMessageSize)
	assert.Equal(t, want.HandshakeTimeout, got.HandshakeTimeout)
	assert.Equal(t, want.RateLimit, got.RateLimit)
	assert.Empty(t, got.AllowedOrigins)
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Port = ":9000"
	cfg.AllowedOrigins = []string{"https://chat.example.com"}
	cfg.MaxMessageSize = 1024
	cfg.RateLimit.Burst = 10
	cfg.RateLimit.RefillInterval = 2 * time.Second

	opts := OptionsFromConfig(&cfg)
	assert.Equal(t, ":9000", opts.Port)
	assert.Equal(t, []string{"https://chat.example.com"}, opts.AllowedOrigins)
	assert.Equal(t, int64(1024), opts.MaxMessageSize)
	assert.Equal(t, RateLimitConfig{Burst: 10, RefillInterval: 2 * time.Second}, opts.RateLimit)

	cfg.AllowedOrigins[0] = "mutated"
	assert.Equal(t, "https://chat.example.com", opts.AllowedOrigins[0])
}
