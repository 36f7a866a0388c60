package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Port)
	assert.Equal(t, []string{"http://localhost:8080"}, cfg.AllowedOrigins)
	assert.Equal(t, 5, cfg.RateLimit.Burst)
	assert.Equal(t, time.Second, cfg.RateLimit.RefillInterval)
	assert.Equal(t, 5*time.Second, cfg.HandshakeTimeout)
	assert.Equal(t, []string{"general"}, cfg.Rooms.DefaultChannels)
	assert.Equal(t, StoreMemory, cfg.Store.Driver)
	assert.Equal(t, IdentityStatic, cfg.Identity.Driver)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("ALLOWED_ORIGINS", "http://a.example, https://b.example ,")
	t.Setenv("MAX_MESSAGE_SIZE", "2048")
	t.Setenv("RATE_LIMIT_BURST", "20")
	t.Setenv("RATE_LIMIT_REFILL_INTERVAL", "250ms")
	t.Setenv("DEFAULT_CHANNELS", "general,random")
	t.Setenv("STORE_DRIVER", "Redis")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("PERSIST_WORKERS", "2")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Port)
	assert.Equal(t, []string{"http://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, int64(2048), cfg.MaxMessageSize)
	assert.Equal(t, 20, cfg.RateLimit.Burst)
	assert.Equal(t, 250*time.Millisecond, cfg.RateLimit.RefillInterval)
	assert.Equal(t, []string{"general", "random"}, cfg.Rooms.DefaultChannels)
	assert.Equal(t, StoreRedis, cfg.Store.Driver)
	assert.Equal(t, 2, cfg.Persist.Workers)
}

func TestInvalidValuesFallBackToDefaults(t *testing.T) {
	t.Setenv("MAX_MESSAGE_SIZE", "-1")
	t.Setenv("RATE_LIMIT_BURST", "0")
	t.Setenv("RATE_LIMIT_REFILL_INTERVAL", "soon")
	t.Setenv("PERSIST_QUEUE", "-5")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, int64(8192), cfg.MaxMessageSize)
	assert.Equal(t, 5, cfg.RateLimit.Burst)
	assert.Equal(t, time.Second, cfg.RateLimit.RefillInterval)
	assert.Equal(t, 1024, cfg.Persist.QueueSize)
}

func TestLoadRejectsIncompleteDrivers(t *testing.T) {
	t.Setenv("STORE_DRIVER", "postgres")
	_, err := Load()
	assert.ErrorContains(t, err, "DATABASE_URL")

	t.Setenv("STORE_DRIVER", "cassandra")
	_, err = Load()
	assert.ErrorContains(t, err, "STORE_DRIVER")

	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("IDENTITY_DRIVER", "ldap")
	_, err = Load()
	assert.ErrorContains(t, err, "IDENTITY_DRIVER")
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roomchat.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server_port: \":7000\"\nbacklog_capacity: 25\n"), 0o600))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("BACKLOG_CAPACITY", "30")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Port)
	assert.Equal(t, 30, cfg.Rooms.BacklogCapacity, "environment wins over the file")

	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err = Load()
	assert.Error(t, err)
}

func TestParseDuration(t *testing.T) {
	tests := map[string]time.Duration{
		"3":      3 * time.Second,
		"1500ms": 1500 * time.Millisecond,
		"0":      time.Minute,
		"-2s":    time.Minute,
		"":       time.Minute,
	}
	for in, want := range tests {
		assert.Equal(t, want, parseDuration(in, time.Minute), in)
	}
}
