package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "0.0.0.0:8080", cfg.Addr())
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval())
	assert.Equal(t, 1<<20, cfg.Gateway.MaxMessageSizeBytes)
	assert.Equal(t, 1000, cfg.Gateway.MaxHistorySize)
	assert.Zero(t, cfg.Gateway.MaxSpaces)
	assert.Zero(t, cfg.Gateway.MaxClientsPerSpace)
	assert.True(t, cfg.Gateway.EvictDuplicates)
	assert.True(t, cfg.Logging.Enabled)
	assert.True(t, cfg.Logging.EnvelopeHistoryEnabled)
	assert.True(t, cfg.Logging.CapabilityDecisionsEnabled)
	assert.Equal(t, "./logs", cfg.Logging.Dir)
	assert.Empty(t, cfg.Redis.Addr)
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  host: 127.0.0.1
  port: "9090"
gateway:
  heartbeat_interval_ms: 5000
  max_clients_per_space: 10
  evict_duplicate_participants: false
logging:
  log_dir: /var/log/mew
redis:
  addr: localhost:6379
  channel_prefix: "test:audit:"
tokens:
  secret-abc: alice
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9090", cfg.Addr())
	assert.Equal(t, 5*time.Second, cfg.HeartbeatInterval())
	assert.Equal(t, 10, cfg.Gateway.MaxClientsPerSpace)
	assert.False(t, cfg.Gateway.EvictDuplicates)
	assert.Equal(t, "/var/log/mew", cfg.Logging.Dir)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "alice", cfg.Tokens["secret-abc"])

	// Untouched knobs keep their defaults.
	assert.Equal(t, 1<<20, cfg.Gateway.MaxMessageSizeBytes)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: \"9090\"\n"), 0o644))

	t.Setenv("MEW_PORT", "7070")
	t.Setenv("MEW_HEARTBEAT_INTERVAL_MS", "1500")
	t.Setenv("MEW_MAX_HISTORY_SIZE", "50")
	t.Setenv("MEW_EVICT_DUPLICATE_PARTICIPANTS", "false")
	t.Setenv("MEW_GATEWAY_LOGGING_ENABLED", "false")
	t.Setenv("MEW_REDIS_ADDR", "redis:6379")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "7070", cfg.Server.Port)
	assert.Equal(t, 1500*time.Millisecond, cfg.HeartbeatInterval())
	assert.Equal(t, 50, cfg.Gateway.MaxHistorySize)
	assert.False(t, cfg.Gateway.EvictDuplicates)
	assert.False(t, cfg.Logging.Enabled)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
}

func TestPortFallbackEnv(t *testing.T) {
	t.Setenv("PORT", "3000")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "3000", cfg.Server.Port)

	// MEW_PORT takes precedence over PORT.
	t.Setenv("MEW_PORT", "3001")
	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, "3001", cfg.Server.Port)
}

func TestValidation(t *testing.T) {
	t.Setenv("MEW_HEARTBEAT_INTERVAL_MS", "0")
	_, err := Load("")
	assert.Error(t, err)
}

func TestMissingFileErrors(t *testing.T) {
	_, err := Load("/does/not/exist.yaml")
	assert.Error(t, err)
}
