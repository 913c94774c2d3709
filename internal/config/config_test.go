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
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, "http://localhost:9090", cfg.RelayURL)
	assert.Equal(t, 2*time.Hour, cfg.SessionTTL)
}

func TestLoadEnvFileAndOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("IMPROTO_NAME=alice\nIMPROTO_REDIS_DB=3\n"), 0o600))

	t.Setenv("IMPROTO_REDIS_DB", "5")
	t.Setenv("IMPROTO_ACK_TIMEOUT", "5s")
	t.Setenv("IMPROTO_DEBUG", "true")
	t.Cleanup(func() { os.Unsetenv("IMPROTO_NAME") })

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "alice", cfg.Name)
	// godotenv never overrides variables that are already set.
	assert.Equal(t, 5, cfg.RedisDB)
	assert.Equal(t, 5*time.Second, cfg.AckTimeout)
	assert.True(t, cfg.Debug)
}

func TestLoadInvalidValues(t *testing.T) {
	t.Setenv("IMPROTO_REDIS_DB", "x")
	t.Setenv("IMPROTO_SESSION_TTL", "forever")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "IMPROTO_REDIS_DB")
	assert.Contains(t, err.Error(), "IMPROTO_SESSION_TTL")
}
