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
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.Collaboration.HeartbeatInterval)
	assert.Equal(t, 3*time.Second, cfg.Collaboration.ReconnectDelay)
	assert.Equal(t, 100*time.Millisecond, cfg.Collaboration.CursorDebounce)
	assert.Equal(t, 60*time.Second, cfg.Collaboration.SweepInterval)
	assert.Equal(t, 5*time.Minute, cfg.Collaboration.ActiveWindow)
	assert.Equal(t, 10*time.Minute, cfg.Collaboration.StaleAfter)
	assert.Equal(t, ":8081", cfg.Relay.ListenAddr)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	yaml := []byte(`
agent:
  workspace_id: board-7
  email: ada@example.com
collaboration:
  cursor_debounce: 250ms
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "collabtext.yaml"), yaml, 0o600))
	t.Setenv("REDIS_ADDR", "redis.internal:6380")
	t.Setenv("COLLAB_LOGGING_LEVEL", "debug")

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "board-7", cfg.Agent.WorkspaceID)
	assert.Equal(t, "ada@example.com", cfg.Agent.Email)
	assert.Equal(t, 250*time.Millisecond, cfg.Collaboration.CursorDebounce)
	assert.Equal(t, "redis.internal:6380", cfg.Relay.RedisAddr)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestValidate(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	bad := *cfg
	bad.Collaboration.ActiveWindow = time.Hour
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.Collaboration.OutboxSize = 0
	assert.Error(t, bad.Validate())
}
