package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 300, cfg.Claims.DefaultExpiresInSeconds)
	assert.Equal(t, 5*time.Second, cfg.Claims.ReaperInterval())
	assert.Equal(t, 3, cfg.Webhooks.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Webhooks.BackoffMin())
	assert.Equal(t, time.Minute, cfg.SubscribeTokenTTL())
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
server:
  addr: "127.0.0.1:9000"
webhooks:
  max_attempts: 5
`))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr)
	assert.Equal(t, 5, cfg.Webhooks.MaxAttempts)
	assert.Equal(t, 4, cfg.Webhooks.Workers)
}

func TestFromYAMLRejectsInvalid(t *testing.T) {
	_, err := FromYAML([]byte("server:\n  log_level: loud\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log_level")

	_, err = FromYAML([]byte("auth:\n  token_secret: short\n"))
	require.Error(t, err)

	_, err = FromYAML([]byte("claims:\n  default_expires_in_seconds: 100\n  max_expires_in_seconds: 10\n"))
	require.Error(t, err)

	_, err = FromYAML([]byte(":::"))
	require.Error(t, err)
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(Path(dir))
	require.NoError(t, err)
	assert.Equal(t, Default().Server.Addr, cfg.Server.Addr)

	path := filepath.Join(dir, "mdplane.yml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  addr: \":7000\"\n"), 0o600))
	cfg, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Server.Addr)

	_, err = Load(filepath.Join(dir, "missing.yml"))
	require.Error(t, err)
}
