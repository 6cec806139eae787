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
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 10, cfg.MaxClients)
	assert.Equal(t, 100, cfg.RateLimitPerSec)
	assert.Equal(t, 30*time.Second, cfg.PingInterval)
	assert.Equal(t, 24*time.Hour, cfg.Retention)
	assert.Equal(t, time.Minute, cfg.SweepInterval)
	assert.Equal(t, 3, cfg.ProviderLimits["claude"])
	assert.Equal(t, 5, cfg.ProviderLimits["openai"])
	assert.Equal(t, 2, cfg.ProviderLimits["default"])
}

func TestYAMLFileOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ditloop.yaml")
	body := `
http_addr: ":9090"
log_level: debug
max_clients: 25
ping_interval: 5s
retention: 48h
provider_limits:
  claude: 7
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 25, cfg.MaxClients)
	assert.Equal(t, 5*time.Second, cfg.PingInterval)
	assert.Equal(t, 48*time.Hour, cfg.Retention)
	assert.Equal(t, 7, cfg.ProviderLimits["claude"])
	// Untouched entries keep their defaults.
	assert.Equal(t, 5, cfg.ProviderLimits["openai"])
	assert.Equal(t, time.Minute, cfg.SweepInterval)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ditloop.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http_addr: \":9090\"\n"), 0o644))

	t.Setenv("DITLOOP_HTTP_ADDR", ":7070")
	t.Setenv("DITLOOP_RETENTION", "2h")
	t.Setenv("DITLOOP_PROVIDER_LIMITS", "openai=9, gemini=4")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.HTTPAddr)
	assert.Equal(t, 2*time.Hour, cfg.Retention)
	assert.Equal(t, 9, cfg.ProviderLimits["openai"])
	assert.Equal(t, 4, cfg.ProviderLimits["gemini"])
}

func TestDataDirReanchorsDerivedPaths(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DITLOOP_DATA_DIR", dir)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "ditloop.db"), cfg.DBPath)
	assert.Equal(t, filepath.Join(dir, "daemon.token"), cfg.TokenPath)
}

func TestInvalidDurationRejected(t *testing.T) {
	t.Setenv("DITLOOP_PING_INTERVAL", "soon")
	_, err := Load("")
	require.Error(t, err)
}

func TestMissingFileIsIgnored(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
}
