package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  port: 9090
  host: "0.0.0.0"

tracking:
  secret: "s3cret"
  host: "t.example.com"
  link_ttl_hours: 720

delivery:
  batch_size: 250
  snapshot_audience: true
  winner_buffer_minutes: 45

pmta:
  injector_url: "http://pmta.internal:8080"
  max_attempts: 3

log:
  level: debug
  redact_pii: false
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0644))

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0:9090", cfg.Server.Addr())
	assert.Equal(t, "s3cret", cfg.Tracking.Secret)
	assert.Equal(t, "t.example.com", cfg.Tracking.Host)
	assert.Equal(t, 720*time.Hour, cfg.Tracking.LinkTTL())
	assert.Equal(t, 250, cfg.Delivery.BatchSize)
	assert.True(t, cfg.Delivery.Snapshot())
	assert.Equal(t, 45*time.Minute, cfg.Delivery.WinnerBuffer())
	assert.Equal(t, "http://pmta.internal:8080", cfg.PMTA.InjectorURL)
	assert.Equal(t, 3, cfg.PMTA.MaxAttempts)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.False(t, cfg.Log.Redact())

	// defaults fill the rest
	assert.Equal(t, 3, cfg.Delivery.TaskMaxAttempts)
	assert.Equal(t, 4*time.Hour, cfg.Delivery.DefaultWinnerWait())
	assert.Equal(t, "data-notrack", cfg.Tracking.OptOutAttr)
	assert.Equal(t, 8081, cfg.Server.TrackingPort)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 500, cfg.Delivery.BatchSize)
	assert.Equal(t, 2, cfg.PMTA.MaxAttempts)
	assert.Equal(t, 30*time.Minute, cfg.Delivery.WinnerBuffer())
	assert.True(t, cfg.Log.Redact())
	assert.True(t, cfg.Delivery.Snapshot())
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [port"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://u:p@db/broadcasts")
	t.Setenv("TRACKING_SECRET", "from-env")
	t.Setenv("TRACKING_HOST", "links.example.com")
	t.Setenv("PORT", "7070")
	t.Setenv("SNAPSHOT_AUDIENCE", "false")

	cfg, err := LoadFromEnv(filepath.Join(t.TempDir(), "none.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "postgres://u:p@db/broadcasts", cfg.Database.URL)
	assert.Equal(t, "from-env", cfg.Tracking.Secret)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.False(t, cfg.Delivery.Snapshot())
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Error(t, cfg.Validate())

	cfg.Database.URL = "postgres://localhost/x"
	cfg.Tracking.Secret = "k"
	assert.Error(t, cfg.Validate())

	cfg.Tracking.Host = "t.example.com"
	assert.NoError(t, cfg.Validate())
}
