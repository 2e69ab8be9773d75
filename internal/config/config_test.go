package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_DefaultsWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 300, cfg.Engine.MaxSteps)
	assert.Equal(t, 120*time.Second, cfg.Engine.MaxDelay)
	assert.Equal(t, 500, cfg.Engine.FaqLimit)
	assert.Equal(t, "log", cfg.Gateway.Driver)
	assert.False(t, cfg.IsDev())
}

func TestLoadConfig_FileAndEnvOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
environment: dev
dev_mode_bypass: true
db:
  host: db.internal
  port: 6543
  user: flows
  name: flows
auth:
  okta_domain: https://example.okta.com/oauth2/default/
gateway:
  driver: nats
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("MSGFLOW_GATEWAY_NATS_URL", "nats://bus:4222")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.True(t, cfg.IsDev())
	assert.True(t, cfg.DevModeBypass)
	assert.Equal(t, "https://example.okta.com/oauth2/default", cfg.Auth.OktaDomain)
	assert.Equal(t, "nats", cfg.Gateway.Driver)
	assert.Equal(t, "nats://bus:4222", cfg.Gateway.NATS.URL)
	assert.Equal(t, "host=db.internal port=6543 user=flows dbname=flows sslmode=disable", cfg.DSN())
}

func TestLoadConfig_ExplicitMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
