package application

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveConfigPath(t *testing.T) {
	p, err := resolveConfigPath("", nil)
	require.NoError(t, err)
	assert.Equal(t, "./config.yaml", p)

	p, err = resolveConfigPath("/etc/guessr.yaml", nil)
	require.NoError(t, err)
	assert.Equal(t, "/etc/guessr.yaml", p)

	p, err = resolveConfigPath("/etc/guessr.yaml", []string{"--config", "a.yaml"})
	require.NoError(t, err)
	assert.Equal(t, "a.yaml", p)

	p, err = resolveConfigPath("", []string{"--config=b.yaml"})
	require.NoError(t, err)
	assert.Equal(t, "b.yaml", p)

	_, err = resolveConfigPath("", []string{"--config"})
	assert.Error(t, err)
}

func writeConfig(t *testing.T, body string) string {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaultsAndEnv(t *testing.T) {
	path := writeConfig(t, `
server:
  path: /play
verify:
  timeout: 3s
reconnect:
  grace: 2m
logging:
  verify:
    level: debug
`)
	t.Setenv("GUESSR_SERVER_ADDR", ":7000")

	app := New()
	require.NoError(t, app.Load(path))
	conf := app.Settings()

	assert.Equal(t, ":7000", conf.Server.Addr)
	assert.Equal(t, "/play", conf.Server.Path)
	assert.Equal(t, 256, conf.Server.SendQueueSize)
	assert.Equal(t, 3*time.Second, conf.Verify.Timeout)
	assert.Equal(t, 2*time.Minute, conf.Reconnect.Grace)
	assert.Equal(t, 10*time.Second, conf.Reconnect.PurgeInterval)
	assert.Equal(t, IdentityModeSecret, conf.Identity.Mode)
	assert.Equal(t, 64, conf.Pool.Size)
	assert.Equal(t, time.Minute, conf.Pool.IdleExpiry)
	assert.NotNil(t, app.Logger("verify"))
	assert.NotNil(t, app.Logger("unknown"))
}

func TestLoadMissingFile(t *testing.T) {
	err := New().Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestBuildWithMemoryStore(t *testing.T) {
	app := New()
	require.NoError(t, app.Load(writeConfig(t, "metrics:\n  addr: \"\"\n")))
	require.NoError(t, app.build(context.Background()))
	defer app.close()

	assert.NotNil(t, app.Gateway())
	assert.Equal(t, 0, app.Gateway().Registry().Count())
}

func TestBuildResolver(t *testing.T) {
	app := New()
	require.NoError(t, app.Load(writeConfig(t, "identity:\n  mode: jwt\n")))
	assert.Error(t, app.build(context.Background()))
	app.close()

	app = New()
	require.NoError(t, app.Load(writeConfig(t, "identity:\n  mode: jwt\n  jwtKey: secret-key\n")))
	require.NoError(t, app.build(context.Background()))
	app.close()

	app = New()
	require.NoError(t, app.Load(writeConfig(t, "identity:\n  mode: oauth\n")))
	assert.Error(t, app.build(context.Background()))
	app.close()
}
