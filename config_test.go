package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 5000, cfg.Port)
	assert.Equal(t, ReadinessHealth, cfg.Sidecar.Readiness)
	assert.Equal(t, "Running on", cfg.Sidecar.ReadyMarker)
	assert.Equal(t, 5*time.Second, cfg.Sidecar.RestartDelay)
	assert.False(t, cfg.ClickHouse.Enabled)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfig_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	yml := `
port: 7000
log_level: debug
groq:
  model: from-file
  timeout: 30s
sidecar:
  command: python3
  script: app.py
  args: ["--port", "5001"]
  readiness: marker
  restart_delay: 2s
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o644))

	t.Setenv("PORT", "")
	t.Setenv("GROQ_MODEL", "from-env")
	t.Setenv("GROQ_API_KEY", "k")
	t.Setenv("SIDECAR_STOP_TIMEOUT", "1500")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	want := DefaultConfig()
	want.Port = 7000
	want.LogLevel = "debug"
	want.Groq.APIKey = "k"
	want.Groq.Model = "from-env"
	want.Groq.Timeout = 30 * time.Second
	want.Sidecar.Command = "python3"
	want.Sidecar.Script = "app.py"
	want.Sidecar.Args = []string{"--port", "5001"}
	want.Sidecar.Readiness = ReadinessMarker
	want.Sidecar.RestartDelay = 2 * time.Second
	want.Sidecar.StopTimeout = 1500 * time.Millisecond

	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Port = 0
	cfg.Sidecar.Readiness = "telepathy"
	cfg.Sidecar.RestartDelay = -time.Second

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "port 0")
	assert.Contains(t, err.Error(), "telepathy")
	assert.Contains(t, err.Error(), "restart delay")
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("X_BOOL", "yes")
	t.Setenv("X_INT", " 42 ")
	t.Setenv("X_DUR", "bogus")
	t.Setenv("X_FLOAT", "0.25")

	assert.True(t, envBool("X_BOOL", false))
	assert.Equal(t, 42, envInt("X_INT", 1))
	assert.Equal(t, time.Second, envDuration("X_DUR", time.Second))
	assert.Equal(t, 0.25, envFloat("X_FLOAT", 1))
	assert.Equal(t, "def", envString("X_UNSET_FOR_TEST", "def"))
}
