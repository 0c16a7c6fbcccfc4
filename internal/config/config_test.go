package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := New()
	require.NoError(t, err)

	assert.Equal(t, "claude", cfg.AgentCommand)
	assert.Equal(t, 5*time.Second, cfg.PollInterval)
	assert.Equal(t, 3*time.Minute, cfg.StallThreshold)
	assert.Equal(t, 15*time.Minute, cfg.TimeoutThreshold)
	assert.Equal(t, 10*time.Second, cfg.GracePeriod)
	assert.Equal(t, time.Hour, cfg.MaxRuntime)
}

func TestEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("FLEET_DATA_DIR", dir)
	t.Setenv("FLEET_AGENT_CMD", "fake-agent")
	t.Setenv("FLEET_POLL_INTERVAL", "250ms")
	t.Setenv("FLEET_MAX_RUNTIME", "90s")

	cfg, err := New()
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, filepath.Join(dir, "fleet.db"), cfg.DBPath)
	assert.Equal(t, "fake-agent", cfg.AgentCommand)
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 90*time.Second, cfg.MaxRuntime)
}

func TestInvalidDurationFallsBackToDefault(t *testing.T) {
	t.Setenv("FLEET_POLL_INTERVAL", "soon")

	cfg, err := New()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.PollInterval)
}

func TestRunDir(t *testing.T) {
	t.Setenv("FLEET_DATA_DIR", "/tmp/fleet-test")

	cfg, err := New()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/fleet-test/runs/run-12", cfg.RunDir(12))
}
