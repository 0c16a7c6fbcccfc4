package supervisor

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mpataki/fleet/internal/workspace"
)

// scriptContext writes a shell script as the entry point of a throwaway
// isolation context.
func scriptContext(t *testing.T, script string) *workspace.Context {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script workers are not runnable on windows")
	}

	root := t.TempDir()
	entry := filepath.Join(root, "run.sh")
	require.NoError(t, os.WriteFile(entry, []byte("#!/bin/sh\n"+script), 0755))

	return &workspace.Context{
		AgentID:    "agent-test",
		Root:       root,
		RepoPath:   root,
		EntryPoint: entry,
		LogPath:    filepath.Join(root, "worker.log"),
	}
}

func TestLaunchAndExit(t *testing.T) {
	s := New(zap.NewNop())
	c := scriptContext(t, "echo hello from the worker\nexit 0\n")

	h, err := s.Launch(c)
	require.NoError(t, err)
	assert.NotZero(t, h.PID)

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit")
	}

	assert.False(t, h.Alive())
	require.NotNil(t, h.ExitCode())
	assert.Equal(t, 0, *h.ExitCode())

	log, err := os.ReadFile(c.LogPath)
	require.NoError(t, err)
	assert.Contains(t, string(log), "hello from the worker")
}

func TestExitCodePropagated(t *testing.T) {
	s := New(zap.NewNop())
	c := scriptContext(t, "exit 3\n")

	h, err := s.Launch(c)
	require.NoError(t, err)
	<-h.Done()

	require.NotNil(t, h.ExitCode())
	assert.Equal(t, 3, *h.ExitCode())
}

func TestExitCodeNilWhileRunning(t *testing.T) {
	s := New(zap.NewNop())
	c := scriptContext(t, "sleep 5\n")

	h, err := s.Launch(c)
	require.NoError(t, err)
	assert.True(t, h.Alive())
	assert.Nil(t, h.ExitCode())

	s.Terminate(h, 100*time.Millisecond)
}

func TestLaunchMissingEntryPoint(t *testing.T) {
	s := New(zap.NewNop())
	root := t.TempDir()
	c := &workspace.Context{
		AgentID:    "agent-test",
		Root:       root,
		EntryPoint: filepath.Join(root, "does-not-exist.sh"),
		LogPath:    filepath.Join(root, "worker.log"),
	}

	_, err := s.Launch(c)
	require.Error(t, err)
	var le *LaunchError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "agent-test", le.AgentID)
}

func TestTerminateGraceful(t *testing.T) {
	s := New(zap.NewNop())
	// Exits promptly on SIGTERM.
	c := scriptContext(t, "trap 'exit 0' TERM\nwhile true; do sleep 0.1; done\n")

	h, err := s.Launch(c)
	require.NoError(t, err)

	start := time.Now()
	s.Terminate(h, 5*time.Second)
	assert.Less(t, time.Since(start), 3*time.Second, "graceful exit should beat the grace period")
	assert.False(t, h.Alive())
}

func TestTerminateEscalatesToKill(t *testing.T) {
	s := New(zap.NewNop())
	// Ignores SIGTERM; only SIGKILL can stop it.
	c := scriptContext(t, "trap '' TERM\nwhile true; do sleep 0.1; done\n")

	h, err := s.Launch(c)
	require.NoError(t, err)

	s.Terminate(h, 300*time.Millisecond)
	assert.False(t, h.Alive())
	require.NotNil(t, h.ExitCode())
	assert.NotEqual(t, 0, *h.ExitCode())
}

func TestTerminateAlreadyExited(t *testing.T) {
	s := New(zap.NewNop())
	c := scriptContext(t, "exit 0\n")

	h, err := s.Launch(c)
	require.NoError(t, err)
	<-h.Done()

	// Must be a no-op, not a panic or a hang.
	s.Terminate(h, time.Second)
}
