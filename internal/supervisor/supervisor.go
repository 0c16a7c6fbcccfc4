package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mpataki/fleet/internal/workspace"
)

// Handle tracks one launched worker process. Liveness comes from a wait
// goroutine resolving a done channel, not from signal-probing the PID.
type Handle struct {
	AgentID   string
	PID       int
	StartedAt time.Time
	LogPath   string

	cmd  *exec.Cmd
	done chan struct{}

	mu       sync.Mutex
	exitCode int
}

// Alive reports whether the process is still running.
func (h *Handle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// ExitCode returns the process exit code, or nil while it is still running.
func (h *Handle) ExitCode() *int {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		code := h.exitCode
		return &code
	default:
		return nil
	}
}

// Done is closed when the process exits.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// LaunchError marks a worker that could not be started: missing or
// non-executable entry point. Local to one agent.
type LaunchError struct {
	AgentID string
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("failed to launch worker %s: %v", e.AgentID, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// Supervisor launches workers as detached child processes and terminates
// them. It holds no state of its own beyond what each Handle carries.
type Supervisor struct {
	log *zap.Logger
}

func New(logger *zap.Logger) *Supervisor {
	return &Supervisor{log: logger}
}

// Launch starts the entry script of an isolation context in its own process
// group, with stdout and stderr redirected to the per-worker log file.
func (s *Supervisor) Launch(c *workspace.Context) (*Handle, error) {
	logFile, err := os.OpenFile(c.LogPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, &LaunchError{AgentID: c.AgentID, Err: err}
	}

	cmd := exec.Command(c.EntryPoint)
	cmd.Dir = c.Root
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, &LaunchError{AgentID: c.AgentID, Err: err}
	}

	h := &Handle{
		AgentID:   c.AgentID,
		PID:       cmd.Process.Pid,
		StartedAt: time.Now(),
		LogPath:   c.LogPath,
		cmd:       cmd,
		done:      make(chan struct{}),
	}

	go func() {
		err := cmd.Wait()
		h.mu.Lock()
		if cmd.ProcessState != nil {
			h.exitCode = cmd.ProcessState.ExitCode()
		} else if err != nil {
			h.exitCode = -1
		}
		h.mu.Unlock()
		logFile.Close()
		close(h.done)
	}()

	s.log.Info("launched worker",
		zap.String("agent_id", c.AgentID),
		zap.Int("pid", h.PID),
		zap.String("log", c.LogPath))
	return h, nil
}

// Terminate asks the worker's process group to exit, waits up to grace, and
// escalates to a forceful kill if it hasn't.
func (s *Supervisor) Terminate(h *Handle, grace time.Duration) {
	if !h.Alive() {
		return
	}

	s.log.Info("terminating worker", zap.String("agent_id", h.AgentID), zap.Int("pid", h.PID))
	signalTerm(h)

	select {
	case <-h.done:
		return
	case <-time.After(grace):
	}

	s.log.Warn("worker did not exit in grace period, killing",
		zap.String("agent_id", h.AgentID), zap.Duration("grace", grace))
	signalKill(h)
	<-h.done
}
