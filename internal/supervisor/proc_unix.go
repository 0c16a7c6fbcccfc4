//go:build !windows

package supervisor

import (
	"os/exec"
	"syscall"
)

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// Signals target the whole process group so children spawned by the entry
// script don't outlive it.

func signalTerm(h *Handle) {
	if pgid, err := syscall.Getpgid(h.PID); err == nil && pgid > 0 {
		_ = syscall.Kill(-pgid, syscall.SIGTERM)
		return
	}
	_ = h.cmd.Process.Signal(syscall.SIGTERM)
}

func signalKill(h *Handle) {
	if pgid, err := syscall.Getpgid(h.PID); err == nil && pgid > 0 {
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
		return
	}
	_ = h.cmd.Process.Kill()
}

// KillProcessGroup force-kills a process group by PID. Used by `fleet kill`
// against PIDs recorded in the run history, where no Handle exists anymore.
func KillProcessGroup(pid int) {
	if pgid, err := syscall.Getpgid(pid); err == nil && pgid > 0 {
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
		return
	}
	_ = syscall.Kill(pid, syscall.SIGKILL)
}
