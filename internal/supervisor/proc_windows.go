//go:build windows

package supervisor

import (
	"os"
	"os/exec"
)

func setProcessGroup(cmd *exec.Cmd) {}

func signalTerm(h *Handle) {
	_ = h.cmd.Process.Signal(os.Interrupt)
}

func signalKill(h *Handle) {
	_ = h.cmd.Process.Kill()
}

func KillProcessGroup(pid int) {
	if p, err := os.FindProcess(pid); err == nil {
		_ = p.Kill()
	}
}
