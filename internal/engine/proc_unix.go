//go:build !windows

package engine

import (
	"os/exec"
	"syscall"
)

// configureProcess puts the engine in its own process group so its workers
// can be signalled together.
func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalProcess delivers sig to the engine's process group, falling back to
// the process itself.
func signalProcess(cmd *exec.Cmd, sig syscall.Signal) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid
	if pid <= 0 {
		return
	}
	if pgid, err := syscall.Getpgid(pid); err == nil && pgid > 0 {
		_ = syscall.Kill(-pgid, sig)
		return
	}
	_ = cmd.Process.Signal(sig)
}

func terminateProcess(cmd *exec.Cmd) { signalProcess(cmd, syscall.SIGTERM) }

func killProcess(cmd *exec.Cmd) { signalProcess(cmd, syscall.SIGKILL) }
