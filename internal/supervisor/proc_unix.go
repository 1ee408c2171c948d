//go:build !windows

package supervisor

import (
	"os/exec"
	"syscall"
)

// configureProcess puts the worker in its own process group so signals
// reach anything it spawned.
func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd == nil || cmd.Process == nil || cmd.Process.Pid <= 0 {
		return nil
	}
	return syscall.Kill(-cmd.Process.Pid, sig)
}

// terminateProcess asks the group to exit. A stopped group has to be
// continued before it can act on SIGTERM.
func terminateProcess(cmd *exec.Cmd) error {
	err := signalGroup(cmd, syscall.SIGTERM)
	_ = signalGroup(cmd, syscall.SIGCONT)
	return err
}

func killProcess(cmd *exec.Cmd) error {
	return signalGroup(cmd, syscall.SIGKILL)
}

func suspendProcess(cmd *exec.Cmd) error {
	return signalGroup(cmd, syscall.SIGSTOP)
}

func resumeProcess(cmd *exec.Cmd) error {
	return signalGroup(cmd, syscall.SIGCONT)
}
