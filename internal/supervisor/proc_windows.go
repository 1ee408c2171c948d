//go:build windows

package supervisor

import (
	"errors"
	"os/exec"
)

func configureProcess(cmd *exec.Cmd) {}

func terminateProcess(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

func killProcess(cmd *exec.Cmd) error {
	return terminateProcess(cmd)
}

// Windows has no job control signals.
func suspendProcess(cmd *exec.Cmd) error { return errors.ErrUnsupported }

func resumeProcess(cmd *exec.Cmd) error { return errors.ErrUnsupported }
