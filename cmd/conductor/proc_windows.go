//go:build windows

package main

import "os/exec"

// configureDaemonProc leaves the process as is; a started process on Windows
// already outlives its parent.
func configureDaemonProc(cmd *exec.Cmd) {}
