//go:build windows

package process

import (
	"fmt"
	"os/exec"
	"syscall"
)

// setupProcessGroup hides the console window; Windows has no process groups to join.
func setupProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.HideWindow = true
}

// interruptProcessGroup kills immediately; console processes cannot be sent SIGINT.
func interruptProcessGroup(cmd *exec.Cmd) error {
	return killProcessGroup(cmd)
}

// killProcessGroup kills the process tree with taskkill.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}

	killCmd := exec.Command("taskkill", "/F", "/T", "/PID", fmt.Sprintf("%d", cmd.Process.Pid))
	killCmd.SysProcAttr = &syscall.SysProcAttr{HideWindow: true}
	if err := killCmd.Run(); err != nil {
		return cmd.Process.Kill()
	}
	return nil
}
