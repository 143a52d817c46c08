//go:build !windows

package workerpool

import (
	"os/exec"
	"syscall"
)

// configureProcess 让 worker 运行在独立进程组中，便于整体终止
func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcessTree 强制终止 worker 及其派生进程
func killProcessTree(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		return cmd.Process.Kill()
	}
	return nil
}
