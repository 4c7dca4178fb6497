//go:build windows

package dist

import (
	"os/exec"
	"syscall"
)

func workerAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{}
}

func killGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
