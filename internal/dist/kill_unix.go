//go:build unix

package dist

import (
	"os/exec"
	"syscall"
)

// killGroup kills the worker's whole process group. Toolkit jobs stay in the
// worker's group, so a running job dies with its worker.
func killGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		return cmd.Process.Kill()
	}
	return nil
}
