//go:build linux

package toolkit

import "syscall"

// jobAttr keeps toolkit jobs in the caller's process group, so killing a
// worker's group takes its running job with it. The kernel also kills the job
// if the thread that started it exits.
func jobAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Pdeathsig: syscall.SIGKILL}
}
