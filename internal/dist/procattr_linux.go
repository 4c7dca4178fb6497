//go:build linux

package dist

import "syscall"

// workerAttr puts the worker in its own process group and has the kernel kill
// it when the controller thread that started it exits.
func workerAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true, Pdeathsig: syscall.SIGKILL}
}
