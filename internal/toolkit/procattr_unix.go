//go:build unix && !linux

package toolkit

import "syscall"

// jobAttr keeps toolkit jobs in the caller's process group, so killing a
// worker's group takes its running job with it.
func jobAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{}
}
