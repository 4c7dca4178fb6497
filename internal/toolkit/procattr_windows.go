//go:build windows

package toolkit

import "syscall"

func jobAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{}
}
