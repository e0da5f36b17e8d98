//go:build linux

package runner

import "syscall"

// sysProcAttr puts the subprocess in its own process group so the whole
// tree can be signalled at once, and asks the kernel to SIGTERM it if the
// daemon dies.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}
