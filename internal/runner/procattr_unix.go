//go:build unix && !linux

package runner

import "syscall"

// sysProcAttr puts the subprocess in its own process group so the whole
// tree can be signalled at once.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid: true,
	}
}
