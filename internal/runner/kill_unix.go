//go:build !windows

package runner

import (
	"os/exec"
	"syscall"
	"time"
)

// killGroup terminates the subprocess's whole process group: SIGTERM first,
// SIGKILL after a short grace period if the group is still alive.
func killGroup(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	pgid := -cmd.Process.Pid
	if err := syscall.Kill(pgid, syscall.SIGTERM); err != nil {
		return
	}
	go func() {
		time.Sleep(2 * time.Second)
		_ = syscall.Kill(pgid, syscall.SIGKILL)
	}()
}
