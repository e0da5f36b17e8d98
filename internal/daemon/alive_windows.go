//go:build windows

package daemon

import "os"

// processAlive reports whether the pid names a live process. FindProcess
// opens a handle on Windows, so success implies liveness.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	_, err := os.FindProcess(pid)
	return err == nil
}
