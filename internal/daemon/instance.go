package daemon

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// InstanceID derives the per-workspace daemon identity: the first 8 hex
// characters of the MD5 of the absolute workspace root. Two daemons collide
// only when they serve the same workspace, which is exactly the collision
// we want to detect.
func InstanceID(workspaceRoot string) string {
	sum := md5.Sum([]byte(workspaceRoot))
	return hex.EncodeToString(sum[:])[:8]
}

// PidFilePath returns the discovery pid file path for a workspace.
func PidFilePath(workspaceRoot string) string {
	return filepath.Join(os.TempDir(), fmt.Sprintf("apc_daemon_%s.pid", InstanceID(workspaceRoot)))
}

// PortFilePath returns the discovery port file path for a workspace.
func PortFilePath(workspaceRoot string) string {
	return filepath.Join(os.TempDir(), fmt.Sprintf("apc_daemon_%s.port", InstanceID(workspaceRoot)))
}

// WriteInstanceFiles records this process's pid and bound port for client
// discovery.
func WriteInstanceFiles(workspaceRoot string, port int) error {
	pid := strconv.Itoa(os.Getpid())
	if err := os.WriteFile(PidFilePath(workspaceRoot), []byte(pid), 0o644); err != nil {
		return fmt.Errorf("failed to write pid file: %w", err)
	}
	if err := os.WriteFile(PortFilePath(workspaceRoot), []byte(strconv.Itoa(port)), 0o644); err != nil {
		return fmt.Errorf("failed to write port file: %w", err)
	}
	return nil
}

// RemoveInstanceFiles deletes the discovery files. Missing files are fine.
func RemoveInstanceFiles(workspaceRoot string) {
	os.Remove(PidFilePath(workspaceRoot))
	os.Remove(PortFilePath(workspaceRoot))
}

// RunningInstance reports the pid and port of a live daemon for the
// workspace, or ok=false when none is running. A stale pid file whose
// process is gone is cleaned up.
func RunningInstance(workspaceRoot string) (pid, port int, ok bool) {
	raw, err := os.ReadFile(PidFilePath(workspaceRoot))
	if err != nil {
		return 0, 0, false
	}
	pid, err = strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || !processAlive(pid) {
		RemoveInstanceFiles(workspaceRoot)
		return 0, 0, false
	}
	if raw, err = os.ReadFile(PortFilePath(workspaceRoot)); err == nil {
		port, _ = strconv.Atoi(strings.TrimSpace(string(raw)))
	}
	return pid, port, true
}
