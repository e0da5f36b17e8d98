package daemon

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInstanceIDIsStableAndShort(t *testing.T) {
	a := InstanceID("/home/dev/project-a")
	b := InstanceID("/home/dev/project-b")
	if len(a) != 8 {
		t.Fatalf("expected 8 hex chars, got %q", a)
	}
	if a != InstanceID("/home/dev/project-a") {
		t.Fatal("instance id must be deterministic")
	}
	if a == b {
		t.Fatal("distinct workspaces must not collide")
	}
}

func TestDiscoveryFilePathsUseTempDir(t *testing.T) {
	root := "/tmp/workspace-x"
	pid := PidFilePath(root)
	port := PortFilePath(root)
	if filepath.Dir(pid) != filepath.Clean(os.TempDir()) {
		t.Fatalf("pid file not in temp dir: %s", pid)
	}
	if !strings.HasSuffix(pid, ".pid") || !strings.HasSuffix(port, ".port") {
		t.Fatalf("unexpected suffixes: %s %s", pid, port)
	}
	if !strings.Contains(pid, "apc_daemon_"+InstanceID(root)) {
		t.Fatalf("pid file does not carry instance id: %s", pid)
	}
}

func TestRunningInstanceRoundTrip(t *testing.T) {
	root := t.TempDir()
	t.Cleanup(func() { RemoveInstanceFiles(root) })

	if _, _, ok := RunningInstance(root); ok {
		t.Fatal("no instance expected before files are written")
	}

	// Our own pid is definitely alive.
	if err := WriteInstanceFiles(root, 12345); err != nil {
		t.Fatalf("WriteInstanceFiles: %v", err)
	}
	pid, port, ok := RunningInstance(root)
	if !ok {
		t.Fatal("expected a running instance")
	}
	if pid != os.Getpid() {
		t.Fatalf("pid = %d, want %d", pid, os.Getpid())
	}
	if port != 12345 {
		t.Fatalf("port = %d, want 12345", port)
	}

	RemoveInstanceFiles(root)
	if _, _, ok := RunningInstance(root); ok {
		t.Fatal("instance files should be gone")
	}
}

func TestRunningInstanceCleansStalePidFile(t *testing.T) {
	root := t.TempDir()
	t.Cleanup(func() { RemoveInstanceFiles(root) })

	// A pid far above pid_max on typical systems.
	if err := os.WriteFile(PidFilePath(root), []byte("99999999"), 0o644); err != nil {
		t.Fatalf("write pid file: %v", err)
	}
	if err := os.WriteFile(PortFilePath(root), []byte("4242"), 0o644); err != nil {
		t.Fatalf("write port file: %v", err)
	}

	if _, _, ok := RunningInstance(root); ok {
		t.Fatal("stale pid must not count as running")
	}
	if _, err := os.Stat(PidFilePath(root)); !os.IsNotExist(err) {
		t.Fatal("stale pid file should have been removed")
	}
	if _, err := os.Stat(PortFilePath(root)); !os.IsNotExist(err) {
		t.Fatal("stale port file should have been removed")
	}
}

func TestRunningInstanceRejectsGarbagePid(t *testing.T) {
	root := t.TempDir()
	t.Cleanup(func() { RemoveInstanceFiles(root) })

	if err := os.WriteFile(PidFilePath(root), []byte("not-a-pid"), 0o644); err != nil {
		t.Fatalf("write pid file: %v", err)
	}
	if _, _, ok := RunningInstance(root); ok {
		t.Fatal("garbage pid must not count as running")
	}
}
