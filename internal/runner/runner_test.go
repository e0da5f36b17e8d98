package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/apcdev/apc/internal/common/logger"
	"github.com/apcdev/apc/internal/roles"
)

// scriptBackend runs shell scripts and parses a trivial line protocol:
// "RESULT:x" is a final result, "ERR:x" an error, anything else text.
type scriptBackend struct {
	script string
}

func (b *scriptBackend) Name() string { return "script" }

func (b *scriptBackend) ModelFor(roles.ModelTier) string { return "test-model" }

func (b *scriptBackend) Command(_, _ string) (string, []string) {
	return "/bin/sh", []string{"-c", b.script}
}

func (b *scriptBackend) ParseLine(line string) Chunk {
	switch {
	case strings.HasPrefix(line, "RESULT:"):
		return Chunk{Category: ChunkFinalResult, Text: strings.TrimPrefix(line, "RESULT:")}
	case strings.HasPrefix(line, "ERR:"):
		return Chunk{Category: ChunkError, Text: strings.TrimPrefix(line, "ERR:")}
	default:
		return Chunk{Category: ChunkText, Text: line}
	}
}

func newScriptRunner(t *testing.T, script string) (*Runner, string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell-script backend requires a POSIX shell")
	}
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	r := New(&scriptBackend{script: script}, log)
	return r, filepath.Join(t.TempDir(), "run.log")
}

func TestRunSuccessCapturesFinalResult(t *testing.T) {
	r, logPath := newScriptRunner(t, `echo "hello"; echo "RESULT:done"`)

	var chunks []Chunk
	res := r.Run(context.Background(), Options{
		ID:            "run-1",
		Prompt:        "do the thing",
		LogPath:       logPath,
		Timeout:       10 * time.Second,
		OnOutputChunk: func(c Chunk) { chunks = append(chunks, c) },
	})

	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.OutputText != "done" {
		t.Errorf("output = %q, want %q", res.OutputText, "done")
	}
	if res.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", res.Attempts)
	}
	if len(chunks) != 2 || chunks[0].Category != ChunkText || chunks[1].Category != ChunkFinalResult {
		t.Errorf("unexpected chunks: %+v", chunks)
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("reading log: %v", err)
	}
	content := string(data)
	for _, want := range []string{"=== invocation run-1#1 ===", "prompt:", "do the thing", "[final_result] done", "=== done exit=0"} {
		if !strings.Contains(content, want) {
			t.Errorf("log missing %q:\n%s", want, content)
		}
	}
}

func TestTransientFailureRetriesWithBoundedSpawns(t *testing.T) {
	dir := t.TempDir()
	counter := filepath.Join(dir, "spawns")
	script := fmt.Sprintf(`echo x >> %q; echo "ERR:fetch failed"; exit 1`, counter)
	r, logPath := newScriptRunner(t, script)

	res := r.Run(context.Background(), Options{
		ID:         "run-retry",
		LogPath:    logPath,
		Timeout:    10 * time.Second,
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
	})

	if res.Success {
		t.Fatal("expected failure")
	}
	if !errors.Is(res.Err, ErrRunTransient) {
		t.Errorf("expected ErrRunTransient, got %v", res.Err)
	}
	if res.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", res.Attempts)
	}
	data, _ := os.ReadFile(counter)
	if spawns := strings.Count(string(data), "x"); spawns != 3 {
		t.Errorf("subprocess spawned %d times, want 3", spawns)
	}
}

func TestTransientRetrySucceedsOnLaterAttempt(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "attempted")
	// First run fails transiently; any later run succeeds.
	script := fmt.Sprintf(`if [ -f %q ]; then echo "RESULT:recovered"; else touch %q; echo "ERR:ECONNREFUSED"; exit 1; fi`, marker, marker)
	r, logPath := newScriptRunner(t, script)

	res := r.Run(context.Background(), Options{
		ID:         "run-recover",
		LogPath:    logPath,
		Timeout:    10 * time.Second,
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
	})

	if !res.Success || res.OutputText != "recovered" {
		t.Fatalf("expected recovery, got %+v", res)
	}
	if res.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", res.Attempts)
	}
}

func TestNonTransientFailureDoesNotRetry(t *testing.T) {
	r, logPath := newScriptRunner(t, `echo "ERR:syntax error in generated code"; exit 1`)

	res := r.Run(context.Background(), Options{
		ID:         "run-fail",
		LogPath:    logPath,
		Timeout:    10 * time.Second,
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
	})

	if res.Success {
		t.Fatal("expected failure")
	}
	if !errors.Is(res.Err, ErrRunFailure) {
		t.Errorf("expected ErrRunFailure, got %v", res.Err)
	}
	if res.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", res.Attempts)
	}
}

func TestTimeoutKillsProcessGroup(t *testing.T) {
	r, logPath := newScriptRunner(t, `sleep 30; echo "RESULT:too late"`)

	start := time.Now()
	res := r.Run(context.Background(), Options{
		ID:      "run-timeout",
		LogPath: logPath,
		Timeout: 300 * time.Millisecond,
	})

	if res.Success {
		t.Fatal("expected timeout failure")
	}
	if !errors.Is(res.Err, ErrRunTimeout) {
		t.Errorf("expected ErrRunTimeout, got %v", res.Err)
	}
	if res.Attempts != 1 {
		t.Errorf("timeout must not retry, attempts = %d", res.Attempts)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("kill took too long: %s", elapsed)
	}
}

func TestStopReportsIntentionalTermination(t *testing.T) {
	r, logPath := newScriptRunner(t, `echo "started"; sleep 30`)

	done := make(chan Result, 1)
	go func() {
		done <- r.Run(context.Background(), Options{
			ID:      "run-stop",
			LogPath: logPath,
			Timeout: time.Minute,
		})
	}()

	// Wait until the invocation registers, then stop it.
	deadline := time.After(5 * time.Second)
	for {
		if r.Stop("run-stop") {
			break
		}
		select {
		case <-deadline:
			t.Fatal("invocation never became stoppable")
		case <-time.After(10 * time.Millisecond):
		}
	}

	select {
	case res := <-done:
		if !res.Success || !res.StoppedIntentionally {
			t.Errorf("expected intentional stop, got %+v", res)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after stop")
	}
}

func TestLogRotationKeepsBackups(t *testing.T) {
	r, logPath := newScriptRunner(t, `echo "RESULT:ok"`)

	// Pre-fill past the rotation threshold.
	big := strings.Repeat("x", defaultRotateThreshold+1)
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(logPath, []byte(big), 0o644); err != nil {
		t.Fatal(err)
	}

	res := r.Run(context.Background(), Options{ID: "run-rotate", LogPath: logPath, Timeout: 10 * time.Second})
	if !res.Success {
		t.Fatalf("run failed: %+v", res)
	}

	rotated, err := os.ReadFile(logPath + ".1")
	if err != nil {
		t.Fatalf("expected rotated backup: %v", err)
	}
	if len(rotated) != len(big) {
		t.Errorf("rotated file size = %d, want %d", len(rotated), len(big))
	}
	fresh, _ := os.ReadFile(logPath)
	if strings.Contains(string(fresh), "xxxx") {
		t.Error("fresh log still contains pre-rotation content")
	}
}

func TestIsTransientPatterns(t *testing.T) {
	transient := []string{
		"fetch failed",
		"connect ECONNREFUSED 127.0.0.1:443",
		"read ECONNRESET",
		"ETIMEDOUT",
		"getaddrinfo ENOTFOUND api.example.com",
		"socket hang up",
		"network error while streaming",
		"request timeout",
		"upstream returned 502",
		"503 Service Unavailable",
		"HTTP 504 gateway timeout",
	}
	for _, text := range transient {
		if !IsTransient(text) {
			t.Errorf("IsTransient(%q) = false, want true", text)
		}
	}
	solid := []string{
		"syntax error",
		"permission denied",
		"exit status 1",
		"found 500 matches",
	}
	for _, text := range solid {
		if IsTransient(text) {
			t.Errorf("IsTransient(%q) = true, want false", text)
		}
	}
}
