package runner

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	// defaultRotateThreshold is the log size above which a new invocation
	// rotates the file aside.
	defaultRotateThreshold = 1 << 20 // 1 MiB
	// defaultRotateBackups bounds how many rotated files are kept.
	defaultRotateBackups = 3
)

// rotateLog moves logPath aside when it exceeds threshold, keeping at most
// backups rotated files (logPath.1 newest). Rotation failures are returned
// but callers treat them as non-fatal: losing rotation is better than
// losing the run.
func rotateLog(logPath string, threshold int64, backups int) error {
	info, err := os.Stat(logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Size() <= threshold {
		return nil
	}

	// Shift existing backups up, dropping the oldest.
	os.Remove(fmt.Sprintf("%s.%d", logPath, backups))
	for i := backups - 1; i >= 1; i-- {
		from := fmt.Sprintf("%s.%d", logPath, i)
		if _, err := os.Stat(from); err == nil {
			os.Rename(from, fmt.Sprintf("%s.%d", logPath, i+1))
		}
	}
	return os.Rename(logPath, logPath+".1")
}

// invocationLog is the append-only log for one run. Exactly one invocation
// writes to a given file at a time.
type invocationLog struct {
	f *os.File
}

func openInvocationLog(logPath string) (*invocationLog, error) {
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, err
	}
	if err := rotateLog(logPath, defaultRotateThreshold, defaultRotateBackups); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &invocationLog{f: f}, nil
}

// writeHeader records what this invocation is before any output arrives.
func (l *invocationLog) writeHeader(runID, backend, model, prompt string) {
	fmt.Fprintf(l.f, "=== invocation %s ===\n", runID)
	fmt.Fprintf(l.f, "time: %s\n", time.Now().UTC().Format(time.RFC3339))
	fmt.Fprintf(l.f, "backend: %s\nmodel: %s\n", backend, model)
	fmt.Fprintf(l.f, "prompt:\n%s\n=== output ===\n", prompt)
}

func (l *invocationLog) writeChunk(c Chunk) {
	fmt.Fprintf(l.f, "[%s] %s\n", c.Category, c.Text)
}

func (l *invocationLog) writeHeartbeat(idle time.Duration) {
	fmt.Fprintf(l.f, "[heartbeat] no output for %s\n", idle.Round(time.Second))
}

func (l *invocationLog) writeFooter(exitCode int, duration time.Duration, err error) {
	if err != nil {
		fmt.Fprintf(l.f, "=== done exit=%d duration=%s error=%v ===\n", exitCode, duration.Round(time.Millisecond), err)
		return
	}
	fmt.Fprintf(l.f, "=== done exit=%d duration=%s ===\n", exitCode, duration.Round(time.Millisecond))
}

func (l *invocationLog) Close() error { return l.f.Close() }
