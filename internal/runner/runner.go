package runner

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/apcdev/apc/internal/common/logger"
	"github.com/apcdev/apc/internal/roles"
)

const (
	// DefaultTimeout is the hard cap on one invocation. Idle heartbeats do
	// not extend it.
	DefaultTimeout = 30 * time.Minute
	// DefaultMaxRetries bounds retries of transient failures.
	DefaultMaxRetries = 2
	// DefaultRetryDelay is multiplied by the attempt number between retries.
	DefaultRetryDelay = 5 * time.Second

	defaultIdleThreshold   = 60 * time.Second
	defaultIdleLogInterval = 30 * time.Second

	// maxLineSize bounds a single streamed output line.
	maxLineSize = 1 << 20
)

// Options configures one invocation.
type Options struct {
	ID         string
	Prompt     string
	Cwd        string
	Tier       roles.ModelTier
	LogPath    string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration

	// OnOutputChunk receives every parsed chunk as it streams. Called from
	// the reader goroutine; must not block.
	OnOutputChunk func(Chunk)
	// OnProgress receives human-readable liveness notes (heartbeats,
	// retries).
	OnProgress func(message string)

	Metadata map[string]string
}

func (o *Options) applyDefaults() {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
}

// Result is the outcome of an invocation after all retries.
type Result struct {
	Success              bool
	OutputText           string
	ExitCode             int
	Duration             time.Duration
	StoppedIntentionally bool
	Attempts             int
	Err                  error
}

type invocation struct {
	cmd     *exec.Cmd
	stopped atomic.Bool
}

// Runner executes agent invocations. Safe for concurrent use across
// distinct invocation ids; the caller bounds concurrency via the pool.
type Runner struct {
	backend Backend
	logger  *logger.Logger

	mu     sync.Mutex
	active map[string]*invocation

	idleThreshold   time.Duration
	idleLogInterval time.Duration
}

// New creates a runner over one backend.
func New(backend Backend, log *logger.Logger) *Runner {
	return &Runner{
		backend:         backend,
		logger:          log.WithFields(zap.String("component", "agent-runner"), zap.String("backend", backend.Name())),
		active:          make(map[string]*invocation),
		idleThreshold:   defaultIdleThreshold,
		idleLogInterval: defaultIdleLogInterval,
	}
}

// Backend returns the backend this runner drives.
func (r *Runner) Backend() Backend { return r.backend }

// Stop requests intentional termination of a running invocation. The run
// reports success with StoppedIntentionally set, and no retry happens.
func (r *Runner) Stop(id string) bool {
	r.mu.Lock()
	inv, ok := r.active[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	inv.stopped.Store(true)
	killGroup(inv.cmd)
	r.logger.Info("invocation stopped", zap.String("run_id", id))
	return true
}

type attemptOutcome struct {
	success  bool
	stopped  bool
	timedOut bool
	exitCode int
	output   string
	errText  string
}

// Run executes the invocation, retrying transient failures up to
// MaxRetries. Total subprocess spawns never exceed MaxRetries+1.
func (r *Runner) Run(ctx context.Context, opts Options) Result {
	opts.applyDefaults()
	start := time.Now()

	var last attemptOutcome
	attempts := 0
	for attempt := 1; attempt <= opts.MaxRetries+1; attempt++ {
		attempts = attempt
		last = r.runOnce(ctx, opts, attempt)

		switch {
		case last.stopped:
			return Result{
				Success:              true,
				StoppedIntentionally: true,
				OutputText:           last.output,
				ExitCode:             last.exitCode,
				Duration:             time.Since(start),
				Attempts:             attempts,
			}
		case last.timedOut:
			return Result{
				ExitCode: last.exitCode,
				Duration: time.Since(start),
				Attempts: attempts,
				Err:      fmt.Errorf("%w after %s", ErrRunTimeout, opts.Timeout),
			}
		case last.success:
			return Result{
				Success:    true,
				OutputText: last.output,
				ExitCode:   last.exitCode,
				Duration:   time.Since(start),
				Attempts:   attempts,
			}
		}

		if !IsTransient(last.errText) {
			return Result{
				OutputText: last.output,
				ExitCode:   last.exitCode,
				Duration:   time.Since(start),
				Attempts:   attempts,
				Err:        fmt.Errorf("%w: %s", ErrRunFailure, firstLine(last.errText)),
			}
		}
		if attempt <= opts.MaxRetries {
			delay := opts.RetryDelay * time.Duration(attempt)
			r.logger.Warn("transient failure, retrying",
				zap.String("run_id", opts.ID),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay))
			if opts.OnProgress != nil {
				opts.OnProgress(fmt.Sprintf("transient failure, retry %d/%d in %s", attempt, opts.MaxRetries, delay))
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return Result{
					Success:              true,
					StoppedIntentionally: true,
					Duration:             time.Since(start),
					Attempts:             attempts,
				}
			}
		}
	}

	return Result{
		OutputText: last.output,
		ExitCode:   last.exitCode,
		Duration:   time.Since(start),
		Attempts:   attempts,
		Err:        fmt.Errorf("%w: %s", ErrRunTransient, firstLine(last.errText)),
	}
}

func (r *Runner) runOnce(ctx context.Context, opts Options, attempt int) attemptOutcome {
	model := r.backend.ModelFor(opts.Tier)

	log, err := openInvocationLog(opts.LogPath)
	if err != nil {
		return attemptOutcome{errText: err.Error()}
	}
	defer log.Close()
	log.writeHeader(fmt.Sprintf("%s#%d", opts.ID, attempt), r.backend.Name(), model, opts.Prompt)

	bin, args := r.backend.Command(opts.Prompt, model)
	cmd := exec.Command(bin, args...)
	cmd.Dir = opts.Cwd
	cmd.Env = os.Environ()
	cmd.SysProcAttr = sysProcAttr()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return attemptOutcome{errText: err.Error()}
	}
	var stderr strings.Builder
	cmd.Stderr = &limitedWriter{w: &stderr, limit: 64 << 10}

	if err := cmd.Start(); err != nil {
		log.writeFooter(-1, 0, err)
		return attemptOutcome{exitCode: -1, errText: err.Error()}
	}

	inv := &invocation{cmd: cmd}
	r.mu.Lock()
	r.active[opts.ID] = inv
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.active, opts.ID)
		r.mu.Unlock()
	}()

	started := time.Now()
	var lastActivity atomic.Int64
	lastActivity.Store(started.UnixNano())

	var timedOut atomic.Bool
	timeout := time.AfterFunc(opts.Timeout, func() {
		timedOut.Store(true)
		killGroup(cmd)
	})
	defer timeout.Stop()

	// Cancellation through the context behaves like an intentional stop.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			inv.stopped.Store(true)
			killGroup(cmd)
		case <-watchDone:
		}
	}()

	// Idle monitor: heartbeat lines keep the log live during long silent
	// stretches without resetting the hard timeout.
	heartbeatDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(r.idleLogInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				idle := time.Since(time.Unix(0, lastActivity.Load()))
				if idle >= r.idleThreshold {
					log.writeHeartbeat(idle)
					if opts.OnProgress != nil {
						opts.OnProgress(fmt.Sprintf("agent quiet for %s", idle.Round(time.Second)))
					}
				}
			case <-heartbeatDone:
				return
			}
		}
	}()

	var (
		finalResult string
		textParts   []string
		internalErr string
	)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64<<10), maxLineSize)
	for scanner.Scan() {
		lastActivity.Store(time.Now().UnixNano())
		chunk := r.backend.ParseLine(scanner.Text())
		log.writeChunk(chunk)
		if opts.OnOutputChunk != nil {
			opts.OnOutputChunk(chunk)
		}
		switch chunk.Category {
		case ChunkFinalResult:
			finalResult = chunk.Text
		case ChunkText:
			textParts = append(textParts, chunk.Text)
		case ChunkError:
			internalErr = chunk.Text
		}
	}
	close(heartbeatDone)

	waitErr := cmd.Wait()
	exitCode := 0
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	duration := time.Since(started)

	output := finalResult
	if output == "" {
		output = strings.Join(textParts, "\n")
	}
	// Error text for transient matching: backend-reported error first, then
	// stderr, then the exit error.
	errText := internalErr
	if errText == "" {
		errText = stderr.String()
	}
	if errText == "" && waitErr != nil {
		errText = waitErr.Error()
	}

	outcome := attemptOutcome{
		exitCode: exitCode,
		output:   output,
		errText:  errText,
	}
	switch {
	case inv.stopped.Load():
		outcome.stopped = true
		log.writeFooter(exitCode, duration, nil)
	case timedOut.Load():
		outcome.timedOut = true
		log.writeFooter(exitCode, duration, ErrRunTimeout)
	default:
		outcome.success = waitErr == nil && exitCode == 0 && internalErr == ""
		log.writeFooter(exitCode, duration, waitErr)
	}

	r.logger.Debug("invocation attempt finished",
		zap.String("run_id", opts.ID),
		zap.Int("attempt", attempt),
		zap.Int("exit_code", exitCode),
		zap.Bool("success", outcome.success),
		zap.Duration("duration", duration))
	return outcome
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// limitedWriter keeps at most limit bytes, dropping the excess. Stderr is
// only used for transient-pattern matching, so the head is what matters.
type limitedWriter struct {
	w     *strings.Builder
	limit int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	remain := lw.limit - lw.w.Len()
	if remain > 0 {
		if len(p) > remain {
			lw.w.Write(p[:remain])
		} else {
			lw.w.Write(p)
		}
	}
	return len(p), nil
}
