// Package main is the entry point for the APC workspace daemon. One daemon
// serves one workspace root; clients discover it through the pid and port
// files in the OS temp directory.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/apcdev/apc/internal/common/config"
	"github.com/apcdev/apc/internal/common/logger"
	"github.com/apcdev/apc/internal/daemon"
)

const usage = `Usage: apcd start [flags] [workspaceRoot]

Starts the orchestration daemon for a workspace. workspaceRoot defaults to
the current directory.

Flags:
  --headless      run detached from any UI (default)
  --vscode        run as an editor-managed child process, JSON logs on stdout
  --interactive   run in the foreground with human-readable logs
  --port N        override the configured listen port
  --force         replace the discovery files of a live instance
  --verbose       force debug-level logging
`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 || args[0] != "start" {
		fmt.Fprint(os.Stderr, usage)
		return 1
	}

	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	headless := fs.Bool("headless", false, "run detached from any UI")
	vscode := fs.Bool("vscode", false, "run as an editor-managed child process")
	interactive := fs.Bool("interactive", false, "run in the foreground with console logs")
	port := fs.Int("port", 0, "override the configured listen port")
	force := fs.Bool("force", false, "replace the discovery files of a live instance")
	verbose := fs.Bool("verbose", false, "force debug-level logging")
	if err := fs.Parse(args[1:]); err != nil {
		return 1
	}

	modes := 0
	for _, set := range []bool{*headless, *vscode, *interactive} {
		if set {
			modes++
		}
	}
	if modes > 1 {
		fmt.Fprintln(os.Stderr, "at most one of --headless, --vscode, --interactive may be set")
		return 1
	}

	workspaceRoot := fs.Arg(0)
	if workspaceRoot == "" {
		workspaceRoot = "."
	}

	// A bootstrap logger covers config loading; the real logger is built
	// from the loaded configuration.
	bootLog, err := logger.NewLogger(logger.LoggingConfig{Level: "warn", Format: "console"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		return 1
	}

	cfg, err := config.Load(workspaceRoot, bootLog)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		return 1
	}
	if *verbose {
		cfg.LogLevel = "debug"
		cfg.Logging.Level = "debug"
	}

	format := "json"
	if *interactive {
		format = "console"
	}
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		return 1
	}
	defer log.Sync()
	logger.SetDefault(log)

	d, err := daemon.New(cfg, log)
	if err != nil {
		log.Error("daemon initialization failed", zap.Error(err))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = d.Run(ctx, daemon.Options{Force: *force, PortOverride: *port})
	if errors.Is(err, daemon.ErrAlreadyRunning) {
		if pid, livePort, ok := daemon.RunningInstance(cfg.WorkspaceRoot); ok {
			fmt.Printf("daemon already running: pid %d, port %d\n", pid, livePort)
		}
		return 0
	}
	if err != nil {
		log.Error("daemon exited with error", zap.Error(err))
		return 1
	}
	log.Info("daemon stopped")
	return 0
}
