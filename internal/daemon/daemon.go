// Package daemon assembles the workspace orchestration daemon: state
// store, event bus, agent pool, runner, coordinator, facade, HTTP API, and
// the websocket event stream, bound to one workspace root.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/apcdev/apc/internal/common/config"
	"github.com/apcdev/apc/internal/common/logger"
	"github.com/apcdev/apc/internal/common/portutil"
	"github.com/apcdev/apc/internal/coordinator"
	"github.com/apcdev/apc/internal/events"
	"github.com/apcdev/apc/internal/events/bus"
	"github.com/apcdev/apc/internal/gateway/websocket"
	"github.com/apcdev/apc/internal/orchestrator"
	"github.com/apcdev/apc/internal/pool"
	"github.com/apcdev/apc/internal/roles"
	"github.com/apcdev/apc/internal/runner"
	"github.com/apcdev/apc/internal/state"
	"github.com/apcdev/apc/internal/taskgraph"
	"github.com/apcdev/apc/internal/workflow"
)

// ErrAlreadyRunning is returned when a live daemon already serves the
// workspace.
var ErrAlreadyRunning = errors.New("daemon already running for this workspace")

// Daemon is one assembled daemon instance.
type Daemon struct {
	cfg    *config.Config
	logger *logger.Logger

	bus      bus.Bus
	busClose func() error
	store    *state.Store
	pool     *pool.Pool
	runner   *runner.Runner
	tasks    *taskgraph.Manager
	coord    *coordinator.Coordinator
	facade   *orchestrator.Service
	hub      *websocket.Hub

	// Port is the bound listen port, set once Run has a listener.
	Port int
}

// Options tune daemon startup beyond the config file.
type Options struct {
	// Force replaces a live instance's discovery files instead of failing.
	Force bool
	// PortOverride wins over the configured port when nonzero.
	PortOverride int
}

// New builds a daemon from configuration. Nothing is started yet.
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	st := state.NewStore(cfg.WorkingDir(), log)
	if err := st.EnsureLayout(); err != nil {
		return nil, fmt.Errorf("failed to prepare state directory: %w", err)
	}

	eventBus, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		return nil, err
	}

	registry := roles.NewRegistry(log)
	if err := registry.LoadOverrides(filepath.Join(cfg.ConfigDir(), "roles")); err != nil {
		log.Warn("role overrides not loaded", zap.Error(err))
	}

	backend, err := runner.NewBackend(cfg.DefaultBackend)
	if err != nil {
		closeBus()
		return nil, err
	}

	p := pool.New(cfg.AgentPoolSize, log)
	r := runner.New(backend, log)
	tasks := taskgraph.NewManager(log)
	env := workflow.Env{Roles: registry, Paths: st}

	coord := coordinator.New(coordinator.Config{
		WorkspaceRoot: cfg.WorkspaceRoot,
	}, eventBus, p, r, st, tasks, env, log)

	facade := orchestrator.New(orchestrator.Config{}, eventBus, st, tasks, coord, p, env, log)

	return &Daemon{
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "daemon")),
		bus:      eventBus,
		busClose: closeBus,
		store:    st,
		pool:     p,
		runner:   r,
		tasks:    tasks,
		coord:    coord,
		facade:   facade,
		hub:      websocket.NewHub(log),
	}, nil
}

// Facade exposes the session facade, mainly for tests.
func (d *Daemon) Facade() *orchestrator.Service { return d.facade }

// Run recovers persisted state, binds the listener, writes the discovery
// files, and serves until the context is cancelled.
func (d *Daemon) Run(ctx context.Context, opts Options) error {
	if pid, port, running := RunningInstance(d.cfg.WorkspaceRoot); running {
		if !opts.Force {
			d.logger.Info("daemon already running",
				zap.Int("pid", pid), zap.Int("port", port))
			return ErrAlreadyRunning
		}
		d.logger.Warn("replacing discovery files of live instance", zap.Int("pid", pid))
		RemoveInstanceFiles(d.cfg.WorkspaceRoot)
	}

	if err := d.facade.Recover(); err != nil {
		return err
	}

	port := d.cfg.Port
	if opts.PortOverride > 0 {
		port = opts.PortOverride
	}
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		if opts.PortOverride > 0 {
			return fmt.Errorf("failed to bind port %d: %w", port, err)
		}
		// The configured port is taken by something else. Fall back to an
		// ephemeral port; clients discover the actual one via the port file.
		alt, allocErr := portutil.AllocatePort()
		if allocErr != nil {
			return fmt.Errorf("failed to bind port %d: %w", port, err)
		}
		d.logger.Warn("configured port unavailable, falling back",
			zap.Int("configured", port), zap.Int("fallback", alt), zap.Error(err))
		listener, err = net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", alt))
		if err != nil {
			return fmt.Errorf("failed to bind fallback port %d: %w", alt, err)
		}
	}
	d.Port = listener.Addr().(*net.TCPAddr).Port

	if err := WriteInstanceFiles(d.cfg.WorkspaceRoot, d.Port); err != nil {
		listener.Close()
		return err
	}
	defer RemoveInstanceFiles(d.cfg.WorkspaceRoot)
	defer d.busClose()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	d.coord.Start(runCtx)
	defer d.coord.Stop()

	server := &http.Server{Handler: d.router()}

	group, groupCtx := errgroup.WithContext(runCtx)
	group.Go(func() error {
		d.hub.Run(groupCtx)
		return nil
	})
	group.Go(func() error {
		return d.hub.Bridge(groupCtx, d.bus)
	})
	group.Go(func() error {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	d.logger.Info("daemon serving",
		zap.String("workspace", d.cfg.WorkspaceRoot),
		zap.Int("port", d.Port),
		zap.String("backend", d.cfg.DefaultBackend))

	err = group.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}
