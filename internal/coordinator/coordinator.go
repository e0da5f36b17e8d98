// Package coordinator is the daemon's evaluation core. A single evaluator
// goroutine consumes a FIFO signal queue and drives workflow state
// machines: it allocates pool agents, launches runner invocations, applies
// emitted side effects, and archives finished workflows. Serializing every
// state change through one goroutine keeps workflows free of locks.
package coordinator

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/apcdev/apc/internal/common/logger"
	"github.com/apcdev/apc/internal/events/bus"
	"github.com/apcdev/apc/internal/pool"
	"github.com/apcdev/apc/internal/runner"
	"github.com/apcdev/apc/internal/state"
	"github.com/apcdev/apc/internal/taskgraph"
	"github.com/apcdev/apc/internal/workflow"
)

// Signal kinds consumed by the evaluator.
const (
	SignalWorkflowStepReady = "workflow.step.ready"
	SignalAgentCompleted    = "agent.completed"
	SignalTaskCompleted     = "task.completed"
	SignalTaskReady         = "task.ready"
	SignalExternalDispatch  = "external.dispatch"
	SignalExternalCancel    = "external.cancel"
	SignalExternalAnswer    = "external.answer"
	SignalEvaluationResume  = "evaluation.resume"

	// signalEvaluationPause is the internal complement of
	// SignalEvaluationResume.
	signalEvaluationPause = "evaluation.pause"
)

// Signal is one entry in the evaluation queue. Only the fields relevant to
// its kind are set.
type Signal struct {
	Kind       string
	SessionID  string
	WorkflowID string
	AgentID    string
	TaskID     string

	// external.dispatch
	Workflow *workflow.Workflow

	// agent.completed
	Success              bool
	Output               string
	StoppedIntentionally bool

	// external.answer
	Answer string
}

// Config tunes the coordinator.
type Config struct {
	// WorkspaceRoot is the working directory agent subprocesses run in.
	WorkspaceRoot string
	// RunTimeout caps one agent invocation; zero uses the runner default.
	RunTimeout time.Duration
	// FixBudget bounds review-fix cycles per implementation workflow; zero
	// uses the workflow default.
	FixBudget int
	// AnalystCount is the number of parallel plan analysts; zero uses the
	// workflow default.
	AnalystCount int
	// QueueSize is the signal queue capacity.
	QueueSize int
}

func (c *Config) applyDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
}

// wfState is the coordinator's bookkeeping around one active workflow.
type wfState struct {
	w            *workflow.Workflow
	reservations map[string]pool.Reservation
	runIDs       map[string]string
	startedAt    time.Time
}

// sessionState is the per-session evaluation state.
type sessionState struct {
	id              string
	active          map[string]*wfState
	pending         pendingQueue
	paused          bool
	buffered        []Signal
	succeeded       int
	completableSent bool
}

// Coordinator owns workflow evaluation for every session in the workspace.
type Coordinator struct {
	cfg    Config
	logger *logger.Logger
	bus    bus.Bus
	pool   *pool.Pool
	runner *runner.Runner
	store  *state.Store
	tasks  *taskgraph.Manager
	env    workflow.Env

	signals chan Signal

	// mu guards sessions; the evaluator holds it while handling a signal so
	// snapshot readers see consistent state.
	mu       sync.Mutex
	sessions map[string]*sessionState

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a coordinator. Start must be called before dispatching.
func New(cfg Config, b bus.Bus, p *pool.Pool, r *runner.Runner, st *state.Store,
	tasks *taskgraph.Manager, env workflow.Env, log *logger.Logger) *Coordinator {
	cfg.applyDefaults()
	return &Coordinator{
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "coordinator")),
		bus:      b,
		pool:     p,
		runner:   r,
		store:    st,
		tasks:    tasks,
		env:      env,
		signals:  make(chan Signal, cfg.QueueSize),
		sessions: make(map[string]*sessionState),
	}
}

// Start launches the evaluator goroutine.
func (c *Coordinator) Start(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.evaluate()
	c.logger.Info("coordinator started")
}

// Stop cancels in-flight runs and waits for the evaluator to drain.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.logger.Info("coordinator stopped")
}

// Dispatch queues a workflow for evaluation.
func (c *Coordinator) Dispatch(w *workflow.Workflow) {
	c.send(Signal{Kind: SignalExternalDispatch, SessionID: w.SessionID, WorkflowID: w.ID, Workflow: w})
}

// Cancel requests cancellation of a pending or active workflow.
func (c *Coordinator) Cancel(sessionID, workflowID string) {
	c.send(Signal{Kind: SignalExternalCancel, SessionID: sessionID, WorkflowID: workflowID})
}

// Answer routes a human answer to a task's oldest open question.
func (c *Coordinator) Answer(sessionID, taskID, answer string) {
	c.send(Signal{Kind: SignalExternalAnswer, SessionID: sessionID, TaskID: taskID, Answer: answer})
}

// NotifyTaskReady asks the evaluator to start an implementation workflow
// for a ready task.
func (c *Coordinator) NotifyTaskReady(sessionID, taskID string) {
	c.send(Signal{Kind: SignalTaskReady, SessionID: sessionID, TaskID: taskID})
}

// PauseSession buffers task evaluation signals for the session until
// ResumeSession.
func (c *Coordinator) PauseSession(sessionID string) {
	c.send(Signal{Kind: signalEvaluationPause, SessionID: sessionID})
}

// ResumeSession replays signals buffered while the session was paused.
func (c *Coordinator) ResumeSession(sessionID string) {
	c.send(Signal{Kind: SignalEvaluationResume, SessionID: sessionID})
}

func (c *Coordinator) send(sig Signal) {
	select {
	case c.signals <- sig:
	case <-c.doneCh():
		c.logger.Warn("signal dropped, coordinator stopping", zap.String("kind", sig.Kind))
	}
}

func (c *Coordinator) doneCh() <-chan struct{} {
	if c.ctx != nil {
		return c.ctx.Done()
	}
	// Not started yet: never ready, sends rely on queue capacity.
	return nil
}

// SessionView is a read-only snapshot of a session's evaluation state.
type SessionView struct {
	SessionID string `json:"sessionId"`
	Active    int    `json:"active"`
	Pending   int    `json:"pending"`
	Paused    bool   `json:"paused"`
	Succeeded int    `json:"succeeded"`
}

// View snapshots the evaluation state of one session.
func (c *Coordinator) View(sessionID string) SessionView {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := SessionView{SessionID: sessionID}
	if st, ok := c.sessions[sessionID]; ok {
		v.Active = len(st.active)
		v.Pending = st.pending.Len()
		v.Paused = st.paused
		v.Succeeded = st.succeeded
	}
	return v
}

// Views snapshots every session the evaluator knows about, ordered by id.
func (c *Coordinator) Views() []SessionView {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]SessionView, 0, len(c.sessions))
	for id, st := range c.sessions {
		out = append(out, SessionView{
			SessionID: id,
			Active:    len(st.active),
			Pending:   st.pending.Len(),
			Paused:    st.paused,
			Succeeded: st.succeeded,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// ActiveWorkflows lists the ids of workflows currently active in a session.
func (c *Coordinator) ActiveWorkflows(sessionID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(st.active))
	for id := range st.active {
		out = append(out, id)
	}
	return out
}

// CancelSession cancels every pending and active workflow in a session.
func (c *Coordinator) CancelSession(sessionID string) {
	c.mu.Lock()
	st, ok := c.sessions[sessionID]
	var ids []string
	if ok {
		for id := range st.active {
			ids = append(ids, id)
		}
		for _, w := range st.pending {
			ids = append(ids, w.ID)
		}
	}
	c.mu.Unlock()
	for _, id := range ids {
		c.Cancel(sessionID, id)
	}
}

// Recover reclaims pool reservations left behind by a previous daemon run.
// Called once before Start, when no workflow can be active.
func (c *Coordinator) Recover() {
	freed := c.pool.ReleaseOrphansNotIn(map[string]struct{}{})
	if len(freed) > 0 {
		c.logger.Info("recovered orphaned agent reservations", zap.Strings("agents", freed))
	}
}
