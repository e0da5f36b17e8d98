// Package workflow defines the four workflow kinds as step-driven state
// machines. A workflow never performs I/O; it yields step requests
// (allocate agents, run an agent, wait, emit, complete, fail) and the
// coordinator executes them.
package workflow

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/apcdev/apc/internal/roles"
)

// Kind is the workflow type.
type Kind string

const (
	KindPlanningNew        Kind = "planning_new"
	KindPlanningRevision   Kind = "planning_revision"
	KindTaskImplementation Kind = "task_implementation"
	KindErrorResolution    Kind = "error_resolution"
)

// Status is the workflow lifecycle status. Transitions are monotonic:
// pending -> running <-> blocked -> completed | cancelled | failed.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusBlocked   Status = "blocked"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

var statusEdges = map[Status][]Status{
	StatusPending: {StatusRunning, StatusCancelled},
	StatusRunning: {StatusBlocked, StatusCompleted, StatusCancelled, StatusFailed},
	StatusBlocked: {StatusRunning, StatusCancelled, StatusFailed},
}

// CanTransition reports whether from -> to is a legal status edge.
func CanTransition(from, to Status) bool {
	for _, next := range statusEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StepType enumerates the requests a workflow can yield.
type StepType string

const (
	StepNeedAgents StepType = "need_agents"
	StepRunAgent   StepType = "run_agent"
	StepWait       StepType = "wait"
	StepEmit       StepType = "emit"
	StepComplete   StepType = "complete"
	StepFail       StepType = "fail"
)

// Step is one yielded request. Only the fields for its type are set.
type Step struct {
	Type StepType

	// need_agents
	RoleID string
	Count  int

	// run_agent
	AgentID string
	Prompt  string
	Tier    roles.ModelTier
	LogPath string

	// wait
	Signal string

	// emit
	Event   string
	Payload map[string]any

	// complete
	Output map[string]any

	// fail
	Reason string
	// Escalate asks the coordinator to spawn an error_resolution workflow
	// for the parent task.
	Escalate bool
}

// Signal is delivered into Advance when an awaited event arrives.
type Signal struct {
	Kind                 string
	AgentID              string
	Success              bool
	Output               string
	StoppedIntentionally bool
}

// SignalAgentCompleted is the signal kind workflows wait on.
const SignalAgentCompleted = "agent.completed"

// PathProvider supplies filesystem paths without giving workflows file I/O.
type PathProvider interface {
	PlanPath(sessionID string) string
	PlanContextPath(sessionID string) string
	AgentLogPath(sessionID, workflowID string, seq int, agentName string) string
}

// Env is the pure dependency set machines draw on.
type Env struct {
	Roles *roles.Registry
	Paths PathProvider
}

// Input is the dispatch payload. Fields irrelevant to a kind are ignored.
type Input struct {
	Requirement     string
	Docs            []string
	PlanPath        string
	PlanContent     string
	Feedback        string
	Version         int
	TaskID          string
	TaskDescription string
	History         string
	ErrorDetail     string
	AnalystCount    int
	RetryBudget     int
}

type machine interface {
	kind() Kind
	firstPhase() string
	advance(w *Workflow, sig *Signal) Step
}

// Workflow is one typed process instance. It is mutated only by the
// coordinator's evaluator, so it carries no locking.
type Workflow struct {
	ID           string
	SessionID    string
	Kind         Kind
	Status       Status
	Phase        string
	Priority     int
	Blocking     bool
	ParentTaskID string
	Input        Input
	Output       map[string]any
	History      []string
	EnqueuedAt   time.Time

	env Env
	m   machine

	// sub tracks position within a phase: "" entry, awaiting grant,
	// running, waiting.
	sub     string
	granted []string
	// inFlight counts agent runs awaiting completion in this phase.
	inFlight int
	runSeq   int

	contextDoc   string
	notes        []string
	implOutput   string
	reviewOutput string
	fixAttempts  int
}

const (
	subEntry   = ""
	subGranted = "granted"
	subWaiting = "waiting"
)

// New creates a workflow in pending status.
func New(kind Kind, sessionID string, input Input, env Env) (*Workflow, error) {
	var m machine
	switch kind {
	case KindPlanningNew:
		m = &planningNew{}
	case KindPlanningRevision:
		m = &planningRevision{}
	case KindTaskImplementation:
		m = &taskImplementation{}
	case KindErrorResolution:
		m = &errorResolution{}
	default:
		return nil, fmt.Errorf("unknown workflow kind %q", kind)
	}

	w := &Workflow{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		Kind:       kind,
		Status:     StatusPending,
		Phase:      m.firstPhase(),
		Input:      input,
		Output:     make(map[string]any),
		EnqueuedAt: time.Now().UTC(),
		env:        env,
		m:          m,
	}
	switch kind {
	case KindPlanningRevision:
		// Revisions serialize their session.
		w.Blocking = true
	case KindTaskImplementation, KindErrorResolution:
		w.ParentTaskID = input.TaskID
	}
	return w, nil
}

// Transition applies a status change after validating the edge.
func (w *Workflow) Transition(to Status) error {
	if !CanTransition(w.Status, to) {
		return fmt.Errorf("workflow %s: cannot transition from %s to %s", w.ID, w.Status, to)
	}
	w.Status = to
	return nil
}

// Grant hands allocated agent names to the workflow after a need_agents
// step was satisfied.
func (w *Workflow) Grant(agentNames []string) {
	w.granted = append(w.granted, agentNames...)
	if w.sub == subEntry {
		w.sub = subGranted
	}
}

// Advance produces the next step request. The coordinator calls it in a
// loop, re-entering with a signal when one arrives.
func (w *Workflow) Advance(sig *Signal) Step {
	step := w.m.advance(w, sig)
	w.History = append(w.History, fmt.Sprintf("%s/%s -> %s", w.Phase, w.sub, step.Type))
	return step
}

// enterPhase resets per-phase scratch state.
func (w *Workflow) enterPhase(phase string) {
	w.Phase = phase
	w.sub = subEntry
	w.granted = nil
	w.inFlight = 0
}

// takeGranted pops the next granted agent name.
func (w *Workflow) takeGranted() (string, bool) {
	if len(w.granted) == 0 {
		return "", false
	}
	name := w.granted[0]
	w.granted = w.granted[1:]
	return name, true
}

// nextLogPath names the log file for the workflow's next agent run.
func (w *Workflow) nextLogPath(agentName string) string {
	w.runSeq++
	return w.env.Paths.AgentLogPath(w.SessionID, w.ID, w.runSeq, agentName)
}

// tierFor looks up the role's tier preference, defaulting to mid when the
// role is unknown (possible with Unity-gated roles toggled off mid-flight).
func (w *Workflow) tierFor(roleID string) roles.ModelTier {
	role, err := w.env.Roles.Get(roleID)
	if err != nil {
		return roles.TierMid
	}
	return role.Tier
}

func need(roleID string, count int) Step {
	return Step{Type: StepNeedAgents, RoleID: roleID, Count: count}
}

func wait() Step {
	return Step{Type: StepWait, Signal: SignalAgentCompleted}
}

func fail(reason string) Step {
	return Step{Type: StepFail, Reason: reason}
}

func complete(output map[string]any) Step {
	return Step{Type: StepComplete, Output: output}
}
