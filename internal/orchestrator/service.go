// Package orchestrator is the public facade over the daemon's internals.
// Every external surface (HTTP API, websocket commands, CLI) goes through
// the Service; it owns session lifecycle decisions and delegates workflow
// evaluation to the coordinator.
package orchestrator

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/apcdev/apc/internal/common/logger"
	"github.com/apcdev/apc/internal/coordinator"
	"github.com/apcdev/apc/internal/events"
	"github.com/apcdev/apc/internal/events/bus"
	"github.com/apcdev/apc/internal/planfile"
	"github.com/apcdev/apc/internal/pool"
	"github.com/apcdev/apc/internal/session"
	"github.com/apcdev/apc/internal/state"
	"github.com/apcdev/apc/internal/taskgraph"
	"github.com/apcdev/apc/internal/workflow"
)

var (
	// ErrPlanHasCycle rejects approval of a plan whose tasks form a
	// dependency cycle.
	ErrPlanHasCycle = errors.New("plan tasks contain a dependency cycle")
	// ErrNoPlan is returned when an operation needs a plan file that does
	// not exist yet.
	ErrNoPlan = errors.New("session has no plan")
)

// InvalidStatusError reports an operation attempted in the wrong session
// status.
type InvalidStatusError struct {
	SessionID string
	Status    session.Status
	Op        string
}

func (e *InvalidStatusError) Error() string {
	return fmt.Sprintf("%s: session %s is %s", e.Op, e.SessionID, e.Status)
}

// Config tunes facade behavior.
type Config struct {
	// AnalystCount is the number of parallel plan analysts.
	AnalystCount int
	// FixBudget bounds implementation fix cycles.
	FixBudget int
	// MinRecommendedAgents and MaxRecommendedAgents clamp the pool size
	// suggestion derived from the plan's critical path.
	MinRecommendedAgents int
	MaxRecommendedAgents int
}

func (c *Config) applyDefaults() {
	if c.MinRecommendedAgents <= 0 {
		c.MinRecommendedAgents = 2
	}
	if c.MaxRecommendedAgents <= 0 {
		c.MaxRecommendedAgents = 5
	}
}

// Service is the session facade.
type Service struct {
	cfg    Config
	logger *logger.Logger
	bus    bus.Bus
	store  *state.Store
	tasks  *taskgraph.Manager
	coord  *coordinator.Coordinator
	pool   *pool.Pool
	env    workflow.Env
}

// New creates the facade.
func New(cfg Config, b bus.Bus, st *state.Store, tasks *taskgraph.Manager,
	coord *coordinator.Coordinator, p *pool.Pool, env workflow.Env, log *logger.Logger) *Service {
	cfg.applyDefaults()
	return &Service{
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "orchestrator")),
		bus:    b,
		store:  st,
		tasks:  tasks,
		coord:  coord,
		pool:   p,
		env:    env,
	}
}

// Recover reloads persisted sessions and tasks after a daemon restart and
// reclaims orphaned pool reservations. Sessions stopped mid-workflow keep
// their stoppedDuring marker for the client to act on.
func (s *Service) Recover() error {
	sessions, err := s.store.LoadAllSessions()
	if err != nil {
		return fmt.Errorf("failed to load sessions: %w", err)
	}
	for _, sess := range sessions {
		tasks, terr := s.store.LoadTasks(sess.ID)
		if terr != nil {
			s.logger.Error("cannot load tasks", zap.String("session_id", sess.ID), zap.Error(terr))
			continue
		}
		if lerr := s.tasks.Load(sess.ID, tasks); lerr != nil {
			s.logger.Error("cannot rebuild task graph", zap.String("session_id", sess.ID), zap.Error(lerr))
		}
	}
	s.coord.Recover()
	s.logger.Info("recovered sessions", zap.Int("count", len(sessions)))
	return nil
}

// StartPlanning creates a session and dispatches a planning workflow for
// the requirement. Docs name workspace files the planner should read;
// complexity ("low", "medium", "high") seeds the pool recommendation,
// which approval later refines from the actual task graph.
func (s *Service) StartPlanning(requirement string, docs []string, complexity string) (*session.Session, error) {
	id, err := s.store.NextSessionID()
	if err != nil {
		return nil, err
	}
	sess := session.New(id, requirement)
	sess.CurrentPlanPath = s.store.PlanPath(id)
	sess.SupportingDocs = append([]string(nil), docs...)
	sess.Complexity = complexity
	sess.RecommendedAgents = s.complexityAgents(complexity)
	if err := s.store.SaveSession(sess); err != nil {
		return nil, err
	}

	if err := s.dispatchPlanning(sess); err != nil {
		return nil, err
	}
	s.publish(events.SessionUpdated, map[string]any{
		"sessionId": sess.ID, "status": string(sess.Status),
	})
	s.logger.Info("planning started", zap.String("session_id", sess.ID))
	return sess.Clone(), nil
}

func (s *Service) dispatchPlanning(sess *session.Session) error {
	w, err := workflow.New(workflow.KindPlanningNew, sess.ID, workflow.Input{
		Requirement:  sess.Requirement,
		Docs:         sess.SupportingDocs,
		PlanPath:     s.store.PlanPath(sess.ID),
		AnalystCount: s.cfg.AnalystCount,
	}, s.env)
	if err != nil {
		return err
	}
	s.coord.Dispatch(w)
	return nil
}

// complexityAgents maps the client's sizing hint onto an initial pool
// recommendation within the configured clamp.
func (s *Service) complexityAgents(complexity string) int {
	switch strings.ToLower(strings.TrimSpace(complexity)) {
	case "low":
		return s.cfg.MinRecommendedAgents
	case "high":
		return s.cfg.MaxRecommendedAgents
	default:
		return (s.cfg.MinRecommendedAgents + s.cfg.MaxRecommendedAgents) / 2
	}
}

// RevisePlan backs up the current plan, moves the session to revising, and
// dispatches a blocking revision workflow. Task evaluation pauses for the
// session until the revision finishes.
func (s *Service) RevisePlan(sessionID, feedback string) (*session.Session, error) {
	sess, err := s.loadSession(sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != session.StatusReviewing && sess.Status != session.StatusApproved {
		return nil, &InvalidStatusError{SessionID: sessionID, Status: sess.Status, Op: "revise plan"}
	}

	backup, err := s.store.BackupPlan(sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to back up plan: %w", err)
	}
	plan, err := s.store.ReadPlan(sessionID)
	if err != nil {
		return nil, ErrNoPlan
	}

	if err := sess.Transition(session.StatusRevising); err != nil {
		return nil, err
	}
	sess.RecordRevision(feedback)
	sess.PlanHistory = append(sess.PlanHistory, *backup)
	if err := s.store.SaveSession(sess); err != nil {
		return nil, err
	}

	s.coord.PauseSession(sessionID)
	w, err := workflow.New(workflow.KindPlanningRevision, sessionID, workflow.Input{
		Requirement: sess.Requirement,
		PlanPath:    s.store.PlanPath(sessionID),
		PlanContent: string(plan),
		Feedback:    feedback,
		Version:     backup.Version,
	}, s.env)
	if err != nil {
		return nil, err
	}
	s.coord.Dispatch(w)

	s.publish(events.SessionUpdated, map[string]any{
		"sessionId": sessionID, "status": string(sess.Status),
	})
	s.logger.Info("plan revision dispatched",
		zap.String("session_id", sessionID), zap.Int("backup_version", backup.Version))
	return sess.Clone(), nil
}

// AddTaskToPlan requests a plan revision that appends one task.
func (s *Service) AddTaskToPlan(sessionID, description string) (*session.Session, error) {
	return s.RevisePlan(sessionID, "ADD TASK: "+description)
}

// ApprovePlan verifies the plan parses into an acyclic task graph, imports
// the tasks, and marks the session approved. A dependency cycle hard-blocks
// approval and returns the session to reviewing with no tasks imported.
func (s *Service) ApprovePlan(sessionID string, startExecution bool) (*session.Session, error) {
	sess, err := s.loadSession(sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != session.StatusReviewing {
		return nil, &InvalidStatusError{SessionID: sessionID, Status: sess.Status, Op: "approve plan"}
	}
	if err := sess.Transition(session.StatusVerifying); err != nil {
		return nil, err
	}

	plan, err := s.store.ReadPlan(sessionID)
	if err != nil {
		s.revert(sess, session.StatusReviewing)
		return nil, ErrNoPlan
	}
	specs, err := planfile.Parse(string(plan))
	if err != nil {
		s.revert(sess, session.StatusReviewing)
		return nil, fmt.Errorf("plan does not parse: %w", err)
	}

	if _, _, err := s.tasks.Import(sessionID, specs, taskgraph.Strict); err != nil {
		s.revert(sess, session.StatusReviewing)
		var cycle *taskgraph.CycleError
		if errors.As(err, &cycle) {
			s.logger.Warn("plan approval blocked by cycle",
				zap.String("session_id", sessionID), zap.Strings("path", cycle.Path))
			return nil, fmt.Errorf("%w: %v", ErrPlanHasCycle, err)
		}
		return nil, fmt.Errorf("task import failed: %w", err)
	}

	if err := s.store.SaveTasks(sessionID, s.tasks.List(sessionID)); err != nil {
		return nil, err
	}

	sess.RecommendedAgents = s.recommendAgents(sessionID)
	sess.Execution.TotalTasks = len(specs)
	if err := sess.Transition(session.StatusApproved); err != nil {
		return nil, err
	}
	if err := s.store.SaveSession(sess); err != nil {
		return nil, err
	}
	s.publish(events.SessionUpdated, map[string]any{
		"sessionId":         sessionID,
		"status":            string(sess.Status),
		"recommendedAgents": sess.RecommendedAgents,
		"totalTasks":        len(specs),
	})
	s.logger.Info("plan approved",
		zap.String("session_id", sessionID),
		zap.Int("tasks", len(specs)),
		zap.Int("recommended_agents", sess.RecommendedAgents))

	if startExecution {
		return s.StartExecution(sessionID)
	}
	return sess.Clone(), nil
}

// recommendAgents sizes the pool suggestion from graph shape: wide graphs
// (short critical path relative to task count) benefit from more agents.
func (s *Service) recommendAgents(sessionID string) int {
	total := len(s.tasks.List(sessionID))
	depth := s.tasks.CriticalPathLength(sessionID)
	if depth <= 0 {
		return s.cfg.MinRecommendedAgents
	}
	width := (total + depth - 1) / depth
	if width < s.cfg.MinRecommendedAgents {
		return s.cfg.MinRecommendedAgents
	}
	if width > s.cfg.MaxRecommendedAgents {
		return s.cfg.MaxRecommendedAgents
	}
	return width
}

// StartExecution begins implementing every ready task of an approved plan.
func (s *Service) StartExecution(sessionID string) (*session.Session, error) {
	sess, err := s.loadSession(sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != session.StatusApproved {
		return nil, &InvalidStatusError{SessionID: sessionID, Status: sess.Status, Op: "start execution"}
	}

	ready := s.tasks.Ready(sessionID)
	if len(ready) == 0 {
		return nil, fmt.Errorf("session %s has no ready tasks", sessionID)
	}
	now := nowUTC()
	sess.Execution.StartedAt = &now
	if err := s.store.SaveSession(sess); err != nil {
		return nil, err
	}
	for _, task := range ready {
		s.coord.NotifyTaskReady(sessionID, task.ID)
	}
	s.logger.Info("execution started",
		zap.String("session_id", sessionID), zap.Int("ready_tasks", len(ready)))
	return sess.Clone(), nil
}

// CancelPlan aborts the in-flight planning or revision work and reverts the
// session status: planning falls back to no_plan, a revision falls back to
// the state being revised from.
func (s *Service) CancelPlan(sessionID string) (*session.Session, error) {
	sess, err := s.loadSession(sessionID)
	if err != nil {
		return nil, err
	}

	s.coord.CancelSession(sessionID)

	var to session.Status
	switch sess.Status {
	case session.StatusPlanning:
		to = session.StatusNoPlan
	case session.StatusRevising, session.StatusVerifying:
		to = session.StatusReviewing
	default:
		return sess.Clone(), nil
	}
	if err := sess.Transition(to); err != nil {
		return nil, err
	}
	if err := s.store.SaveSession(sess); err != nil {
		return nil, err
	}
	s.publish(events.SessionUpdated, map[string]any{
		"sessionId": sessionID, "status": string(sess.Status),
	})
	s.logger.Info("plan cancelled", zap.String("session_id", sessionID), zap.String("status", string(to)))
	return sess.Clone(), nil
}

// StopSession cancels all session work, reverts the status the same way
// cancel does, and records which status it was stopped during so a restart
// can resume the interrupted work.
func (s *Service) StopSession(sessionID string) (*session.Session, error) {
	sess, err := s.loadSession(sessionID)
	if err != nil {
		return nil, err
	}
	s.coord.CancelSession(sessionID)
	s.pool.ReleaseSession(sessionID)

	if sess.Metadata == nil {
		sess.Metadata = make(map[string]any)
	}
	during := sess.Status
	sess.Metadata["stoppedDuring"] = string(during)

	var to session.Status
	switch during {
	case session.StatusPlanning:
		to = session.StatusNoPlan
	case session.StatusRevising, session.StatusVerifying:
		to = session.StatusReviewing
	}
	if to != "" {
		if err := sess.Transition(to); err != nil {
			return nil, err
		}
	}
	if err := s.store.SaveSession(sess); err != nil {
		return nil, err
	}
	s.publish(events.SessionUpdated, map[string]any{
		"sessionId": sessionID, "status": string(sess.Status), "stopped": true,
	})
	s.logger.Info("session stopped",
		zap.String("session_id", sessionID), zap.String("during", string(during)))
	return sess.Clone(), nil
}

// RestartPlanning throws the existing tasks away and plans again. A session
// stopped mid-revision resumes as a revision of the surviving plan, driven
// by the last recorded feedback; everything else replans from scratch.
func (s *Service) RestartPlanning(sessionID string) (*session.Session, error) {
	sess, err := s.loadSession(sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != session.StatusNoPlan && sess.Status != session.StatusReviewing {
		return nil, &InvalidStatusError{SessionID: sessionID, Status: sess.Status, Op: "restart planning"}
	}
	s.coord.CancelSession(sessionID)
	s.tasks.PurgeSession(sessionID)
	if err := s.store.SaveTasks(sessionID, nil); err != nil {
		return nil, err
	}
	stoppedDuring, _ := sess.Metadata["stoppedDuring"].(string)
	delete(sess.Metadata, "stoppedDuring")
	if err := sess.Transition(session.StatusPlanning); err != nil {
		return nil, err
	}
	if err := s.store.SaveSession(sess); err != nil {
		return nil, err
	}
	if stoppedDuring == string(session.StatusRevising) && len(sess.Revisions) > 0 {
		err = s.dispatchRevisionResume(sess)
	} else {
		err = s.dispatchPlanning(sess)
	}
	if err != nil {
		return nil, err
	}
	s.publish(events.SessionUpdated, map[string]any{
		"sessionId": sessionID, "status": string(sess.Status),
	})
	s.logger.Info("planning restarted",
		zap.String("session_id", sessionID), zap.String("stopped_during", stoppedDuring))
	return sess.Clone(), nil
}

// dispatchRevisionResume re-runs an interrupted revision against the plan
// on disk, falling back to fresh planning when no plan survived the stop.
func (s *Service) dispatchRevisionResume(sess *session.Session) error {
	plan, err := s.store.ReadPlan(sess.ID)
	if err != nil {
		return s.dispatchPlanning(sess)
	}
	feedback := sess.Revisions[len(sess.Revisions)-1].Feedback
	w, err := workflow.New(workflow.KindPlanningRevision, sess.ID, workflow.Input{
		Requirement: sess.Requirement,
		PlanPath:    s.store.PlanPath(sess.ID),
		PlanContent: string(plan),
		Feedback:    feedback,
		Version:     len(sess.PlanHistory),
	}, s.env)
	if err != nil {
		return err
	}
	s.coord.PauseSession(sess.ID)
	s.coord.Dispatch(w)
	return nil
}

// CompleteSession finalizes an approved session once the coordinator has
// drained its work. The coordinator only signals completability via the
// session.completable event; the transition itself stays a facade decision.
func (s *Service) CompleteSession(sessionID string) (*session.Session, error) {
	sess, err := s.loadSession(sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != session.StatusApproved {
		return nil, &InvalidStatusError{SessionID: sessionID, Status: sess.Status, Op: "complete session"}
	}
	view := s.coord.View(sessionID)
	if view.Active > 0 || view.Pending > 0 {
		return nil, fmt.Errorf("session %s still has workflows in flight", sessionID)
	}
	if err := sess.Transition(session.StatusCompleted); err != nil {
		return nil, err
	}
	if err := s.store.SaveSession(sess); err != nil {
		return nil, err
	}
	s.pool.ReleaseSession(sessionID)
	s.publish(events.SessionCompleted, map[string]any{
		"sessionId":      sessionID,
		"completedTasks": sess.Execution.CompletedTasks,
		"totalTasks":     sess.Execution.TotalTasks,
	})
	s.logger.Info("session completed", zap.String("session_id", sessionID))
	return sess.Clone(), nil
}

// RemoveSession deletes a session and everything attached to it.
func (s *Service) RemoveSession(sessionID string) error {
	s.coord.CancelSession(sessionID)
	s.pool.ReleaseSession(sessionID)
	s.tasks.PurgeSession(sessionID)
	if err := s.store.DeleteSession(sessionID); err != nil {
		return err
	}
	s.publish(events.SessionCompleted, map[string]any{"sessionId": sessionID, "removed": true})
	s.logger.Info("session removed", zap.String("session_id", sessionID))
	return nil
}

// AnswerQuestion resolves a blocked task's oldest open question.
func (s *Service) AnswerQuestion(taskID, answer string) error {
	sessionID, _, err := taskgraph.SplitTaskID(taskID)
	if err != nil {
		return err
	}
	s.coord.Answer(sessionID, taskID, answer)
	return nil
}

// GetSession returns a session snapshot.
func (s *Service) GetSession(sessionID string) (*session.Session, error) {
	sess, err := s.loadSession(sessionID)
	if err != nil {
		return nil, err
	}
	return sess.Clone(), nil
}

// ListSessions returns snapshots of every persisted session.
func (s *Service) ListSessions() ([]*session.Session, error) {
	return s.store.LoadAllSessions()
}

// GetPlan returns the session's current plan text.
func (s *Service) GetPlan(sessionID string) (string, error) {
	plan, err := s.store.ReadPlan(sessionID)
	if err != nil {
		return "", ErrNoPlan
	}
	return string(plan), nil
}

// GetTasks lists the session's tasks.
func (s *Service) GetTasks(sessionID string) []*taskgraph.Task {
	return s.tasks.List(sessionID)
}

// Progress summarizes the session's task execution.
func (s *Service) Progress(sessionID string) taskgraph.Progress {
	return s.tasks.SessionProgress(sessionID)
}

// GetHistory returns the session's archived workflow outcomes.
func (s *Service) GetHistory(sessionID string) ([]state.WorkflowRecord, error) {
	return s.store.LoadHistory(sessionID)
}

// PoolStatus snapshots the agent pool.
func (s *Service) PoolStatus() ([]pool.Info, pool.Counts) {
	return s.pool.Snapshot(), s.pool.Counts()
}

// ResizePool grows or shrinks the agent pool.
func (s *Service) ResizePool(size int) (pool.ResizeResult, error) {
	if size <= 0 {
		return pool.ResizeResult{}, fmt.Errorf("pool size must be positive, got %d", size)
	}
	result := s.pool.Resize(size)
	s.publish(events.PoolChanged, map[string]any{"counts": s.pool.Counts()})
	return result, nil
}

// RestAgent puts an available agent into a cooldown.
func (s *Service) RestAgent(agentID string, seconds int) error {
	d := pool.DefaultRestDuration
	if seconds > 0 {
		d = secondsToDuration(seconds)
	}
	if err := s.pool.Rest(agentID, d); err != nil {
		return err
	}
	s.publish(events.PoolChanged, map[string]any{"counts": s.pool.Counts()})
	return nil
}

func (s *Service) loadSession(sessionID string) (*session.Session, error) {
	id, err := taskgraph.NormalizeSessionID(sessionID)
	if err != nil {
		return nil, err
	}
	return s.store.LoadSession(id)
}

// revert undoes a tentative status change, logging rather than failing when
// the edge back is refused.
func (s *Service) revert(sess *session.Session, to session.Status) {
	if err := sess.Transition(to); err != nil {
		s.logger.Error("cannot revert session status", zap.Error(err))
		return
	}
	if err := s.store.SaveSession(sess); err != nil {
		s.logger.Error("cannot save reverted session", zap.Error(err))
	}
}

func (s *Service) publish(eventType string, payload map[string]any) {
	if err := s.bus.Publish(bus.NewEnvelope(eventType, payload)); err != nil {
		s.logger.Debug("publish failed", zap.String("event", eventType), zap.Error(err))
	}
}

func nowUTC() time.Time { return time.Now().UTC() }

func secondsToDuration(s int) time.Duration { return time.Duration(s) * time.Second }
