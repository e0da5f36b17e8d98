package coordinator

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/apcdev/apc/internal/common/stringutil"
	"github.com/apcdev/apc/internal/events"
	"github.com/apcdev/apc/internal/events/bus"
	"github.com/apcdev/apc/internal/pool"
	"github.com/apcdev/apc/internal/runner"
	"github.com/apcdev/apc/internal/session"
	"github.com/apcdev/apc/internal/state"
	"github.com/apcdev/apc/internal/taskgraph"
	"github.com/apcdev/apc/internal/workflow"
)

// evaluate is the single evaluator goroutine. All session and workflow
// mutation happens here.
func (c *Coordinator) evaluate() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case sig := <-c.signals:
			c.mu.Lock()
			c.handleLocked(sig)
			c.mu.Unlock()
		}
	}
}

func (c *Coordinator) session(sessionID string) *sessionState {
	st, ok := c.sessions[sessionID]
	if !ok {
		st = &sessionState{id: sessionID, active: make(map[string]*wfState)}
		c.sessions[sessionID] = st
	}
	return st
}

// bufferable reports whether a signal kind is held back while a session's
// evaluations are paused. Agent completions keep flowing so the blocking
// workflow itself can progress.
func bufferable(kind string) bool {
	return kind == SignalTaskReady || kind == SignalTaskCompleted
}

func (c *Coordinator) handleLocked(sig Signal) {
	st := c.session(sig.SessionID)

	if st.paused && bufferable(sig.Kind) {
		st.buffered = append(st.buffered, sig)
		c.logger.Debug("signal buffered while paused",
			zap.String("kind", sig.Kind), zap.String("session_id", sig.SessionID))
		return
	}

	switch sig.Kind {
	case SignalExternalDispatch:
		if sig.Workflow == nil {
			c.logger.Error("dispatch signal without workflow")
			return
		}
		st.completableSent = false
		st.pending.push(sig.Workflow)
		c.logger.Info("workflow queued",
			zap.String("workflow_id", sig.Workflow.ID),
			zap.String("kind", string(sig.Workflow.Kind)),
			zap.String("session_id", sig.SessionID))
		c.pump(st)

	case SignalAgentCompleted:
		c.onAgentCompleted(st, sig)

	case SignalTaskReady:
		c.dispatchTask(st, sig.TaskID)

	case SignalTaskCompleted:
		c.publish(events.TaskCompleted, map[string]any{
			"sessionId": st.id, "taskId": sig.TaskID,
		})

	case SignalExternalCancel:
		c.cancelWorkflow(st, sig.WorkflowID)

	case SignalExternalAnswer:
		c.answer(st, sig)

	case SignalEvaluationResume:
		st.paused = false
		buffered := st.buffered
		st.buffered = nil
		c.logger.Info("session evaluations resumed",
			zap.String("session_id", st.id), zap.Int("replayed", len(buffered)))
		for _, b := range buffered {
			c.handleLocked(b)
		}

	case signalEvaluationPause:
		st.paused = true
		c.logger.Info("session evaluations paused", zap.String("session_id", st.id))

	case SignalWorkflowStepReady:
		if ws, ok := st.active[sig.WorkflowID]; ok {
			c.drive(st, ws, nil)
		}

	default:
		c.logger.Warn("unknown signal kind", zap.String("kind", sig.Kind))
	}

	c.checkCompletable(st)
}

// pump starts pending workflows. A blocking workflow at the head of the
// queue waits for the session to drain and, once active, holds the head
// until it finishes, serializing the session.
func (c *Coordinator) pump(st *sessionState) {
	for {
		for _, ws := range st.active {
			if ws.w.Blocking {
				return
			}
		}
		head := st.pending.peek()
		if head == nil {
			return
		}
		if head.Blocking && len(st.active) > 0 {
			return
		}
		w := st.pending.pop()
		if err := w.Transition(workflow.StatusRunning); err != nil {
			c.logger.Error("cannot start workflow", zap.String("workflow_id", w.ID), zap.Error(err))
			continue
		}
		ws := &wfState{
			w:            w,
			reservations: make(map[string]pool.Reservation),
			runIDs:       make(map[string]string),
			startedAt:    time.Now().UTC(),
		}
		st.active[w.ID] = ws
		c.publish(events.WorkflowStarted, map[string]any{
			"sessionId":  st.id,
			"workflowId": w.ID,
			"kind":       string(w.Kind),
		})
		c.drive(st, ws, nil)
	}
}

// drive advances one workflow until it waits, blocks, or terminates.
func (c *Coordinator) drive(st *sessionState, ws *wfState, sig *workflow.Signal) {
	w := ws.w
	for {
		step := w.Advance(sig)
		sig = nil

		switch step.Type {
		case workflow.StepNeedAgents:
			// Agents from the previous phase are idle at a phase boundary;
			// free them before asking for more so small pools cannot
			// deadlock against their own workflow.
			if len(ws.runIDs) == 0 && len(ws.reservations) > 0 {
				c.pool.ReleaseWorkflow(w.ID)
				ws.reservations = make(map[string]pool.Reservation)
			}
			reservations, err := c.pool.Allocate(w.ID, step.RoleID, w.SessionID, step.Count)
			if err != nil {
				var insufficient *pool.InsufficientAgentsError
				if errors.As(err, &insufficient) {
					if w.Status == workflow.StatusRunning {
						if terr := w.Transition(workflow.StatusBlocked); terr != nil {
							c.logger.Error("cannot block workflow", zap.Error(terr))
						}
					}
					c.logger.Info("workflow blocked on agents",
						zap.String("workflow_id", w.ID),
						zap.String("role_id", step.RoleID),
						zap.Int("requested", insufficient.Requested),
						zap.Int("available", insufficient.Available))
					c.publish(events.CoordinatorStatus, map[string]any{
						"sessionId":  st.id,
						"workflowId": w.ID,
						"state":      "blocked",
						"roleId":     step.RoleID,
						"requested":  insufficient.Requested,
					})
					return
				}
				c.finish(st, ws, workflow.StatusFailed, nil, err.Error(), false)
				return
			}
			if w.Status == workflow.StatusBlocked {
				if terr := w.Transition(workflow.StatusRunning); terr != nil {
					c.logger.Error("cannot unblock workflow", zap.Error(terr))
				}
			}
			names := make([]string, 0, len(reservations))
			for _, r := range reservations {
				ws.reservations[r.AgentID] = r
				names = append(names, r.AgentID)
			}
			c.publish(events.AgentAllocated, map[string]any{
				"sessionId":  st.id,
				"workflowId": w.ID,
				"roleId":     step.RoleID,
				"agents":     names,
			})
			w.Grant(names)

		case workflow.StepRunAgent:
			c.startRun(st, ws, step)

		case workflow.StepWait:
			return

		case workflow.StepEmit:
			c.emitStep(st, ws, step)

		case workflow.StepComplete:
			c.finish(st, ws, workflow.StatusCompleted, step.Output, "", false)
			return

		case workflow.StepFail:
			c.finish(st, ws, workflow.StatusFailed, nil, step.Reason, step.Escalate)
			return
		}
	}
}

// startRun marks the agent busy and launches the invocation off the
// evaluator goroutine. Completion re-enters the queue as agent.completed.
func (c *Coordinator) startRun(st *sessionState, ws *wfState, step workflow.Step) {
	w := ws.w
	res, ok := ws.reservations[step.AgentID]
	if !ok {
		c.logger.Error("run step for unreserved agent",
			zap.String("workflow_id", w.ID), zap.String("agent_id", step.AgentID))
		return
	}
	if err := c.pool.BeginBusy(res, summarize(step.Prompt, 80), step.LogPath); err != nil {
		c.logger.Error("cannot mark agent busy", zap.String("agent_id", step.AgentID), zap.Error(err))
	}

	runID := fmt.Sprintf("%s/%s", w.ID, step.AgentID)
	ws.runIDs[step.AgentID] = runID

	c.publish(events.AgentWorkStarted, map[string]any{
		"sessionId":  st.id,
		"workflowId": w.ID,
		"agentId":    step.AgentID,
		"roleId":     step.RoleID,
		"logFile":    step.LogPath,
	})
	c.publish(events.WorkflowProgress, map[string]any{
		"sessionId":  st.id,
		"workflowId": w.ID,
		"phase":      w.Phase,
	})

	sessionID, workflowID, agentID := st.id, w.ID, step.AgentID
	opts := runner.Options{
		ID:      runID,
		Prompt:  step.Prompt,
		Cwd:     c.cfg.WorkspaceRoot,
		Tier:    step.Tier,
		LogPath: step.LogPath,
		Timeout: c.cfg.RunTimeout,
	}
	go func() {
		result := c.runner.Run(c.ctx, opts)
		c.send(Signal{
			Kind:                 SignalAgentCompleted,
			SessionID:            sessionID,
			WorkflowID:           workflowID,
			AgentID:              agentID,
			Success:              result.Success,
			Output:               result.OutputText,
			StoppedIntentionally: result.StoppedIntentionally,
		})
	}()
}

func (c *Coordinator) onAgentCompleted(st *sessionState, sig Signal) {
	ws, ok := st.active[sig.WorkflowID]
	if !ok {
		// Late completion from a cancelled or finished workflow.
		c.logger.Debug("dropping completion for inactive workflow",
			zap.String("workflow_id", sig.WorkflowID), zap.String("agent_id", sig.AgentID))
		return
	}
	if res, reserved := ws.reservations[sig.AgentID]; reserved {
		if err := c.pool.EndBusy(res); err != nil {
			c.logger.Debug("end busy failed", zap.String("agent_id", sig.AgentID), zap.Error(err))
		}
	}
	delete(ws.runIDs, sig.AgentID)

	c.publish(events.AgentCompleted, map[string]any{
		"sessionId":            st.id,
		"workflowId":           sig.WorkflowID,
		"agentId":              sig.AgentID,
		"success":              sig.Success,
		"stoppedIntentionally": sig.StoppedIntentionally,
	})

	c.drive(st, ws, &workflow.Signal{
		Kind:                 workflow.SignalAgentCompleted,
		AgentID:              sig.AgentID,
		Success:              sig.Success,
		Output:               sig.Output,
		StoppedIntentionally: sig.StoppedIntentionally,
	})
}

// emitStep publishes a workflow-emitted event and applies its side effects.
func (c *Coordinator) emitStep(st *sessionState, ws *wfState, step workflow.Step) {
	if !events.Known(step.Event) {
		c.logger.Warn("workflow emitted unknown event type", zap.String("event", step.Event))
	}
	c.publish(step.Event, step.Payload)

	switch step.Event {
	case events.SessionUpdated:
		status, _ := step.Payload["status"].(string)
		if status != "" {
			c.applySessionStatus(st.id, session.Status(status))
		}
	case events.WorkflowProgress:
		doc, _ := step.Payload["contextDoc"].(string)
		if doc != "" {
			if err := c.store.WritePlanContext(st.id, []byte(doc)); err != nil {
				c.logger.Error("cannot write plan context",
					zap.String("session_id", st.id), zap.Error(err))
			}
		}
	case events.TaskCompleted:
		taskID, _ := step.Payload["taskId"].(string)
		summary, _ := step.Payload["summary"].(string)
		if taskID != "" {
			c.completeTask(st, taskID, summary)
		}
	}
}

// applySessionStatus persists a workflow-driven session status change,
// skipping edges the session model forbids.
func (c *Coordinator) applySessionStatus(sessionID string, to session.Status) {
	sess, err := c.store.LoadSession(sessionID)
	if err != nil {
		c.logger.Error("cannot load session for status update",
			zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	if sess.Status == to {
		return
	}
	if err := sess.Transition(to); err != nil {
		c.logger.Warn("skipping session status update", zap.Error(err))
		return
	}
	if err := c.store.SaveSession(sess); err != nil {
		c.logger.Error("cannot save session", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// completeTask marks the task done and queues implementation workflows for
// dependents that became ready.
func (c *Coordinator) completeTask(st *sessionState, taskID, summary string) {
	_, readyIDs, err := c.tasks.Complete(taskID, summary)
	if err != nil {
		c.logger.Error("cannot complete task", zap.String("task_id", taskID), zap.Error(err))
		return
	}
	c.publish(events.TaskStageChanged, map[string]any{
		"sessionId": st.id,
		"taskId":    taskID,
		"stage":     string(taskgraph.StageCompleted),
	})
	c.saveTasks(st.id)
	c.recordTaskActivity(st.id)
	for _, id := range readyIDs {
		c.publish(events.TaskReady, map[string]any{"sessionId": st.id, "taskId": id})
		c.handleLocked(Signal{Kind: SignalTaskReady, SessionID: st.id, TaskID: id})
	}
}

// dispatchTask starts an implementation workflow for a ready task.
func (c *Coordinator) dispatchTask(st *sessionState, taskID string) {
	task, err := c.tasks.Get(taskID)
	if err != nil {
		c.logger.Warn("task ready signal for unknown task", zap.String("task_id", taskID))
		return
	}
	if task.Stage != taskgraph.StageReady {
		c.logger.Debug("task not ready, skipping dispatch",
			zap.String("task_id", taskID), zap.String("stage", string(task.Stage)))
		return
	}
	if _, err := c.tasks.Start(taskID); err != nil {
		c.logger.Error("cannot start task", zap.String("task_id", taskID), zap.Error(err))
		return
	}
	c.saveTasks(st.id)
	c.publish(events.TaskStageChanged, map[string]any{
		"sessionId": st.id,
		"taskId":    taskID,
		"stage":     string(taskgraph.StageInProgress),
	})

	w, err := workflow.New(workflow.KindTaskImplementation, st.id, workflow.Input{
		TaskID:          task.ID,
		TaskDescription: task.Description,
		RetryBudget:     c.cfg.FixBudget,
	}, c.env)
	if err != nil {
		c.logger.Error("cannot create implementation workflow", zap.Error(err))
		return
	}
	// Task priorities rank high numbers first; the queue ranks low first.
	w.Priority = -task.Priority
	st.pending.push(w)
	c.pump(st)
}

// answer resolves a task's oldest open question and resumes it.
func (c *Coordinator) answer(st *sessionState, sig Signal) {
	q, unblocked, err := c.tasks.AnswerOldest(sig.TaskID, sig.Answer)
	if err != nil {
		c.logger.Error("cannot answer question", zap.String("task_id", sig.TaskID), zap.Error(err))
		return
	}
	c.saveTasks(st.id)
	if !unblocked {
		return
	}
	task, err := c.tasks.Get(sig.TaskID)
	if err != nil {
		return
	}
	c.publish(events.TaskStageChanged, map[string]any{
		"sessionId": st.id,
		"taskId":    task.ID,
		"stage":     string(task.Stage),
	})
	history := fmt.Sprintf("Question: %s\nAnswer: %s", q.Text, sig.Answer)
	switch task.Stage {
	case taskgraph.StageReady:
		c.handleLocked(Signal{Kind: SignalTaskReady, SessionID: st.id, TaskID: task.ID})
	case taskgraph.StageInProgress:
		w, werr := workflow.New(workflow.KindTaskImplementation, st.id, workflow.Input{
			TaskID:          task.ID,
			TaskDescription: task.Description,
			History:         history,
			RetryBudget:     c.cfg.FixBudget,
		}, c.env)
		if werr != nil {
			c.logger.Error("cannot create resume workflow", zap.Error(werr))
			return
		}
		st.pending.push(w)
		c.pump(st)
	}
}

// cancelWorkflow stops a pending or active workflow, terminating its runs
// and freeing its agents.
func (c *Coordinator) cancelWorkflow(st *sessionState, workflowID string) {
	if w := st.pending.remove(workflowID); w != nil {
		if err := w.Transition(workflow.StatusCancelled); err != nil {
			c.logger.Error("cannot cancel pending workflow", zap.Error(err))
		}
		c.archive(st, w, nil, "cancelled before start", time.Now().UTC())
		c.publish(events.WorkflowCancelled, map[string]any{
			"sessionId": st.id, "workflowId": w.ID, "kind": string(w.Kind),
		})
		return
	}

	ws, ok := st.active[workflowID]
	if !ok {
		c.logger.Debug("cancel for unknown workflow", zap.String("workflow_id", workflowID))
		return
	}
	for _, runID := range ws.runIDs {
		c.runner.Stop(runID)
	}
	if err := ws.w.Transition(workflow.StatusCancelled); err != nil {
		c.logger.Error("cannot cancel workflow", zap.Error(err))
	}
	freed := c.pool.ReleaseWorkflow(workflowID)
	delete(st.active, workflowID)
	c.archive(st, ws.w, nil, "cancelled", ws.startedAt)
	c.publish(events.WorkflowCancelled, map[string]any{
		"sessionId": st.id, "workflowId": workflowID, "kind": string(ws.w.Kind),
	})
	c.afterRelease(st, freed)
	c.resumeIfBlocking(st, ws.w)
	c.pump(st)
}

// finish terminates an active workflow, archives it, and reacts to its
// outputs.
func (c *Coordinator) finish(st *sessionState, ws *wfState, status workflow.Status,
	output map[string]any, reason string, escalate bool) {
	w := ws.w
	if err := w.Transition(status); err != nil {
		c.logger.Error("cannot finish workflow", zap.String("workflow_id", w.ID), zap.Error(err))
		w.Status = status
	}
	freed := c.pool.ReleaseWorkflow(w.ID)
	delete(st.active, w.ID)
	c.archive(st, w, output, reason, ws.startedAt)
	if status == workflow.StatusFailed &&
		(w.Kind == workflow.KindPlanningNew || w.Kind == workflow.KindPlanningRevision) {
		c.markPartialPlan(st.id)
	}

	c.publish(events.WorkflowCompleted, map[string]any{
		"sessionId":  st.id,
		"workflowId": w.ID,
		"kind":       string(w.Kind),
		"status":     string(status),
		"output":     output,
		"reason":     reason,
	})

	if status == workflow.StatusCompleted {
		st.succeeded++
		c.handleOutputs(st, w, output)
	}
	if escalate && w.ParentTaskID != "" {
		c.escalate(st, w, reason)
	}
	c.afterRelease(st, freed)
	c.resumeIfBlocking(st, w)
	c.pump(st)
}

// resumeIfBlocking lifts a pause held for a blocking workflow once that
// workflow terminates, replaying anything buffered meanwhile.
func (c *Coordinator) resumeIfBlocking(st *sessionState, w *workflow.Workflow) {
	if !w.Blocking || !st.paused {
		return
	}
	st.paused = false
	buffered := st.buffered
	st.buffered = nil
	c.logger.Info("blocking workflow finished, resuming session",
		zap.String("session_id", st.id), zap.Int("replayed", len(buffered)))
	for _, b := range buffered {
		c.handleLocked(b)
	}
}

func (c *Coordinator) archive(st *sessionState, w *workflow.Workflow,
	output map[string]any, reason string, startedAt time.Time) {
	rec := state.WorkflowRecord{
		WorkflowID:  w.ID,
		Kind:        string(w.Kind),
		Status:      string(w.Status),
		Phase:       w.Phase,
		Output:      output,
		Reason:      reason,
		StartedAt:   startedAt,
		CompletedAt: time.Now().UTC(),
	}
	if err := c.store.AppendHistory(st.id, rec); err != nil {
		c.logger.Error("cannot archive workflow", zap.String("workflow_id", w.ID), zap.Error(err))
	}
}

// handleOutputs reacts to the typed outputs of completed workflows.
func (c *Coordinator) handleOutputs(st *sessionState, w *workflow.Workflow, output map[string]any) {
	if w.Kind != workflow.KindErrorResolution || output == nil {
		return
	}
	taskID, _ := output["taskId"].(string)
	if taskID == "" {
		return
	}
	if question, ok := output["question"].(string); ok && question != "" {
		if _, err := c.tasks.AskQuestion(taskID, question); err != nil {
			c.logger.Error("cannot record question", zap.String("task_id", taskID), zap.Error(err))
			return
		}
		c.saveTasks(st.id)
		c.publish(events.TaskStageChanged, map[string]any{
			"sessionId": st.id,
			"taskId":    taskID,
			"stage":     string(taskgraph.StageBlockedQuestion),
		})
		return
	}
	if resume, _ := output["resumeReview"].(bool); resume {
		summary, _ := output["patchSummary"].(string)
		task, err := c.tasks.Get(taskID)
		if err != nil {
			c.logger.Error("cannot resume task", zap.String("task_id", taskID), zap.Error(err))
			return
		}
		next, werr := workflow.New(workflow.KindTaskImplementation, st.id, workflow.Input{
			TaskID:          task.ID,
			TaskDescription: task.Description,
			History:         summary,
			RetryBudget:     c.cfg.FixBudget,
		}, c.env)
		if werr != nil {
			c.logger.Error("cannot create resume workflow", zap.Error(werr))
			return
		}
		st.pending.push(next)
	}
}

// escalate hands an exhausted implementation workflow to error resolution.
func (c *Coordinator) escalate(st *sessionState, w *workflow.Workflow, reason string) {
	task, err := c.tasks.Get(w.ParentTaskID)
	if err != nil {
		c.logger.Error("cannot escalate unknown task", zap.String("task_id", w.ParentTaskID))
		return
	}
	next, werr := workflow.New(workflow.KindErrorResolution, st.id, workflow.Input{
		TaskID:          task.ID,
		TaskDescription: task.Description,
		ErrorDetail:     reason,
	}, c.env)
	if werr != nil {
		c.logger.Error("cannot create resolution workflow", zap.Error(werr))
		return
	}
	c.logger.Info("escalating task to error resolution",
		zap.String("task_id", task.ID), zap.String("from_workflow", w.ID))
	st.pending.push(next)
}

// afterRelease reacts to freed agents: broadcast pool occupancy and retry
// workflows blocked on allocation, across every session.
func (c *Coordinator) afterRelease(st *sessionState, freed []string) {
	if len(freed) == 0 {
		return
	}
	c.publish(events.PoolChanged, map[string]any{"counts": c.pool.Counts()})
	for _, other := range c.sessions {
		for _, ws := range other.active {
			if ws.w.Status == workflow.StatusBlocked {
				c.drive(other, ws, nil)
			}
		}
	}
}

// checkCompletable emits session.completable once per drain: no active or
// pending workflows and at least one success.
func (c *Coordinator) checkCompletable(st *sessionState) {
	if st.completableSent || st.succeeded == 0 {
		return
	}
	if len(st.active) > 0 || st.pending.Len() > 0 {
		return
	}
	st.completableSent = true
	c.publish(events.SessionCompletable, map[string]any{"sessionId": st.id})
}

// recordTaskActivity mirrors task-graph progress onto the session's
// execution counters.
func (c *Coordinator) recordTaskActivity(sessionID string) {
	sess, err := c.store.LoadSession(sessionID)
	if err != nil {
		c.logger.Error("cannot load session for activity update",
			zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	now := time.Now().UTC()
	sess.Execution.CompletedTasks = c.tasks.SessionProgress(sessionID).Completed
	sess.Execution.LastActivityAt = &now
	if err := c.store.SaveSession(sess); err != nil {
		c.logger.Error("cannot save session activity",
			zap.String("session_id", sessionID), zap.Error(err))
	}
}

// markPartialPlan flags a session whose planning failed after a plan file
// was already written, so clients can offer the draft for review.
func (c *Coordinator) markPartialPlan(sessionID string) {
	if _, err := c.store.ReadPlan(sessionID); err != nil {
		return
	}
	sess, err := c.store.LoadSession(sessionID)
	if err != nil {
		c.logger.Error("cannot load session for partial plan mark",
			zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	if sess.Metadata == nil {
		sess.Metadata = make(map[string]any)
	}
	sess.Metadata["partialPlan"] = true
	if err := c.store.SaveSession(sess); err != nil {
		c.logger.Error("cannot save partial plan mark",
			zap.String("session_id", sessionID), zap.Error(err))
	}
}

func (c *Coordinator) saveTasks(sessionID string) {
	if err := c.store.SaveTasks(sessionID, c.tasks.List(sessionID)); err != nil {
		c.logger.Error("cannot persist tasks", zap.String("session_id", sessionID), zap.Error(err))
	}
}

func (c *Coordinator) publish(eventType string, payload map[string]any) {
	if err := c.bus.Publish(bus.NewEnvelope(eventType, payload)); err != nil {
		c.logger.Debug("publish failed", zap.String("event", eventType), zap.Error(err))
	}
}

func summarize(s string, max int) string {
	line := s
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	return stringutil.TruncateStringWithEllipsis(line, max)
}
