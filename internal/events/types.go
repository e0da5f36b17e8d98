// Package events defines the closed set of event types broadcast by the
// daemon and helpers for building their payloads.
package events

// Event types for sessions
const (
	SessionUpdated     = "session.updated"
	SessionCompleted   = "session.completed"
	SessionCompletable = "session.completable"
)

// Event types for workflows
const (
	WorkflowStarted   = "workflow.started"
	WorkflowProgress  = "workflow.progress"
	WorkflowCompleted = "workflow.completed"
	WorkflowCancelled = "workflow.cancelled"
)

// Event types for agents
const (
	AgentAllocated   = "agent.allocated"
	AgentWorkStarted = "agent.workStarted"
	AgentCompleted   = "agent.completed"
	PoolChanged      = "pool.changed"
)

// Event types for the coordinator
const (
	CoordinatorStatus = "coordinator.status"
)

// Event types for tasks
const (
	TaskCreated      = "task.created"
	TaskReady        = "task.ready"
	TaskStageChanged = "task.stageChanged"
	TaskCompleted    = "task.completed"
	TaskDeleted      = "task.deleted"
)

// Event types for dependency reporting
const (
	DepsList     = "deps.list"
	DepsProgress = "deps.progress"
)

// Event types for the daemon itself
const (
	DaemonProgress = "daemon.progress"
	DaemonError    = "daemon.error"
)

// All returns every recognized event type. The set is closed; new types are
// additions here, not ad-hoc strings at publish sites.
func All() []string {
	return []string{
		SessionUpdated, SessionCompleted, SessionCompletable,
		WorkflowStarted, WorkflowProgress, WorkflowCompleted, WorkflowCancelled,
		AgentAllocated, AgentWorkStarted, AgentCompleted, PoolChanged,
		CoordinatorStatus,
		TaskCreated, TaskReady, TaskStageChanged, TaskCompleted, TaskDeleted,
		DepsList, DepsProgress,
		DaemonProgress, DaemonError,
	}
}

// Known reports whether t is a recognized event type.
func Known(t string) bool {
	for _, known := range All() {
		if t == known {
			return true
		}
	}
	return false
}
