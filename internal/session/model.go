// Package session holds the planning session model shared by the state
// store, the coordinator, and the public facade.
package session

import (
	"fmt"
	"time"
)

// Status is the lifecycle status of a planning session.
type Status string

const (
	StatusPlanning  Status = "planning"
	StatusReviewing Status = "reviewing"
	StatusRevising  Status = "revising"
	StatusVerifying Status = "verifying"
	StatusApproved  Status = "approved"
	StatusNoPlan    Status = "no_plan"
	StatusCompleted Status = "completed"
)

// transitions enumerates the legal status edges.
var transitions = map[Status][]Status{
	StatusPlanning:  {StatusReviewing, StatusNoPlan},
	StatusReviewing: {StatusRevising, StatusVerifying, StatusApproved, StatusPlanning, StatusNoPlan},
	StatusRevising:  {StatusReviewing, StatusNoPlan},
	StatusVerifying: {StatusApproved, StatusRevising, StatusReviewing, StatusNoPlan},
	StatusApproved:  {StatusRevising, StatusCompleted},
	StatusNoPlan:    {StatusPlanning},
	StatusCompleted: nil,
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionError reports a disallowed session status change.
type TransitionError struct {
	SessionID string
	From      Status
	To        Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("session %s: cannot transition from %s to %s", e.SessionID, e.From, e.To)
}

// PlanVersion records one archived plan revision. Version 1 is the first
// backup taken before the plan was revised.
type PlanVersion struct {
	Version   int       `json:"version"`
	Path      string    `json:"path"`
	Timestamp time.Time `json:"timestamp"`
}

// RevisionFeedback records the feedback that drove one revision cycle.
type RevisionFeedback struct {
	Feedback  string    `json:"feedback"`
	Timestamp time.Time `json:"timestamp"`
}

// ExecutionState tracks plan execution progress.
type ExecutionState struct {
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	LastActivityAt *time.Time `json:"lastActivityAt,omitempty"`
	CompletedTasks int        `json:"completedTasks"`
	TotalTasks     int        `json:"totalTasks"`
}

// Session is a planning session: one requirement driven through plan,
// review, revise, approve, and execute.
type Session struct {
	ID          string `json:"id"`
	Requirement string `json:"requirement"`
	Status      Status `json:"status"`

	// SupportingDocs are workspace paths the client supplied as extra
	// planning context; Complexity is its sizing hint (low, medium, high).
	SupportingDocs []string `json:"supportingDocs,omitempty"`
	Complexity     string   `json:"complexity,omitempty"`

	CurrentPlanPath string             `json:"currentPlanPath,omitempty"`
	PlanHistory     []PlanVersion      `json:"planHistory,omitempty"`
	Revisions       []RevisionFeedback `json:"revisions,omitempty"`

	RecommendedAgents int            `json:"recommendedAgents,omitempty"`
	Execution         ExecutionState `json:"execution"`

	// Metadata holds free-form keys such as stoppedDuring, set when a
	// session is stopped mid-workflow and consumed on restart.
	Metadata map[string]any `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// New creates a session in planning status.
func New(id, requirement string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:          id,
		Requirement: requirement,
		Status:      StatusPlanning,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Transition applies a status change after validating the edge.
func (s *Session) Transition(to Status) error {
	if !CanTransition(s.Status, to) {
		return &TransitionError{SessionID: s.ID, From: s.Status, To: to}
	}
	s.Status = to
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// Active reports whether the session still has work in flight or pending.
func (s *Session) Active() bool {
	return s.Status != StatusCompleted && s.Status != StatusNoPlan
}

// Clone returns a deep copy safe to hand out across goroutines.
func (s *Session) Clone() *Session {
	cp := *s
	cp.SupportingDocs = append([]string(nil), s.SupportingDocs...)
	cp.PlanHistory = append([]PlanVersion(nil), s.PlanHistory...)
	cp.Revisions = append([]RevisionFeedback(nil), s.Revisions...)
	if s.Metadata != nil {
		cp.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// RecordRevision appends revision feedback with the current time.
func (s *Session) RecordRevision(feedback string) {
	s.Revisions = append(s.Revisions, RevisionFeedback{
		Feedback:  feedback,
		Timestamp: time.Now().UTC(),
	})
	s.UpdatedAt = time.Now().UTC()
}
