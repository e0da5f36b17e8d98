package taskgraph

import "time"

// Stage is the lifecycle stage of a task.
type Stage string

const (
	StagePending         Stage = "pending"
	StageReady           Stage = "ready"
	StageInProgress      Stage = "in_progress"
	StageCompleted       Stage = "completed"
	StageBlockedQuestion Stage = "blocked_question"
	StageDeleted         Stage = "deleted"
)

// Terminal reports whether no further stage transitions are possible.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageDeleted
}

// Question is a blocking question raised by an agent while working a task.
type Question struct {
	ID         string     `json:"id"`
	Text       string     `json:"text"`
	Answer     string     `json:"answer,omitempty"`
	AskedAt    time.Time  `json:"askedAt"`
	AnsweredAt *time.Time `json:"answeredAt,omitempty"`
}

// Answered reports whether the question has received an answer.
func (q *Question) Answered() bool {
	return q.AnsweredAt != nil
}

// Task is a node in the per-session dependency DAG. IDs are always stored in
// global form (<session>_<local>); DependsOn holds global ids.
type Task struct {
	ID          string `json:"id"`
	SessionID   string `json:"sessionId"`
	Description string `json:"description"`

	DependsOn []string `json:"dependsOn,omitempty"`

	Stage    Stage `json:"stage"`
	Priority int   `json:"priority"`
	Pipeline bool  `json:"pipeline,omitempty"`

	Questions []Question `json:"questions,omitempty"`
	Summary   string     `json:"summary,omitempty"`

	// ResumeStage remembers the stage to return to when the last blocking
	// question is answered.
	ResumeStage Stage `json:"resumeStage,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// UnansweredQuestions returns the open questions in ask order.
func (t *Task) UnansweredQuestions() []Question {
	var open []Question
	for _, q := range t.Questions {
		if !q.Answered() {
			open = append(open, q)
		}
	}
	return open
}

// Clone returns a deep copy safe to hand out across goroutines.
func (t *Task) Clone() *Task {
	cp := *t
	cp.DependsOn = append([]string(nil), t.DependsOn...)
	cp.Questions = append([]Question(nil), t.Questions...)
	return &cp
}

// Spec describes a task to create. LocalID and dependency references may be
// local or global; they are normalized on entry.
type Spec struct {
	LocalID     string   `json:"id"`
	Description string   `json:"description"`
	DependsOn   []string `json:"dependsOn,omitempty"`
	Priority    int      `json:"priority,omitempty"`
	Pipeline    bool     `json:"pipeline,omitempty"`
}
