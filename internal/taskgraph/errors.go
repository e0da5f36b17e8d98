package taskgraph

import (
	"errors"
	"fmt"
	"strings"
)

// ErrTaskNotFound is returned when a referenced task does not exist.
var ErrTaskNotFound = errors.New("task not found")

// ErrNoOpenQuestion is returned when answering a task with no unanswered
// questions.
var ErrNoOpenQuestion = errors.New("task has no unanswered question")

// CycleError reports a dependency cycle. Path holds the task ids along the
// cycle, first and last entries equal.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle: %s", strings.Join(e.Path, " -> "))
}

// DuplicateIDError reports an attempt to create a task whose id already
// exists in the session.
type DuplicateIDError struct {
	ID string
}

func (e *DuplicateIDError) Error() string {
	return fmt.Sprintf("task id %s already exists", e.ID)
}

// UnknownDependencyError reports a dependency on a task that does not exist.
type UnknownDependencyError struct {
	ID  string
	Dep string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("task %s depends on unknown task %s", e.ID, e.Dep)
}

// StageTransitionError reports a disallowed stage change.
type StageTransitionError struct {
	ID   string
	From Stage
	To   Stage
}

func (e *StageTransitionError) Error() string {
	return fmt.Sprintf("task %s: cannot transition from %s to %s", e.ID, e.From, e.To)
}
