package taskgraph

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/apcdev/apc/internal/common/logger"
)

// ImportMode controls how unknown dependency references are treated.
type ImportMode int

const (
	// Strict rejects a task whose dependency does not exist.
	Strict ImportMode = iota
	// Lenient drops unknown dependencies with a warning.
	Lenient
)

// StageChange records a single stage transition applied to a task.
type StageChange struct {
	TaskID string
	From   Stage
	To     Stage
}

// Manager owns the in-memory task DAG for all sessions. All mutation paths
// preserve acyclicity and stage monotonicity; mutations report the dependent
// tasks that became ready so callers can publish readiness exactly once.
type Manager struct {
	mu    sync.RWMutex
	tasks map[string]*Task
	// dependents is the reverse adjacency: dep id -> ids depending on it.
	dependents map[string][]string
	logger     *logger.Logger
}

// NewManager creates an empty task graph manager.
func NewManager(log *logger.Logger) *Manager {
	return &Manager{
		tasks:      make(map[string]*Task),
		dependents: make(map[string][]string),
		logger:     log.WithFields(zap.String("component", "taskgraph")),
	}
}

// Create validates and inserts a single task. In Lenient mode unknown
// dependencies are dropped and reported as warnings; in Strict mode they are
// an error. The returned slice lists dropped dependency ids.
func (m *Manager) Create(sessionID string, spec Spec, mode ImportMode) (*Task, []string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, dropped, err := m.buildTask(sessionID, spec, mode, nil)
	if err != nil {
		return nil, nil, err
	}
	m.insert(task)
	m.logger.Debug("task created",
		zap.String("task_id", task.ID),
		zap.String("stage", string(task.Stage)))
	return task.Clone(), dropped, nil
}

// Import inserts a batch of tasks atomically. The whole batch is validated,
// including acyclicity across intra-batch dependencies, before any task is
// inserted. Unknown dependencies follow mode as in Create.
func (m *Manager) Import(sessionID string, specs []Spec, mode ImportMode) ([]*Task, []string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sid, err := NormalizeSessionID(sessionID)
	if err != nil {
		return nil, nil, err
	}

	// First pass: resolve ids so intra-batch dependency references work.
	batchIDs := make(map[string]struct{}, len(specs))
	for _, spec := range specs {
		id, err := NormalizeTaskID(sid, spec.LocalID)
		if err != nil {
			return nil, nil, err
		}
		if _, dup := batchIDs[id]; dup {
			return nil, nil, &DuplicateIDError{ID: id}
		}
		batchIDs[id] = struct{}{}
	}

	var (
		built      []*Task
		allDropped []string
	)
	for _, spec := range specs {
		task, dropped, err := m.buildTask(sid, spec, mode, batchIDs)
		if err != nil {
			return nil, nil, err
		}
		built = append(built, task)
		allDropped = append(allDropped, dropped...)
	}

	if err := m.checkBatchAcyclic(built); err != nil {
		return nil, nil, err
	}

	out := make([]*Task, 0, len(built))
	for _, task := range built {
		m.insert(task)
		out = append(out, task.Clone())
	}
	// Intra-batch dependencies may be satisfied only once the full batch is
	// in place, so recompute readiness after insertion.
	for _, task := range built {
		m.refreshReadiness(task)
	}
	for i, task := range built {
		out[i] = task.Clone()
	}

	m.logger.Info("task batch imported",
		zap.String("session_id", sid),
		zap.Int("count", len(out)))
	return out, allDropped, nil
}

// buildTask normalizes and validates one spec. extra holds ids that should be
// treated as existing (intra-batch references). Caller holds the lock.
func (m *Manager) buildTask(sessionID string, spec Spec, mode ImportMode, extra map[string]struct{}) (*Task, []string, error) {
	sid, err := NormalizeSessionID(sessionID)
	if err != nil {
		return nil, nil, err
	}
	id, err := NormalizeTaskID(sid, spec.LocalID)
	if err != nil {
		return nil, nil, err
	}
	if _, exists := m.tasks[id]; exists {
		return nil, nil, &DuplicateIDError{ID: id}
	}

	var (
		deps    []string
		dropped []string
		seen    = make(map[string]struct{})
	)
	for _, rawDep := range spec.DependsOn {
		dep, err := NormalizeTaskID(sid, rawDep)
		if err != nil {
			return nil, nil, err
		}
		if dep == id {
			return nil, nil, &CycleError{Path: []string{id, id}}
		}
		if _, dup := seen[dep]; dup {
			continue
		}
		seen[dep] = struct{}{}

		_, known := m.tasks[dep]
		if !known && extra != nil {
			_, known = extra[dep]
		}
		if !known {
			if mode == Strict {
				return nil, nil, &UnknownDependencyError{ID: id, Dep: dep}
			}
			dropped = append(dropped, dep)
			m.logger.Warn("dropping unknown dependency",
				zap.String("task_id", id), zap.String("dependency", dep))
			continue
		}
		deps = append(deps, dep)
	}

	now := time.Now().UTC()
	task := &Task{
		ID:          id,
		SessionID:   sid,
		Description: spec.Description,
		DependsOn:   deps,
		Priority:    spec.Priority,
		Pipeline:    spec.Pipeline,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	task.Stage = m.initialStage(task)
	return task, dropped, nil
}

// insert wires the task into the forward map and the reverse adjacency.
// Caller holds the lock.
func (m *Manager) insert(task *Task) {
	m.tasks[task.ID] = task
	for _, dep := range task.DependsOn {
		m.dependents[dep] = append(m.dependents[dep], task.ID)
	}
}

// initialStage computes ready vs pending from current dependency stages.
func (m *Manager) initialStage(task *Task) Stage {
	if m.depsSatisfied(task) {
		return StageReady
	}
	return StagePending
}

// depsSatisfied reports whether every dependency is completed or deleted.
// Unknown deps (possible for intra-batch order) count as unsatisfied.
func (m *Manager) depsSatisfied(task *Task) bool {
	for _, dep := range task.DependsOn {
		d, ok := m.tasks[dep]
		if !ok {
			return false
		}
		if d.Stage != StageCompleted && d.Stage != StageDeleted {
			return false
		}
	}
	return true
}

// refreshReadiness promotes pending -> ready (or demotes ready -> pending)
// to match the current dependency stages. Caller holds the lock.
func (m *Manager) refreshReadiness(task *Task) {
	switch task.Stage {
	case StagePending:
		if m.depsSatisfied(task) {
			task.Stage = StageReady
			task.UpdatedAt = time.Now().UTC()
		}
	case StageReady:
		if !m.depsSatisfied(task) {
			task.Stage = StagePending
			task.UpdatedAt = time.Now().UTC()
		}
	}
}

// Get returns a copy of the task.
func (m *Manager) Get(taskID string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return task.Clone(), nil
}

// List returns all tasks for a session in deterministic id order.
func (m *Manager) List(sessionID string) []*Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Task
	for _, task := range m.tasks {
		if task.SessionID == sessionID {
			out = append(out, task.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Ready returns the session's ready tasks ordered by priority (higher first)
// then id.
func (m *Manager) Ready(sessionID string) []*Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Task
	for _, task := range m.tasks {
		if task.SessionID == sessionID && task.Stage == StageReady {
			out = append(out, task.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Start marks a ready task in progress.
func (m *Manager) Start(taskID string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if task.Stage != StageReady {
		return nil, &StageTransitionError{ID: taskID, From: task.Stage, To: StageInProgress}
	}
	task.Stage = StageInProgress
	task.UpdatedAt = time.Now().UTC()
	return task.Clone(), nil
}

// Complete marks a task completed with a summary and returns the dependent
// tasks that became ready. Readiness propagation touches direct dependents
// only; fan-out work is bounded by the task's out-degree.
func (m *Manager) Complete(taskID, summary string) (*Task, []string, error) {
	return m.finish(taskID, StageCompleted, summary)
}

// Delete soft-deletes a task. Deleted tasks satisfy their dependents, so the
// newly ready dependents are returned just as for completion.
func (m *Manager) Delete(taskID string) (*Task, []string, error) {
	return m.finish(taskID, StageDeleted, "")
}

func (m *Manager) finish(taskID string, to Stage, summary string) (*Task, []string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[taskID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if task.Stage.Terminal() {
		return nil, nil, &StageTransitionError{ID: taskID, From: task.Stage, To: to}
	}
	if to == StageCompleted && task.Stage != StageInProgress && task.Stage != StageReady {
		return nil, nil, &StageTransitionError{ID: taskID, From: task.Stage, To: to}
	}

	task.Stage = to
	if summary != "" {
		task.Summary = summary
	}
	task.UpdatedAt = time.Now().UTC()

	var newlyReady []string
	for _, depID := range m.dependents[taskID] {
		dependent, ok := m.tasks[depID]
		if !ok || dependent.Stage != StagePending {
			continue
		}
		if m.depsSatisfied(dependent) {
			dependent.Stage = StageReady
			dependent.UpdatedAt = time.Now().UTC()
			newlyReady = append(newlyReady, depID)
		}
	}
	sort.Strings(newlyReady)

	m.logger.Debug("task finished",
		zap.String("task_id", taskID),
		zap.String("stage", string(to)),
		zap.Int("newly_ready", len(newlyReady)))
	return task.Clone(), newlyReady, nil
}

// AddDependency adds an edge task -> dep after a cycle check. A ready task
// gaining an unsatisfied dependency drops back to pending.
func (m *Manager) AddDependency(taskID, depID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	dep, ok := m.tasks[depID]
	if !ok {
		return &UnknownDependencyError{ID: taskID, Dep: depID}
	}
	if task.Stage.Terminal() {
		return &StageTransitionError{ID: taskID, From: task.Stage, To: task.Stage}
	}
	for _, existing := range task.DependsOn {
		if existing == depID {
			return nil
		}
	}
	if path := m.findPath(depID, taskID); path != nil {
		return &CycleError{Path: append(path, depID)}
	}

	task.DependsOn = append(task.DependsOn, depID)
	m.dependents[depID] = append(m.dependents[depID], taskID)
	if task.Stage == StageReady && dep.Stage != StageCompleted && dep.Stage != StageDeleted {
		task.Stage = StagePending
	}
	task.UpdatedAt = time.Now().UTC()
	return nil
}

// AskQuestion blocks the task on a new question and returns it. The stage to
// resume at is remembered on the task.
func (m *Manager) AskQuestion(taskID, text string) (*Question, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if task.Stage.Terminal() {
		return nil, &StageTransitionError{ID: taskID, From: task.Stage, To: StageBlockedQuestion}
	}

	q := Question{
		ID:      uuid.NewString(),
		Text:    text,
		AskedAt: time.Now().UTC(),
	}
	task.Questions = append(task.Questions, q)
	if task.Stage != StageBlockedQuestion {
		task.ResumeStage = task.Stage
		task.Stage = StageBlockedQuestion
	}
	task.UpdatedAt = time.Now().UTC()

	m.logger.Info("task blocked on question",
		zap.String("task_id", taskID), zap.String("question_id", q.ID))
	return &q, nil
}

// AnswerOldest answers the oldest unanswered question. When no unanswered
// questions remain the task resumes its pre-block stage. The returned bool
// reports whether the task was unblocked by this answer.
func (m *Manager) AnswerOldest(taskID, answer string) (*Question, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[taskID]
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	var target *Question
	for i := range task.Questions {
		if !task.Questions[i].Answered() {
			target = &task.Questions[i]
			break
		}
	}
	if target == nil {
		return nil, false, fmt.Errorf("%w: %s", ErrNoOpenQuestion, taskID)
	}

	now := time.Now().UTC()
	target.Answer = answer
	target.AnsweredAt = &now
	task.UpdatedAt = now

	unblocked := false
	if task.Stage == StageBlockedQuestion && len(task.UnansweredQuestions()) == 0 {
		resume := task.ResumeStage
		if resume == "" {
			resume = StageInProgress
		}
		task.Stage = resume
		task.ResumeStage = ""
		unblocked = true
		m.refreshReadiness(task)
	}

	cp := *target
	return &cp, unblocked, nil
}

// PurgeSession removes every task belonging to the session.
func (m *Manager) PurgeSession(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, task := range m.tasks {
		if task.SessionID != sessionID {
			continue
		}
		for _, dep := range task.DependsOn {
			m.dependents[dep] = removeString(m.dependents[dep], id)
		}
		delete(m.tasks, id)
		delete(m.dependents, id)
		removed++
	}
	return removed
}

// Load rehydrates tasks from storage, replacing any existing tasks of the
// same session. Stages are taken as stored; readiness is recomputed for
// non-terminal, non-blocked tasks to repair partial writes.
func (m *Manager) Load(sessionID string, tasks []*Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sid, err := NormalizeSessionID(sessionID)
	if err != nil {
		return err
	}
	for id, task := range m.tasks {
		if task.SessionID == sid {
			for _, dep := range task.DependsOn {
				m.dependents[dep] = removeString(m.dependents[dep], id)
			}
			delete(m.tasks, id)
		}
	}
	for _, task := range tasks {
		m.insert(task.Clone())
	}
	for _, task := range m.tasks {
		if task.SessionID == sid {
			m.refreshReadiness(task)
		}
	}
	return nil
}

// findPath returns a path from -> to over dependency edges, or nil. Caller
// holds the lock.
func (m *Manager) findPath(from, to string) []string {
	visited := make(map[string]bool)
	var dfs func(id string) []string
	dfs = func(id string) []string {
		if id == to {
			return []string{id}
		}
		if visited[id] {
			return nil
		}
		visited[id] = true
		task, ok := m.tasks[id]
		if !ok {
			return nil
		}
		for _, dep := range task.DependsOn {
			if path := dfs(dep); path != nil {
				return append([]string{id}, path...)
			}
		}
		return nil
	}
	return dfs(from)
}

// checkBatchAcyclic runs Kahn's algorithm over existing plus pending tasks.
func (m *Manager) checkBatchAcyclic(batch []*Task) error {
	indegree := make(map[string]int)
	edges := make(map[string][]string)

	addTask := func(task *Task) {
		if _, ok := indegree[task.ID]; !ok {
			indegree[task.ID] = 0
		}
		for _, dep := range task.DependsOn {
			edges[dep] = append(edges[dep], task.ID)
			indegree[task.ID]++
		}
	}
	for _, task := range m.tasks {
		addTask(task)
	}
	for _, task := range batch {
		addTask(task)
	}

	var queue []string
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	processed := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		processed++
		for _, next := range edges[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if processed != len(indegree) {
		var stuck []string
		for id, deg := range indegree {
			if deg > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return &CycleError{Path: stuck}
	}
	return nil
}

func removeString(xs []string, x string) []string {
	for i, v := range xs {
		if v == x {
			return append(xs[:i], xs[i+1:]...)
		}
	}
	return xs
}
