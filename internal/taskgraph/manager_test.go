package taskgraph

import (
	"errors"
	"testing"

	"github.com/apcdev/apc/internal/common/logger"
)

const testSession = "PS_000001"

func newTestManager() *Manager {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	return NewManager(log)
}

func mustCreate(t *testing.T, m *Manager, spec Spec) *Task {
	t.Helper()
	task, _, err := m.Create(testSession, spec, Strict)
	if err != nil {
		t.Fatalf("Create(%s) failed: %v", spec.LocalID, err)
	}
	return task
}

func TestCreateComputesInitialStage(t *testing.T) {
	m := newTestManager()

	root := mustCreate(t, m, Spec{LocalID: "T1", Description: "root"})
	if root.Stage != StageReady {
		t.Errorf("dependency-free task should be ready, got %s", root.Stage)
	}

	child := mustCreate(t, m, Spec{LocalID: "T2", DependsOn: []string{"T1"}})
	if child.Stage != StagePending {
		t.Errorf("task with open dependency should be pending, got %s", child.Stage)
	}
	if child.ID != "PS_000001_T2" {
		t.Errorf("expected global id, got %s", child.ID)
	}
}

func TestCreateRejectsDuplicatesAndUnknownDeps(t *testing.T) {
	m := newTestManager()
	mustCreate(t, m, Spec{LocalID: "T1"})

	_, _, err := m.Create(testSession, Spec{LocalID: "t1"}, Strict)
	var dup *DuplicateIDError
	if !errors.As(err, &dup) {
		t.Errorf("expected DuplicateIDError, got %v", err)
	}

	_, _, err = m.Create(testSession, Spec{LocalID: "T2", DependsOn: []string{"T9"}}, Strict)
	var unknown *UnknownDependencyError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownDependencyError, got %v", err)
	}
	if unknown.Dep != "PS_000001_T9" {
		t.Errorf("unexpected dep in error: %s", unknown.Dep)
	}
}

func TestLenientModeDropsUnknownDeps(t *testing.T) {
	m := newTestManager()
	mustCreate(t, m, Spec{LocalID: "T1"})

	task, dropped, err := m.Create(testSession, Spec{LocalID: "T2", DependsOn: []string{"T1", "T9"}}, Lenient)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if len(dropped) != 1 || dropped[0] != "PS_000001_T9" {
		t.Errorf("expected dropped [PS_000001_T9], got %v", dropped)
	}
	if len(task.DependsOn) != 1 || task.DependsOn[0] != "PS_000001_T1" {
		t.Errorf("unexpected deps: %v", task.DependsOn)
	}
}

func TestCompletePropagatesReadiness(t *testing.T) {
	m := newTestManager()
	mustCreate(t, m, Spec{LocalID: "T1"})
	mustCreate(t, m, Spec{LocalID: "T2"})
	mustCreate(t, m, Spec{LocalID: "T3", DependsOn: []string{"T1", "T2"}})
	mustCreate(t, m, Spec{LocalID: "T4", DependsOn: []string{"T1"}})

	if _, err := m.Start("PS_000001_T1"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	_, ready, err := m.Complete("PS_000001_T1", "done")
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	// T4 becomes ready; T3 still waits on T2.
	if len(ready) != 1 || ready[0] != "PS_000001_T4" {
		t.Errorf("expected [PS_000001_T4], got %v", ready)
	}

	_, ready, err = m.Complete("PS_000001_T2", "done")
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if len(ready) != 1 || ready[0] != "PS_000001_T3" {
		t.Errorf("expected [PS_000001_T3], got %v", ready)
	}

	done, _ := m.Get("PS_000001_T1")
	if done.Summary != "done" {
		t.Errorf("summary not stored: %q", done.Summary)
	}
}

func TestDeleteSatisfiesDependents(t *testing.T) {
	m := newTestManager()
	mustCreate(t, m, Spec{LocalID: "T1"})
	mustCreate(t, m, Spec{LocalID: "T2", DependsOn: []string{"T1"}})

	_, ready, err := m.Delete("PS_000001_T1")
	if err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if len(ready) != 1 || ready[0] != "PS_000001_T2" {
		t.Errorf("expected deleted dependency to unblock T2, got %v", ready)
	}

	if _, _, err := m.Complete("PS_000001_T1", ""); err == nil {
		t.Error("expected error completing a deleted task")
	}
}

func TestAddDependencyRejectsCycles(t *testing.T) {
	m := newTestManager()
	mustCreate(t, m, Spec{LocalID: "T1"})
	mustCreate(t, m, Spec{LocalID: "T2", DependsOn: []string{"T1"}})
	mustCreate(t, m, Spec{LocalID: "T3", DependsOn: []string{"T2"}})

	err := m.AddDependency("PS_000001_T1", "PS_000001_T3")
	var cycle *CycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("expected CycleError, got %v", err)
	}

	// A legal edge demotes a ready task back to pending.
	mustCreate(t, m, Spec{LocalID: "T4"})
	if err := m.AddDependency("PS_000001_T4", "PS_000001_T3"); err != nil {
		t.Fatalf("AddDependency failed: %v", err)
	}
	task, _ := m.Get("PS_000001_T4")
	if task.Stage != StagePending {
		t.Errorf("expected pending after gaining open dependency, got %s", task.Stage)
	}
}

func TestQuestionsBlockAndResume(t *testing.T) {
	m := newTestManager()
	mustCreate(t, m, Spec{LocalID: "T1"})
	if _, err := m.Start("PS_000001_T1"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	q1, err := m.AskQuestion("PS_000001_T1", "which database?")
	if err != nil {
		t.Fatalf("AskQuestion failed: %v", err)
	}
	if _, err := m.AskQuestion("PS_000001_T1", "which port?"); err != nil {
		t.Fatalf("AskQuestion failed: %v", err)
	}

	task, _ := m.Get("PS_000001_T1")
	if task.Stage != StageBlockedQuestion {
		t.Fatalf("expected blocked_question, got %s", task.Stage)
	}

	answered, unblocked, err := m.AnswerOldest("PS_000001_T1", "postgres")
	if err != nil {
		t.Fatalf("AnswerOldest failed: %v", err)
	}
	if answered.ID != q1.ID {
		t.Error("expected the oldest question answered first")
	}
	if unblocked {
		t.Error("task should stay blocked with a second open question")
	}

	_, unblocked, err = m.AnswerOldest("PS_000001_T1", "19840")
	if err != nil {
		t.Fatalf("AnswerOldest failed: %v", err)
	}
	if !unblocked {
		t.Error("task should unblock after the last answer")
	}
	task, _ = m.Get("PS_000001_T1")
	if task.Stage != StageInProgress {
		t.Errorf("expected resume to in_progress, got %s", task.Stage)
	}

	if _, _, err := m.AnswerOldest("PS_000001_T1", "again"); !errors.Is(err, ErrNoOpenQuestion) {
		t.Errorf("expected ErrNoOpenQuestion, got %v", err)
	}
}

func TestImportIsAtomic(t *testing.T) {
	m := newTestManager()

	// Intra-batch cycle: nothing may be inserted.
	_, _, err := m.Import(testSession, []Spec{
		{LocalID: "T1", DependsOn: []string{"T2"}},
		{LocalID: "T2", DependsOn: []string{"T1"}},
	}, Strict)
	var cycle *CycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("expected CycleError, got %v", err)
	}
	if got := m.List(testSession); len(got) != 0 {
		t.Errorf("failed import must insert nothing, got %d tasks", len(got))
	}

	// Forward references within the batch are legal.
	tasks, _, err := m.Import(testSession, []Spec{
		{LocalID: "T1", DependsOn: []string{"T2"}},
		{LocalID: "T2"},
	}, Strict)
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	byID := make(map[string]*Task)
	for _, task := range tasks {
		byID[task.ID] = task
	}
	if byID["PS_000001_T2"].Stage != StageReady {
		t.Errorf("T2 should be ready, got %s", byID["PS_000001_T2"].Stage)
	}
	if byID["PS_000001_T1"].Stage != StagePending {
		t.Errorf("T1 should be pending, got %s", byID["PS_000001_T1"].Stage)
	}
}

func TestTopoOrderAndCriticalPath(t *testing.T) {
	m := newTestManager()
	_, _, err := m.Import(testSession, []Spec{
		{LocalID: "T1"},
		{LocalID: "T2", DependsOn: []string{"T1"}},
		{LocalID: "T3", DependsOn: []string{"T1"}, Priority: 5},
		{LocalID: "T4", DependsOn: []string{"T2", "T3"}},
	}, Strict)
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}

	order, err := m.TopoOrder(testSession)
	if err != nil {
		t.Fatalf("TopoOrder failed: %v", err)
	}
	pos := make(map[string]int)
	for i, id := range order {
		pos[id] = i
	}
	if pos["PS_000001_T1"] > pos["PS_000001_T2"] || pos["PS_000001_T3"] > pos["PS_000001_T4"] {
		t.Errorf("topological order violated: %v", order)
	}
	// Priority breaks the T2/T3 tie.
	if pos["PS_000001_T3"] > pos["PS_000001_T2"] {
		t.Errorf("expected T3 before T2 by priority, got %v", order)
	}

	if got := m.CriticalPathLength(testSession); got != 3 {
		t.Errorf("critical path length = %d, want 3", got)
	}
}

func TestTransitiveDependents(t *testing.T) {
	m := newTestManager()
	_, _, err := m.Import(testSession, []Spec{
		{LocalID: "T1"},
		{LocalID: "T2", DependsOn: []string{"T1"}},
		{LocalID: "T3", DependsOn: []string{"T2"}},
		{LocalID: "T4"},
	}, Strict)
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}

	got := m.TransitiveDependents("PS_000001_T1")
	want := []string{"PS_000001_T2", "PS_000001_T3"}
	if len(got) != len(want) {
		t.Fatalf("dependents = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("dependents = %v, want %v", got, want)
		}
	}
}

func TestSessionProgress(t *testing.T) {
	m := newTestManager()
	mustCreate(t, m, Spec{LocalID: "T1"})
	mustCreate(t, m, Spec{LocalID: "T2", DependsOn: []string{"T1"}})

	if _, err := m.Start("PS_000001_T1"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, _, err := m.Complete("PS_000001_T1", "ok"); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	p := m.SessionProgress(testSession)
	if p.Total != 2 || p.Completed != 1 || p.Ready != 1 {
		t.Errorf("unexpected progress: %+v", p)
	}
	if p.Done() {
		t.Error("session with a ready task is not done")
	}

	if _, err := m.Start("PS_000001_T2"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, _, err := m.Complete("PS_000001_T2", "ok"); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if !m.SessionProgress(testSession).Done() {
		t.Error("expected done after all tasks complete")
	}
}

func TestPurgeSessionRemovesAllTasks(t *testing.T) {
	m := newTestManager()
	mustCreate(t, m, Spec{LocalID: "T1"})
	mustCreate(t, m, Spec{LocalID: "T2", DependsOn: []string{"T1"}})

	if removed := m.PurgeSession(testSession); removed != 2 {
		t.Errorf("expected 2 removed, got %d", removed)
	}
	if got := m.List(testSession); len(got) != 0 {
		t.Errorf("expected empty session, got %d tasks", len(got))
	}
}
