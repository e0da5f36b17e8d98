package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/apcdev/apc/internal/common/logger"
	"github.com/apcdev/apc/internal/session"
	"github.com/apcdev/apc/internal/taskgraph"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	s := NewStore(filepath.Join(t.TempDir(), "_AiDevLog"), log)
	if err := s.EnsureLayout(); err != nil {
		t.Fatalf("EnsureLayout failed: %v", err)
	}
	return s
}

func TestSessionRoundTrip(t *testing.T) {
	s := newTestStore(t)

	sess := session.New("PS_000001", "add a health endpoint")
	sess.RecommendedAgents = 3
	if err := s.SaveSession(sess); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	loaded, err := s.LoadSession("PS_000001")
	if err != nil {
		t.Fatalf("LoadSession failed: %v", err)
	}
	if loaded.Requirement != sess.Requirement || loaded.Status != session.StatusPlanning {
		t.Errorf("unexpected session: %+v", loaded)
	}
	if loaded.RecommendedAgents != 3 {
		t.Errorf("recommendedAgents = %d", loaded.RecommendedAgents)
	}

	if _, err := s.LoadSession("PS_999999"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestNextSessionID(t *testing.T) {
	s := newTestStore(t)

	id, err := s.NextSessionID()
	if err != nil {
		t.Fatalf("NextSessionID failed: %v", err)
	}
	if id != "PS_000001" {
		t.Errorf("first id = %s", id)
	}

	if err := s.SaveSession(session.New("PS_000007", "r")); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}
	id, err = s.NextSessionID()
	if err != nil {
		t.Fatalf("NextSessionID failed: %v", err)
	}
	if id != "PS_000008" {
		t.Errorf("id after PS_000007 = %s", id)
	}
}

func TestLoadAllSessionsSkipsCorrupt(t *testing.T) {
	s := newTestStore(t)

	if err := s.SaveSession(session.New("PS_000001", "a")); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}
	if err := s.SaveSession(session.New("PS_000002", "b")); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}
	// Corrupt the second session document.
	bad := filepath.Join(s.SessionDir("PS_000002"), "session.json")
	if err := os.WriteFile(bad, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("corrupting file: %v", err)
	}

	sessions, err := s.LoadAllSessions()
	if err != nil {
		t.Fatalf("LoadAllSessions failed: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != "PS_000001" {
		t.Errorf("expected only PS_000001, got %d sessions", len(sessions))
	}
}

func TestTasksRoundTrip(t *testing.T) {
	s := newTestStore(t)

	tasks := []*taskgraph.Task{
		{ID: "PS_000001_T1", SessionID: "PS_000001", Description: "one", Stage: taskgraph.StageReady},
		{ID: "PS_000001_T2", SessionID: "PS_000001", Description: "two", Stage: taskgraph.StagePending,
			DependsOn: []string{"PS_000001_T1"}},
	}
	if err := s.SaveTasks("PS_000001", tasks); err != nil {
		t.Fatalf("SaveTasks failed: %v", err)
	}

	loaded, err := s.LoadTasks("PS_000001")
	if err != nil {
		t.Fatalf("LoadTasks failed: %v", err)
	}
	if len(loaded) != 2 || loaded[1].DependsOn[0] != "PS_000001_T1" {
		t.Errorf("unexpected tasks: %+v", loaded)
	}

	// Missing file reads as empty, not an error.
	none, err := s.LoadTasks("PS_000042")
	if err != nil || none != nil {
		t.Errorf("expected empty set for missing file, got %v, %v", none, err)
	}
}

func TestPlanBackupVersions(t *testing.T) {
	s := newTestStore(t)

	if err := s.WritePlan("PS_000001", []byte("# Plan v0")); err != nil {
		t.Fatalf("WritePlan failed: %v", err)
	}

	pv, err := s.BackupPlan("PS_000001")
	if err != nil {
		t.Fatalf("BackupPlan failed: %v", err)
	}
	if pv.Version != 1 {
		t.Errorf("first backup version = %d", pv.Version)
	}

	if err := s.WritePlan("PS_000001", []byte("# Plan v1")); err != nil {
		t.Fatalf("WritePlan failed: %v", err)
	}
	pv, err = s.BackupPlan("PS_000001")
	if err != nil {
		t.Fatalf("BackupPlan failed: %v", err)
	}
	if pv.Version != 2 {
		t.Errorf("second backup version = %d", pv.Version)
	}

	first, err := os.ReadFile(s.PlanBackupPath("PS_000001", 1))
	if err != nil {
		t.Fatalf("reading backup: %v", err)
	}
	if string(first) != "# Plan v0" {
		t.Errorf("backup 1 content = %q", first)
	}
	current, err := s.ReadPlan("PS_000001")
	if err != nil {
		t.Fatalf("ReadPlan failed: %v", err)
	}
	if string(current) != "# Plan v1" {
		t.Errorf("current plan = %q", current)
	}
}

func TestDeleteSessionRemovesEverything(t *testing.T) {
	s := newTestStore(t)

	if err := s.SaveSession(session.New("PS_000001", "r")); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}
	if err := s.AppendHistory("PS_000001", WorkflowRecord{WorkflowID: "wf-1", Kind: "planning", Status: "completed"}); err != nil {
		t.Fatalf("AppendHistory failed: %v", err)
	}

	if err := s.DeleteSession("PS_000001"); err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}
	if _, err := os.Stat(s.SessionDir("PS_000001")); !os.IsNotExist(err) {
		t.Error("session directory should be gone")
	}
	history, err := s.LoadHistory("PS_000001")
	if err != nil || history != nil {
		t.Errorf("expected empty history after delete, got %v, %v", history, err)
	}
}

func TestHistoryRingNewestFirst(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 5; i++ {
		rec := WorkflowRecord{WorkflowID: fmt.Sprintf("wf-%d", i), Kind: "execution", Status: "completed"}
		if err := s.AppendHistory("PS_000001", rec); err != nil {
			t.Fatalf("AppendHistory failed: %v", err)
		}
	}

	records, err := s.LoadHistory("PS_000001")
	if err != nil {
		t.Fatalf("LoadHistory failed: %v", err)
	}
	if len(records) != 5 {
		t.Fatalf("expected 5 records, got %d", len(records))
	}
	if records[0].WorkflowID != "wf-4" || records[4].WorkflowID != "wf-0" {
		t.Errorf("expected newest first, got %s ... %s", records[0].WorkflowID, records[4].WorkflowID)
	}
}

func TestAtomicWriteLeavesNoTempFiles(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 10; i++ {
		if err := s.SaveSession(session.New("PS_000001", "r")); err != nil {
			t.Fatalf("SaveSession failed: %v", err)
		}
	}

	entries, err := os.ReadDir(s.SessionDir("PS_000001"))
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	for _, entry := range entries {
		if entry.Name() != "session.json" {
			t.Errorf("unexpected leftover file %s", entry.Name())
		}
	}
}
