package roles

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/apcdev/apc/internal/common/logger"
)

func newTestRegistry() *Registry {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	return NewRegistry(log)
}

func TestGetAndList(t *testing.T) {
	r := newTestRegistry()

	role, err := r.Get("planner")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if role.Tier != TierHigh {
		t.Errorf("planner tier = %s", role.Tier)
	}

	if _, err := r.Get("astronaut"); !errors.Is(err, ErrUnknownRole) {
		t.Errorf("expected ErrUnknownRole, got %v", err)
	}

	// Unity-gated roles are hidden by default.
	for _, role := range r.List() {
		if role.UnityOnly {
			t.Errorf("unity role %s visible without unity enabled", role.ID)
		}
	}
	if _, err := r.Get("pipeline_operator"); !errors.Is(err, ErrUnknownRole) {
		t.Error("unity role should be hidden by default")
	}

	r.SetUnityEnabled(true)
	if _, err := r.Get("pipeline_operator"); err != nil {
		t.Errorf("unity role should be visible when enabled: %v", err)
	}
}

func TestRolesForWorkflowKind(t *testing.T) {
	r := newTestRegistry()

	planning := r.RolesForWorkflowKind(KindPlanningNew)
	ids := make([]string, 0, len(planning))
	for _, role := range planning {
		ids = append(ids, role.ID)
	}
	want := []string{"analyst", "context_gatherer", "planner"}
	if len(ids) != len(want) {
		t.Fatalf("planning roles = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("planning roles = %v, want %v", ids, want)
		}
	}

	impl := r.RolesForWorkflowKind(KindTaskImplementation)
	for _, role := range impl {
		if !role.ServesKind(KindTaskImplementation) {
			t.Errorf("role %s does not serve the kind it was listed for", role.ID)
		}
	}
}

func TestPromptRendering(t *testing.T) {
	r := newTestRegistry()

	prompt, err := r.PromptFor("engineer", PromptContext{
		TaskID:          "PS_000001_T1",
		TaskDescription: "add a health endpoint",
		ErrorDetail:     "tests failed: connection refused",
	})
	if err != nil {
		t.Fatalf("PromptFor failed: %v", err)
	}
	if !strings.Contains(prompt, "PS_000001_T1") ||
		!strings.Contains(prompt, "add a health endpoint") {
		t.Errorf("prompt missing task fields:\n%s", prompt)
	}
	if !strings.Contains(prompt, "connection refused") {
		t.Errorf("prompt missing error detail:\n%s", prompt)
	}

	// No error detail: the fix-the-failure section is omitted.
	prompt, err = r.PromptFor("engineer", PromptContext{TaskID: "PS_000001_T2", TaskDescription: "x"})
	if err != nil {
		t.Fatalf("PromptFor failed: %v", err)
	}
	if strings.Contains(prompt, "previous attempt failed") {
		t.Errorf("prompt should omit failure section:\n%s", prompt)
	}
}

func TestLoadOverrides(t *testing.T) {
	r := newTestRegistry()
	dir := t.TempDir()

	jsonOverride := `{"id": "analyst", "displayName": "Senior Analyst", "tier": "high"}`
	if err := os.WriteFile(filepath.Join(dir, "analyst.json"), []byte(jsonOverride), 0o644); err != nil {
		t.Fatal(err)
	}
	yamlOverride := "id: reviewer\ntemplate: |\n  Review task {{.TaskID}} carefully.\n"
	if err := os.WriteFile(filepath.Join(dir, "reviewer.yaml"), []byte(yamlOverride), 0o644); err != nil {
		t.Fatal(err)
	}
	// Malformed and unknown-role files must be skipped, not fatal.
	if err := os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "ghost.json"), []byte(`{"id":"ghost"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := r.LoadOverrides(dir); err != nil {
		t.Fatalf("LoadOverrides failed: %v", err)
	}

	analyst, _ := r.Get("analyst")
	if analyst.DisplayName != "Senior Analyst" || analyst.Tier != TierHigh {
		t.Errorf("json override not applied: %+v", analyst)
	}

	prompt, err := r.PromptFor("reviewer", PromptContext{TaskID: "PS_000001_T9"})
	if err != nil {
		t.Fatalf("PromptFor failed: %v", err)
	}
	if !strings.Contains(prompt, "Review task PS_000001_T9 carefully.") {
		t.Errorf("yaml template override not applied:\n%s", prompt)
	}

	// Missing directory is fine.
	if err := r.LoadOverrides(filepath.Join(dir, "nope")); err != nil {
		t.Errorf("missing override dir should not error: %v", err)
	}
}
