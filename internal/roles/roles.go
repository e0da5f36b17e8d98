// Package roles is the static catalogue of agent roles: which workflow
// kinds each role serves, its model tier preference, and its prompt
// template. Workspace overrides can adjust the builtins but cannot remove
// the catalogue shape the workflows depend on.
package roles

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/apcdev/apc/internal/common/logger"
)

// ModelTier is a backend-independent model preference.
type ModelTier string

const (
	TierLow  ModelTier = "low"
	TierMid  ModelTier = "mid"
	TierHigh ModelTier = "high"
)

// Workflow kinds a role can serve.
const (
	KindPlanningNew        = "planning_new"
	KindPlanningRevision   = "planning_revision"
	KindTaskImplementation = "task_implementation"
	KindErrorResolution    = "error_resolution"
)

// ErrUnknownRole is returned for lookups of roles not in the catalogue.
var ErrUnknownRole = errors.New("unknown role")

// Role is one static capability profile.
type Role struct {
	ID            string    `json:"id"`
	DisplayName   string    `json:"displayName"`
	WorkflowKinds []string  `json:"workflowKinds"`
	Tier          ModelTier `json:"tier"`
	TemplateID    string    `json:"templateId"`
	// UnityOnly roles are hidden unless the registry is Unity-enabled.
	UnityOnly bool `json:"unityOnly,omitempty"`
}

// ServesKind reports whether the role may serve a workflow kind.
func (r *Role) ServesKind(kind string) bool {
	for _, k := range r.WorkflowKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// builtins is the catalogue shipped with the daemon.
func builtins() []*Role {
	return []*Role{
		{
			ID:            "context_gatherer",
			DisplayName:   "Context Gatherer",
			WorkflowKinds: []string{KindPlanningNew},
			Tier:          TierLow,
			TemplateID:    "context_gatherer",
		},
		{
			ID:            "planner",
			DisplayName:   "Planner",
			WorkflowKinds: []string{KindPlanningNew, KindPlanningRevision},
			Tier:          TierHigh,
			TemplateID:    "planner",
		},
		{
			ID:            "analyst",
			DisplayName:   "Plan Analyst",
			WorkflowKinds: []string{KindPlanningNew, KindPlanningRevision},
			Tier:          TierMid,
			TemplateID:    "analyst",
		},
		{
			ID:            "engineer",
			DisplayName:   "Engineer",
			WorkflowKinds: []string{KindTaskImplementation, KindErrorResolution},
			Tier:          TierHigh,
			TemplateID:    "engineer",
		},
		{
			ID:            "reviewer",
			DisplayName:   "Code Reviewer",
			WorkflowKinds: []string{KindTaskImplementation},
			Tier:          TierMid,
			TemplateID:    "reviewer",
		},
		{
			ID:            "pipeline_operator",
			DisplayName:   "Pipeline Operator",
			WorkflowKinds: []string{KindTaskImplementation},
			Tier:          TierLow,
			TemplateID:    "pipeline_operator",
			UnityOnly:     true,
		},
	}
}

// Registry serves role lookups and prompt rendering.
type Registry struct {
	mu           sync.RWMutex
	roles        map[string]*Role
	templates    *templateSet
	unityEnabled bool
	logger       *logger.Logger
}

// NewRegistry builds the registry from the builtin catalogue.
func NewRegistry(log *logger.Logger) *Registry {
	r := &Registry{
		roles:     make(map[string]*Role),
		templates: newTemplateSet(),
		logger:    log.WithFields(zap.String("component", "role-registry")),
	}
	for _, role := range builtins() {
		r.roles[role.ID] = role
	}
	return r
}

// SetUnityEnabled toggles visibility of Unity-gated roles. Definitions are
// never mutated, only filtered.
func (r *Registry) SetUnityEnabled(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unityEnabled = enabled
}

func (r *Registry) visible(role *Role) bool {
	return !role.UnityOnly || r.unityEnabled
}

// Get returns a role by id.
func (r *Registry) Get(roleID string) (*Role, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	role, ok := r.roles[strings.ToLower(roleID)]
	if !ok || !r.visible(role) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRole, roleID)
	}
	cp := *role
	return &cp, nil
}

// List returns the visible roles ordered by id.
func (r *Registry) List() []*Role {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Role, 0, len(r.roles))
	for _, role := range r.roles {
		if r.visible(role) {
			cp := *role
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RolesForWorkflowKind returns the visible roles serving a workflow kind,
// ordered by id.
func (r *Registry) RolesForWorkflowKind(kind string) []*Role {
	var out []*Role
	for _, role := range r.List() {
		if role.ServesKind(kind) {
			out = append(out, role)
		}
	}
	return out
}

// PromptFor renders the role's prompt template with the given context.
func (r *Registry) PromptFor(roleID string, ctx PromptContext) (string, error) {
	role, err := r.Get(roleID)
	if err != nil {
		return "", err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.templates.render(role.TemplateID, ctx)
}
