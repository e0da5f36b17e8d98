package workflow

import (
	"fmt"
	"strings"

	"github.com/apcdev/apc/internal/roles"
)

// planning_new phases.
const (
	PhaseGatherContext    = "gather_context"
	PhaseDraftPlan        = "draft_plan"
	PhaseParallelAnalysts = "parallel_analysts"
	PhaseFinalize         = "finalize"
)

// planning_revision phases.
const (
	PhaseLoadExisting  = "load_existing"
	PhasePlanRevise    = "plan_revise"
	PhaseAnalystReview = "analyst_review"
)

const defaultAnalystCount = 2

// subEmitted marks that the finalize side-effect event has been yielded and
// the next advance completes the workflow.
const subEmitted = "emitted"

// planningNew drives gather_context -> draft_plan -> parallel_analysts ->
// finalize. Analyst failures are tolerated; the plan finalizes with
// whatever notes exist.
type planningNew struct{}

func (m *planningNew) kind() Kind         { return KindPlanningNew }
func (m *planningNew) firstPhase() string { return PhaseGatherContext }

func (m *planningNew) advance(w *Workflow, sig *Signal) Step {
	switch w.Phase {
	case PhaseGatherContext:
		switch w.sub {
		case subEntry:
			return need("context_gatherer", 1)
		case subGranted:
			agent, _ := w.takeGranted()
			prompt, err := w.env.Roles.PromptFor("context_gatherer", roles.PromptContext{
				Requirement: w.Input.Requirement,
				Docs:        strings.Join(w.Input.Docs, "\n"),
			})
			if err != nil {
				return fail(err.Error())
			}
			w.sub = subWaiting
			w.inFlight = 1
			return Step{
				Type:    StepRunAgent,
				RoleID:  "context_gatherer",
				AgentID: agent,
				Prompt:  prompt,
				Tier:    w.tierFor("context_gatherer"),
				LogPath: w.nextLogPath(agent),
			}
		default:
			if sig == nil {
				return wait()
			}
			// A failed gather is partial success: plan with what we have.
			if sig.Success {
				w.contextDoc = sig.Output
			}
			w.enterPhase(PhaseDraftPlan)
			if strings.TrimSpace(w.contextDoc) != "" {
				// The coordinator persists the document to the session's
				// plan_context.md alongside the broadcast.
				return Step{
					Type:  StepEmit,
					Event: "workflow.progress",
					Payload: map[string]any{
						"sessionId":  w.SessionID,
						"phase":      PhaseGatherContext,
						"contextDoc": w.contextDoc,
					},
				}
			}
			return m.advance(w, nil)
		}

	case PhaseDraftPlan:
		switch w.sub {
		case subEntry:
			return need("planner", 1)
		case subGranted:
			agent, _ := w.takeGranted()
			prompt, err := w.env.Roles.PromptFor("planner", roles.PromptContext{
				Requirement: w.Input.Requirement,
				Context:     w.contextDoc,
				PlanPath:    w.Input.PlanPath,
			})
			if err != nil {
				return fail(err.Error())
			}
			w.sub = subWaiting
			w.inFlight = 1
			return Step{
				Type:    StepRunAgent,
				RoleID:  "planner",
				AgentID: agent,
				Prompt:  prompt,
				Tier:    w.tierFor("planner"),
				LogPath: w.nextLogPath(agent),
			}
		default:
			if sig == nil {
				return wait()
			}
			if !sig.Success {
				return fail(fmt.Sprintf("plan draft failed: %s", firstNonEmpty(sig.Output, "agent error")))
			}
			w.enterPhase(PhaseParallelAnalysts)
			return m.advance(w, nil)
		}

	case PhaseParallelAnalysts:
		switch w.sub {
		case subEntry:
			count := w.Input.AnalystCount
			if count <= 0 {
				count = defaultAnalystCount
			}
			return need("analyst", count)
		default:
			if sig != nil {
				w.inFlight--
				if sig.Success && strings.TrimSpace(sig.Output) != "" {
					w.notes = append(w.notes, sig.Output)
				}
			}
			// Issue a run for every granted analyst before waiting.
			if agent, ok := w.takeGranted(); ok {
				prompt, err := w.env.Roles.PromptFor("analyst", roles.PromptContext{
					Requirement: w.Input.Requirement,
					Plan:        w.Input.PlanContent,
					PlanPath:    w.Input.PlanPath,
				})
				if err != nil {
					return fail(err.Error())
				}
				w.sub = subWaiting
				w.inFlight++
				return Step{
					Type:    StepRunAgent,
					RoleID:  "analyst",
					AgentID: agent,
					Prompt:  prompt,
					Tier:    w.tierFor("analyst"),
					LogPath: w.nextLogPath(agent),
				}
			}
			if w.inFlight > 0 {
				return wait()
			}
			w.enterPhase(PhaseFinalize)
			return m.advance(w, nil)
		}

	case PhaseFinalize:
		switch w.sub {
		case subEntry:
			if len(w.notes) == 0 {
				w.sub = subEmitted
				return Step{
					Type:  StepEmit,
					Event: "session.updated",
					Payload: map[string]any{
						"sessionId": w.SessionID,
						"status":    "reviewing",
					},
				}
			}
			return need("planner", 1)
		case subGranted:
			agent, _ := w.takeGranted()
			prompt, err := w.env.Roles.PromptFor("planner", roles.PromptContext{
				Requirement: w.Input.Requirement,
				PlanPath:    w.Input.PlanPath,
				Feedback:    strings.Join(w.notes, "\n\n"),
			})
			if err != nil {
				return fail(err.Error())
			}
			w.sub = subWaiting
			w.inFlight = 1
			return Step{
				Type:    StepRunAgent,
				RoleID:  "planner",
				AgentID: agent,
				Prompt:  prompt,
				Tier:    w.tierFor("planner"),
				LogPath: w.nextLogPath(agent),
			}
		case subEmitted:
			return complete(map[string]any{
				"planPath":   w.Input.PlanPath,
				"iterations": w.runSeq,
			})
		default:
			if sig == nil {
				return wait()
			}
			// Integration failure still yields the drafted plan.
			w.sub = subEmitted
			return Step{
				Type:  StepEmit,
				Event: "session.updated",
				Payload: map[string]any{
					"sessionId": w.SessionID,
					"status":    "reviewing",
				},
			}
		}
	}
	return fail(fmt.Sprintf("unknown phase %s", w.Phase))
}

// planningRevision drives load_existing -> plan_revise -> analyst_review ->
// finalize. The versioned backup of the previous plan happens before
// dispatch; the workflow only rewrites the current path.
type planningRevision struct{}

func (m *planningRevision) kind() Kind         { return KindPlanningRevision }
func (m *planningRevision) firstPhase() string { return PhaseLoadExisting }

func (m *planningRevision) advance(w *Workflow, sig *Signal) Step {
	switch w.Phase {
	case PhaseLoadExisting:
		// Input carries the existing plan; nothing to run.
		w.enterPhase(PhasePlanRevise)
		return m.advance(w, nil)

	case PhasePlanRevise:
		switch w.sub {
		case subEntry:
			return need("planner", 1)
		case subGranted:
			agent, _ := w.takeGranted()
			prompt, err := w.env.Roles.PromptFor("planner", roles.PromptContext{
				Requirement: w.Input.Requirement,
				PlanPath:    w.Input.PlanPath,
				Feedback:    w.Input.Feedback,
			})
			if err != nil {
				return fail(err.Error())
			}
			w.sub = subWaiting
			w.inFlight = 1
			return Step{
				Type:    StepRunAgent,
				RoleID:  "planner",
				AgentID: agent,
				Prompt:  prompt,
				Tier:    w.tierFor("planner"),
				LogPath: w.nextLogPath(agent),
			}
		default:
			if sig == nil {
				return wait()
			}
			if !sig.Success {
				return fail(fmt.Sprintf("plan revision failed: %s", firstNonEmpty(sig.Output, "agent error")))
			}
			w.enterPhase(PhaseAnalystReview)
			return m.advance(w, nil)
		}

	case PhaseAnalystReview:
		switch w.sub {
		case subEntry:
			return need("analyst", 1)
		case subGranted:
			agent, _ := w.takeGranted()
			prompt, err := w.env.Roles.PromptFor("analyst", roles.PromptContext{
				Requirement: w.Input.Requirement,
				PlanPath:    w.Input.PlanPath,
				Feedback:    w.Input.Feedback,
			})
			if err != nil {
				return fail(err.Error())
			}
			w.sub = subWaiting
			w.inFlight = 1
			return Step{
				Type:    StepRunAgent,
				RoleID:  "analyst",
				AgentID: agent,
				Prompt:  prompt,
				Tier:    w.tierFor("analyst"),
				LogPath: w.nextLogPath(agent),
			}
		default:
			if sig == nil {
				return wait()
			}
			// Review failure is tolerated; the revised plan stands.
			if sig.Success {
				w.notes = append(w.notes, sig.Output)
			}
			w.enterPhase(PhaseFinalize)
			return m.advance(w, nil)
		}

	case PhaseFinalize:
		if w.sub != subEmitted {
			w.sub = subEmitted
			return Step{
				Type:  StepEmit,
				Event: "session.updated",
				Payload: map[string]any{
					"sessionId": w.SessionID,
					"status":    "reviewing",
				},
			}
		}
		return complete(map[string]any{
			"planPath": w.Input.PlanPath,
			"version":  w.Input.Version,
		})
	}
	return fail(fmt.Sprintf("unknown phase %s", w.Phase))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
