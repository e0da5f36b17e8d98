package workflow

import (
	"fmt"
	"strings"

	"github.com/apcdev/apc/internal/roles"
)

// task_implementation phases.
const (
	PhasePrepare    = "prepare"
	PhaseImplement  = "implement"
	PhaseSelfReview = "self_review"
	PhaseErrorFix   = "error_fix"
	PhaseDone       = "done"
)

// error_resolution phases.
const (
	PhaseDiagnose = "diagnose"
	PhasePatch    = "patch"
	PhaseVerify   = "verify"
)

const defaultRetryBudget = 2

// reviewPassed decides the reviewer verdict. Reviewers answer "LGTM" when
// the implementation holds up.
func reviewPassed(output string) bool {
	return strings.Contains(strings.ToUpper(output), "LGTM")
}

// questionPrefix marks a diagnose verdict that needs human direction
// instead of a code patch.
const questionPrefix = "QUESTION:"

// taskImplementation drives prepare -> implement -> self_review ->
// [error_fix -> self_review]* -> done, with the fix cycle bounded by a
// retry budget. Budget exhaustion fails the workflow with Escalate set so
// the coordinator spawns an error_resolution workflow.
type taskImplementation struct{}

func (m *taskImplementation) kind() Kind         { return KindTaskImplementation }
func (m *taskImplementation) firstPhase() string { return PhasePrepare }

func (m *taskImplementation) retryBudget(w *Workflow) int {
	if w.Input.RetryBudget > 0 {
		return w.Input.RetryBudget
	}
	return defaultRetryBudget
}

func (m *taskImplementation) advance(w *Workflow, sig *Signal) Step {
	switch w.Phase {
	case PhasePrepare:
		// Prompt assembly is pure; move straight to implement.
		w.enterPhase(PhaseImplement)
		return m.advance(w, nil)

	case PhaseImplement:
		switch w.sub {
		case subEntry:
			return need("engineer", 1)
		case subGranted:
			agent, _ := w.takeGranted()
			prompt, err := w.env.Roles.PromptFor("engineer", roles.PromptContext{
				TaskID:          w.Input.TaskID,
				TaskDescription: w.Input.TaskDescription,
				History:         w.Input.History,
			})
			if err != nil {
				return fail(err.Error())
			}
			w.sub = subWaiting
			w.inFlight = 1
			return Step{
				Type:    StepRunAgent,
				RoleID:  "engineer",
				AgentID: agent,
				Prompt:  prompt,
				Tier:    w.tierFor("engineer"),
				LogPath: w.nextLogPath(agent),
			}
		default:
			if sig == nil {
				return wait()
			}
			if !sig.Success {
				return m.failOrEscalate(w, firstNonEmpty(sig.Output, "implementation agent failed"))
			}
			w.implOutput = sig.Output
			w.enterPhase(PhaseSelfReview)
			return m.advance(w, nil)
		}

	case PhaseSelfReview:
		switch w.sub {
		case subEntry:
			return need("reviewer", 1)
		case subGranted:
			agent, _ := w.takeGranted()
			prompt, err := w.env.Roles.PromptFor("reviewer", roles.PromptContext{
				TaskID:          w.Input.TaskID,
				TaskDescription: w.Input.TaskDescription,
				History:         w.implOutput,
			})
			if err != nil {
				return fail(err.Error())
			}
			w.sub = subWaiting
			w.inFlight = 1
			return Step{
				Type:    StepRunAgent,
				RoleID:  "reviewer",
				AgentID: agent,
				Prompt:  prompt,
				Tier:    w.tierFor("reviewer"),
				LogPath: w.nextLogPath(agent),
			}
		default:
			if sig == nil {
				return wait()
			}
			// A broken reviewer must not sink a finished implementation.
			if !sig.Success || reviewPassed(sig.Output) {
				w.enterPhase(PhaseDone)
				return m.advance(w, nil)
			}
			w.reviewOutput = sig.Output
			return m.failOrEscalate(w, sig.Output)
		}

	case PhaseErrorFix:
		switch w.sub {
		case subEntry:
			return need("engineer", 1)
		case subGranted:
			agent, _ := w.takeGranted()
			prompt, err := w.env.Roles.PromptFor("engineer", roles.PromptContext{
				TaskID:          w.Input.TaskID,
				TaskDescription: w.Input.TaskDescription,
				History:         w.implOutput,
				ErrorDetail:     w.reviewOutput,
			})
			if err != nil {
				return fail(err.Error())
			}
			w.sub = subWaiting
			w.inFlight = 1
			return Step{
				Type:    StepRunAgent,
				RoleID:  "engineer",
				AgentID: agent,
				Prompt:  prompt,
				Tier:    w.tierFor("engineer"),
				LogPath: w.nextLogPath(agent),
			}
		default:
			if sig == nil {
				return wait()
			}
			if !sig.Success {
				return m.failOrEscalate(w, firstNonEmpty(sig.Output, "fix attempt failed"))
			}
			w.implOutput = sig.Output
			w.enterPhase(PhaseSelfReview)
			return m.advance(w, nil)
		}

	case PhaseDone:
		if w.sub != subEmitted {
			w.sub = subEmitted
			return Step{
				Type:  StepEmit,
				Event: "task.completed",
				Payload: map[string]any{
					"taskId":  w.Input.TaskID,
					"summary": summaryOf(w.implOutput),
				},
			}
		}
		return complete(map[string]any{
			"taskId":  w.Input.TaskID,
			"summary": summaryOf(w.implOutput),
		})
	}
	return fail(fmt.Sprintf("unknown phase %s", w.Phase))
}

// failOrEscalate either enters another fix cycle or, with the budget
// spent, fails with escalation so an error_resolution workflow takes over.
func (m *taskImplementation) failOrEscalate(w *Workflow, detail string) Step {
	if w.fixAttempts < m.retryBudget(w) {
		w.fixAttempts++
		w.reviewOutput = detail
		w.enterPhase(PhaseErrorFix)
		return m.advance(w, nil)
	}
	step := fail(fmt.Sprintf("fix budget exhausted after %d attempts: %s",
		w.fixAttempts, firstLine(detail)))
	step.Escalate = true
	return step
}

// errorResolution drives diagnose -> patch -> verify for a task whose
// implementation exhausted its fix budget. Verify either hands the task
// back for re-review or routes a question to it when the failure was not a
// code problem.
type errorResolution struct{}

func (m *errorResolution) kind() Kind         { return KindErrorResolution }
func (m *errorResolution) firstPhase() string { return PhaseDiagnose }

func (m *errorResolution) advance(w *Workflow, sig *Signal) Step {
	switch w.Phase {
	case PhaseDiagnose:
		switch w.sub {
		case subEntry:
			return need("engineer", 1)
		case subGranted:
			agent, _ := w.takeGranted()
			prompt, err := w.env.Roles.PromptFor("engineer", roles.PromptContext{
				TaskID:          w.Input.TaskID,
				TaskDescription: w.Input.TaskDescription,
				History:         w.Input.History,
				ErrorDetail:     w.Input.ErrorDetail,
			})
			if err != nil {
				return fail(err.Error())
			}
			w.sub = subWaiting
			w.inFlight = 1
			return Step{
				Type:    StepRunAgent,
				RoleID:  "engineer",
				AgentID: agent,
				Prompt:  prompt,
				Tier:    w.tierFor("engineer"),
				LogPath: w.nextLogPath(agent),
			}
		default:
			if sig == nil {
				return wait()
			}
			if !sig.Success {
				return fail(fmt.Sprintf("diagnosis failed: %s", firstNonEmpty(sig.Output, "agent error")))
			}
			w.implOutput = sig.Output
			if question, ok := extractQuestion(sig.Output); ok {
				// Non-code failure: route a question to the task instead
				// of patching.
				w.enterPhase(PhaseVerify)
				w.Output["question"] = question
				return m.advance(w, nil)
			}
			w.enterPhase(PhasePatch)
			return m.advance(w, nil)
		}

	case PhasePatch:
		switch w.sub {
		case subEntry:
			return need("engineer", 1)
		case subGranted:
			agent, _ := w.takeGranted()
			prompt, err := w.env.Roles.PromptFor("engineer", roles.PromptContext{
				TaskID:          w.Input.TaskID,
				TaskDescription: w.Input.TaskDescription,
				History:         w.Input.History,
				ErrorDetail:     w.implOutput,
			})
			if err != nil {
				return fail(err.Error())
			}
			w.sub = subWaiting
			w.inFlight = 1
			return Step{
				Type:    StepRunAgent,
				RoleID:  "engineer",
				AgentID: agent,
				Prompt:  prompt,
				Tier:    w.tierFor("engineer"),
				LogPath: w.nextLogPath(agent),
			}
		default:
			if sig == nil {
				return wait()
			}
			if !sig.Success {
				return fail(fmt.Sprintf("patch failed: %s", firstNonEmpty(sig.Output, "agent error")))
			}
			w.Output["patchSummary"] = summaryOf(sig.Output)
			w.enterPhase(PhaseVerify)
			return m.advance(w, nil)
		}

	case PhaseVerify:
		output := map[string]any{"taskId": w.Input.TaskID}
		if question, ok := w.Output["question"]; ok {
			output["question"] = question
		} else {
			// Re-run the implementation from self_review against the patch.
			output["resumeReview"] = true
			output["patchSummary"] = w.Output["patchSummary"]
		}
		return complete(output)
	}
	return fail(fmt.Sprintf("unknown phase %s", w.Phase))
}

func extractQuestion(output string) (string, bool) {
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, questionPrefix) {
			return strings.TrimSpace(strings.TrimPrefix(trimmed, questionPrefix)), true
		}
	}
	return "", false
}

// summaryOf trims agent output to a compact task summary.
func summaryOf(output string) string {
	trimmed := strings.TrimSpace(output)
	if len(trimmed) > 500 {
		trimmed = trimmed[:500]
	}
	return trimmed
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
