package roles

import (
	"fmt"
	"strings"
	"text/template"
)

// PromptContext carries the substitution values for prompt rendering.
// Fields irrelevant to a given role render as empty strings.
type PromptContext struct {
	Requirement     string
	Docs            string
	Plan            string
	PlanPath        string
	Context         string
	Feedback        string
	TaskID          string
	TaskDescription string
	History         string
	ReviewNotes     string
	ErrorDetail     string
}

const contextGathererTemplate = `You are gathering context for a new engineering plan.

Requirement:
{{.Requirement}}
{{if .Docs}}
Read these documents first:
{{.Docs}}
{{end}}
Explore the workspace and produce a concise markdown summary of the code
areas, conventions, and constraints relevant to this requirement. Do not
propose a plan yet.`

const plannerTemplate = `You are the planner for this workspace.

Requirement:
{{.Requirement}}
{{if .Context}}
Gathered context:
{{.Context}}
{{end}}{{if .Feedback}}
Revision feedback to address:
{{.Feedback}}

Revise the existing plan at {{.PlanPath}} accordingly.
{{else}}
Write a step-by-step implementation plan as a markdown task checklist.
Each task line uses the form "- [ ] T<n>: description" with optional
"(deps: ...)" annotations.
{{end}}`

const analystTemplate = `You are reviewing a draft implementation plan.

Requirement:
{{.Requirement}}

Plan:
{{.Plan}}

Append concise review notes: risks, missing steps, ordering problems.
Do not rewrite the plan.`

const engineerTemplate = `You are implementing one task from an approved plan.

Task {{.TaskID}}: {{.TaskDescription}}
{{if .History}}
Prior work in this session:
{{.History}}
{{end}}{{if .ErrorDetail}}
The previous attempt failed:
{{.ErrorDetail}}

Fix the failure and complete the task.
{{end}}
Work in the current workspace. When done, summarize what changed.`

const reviewerTemplate = `You are reviewing the implementation of one task.

Task {{.TaskID}}: {{.TaskDescription}}

Implementation summary:
{{.History}}

Verify the change is complete and correct. Reply with "LGTM" if it is,
otherwise list the concrete issues found.`

const pipelineOperatorTemplate = `You are operating the build pipeline for this task.

Task {{.TaskID}}: {{.TaskDescription}}

Run the pipeline steps the task requires and report the results.`

type templateSet struct {
	compiled map[string]*template.Template
}

func newTemplateSet() *templateSet {
	sources := map[string]string{
		"context_gatherer":  contextGathererTemplate,
		"planner":           plannerTemplate,
		"analyst":           analystTemplate,
		"engineer":          engineerTemplate,
		"reviewer":          reviewerTemplate,
		"pipeline_operator": pipelineOperatorTemplate,
	}
	ts := &templateSet{compiled: make(map[string]*template.Template, len(sources))}
	for id, src := range sources {
		// Builtin templates are static; a parse failure is a programming
		// error caught by tests.
		ts.compiled[id] = template.Must(template.New(id).Parse(src))
	}
	return ts
}

// override replaces one template's text. Parse errors leave the previous
// template in place.
func (ts *templateSet) override(id, src string) error {
	tmpl, err := template.New(id).Parse(src)
	if err != nil {
		return fmt.Errorf("invalid template %s: %w", id, err)
	}
	ts.compiled[id] = tmpl
	return nil
}

func (ts *templateSet) render(id string, ctx PromptContext) (string, error) {
	tmpl, ok := ts.compiled[id]
	if !ok {
		return "", fmt.Errorf("no template %s", id)
	}
	var sb strings.Builder
	if err := tmpl.Execute(&sb, ctx); err != nil {
		return "", fmt.Errorf("rendering template %s: %w", id, err)
	}
	return strings.TrimSpace(sb.String()) + "\n", nil
}
