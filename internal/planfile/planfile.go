// Package planfile reads and writes the markdown task checklist embedded in
// plan documents. Only checklist lines are interpreted; surrounding prose is
// ignored on parse.
//
// Checklist line shape:
//
//   - [ ] T1: description (deps: T2, T3) [pipeline] [priority: 2]
package planfile

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/apcdev/apc/internal/taskgraph"
)

var (
	checklistPattern = regexp.MustCompile(`^\s*-\s*\[( |x|X)\]\s*((?:T[0-9]+[A-Za-z]?(?:_[A-Za-z]+)?|CTX[0-9]+)):\s*(.+)$`)
	depsPattern      = regexp.MustCompile(`\s*\(deps:\s*([^)]*)\)`)
	pipelinePattern  = regexp.MustCompile(`\s*\[pipeline\]`)
	priorityPattern  = regexp.MustCompile(`\s*\[priority:\s*(-?[0-9]+)\]`)
)

// ParseError reports a malformed checklist line.
type ParseError struct {
	Line int
	Text string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("plan line %d: %v (%q)", e.Line, e.Err, e.Text)
}

// Parse extracts task specs from a plan document. Lines that are not
// checklist items are skipped. Duplicate ids within the document are an
// error; dependency existence is the importer's concern, not the parser's.
func Parse(planText string) ([]taskgraph.Spec, error) {
	var specs []taskgraph.Spec
	seen := make(map[string]int)

	for i, line := range strings.Split(planText, "\n") {
		m := checklistPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		localID := strings.ToUpper(m[2])
		rest := m[3]

		if prev, dup := seen[localID]; dup {
			return nil, &ParseError{
				Line: i + 1,
				Text: line,
				Err:  fmt.Errorf("duplicate task id %s (first on line %d)", localID, prev),
			}
		}
		seen[localID] = i + 1

		spec := taskgraph.Spec{LocalID: localID}

		if dm := depsPattern.FindStringSubmatch(rest); dm != nil {
			for _, dep := range strings.Split(dm[1], ",") {
				dep = strings.ToUpper(strings.TrimSpace(dep))
				if dep != "" {
					spec.DependsOn = append(spec.DependsOn, dep)
				}
			}
			rest = depsPattern.ReplaceAllString(rest, "")
		}
		if pipelinePattern.MatchString(rest) {
			spec.Pipeline = true
			rest = pipelinePattern.ReplaceAllString(rest, "")
		}
		if pm := priorityPattern.FindStringSubmatch(rest); pm != nil {
			n, err := strconv.Atoi(pm[1])
			if err != nil {
				return nil, &ParseError{Line: i + 1, Text: line, Err: err}
			}
			spec.Priority = n
			rest = priorityPattern.ReplaceAllString(rest, "")
		}

		spec.Description = strings.TrimSpace(rest)
		if spec.Description == "" {
			return nil, &ParseError{Line: i + 1, Text: line, Err: fmt.Errorf("empty description")}
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// Write renders task specs back into a checklist document. Dependencies are
// written in sorted order so output is deterministic.
func Write(title string, specs []taskgraph.Spec) string {
	var sb strings.Builder
	if title != "" {
		sb.WriteString("# ")
		sb.WriteString(title)
		sb.WriteString("\n\n")
	}
	sb.WriteString("## Tasks\n\n")
	for _, spec := range specs {
		sb.WriteString("- [ ] ")
		sb.WriteString(strings.ToUpper(spec.LocalID))
		sb.WriteString(": ")
		sb.WriteString(spec.Description)
		if len(spec.DependsOn) > 0 {
			deps := make([]string, len(spec.DependsOn))
			for i, dep := range spec.DependsOn {
				deps[i] = strings.ToUpper(dep)
			}
			sort.Strings(deps)
			sb.WriteString(" (deps: ")
			sb.WriteString(strings.Join(deps, ", "))
			sb.WriteString(")")
		}
		if spec.Pipeline {
			sb.WriteString(" [pipeline]")
		}
		if spec.Priority != 0 {
			sb.WriteString(fmt.Sprintf(" [priority: %d]", spec.Priority))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
