package planfile

import (
	"sort"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/apcdev/apc/internal/taskgraph"
)

func TestParseExtractsChecklistLines(t *testing.T) {
	plan := `# Plan: add feature X

Some prose the planner wrote. It mentions T1 but is not a checklist line.

## Tasks

- [ ] T1: set up the module scaffold
- [ ] T2: implement the endpoint (deps: T1)
- [x] T3: wire configuration (deps: T1, T2) [priority: 2]
- [ ] CTX1: gather API docs [pipeline]

## Notes

* not a task
- not a task either
`
	specs, err := Parse(plan)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(specs) != 4 {
		t.Fatalf("expected 4 specs, got %d", len(specs))
	}

	byID := make(map[string]taskgraph.Spec)
	for _, spec := range specs {
		byID[spec.LocalID] = spec
	}
	if byID["T2"].DependsOn[0] != "T1" {
		t.Errorf("T2 deps = %v", byID["T2"].DependsOn)
	}
	t3 := byID["T3"]
	if len(t3.DependsOn) != 2 || t3.Priority != 2 {
		t.Errorf("T3 = %+v", t3)
	}
	if t3.Description != "wire configuration" {
		t.Errorf("T3 description = %q", t3.Description)
	}
	if !byID["CTX1"].Pipeline {
		t.Error("CTX1 should carry the pipeline flag")
	}
}

func TestParseRejectsDuplicatesAndEmptyDescriptions(t *testing.T) {
	if _, err := Parse("- [ ] T1: a\n- [ ] T1: b\n"); err == nil {
		t.Error("expected duplicate id error")
	}
	if _, err := Parse("- [ ] T1:   \n"); err == nil {
		t.Error("expected empty description error")
	}
}

func TestWriteIsDeterministic(t *testing.T) {
	specs := []taskgraph.Spec{
		{LocalID: "T1", Description: "first"},
		{LocalID: "T2", Description: "second", DependsOn: []string{"T1"}, Priority: 1},
	}
	a := Write("Plan", specs)
	b := Write("Plan", specs)
	if a != b {
		t.Error("Write output not deterministic")
	}
	if !strings.Contains(a, "- [ ] T2: second (deps: T1) [priority: 1]") {
		t.Errorf("unexpected output:\n%s", a)
	}
}

// Round trip: parse(write(tasks)) preserves the (id, description, deps) set.
func TestRoundTripPreservesTaskSet(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	genDescription := gen.RegexMatch(`[a-z][a-z ]{0,30}[a-z]`)
	genSpecs := gen.SliceOf(genDescription).Map(func(descs []string) []taskgraph.Spec {
		if len(descs) > 10 {
			descs = descs[:10]
		}
		specs := make([]taskgraph.Spec, len(descs))
		for i, desc := range descs {
			specs[i] = taskgraph.Spec{
				LocalID:     "T" + itoa(i+1),
				Description: strings.TrimSpace(desc),
			}
			// Depend on a couple of earlier tasks for shape variety.
			if i >= 1 {
				specs[i].DependsOn = append(specs[i].DependsOn, "T"+itoa(i))
			}
			if i >= 3 && i%2 == 0 {
				specs[i].DependsOn = append(specs[i].DependsOn, "T"+itoa(i-2))
			}
		}
		return specs
	})

	properties.Property("parse(write(tasks)) preserves ids, descriptions, deps", prop.ForAll(
		func(specs []taskgraph.Spec) bool {
			parsed, err := Parse(Write("Round trip", specs))
			if err != nil {
				return false
			}
			if len(parsed) != len(specs) {
				return false
			}
			byID := make(map[string]taskgraph.Spec)
			for _, spec := range parsed {
				byID[spec.LocalID] = spec
			}
			for _, want := range specs {
				got, ok := byID[want.LocalID]
				if !ok || got.Description != want.Description {
					return false
				}
				if !sameSet(got.DependsOn, want.DependsOn) {
					return false
				}
			}
			return true
		},
		genSpecs,
	))

	properties.TestingRun(t)
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

func itoa(n int) string {
	var digits []byte
	if n == 0 {
		return "0"
	}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}
