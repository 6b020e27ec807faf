package orchestrator

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/gosimple/slug"
	"gopkg.in/yaml.v3"

	"github.com/aristath/foreman/internal/run"
	"github.com/aristath/foreman/internal/scheduler"
)

// planDoc is the document the planner is asked to produce. JSON output
// parses too, since YAML is a superset.
type planDoc struct {
	Summary            string                    `yaml:"summary"`
	Steps              []run.TaskStep            `yaml:"steps"`
	AcceptanceCriteria []run.AcceptanceCriterion `yaml:"acceptance_criteria"`
}

// normalizedPlan is a planner answer made safe to schedule.
type normalizedPlan struct {
	Dag      run.TaskDag
	Criteria []run.AcceptanceCriterion
	Warnings []string
	Fallback bool
}

var fenceRe = regexp.MustCompile("(?s)```[a-zA-Z]*\\s*\\n(.*?)```")

// normalizePlan parses planner output into a plan. Missing or duplicate step
// ids are derived from titles; output with no usable steps is replaced by a
// single step that carries the goal. Structural problems that survive
// normalization (unknown deps, cycles) are reported as warnings and left for
// the scheduler to diagnose as a deadlock.
func normalizePlan(output, goal string) normalizedPlan {
	doc, err := parsePlanDoc(output)
	if err != nil || len(doc.Steps) == 0 {
		reason := "planner produced no steps"
		if err != nil {
			reason = "planner output unparseable: " + err.Error()
		}
		return normalizedPlan{
			Dag:      fallbackPlan(goal),
			Criteria: normalizeCriteria(doc.AcceptanceCriteria),
			Warnings: []string{reason + "; using single-step fallback plan"},
			Fallback: true,
		}
	}

	steps := make([]run.TaskStep, 0, len(doc.Steps))
	rename := make(map[string]string, len(doc.Steps))
	used := make(map[string]bool, len(doc.Steps))

	for i, s := range doc.Steps {
		s.Title = strings.TrimSpace(s.Title)
		s.Instructions = strings.TrimSpace(s.Instructions)
		if s.Title == "" {
			s.Title = firstLine(s.Instructions)
		}
		if s.Title == "" {
			s.Title = fmt.Sprintf("Step %d", i+1)
		}
		if s.Instructions == "" {
			s.Instructions = s.Title
		}

		base := slug.Make(s.ID)
		if base == "" {
			base = slug.Make(s.Title)
		}
		if base == "" {
			base = fmt.Sprintf("step-%d", i+1)
		}
		id := uniqueID(base, used)
		if s.ID != "" {
			if _, seen := rename[s.ID]; !seen {
				rename[s.ID] = id
			}
		}
		s.ID = id
		steps = append(steps, s)
	}

	for i := range steps {
		steps[i].Deps = normalizeDeps(steps[i].ID, steps[i].Deps, rename)
	}

	summary := strings.TrimSpace(doc.Summary)
	if summary == "" {
		summary = goal
	}
	plan := normalizedPlan{
		Dag:      run.TaskDag{Summary: summary, Steps: steps},
		Criteria: normalizeCriteria(doc.AcceptanceCriteria),
	}
	if _, err := scheduler.Validate(steps); err != nil {
		plan.Warnings = append(plan.Warnings, err.Error())
	}
	return plan
}

func parsePlanDoc(output string) (planDoc, error) {
	var doc planDoc
	candidates := []string{}
	for _, m := range fenceRe.FindAllStringSubmatch(output, -1) {
		candidates = append(candidates, m[1])
	}
	candidates = append(candidates, output)

	var firstErr error
	for _, c := range candidates {
		if strings.TrimSpace(c) == "" {
			continue
		}
		var d planDoc
		if err := yaml.Unmarshal([]byte(c), &d); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if len(d.Steps) > 0 {
			return d, nil
		}
		doc = d
	}
	if len(doc.AcceptanceCriteria) == 0 && firstErr != nil {
		return doc, firstErr
	}
	return doc, nil
}

// normalizeDeps maps planner ids to normalized ids, dropping self and
// repeated references. Unknown ids are kept so the plan check reports them.
func normalizeDeps(self string, deps []string, rename map[string]string) []string {
	var out []string
	seen := make(map[string]bool, len(deps))
	for _, d := range deps {
		d = strings.TrimSpace(d)
		if d == "" {
			continue
		}
		id, ok := rename[d]
		if !ok {
			id = d
		}
		if id == self || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func normalizeCriteria(in []run.AcceptanceCriterion) []run.AcceptanceCriterion {
	if len(in) == 0 {
		return nil
	}
	used := make(map[string]bool, len(in))
	out := make([]run.AcceptanceCriterion, 0, len(in))
	for i, c := range in {
		c.Description = strings.TrimSpace(c.Description)
		base := slug.Make(c.ID)
		if base == "" {
			base = fmt.Sprintf("ac-%d", i+1)
		}
		c.ID = uniqueID(base, used)
		switch c.CheckType {
		case run.CheckTest, run.CheckLint, run.CheckBuild, run.CheckManual, run.CheckDocExists, run.CheckCustom:
		default:
			if c.Command != "" {
				c.CheckType = run.CheckCustom
			} else {
				c.CheckType = run.CheckManual
			}
		}
		if c.Description == "" {
			c.Description = c.ID
		}
		out = append(out, c)
	}
	return out
}

// mergeCriteria adds planner criteria to the run's, keeping existing ones.
func mergeCriteria(existing, planned []run.AcceptanceCriterion) []run.AcceptanceCriterion {
	out := append([]run.AcceptanceCriterion(nil), existing...)
	have := make(map[string]bool, len(existing))
	for _, c := range existing {
		have[c.ID] = true
	}
	for _, c := range planned {
		if !have[c.ID] {
			out = append(out, c)
			have[c.ID] = true
		}
	}
	return out
}

func fallbackPlan(goal string) run.TaskDag {
	return run.TaskDag{
		Summary: goal,
		Steps: []run.TaskStep{{
			ID:           "implement",
			Title:        "Implement the goal",
			Instructions: goal,
		}},
	}
}

func uniqueID(base string, used map[string]bool) string {
	id := base
	for n := 2; used[id]; n++ {
		id = fmt.Sprintf("%s-%d", base, n)
	}
	used[id] = true
	return id
}

const maxTitleRunes = 80

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	line = strings.TrimSpace(line)
	if r := []rune(line); len(r) > maxTitleRunes {
		line = string(r[:maxTitleRunes])
	}
	return line
}
