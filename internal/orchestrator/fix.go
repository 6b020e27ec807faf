package orchestrator

import (
	"fmt"
	"strings"

	"github.com/aristath/foreman/internal/acceptance"
	"github.com/aristath/foreman/internal/run"
)

// fixContext is everything the fixer needs to know about the last pass.
type fixContext struct {
	Report   *run.VerificationReport
	Failures []acceptance.Failure
	Diff     string
}

// String renders the context verbatim for the fix step's instructions:
// failing command logs first, then the whole report, then every collected
// failure, then the diff summary.
func (c fixContext) String() string {
	var b strings.Builder

	if c.Report != nil {
		var failing []run.CommandResult
		for _, res := range c.Report.Commands {
			if !res.Passed() {
				failing = append(failing, res)
			}
		}
		if len(failing) > 0 {
			b.WriteString("## Failing command logs\n")
			for _, res := range failing {
				fmt.Fprintf(&b, "\n### %s (exit %d)\n\n```\n%s\n```\n", res.Command, res.ExitCode, strings.TrimRight(res.Log, "\n"))
			}
			b.WriteString("\n")
		}

		verdict := "FAILED"
		if c.Report.Passed {
			verdict = "PASSED"
		}
		fmt.Fprintf(&b, "## Verification report: %s\n\n", verdict)
		if len(c.Report.Commands) == 0 {
			b.WriteString("(no verification commands ran)\n")
		}
		for _, res := range c.Report.Commands {
			fmt.Fprintf(&b, "- `%s`: exit %d in %s\n", res.Command, res.ExitCode, res.Duration)
		}
		b.WriteString("\n")
	}

	if len(c.Failures) > 0 {
		b.WriteString("## Unmet completion requirements\n\n")
		for _, f := range c.Failures {
			fmt.Fprintf(&b, "- %s\n", f)
		}
		b.WriteString("\n")
	}

	b.WriteString("## Latest changes\n\n")
	diff := c.Diff
	if diff == "" {
		diff = "(diff unavailable)"
	}
	b.WriteString(diff)
	b.WriteString("\n")
	return b.String()
}

// fixStep synthesizes the single step that replaces the plan on a fix pass.
func fixStep(r *run.Run, iteration int, ctx fixContext) run.TaskStep {
	instructions := fmt.Sprintf(
		"Fix pass %d of %d for the goal:\n\n%s\n\nThe previous pass did not meet the completion bar. "+
			"Address every problem below, then make sure the verification commands pass.\n\n%s",
		iteration, r.MaxIterations, r.Goal, ctx.String())
	return run.TaskStep{
		ID:           fmt.Sprintf("fix-%d", iteration),
		Title:        fmt.Sprintf("Fix pass %d", iteration),
		Instructions: instructions,
		Agent:        run.RoleFixer,
	}
}
