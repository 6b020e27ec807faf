package orchestrator

import (
	"fmt"
	"strings"

	"github.com/aristath/foreman/internal/run"
)

func investigatePrompt(r *run.Run) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Goal\n\n%s\n\n", r.Goal)
	b.WriteString("# Task\n\nInvestigate the repository and report everything an implementer needs for this goal: ")
	b.WriteString("relevant packages and files, existing conventions, build and test commands, and risks. Do not modify files.\n\n")
	writeFacts(&b, r)
	return b.String()
}

func planPrompt(r *run.Run) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Goal\n\n%s\n\n", r.Goal)
	if r.Investigation != "" {
		fmt.Fprintf(&b, "# Investigation\n\n%s\n\n", r.Investigation)
	}
	writeFacts(&b, r)
	b.WriteString(`# Task

Break the goal into small steps. Steps that do not depend on each other run in parallel.
Answer with a single YAML document and nothing else:

` + "```yaml" + `
summary: one line describing the plan
steps:
  - id: short-kebab-id
    title: what the step does
    instructions: |
      precise instructions for the implementer
    deps: [ids of steps that must finish first]
    files: [files the step will edit]
acceptance_criteria:
  - id: short-kebab-id
    description: condition that must hold when the goal is done
    check_type: test | lint | build | doc_exists | manual | custom
    command: optional shell command that checks it
    path: file path for doc_exists
` + "```\n")
	return b.String()
}

func stepPrompt(r *run.Run, step run.TaskStep) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Goal\n\n%s\n\n", r.Goal)
	if r.TaskDag.Summary != "" {
		fmt.Fprintf(&b, "# Plan\n\n%s\n\n", r.TaskDag.Summary)
	}
	fmt.Fprintf(&b, "# Your step: %s\n\n%s\n", step.Title, step.Instructions)
	if len(step.Files) > 0 {
		fmt.Fprintf(&b, "\nFiles: %s\n", strings.Join(step.Files, ", "))
	}
	if len(step.Deps) > 0 {
		fmt.Fprintf(&b, "\nSteps %s have already run.\n", strings.Join(step.Deps, ", "))
	}
	return b.String()
}

func docsIterationPrompt(r *run.Run) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Goal\n\n%s\n\n", r.Goal)
	b.WriteString("# Task\n\nThe repository lacks the documentation needed before work can start. ")
	b.WriteString("Write it so it describes the project and this goal accurately.\n\n")
	if len(r.DocsInventory.Missing) > 0 {
		fmt.Fprintf(&b, "Missing documents: %s\n", strings.Join(r.DocsInventory.Missing, ", "))
	}
	if r.RepoFacts.Empty {
		b.WriteString("The repository is empty.\n")
	} else if r.RepoFacts.DocsOnly {
		b.WriteString("The repository only contains documentation.\n")
	}
	return b.String()
}

func docsSyncPrompt(r *run.Run, diff string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Goal\n\n%s\n\n", r.Goal)
	b.WriteString("# Task\n\nThe implementation is verified. Update the project documentation so it matches the code. ")
	b.WriteString("Only edit documentation files.\n\n")
	if len(r.DocsInventory.Files) > 0 {
		fmt.Fprintf(&b, "Existing documents: %s\n\n", strings.Join(r.DocsInventory.Files, ", "))
	}
	fmt.Fprintf(&b, "# Changes\n\n%s\n", diff)
	return b.String()
}

func writeFacts(b *strings.Builder, r *run.Run) {
	f := r.RepoFacts
	b.WriteString("# Repository\n\n")
	fmt.Fprintf(b, "- path: %s\n", r.RepoPath)
	if f.IsGitRepo {
		fmt.Fprintf(b, "- branch: %s (head %s, dirty %t)\n", f.Branch, shortHead(f.Head), f.Dirty)
	} else {
		b.WriteString("- not a git repository\n")
	}
	fmt.Fprintf(b, "- files: %d\n", f.FileCount)
	if len(r.DocsInventory.Files) > 0 {
		fmt.Fprintf(b, "- docs: %s\n", strings.Join(r.DocsInventory.Files, ", "))
	}
	b.WriteString("\n")
}

func shortHead(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
