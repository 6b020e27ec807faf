// Package acceptance evaluates acceptance criteria and the completeness gate
// that decides whether a run may finish.
package acceptance

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/aristath/foreman/internal/run"
	"github.com/aristath/foreman/internal/verify"
	"github.com/aristath/foreman/internal/workspace"
)

// FailureKind classifies a completeness failure.
type FailureKind string

const (
	FailureCriterion FailureKind = "criterion"
	FailureStep      FailureKind = "step"
	FailureDocsSync  FailureKind = "docs_sync"
)

// Failure is one reason the gate did not pass.
type Failure struct {
	Kind   FailureKind `json:"kind"`
	ID     string      `json:"id"`
	Detail string      `json:"detail"`
}

func (f Failure) String() string {
	return fmt.Sprintf("[%s %s] %s", f.Kind, f.ID, f.Detail)
}

// Verdict is the outcome of the completeness gate.
type Verdict struct {
	Passed   bool
	Criteria []run.AcceptanceCriterion
	Failures []Failure
}

// Input is everything the completeness gate looks at.
type Input struct {
	Criteria []run.AcceptanceCriterion
	Report   *run.VerificationReport
	Dir      string
	// Steps are the scheduled plan steps; StepStatus maps step id to its node status.
	Steps      []run.TaskStep
	StepStatus map[string]run.NodeStatus
	// DocsSync is nil when no documentation-sync step ran.
	DocsSync *DocsSyncResult
}

// DocsSyncResult reports how the documentation-sync step ended.
type DocsSyncResult struct {
	Passed bool
	Detail string
}

// Evaluator checks criteria. Custom criteria and unmatched explicit commands
// are run through the verification runner.
type Evaluator struct {
	verifier verify.Runner
	now      func() time.Time
}

// NewEvaluator creates an Evaluator.
func NewEvaluator(verifier verify.Runner) *Evaluator {
	return &Evaluator{verifier: verifier, now: time.Now}
}

// Gate evaluates every criterion and checks step and docs-sync completion.
// All failures are collected.
func (e *Evaluator) Gate(ctx context.Context, in Input) (Verdict, error) {
	criteria, failures, err := e.Evaluate(ctx, in.Criteria, in.Report, in.Dir)
	if err != nil {
		return Verdict{}, err
	}

	for _, step := range in.Steps {
		status, ok := in.StepStatus[step.ID]
		if !ok {
			status = run.NodeQueued
		}
		if status != run.NodeCompleted {
			failures = append(failures, Failure{
				Kind:   FailureStep,
				ID:     step.ID,
				Detail: fmt.Sprintf("step %q (%s) ended %s", step.ID, step.Title, status),
			})
		}
	}

	if in.DocsSync != nil && !in.DocsSync.Passed {
		detail := "documentation sync failed"
		if in.DocsSync.Detail != "" {
			detail += ": " + in.DocsSync.Detail
		}
		failures = append(failures, Failure{Kind: FailureDocsSync, ID: "docs-sync", Detail: detail})
	}

	return Verdict{Passed: len(failures) == 0, Criteria: criteria, Failures: failures}, nil
}

// Evaluate checks each criterion and returns updated copies plus failures.
func (e *Evaluator) Evaluate(ctx context.Context, criteria []run.AcceptanceCriterion, report *run.VerificationReport, dir string) ([]run.AcceptanceCriterion, []Failure, error) {
	out := make([]run.AcceptanceCriterion, len(criteria))
	var failures []Failure

	for i, c := range criteria {
		passed, detail, err := e.check(ctx, c, report, dir)
		if err != nil {
			return nil, nil, fmt.Errorf("criterion %s: %w", c.ID, err)
		}
		at := e.now()
		c.Passed = passed
		c.Detail = detail
		c.EvaluatedAt = &at
		out[i] = c
		if !passed {
			failures = append(failures, Failure{
				Kind:   FailureCriterion,
				ID:     c.ID,
				Detail: fmt.Sprintf("%s (%s): %s", c.Description, c.CheckType, detail),
			})
		}
	}
	return out, failures, nil
}

func (e *Evaluator) check(ctx context.Context, c run.AcceptanceCriterion, report *run.VerificationReport, dir string) (bool, string, error) {
	switch c.CheckType {
	case run.CheckManual:
		if c.ManualApproved {
			return true, "approved by operator", nil
		}
		return false, "awaiting operator approval", nil

	case run.CheckDocExists:
		p := c.Path
		if p == "" {
			p = c.Command
		}
		if p == "" {
			return false, "no document path given", nil
		}
		if !filepath.IsAbs(p) {
			p = filepath.Join(dir, p)
		}
		if workspace.NonEmptyFile(p) {
			return true, "present", nil
		}
		return false, fmt.Sprintf("%s is missing or empty", p), nil

	case run.CheckTest, run.CheckLint, run.CheckBuild:
		if c.Command != "" {
			if res, ok := findCommand(report, c.Command); ok {
				return describe(res)
			}
			return e.runCommand(ctx, c.Command, dir)
		}
		return classify(report, string(c.CheckType))

	case run.CheckCustom:
		if c.Command == "" {
			return false, "custom criterion has no command", nil
		}
		return e.runCommand(ctx, c.Command, dir)

	default:
		return false, fmt.Sprintf("unknown check type %q", c.CheckType), nil
	}
}

func (e *Evaluator) runCommand(ctx context.Context, command, dir string) (bool, string, error) {
	if e.verifier == nil {
		return false, "no verification runner available", nil
	}
	rep, err := e.verifier.Run(ctx, []string{command}, dir)
	if err != nil {
		return false, "", err
	}
	if len(rep.Commands) == 0 {
		return false, "command did not run", nil
	}
	return describe(rep.Commands[0])
}

func findCommand(report *run.VerificationReport, command string) (run.CommandResult, bool) {
	if report == nil {
		return run.CommandResult{}, false
	}
	want := strings.TrimSpace(command)
	for _, res := range report.Commands {
		if strings.TrimSpace(res.Command) == want {
			return res, true
		}
	}
	return run.CommandResult{}, false
}

// classify matches verification commands whose text mentions the check kind.
// Every match must have passed and at least one must exist.
func classify(report *run.VerificationReport, kind string) (bool, string, error) {
	if report == nil {
		return false, "no verification report", nil
	}
	var matched []string
	for _, res := range report.Commands {
		if !strings.Contains(strings.ToLower(res.Command), kind) {
			continue
		}
		matched = append(matched, res.Command)
		if !res.Passed() {
			return false, fmt.Sprintf("%q exited %d", res.Command, res.ExitCode), nil
		}
	}
	if len(matched) == 0 {
		return false, fmt.Sprintf("no verification command looks like a %s check", kind), nil
	}
	return true, "passed: " + strings.Join(matched, ", "), nil
}

func describe(res run.CommandResult) (bool, string, error) {
	if res.Passed() {
		return true, fmt.Sprintf("%q passed", res.Command), nil
	}
	return false, fmt.Sprintf("%q exited %d", res.Command, res.ExitCode), nil
}
