package run

import (
	"time"
)

// Phase is a run's position in the top-level workflow.
type Phase string

const (
	PhaseBoot          Phase = "BOOT"
	PhaseDocsIteration Phase = "DOCS_ITERATION"
	PhaseInvestigate   Phase = "INVESTIGATE"
	PhasePlan          Phase = "PLAN"
	PhaseExecute       Phase = "EXECUTE"
	PhaseVerify        Phase = "VERIFY"
	PhaseDocsSync      Phase = "DOCS_SYNC"
	PhaseDone          Phase = "DONE"
)

// Mode governs whether the scheduler may start work without a human.
type Mode string

const (
	ModeAuto        Mode = "AUTO"
	ModeInteractive Mode = "INTERACTIVE"
)

// Status is the lifecycle status of a run.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"
)

// Terminal reports whether no further work happens for a run in this status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusStopped
}

// Run is one orchestration session over a target repository.
type Run struct {
	ID                 string                `json:"id"`
	Goal               string                `json:"goal"`
	RepoPath           string                `json:"repo_path"`
	Phase              Phase                 `json:"phase"`
	Mode               Mode                  `json:"mode"`
	Status             Status                `json:"status"`
	Iteration          int                   `json:"iteration"`
	MaxIterations      int                   `json:"max_iterations"`
	TaskDag            TaskDag               `json:"task_dag"`
	AcceptanceCriteria []AcceptanceCriterion `json:"acceptance_criteria"`
	RepoFacts          RepoFacts             `json:"repo_facts"`
	DocsInventory      DocsInventory         `json:"docs_inventory"`
	Investigation      string                `json:"investigation,omitempty"`
	LastVerification   *VerificationReport   `json:"last_verification,omitempty"`
	Error              string                `json:"error,omitempty"`
	CreatedAt          time.Time             `json:"created_at"`
	UpdatedAt          time.Time             `json:"updated_at"`
}

// Clone returns a deep copy of the run.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	cp := *r
	cp.TaskDag = r.TaskDag.Clone()
	cp.AcceptanceCriteria = append([]AcceptanceCriterion(nil), r.AcceptanceCriteria...)
	cp.RepoFacts = r.RepoFacts
	cp.DocsInventory = r.DocsInventory.Clone()
	if r.LastVerification != nil {
		v := r.LastVerification.Clone()
		cp.LastVerification = &v
	}
	return &cp
}

// TaskStep is one unit of planned work.
type TaskStep struct {
	ID           string   `json:"id" yaml:"id"`
	Title        string   `json:"title" yaml:"title"`
	Instructions string   `json:"instructions" yaml:"instructions"`
	Deps         []string `json:"deps,omitempty" yaml:"deps"`
	Agent        string   `json:"agent,omitempty" yaml:"agent"`
	Files        []string `json:"files,omitempty" yaml:"files"`
	NodeID       string   `json:"node_id,omitempty" yaml:"-"`
}

// TaskDag is the current plan: ordered steps plus a summary.
type TaskDag struct {
	Summary string     `json:"summary"`
	Steps   []TaskStep `json:"steps"`
}

// Clone returns a deep copy of the plan.
func (d TaskDag) Clone() TaskDag {
	cp := TaskDag{Summary: d.Summary}
	if d.Steps != nil {
		cp.Steps = make([]TaskStep, len(d.Steps))
		for i, s := range d.Steps {
			s.Deps = append([]string(nil), s.Deps...)
			s.Files = append([]string(nil), s.Files...)
			cp.Steps[i] = s
		}
	}
	return cp
}

// Step returns the step with the given id.
func (d TaskDag) Step(id string) (TaskStep, bool) {
	for _, s := range d.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return TaskStep{}, false
}

// CheckType selects how an acceptance criterion is evaluated.
type CheckType string

const (
	CheckTest      CheckType = "test"
	CheckLint      CheckType = "lint"
	CheckBuild     CheckType = "build"
	CheckManual    CheckType = "manual"
	CheckDocExists CheckType = "doc_exists"
	CheckCustom    CheckType = "custom"
)

// AcceptanceCriterion is an independently checkable completion condition.
type AcceptanceCriterion struct {
	ID             string     `json:"id" yaml:"id"`
	Description    string     `json:"description" yaml:"description"`
	CheckType      CheckType  `json:"check_type" yaml:"check_type"`
	Command        string     `json:"command,omitempty" yaml:"command"`
	Path           string     `json:"path,omitempty" yaml:"path"`
	ManualApproved bool       `json:"manual_approved,omitempty" yaml:"-"`
	Passed         bool       `json:"passed" yaml:"-"`
	Detail         string     `json:"detail,omitempty" yaml:"-"`
	EvaluatedAt    *time.Time `json:"evaluated_at,omitempty" yaml:"-"`
}

// RepoFacts is a point-in-time snapshot of repository state.
type RepoFacts struct {
	IsGitRepo  bool      `json:"is_git_repo"`
	Branch     string    `json:"branch,omitempty"`
	Head       string    `json:"head,omitempty"`
	Dirty      bool      `json:"dirty"`
	FileCount  int       `json:"file_count"`
	Empty      bool      `json:"empty"`
	DocsOnly   bool      `json:"docs_only"`
	CapturedAt time.Time `json:"captured_at"`
}

// DocsInventory lists documentation present in the repository.
type DocsInventory struct {
	Files      []string  `json:"files"`
	Required   []string  `json:"required"`
	Missing    []string  `json:"missing"`
	CapturedAt time.Time `json:"captured_at"`
}

// Satisfied reports whether every required document exists.
func (d DocsInventory) Satisfied() bool {
	return len(d.Missing) == 0
}

// Clone returns a deep copy of the inventory.
func (d DocsInventory) Clone() DocsInventory {
	cp := d
	cp.Files = append([]string(nil), d.Files...)
	cp.Required = append([]string(nil), d.Required...)
	cp.Missing = append([]string(nil), d.Missing...)
	return cp
}

// CommandResult is the outcome of one verification command.
type CommandResult struct {
	Command  string        `json:"command"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
	Log      string        `json:"log"`
}

// Passed reports whether the command exited zero.
func (c CommandResult) Passed() bool {
	return c.ExitCode == 0
}

// VerificationReport is the combined verdict of a verification pass.
type VerificationReport struct {
	Passed     bool            `json:"passed"`
	Commands   []CommandResult `json:"commands"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
}

// Clone returns a deep copy of the report.
func (v VerificationReport) Clone() VerificationReport {
	cp := v
	cp.Commands = append([]CommandResult(nil), v.Commands...)
	return cp
}

// ArtifactKind classifies side artifacts produced during a run.
type ArtifactKind string

const (
	ArtifactInvestigation ArtifactKind = "investigation"
	ArtifactPlan          ArtifactKind = "plan"
	ArtifactVerification  ArtifactKind = "verification"
	ArtifactFeedback      ArtifactKind = "feedback"
	ArtifactFixContext    ArtifactKind = "fix_context"
	ArtifactNodeOutput    ArtifactKind = "node_output"
)

// Artifact is a recorded side product of a run.
type Artifact struct {
	ID        string       `json:"id"`
	RunID     string       `json:"run_id"`
	NodeID    string       `json:"node_id,omitempty"`
	Kind      ArtifactKind `json:"kind"`
	Content   string       `json:"content"`
	CreatedAt time.Time    `json:"created_at"`
}
