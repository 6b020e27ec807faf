// Package verify runs shell-level check commands against a workspace.
package verify

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aristath/foreman/internal/process"
	"github.com/aristath/foreman/internal/run"
)

// maxLogBytes caps the log kept per command; the tail is what matters for failures.
const maxLogBytes = 64 * 1024

// Runner runs verification commands in a working directory.
type Runner interface {
	Run(ctx context.Context, commands []string, dir string) (run.VerificationReport, error)
}

// ShellRunner runs each command through bash, sequentially.
type ShellRunner struct {
	procs  *process.Manager
	logger *zap.Logger
}

// NewShellRunner creates a ShellRunner. procs may be nil.
func NewShellRunner(procs *process.Manager, logger *zap.Logger) *ShellRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ShellRunner{procs: procs, logger: logger}
}

// Run executes every command, even after a failure, so the report covers
// all checks. The report passes only if every command exits zero. An error is
// returned only when ctx ends mid-run.
func (r *ShellRunner) Run(ctx context.Context, commands []string, dir string) (run.VerificationReport, error) {
	report := run.VerificationReport{Passed: true, StartedAt: time.Now()}

	for _, command := range commands {
		if err := ctx.Err(); err != nil {
			return report, context.Cause(ctx)
		}

		res := r.runOne(ctx, command, dir)
		if ctx.Err() != nil {
			return report, context.Cause(ctx)
		}
		if !res.Passed() {
			report.Passed = false
		}
		r.logger.Info("verification command finished",
			zap.String("command", command),
			zap.Int("exit_code", res.ExitCode),
			zap.Duration("duration", res.Duration))
		report.Commands = append(report.Commands, res)
	}

	report.FinishedAt = time.Now()
	return report, nil
}

func (r *ShellRunner) runOne(ctx context.Context, command, dir string) run.CommandResult {
	cmd := process.NewCommand(ctx, "bash", "-c", command)
	cmd.Dir = dir

	log := &tailBuffer{limit: maxLogBytes}
	start := time.Now()
	err := process.Run(cmd, r.procs, func(_ process.Stream, line string) {
		log.writeLine(line)
	})
	res := run.CommandResult{
		Command:  command,
		ExitCode: process.ExitCode(err),
		Duration: time.Since(start),
		Log:      log.String(),
	}
	if res.ExitCode == -1 && err != nil {
		res.Log += err.Error() + "\n"
	}
	return res
}

type tailBuffer struct {
	limit     int
	buf       []byte
	truncated bool
}

func (t *tailBuffer) writeLine(line string) {
	t.buf = append(t.buf, line...)
	t.buf = append(t.buf, '\n')
	if len(t.buf) > t.limit {
		t.buf = t.buf[len(t.buf)-t.limit:]
		t.truncated = true
	}
}

func (t *tailBuffer) String() string {
	if t.truncated {
		return "[... truncated ...]\n" + string(t.buf)
	}
	return string(t.buf)
}

// DetectCommands guesses verification commands from well-known build files in dir.
func DetectCommands(dir string) []string {
	exists := func(name string) bool {
		_, err := os.Stat(filepath.Join(dir, name))
		return err == nil
	}

	var cmds []string
	if exists("go.mod") {
		cmds = append(cmds, "go build ./...", "go vet ./...", "go test ./...")
	}
	if exists("package.json") {
		cmds = append(cmds, "npm test --if-present")
	}
	if exists("Cargo.toml") {
		cmds = append(cmds, "cargo build", "cargo test")
	}
	if len(cmds) == 0 && exists("Makefile") {
		if data, err := os.ReadFile(filepath.Join(dir, "Makefile")); err == nil && strings.Contains(string(data), "\ntest:") {
			cmds = append(cmds, "make test")
		}
	}
	return cmds
}
