// Package process runs subprocesses in their own process group and streams
// their output line by line.
package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Stream identifies which pipe a line came from.
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

// maxLineBytes bounds a single streamed line; agent JSON events can be large.
const maxLineBytes = 4 * 1024 * 1024

// NewCommand creates an exec.Cmd with process group isolation.
// Cancelling ctx kills the whole group, not just the leader, and WaitDelay
// keeps Wait from hanging on grandchildren that inherited the pipes.
func NewCommand(ctx context.Context, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	cmd.Cancel = func() error {
		return killProcessGroup(cmd)
	}
	cmd.WaitDelay = 2 * time.Second
	return cmd
}

// LineFunc receives one output line. Calls are serialized.
type LineFunc func(stream Stream, line string)

// Run starts cmd, streams stdout and stderr to onLine as lines arrive, and
// waits for the process to exit. Both pipes are fully drained before
// cmd.Wait so large outputs cannot deadlock the child.
func Run(cmd *exec.Cmd, pm *Manager, onLine LineFunc) error {
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return &StartError{Err: err}
	}
	if pm != nil {
		pm.Track(cmd)
		defer pm.Untrack(cmd)
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	emit := func(stream Stream, line string) {
		if onLine == nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		onLine(stream, line)
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		scanLines(stdoutPipe, Stdout, emit)
	}()
	go func() {
		defer wg.Done()
		scanLines(stderrPipe, Stderr, emit)
	}()
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("command failed: %w", err)
	}
	return nil
}

func scanLines(r io.Reader, stream Stream, emit LineFunc) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		emit(stream, scanner.Text())
	}
	// Drain whatever is left after an oversized line so the child never blocks.
	_, _ = io.Copy(io.Discard, r)
}

// StartError reports that the process could not be started at all.
type StartError struct {
	Err error
}

func (e *StartError) Error() string { return fmt.Sprintf("failed to start command: %v", e.Err) }
func (e *StartError) Unwrap() error { return e.Err }

// ExitCode extracts the process exit code from an error returned by Run.
// Returns 0 for nil and -1 when the process never produced an exit status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// killProcessGroup kills the entire process group associated with the command.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return fmt.Errorf("process not started")
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("failed to kill process group: %w", err)
	}
	return nil
}

// Manager tracks all running subprocesses and can terminate them all on shutdown.
type Manager struct {
	mu    sync.Mutex
	procs map[int]*exec.Cmd
}

// NewManager creates a new Manager.
func NewManager() *Manager {
	return &Manager{
		procs: make(map[int]*exec.Cmd),
	}
}

// Track registers a started subprocess.
func (pm *Manager) Track(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.procs[cmd.Process.Pid] = cmd
}

// Untrack removes a subprocess from tracking.
func (pm *Manager) Untrack(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	delete(pm.procs, cmd.Process.Pid)
}

// KillAll terminates all tracked subprocess groups.
func (pm *Manager) KillAll() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var errs []error
	for pid, cmd := range pm.procs {
		if err := killProcessGroup(cmd); err != nil {
			errs = append(errs, fmt.Errorf("failed to kill process %d: %w", pid, err))
		}
	}
	return errors.Join(errs...)
}

// Count returns the number of currently tracked processes.
func (pm *Manager) Count() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.procs)
}
