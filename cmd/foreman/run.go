package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aristath/foreman/internal/config"
	"github.com/aristath/foreman/internal/orchestrator"
	"github.com/aristath/foreman/internal/run"
	"github.com/aristath/foreman/internal/tui"
)

const shutdownTimeout = 10 * time.Second

type runFlags struct {
	repo          string
	mode          string
	maxIterations int
	concurrency   int
	verify        []string
	criteria      []string
	noDocsSync    bool
	tui           bool
	metricsAddr   string
}

func newRunCmd(root *rootFlags) *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run <goal>",
		Short: "Start a run for a goal and wait for it to finish",
		Long: `Start a run for a goal against a repository and wait for it to finish.

Acceptance criteria take the form "description" for a manual sign-off or
"description=command" for a custom check.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root)
			if err != nil {
				return err
			}
			if err := flags.apply(cfg); err != nil {
				return err
			}
			req, err := flags.request(strings.Join(args, " "))
			if err != nil {
				return err
			}
			return executeRun(cmd, cfg, req, flags)
		},
	}
	cmd.Flags().StringVarP(&flags.repo, "repo", "r", ".", "Repository to work in")
	cmd.Flags().StringVar(&flags.mode, "mode", string(run.ModeAuto), "Start mode: AUTO or INTERACTIVE")
	cmd.Flags().IntVarP(&flags.maxIterations, "max-iterations", "i", 0, "Fix-loop budget (default from config)")
	cmd.Flags().IntVarP(&flags.concurrency, "concurrency", "c", 0, "Parallel agent turns (default from config)")
	cmd.Flags().StringArrayVar(&flags.verify, "verify", nil, "Verification command (repeatable; default from config or detected)")
	cmd.Flags().StringArrayVar(&flags.criteria, "criterion", nil, "Acceptance criterion (repeatable)")
	cmd.Flags().BoolVar(&flags.noDocsSync, "no-docs-sync", false, "Skip the documentation agent after verification")
	cmd.Flags().BoolVar(&flags.tui, "tui", false, "Show the run monitor")
	cmd.Flags().StringVar(&flags.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	return cmd
}

// apply folds per-run flag overrides into the engine config.
func (f *runFlags) apply(cfg *config.OrchestratorConfig) error {
	if f.concurrency < 0 || f.maxIterations < 0 {
		return errors.New("concurrency and max-iterations must not be negative")
	}
	if f.concurrency > 0 {
		cfg.Engine.Concurrency = f.concurrency
	}
	if len(f.verify) > 0 {
		cfg.Engine.VerifyCommands = f.verify
	}
	if f.noDocsSync {
		off := false
		cfg.Engine.DocsSync = &off
	}
	return nil
}

func (f *runFlags) request(goal string) (orchestrator.RunRequest, error) {
	repo, err := filepath.Abs(f.repo)
	if err != nil {
		return orchestrator.RunRequest{}, err
	}
	req := orchestrator.RunRequest{
		Goal:          strings.TrimSpace(goal),
		RepoPath:      repo,
		Mode:          run.Mode(strings.ToUpper(f.mode)),
		MaxIterations: f.maxIterations,
	}
	for i, c := range f.criteria {
		crit, err := parseCriterion(i, c)
		if err != nil {
			return orchestrator.RunRequest{}, err
		}
		req.AcceptanceCriteria = append(req.AcceptanceCriteria, crit)
	}
	return req, nil
}

// parseCriterion reads "description" or "description=command".
func parseCriterion(i int, s string) (run.AcceptanceCriterion, error) {
	desc, command, hasCommand := strings.Cut(s, "=")
	desc, command = strings.TrimSpace(desc), strings.TrimSpace(command)
	if desc == "" {
		return run.AcceptanceCriterion{}, fmt.Errorf("criterion %d has no description", i+1)
	}
	c := run.AcceptanceCriterion{
		ID:          fmt.Sprintf("cli-%d", i+1),
		Description: desc,
		CheckType:   run.CheckManual,
	}
	if hasCommand {
		if command == "" {
			return run.AcceptanceCriterion{}, fmt.Errorf("criterion %q has an empty command", desc)
		}
		c.CheckType = run.CheckCustom
		c.Command = command
	}
	return c, nil
}

func executeRun(cmd *cobra.Command, cfg *config.OrchestratorConfig, req orchestrator.RunRequest, flags *runFlags) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		a.close(closeCtx)
	}()

	if flags.metricsAddr != "" {
		srv, err := serveMetrics(a, flags.metricsAddr)
		if err != nil {
			return err
		}
		defer srv.Close()
	}

	r, err := a.engine.CreateRun(ctx, req)
	if err != nil {
		return err
	}
	// Subscribe before starting so the monitor sees every event.
	var monitor *tea.Program
	if flags.tui {
		monitor = tea.NewProgram(tui.New(a.bus.SubscribeAll(1024), a.engine, r, nil), tea.WithAltScreen(), tea.WithContext(ctx))
	}
	if err := a.engine.Start(ctx, r.ID); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "run %s started\n", r.ID)

	done := make(chan struct{})
	var final *run.Run
	var runErr error
	go func() {
		defer close(done)
		final, runErr = a.engine.Wait(context.Background(), r.ID)
		if monitor != nil {
			monitor.Send(tui.RunFinishedMsg{Run: final, Err: runErr})
		}
	}()

	if monitor != nil {
		if _, err := monitor.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
			a.logger.Warn("monitor exited", zap.Error(err))
		}
		select {
		case <-done:
		default:
			fmt.Fprintln(cmd.ErrOrStderr(), "monitor closed; waiting for the run (Ctrl+C stops it)")
		}
	}

	select {
	case <-done:
	case <-ctx.Done():
		fmt.Fprintln(cmd.ErrOrStderr(), "Shutdown signal received, stopping run...")
		if err := a.engine.Stop(context.Background(), r.ID); err != nil && !errors.Is(err, orchestrator.ErrRunNotActive) {
			return err
		}
		<-done
	}

	if final == nil {
		return runErr
	}
	printSummary(cmd, final)
	if runErr != nil {
		return runErr
	}
	if final.Status != run.StatusCompleted && final.Status != run.StatusStopped {
		return fmt.Errorf("run %s", final.Status)
	}
	return nil
}

func serveMetrics(a *app, addr string) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	a.logger.Info("serving metrics", zap.String("addr", ln.Addr().String()))
	return srv, nil
}

func printSummary(cmd *cobra.Command, r *run.Run) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "run %s %s in phase %s after %d fix iteration(s)\n", r.ID, r.Status, r.Phase, r.Iteration)
	if r.Error != "" {
		fmt.Fprintf(out, "error: %s\n", r.Error)
	}
	for _, c := range r.AcceptanceCriteria {
		mark := "FAIL"
		if c.Passed {
			mark = "ok"
		}
		fmt.Fprintf(out, "  [%s] %s: %s\n", mark, c.ID, c.Description)
	}
}
