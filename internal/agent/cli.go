package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/aristath/foreman/internal/config"
	"github.com/aristath/foreman/internal/process"
)

// fallbackAgent is used when a turn's role has no agent configured.
const fallbackAgent = "coder"

// CLIRunner runs turns by spawning the agent CLI configured for the turn's role.
type CLIRunner struct {
	providers map[string]config.ProviderConfig
	agents    map[string]config.AgentConfig
	procs     *process.Manager
	breakers  *BreakerRegistry
	retry     RetryConfig
	logger    *zap.Logger
}

// NewCLIRunner creates a runner from the provider and agent configuration.
// The process manager is optional; when set, every spawned CLI is tracked.
func NewCLIRunner(cfg *config.OrchestratorConfig, procs *process.Manager, logger *zap.Logger) *CLIRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CLIRunner{
		providers: cfg.Providers,
		agents:    cfg.Agents,
		procs:     procs,
		breakers:  NewBreakerRegistry(logger),
		retry:     DefaultRetryConfig(),
		logger:    logger,
	}
}

// WithRetry overrides the launch retry policy.
func (r *CLIRunner) WithRetry(cfg RetryConfig) *CLIRunner {
	r.retry = cfg
	return r
}

type binding struct {
	providerName string
	provider     config.ProviderConfig
	agent        config.AgentConfig
	dialect      dialect
}

func (r *CLIRunner) resolve(role string) (binding, error) {
	agentCfg, ok := r.agents[role]
	if !ok {
		agentCfg, ok = r.agents[fallbackAgent]
		if !ok {
			return binding{}, fmt.Errorf("no agent configured for role %q", role)
		}
	}
	provider, ok := r.providers[agentCfg.Provider]
	if !ok {
		return binding{}, fmt.Errorf("agent %q references unknown provider %q", role, agentCfg.Provider)
	}
	d, err := dialectFor(provider.Type)
	if err != nil {
		return binding{}, err
	}
	return binding{providerName: agentCfg.Provider, provider: provider, agent: agentCfg, dialect: d}, nil
}

// ProviderBinding reports the provider and model a role resolves to, as "provider/model".
func (r *CLIRunner) ProviderBinding(role string) string {
	b, err := r.resolve(role)
	if err != nil {
		return ""
	}
	if b.agent.Model == "" {
		return b.providerName
	}
	return b.providerName + "/" + b.agent.Model
}

// Run launches the agent for turn and streams its events. Callers must drain
// the channel until it is closed.
func (r *CLIRunner) Run(ctx context.Context, turn Turn) (<-chan Event, error) {
	b, err := r.resolve(turn.Role)
	if err != nil {
		return nil, err
	}

	out := make(chan Event, 64)
	go func() {
		defer close(out)

		logger := r.logger.With(
			zap.String("run_id", turn.RunID),
			zap.String("node_id", turn.NodeID),
			zap.String("provider", b.providerName))

		send := func(ev Event) {
			select {
			case out <- ev:
			case <-ctx.Done():
			}
		}

		if namer, ok := b.dialect.(interface{ initialSession(Turn) string }); ok {
			if id := namer.initialSession(turn); id != "" {
				send(SessionEstablished{SessionID: id})
			}
		}

		attempts := 0
		err := invokeWithRetry(ctx, r.breakers.Get(b.providerName), r.retry, func() error {
			attempts++
			return r.attempt(ctx, turn, b, send)
		})
		if err != nil {
			logger.Warn("agent turn failed", zap.Int("attempts", attempts), zap.Error(err))
			// Delivered even after cancellation so the consumer sees why the turn ended.
			out <- Failed{Err: err}
			return
		}
		logger.Debug("agent turn finished", zap.Int("attempts", attempts))
	}()
	return out, nil
}

func (r *CLIRunner) attempt(ctx context.Context, turn Turn, b binding, send func(Event)) error {
	args := append(append([]string{}, b.provider.Args...), b.dialect.args(turn, b.agent.Model, b.agent.SystemPrompt)...)
	cmd := process.NewCommand(ctx, b.provider.Command, args...)
	cmd.Dir = turn.WorkDir

	var (
		emitted    bool
		stderrTail []string
	)
	err := process.Run(cmd, r.procs, func(stream process.Stream, line string) {
		if stream == process.Stderr {
			stderrTail = appendTail(stderrTail, line, 20)
			send(Log{Line: line, Stderr: true})
			return
		}
		if strings.TrimSpace(line) == "" {
			return
		}
		for _, ev := range b.dialect.parse(line) {
			emitted = true
			send(ev)
		}
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		if cause := context.Cause(ctx); cause != ctx.Err() {
			return fmt.Errorf("%w: %w", ctx.Err(), cause)
		}
		return ctx.Err()
	}

	err = fmt.Errorf("%s: %w", b.provider.Command, err)
	if len(stderrTail) > 0 {
		err = fmt.Errorf("%w (stderr: %s)", err, strings.Join(stderrTail, "\n"))
	}
	var startErr *process.StartError
	if !emitted || errors.As(err, &startErr) {
		return errRetryable{err: err}
	}
	return err
}

func appendTail(lines []string, line string, limit int) []string {
	lines = append(lines, line)
	if len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	return lines
}
