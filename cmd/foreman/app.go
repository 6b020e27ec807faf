package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/aristath/foreman/internal/agent"
	"github.com/aristath/foreman/internal/approval"
	"github.com/aristath/foreman/internal/config"
	"github.com/aristath/foreman/internal/events"
	"github.com/aristath/foreman/internal/logging"
	"github.com/aristath/foreman/internal/metrics"
	"github.com/aristath/foreman/internal/orchestrator"
	"github.com/aristath/foreman/internal/persistence"
	"github.com/aristath/foreman/internal/process"
	"github.com/aristath/foreman/internal/verify"
	"github.com/aristath/foreman/internal/workspace"
)

// loadConfig resolves the config paths and applies the log level override.
func loadConfig(flags *rootFlags) (*config.OrchestratorConfig, error) {
	globalPath, projectPath, err := config.DefaultPaths()
	if err != nil {
		return nil, err
	}
	if flags.globalConfig != "" {
		globalPath = flags.globalConfig
	}
	if flags.projectConfig != "" {
		projectPath = flags.projectConfig
	}
	cfg, err := config.Load(globalPath, projectPath)
	if err != nil {
		return nil, err
	}
	if flags.logLevel != "" {
		cfg.Logging.Level = flags.logLevel
	}
	return cfg, nil
}

// openStore opens the configured SQLite database.
func openStore(ctx context.Context, cfg *config.OrchestratorConfig) (*persistence.SQLiteStore, error) {
	path, err := config.ExpandPath(cfg.Storage.Path)
	if err != nil {
		return nil, err
	}
	store, err := persistence.NewSQLiteStore(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("opening store %s: %w", path, err)
	}
	return store, nil
}

// app is the fully wired process: engine plus its subscribers.
type app struct {
	cfg      *config.OrchestratorConfig
	logger   *zap.Logger
	store    *persistence.SQLiteStore
	bus      *events.EventBus
	procs    *process.Manager
	registry *prometheus.Registry
	engine   *orchestrator.Engine
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// newApp wires the engine. Event consumers run until close.
func newApp(ctx context.Context, cfg *config.OrchestratorConfig) (*app, error) {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	bus := events.NewEventBus()
	procs := process.NewManager()
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a := &app{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		bus:      bus,
		procs:    procs,
		registry: registry,
		cancel:   cancel,
	}
	recorder := persistence.NewRecorder(store, logger.Named("recorder"))
	history, observed := bus.SubscribeAll(4096), bus.SubscribeAll(1024)
	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		recorder.Run(subCtx, history)
	}()
	go func() {
		defer a.wg.Done()
		m.Run(subCtx, observed)
	}()

	runner := agent.NewCLIRunner(cfg, procs, logger.Named("agent"))
	a.engine = orchestrator.New(orchestrator.Options{
		Store:     store,
		Runner:    runner,
		Verifier:  verify.NewShellRunner(procs, logger.Named("verify")),
		Inspector: workspace.New(cfg.Engine.RequiredDocs, cfg.Engine.DocsGlobs),
		Approvals: approval.NewQueue(),
		Bindings:  runner,
		Sink:      bus,
		Engine:    cfg.Engine,
		Logger:    logger.Named("engine"),
	})

	return a, nil
}

// close stops active runs, kills leftover agent processes and releases the
// store.
func (a *app) close(ctx context.Context) {
	if err := a.engine.Shutdown(ctx); err != nil {
		a.logger.Warn("engine shutdown incomplete", zap.Error(err))
	}
	if err := a.procs.KillAll(); err != nil {
		a.logger.Warn("killing agent processes", zap.Error(err))
	}
	// Closing the bus drains the recorder before the store goes away.
	a.bus.Close()
	a.wg.Wait()
	a.cancel()
	if err := a.store.Close(); err != nil {
		a.logger.Warn("closing store", zap.Error(err))
	}
	_ = a.logger.Sync()
}
