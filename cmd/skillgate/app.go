package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/basket/skillgate/internal/audit"
	"github.com/basket/skillgate/internal/config"
	"github.com/basket/skillgate/internal/engine"
	"github.com/basket/skillgate/internal/mcp"
	otelPkg "github.com/basket/skillgate/internal/otel"
	"github.com/basket/skillgate/internal/persistence"
	"github.com/basket/skillgate/internal/policy"
	"github.com/basket/skillgate/internal/sandbox/script"
	"github.com/basket/skillgate/internal/session"
	"github.com/basket/skillgate/internal/skills"
	"github.com/basket/skillgate/internal/telemetry"
	"github.com/basket/skillgate/internal/tools"
)

// bootOptions selects how much of the stack a subcommand needs.
type bootOptions struct {
	quiet bool
	// remote connects configured MCP servers.
	remote bool
	// agent builds the Genkit runtime, session manager and engine.
	agent bool
}

// app holds the wired components. Fields beyond the boot options' reach
// stay nil.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	store    *persistence.Store
	audit    *audit.Logger
	tel      *otelPkg.Instruments
	registry *skills.Registry
	live     *policy.Live
	servers  *mcp.Manager
	pool     *script.Pool
	runner   *script.Runner

	dispatcher *tools.Dispatcher
	runtime    *engine.GenkitRuntime
	sessions   *session.Manager
	engine     *engine.Engine

	closers []func() error
}

func bootstrap(ctx context.Context, opts bootOptions) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}
	return bootstrapWith(ctx, cfg, opts)
}

func bootstrapWith(ctx context.Context, cfg config.Config, opts bootOptions) (_ *app, err error) {
	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, opts.quiet)
	if err != nil {
		return nil, fmt.Errorf("logger init: %w", err)
	}
	a.closers = append(a.closers, closer.Close)
	slog.SetDefault(logger)
	a.logger = logger

	provider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		return nil, fmt.Errorf("otel init: %w", err)
	}
	a.closers = append(a.closers, func() error { return provider.Shutdown(context.Background()) })
	if a.tel, err = otelPkg.NewInstruments(provider); err != nil {
		return nil, fmt.Errorf("otel instruments: %w", err)
	}

	if a.store, err = persistence.Open(cfg.Audit.DBPath); err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	a.closers = append(a.closers, a.store.Close)

	if a.audit, err = audit.Open(cfg.HomeDir, a.store, logger.With("component", "audit")); err != nil {
		return nil, fmt.Errorf("audit init: %w", err)
	}
	a.closers = append(a.closers, a.audit.Close)

	a.registry = skills.NewRegistry(cfg.Skills.BuiltinDir, cfg.Skills.ExternalDir, logger.With("component", "skills"))
	report, err := a.registry.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load skills: %w", err)
	}
	for _, perr := range report.Errors {
		logger.Warn("skill skipped", "error", perr)
	}
	logger.Info("startup phase", "phase", "skills_loaded", "count", len(a.registry.All()))

	a.live = policy.NewLive(cfg.RoutingMode(), cfg.RoutingOptions())

	a.servers = mcp.NewManager(withCoreServer(cfg), cfg.Routing.CoreServer, logger.With("component", "mcp"))
	a.closers = append(a.closers, a.servers.Stop)
	if opts.remote {
		if err := a.servers.Start(ctx); err != nil {
			return nil, fmt.Errorf("mcp start: %w", err)
		}
	}

	a.pool = script.NewPool(cfg.Scripts.Workers, logger.With("component", "script-pool"))
	a.closers = append(a.closers, func() error { a.pool.Stop(); return nil })
	a.runner = script.NewRunner(a.registry, script.Config{
		Timeout: cfg.ScriptTimeout(),
		Pool:    a.pool,
		Logger:  logger.With("component", "script"),
	})

	dcfg := tools.DispatcherConfig{
		Skills:       a.registry,
		Runner:       a.runner,
		Routing:      a.live,
		Audit:        a.audit,
		Telemetry:    a.tel,
		Logger:       logger,
		FallbackMaps: cfg.Skills.FallbackMaps,
	}
	if opts.remote {
		dcfg.Remote = a.servers
	}
	if a.dispatcher, err = tools.NewDispatcher(dcfg); err != nil {
		return nil, err
	}

	if !opts.agent {
		return a, nil
	}

	a.runtime = engine.NewGenkitRuntime(ctx, engine.RuntimeConfig{
		Provider:       cfg.LLM.Provider,
		Model:          cfg.LLM.Model,
		APIKey:         cfg.ProviderAPIKey(cfg.LLM.Provider),
		BaseURL:        cfg.LLM.BaseURL,
		CompatProvider: cfg.LLM.CompatProvider,
		MaxTurns:       cfg.LLM.MaxTurns,
		Logger:         logger,
	})
	tools.RegisterDispatcher(a.runtime.Genkit(), a.dispatcher)
	tools.RegisterMCPTools(a.runtime.Genkit(), a.servers, a.tel, logger)

	if a.sessions, err = session.NewManager(session.Config{
		Root:           cfg.Session.RootDir,
		Runtime:        a.runtime,
		Servers:        a.servers,
		CoreServer:     cfg.Routing.CoreServer,
		DefaultTimeout: cfg.SessionTimeout(),
		Ledger:         a.store,
		Telemetry:      a.tel,
		Logger:         logger,
	}); err != nil {
		return nil, err
	}

	if a.engine, err = engine.New(engine.Config{
		Skills:       a.registry,
		Routing:      a.live,
		Sessions:     a.sessions,
		Audit:        a.audit,
		FallbackMaps: cfg.Skills.FallbackMaps,
		SystemPrompt: cfg.LLM.SystemPrompt,
		Model:        cfg.LLM.Model,
		Timeout:      cfg.SessionTimeout(),
		Logger:       logger,
	}); err != nil {
		return nil, err
	}
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// withCoreServer adds a descriptor for skillgate's own MCP server when the
// config does not name one, so session mcp.json files can reach the
// dispatcher. It is never connected to by this process.
func withCoreServer(cfg config.Config) []mcp.ServerConfig {
	core := cfg.Routing.CoreServer
	for _, srv := range cfg.MCP.Servers {
		if srv.Name == core {
			return cfg.MCP.Servers
		}
	}
	exe, err := os.Executable()
	if err != nil {
		exe = "skillgate"
	}
	servers := append([]mcp.ServerConfig{}, cfg.MCP.Servers...)
	return append(servers, mcp.ServerConfig{Name: core, Command: exe, Args: []string{"mcp"}})
}
