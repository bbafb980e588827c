package main

import (
	"context"
	"fmt"
	"os"
	"reflect"
	"time"

	"github.com/basket/skillgate/internal/config"
	"github.com/basket/skillgate/internal/cron"
	"github.com/basket/skillgate/internal/session"
	"github.com/basket/skillgate/internal/skills"
	"github.com/basket/skillgate/internal/tools"
)

func runServeCommand(ctx context.Context, args []string, quiet bool) int {
	fs := newFlagSet("serve")
	interval := fs.Duration("tick", time.Minute, "scheduler tick interval")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	a, err := bootstrap(ctx, bootOptions{quiet: quiet})
	if err != nil {
		return fail("%v", err)
	}
	defer a.Close()

	if err := startWatchers(ctx, a); err != nil {
		return fail("%v", err)
	}

	sched := cron.NewScheduler(cron.Config{Logger: a.logger, Interval: *interval})
	if err := registerMaintenance(sched, a); err != nil {
		return fail("%v", err)
	}
	sched.Start(ctx)
	defer sched.Stop()

	for _, st := range sched.Status() {
		a.logger.Info("job scheduled", "job", st.Name, "spec", st.Spec, "next_run", st.NextRun)
	}
	a.logger.Info("startup phase", "phase", "serving", "mode", a.live.Mode())
	<-ctx.Done()
	a.logger.Info("shutting down")
	return 0
}

func runMCPCommand(ctx context.Context, args []string) int {
	fs := newFlagSet("mcp")
	local := fs.Bool("local", false, "do not connect MCP servers; fallbacks fail")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	a, err := bootstrap(ctx, bootOptions{quiet: true, remote: !*local})
	if err != nil {
		return fail("%v", err)
	}
	defer a.Close()

	if err := startWatchers(ctx, a); err != nil {
		return fail("%v", err)
	}
	server := tools.NewMCPServer(a.dispatcher, Version)
	if err := tools.ServeStdio(ctx, server); err != nil && ctx.Err() == nil {
		return fail("mcp server: %v", err)
	}
	return 0
}

// startWatchers reloads skills on descriptor changes (when enabled) and
// re-applies routing settings when config.yaml or .env change.
func startWatchers(ctx context.Context, a *app) error {
	if a.cfg.Skills.Watch {
		dirs := []string{a.cfg.Skills.BuiltinDir, a.cfg.Skills.ExternalDir}
		for _, d := range dirs {
			if err := os.MkdirAll(d, 0o755); err != nil {
				return fmt.Errorf("create skills dir: %w", err)
			}
		}
		sw := skills.NewWatcher(dirs, a.logger.With("component", "skills-watcher"))
		if err := sw.ReloadOn(ctx, a.registry); err != nil {
			return fmt.Errorf("skills watcher: %w", err)
		}
	}

	cw := config.NewWatcher(a.cfg.HomeDir, a.logger.With("component", "config-watcher"))
	if err := cw.Start(ctx); err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	go func() {
		for range cw.Events() {
			cfg, err := config.LoadFrom(a.cfg.HomeDir)
			if err != nil {
				a.logger.Error("config reload failed; keeping previous settings", "error", err)
				continue
			}
			applyConfigReload(a, cfg)
		}
	}()
	return nil
}

// applyConfigReload swaps in the routing settings of cfg. It reports
// whether anything a running process honors changed.
func applyConfigReload(a *app, cfg config.Config) bool {
	prev := a.cfg.Fingerprint()
	if cfg.Fingerprint() == prev {
		return false
	}
	changed := a.live.Reload(cfg.RoutingMode(), cfg.RoutingOptions())
	a.logger.Info("config reloaded",
		"fingerprint", cfg.Fingerprint(),
		"mode", cfg.RoutingMode(),
		"routing_changed", changed,
	)
	if !reflect.DeepEqual(cfg.Skills.FallbackMaps, a.cfg.Skills.FallbackMaps) {
		a.logger.Warn("skills.fallback_maps changed; restart to apply")
	}
	a.cfg = cfg
	return true
}

// registerMaintenance schedules the workdir janitor and the ledger
// retention job.
func registerMaintenance(sched *cron.Scheduler, a *app) error {
	root := a.cfg.Session.RootDir
	ttl := a.cfg.OrphanTTL()
	if err := sched.Add("session-janitor", a.cfg.Session.JanitorSchedule, func(ctx context.Context) error {
		n, err := session.SweepOrphans(root, ttl, time.Now(), a.logger)
		if n > 0 {
			a.logger.Info("orphaned session workdirs removed", "count", n)
		}
		return err
	}); err != nil {
		return fmt.Errorf("schedule janitor: %w", err)
	}

	auditDays, sessionDays := a.cfg.Audit.RetentionDays, a.cfg.Audit.SessionRetentionDays
	abandonAfter := 2 * a.cfg.SessionTimeout()
	if err := sched.Add("ledger-retention", a.cfg.Audit.RetentionSchedule, func(ctx context.Context) error {
		marked, err := a.store.MarkAbandoned(ctx, time.Now().Add(-abandonAfter))
		if err != nil {
			return err
		}
		res, err := a.store.RunRetention(ctx, auditDays, sessionDays)
		if err != nil {
			return err
		}
		a.logger.Info("retention completed",
			"abandoned_sessions", marked,
			"purged_audit_logs", res.PurgedAuditLogs,
			"purged_sessions", res.PurgedSessions,
		)
		return nil
	}); err != nil {
		return fmt.Errorf("schedule retention: %w", err)
	}
	return nil
}
