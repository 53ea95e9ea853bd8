package main

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/kalambet/seabone/internal/agent"
	"github.com/kalambet/seabone/internal/composer"
	"github.com/kalambet/seabone/internal/config"
	"github.com/kalambet/seabone/internal/maintenance"
	"github.com/kalambet/seabone/internal/provider"
	"github.com/kalambet/seabone/internal/reasoning"
	"github.com/kalambet/seabone/internal/scheduler"
	"github.com/kalambet/seabone/internal/storage"
	"github.com/kalambet/seabone/internal/tools"
	"github.com/kalambet/seabone/internal/transcript"
	"github.com/kalambet/seabone/internal/workspace"
)

// runtime holds every long-lived component of a running instance.
type runtime struct {
	cfg    config.Config
	logger *slog.Logger

	sessions   *transcript.Store
	workspace  *workspace.Workspace
	audit      *storage.Store
	providers  *provider.Registry
	native     *tools.Native
	composer   *composer.Composer
	loop       *agent.Loop
	dispatcher *agent.Dispatcher
	maint      *maintenance.Maintainer
	scheduler  *scheduler.Scheduler
}

// newRuntime opens the stores and wires the components. Providers are not
// started; call startProviders.
func newRuntime(cfg config.Config, logger *slog.Logger) (*runtime, error) {
	provider.SetClientVersion(version)

	rt := &runtime{cfg: cfg, logger: logger}

	var err error
	rt.sessions, err = transcript.Open(cfg.SessionsDir(), transcript.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("opening sessions: %w", err)
	}

	rt.workspace = workspace.New(cfg.WorkspaceDir())
	if err := rt.workspace.Ensure(); err != nil {
		return nil, fmt.Errorf("preparing workspace: %w", err)
	}

	rt.audit, err = storage.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	rt.providers = provider.NewRegistry(logger)
	rt.native = tools.NewNative(rt.workspace, nil)
	rt.composer = composer.New(composer.Options{
		Files:     rt.workspace,
		Providers: rt.providers,
		Sessions:  rt.sessions,
		ToolCount: func() int { return len(rt.loop.Tools(nil)) },
		DataDir:   cfg.DataDir,
	})
	rt.native.SetStatus(rt.composer)

	rt.loop = agent.NewLoop(agent.Options{
		Reasoner: reasoning.NewClient(reasoning.Options{
			BaseURL:     cfg.Reasoning.BaseURL,
			APIKey:      cfg.Reasoning.APIKey,
			Model:       cfg.Reasoning.Model,
			MaxTokens:   cfg.Reasoning.MaxTokens,
			Temperature: cfg.Reasoning.Temperature,
			Timeout:     cfg.Reasoning.Timeout,
		}),
		Preamble:  rt.composer,
		Native:    rt.native,
		Providers: rt.providers,
		Auditor:   rt.audit,
		Policy: transcript.Policy{
			MaxMessages:  cfg.Context.MaxMessages,
			KeepRecent:   cfg.Context.KeepRecent,
			TruncateOver: cfg.Context.TruncateOver,
		},
		CompactThreshold: cfg.Context.CompactThreshold,
		MaxRounds:        cfg.Context.MaxRounds,
		ToolResultLimit:  cfg.Context.ToolResultLimit,
		Logger:           logger,
	})

	rt.dispatcher = agent.NewDispatcher(agent.DispatcherOptions{
		Store: rt.sessions,
		Loop:  rt.loop,
		Reset: agent.ResetPolicy{
			Mode: cfg.Session.ResetMode,
			Hour: cfg.Session.ResetHour,
			Idle: time.Duration(cfg.Session.IdleMinutes) * time.Minute,
		},
		LockWait: cfg.Session.LockWait,
		Logger:   logger,
	})

	rt.maint = maintenance.New(maintenance.Options{
		Store:      rt.sessions,
		Logs:       rt.workspace,
		Audit:      rt.audit,
		Policy:     maintenancePolicy(cfg),
		ArchiveDir: cfg.ArchiveDir(),
		Logger:     logger,
	})

	rt.scheduler = scheduler.New(scheduler.Options{
		Jobs:      schedulerJobs(cfg),
		Tick:      cfg.Scheduler.Tick,
		Maintain:  rt.maint.Maintain,
		Deliverer: rt.dispatcher,
		Recorder:  rt.audit,
		Logger:    logger,
	})
	return rt, nil
}

// startProviders launches every enabled provider and returns how many
// became ready.
func (rt *runtime) startProviders(ctx context.Context) int {
	specs := providerSpecs(rt.cfg)
	ready := rt.providers.StartAll(ctx, specs)
	rt.logger.Info("providers started", "ready", ready, "configured", len(specs))
	return ready
}

// reload applies the parts of a new config that can change at runtime.
func (rt *runtime) reload(cfg config.Config) {
	rt.scheduler.SetJobs(schedulerJobs(cfg))
	rt.maint.SetPolicy(maintenancePolicy(cfg))
	rt.logger.Info("config reloaded", "jobs", len(cfg.Scheduler.Jobs))
}

func (rt *runtime) Close() {
	rt.providers.StopAll()
	if err := rt.audit.Close(); err != nil {
		rt.logger.Warn("closing storage failed", "error", err)
	}
}

func providerSpecs(cfg config.Config) []provider.Spec {
	names := make([]string, 0, len(cfg.Providers))
	for name := range cfg.Providers {
		names = append(names, name)
	}
	sort.Strings(names)

	specs := make([]provider.Spec, 0, len(names))
	for _, name := range names {
		p := cfg.Providers[name]
		specs = append(specs, provider.Spec{
			Name:        name,
			Command:     p.Command,
			Args:        p.Args,
			Env:         p.Env,
			Dir:         p.Dir,
			Description: p.Description,
			Timeout:     p.Timeout,
			Enabled:     p.IsEnabled(),
		})
	}
	return specs
}

func schedulerJobs(cfg config.Config) []scheduler.Job {
	jobs := make([]scheduler.Job, 0, len(cfg.Scheduler.Jobs))
	for _, j := range cfg.Scheduler.Jobs {
		jobs = append(jobs, scheduler.Job{
			ID:       j.ID,
			Schedule: j.Schedule,
			Action:   j.Action,
			Enabled:  j.IsEnabled(),
		})
	}
	return jobs
}

func maintenancePolicy(cfg config.Config) maintenance.Policy {
	m := cfg.Maintenance
	return maintenance.Policy{
		PruneAfterDays:     m.PruneAfterDays,
		MaxEntries:         m.MaxEntries,
		MaxDiskMB:          m.MaxDiskMB,
		LogRetentionDays:   m.LogRetentionDays,
		Archive:            m.Archive,
		AuditRetentionDays: m.AuditRetentionDays,
	}
}
