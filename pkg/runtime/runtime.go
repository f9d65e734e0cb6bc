// Package runtime assembles the event runtime: store, bus, policy
// engine, driver registry, scheduler, instruction matcher, plan executor
// and the processing pipeline, wired from configuration.
package runtime

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ambientos/ambient/pkg/bus"
	"github.com/ambientos/ambient/pkg/config"
	"github.com/ambientos/ambient/pkg/driver"
	"github.com/ambientos/ambient/pkg/drivers/hub"
	"github.com/ambientos/ambient/pkg/drivers/llm"
	"github.com/ambientos/ambient/pkg/drivers/notify"
	"github.com/ambientos/ambient/pkg/drivers/storekeeper"
	"github.com/ambientos/ambient/pkg/instruction"
	"github.com/ambientos/ambient/pkg/plan"
	"github.com/ambientos/ambient/pkg/policy"
	"github.com/ambientos/ambient/pkg/processor"
	"github.com/ambientos/ambient/pkg/scheduler"
	"github.com/ambientos/ambient/pkg/security"
	"github.com/ambientos/ambient/pkg/store"
)

// Runtime owns every core component. Construct with New, then Start.
type Runtime struct {
	Config    *config.Config
	Bus       *bus.Bus
	Store     store.Store
	Engine    *policy.Engine
	Security  *security.Manager
	Registry  *driver.Registry
	Matcher   *instruction.Matcher
	Scheduler *scheduler.Scheduler
	Plans     *plan.Executor
	Processor *processor.Processor

	pg     *store.Postgres // non-nil when the Postgres backend is active
	logger *slog.Logger
}

// New wires the runtime from configuration. Nothing is started; drivers
// are registered but stopped.
func New(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	rt := &Runtime{
		Config: cfg,
		logger: slog.Default().With("component", "runtime"),
	}

	if cfg.Database.Enabled {
		pg, err := store.NewPostgres(ctx, store.PostgresConfig{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.DatabasePassword(),
			Database: cfg.Database.Database,
			SSLMode:  cfg.Database.SSLMode,
			MaxConns: cfg.Database.MaxConns,
			MinConns: cfg.Database.MinConns,
		})
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		rt.pg = pg
		rt.Store = pg
	} else {
		rt.Store = store.NewMemory()
	}

	rt.Bus = bus.New(cfg.Bus.HistorySize)

	rt.Engine = policy.NewEngine()
	for _, p := range security.DefaultPolicies(cfg.Security.CostCeiling, cfg.Security.DailyEventLimit) {
		rt.Engine.Add(p)
	}
	for _, pc := range cfg.Security.Policies {
		rt.Engine.Add(policy.Policy{
			ID:        pc.ID,
			Name:      pc.Name,
			Condition: pc.Condition,
			Action:    policy.Action(pc.Action),
			Config:    pc.Config,
			AppliesTo: pc.AppliesTo,
			Enabled:   pc.Enabled,
			Priority:  pc.Priority,
		})
	}
	rt.Security = security.NewManager(rt.Engine,
		security.WithAuditSize(cfg.Security.AuditSize))

	rt.Registry = driver.NewRegistry(driver.WithTimeoutGuard())
	rt.Matcher = instruction.NewMatcher(rt.Store)
	rt.Scheduler = scheduler.New(rt.Bus, rt.Store,
		scheduler.WithTickInterval(cfg.Scheduler.TickInterval))
	rt.Plans = plan.NewExecutor(rt.Bus, rt.Store)
	rt.Processor = processor.New(rt.Bus, rt.Registry, rt.Security, rt.Matcher,
		processor.WithWorkers(cfg.Processor.Workers),
		processor.WithQueueSize(cfg.Processor.QueueSize))

	if err := rt.registerDrivers(); err != nil {
		return nil, err
	}
	return rt, nil
}

// registerDrivers installs the built-in driver set. Drivers whose
// upstream is not configured are skipped, not failed: a runtime without
// Slack is still a runtime.
func (rt *Runtime) registerDrivers() error {
	cfg := rt.Config

	if key := cfg.LLMAPIKey(); key != "" {
		llmCfg := rt.driverConfig(llm.DriverID, map[string]any{
			"api_key":    key,
			"model":      cfg.LLM.Model,
			"max_tokens": cfg.LLM.MaxTokens,
		})
		if err := rt.Registry.Register(llm.Descriptor(), llmCfg); err != nil {
			return err
		}
	} else {
		rt.logger.Warn("LLM driver disabled: no API key configured", "env", cfg.LLM.APIKeyEnv)
	}

	if cfg.Slack.Enabled {
		notifyCfg := rt.driverConfig(notify.DriverID, map[string]any{
			"token":   cfg.SlackToken(),
			"channel": cfg.Slack.Channel,
		})
		if err := rt.Registry.Register(notify.Descriptor(), notifyCfg); err != nil {
			return err
		}
	}

	if cfg.ContextHub.URL != "" {
		hubCfg := rt.driverConfig(hub.DriverID, map[string]any{
			"url": cfg.ContextHub.URL,
		})
		if err := rt.Registry.Register(hub.Descriptor(), hubCfg); err != nil {
			return err
		}
	}

	return rt.Registry.Register(storekeeper.Descriptor(rt.Store, rt.Matcher), nil)
}

// driverConfig merges operator overrides from the drivers section over
// the wired defaults.
func (rt *Runtime) driverConfig(driverID string, base map[string]any) map[string]any {
	for k, v := range rt.Config.Drivers[driverID] {
		base[k] = v
	}
	return base
}

// Start brings the runtime up: drivers first, then the scheduler and
// plan executor, then the processor so no event is consumed before its
// handlers exist.
func (rt *Runtime) Start(ctx context.Context) error {
	for _, st := range rt.Registry.List() {
		if err := rt.Registry.Start(ctx, st.DriverID); err != nil {
			// A failed driver is recorded in its status; the rest of the
			// runtime still comes up.
			rt.logger.Error("Driver failed to start", "driver_id", st.DriverID, "error", err)
		}
	}

	rt.Scheduler.Attach(rt.Bus)
	if err := rt.Scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	rt.Plans.Attach(rt.Bus)
	if err := rt.Plans.Start(ctx); err != nil {
		return fmt.Errorf("start plan executor: %w", err)
	}

	rt.Processor.Start()
	rt.logger.Info("Runtime started",
		"drivers", len(rt.Registry.List()),
		"database", rt.Config.Database.Enabled)
	return nil
}

// Stop shuts the runtime down in reverse order: stop consuming first,
// then the schedulers, then the drivers, then the store.
func (rt *Runtime) Stop(ctx context.Context) {
	rt.Processor.Stop()
	rt.Scheduler.Stop()
	rt.Plans.Stop()
	rt.Registry.StopAll(ctx)
	if rt.pg != nil {
		rt.pg.Close()
	}
	rt.logger.Info("Runtime stopped")
}

// Healthy reports whether the runtime's backing services respond. The
// in-memory store is always healthy.
func (rt *Runtime) Healthy(ctx context.Context) error {
	if rt.pg != nil {
		return rt.pg.Ping(ctx)
	}
	return nil
}
