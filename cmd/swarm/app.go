package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aymankanso/agent/internal/adapter/agent"
	"github.com/aymankanso/agent/internal/adapter/breaker"
	"github.com/aymankanso/agent/internal/adapter/embedding"
	"github.com/aymankanso/agent/internal/adapter/memory"
	redismem "github.com/aymankanso/agent/internal/adapter/memory/redis"
	"github.com/aymankanso/agent/internal/adapter/memory/vector"
	"github.com/aymankanso/agent/internal/adapter/notify"
	"github.com/aymankanso/agent/internal/adapter/observer"
	"github.com/aymankanso/agent/internal/adapter/recorder"
	"github.com/aymankanso/agent/internal/adapter/toolexec"
	"github.com/aymankanso/agent/internal/domain"
	"github.com/aymankanso/agent/internal/infra/config"
	"github.com/aymankanso/agent/internal/infra/logger"
	"github.com/aymankanso/agent/internal/infra/metrics"
	"github.com/aymankanso/agent/internal/infra/tracer"
	"github.com/aymankanso/agent/internal/usecase/approval"
	"github.com/aymankanso/agent/internal/usecase/eventbus"
	"github.com/aymankanso/agent/internal/usecase/gateway"
	"github.com/aymankanso/agent/internal/usecase/retry"
	"github.com/aymankanso/agent/internal/usecase/scheduling"
	"github.com/aymankanso/agent/internal/usecase/swarm"
)

// app owns every long-lived component. closers run in reverse order.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	recorder  domain.Recorder
	longTerm  domain.LongTermMemory
	bus       *eventbus.Bus
	gate      *approval.Gate
	gateway   *gateway.Gateway
	manager   *swarm.Manager
	scheduler *scheduling.Scheduler
	observer  *observer.Server

	closers []func() error
}

func (a *app) onClose(fn func() error) { a.closers = append(a.closers, fn) }

// Close releases everything in reverse construction order.
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

// loadConfig loads cfg and the logger every command needs.
func loadConfig(path string) (*config.Config, *slog.Logger, func() error, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, nil, err
	}
	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, log, closeLog, nil
}

// newStorageApp builds only the recorder and long-term memory, for the
// read-side commands.
func newStorageApp(ctx context.Context, path string) (*app, error) {
	cfg, log, closeLog, err := loadConfig(path)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: log}
	a.onClose(closeLog)
	if err := a.buildStorage(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) buildStorage(_ context.Context) error {
	rec, err := recorder.New(a.cfg.Recorder, a.logger)
	if err != nil {
		return fmt.Errorf("recorder: %w", err)
	}
	a.recorder = rec
	a.onClose(rec.Close)

	emb, err := embedding.New(a.cfg.Memory.Embedding)
	if err != nil {
		return fmt.Errorf("embedding: %w", err)
	}
	switch a.cfg.Memory.LongTerm.Backend {
	case "", "inmem":
		a.longTerm = memory.NewLongTerm(emb, a.logger)
	case "sqlite":
		store, err := vector.New(a.cfg.Memory.LongTerm.Path, emb, a.logger, vector.Options{Hybrid: true})
		if err != nil {
			return fmt.Errorf("long-term memory: %w", err)
		}
		a.longTerm = store
		a.onClose(store.Close)
	default:
		return fmt.Errorf("long-term memory: unknown backend %q", a.cfg.Memory.LongTerm.Backend)
	}
	return nil
}

// newApp wires the full engine. Nothing runs until start.
func newApp(ctx context.Context, path string) (*app, error) {
	cfg, log, closeLog, err := loadConfig(path)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: log, metrics: metrics.New()}
	a.onClose(closeLog)
	if err := a.build(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) build(ctx context.Context) error {
	cfg := a.cfg

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	a.onClose(func() error { return shutdownTracer(context.Background()) })

	if err := a.buildStorage(ctx); err != nil {
		return err
	}

	shortTerm, err := a.buildShortTerm(ctx)
	if err != nil {
		return err
	}

	runner, closeRunner, err := toolexec.Build(ctx, cfg, a.logger)
	if err != nil {
		return fmt.Errorf("tools: %w", err)
	}
	a.onClose(func() error { closeRunner(); return nil })

	catalog, err := gateway.NewCatalog(cfg.Tools, cfg.ToolDefaults)
	if err != nil {
		return fmt.Errorf("tool catalog: %w", err)
	}

	a.gate, err = a.buildGate()
	if err != nil {
		return err
	}

	a.gateway = gateway.New(gateway.Deps{
		Catalog:   catalog,
		Runner:    runner,
		Approvals: a.gate,
		Breakers:  breaker.NewSet(a.metrics, a.logger),
		Executor:  retry.New(a.logger),
		Metrics:   a.metrics,
		Logger:    a.logger,
	})

	registry, err := buildRegistry(cfg)
	if err != nil {
		return err
	}

	a.bus = eventbus.New(a.logger, eventbus.WithMetrics(a.metrics))
	a.onClose(func() error { a.bus.Close(); return nil })

	a.manager = swarm.NewManager(swarm.ManagerDeps{
		Registry:  registry,
		Tools:     a.gateway,
		ShortTerm: shortTerm,
		LongTerm:  a.longTerm,
		Recorder:  a.recorder,
		Bus:       a.bus,
		Metrics:   a.metrics,
		Logger:    a.logger,
	}, swarm.Options{
		MaxIterations:      cfg.Engine.MaxIterations,
		SessionTimeout:     cfg.Engine.SessionTimeout,
		MaxInvalidHandoffs: cfg.Engine.MaxInvalidHandoffs,
		ResetMemoryOnEnd:   cfg.Engine.ResetMemoryOnEnd,
	})

	a.scheduler = scheduling.NewScheduler(a.logger)
	if err := scheduling.RegisterMaintenance(a.scheduler, scheduling.Maintenance{
		Recorder:      a.recorder,
		Retention:     cfg.Recorder.Retention,
		PruneSchedule: cfg.Recorder.PruneSchedule,
		Sessions:      a.manager,
		ReapAfter:     cfg.Engine.ReapAfter,
		ReapSchedule:  cfg.Engine.ReapSchedule,
	}, a.logger); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	if cfg.Observer.Enabled {
		a.observer = observer.New(cfg.Observer, observer.Deps{
			Bus:       a.bus,
			Recorder:  a.recorder,
			Approvals: a.gate,
			Sessions:  a.manager,
			Tools:     a.gateway,
			Metrics:   a.metrics.Handler(),
			Logger:    a.logger,
		})
	}
	return nil
}

func (a *app) buildShortTerm(ctx context.Context) (domain.ShortTermMemory, error) {
	st := a.cfg.Memory.ShortTerm
	switch st.Backend {
	case "", "inmem":
		return memory.NewShortTerm(), nil
	case "redis":
		var opts []redismem.Option
		if st.KeyPrefix != "" {
			opts = append(opts, redismem.WithKeyPrefix(st.KeyPrefix))
		}
		if st.TTL > 0 {
			opts = append(opts, redismem.WithTTL(st.TTL))
		}
		mem, err := redismem.New(ctx, st.RedisURL, opts...)
		if err != nil {
			return nil, fmt.Errorf("short-term memory: %w", err)
		}
		a.onClose(mem.Close)
		return mem, nil
	default:
		return nil, fmt.Errorf("short-term memory: unknown backend %q", st.Backend)
	}
}

func (a *app) buildGate() (*approval.Gate, error) {
	ac := a.cfg.Approval
	tiers := make([]domain.RiskTier, 0, len(ac.AutoApprove))
	for _, s := range ac.AutoApprove {
		t, err := domain.ParseRiskTier(s)
		if err != nil {
			return nil, fmt.Errorf("approval.auto_approve: %w", err)
		}
		tiers = append(tiers, t)
	}

	var notifiers notify.Multi
	for _, name := range strings.Split(ac.Notifier, ",") {
		switch strings.TrimSpace(name) {
		case "":
		case "log":
			notifiers = append(notifiers, notify.NewLogNotifier(a.logger))
		case "slack":
			var opts []notify.SlackOption
			if ac.Slack.APIURL != "" {
				opts = append(opts, notify.WithSlackAPIURL(ac.Slack.APIURL))
			}
			notifiers = append(notifiers, notify.NewSlackNotifier(ac.Slack.BotToken, ac.Slack.ChannelID, a.logger, opts...))
		default:
			return nil, fmt.Errorf("approval.notifier: unknown notifier %q", name)
		}
	}

	opts := []approval.Option{approval.WithObserver(a.metrics)}
	if len(notifiers) > 0 {
		opts = append(opts, approval.WithNotifier(notifiers))
	}
	return approval.NewGate(approval.Config{
		Timeout:     ac.Timeout,
		AutoApprove: tiers,
		HistorySize: ac.HistorySize,
	}, a.logger, opts...), nil
}

// buildRegistry binds every configured agent to its scripted decisions.
func buildRegistry(cfg *config.Config) (*swarm.Registry, error) {
	bindings := make([]swarm.Binding, 0, len(cfg.Agents))
	for _, ac := range cfg.Agents {
		impl, err := agent.FromConfig(ac.Script)
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", ac.Name, err)
		}
		bindings = append(bindings, swarm.Binding{
			Descriptor: domain.AgentDescriptor{
				Name:         ac.Name,
				Description:  ac.Description,
				Capabilities: ac.Capabilities,
				Handoffs:     ac.Handoffs,
			},
			Agent: impl,
		})
	}
	return swarm.NewRegistry(cfg.Engine.EntryAgent, cfg.Engine.TerminalTarget, bindings)
}
