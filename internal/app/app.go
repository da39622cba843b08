// Package app wires the mirror engine, its maintenance jobs and the Discord
// adapter into one supervised process.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"conduction/internal/alert"
	"conduction/internal/config"
	"conduction/internal/eventbus"
	"conduction/internal/mirror/fanout"
	"conduction/internal/mirror/health"
	"conduction/internal/mirror/ledger"
	"conduction/internal/mirror/population"
	"conduction/internal/mirror/progress"
	"conduction/internal/mirror/ratelimit"
	"conduction/internal/mirror/registry"
	"conduction/internal/mirror/tracing"
	"conduction/internal/observability/debughttp"
	"conduction/internal/runtime/supervisor"
	"conduction/internal/storage"
	"conduction/internal/task/scheduler"
	"conduction/internal/transport"
	"conduction/internal/transport/discord"
	logx "conduction/pkg/logx"
)

const (
	jobPrune      = "ledger.prune"
	jobPopulation = "population.refresh"
)

type App struct {
	cfgm *config.ConfigManager
	rt   *config.Runtime
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	bus     eventbus.Bus
	store   storage.Store
	adapter transport.Adapter
	updates chan transport.Update

	registry *registry.Registry
	ledger   *ledger.Ledger
	limiter  *ratelimit.TimedSemaphore
	alerts   *alert.Reporter
	health   *health.Monitor
	engine   *fanout.Engine
	pop      *population.Refresher
	tracer   *tracing.Tracer
	sched    *scheduler.Service
	debug    *debughttp.Server

	admin *Admin
}

type Option func(*options)

type options struct {
	adapter transport.Adapter
}

// WithAdapter replaces the Discord adapter, mostly for tests.
func WithAdapter(a transport.Adapter) Option {
	return func(o *options) { o.adapter = a }
}

func New(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	rt, err := config.Resolve(cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	adapter := o.adapter
	if adapter == nil {
		// The adapter logs before the real sinks exist.
		bootLog := logx.NewConsole(rt.Logging.Level)
		d, err := discord.New(discord.Config{
			Token:              rt.Token,
			MaxAttachmentBytes: rt.MaxAttachmentBytes,
			DownloadTimeout:    rt.DownloadTimeout,
		}, bootLog.With(logx.String("comp", "discord")))
		if err != nil {
			return nil, err
		}
		adapter = d
	}

	logs, log := logx.New(rt.Logging, adapter)
	if d, ok := adapter.(*discord.Adapter); ok {
		d.SetLogger(log.With(logx.String("comp", "discord")))
	}

	store, err := storage.Open(mapStorageConfig(rt), log.With(logx.String("comp", "storage")))
	if err != nil {
		logs.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	a := &App{
		cfgm:    cfgm,
		rt:      rt,
		log:     log,
		logs:    logs,
		bus:     eventbus.New(),
		store:   store,
		adapter: adapter,
		updates: make(chan transport.Update, 256),
	}
	if err := a.build(); err != nil {
		_ = store.Close()
		logs.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build() error {
	rt := a.rt
	comp := func(name string) logx.Logger { return a.log.With(logx.String("comp", name)) }

	a.registry = registry.New(a.store, registry.NewCache(), comp("registry"))
	a.ledger = ledger.New(a.store, comp("ledger"))
	a.limiter = ratelimit.New(rt.Mirror.Slots, rt.Mirror.Cooldown)
	a.alerts = alert.New(a.adapter, rt.AlertsChannel, rt.AlertRatePerSec, comp("alert"))
	a.health = health.New(a.registry, a.store, mapHealthPolicy(rt.Mirror), comp("health"))

	eng, err := fanout.New(fanout.Deps{
		Transport: a.adapter,
		Registry:  a.registry,
		Ledger:    a.ledger,
		Limiter:   a.limiter,
		Progress:  progress.New(a.adapter, mapProgressConfig(rt), comp("progress")),
		Health:    a.health,
		Alerts:    a.alerts,
		Bus:       a.bus,
		Self:      a.adapter.SelfID,
	}, mapEngineConfig(rt.Mirror), comp("fanout"))
	if err != nil {
		return err
	}
	a.engine = eng

	a.pop = population.New(a.adapter, a.store, a.registry, a.alerts, population.DefaultConfig(), comp("population"))
	if rt.Mirror.Tracing {
		a.tracer = tracing.New(a.registry, tracing.Config{
			Guilds:      rt.ControlGuilds,
			Followables: rt.Followables,
		}, comp("tracing"))
	}

	a.sched = scheduler.New(mapSchedulerConfig(rt), comp("scheduler"))
	if err := a.sched.Add(scheduler.Job{
		Name:     jobPrune,
		Schedule: rt.PruneSchedule,
		Delay:    scheduler.Window(rt.PruneJitter),
		Timeout:  10 * time.Minute,
		Run:      a.prune,
		OnError:  a.reportJob(jobPrune),
	}); err != nil {
		return err
	}
	if err := a.sched.Add(scheduler.Job{
		Name:     jobPopulation,
		Schedule: rt.PopSchedule,
		Run:      a.pop.Run,
		OnError:  a.reportJob(jobPopulation),
	}); err != nil {
		return err
	}

	a.admin = &Admin{app: a}
	if rt.DebugEnabled {
		a.debug = debughttp.New(rt.Debug, debugSource{a}, comp("debughttp"))
	}
	return nil
}

func (a *App) prune(ctx context.Context) error {
	n, err := a.ledger.Prune(ctx, a.rt.PruneMaxAge)
	if err != nil {
		return err
	}
	a.log.Info("ledger pruned", logx.Int64("removed", n), logx.Duration("max_age", a.rt.PruneMaxAge))
	return nil
}

func (a *App) reportJob(name string) func(ctx context.Context, err error) {
	return func(ctx context.Context, err error) {
		a.alerts.Report(ctx, err, "scheduled job "+name+" failed")
	}
}

func (a *App) Admin() *Admin { return a.admin }

func (a *App) Logger() logx.Logger { return a.log }

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Done is closed when the app's supervisor context ends.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		return nil
	}
	return a.sup.Context().Done()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: a file that does not resolve is never committed
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		_, err := config.Resolve(cfg)
		return err
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}

	if a.tracer != nil {
		if err := a.tracer.Load(a.sup.Context()); err != nil {
			a.log.Warn("follow tracing disabled", logx.Err(err))
		} else {
			tr := a.tracer
			a.sup.Go("mirror.tracing", func(c context.Context) error { return tr.Run(c, a.bus) })
		}
	}

	a.sched.Start(a.sup.Context())
	if a.rt.PopRunOnStart {
		a.sup.Go0("population.initial", func(c context.Context) {
			if err := a.sched.RunNow(c, jobPopulation); err != nil && !errors.Is(err, scheduler.ErrRunning) {
				a.log.Warn("initial population refresh failed", logx.Err(err))
			}
		})
	}

	a.sup.Go("updates.pump", a.pump)

	if a.debug != nil {
		if err := a.debug.Start(a.sup.Context()); err != nil {
			a.log.Warn("debug http disabled", logx.Err(err))
		}
	}

	// Debug-level event trace; frequent in busy guilds.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.Int("rate_slots", a.rt.Mirror.Slots),
		logx.Bool("scheduler", a.rt.SchedulerEnabled),
		logx.Bool("tracing", a.tracer != nil),
	)
	return nil
}

// pump feeds gateway updates to the engine. Removal events also retire the
// edges pointing at the vanished channel or server.
func (a *App) pump(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-a.updates:
			if !ok {
				return nil
			}
			switch u.Kind {
			case transport.UpdateChannelDelete:
				if _, err := a.registry.RemoveDestination(ctx, u.ChannelID); err != nil {
					a.alerts.Report(ctx, err, "retiring edges of deleted channel "+u.ChannelID.String())
				}
			case transport.UpdateGuildLeave:
				if _, err := a.registry.RemoveGroup(ctx, u.GuildID); err != nil {
					a.alerts.Report(ctx, err, "retiring edges of server "+u.GuildID.String())
				}
			}
			a.engine.Dispatch(ctx, u)
		}
	}
}

func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	rt, err := config.Resolve(newCfg)
	if err != nil {
		// The validator already accepted it; only a racing edit gets here.
		a.log.Warn("invalid config; keeping previous", logx.Err(err))
		return
	}
	if restart := config.NeedsRestart(sections); len(restart) > 0 {
		a.log.Warn("config changed in sections that need a restart", logx.String("sections", strings.Join(restart, ",")))
	}
	for _, s := range sections {
		switch s {
		case "logging":
			a.logs.Apply(rt.Logging)
		case "mirror":
			a.engine.Apply(mapEngineConfig(rt.Mirror))
			a.health.Apply(mapHealthPolicy(rt.Mirror))
		}
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	if a.debug != nil {
		a.step(ctx, "debughttp", time.Second, a.debug.Stop)
	}
	a.step(ctx, "adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	// Runs observe the canceled context; this waits for their bounded persistence.
	a.step(ctx, "fanout", 35*time.Second, a.engine.Wait)
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	a.logs.Close()
	return nil
}

// Close releases storage and log sinks of an app that was never started.
func (a *App) Close() error {
	// Manual runs may still be writing their final progress card.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	_ = a.engine.Wait(ctx)
	cancel()
	err := a.store.Close()
	a.logs.Close()
	return err
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	// respect the caller's deadline; never extend it
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}
