package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"skytask/internal/catalog"
	"skytask/internal/config"
	"skytask/internal/eventbus"
	"skytask/internal/execution"
	"skytask/internal/executor"
	"skytask/internal/fleet"
	"skytask/internal/lock"
	"skytask/internal/model"
	"skytask/internal/monitor"
	"skytask/internal/notifier"
	"skytask/internal/observability"
	rtsup "skytask/internal/runtime/supervisor"
	"skytask/internal/storage"
	"skytask/internal/task/engine"
	"skytask/internal/task/scheduler"
	"skytask/internal/tenant"
	"skytask/internal/transport/httpapi"
	logx "skytask/pkg/logx"
)

type App struct {
	cfgPath string
	version string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log     logx.Logger
	logs    *logx.Service
	bus     eventbus.Bus
	store   storage.Store
	metrics *observability.Registry
	tracing func(context.Context) error

	tenants  *tenant.Resolver
	execs    *executor.Registry
	pool     *engine.Service
	sched    *scheduler.Service
	coord    *execution.Coordinator
	monitor  *monitor.Monitor
	escQueue *monitor.Queue
	recovery *monitor.Recovery
	notif    *notifier.Service
	fleet    *fleet.Manager
	self     *fleet.Reporter
	catalog  *catalog.Catalog
	http     *httpapi.Server
}

type Option func(*App)

func WithVersion(v string) Option { return func(a *App) { a.version = v } }

// NewApp loads and validates the config file and wires every component.
// Nothing runs until Start.
func NewApp(cfgPath string, opts ...Option) (*App, error) {
	a := &App{cfgPath: cfgPath, version: "dev"}
	for _, o := range opts {
		o(a)
	}

	cfgm := config.NewManager(cfgPath)
	cfgm.SetValidator(validateConfig)
	cfg, err := cfgm.Load(context.Background())
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	tcfg, err := mapTracingConfig(cfg)
	if err != nil {
		return nil, err
	}
	shutdownTracing, err := observability.InitTracing(tcfg)
	if err != nil {
		return nil, err
	}

	metrics := observability.NewRegistry()
	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	log.Info("storage ready", logx.String("driver", sc.Driver))

	client := &http.Client{}
	funcs := executor.NewFunc()
	if err := registerBuiltins(funcs, log); err != nil {
		return nil, err
	}
	execs := executor.NewRegistry(
		executor.NewHTTP(client, log.With(logx.String("comp", "executor.http"))),
		executor.NewShell(log.With(logx.String("comp", "executor.shell"))),
		funcs,
	)
	if err := execs.Validate(model.ExecutorHTTP, model.ExecutorShell, model.ExecutorFunc); err != nil {
		return nil, err
	}

	engCfg, err := mapDispatchConfig(cfg)
	if err != nil {
		return nil, err
	}
	pool := engine.New(engCfg, log.With(logx.String("comp", "dispatch")), bus)

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	sched := scheduler.New(schedCfg, store, log.With(logx.String("comp", "scheduler")), bus)

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	senders, err := notifierSenders(cfg, log.With(logx.String("comp", "notify.log")), client)
	if err != nil {
		return nil, err
	}
	nopts := []notifier.Option{notifier.WithStore(store), notifier.WithMetrics(metrics)}
	for _, s := range senders {
		nopts = append(nopts, notifier.WithSender(s))
	}
	notif := notifier.New(ncfg, log.With(logx.String("comp", "notifier")), bus, nopts...)
	logSvc.SetAlertSender(notif)

	monCfg, monChannels, err := mapMonitorConfig(cfg)
	if err != nil {
		return nil, err
	}
	escQueue := monitor.NewQueue(64, log)
	mon := monitor.New(monCfg, escQueue, log.With(logx.String("comp", "monitor")), monitor.WithMetrics(metrics))
	recovery := monitor.NewRecovery(monitor.RecoveryDeps{
		Store:     store,
		Scheduler: sched,
		Notifier:  notif,
		Metrics:   metrics,
		Bus:       bus,
		Channels:  monChannels,
	}, log)

	self, err := mapSelfNode(cfg)
	if err != nil {
		return nil, err
	}
	execCfg, err := mapExecutionConfig(cfg, self.ID)
	if err != nil {
		return nil, err
	}
	coord := execution.New(execCfg, execution.Deps{
		Store:     store,
		Locker:    lock.NewLeaseLocker(store, log.With(logx.String("comp", "lock"))),
		Scheduler: sched,
		Pool:      pool,
		Executors: execs,
		Monitor:   mon,
		Metrics:   metrics,
		Bus:       bus,
	}, log)
	sched.OnFire(coord.OnFire)

	fcfg, err := mapFleetConfig(cfg)
	if err != nil {
		return nil, err
	}
	fleetMgr := fleet.NewManager(fcfg, log.With(logx.String("comp", "fleet")), fleet.WithMetrics(metrics), fleet.WithBus(bus))
	var reporter *fleet.Reporter
	if self.Enabled {
		reporter = fleet.NewReporter(self, fleetMgr, func() (int, int) { return pool.Running(), pool.Backlog() }, log)
	}

	tenants := tenant.NewResolver(store)
	defaults, err := mapCatalogDefaults(cfg)
	if err != nil {
		return nil, err
	}
	cat := catalog.New(defaults, catalog.Deps{
		Store:     store,
		Scheduler: sched,
		Runner:    coord,
		Executors: execs,
		Tenants:   tenants,
		Forgetter: mon,
	}, log.With(logx.String("comp", "catalog")))

	hcfg, err := mapHTTPConfig(cfg)
	if err != nil {
		return nil, err
	}

	a.cfgm = cfgm
	a.log, a.logs = log, logSvc
	a.bus, a.store, a.metrics, a.tracing = bus, store, metrics, shutdownTracing
	a.tenants, a.execs, a.pool, a.sched, a.coord = tenants, execs, pool, sched, coord
	a.monitor, a.escQueue, a.recovery, a.notif = mon, escQueue, recovery, notif
	a.fleet, a.self, a.catalog = fleetMgr, reporter, cat
	a.http = httpapi.NewServer(hcfg, httpapi.Deps{
		Tenants:    tenants,
		Catalog:    cat,
		Executions: coord,
		Fleet:      fleetMgr,
		Metrics:    metrics,
		Health:     a.health,
		Version:    a.version,
	}, log.With(logx.String("comp", "http")))
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// HTTPAddr waits for the API listener and returns its address.
func (a *App) HTTPAddr(ctx context.Context) (string, error) {
	if !a.http.Enabled() {
		return "", errors.New("http api disabled")
	}
	return a.http.Addr(ctx)
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	if err := a.seedTenants(runCtx, a.cfgm.Get().Tenants); err != nil {
		return err
	}

	if a.notif.Enabled() {
		a.notif.Start(runCtx)
	}
	a.pool.Start(runCtx)

	loop, err := a.escQueue.Subscribe(runCtx, a.recovery.Handle)
	if err != nil {
		return err
	}
	a.sup.Go("escalation.recovery", loop)

	if err := a.sched.Start(runCtx); err != nil {
		return err
	}
	if a.sched.Enabled() {
		if _, err := a.catalog.RestoreAll(runCtx); err != nil {
			return fmt.Errorf("restore tasks: %w", err)
		}
	}

	a.sup.Go("fleet.sweep", a.fleet.Run)
	if a.self != nil {
		a.sup.Go("fleet.self", a.self.Run)
	}

	if err := a.http.Start(runCtx); err != nil {
		return err
	}

	if a.bus != nil {
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
	}

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
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started", logx.String("version", a.version))
	return nil
}

func (a *App) seedTenants(ctx context.Context, seeds []config.TenantSeed) error {
	for _, s := range seeds {
		name := strings.TrimSpace(s.Name)
		if name == "" {
			name = s.Code
		}
		t, err := a.tenants.Ensure(ctx, s.Code, name)
		if err != nil {
			return fmt.Errorf("seed tenant %q: %w", s.Code, err)
		}
		a.log.Debug("tenant ready", logx.Tenant(t.Code), logx.Int64("id", t.ID))
	}
	return nil
}

// health feeds /healthz.
func (a *App) health() map[string]any {
	out := map[string]any{
		"scheduler": map[string]any{"enabled": a.sched.Enabled(), "started": a.sched.Started()},
		"dispatch":  map[string]any{"running": a.pool.Running(), "backlog": a.pool.Backlog()},
		"notifier":  a.notif.Enabled(),
	}
	if a.sup != nil {
		out["loops"] = a.sup.Snapshot()
	}
	return out
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	a.sup.Cancel()

	// step bounds one shutdown stage so a stuck component cannot stall the rest.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if dl, ok := ctx.Deadline(); ok && time.Until(dl) < max {
			max = time.Until(dl)
		}
		if max > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

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
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("http", 3*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("dispatch", 3*time.Second, func(c context.Context) error { a.pool.Stop(c); return nil })
	step("escalation.queue", time.Second, func(context.Context) error { return a.escQueue.Close() })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("tracing", time.Second, func(c context.Context) error { return a.tracing(c) })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
