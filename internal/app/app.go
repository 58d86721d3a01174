// Package app assembles the daemon: config, logging, storage, scheduler,
// worker supervision, bridge and maintenance jobs.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	sd "github.com/coreos/go-systemd/v22/daemon"
	cron "github.com/robfig/cron/v3"

	"rtcore/internal/bridge"
	"rtcore/internal/channel"
	"rtcore/internal/config"
	"rtcore/internal/eventbus"
	"rtcore/internal/metrics"
	rt "rtcore/internal/runtime/supervisor"
	"rtcore/internal/sched"
	"rtcore/internal/storage"
	"rtcore/internal/worker"
	"rtcore/pkg/logx"
)

type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	bus eventbus.Bus
	reg *metrics.Registry

	store   storage.Store
	sch     *sched.Scheduler
	workers *worker.Manager
	brd     *bridge.Bridge
	mqtt    *bridge.MQTTSink
	maint   *cron.Cron

	sup     *rt.Supervisor
	unsubs  []func()
	stopped bool
	mu      sync.Mutex
}

func New(cfgPath string) (*App, error) {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled:    cfg.Logging.File.Enabled,
			Path:       cfg.Logging.File.Path,
			MaxSizeMB:  cfg.Logging.File.MaxSizeMB,
			MaxBackups: cfg.Logging.File.MaxBackups,
			MaxAgeDays: cfg.Logging.File.MaxAgeDays,
		},
	})
	mgr.SetLogger(log.With(logx.String("svc", "config")))
	mgr.SetValidator(func(_ context.Context, c *config.Config) error {
		return config.Validate(c)
	})

	return &App{
		cfgMgr: mgr,
		logSvc: logSvc,
		log:    log,
		bus:    eventbus.New(),
		reg:    metrics.NewRegistry(),
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgMgr.Get()
	a.sup = rt.New(ctx, rt.WithLogger(a.log.With(logx.String("svc", "app"))))

	if st := cfg.Storage; st != nil {
		busy, _ := config.ParseDurationField("storage.busy_timeout", st.BusyTimeout)
		store, err := storage.Open(storage.Config{
			Driver: st.Driver, Path: st.Path, BusyTimeout: busy,
		}, a.log.With(logx.String("svc", "storage")))
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		a.store = store
	}

	a.sch = sched.New(sched.Options{
		Workers:          cfg.Scheduler.Workers,
		FailureThreshold: cfg.Scheduler.FailureThreshold,
		HistorySize:      cfg.Scheduler.HistorySize,
		RunHook:          a.recordRun,
	}, a.bus, a.reg, a.log.With(logx.String("svc", "sched")))

	if err := a.startBridge(ctx, cfg); err != nil {
		return err
	}
	if err := a.startWorkers(ctx, cfg); err != nil {
		return err
	}
	if err := a.sch.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	a.subscribeEvents()
	a.startMaintenance(cfg)
	a.sup.Go("config.watch", a.cfgMgr.Watch)
	a.watchReloads()
	a.notifySystemd(ctx)

	a.log.Info("daemon started",
		logx.Int("workers", len(cfg.Workers)),
		logx.Bool("bridge", cfg.Bridge.Enabled),
		logx.Bool("storage", a.store != nil))
	return nil
}

func (a *App) startBridge(ctx context.Context, cfg *config.Config) error {
	if !cfg.Bridge.Enabled {
		return nil
	}
	var sink bridge.Publisher
	blog := a.log.With(logx.String("svc", "bridge"))
	if mq := cfg.Bridge.MQTT; mq != nil {
		connTO, _ := config.ParseDurationField("bridge.mqtt.connect_timeout", mq.ConnectTimeout)
		pubTO, _ := config.ParseDurationField("bridge.mqtt.publish_timeout", mq.PublishTimeout)
		s, err := bridge.NewMQTTSink(bridge.MQTTConfig{
			Broker:         mq.Broker,
			ClientID:       mq.ClientID,
			Username:       mq.Username,
			Password:       mq.Password,
			QoS:            byte(mq.QoS),
			TopicPrefix:    mq.TopicPrefix,
			ConnectTimeout: connTO,
			PublishTimeout: pubTO,
		}, blog)
		if err != nil {
			return fmt.Errorf("mqtt sink: %w", err)
		}
		a.mqtt = s
		sink = s
	} else {
		sink = bridge.NewBusSink(a.bus)
	}

	poll, _ := config.ParseDurationField("bridge.poll_timeout", cfg.Bridge.PollTimeout)
	grace, _ := config.ParseDurationField("bridge.cleanup_grace", cfg.Bridge.CleanupGrace)
	a.brd = bridge.New(sink, bridge.Options{
		PollTimeout:  poll,
		CleanupGrace: grace,
		Bus:          a.bus,
	}, a.reg, blog)
	return a.brd.Start(ctx)
}

func (a *App) startWorkers(ctx context.Context, cfg *config.Config) error {
	launcher := newRouteLauncher(cfg.Workers)
	opts := worker.ManagerOptions{
		Scheduler: a.sch,
	}
	if a.brd != nil {
		// Re-wire the bridge to the fresh ring whenever a worker
		// (re)starts; the prior ring was closed during teardown.
		brd := a.brd
		blog := a.log.With(logx.String("svc", "bridge"))
		opts.OnData = func(id string, ring *channel.Ring) {
			if err := brd.Attach(id, ring); err != nil {
				blog.Warn("bridge attach failed", logx.String("worker", id), logx.Err(err))
			}
		}
	}
	a.workers = worker.NewManager(launcher, opts, a.bus, a.reg,
		a.log.With(logx.String("svc", "worker")))
	a.sch.SetProber(a.workers)
	if err := a.workers.Start(ctx); err != nil {
		return fmt.Errorf("start worker manager: %w", err)
	}

	for _, wc := range cfg.Workers {
		spec, err := workerSpec(wc)
		if err != nil {
			return err
		}
		if _, err := a.workers.Spawn(spec); err != nil {
			return fmt.Errorf("spawn worker %q: %w", wc.ID, err)
		}
	}
	return nil
}

func workerSpec(wc config.WorkerConfig) (worker.Spec, error) {
	hb, err := config.ParseDurationField("heartbeat_interval", wc.HeartbeatInterval)
	if err != nil {
		return worker.Spec{}, err
	}
	base, _ := config.ParseDurationField("backoff_base", wc.BackoffBase)
	bmax, _ := config.ParseDurationField("backoff_max", wc.BackoffMax)
	grace, _ := config.ParseDurationField("graceful_stop", wc.GracefulStop)
	ctrlTO, _ := config.ParseDurationField("control_timeout", wc.ControlTimeout)

	return worker.Spec{
		ID:   wc.ID,
		Init: wc.Init,
		Config: worker.Config{
			HeartbeatInterval:   hb,
			MissThreshold:       wc.MissThreshold,
			BackoffBase:         base,
			BackoffMax:          bmax,
			MaxRestarts:         wc.MaxRestarts,
			GracefulStopTimeout: grace,
			ControlTimeout:      ctrlTO,
			QueueSize:           wc.QueueSize,
		},
	}, nil
}

// recordRun is the scheduler's RunHook; must not block.
func (a *App) recordRun(task string, r sched.Run) {
	if a.store == nil {
		return
	}
	missed := 0
	if r.Missed {
		missed = 1
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := a.store.AppendRun(ctx, storage.RunEntry{
		Task:           task,
		ScheduledStart: r.ScheduledStart,
		ActualStart:    r.ActualStart,
		ActualFinish:   r.ActualFinish,
		JitterMS:       r.Jitter().Milliseconds(),
		Missed:         missed,
		Error:          r.Err,
	}); err != nil {
		a.log.Warn("run history append failed", logx.String("task", task), logx.Err(err))
	}
}

func (a *App) subscribeEvents() {
	if a.store == nil {
		return
	}
	events, unsub := a.bus.Subscribe(eventbus.TopicWorkerState, 64)
	a.unsubs = append(a.unsubs, unsub)
	a.sup.Go0("app.worker_events", func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				se, ok := ev.Data.(worker.StateEvent)
				if !ok {
					continue
				}
				wctx, cancel := context.WithTimeout(context.Background(), time.Second)
				err := a.store.AppendWorkerEvent(wctx, storage.WorkerEvent{
					At: ev.Time, Worker: se.Worker, From: se.From, To: se.To, Cause: se.Cause,
				})
				cancel()
				if err != nil {
					a.log.Warn("worker event append failed", logx.Err(err))
				}
			}
		}
	})
}

func (a *App) startMaintenance(cfg *config.Config) {
	mc := cfg.Maintenance
	if mc == nil {
		return
	}
	a.maint = cron.New()
	if mc.PruneSchedule != "" && a.store != nil {
		retain := mc.RetainRuns
		if _, err := a.maint.AddFunc(mc.PruneSchedule, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := a.store.Prune(ctx, retain); err != nil {
				a.log.Warn("history prune failed", logx.Err(err))
			}
		}); err != nil {
			a.log.Warn("bad prune schedule", logx.String("spec", mc.PruneSchedule), logx.Err(err))
		}
	}
	if mc.TelemetrySchedule != "" {
		if _, err := a.maint.AddFunc(mc.TelemetrySchedule, func() {
			a.bus.Publish(eventbus.TopicTelemetry, a.reg.Snapshot())
		}); err != nil {
			a.log.Warn("bad telemetry schedule", logx.String("spec", mc.TelemetrySchedule), logx.Err(err))
		}
	}
	a.maint.Start()
}

// watchReloads applies hot-reloadable config sections. Only logging is
// reloadable today; structural sections need a restart.
func (a *App) watchReloads() {
	sub := a.cfgMgr.Subscribe(1)
	a.unsubs = append(a.unsubs, func() { a.cfgMgr.Unsubscribe(sub) })
	a.sup.Go0("app.reload", func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case cfg, ok := <-sub:
				if !ok {
					return
				}
				a.logSvc.Apply(logx.Config{
					Level:   cfg.Logging.Level,
					Console: cfg.Logging.Console,
					File: logx.FileConfig{
						Enabled:    cfg.Logging.File.Enabled,
						Path:       cfg.Logging.File.Path,
						MaxSizeMB:  cfg.Logging.File.MaxSizeMB,
						MaxBackups: cfg.Logging.File.MaxBackups,
						MaxAgeDays: cfg.Logging.File.MaxAgeDays,
					},
				})
				a.log.Info("logging config applied",
					logx.String("level", cfg.Logging.Level))
			}
		}
	})
}

// notifySystemd reports readiness and feeds the watchdog when the daemon
// runs under systemd. Both calls are no-ops otherwise.
func (a *App) notifySystemd(ctx context.Context) {
	_, _ = sd.SdNotify(false, sd.SdNotifyReady)
	interval, err := sd.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	a.sup.Go0("app.watchdog", func(ctx context.Context) {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				_, _ = sd.SdNotify(false, sd.SdNotifyWatchdog)
			}
		}
	})
}

func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return nil
	}
	a.stopped = true
	a.mu.Unlock()

	_, _ = sd.SdNotify(false, sd.SdNotifyStopping)

	if a.maint != nil {
		mctx := a.maint.Stop()
		select {
		case <-mctx.Done():
		case <-ctx.Done():
		}
	}
	if a.workers != nil {
		_ = a.workers.StopAll(ctx)
	}
	if a.sch != nil {
		_ = a.sch.Stop(ctx)
	}
	if a.brd != nil {
		_ = a.brd.Stop(ctx)
	}
	if a.mqtt != nil {
		a.mqtt.Close()
	}
	for _, unsub := range a.unsubs {
		unsub()
	}
	if a.sup != nil {
		_ = a.sup.Stop(ctx)
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	a.log.Info("daemon stopped")
	_ = a.logSvc.Close()
	return nil
}

// routeLauncher maps worker ids to their configured commands.
type routeLauncher struct {
	routes map[string]worker.ExecLauncher
}

func newRouteLauncher(workers []config.WorkerConfig) *routeLauncher {
	r := &routeLauncher{routes: map[string]worker.ExecLauncher{}}
	for _, wc := range workers {
		r.routes[wc.ID] = worker.ExecLauncher{Command: wc.Command, Args: wc.Args}
	}
	return r
}

func (r *routeLauncher) Launch(ctx context.Context, spec worker.Spec) (worker.Proc, error) {
	l, ok := r.routes[spec.ID]
	if !ok {
		return nil, fmt.Errorf("no command configured for worker %q", spec.ID)
	}
	return l.Launch(ctx, spec)
}
