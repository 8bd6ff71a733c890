package app

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"traversald/internal/config"
	"traversald/internal/hostload"
	"traversald/internal/monitor"
	"traversald/internal/registry"
	"traversald/internal/runtime/supervisor"
	"traversald/internal/storage"
	"traversald/internal/task/pool"
	"traversald/internal/task/scheduler"
	"traversald/internal/traversal/cmdexec"
	logx "traversald/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	store  storage.Store
	engine *cmdexec.Engine
	reg    *registry.Instantiator
	load   *hostload.Manager
	pool   *pool.Pool
	sched  *scheduler.Scheduler

	vars  *monitor.Memory
	prom  *monitor.Prometheus
	kafka *monitor.Kafka

	status *cron.Cron

	promServe       monitor.ServeConfig
	shutdownTimeout time.Duration
}

// NewApp loads the config at cfgPath and wires every component. Nothing runs
// until Start.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(mapLogConfig(cfg))
	a, err := newApp(cfg, logs, log)
	if err != nil {
		_ = logs.Close()
		return nil, err
	}
	a.cfgPath = cfgPath
	a.cfgm = cfgm
	return a, nil
}

func newApp(cfg *config.Config, logs *logx.Service, log logx.Logger) (*App, error) {
	a := &App{log: log, logs: logs}

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	poolCfg, shutdownTimeout, err := mapPoolConfig(cfg)
	if err != nil {
		return nil, err
	}
	loadCfg, err := mapHostLoadConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.shutdownTimeout = shutdownTimeout

	a.store, err = storage.Open(sc, log)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	a.engine = cmdexec.New()
	a.reg = registry.New(a.store, a.engine, log)
	a.load = hostload.New(loadCfg, a.reg.LoadOf)
	a.pool = pool.New(poolCfg, log)

	a.vars = monitor.NewMemory()
	sinks := []monitor.Sink{a.vars}
	if pc := cfg.Monitor.Prometheus; pc.Enabled {
		a.prom = monitor.NewPrometheus(pc.Namespace, nil)
		a.promServe = monitor.ServeConfig{Addr: pc.Addr, Pprof: pc.Pprof}
		sinks = append(sinks, a.prom)
	}
	if kc := cfg.Monitor.Kafka; kc.Enabled {
		a.kafka, err = monitor.NewKafka(monitor.KafkaConfig{Brokers: kc.Brokers, Topic: kc.Topic}, log)
		if err != nil {
			_ = a.store.Close()
			return nil, err
		}
		sinks = append(sinks, a.kafka)
	}

	a.sched = scheduler.New(schedCfg, a.reg, a.load, a.pool, log,
		scheduler.WithMonitor(monitor.Multi(log, sinks...)),
	)

	a.status, err = a.newStatusCron(cfg.Scheduler.StatusReport, scheduler.LoadLocation(schedCfg.Timezone, log))
	if err != nil {
		a.closeSinks()
		_ = a.store.Close()
		return nil, fmt.Errorf("scheduler.status_report: %w", err)
	}
	return a, nil
}

// Vars returns the latest published monitor variables.
func (a *App) Vars() map[string]any { return a.vars.Vars() }

// Done is closed when the app context ends, either because the parent
// context was cancelled or because a supervised goroutine failed.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		return nil
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

// Start seeds the registry from the config, starts the scheduler and the
// optional background services (metrics, status report, config watch).
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	cfg := a.currentConfig()
	if err := a.seedSources(a.sup.Context(), cfg.Sources); err != nil {
		return fmt.Errorf("seed sources: %w", err)
	}
	if err := a.sched.Init(); err != nil {
		return err
	}

	if a.prom != nil {
		a.sup.Go("monitor.prometheus", func(c context.Context) error {
			return a.prom.Serve(c, a.promServe, a.log)
		})
	}
	if a.status != nil {
		a.status.Start()
	}
	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log)
		sub := a.cfgm.Subscribe(8)
		a.sup.Go("config.reload", func(c context.Context) error {
			a.reloadLoop(c, sub)
			return nil
		})
		a.sup.Go("config.watch", func(c context.Context) error {
			return a.cfgm.Watch(c)
		})
	}

	a.log.Info("app started", logx.Int("sources", len(cfg.Sources)))
	return nil
}

func (a *App) currentConfig() *config.Config {
	if a.cfgm != nil {
		if cfg := a.cfgm.Get(); cfg != nil {
			return cfg
		}
	}
	return &config.Config{}
}

// Stop shuts everything down. Batches are drained up to the pool shutdown
// timeout unless the reason interrupts them.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Stop config reloads and the metrics listener first.
	a.sup.Cancel()

	var schedErr error
	a.step(ctx, "status", time.Second, func(c context.Context) error {
		if a.status == nil {
			return nil
		}
		select {
		case <-a.status.Stop().Done():
			return nil
		case <-c.Done():
			return c.Err()
		}
	})
	a.step(ctx, "scheduler", a.shutdownTimeout+5*time.Second, func(context.Context) error {
		schedErr = a.sched.Shutdown(reason.interrupts(), a.shutdownTimeout)
		return schedErr
	})
	a.step(ctx, "monitor", 2*time.Second, func(context.Context) error {
		return a.closeSinks()
	})
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return schedErr
}

func (a *App) closeSinks() error {
	if a.kafka != nil {
		return a.kafka.Close()
	}
	return nil
}

// step runs one shutdown step bounded by max, never extending the caller's
// deadline. A step that overruns is logged and left to finish on its own.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

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
		go func() {
			err := <-done
			took := time.Since(start)
			if err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
			} else {
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
			}
		}()
	}
}
