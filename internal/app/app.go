package app

import (
	"backupd/internal/api"
	"backupd/internal/backup"
	"backupd/internal/config"
	"backupd/internal/provider"
	"backupd/internal/runtime/supervisor"
	"backupd/internal/storage"
	logx "backupd/pkg/logx"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/juju/clock"
)

type App struct {
	cfgPath string
	version string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	store     storage.Store
	provider  *provider.Client
	loop      *backup.Loop
	retention *backup.Retention
	cleanup   *cleanupCron
	api       *api.Server

	// fixed at startup; a reload only warns
	sched schedulerSettings

	policyMu sync.RWMutex
	policy   backup.Policy
}

func NewApp(cfgPath, version string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	sched, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	if err := parseCleanupSpec(cfg.Retention.Cron); err != nil {
		return nil, err
	}

	pcfg, err := mapProviderConfig(cfg)
	if err != nil {
		return nil, err
	}
	prov, err := provider.New(pcfg, log.With(logx.String("comp", "provider")))
	if err != nil {
		return nil, err
	}

	apiCfg, apiEnabled, err := mapAPIConfig(cfg)
	if err != nil {
		return nil, err
	}

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	clk := clock.WallClock
	trigger := backup.NewTrigger(sched.Window, sched.Location, log.With(logx.String("comp", "trigger")))
	exec := backup.NewExecutor(prov, clk, sched.Location, log.With(logx.String("comp", "executor")))
	retention := backup.NewRetention(prov, clk, log.With(logx.String("comp", "retention")))
	loop := backup.NewLoop(store, trigger, exec, clk, sched.Loop, log.With(logx.String("comp", "scheduler")))

	a := &App{
		cfgPath:   cfgPath,
		version:   version,
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		store:     store,
		provider:  prov,
		loop:      loop,
		retention: retention,
		sched:     sched,
		policy:    mapRetentionPolicy(cfg),
	}

	a.cleanup = newCleanupCron(retention, store, clk, a.Policy, sched.Location, log.With(logx.String("comp", "cleanup")))
	if err := a.cleanup.Apply(cfg.Retention.Cron); err != nil {
		_ = store.Close()
		return nil, err
	}

	if apiEnabled {
		a.api = api.New(apiCfg, api.Deps{
			Provider:  prov,
			Store:     store,
			Executor:  exec,
			Retention: retention,
			Loop:      loop,
			Clock:     clk,
			Policy:    a.Policy,
			Health:    a.health,
			Version:   version,
		}, log.With(logx.String("comp", "api")))
	}
	return a, nil
}

// Policy returns the configured default retention policy.
func (a *App) Policy() backup.Policy {
	a.policyMu.RLock()
	defer a.policyMu.RUnlock()
	return a.policy
}

func (a *App) setPolicy(p backup.Policy) {
	a.policyMu.Lock()
	a.policy = p
	a.policyMu.Unlock()
}

func (a *App) health() supervisor.Snapshot {
	if a.sup == nil {
		return supervisor.Snapshot{}
	}
	return a.sup.Snapshot()
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

// validate rejects a reloaded config before it is committed.
func (a *App) validate(_ context.Context, cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapProviderConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapAPIConfig(cfg); err != nil {
		return err
	}
	if err := mapRetentionPolicy(cfg).Validate(); err != nil {
		return err
	}
	return parseCleanupSpec(cfg.Retention.Cron)
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(true),
	)

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(a.validate)

	if a.sched.Enabled {
		a.sup.GoRestart("scheduler.loop", supervisor.DefaultRestartPolicy, a.loop.Run)
	} else {
		a.log.Info("scheduler disabled; schedules will not fire")
	}
	if a.api != nil {
		a.sup.Go("api", a.api.Run)
	}
	a.sup.Go("cleanup.cron", a.cleanup.Run)
	a.sup.Go("config.watch", a.cfgm.Watch)

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}

	a.log.Info("started",
		logx.String("version", a.version),
		logx.Bool("scheduler", a.sched.Enabled),
		logx.Bool("api", a.api != nil),
		logx.String("tz", a.sched.Location.String()),
	)
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	// Track last applied config to generate a safe diff summary for logx.
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
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
			if newCfg == nil {
				continue
			}
			a.applyConfig(lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs, volumes := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
	if len(volumes) > 0 {
		a.log.Debug("retention volume policies changed", logx.Strings("volumes", volumes))
	}

	for _, s := range sections {
		switch s {
		case "storage", "provider", "http":
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	a.logs.Apply(mapLogConfig(newCfg))

	if sched, err := mapSchedulerConfig(newCfg); err == nil {
		a.loop.Apply(sched.Loop)
		if sched.Enabled != a.sched.Enabled || sched.Window != a.sched.Window || sched.Location.String() != a.sched.Location.String() {
			a.log.Warn("scheduler enabled/window/timezone changed; restart required for changes to take effect")
		}
	}

	a.setPolicy(mapRetentionPolicy(newCfg))
	if err := a.cleanup.Apply(newCfg.Retention.Cron); err != nil {
		a.log.Warn("periodic cleanup not rescheduled", logx.Err(err))
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		a.log.Debug("sd_notify stopping failed", logx.Err(err))
	}

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
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
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	// An in-flight tick or cleanup keeps its provider calls until they return.
	step("supervisor", 10*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}
