package app

import (
	"context"
	"strings"
	"time"

	"jobd/internal/config"
	"jobd/internal/eventbus"
	"jobd/internal/job/core"
	"jobd/internal/job/executor"
	"jobd/internal/runtime/supervisor"
	"jobd/internal/storage"
	logx "jobd/pkg/logx"
)

// App wires config, logging, storage, the executor pool and the scheduler
// core into one lifecycle.
type App struct {
	cfgPath string
	cfgm    *config.Manager
	sup     *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	exec *executor.Service
	core *core.Service
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	execCfg, err := mapExecutorConfig(cfg)
	if err != nil {
		return nil, err
	}
	coreCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}

	// The pool reports into the core; the core hands work to the pool.
	var coreSvc *core.Service
	execSvc := executor.New(execCfg, log.With(logx.String("comp", "executor")), bus,
		func(r executor.Result) { coreSvc.Report(r) })
	coreSvc = core.New(coreCfg, execSvc, log.With(logx.String("comp", "core")), bus)

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		exec:    execSvc,
		core:    coreSvc,
	}, nil
}

// Scheduler exposes the engine API for job registration.
func (a *App) Scheduler() *core.Service { return a.core }

// Store returns the history store, or nil when storage is disabled.
func (a *App) Store() storage.Store { return a.store }

// Config returns the current committed config.
func (a *App) Config() *config.Config { return a.cfgm.Get() }

// Done is closed when the app run context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapSchedulerConfig(cfg); err != nil {
			return err
		}
		if _, err := mapExecutorConfig(cfg); err != nil {
			return err
		}
		if _, _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		return nil
	})

	runCtx := a.sup.Context()
	a.exec.Start(runCtx)
	a.core.Start(runCtx)

	if a.store != nil {
		a.startHistorySink()
	}
	a.startReloadLoop()
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// startHistorySink persists terminal job results from the event bus.
// Write-only audit; nothing is read back at boot.
func (a *App) startHistorySink() {
	events, unsub := a.bus.Subscribe(256)
	a.sup.Go("history.sink", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return c.Err()
			case e, ok := <-events:
				if !ok {
					return nil
				}
				switch e.Type {
				case eventbus.TypeJobCompleted, eventbus.TypeJobFailed, eventbus.TypeJobCancelled:
				default:
					continue
				}
				r, ok := e.Data.(core.Result)
				if !ok {
					continue // cancel of a job that never ran carries no result
				}
				wctx, cancel := context.WithTimeout(c, 2*time.Second)
				err := a.store.AppendResult(wctx, storage.ResultEntry{
					At:         r.At,
					JobID:      r.JobID,
					Name:       r.Name,
					Status:     r.Status.String(),
					Attempt:    r.Attempt,
					DurationMS: r.Duration.Milliseconds(),
					Error:      r.Error,
				})
				cancel()
				if err != nil {
					a.log.Warn("history append failed", logx.String("job_id", r.JobID), logx.Err(err))
				}
			}
		}
	})
}

// startReloadLoop applies hot config changes: logging and scheduler
// tunables live; executor and storage changes need a restart.
func (a *App) startReloadLoop() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return c.Err()
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: only the latest snapshot matters.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}

				sections, attrs := config.SummarizeChange(lastApplied, newCfg)
				lastApplied = newCfg
				if len(sections) == 0 {
					a.log.Debug("config reload received, but no effective changes detected")
					continue
				}

				a.logs.Apply(logx.Config{
					Level:   newCfg.Logging.Level,
					Console: newCfg.Logging.Console,
					File: logx.FileConfig{
						Enabled: newCfg.Logging.File.Enabled,
						Path:    newCfg.Logging.File.Path,
					},
				})

				if coreCfg, err := mapSchedulerConfig(newCfg); err != nil {
					a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
				} else {
					a.core.Apply(coreCfg)
				}

				for _, s := range sections {
					if s == "executor" || s == "storage" {
						a.log.Warn("config changed; restart required for changes to take effect", logx.String("section", s))
					}
				}

				fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
				a.log.Info("config reloaded", fields...)
			}
		}
	})
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	// Stop intake first so the pool can drain, then unwind the background
	// loops and close storage.
	a.core.Stop(ctx)
	a.exec.Stop(ctx)

	a.sup.Cancel()
	err := a.sup.Wait(ctx)

	if a.store != nil {
		if cerr := a.store.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	_ = a.logs.Close()
	return err
}
