package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"taskbot/internal/clock"
	"taskbot/internal/config"
	"taskbot/internal/digest"
	"taskbot/internal/router"
	"taskbot/internal/runtime/supervisor"
	"taskbot/internal/scheduler"
	"taskbot/internal/storage"
	"taskbot/internal/transport"
	"taskbot/internal/transport/telegram"
	logx "taskbot/pkg/logx"
)

const updatesBuffer = 256

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	store   storage.Store
	adapter transport.Adapter
	router  *router.Router
	sink    *telegram.Sink
	handler *telegram.Handler
	sched   *scheduler.Service
	digest  *digest.Service

	updates chan transport.Update
}

// New loads the config and wires every component. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "boot"))
	cfgm := config.NewManager(cfgPath, bootLog)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	rc, err := mapRuntimeConfig(cfg)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(rc.logging)
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	app := log.With(logx.String("comp", "app"))

	ad, err := telegram.NewAdapter(telegram.AdapterConfig{
		Token:       cfg.Telegram.Token,
		PollTimeout: rc.pollTimeout,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	app.Info("storage opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	clk := clock.System()
	rt := router.New(store, clk, log.With(logx.String("comp", "router")))
	sink := telegram.NewSink(ad, rc.sink, log.With(logx.String("comp", "notify")))
	sched := scheduler.New(rc.scheduler, store, sink, clk, log.With(logx.String("comp", "scheduler")))
	handler := telegram.NewHandler(rt, ad, clk, telegram.HandlerConfig{
		Owners:    rc.owners,
		Location:  rc.loc,
		Scheduler: sched,
	}, log.With(logx.String("comp", "commands")))
	dg, err := digest.New(rc.digest, rt, sink, log.With(logx.String("comp", "digest")))
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}

	return &App{
		cfgm:    cfgm,
		log:     app,
		logs:    logSvc,
		store:   store,
		adapter: ad,
		router:  rt,
		sink:    sink,
		handler: handler,
		sched:   sched,
		digest:  dg,
		updates: make(chan transport.Update, updatesBuffer),
	}, nil
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

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// Reject reloads that parse but cannot be applied.
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapRuntimeConfig(cfg); err != nil {
			return err
		}
		_, err := mapStorageConfig(cfg)
		return err
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	if mu, ok := a.adapter.(transport.CommandMenuUpdater); ok {
		mctx, cancel := context.WithTimeout(a.sup.Context(), 10*time.Second)
		if err := mu.UpdateMenuCommands(mctx, a.handler.MenuCommands()); err != nil {
			a.log.Warn("command menu update failed", logx.Err(err))
		}
		cancel()
	}

	if err := a.sched.Start(a.sup.Context()); err != nil {
		return err
	}
	a.digest.Start(a.sup.Context())

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.handler.Run(c, a.updates)
	})

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config.
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
	a.sup.Go("systemd.watchdog", watchdog(a.log))

	sdNotify(a.log, daemon.SdNotifyReady)
	a.log.Info("app started")
	return nil
}

func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	rc, err := mapRuntimeConfig(newCfg)
	if err != nil {
		a.log.Warn("invalid config; keeping previous", logx.Err(err))
		return
	}
	sections, _ := config.SummarizeChange(oldCfg, newCfg)
	if oldCfg != nil {
		if oldCfg.Storage != newCfg.Storage {
			a.log.Warn("storage config changed; restart required for changes to take effect")
		}
		if oldCfg.Telegram.Token != newCfg.Telegram.Token || oldCfg.Telegram.PollTimeout != newCfg.Telegram.PollTimeout {
			a.log.Warn("telegram connection settings changed; restart required for changes to take effect")
		}
	}

	a.logs.Apply(rc.logging)
	a.handler.Apply(rc.owners, rc.loc)
	a.sink.Apply(rc.sink)
	a.sched.Apply(rc.scheduler)
	if err := a.digest.Apply(rc.digest); err != nil {
		a.log.Warn("digest config rejected; keeping previous", logx.Err(err))
	}

	if len(sections) > 0 {
		a.log.Info("config applied", logx.String("changed", strings.Join(sections, ",")))
	} else {
		a.log.Info("config applied (no changes)")
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdNotify(a.log, daemon.SdNotifyStopping)

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, limit)
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
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	// The scheduler goes first so an in-flight scan can still reach the chat.
	step("scheduler", 20*time.Second, a.sched.Stop)
	step("digest", 5*time.Second, a.digest.Stop)
	step("supervisor", 5*time.Second, a.sup.Stop)
	step("adapter", 3*time.Second, a.adapter.Stop)
	step("storage", 3*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
