package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"extractd/internal/config"
	"extractd/internal/eventbus"
	"extractd/internal/httpapi"
	"extractd/internal/notifier"
	"extractd/internal/refresh"
	rtsup "extractd/internal/runtime/supervisor"
	"extractd/internal/scheduler"
	"extractd/internal/store"
	logx "extractd/pkg/logx"
	"extractd/pkg/systemd"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store *store.Store

	sched   *scheduler.Scheduler
	refresh *refresh.Service
	notif   *notifier.Service
	http    *httpapi.Server

	notifEnabled bool
	notifSender  bool
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	rt, err := cfg.Resolve()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(rt.Logging)

	st, err := store.Open(storeConfig(rt), log.With(logx.String("comp", "store")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	// Anything failing past this point must release the store.
	fail := func(err error) (*App, error) {
		_ = st.Close()
		_ = logSvc.Close()
		return nil, err
	}

	bus := eventbus.New()
	ext := extractorFor(rt, log.With(logx.String("comp", "extractor")))
	sched := scheduler.New(schedulerConfig(rt), st, ext, log, bus)

	refCfg, err := refresh.ConfigFrom(cfg.Refresh)
	if err != nil {
		return fail(err)
	}
	ref := refresh.New(refCfg, sched, st, log)

	sender, err := notifierSender(cfg.Notifier)
	if err != nil {
		return fail(fmt.Errorf("notifier: %w", err))
	}
	ncfg := notifier.ConfigFrom(cfg.Notifier)
	notif := notifier.New(ncfg, sender, log)

	// Manual refresh is only exposed when a refresh section exists.
	var refAPI httpapi.Refresher
	if cfg.Refresh != nil {
		refAPI = ref
	}
	httpLog := log.With(logx.String("comp", "http"))
	router := httpapi.NewRouter(sched, refAPI, rt.HTTPToken, rt.HTTPPprof, httpLog)

	return &App{
		cfgPath:      cfgPath,
		cfgm:         cfgm,
		log:          log.With(logx.String("comp", "app")),
		logs:         logSvc,
		bus:          bus,
		store:        st,
		sched:        sched,
		refresh:      ref,
		notif:        notif,
		http:         httpapi.NewServer(httpConfig(rt), router, httpLog),
		notifEnabled: ncfg.Enabled && sender != nil,
		notifSender:  sender != nil,
	}, nil
}

// Scheduler exposes the job scheduler for in-process callers.
func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }

// Addr is the HTTP API listen address once started.
func (a *App) Addr() string { return a.http.Addr() }

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
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validate(cfg)
	})

	rep, err := a.sched.Start(a.sup.Context())
	if err != nil {
		return err
	}
	if err := a.refresh.Start(a.sup.Context()); err != nil {
		return err
	}
	a.notif.Start(a.sup.Context(), a.bus)
	if err := a.http.Start(a.sup.Context()); err != nil {
		return err
	}

	// Keep this debug-level; job events are frequent.
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
					fields := []logx.Field{logx.String("type", e.Type), logx.Time("time", e.Time)}
					if ev, ok := e.Data.(eventbus.JobEvent); ok {
						fields = append(fields, logx.Job(ev.JobID, ev.Topic))
					}
					a.log.Debug("event", fields...)
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
				// Coalesce bursts: keep only the latest config in the channel.
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
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		return systemd.Watchdog(c, func(cc context.Context) error {
			_, err := a.sched.Health(cc)
			return err
		})
	})
	if err := systemd.Ready(); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	}

	a.log.Info("app started",
		logx.String("addr", a.http.Addr()),
		logx.Int("recovered", rep.Recovered),
		logx.Int("loaded", rep.Loaded),
	)
	return nil
}

// applyConfig applies the live-reloadable parts of a committed config.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)
	if len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}

	rt, err := newCfg.Resolve()
	if err != nil {
		// The validator already ran; this only guards a racing edit.
		a.log.Warn("invalid config; keeping previous", logx.Err(err))
		return
	}
	a.logs.Apply(rt.Logging)

	if refCfg, err := refresh.ConfigFrom(newCfg.Refresh); err != nil {
		a.log.Warn("invalid refresh config; keeping previous", logx.Err(err))
	} else if err := a.refresh.Apply(ctx, refCfg); err != nil {
		a.log.Warn("refresh reschedule failed", logx.Err(err))
	}

	a.applyNotifier(ctx, oldCfg.Notifier, newCfg.Notifier)

	a.log.Info("config reloaded", fields...)
}

func (a *App) applyNotifier(ctx context.Context, oldCfg, newCfg *config.NotifierConfig) {
	if notifierTargetChanged(oldCfg, newCfg) {
		a.log.Warn("notifier token or chat changed; restart required for changes to take effect")
	}
	ncfg := notifier.ConfigFrom(newCfg)
	a.notif.Apply(ncfg)

	switch {
	case a.notifEnabled && !ncfg.Enabled:
		a.log.Info("notifier disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
		a.notifEnabled = false
	case !a.notifEnabled && ncfg.Enabled:
		if !a.notifSender {
			a.log.Warn("notifier enabled but no bot was configured at startup; restart required")
			return
		}
		a.notif.Start(ctx, a.bus)
		a.notifEnabled = true
		a.log.Info("notifier enabled via config")
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.closeResources()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if err := systemd.Stopping(); err != nil {
		a.log.Debug("systemd notify failed", logx.Err(err))
	}

	// Stop intake first: no new HTTP requests or refresh runs while workers drain.
	step := a.stepper(ctx)
	step("http", 5*time.Second, a.http.Stop)
	step("refresh", 2*time.Second, func(c context.Context) error { a.refresh.Stop(c); return nil })

	// The scheduler must drain before the app context goes, so in-flight jobs
	// get their grace period instead of an immediate cancel.
	step("scheduler", 30*time.Second, a.sched.Stop)

	a.sup.Cancel()
	step("notifier", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("storage", 2*time.Second, func(context.Context) error { return a.store.Close() })

	// Finally, wait for supervised goroutines (config watch/reload, event log).
	step("supervisor", 2*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		switch {
		case errors.Is(err, context.Canceled):
			return nil
		case errors.Is(err, context.DeadlineExceeded):
			n := a.sup.Counters()
			return fmt.Errorf("%d of %d supervised goroutines still running: %w", n.Active, n.Started, err)
		}
		return err
	})

	a.log.Info("stopped", logx.Int64("events_dropped", int64(eventbus.Dropped(a.bus))))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// closeResources releases what NewApp opened when Start never ran.
func (a *App) closeResources() error {
	err := a.store.Close()
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}

// stepper returns a helper that runs one shutdown step with an upper bound,
// so one component can't stall the whole stop.
func (a *App) stepper(ctx context.Context) func(name string, max time.Duration, fn func(context.Context) error) {
	return func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

		stepCtx := ctx
		if limit > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < limit {
					limit = max(rem, 0)
				}
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, limit)
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
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// fn must honor stepCtx; anything still running now is a leak.
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
}
