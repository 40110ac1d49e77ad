// Package app wires the pieces together: config manager, log service,
// event bus, storage, API client, monitor and notifier, all supervised
// under one lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"anembot/internal/anem"
	"anembot/internal/config"
	"anembot/internal/eventbus"
	"anembot/internal/member"
	"anembot/internal/monitor"
	"anembot/internal/notifier"
	"anembot/internal/runtime/supervisor"
	"anembot/internal/storage"
	"anembot/internal/workflow"

	logx "anembot/pkg/logx"
)

type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	bus    eventbus.Bus
	store  storage.Store
	roster *member.Roster

	exec   *anem.Executor
	client *anem.Client
	runner *workflow.Runner
	mon    *monitor.Service
	notif  *notifier.Service

	sup       *supervisor.Supervisor
	cfgCh     chan *config.Config
	monitorOn bool
}

func New(cfgPath string) (*App, error) {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	logSvc, log := logx.New(logConfig(cfg.Logging))
	mgr.SetLogger(log.With(logx.String("svc", "config")))
	mgr.SetValidator(validateConfig)

	bus := eventbus.New()

	store, err := storage.Open(cfg.Storage, log.With(logx.String("svc", "storage")))
	if err != nil {
		logSvc.Close()
		return nil, err
	}
	members, err := store.Load(context.Background())
	if err != nil {
		store.Close()
		logSvc.Close()
		return nil, fmt.Errorf("load members: %w", err)
	}
	roster := member.NewRoster(members...)

	opts, err := apiOptions(cfg.API)
	if err != nil {
		store.Close()
		logSvc.Close()
		return nil, err
	}
	exec := anem.NewExecutor(opts, log.With(logx.String("svc", "api")))
	client := anem.NewClient(exec, log.With(logx.String("svc", "api")))

	st, err := monitor.SettingsFromConfig(cfg.Monitor)
	if err != nil {
		store.Close()
		logSvc.Close()
		return nil, err
	}
	runner := workflow.NewRunner(client, bus, roster, st.CertificateDir, log.With(logx.String("svc", "workflow")))
	mon := monitor.New(runner, client, roster, store, bus, st, log.With(logx.String("svc", "monitor")))

	a := &App{
		cfgMgr:    mgr,
		logSvc:    logSvc,
		log:       log,
		bus:       bus,
		store:     store,
		roster:    roster,
		exec:      exec,
		client:    client,
		runner:    runner,
		mon:       mon,
		monitorOn: cfg.Monitor.Enabled,
	}

	if nc := cfg.Notifier; nc != nil && nc.Enabled {
		notif, err := notifier.New(*nc, bus, roster, log.With(logx.String("svc", "notifier")))
		if err != nil {
			// the notifier is an optional extra; a bad token must not keep
			// the monitor from running
			log.Warn("notifier disabled", logx.Err(err))
		} else {
			a.notif = notif
		}
	}
	return a, nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.String("svc", "supervisor"))))

	a.sup.Go("config.watch", a.cfgMgr.Watch)

	a.cfgCh = a.cfgMgr.Subscribe(4)
	a.sup.Go0("config.apply", func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case cfg, ok := <-a.cfgCh:
				if !ok {
					return
				}
				a.applyConfig(cfg)
			}
		}
	})

	if a.monitorOn {
		a.sup.GoRestart("monitor", a.mon.Run, time.Second, 30*time.Second)
	} else {
		a.log.Info("monitor disabled by config")
	}
	if a.notif != nil {
		a.sup.GoRestart("notifier", a.notif.Run, time.Second, 30*time.Second)
	}

	a.log.Info("started", logx.Int("members", a.roster.Len()))
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	var firstErr error
	if a.sup != nil {
		if err := a.sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			firstErr = err
		}
	}
	if a.cfgCh != nil {
		a.cfgMgr.Unsubscribe(a.cfgCh)
		a.cfgCh = nil
	}
	// final snapshot so edits made between sweeps survive
	if err := a.store.Save(context.Background(), a.roster.Snapshot()); err != nil {
		a.log.Error("final roster save failed", logx.Err(err))
		if firstErr == nil {
			firstErr = err
		}
	}
	if err := a.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	a.log.Info("stopped")
	a.logSvc.Close()
	return firstErr
}

// applyConfig pushes a hot-reloaded config into the running services.
func (a *App) applyConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	a.logSvc.Apply(logConfig(cfg.Logging))

	if opts, err := apiOptions(cfg.API); err == nil {
		a.exec.SetOptions(opts)
	} else {
		a.log.Warn("api settings rejected", logx.Err(err))
	}
	if st, err := monitor.SettingsFromConfig(cfg.Monitor); err == nil {
		a.mon.ApplySettings(st)
	} else {
		a.log.Warn("monitor settings rejected", logx.Err(err))
	}
	a.log.Info("configuration applied")
}

// Bus exposes the event stream for a presentation layer.
func (a *App) Bus() eventbus.Bus { return a.bus }

// Roster exposes the member collection for user-driven edits.
func (a *App) Roster() *member.Roster { return a.roster }

// CheckMemberNow runs the full pipeline for one member in a supervised
// background worker. ErrBusy surfaces through the logs, not the return.
func (a *App) CheckMemberNow(index int) error {
	m := a.roster.Get(index)
	if m == nil {
		return fmt.Errorf("no member at index %d", index)
	}
	a.sup.Go("member.check", func(ctx context.Context) error {
		if err := a.mon.CheckNow(ctx, m); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("on-demand check failed", logx.Int("index", index), logx.Err(err))
		}
		return nil
	})
	return nil
}

// FetchMemberCertificates runs only the certificate stage for one member.
func (a *App) FetchMemberCertificates(index int) error {
	m := a.roster.Get(index)
	if m == nil {
		return fmt.Errorf("no member at index %d", index)
	}
	a.sup.Go("member.certificates", func(ctx context.Context) error {
		if err := a.mon.FetchCertificates(ctx, m); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("on-demand certificate fetch failed", logx.Int("index", index), logx.Err(err))
		}
		return nil
	})
	return nil
}

func logConfig(lc config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled: lc.File.Enabled,
			Path:    lc.File.Path,
		},
	}
}

func apiOptions(ac config.APIConfig) (anem.Options, error) {
	var (
		o   anem.Options
		err error
	)
	o.BaseURL = ac.BaseURL
	o.SiteCheckURL = ac.SiteCheckURL
	o.MaxRetries = ac.MaxRetries
	o.RequestsPerSec = ac.RequestsPerSec

	if o.RequestTimeout, err = config.ParseDurationField("api.request_timeout", ac.RequestTimeout); err != nil {
		return o, err
	}
	if o.BackoffGeneral, err = config.ParseDurationField("api.backoff_general", ac.BackoffGeneral); err != nil {
		return o, err
	}
	if o.BackoffRateLimit, err = config.ParseDurationField("api.backoff_rate_limit", ac.BackoffRateLimit); err != nil {
		return o, err
	}
	if o.MaxBackoffDelay, err = config.ParseDurationField("api.max_backoff_delay", ac.MaxBackoffDelay); err != nil {
		return o, err
	}
	return o, nil
}

// validateConfig is the hot-reload gate: a config revision that fails here
// never reaches the running services.
func validateConfig(_ context.Context, cfg *config.Config) error {
	if cfg == nil {
		return errors.New("empty config")
	}
	if _, err := apiOptions(cfg.API); err != nil {
		return err
	}
	if _, err := monitor.SettingsFromConfig(cfg.Monitor); err != nil {
		return err
	}
	return nil
}
