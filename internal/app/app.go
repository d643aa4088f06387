// Package app wires configuration, logging, storage, the scheduling engine,
// task handlers, the chat adapter and the HTTP API into one process.
package app

import (
	"context"
	"fmt"
	"time"

	"rentbot/internal/config"
	"rentbot/internal/engine"
	"rentbot/internal/eventbus"
	"rentbot/internal/httpapi"
	"rentbot/internal/rentapi"
	"rentbot/internal/storage"
	"rentbot/internal/taskmgr"
	"rentbot/internal/tasks"
	kit "rentbot/internal/transport"
	"rentbot/internal/transport/telegram"
	logx "rentbot/pkg/logx"
)

type App struct {
	cfgMgr *config.Manager
	logs   *logx.Service
	log    logx.Logger

	bus     eventbus.Bus
	store   storage.Store
	adapter kit.Adapter
	rent    rentapi.Client
	eng     *engine.Service
	mgr     *taskmgr.Manager
	api     *httpapi.Server

	notifications *tasks.Notification
	reminders     *tasks.Reminder
	access        *tasks.AccessWindow
	bookings      *tasks.BookingAutomation

	updates chan kit.Update
}

// New loads configuration and builds every component. Nothing starts
// running until Run.
func New(configPath string) (*App, error) {
	cfgMgr := config.NewManager(configPath)
	cfgMgr.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return config.Validate(cfg)
	})
	cfg, err := cfgMgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	cfgMgr.SetLogger(log)

	a := &App{cfgMgr: cfgMgr, logs: logs, log: log}
	if err := a.build(cfg); err != nil {
		logs.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config) error {
	a.bus = eventbus.New()

	busyTimeout, err := cfg.Storage.BusyTimeout.Or("storage.busy_timeout", 5*time.Second)
	if err != nil {
		return err
	}
	store, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, a.log)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.store = store

	if cfg.Telegram.Enabled {
		pollTimeout, err := cfg.Telegram.PollTimeout.Or("telegram.poll_timeout", 10*time.Second)
		if err != nil {
			return err
		}
		adapter, err := telegram.New(telegram.Config{
			Token:       cfg.Telegram.Token,
			PollTimeout: pollTimeout,
		}, a.log)
		if err != nil {
			return fmt.Errorf("telegram adapter: %w", err)
		}
		a.adapter = adapter
	} else {
		a.log.Warn("telegram disabled, using no-op delivery adapter")
		a.adapter = kit.NewNop()
	}

	rentTimeout, err := cfg.Rental.Timeout.Or("rental_api.timeout", 15*time.Second)
	if err != nil {
		return err
	}
	rent, err := rentapi.New(rentapi.Config{
		BaseURL: cfg.Rental.BaseURL,
		Token:   cfg.Rental.Token,
		Timeout: rentTimeout,
	}, a.log)
	if err != nil {
		return fmt.Errorf("rental api client: %w", err)
	}
	a.rent = rent

	ecfg, err := engineConfig(cfg)
	if err != nil {
		return err
	}
	reminderGrace, err := cfg.Scheduler.ReminderGrace.Or("scheduler.reminder_grace", 30*time.Minute)
	if err != nil {
		return err
	}
	a.eng = engine.New(ecfg, a.log, a.bus)

	a.mgr = taskmgr.New(a.log, a.store, a.eng, a.bus, a.adapter, a.rent)

	reminderInterval, err := cfg.Delivery.ReminderInterval.Or("delivery.reminder_interval", 30*time.Minute)
	if err != nil {
		return err
	}
	dcfg := tasks.DeliveryConfig{
		ChunkLimit:       cfg.Delivery.ChunkLimit,
		RatePerSec:       cfg.Delivery.RatePerSec,
		ReminderInterval: reminderInterval,
		ReminderGrace:    reminderGrace,
	}
	a.reminders = tasks.NewReminder(a.mgr, a.log, dcfg)
	a.notifications = tasks.NewNotification(a.mgr, a.reminders, a.log, dcfg)
	a.access = tasks.NewAccessWindow(a.mgr, a.rent, a.log, dcfg)
	a.bookings = tasks.NewBookingAutomation(a.mgr, a.rent, a.log)
	a.mgr.RegisterHandler(a.notifications)
	a.mgr.RegisterHandler(a.reminders)
	a.mgr.RegisterHandler(a.access)
	a.mgr.RegisterHandler(a.bookings)

	if cfg.API.Enabled {
		a.api = httpapi.New(httpapi.Config{Addr: cfg.API.Addr}, a.log, a.mgr, a.notifications, a.reminders)
	}
	return nil
}

// Run starts everything and blocks until ctx is cancelled, then shuts the
// components down in reverse dependency order.
func (a *App) Run(ctx context.Context) error {
	a.eng.Start(ctx)
	a.mgr.Start(ctx)

	// A failed reload is not fatal: the business API may be down; stored
	// jobs that could not be restored self-heal on the next reload.
	if err := a.mgr.Reload(ctx); err != nil {
		a.log.Error("startup reload incomplete", logx.Err(err))
	}

	a.updates = make(chan kit.Update, 64)
	if err := a.adapter.Start(ctx, a.updates); err != nil {
		return fmt.Errorf("start adapter: %w", err)
	}
	go a.consumeUpdates(ctx)

	if a.api != nil {
		go func() {
			if err := a.api.Start(); err != nil {
				a.log.Error("http api stopped", logx.Err(err))
			}
		}()
	}

	go func() {
		if err := a.cfgMgr.Watch(ctx); err != nil && ctx.Err() == nil {
			a.log.Warn("config watcher stopped", logx.Err(err))
		}
	}()
	go a.applyConfigUpdates(ctx)

	a.log.Info("rentbot running")
	<-ctx.Done()
	a.shutdown()
	return nil
}

func (a *App) shutdown() {
	sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if a.api != nil {
		if err := a.api.Shutdown(sctx); err != nil {
			a.log.Warn("http api shutdown", logx.Err(err))
		}
	}
	if err := a.adapter.Stop(sctx); err != nil {
		a.log.Warn("adapter stop", logx.Err(err))
	}
	a.eng.Stop(sctx)
	a.mgr.Stop()
	if err := a.store.Close(); err != nil {
		a.log.Warn("storage close", logx.Err(err))
	}
	a.log.Info("shutdown complete")
	a.logs.Close()
}

func engineConfig(cfg *config.Config) (engine.Config, error) {
	defaultTimeout, err := cfg.Scheduler.DefaultTimeout.Or("scheduler.default_timeout", time.Minute)
	if err != nil {
		return engine.Config{}, err
	}
	misfireGrace, err := cfg.Scheduler.MisfireGrace.Or("scheduler.misfire_grace", time.Hour)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Workers:        cfg.Scheduler.Workers,
		QueueSize:      cfg.Scheduler.QueueSize,
		DefaultTimeout: defaultTimeout,
		DefaultGrace:   misfireGrace,
		MaxPerJob:      cfg.Scheduler.MaxPerJob,
		Timezone:       cfg.Scheduler.Timezone,
	}, nil
}

// applyConfigUpdates picks up committed config reloads. Logging and the
// engine's pacing knobs are re-applied at runtime; everything else needs a
// restart.
func (a *App) applyConfigUpdates(ctx context.Context) {
	ch := a.cfgMgr.Subscribe(1)
	defer a.cfgMgr.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-ch:
			if !ok {
				return
			}
			a.logs.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
			})
			if ecfg, err := engineConfig(cfg); err != nil {
				a.log.Warn("scheduler settings not applied", logx.Err(err))
			} else {
				a.eng.Apply(ecfg)
			}
			a.log.Info("configuration reloaded")
		}
	}
}
