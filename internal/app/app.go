// Package app assembles the daemon: config, logging, storage, the Telegram
// adapter, the notifier and the scheduling engine, with hot config reload
// and ordered shutdown.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"remibot/internal/clock"
	"remibot/internal/config"
	"remibot/internal/engine"
	"remibot/internal/eventbus"
	"remibot/internal/notifier"
	rtsup "remibot/internal/runtime/supervisor"
	"remibot/internal/storage"
	"remibot/internal/transport/telegram"
	"remibot/internal/undo"
	logx "remibot/pkg/logx"
)

// StopReason labels why the process is going down, for the final log line.
type StopReason string

const (
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter *telegram.Adapter
	notif   *notifier.Service
	eng     *engine.Service
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, bootLog)
	if err != nil {
		return nil, err
	}

	// Bootstrap with the chat sink disabled, point it at its target, then
	// apply the real config so enabling it never warns about a missing chat.
	baseLogCfg := mapLogConfig(cfg)
	baseLogCfg.Telegram.Enabled = false
	logSvc, log := logx.New(baseLogCfg, ad)
	log = log.With(logx.String("comp", "app"))
	if cfg.Logging.Telegram.ChatID != 0 {
		logSvc.SetChatTarget(cfg.Logging.Telegram.ChatID, cfg.Logging.Telegram.ThreadID)
	}
	logSvc.Apply(mapLogConfig(cfg))

	bus := eventbus.New()

	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, time.Second)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	notif := notifier.New(mapNotifierConfig(cfg), ad, log.With(logx.String("comp", "notifier")), bus)

	clk := clock.New(cfg.Engine.Timezone, log.With(logx.String("comp", "clock")))
	eng := engine.New(mapEngineConfig(cfg), engine.Deps{
		Store:    store,
		Clock:    clk,
		Undo:     undo.New(cfg.Engine.UndoWindowDuration(), nil, log.With(logx.String("comp", "undo"))),
		Notifier: notif,
		Bus:      bus,
		Log:      log.With(logx.String("comp", "engine")),
	})

	return &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		adapter: ad,
		notif:   notif,
		eng:     eng,
	}, nil
}

// Engine exposes the scheduling core for the command surface.
func (a *App) Engine() *engine.Service { return a.eng }

// Done is closed when the app supervisor context is canceled.
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
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		// The clock degrades unknown zones at runtime, but a reload with a
		// typo'd zone is almost certainly a mistake worth rejecting.
		if tz := strings.TrimSpace(cfg.Engine.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return fmt.Errorf("engine.timezone: invalid %q: %w", tz, err)
			}
		}
		return nil
	})

	a.eng.Start(a.sup.Context())

	a.sup.Go("eventbus.log", a.eventLogLoop)
	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.GoRestart("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	}, rtsup.WithRestartBackoff(time.Second, time.Minute))

	a.log.Info("app started")
	return nil
}

func (a *App) eventLogLoop(c context.Context) error {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-c.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		}
	}
}

func (a *App) reloadLoop(c context.Context) {
	sub := a.cfgm.Subscribe(8)
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
			// Coalesce bursts: keep only the latest config.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			sections, attrs := config.SummarizeChange(lastApplied, newCfg)
			lastApplied = newCfg
			if len(sections) == 0 {
				a.log.Debug("config reload received, but no effective changes detected")
				continue
			}

			for _, s := range sections {
				if s == "storage" || s == "telegram" {
					a.log.Warn("section requires a restart to take effect", logx.String("section", s))
				}
			}

			if newCfg.Logging.Telegram.ChatID != 0 {
				a.logs.SetChatTarget(newCfg.Logging.Telegram.ChatID, newCfg.Logging.Telegram.ThreadID)
			} else {
				a.logs.SetChatTarget(0, 0)
			}
			a.logs.Apply(mapLogConfig(newCfg))

			a.notif.Apply(mapNotifierConfig(newCfg))
			a.eng.Apply(mapEngineConfig(newCfg))

			fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
			a.log.Info("config reloaded", fields...)
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	// Each shutdown step gets its own upper bound so one component cannot
	// stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem > 0 && rem < max {
					max = rem
				}
			}
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
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("engine", 3*time.Second, func(c context.Context) error { a.eng.Stop(c); return nil })
	step("notifier", time.Second, func(context.Context) error { a.notif.Stop(); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapNotifierConfig(cfg *config.Config) notifier.Config {
	sendTimeout, err := config.ParseDurationOrDefault("notifier.send_timeout", cfg.Notifier.SendTimeout, 10*time.Second)
	if err != nil {
		sendTimeout = 10 * time.Second
	}
	return notifier.Config{
		RatePerSec:  cfg.Notifier.RatePerSec,
		SendTimeout: sendTimeout,
		HistorySize: cfg.Notifier.HistorySize,
	}
}

func mapEngineConfig(cfg *config.Config) engine.Config {
	return engine.Config{
		Timezone:           cfg.Engine.Timezone,
		DefaultLeadMinutes: cfg.Engine.DefaultLeadMinutes,
		ConflictWindow:     cfg.Engine.ConflictWindowDuration(),
		PerItemTimers:      cfg.Engine.PerItemTimersEnabled(),
	}
}
