// Package app wires the relay together: config, logging, storage, the portal
// session layer, the dispatch guard, the cycle coordinator and the ops
// server, plus the cron schedule and config hot-reload.
package app

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "github.com/Alpizar28/TecBot-api/pkg/logx"

	"github.com/Alpizar28/TecBot-api/internal/config"
	"github.com/Alpizar28/TecBot-api/internal/cycle"
	"github.com/Alpizar28/TecBot-api/internal/dispatch"
	"github.com/Alpizar28/TecBot-api/internal/eventbus"
	"github.com/Alpizar28/TecBot-api/internal/messenger"
	"github.com/Alpizar28/TecBot-api/internal/model"
	"github.com/Alpizar28/TecBot-api/internal/portal"
	"github.com/Alpizar28/TecBot-api/internal/retry"
	rtsup "github.com/Alpizar28/TecBot-api/internal/runtime/supervisor"
	"github.com/Alpizar28/TecBot-api/internal/server"
	"github.com/Alpizar28/TecBot-api/internal/session"
	"github.com/Alpizar28/TecBot-api/internal/storage"
	telegram "github.com/Alpizar28/TecBot-api/internal/transport/telegram/adapter"
	"github.com/Alpizar28/TecBot-api/internal/vault"
)

const defaultSchedule = "*/5 * * * *"

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter  *telegram.Adapter
	msg      *messenger.Service
	sessions *session.Manager
	vault    *vault.Client
	disp     *dispatch.Dispatcher
	coord    *cycle.Coordinator
	ops      *server.Service

	cronMu sync.Mutex
	cron   *cron.Cron

	retryMu  sync.RWMutex
	retryCfg retry.Config
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	tgTimeout, _ := config.ParseDurationOrDefault("telegram.timeout", cfg.Telegram.Timeout, 30*time.Second)
	ad, err := telegram.New(telegram.Config{
		Token:   cfg.Telegram.Token,
		Timeout: tgTimeout,
	}, bootLog)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogging(cfg), ad)
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	busyTimeout, _ := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	store, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	portalTimeout, _ := config.ParseDurationOrDefault("portal.timeout", cfg.Portal.Timeout, 30*time.Second)
	portalSvc, err := portal.NewService(portal.Config{
		BaseURL: cfg.Portal.BaseURL,
		Timeout: portalTimeout,
	}, log.With(logx.String("comp", "portal")))
	if err != nil {
		return nil, err
	}

	sessDir := cfg.Sessions.Dir
	if strings.TrimSpace(sessDir) == "" {
		sessDir = "./data/sessions"
	}
	sessions, err := session.NewManager(session.Config{Dir: sessDir}, portalSvc,
		log.With(logx.String("comp", "session")))
	if err != nil {
		return nil, err
	}

	var vaultCl *vault.Client
	if cfg.Vault != nil && cfg.Vault.Enabled {
		vaultTimeout, _ := config.ParseDurationOrDefault("vault.timeout", cfg.Vault.Timeout, 60*time.Second)
		vaultCl, err = vault.New(vault.Config{
			BaseURL:      cfg.Vault.BaseURL,
			Token:        cfg.Vault.Token,
			RootFolderID: cfg.Vault.RootFolderID,
			Timeout:      vaultTimeout,
		}, log.With(logx.String("comp", "vault")))
		if err != nil {
			return nil, err
		}
		log.Info("vault enabled")
	} else {
		log.Info("vault disabled; documents degrade to link messages")
	}

	msg := messenger.NewService(messenger.Config{}, ad, log.With(logx.String("comp", "messenger")))
	disp := dispatch.New(store, msg, vaultCl, log.With(logx.String("comp", "dispatch")))

	a := &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		adapter:  ad,
		msg:      msg,
		sessions: sessions,
		vault:    vaultCl,
		disp:     disp,
	}
	a.retryCfg = mapRetry(cfg)

	a.coord = cycle.New(a.mapCycle(cfg), store, sessionFlowOpener{sessions: sessions}, disp, msg, bus,
		log.With(logx.String("comp", "cycle")))

	httpRead, _ := config.ParseDurationField("http.read_timeout", cfg.HTTP.ReadTimeout)
	httpWrite, _ := config.ParseDurationField("http.write_timeout", cfg.HTTP.WriteTimeout)
	a.ops = server.New(server.Config{
		Addr:         cfg.HTTP.Addr,
		ReadTimeout:  httpRead,
		WriteTimeout: httpWrite,
	}, store, a.dispatchOnce, a.triggerCycle, a.coord, log.With(logx.String("comp", "server")))

	return a, nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, a.log)

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return cfg.Validate()
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})

	if err := a.ops.Start(); err != nil {
		return err
	}

	if err := a.reschedule(a.cfgm.Get().Cycle.Schedule); err != nil {
		return err
	}

	// First pass right away so a fresh deployment doesn't idle until the
	// next cron tick.
	a.triggerCycle()
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	a.cronMu.Lock()
	if a.cron != nil {
		// Waits for in-flight cron callbacks; the cycle itself runs detached
		// and always completes on its own.
		<-a.cron.Stop().Done()
		a.cron = nil
	}
	a.cronMu.Unlock()
	if a.ops != nil {
		_ = a.ops.Stop(ctx)
	}
	if a.sup != nil {
		_ = a.sup.Stop(ctx)
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// reschedule swaps the cron schedule. The old cron keeps running until the
// replacement is installed so no tick window is lost.
func (a *App) reschedule(spec string) error {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		spec = defaultSchedule
	}
	// Same parser the config validator uses, so a validated spec always installs.
	c := cron.New(cron.WithParser(cron.NewParser(
		cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)))
	if _, err := c.AddFunc(spec, a.triggerCycle); err != nil {
		return err
	}

	a.cronMu.Lock()
	old := a.cron
	a.cron = c
	a.cronMu.Unlock()

	c.Start()
	if old != nil {
		<-old.Stop().Done()
	}
	a.log.Info("cycle schedule installed", logx.String("spec", spec))
	return nil
}

// triggerCycle launches one cycle detached from every caller context: a
// started cycle is never canceled mid-flight, not even on shutdown.
func (a *App) triggerCycle() {
	go a.coord.Run(context.Background())
}

// dispatchOnce serves the internal dispatch endpoint with a request-scoped
// executor so its retries and metrics don't leak into any cycle.
func (a *App) dispatchOnce(ctx context.Context, user model.User, n model.Notification, cookies []model.Cookie) dispatch.Result {
	log := a.log.With(logx.String("comp", "dispatch"), logx.String("user", user.ID))
	metrics := retry.NewMetrics()
	exec := retry.NewExecutor(a.retryConfig(), metrics, log)
	res := a.disp.Dispatch(ctx, user, n, exec, cookies)
	metrics.LogSummary(log, "internal_dispatch")
	return res
}

func (a *App) retryConfig() retry.Config {
	a.retryMu.RLock()
	defer a.retryMu.RUnlock()
	return a.retryCfg
}

// reloadLoop applies hot-reloadable knobs from validated config updates.
// Storage, portal and session paths need a restart and only get a warning.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
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

			sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
			if len(sections) == 0 {
				a.log.Debug("config reload received, but no effective changes detected")
				lastApplied = newCfg
				continue
			}
			fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
			a.log.Info("config change summary", fields...)

			for _, s := range sections {
				switch s {
				case "storage", "portal", "sessions", "http", "telegram":
					a.log.Warn("section requires restart to take full effect",
						logx.String("section", s))
				}
			}

			a.logs.Apply(mapLogging(newCfg))

			a.retryMu.Lock()
			a.retryCfg = mapRetry(newCfg)
			a.retryMu.Unlock()

			a.coord.UpdateConfig(a.mapCycle(newCfg))

			if newCfg.Cycle.Schedule != lastApplied.Cycle.Schedule {
				if err := a.reschedule(newCfg.Cycle.Schedule); err != nil {
					a.log.Warn("reschedule failed; keeping previous schedule", logx.Err(err))
				}
			}

			lastApplied = newCfg
			a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReloaded, Data: sections})
		}
	}
}

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ChatID:     cfg.Logging.Telegram.ChatID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapRetry(cfg *config.Config) retry.Config {
	base, _ := config.ParseDurationField("retry.base", cfg.Retry.Base)
	return retry.Config{
		Attempts: cfg.Retry.Attempts,
		Base:     base,
	}
}

func (a *App) mapCycle(cfg *config.Config) cycle.Config {
	return cycle.Config{
		Concurrency:    cfg.Cycle.Concurrency,
		PartialPercent: cfg.Alerts.PartialPercent,
		FailedUsers:    cfg.Alerts.FailedUsers,
		AlertChatID:    cfg.Telegram.AlertChatID,
		Retry:          mapRetry(cfg),
	}
}
