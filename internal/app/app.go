// Package app assembles the daemon: config, logging, storage, leader
// election, the speaker controller, the playback orchestrator, the
// scheduler (leader only) and the HTTP api.
package app

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/rs/zerolog"

	"bilal/internal/config"
	"bilal/internal/httpapi"
	"bilal/internal/leaderlock"
	"bilal/internal/logging"
	"bilal/internal/notify"
	"bilal/internal/playback"
	"bilal/internal/praytimes"
	"bilal/internal/scheduler"
	"bilal/internal/sonos"
	"bilal/internal/storage"
)

const defaultLeaderResource = "bilal-scheduler"

type App struct {
	cfgMgr    *config.Manager
	cfg       *config.Config
	log       zerolog.Logger
	logCloser io.Closer

	zone     *time.Location
	store    *storage.Store
	lock     leaderlock.Lock
	leader   bool
	ctrl     *sonos.MQTTController
	orc      *playback.Orchestrator
	notifier *notify.Telegram
	sched    *scheduler.Service
	api      *httpapi.Server

	runCancel context.CancelFunc
	runWG     sync.WaitGroup
}

// New loads the config and constructs every leader-independent
// component. Leader election, and with it the scheduler, happens in
// Start so two processes can race the lock at startup.
func New(cfgPath string) (*App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	log, closer, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfgMgr:    config.NewManager(cfgPath, log),
		cfg:       cfg,
		log:       log,
		logCloser: closer,
		zone:      cfg.TimeLocation(),
	}
	if _, err := a.cfgMgr.Load(); err != nil {
		a.close()
		return nil, err
	}

	a.store, err = storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: config.DurationOr(cfg.Storage.BusyTimeout, 5*time.Second),
		Retention:   config.DurationOr(cfg.Storage.Retention, 0),
	}, log)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	a.ctrl, err = sonos.NewMQTTController(sonos.MQTTOptions{
		Broker:          cfg.MQTT.Broker,
		ClientID:        cfg.MQTT.ClientID,
		DiscoverTimeout: config.DurationOr(cfg.MQTT.DiscoverTimeout, 0),
		CommandTimeout:  config.DurationOr(cfg.MQTT.CommandTimeout, 0),
		RatePerSec:      cfg.MQTT.RatePerSec,
	}, log)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("mqtt controller: %w", err)
	}

	audioURL, err := httpapi.AudioURLResolver(cfg.Audio.BaseURL, httpAddr(cfg))
	if err != nil {
		a.close()
		return nil, err
	}

	a.orc = playback.New(a.ctrl, a.store, audioURL, a.zone, playback.Config{
		Volume:         cfg.Playback.Volume,
		SettleDelay:    config.DurationOr(cfg.Playback.SettleDelay, 0),
		PollInterval:   config.DurationOr(cfg.Playback.PollInterval, 0),
		DefaultTimeout: config.DurationOr(cfg.Playback.DefaultTimeout, 0),
		TimeoutMargin:  config.DurationOr(cfg.Playback.TimeoutMargin, 0),
	}, log)

	a.notifier, err = notify.New(notify.Config{
		Enabled: cfg.Notify.Enabled,
		Token:   cfg.Notify.Token,
		ChatID:  cfg.Notify.ChatID,
	}, log)
	if err != nil {
		a.close()
		return nil, err
	}
	if a.notifier != nil {
		a.orc.SetNotifier(a.notifier)
	}

	a.lock = newLock(cfg)
	return a, nil
}

func newLock(cfg *config.Config) leaderlock.Lock {
	switch cfg.Leader.Backend {
	case "redis":
		return leaderlock.NewRedis(leaderlock.RedisOptions{
			Addr:     cfg.Leader.Redis.Addr,
			Username: cfg.Leader.Redis.Username,
			Password: cfg.Leader.Redis.Password,
			TTL:      config.DurationOr(cfg.Leader.Redis.TTL, 0),
		})
	default:
		dir := cfg.Leader.Path
		if dir == "" {
			dir = filepath.Dir(cfg.Storage.Path)
		}
		return leaderlock.NewFlock(dir)
	}
}

func httpAddr(cfg *config.Config) string {
	if cfg.HTTP.Addr != "" {
		return cfg.HTTP.Addr
	}
	return ":5000"
}

func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	a.runCancel = cancel

	resource := a.cfg.Leader.Resource
	if resource == "" {
		resource = defaultLeaderResource
	}
	got, err := a.lock.TryAcquire(ctx, resource)
	if err != nil {
		return fmt.Errorf("leader lock: %w", err)
	}
	a.leader = got
	if !got {
		a.log.Info().Str("resource", resource).
			Msg("another process holds the scheduler lock, running as follower")
	}

	a.orc.Start(runCtx)

	if a.leader && a.cfg.Scheduler.Enabled {
		a.sched = scheduler.New(scheduler.Config{
			Enabled:              true,
			DailyAt:              a.cfg.Scheduler.DailyAt,
			PrepareLead:          config.DurationOr(a.cfg.Scheduler.PrepareLead, 0),
			Tolerance:            config.DurationOr(a.cfg.Scheduler.Tolerance, 0),
			RecoveryInterval:     config.DurationOr(a.cfg.Scheduler.RecoveryInterval, 0),
			RecoveryMaxAttempts:  a.cfg.Scheduler.RecoveryMaxAttempts,
			RecoverySlowInterval: config.DurationOr(a.cfg.Scheduler.RecoverySlowInterval, 0),
			DefaultFile:          a.cfg.Audio.DefaultFile,
			Events:               a.cfg.EventNames(),
		}, a.store, a.oracle(), a.orc, a.prayLocation(), a.log)
		if err := a.sched.Start(runCtx); err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
	}

	a.api = httpapi.New(httpapi.Config{
		Addr:        httpAddr(a.cfg),
		CORSOrigins: a.cfg.HTTP.CORSOrigins,
		AudioDir:    a.cfg.Audio.Dir,
		DefaultFile: a.cfg.Audio.DefaultFile,
	}, a.ctrl, a.orc, a.store, a.sched, a.zone, a.log)
	if err := a.api.Start(runCtx); err != nil {
		return err
	}

	a.runWG.Add(1)
	go func() {
		defer a.runWG.Done()
		if err := a.cfgMgr.Watch(runCtx); err != nil {
			a.log.Warn().Err(err).Msg("config watch stopped")
		}
	}()

	// Apply the safe subset of a reloaded config. Structural settings
	// (storage, broker, listen address) need a restart.
	sub := a.cfgMgr.Subscribe(1)
	a.runWG.Add(1)
	go func() {
		defer a.runWG.Done()
		defer a.cfgMgr.Unsubscribe(sub)
		for {
			select {
			case <-runCtx.Done():
				return
			case cfg, ok := <-sub:
				if !ok {
					return
				}
				a.orc.SetVolume(cfg.Playback.Volume)
				a.log.Info().Int("volume", cfg.Playback.Volume).
					Msg("applied reloaded settings")
			}
		}
	}()

	a.notifySystemd(runCtx)

	a.log.Info().Bool("leader", a.leader).Msg("daemon started")
	return nil
}

// notifySystemd sends READY and, when a watchdog interval is configured
// in the unit, keeps it fed. Both are no-ops outside systemd.
func (a *App) notifySystemd(ctx context.Context) {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Debug().Err(err).Msg("sd_notify ready failed")
	}
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}
	a.runWG.Add(1)
	go func() {
		defer a.runWG.Done()
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	}()
}

func (a *App) oracle() *praytimes.Oracle {
	return praytimes.NewOracle(praytimes.NewAladhanClient(), praytimes.NewSolarCalculator(), a.log)
}

func (a *App) prayLocation() praytimes.Location {
	return praytimes.Location{
		Latitude:  a.cfg.Location.Latitude,
		Longitude: a.cfg.Location.Longitude,
		Method:    a.cfg.Location.Method,
		Zone:      a.zone,
	}
}

// Stop winds the daemon down in reverse start order: stop taking HTTP
// requests, stop firing jobs, let the active session restore, then
// release the lock and close the store.
func (a *App) Stop(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	if a.api != nil {
		a.api.Stop(ctx)
	}
	if a.sched != nil {
		a.sched.Stop(ctx)
	}
	a.orc.Stop(ctx)

	if a.runCancel != nil {
		a.runCancel()
	}
	a.runWG.Wait()

	if a.leader {
		if err := a.lock.Release(ctx); err != nil {
			a.log.Warn().Err(err).Msg("lock release failed")
		}
	}
	a.notifier.Close()
	a.close()
	a.log.Info().Msg("daemon stopped")
	return nil
}

func (a *App) close() {
	if a.ctrl != nil {
		a.ctrl.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.logCloser != nil {
		_ = a.logCloser.Close()
	}
}
