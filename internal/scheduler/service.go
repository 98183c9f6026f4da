// Package scheduler owns the job store: it computes per-day slots from
// the time oracle, installs durable prepare/play jobs, re-arms their
// runtime timers after a restart, and runs the daily rescheduling and
// missed-schedule recovery loops. Only the leader process may run it.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"bilal/internal/playback"
	"bilal/internal/praytimes"
	"bilal/internal/storage"
)

const dateLayout = "2006-01-02"

type Config struct {
	Enabled bool

	// DailyAt is the local HH:MM of the daily rescheduling pass.
	DailyAt string // default "00:05"

	// PrepareLead is how long before the slot the prepare job fires.
	PrepareLead time.Duration // default 1m

	// Tolerance is the played-marker window around a slot time within
	// which the slot counts as already satisfied.
	Tolerance time.Duration // default 5m

	RecoveryInterval     time.Duration // default 5m
	RecoveryMaxAttempts  int           // default 6
	RecoverySlowInterval time.Duration // default 1h

	// DefaultFile is the broadcast file used for scheduled plays.
	DefaultFile string

	Events []string
}

func (c Config) withDefaults() Config {
	if c.DailyAt == "" {
		c.DailyAt = "00:05"
	}
	if c.PrepareLead <= 0 {
		c.PrepareLead = time.Minute
	}
	if c.Tolerance <= 0 {
		c.Tolerance = 5 * time.Minute
	}
	if c.RecoveryInterval <= 0 {
		c.RecoveryInterval = 5 * time.Minute
	}
	if c.RecoveryMaxAttempts <= 0 {
		c.RecoveryMaxAttempts = 6
	}
	if c.RecoverySlowInterval <= 0 {
		c.RecoverySlowInterval = time.Hour
	}
	if c.DefaultFile == "" {
		c.DefaultFile = "azan.mp3"
	}
	if len(c.Events) == 0 {
		c.Events = []string{"fajr", "dhuhr", "asr", "maghrib", "isha"}
	}
	return c
}

// Oracle is the slice of praytimes the scheduler consumes.
type Oracle interface {
	Times(ctx context.Context, date time.Time, loc praytimes.Location) (praytimes.Times, error)
}

// Player receives the fired jobs.
type Player interface {
	Trigger(ctx context.Context, req playback.Request) playback.Result
	Prepare(ctx context.Context) (string, error)
}

type Service struct {
	cfg      Config
	store    *storage.Store
	oracle   Oracle
	player   Player
	location praytimes.Location
	zone     *time.Location
	log      zerolog.Logger

	// now is swappable for tests.
	now func() time.Time

	c *cron.Cron

	mu     sync.Mutex
	timers map[string]*time.Timer

	runCtx    context.Context
	runCancel context.CancelFunc
}

func New(cfg Config, store *storage.Store, oracle Oracle, player Player, loc praytimes.Location, log zerolog.Logger) *Service {
	zone := loc.Zone
	if zone == nil {
		zone = time.Local
		loc.Zone = zone
	}
	return &Service{
		cfg:      cfg.withDefaults(),
		store:    store,
		oracle:   oracle,
		player:   player,
		location: loc,
		zone:     zone,
		log:      log,
		now:      time.Now,
		timers:   map[string]*time.Timer{},
	}
}

// Start installs the daily rescheduling cron, rebuilds one-shot timers
// from the persisted job store, runs the initial scheduling pass and,
// when that pass installs nothing for today, arms missed recovery.
func (s *Service) Start(ctx context.Context) error {
	s.runCtx, s.runCancel = context.WithCancel(ctx)

	h, m, err := parseDailyAt(s.cfg.DailyAt)
	if err != nil {
		return err
	}
	s.c = cron.New(cron.WithLocation(s.zone))
	if _, err := s.c.AddFunc(fmt.Sprintf("%d %d * * *", m, h), s.runDaily); err != nil {
		return err
	}
	s.c.Start()
	s.confirmDailyJob(ctx)

	if err := s.rebuildTimers(ctx); err != nil {
		s.log.Warn().Err(err).Msg("timer rebuild failed")
	}

	today := s.today()
	installed, err := s.ScheduleForDate(ctx, today)
	if err != nil {
		s.log.Warn().Err(err).Msg("initial scheduling pass failed")
	}
	if _, err := s.ScheduleForDate(ctx, today.AddDate(0, 0, 1)); err != nil {
		s.log.Warn().Err(err).Msg("tomorrow scheduling pass failed")
	}

	if installed == 0 {
		s.log.Warn().Str("day", today.Format(dateLayout)).
			Msg("no play jobs for today, arming missed-schedule recovery")
		s.armRecovery(ctx, today.Format(dateLayout), 0)
	}

	s.log.Info().Str("daily_at", s.cfg.DailyAt).Str("tz", s.zone.String()).
		Int("installed_today", installed).Msg("scheduler started")
	return nil
}

func (s *Service) Stop(context.Context) {
	if s.runCancel != nil {
		s.runCancel()
	}
	if s.c != nil {
		<-s.c.Stop().Done()
	}
	s.mu.Lock()
	for _, t := range s.timers {
		_ = t.Stop()
	}
	s.timers = map[string]*time.Timer{}
	s.mu.Unlock()
	s.log.Info().Msg("scheduler stopped")
}

func (s *Service) today() time.Time {
	n := s.now().In(s.zone)
	return time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, s.zone)
}

// runDaily is the recurring rescheduling pass: today (in case the
// process started mid-day) and tomorrow (the mechanism by which the
// next day's slots come into existence).
func (s *Service) runDaily() {
	ctx := s.runCtx
	today := s.today()
	if _, err := s.ScheduleForDate(ctx, today); err != nil {
		s.log.Warn().Err(err).Msg("daily pass: today failed")
	}
	if _, err := s.ScheduleForDate(ctx, today.AddDate(0, 0, 1)); err != nil {
		s.log.Warn().Err(err).Msg("daily pass: tomorrow failed")
	}
	s.confirmDailyJob(ctx)
}

// confirmDailyJob keeps the fixed-id daily job row in the store so the
// status surface and other processes can see the next pass. Reinstalling
// never duplicates: the id is stable.
func (s *Service) confirmDailyJob(ctx context.Context) {
	next := s.nextDaily()
	err := s.store.UpsertJob(ctx, storage.Job{
		ID:        storage.DailyRescheduleID,
		Kind:      storage.JobDailyReschedule,
		TriggerAt: next,
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("daily job row upsert failed")
	}
}

func (s *Service) nextDaily() time.Time {
	h, m, _ := parseDailyAt(s.cfg.DailyAt)
	n := s.now().In(s.zone)
	next := time.Date(n.Year(), n.Month(), n.Day(), h, m, 0, 0, s.zone)
	if !next.After(n) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func parseDailyAt(v string) (int, int, error) {
	var h, m int
	if _, err := fmt.Sscanf(v, "%d:%d", &h, &m); err != nil {
		return 0, 0, fmt.Errorf("invalid daily_at %q: %w", v, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid daily_at %q", v)
	}
	return h, m, nil
}

// rebuildTimers re-arms one-shot timers for persisted jobs after a
// restart. Slot jobs whose time already passed are dropped, not fired:
// a late azan is worse than a missed one.
func (s *Service) rebuildTimers(ctx context.Context) error {
	jobs, err := s.store.ListJobs(ctx)
	if err != nil {
		return err
	}
	now := s.now()
	for _, j := range jobs {
		switch j.Kind {
		case storage.JobDailyReschedule:
			// Runtime side is the cron entry; the row is informational.
			continue
		case storage.JobMissedRecovery:
			if j.Day != s.today().Format(dateLayout) {
				_ = s.store.RemoveJob(ctx, j.ID)
				continue
			}
			s.armTimerAt(j, now)
		case storage.JobPrepare, storage.JobPlay:
			if !j.TriggerAt.After(now) {
				s.log.Info().Str("job", j.ID).Time("was", j.TriggerAt).
					Msg("dropping job whose time passed while down")
				_ = s.store.RemoveJob(ctx, j.ID)
				continue
			}
			s.armTimerAt(j, now)
		}
	}
	return nil
}

func (s *Service) armTimerAt(j storage.Job, now time.Time) {
	delay := j.TriggerAt.Sub(now)
	if delay < 0 {
		delay = 0
	}
	s.mu.Lock()
	if prev, ok := s.timers[j.ID]; ok {
		_ = prev.Stop()
	}
	s.timers[j.ID] = time.AfterFunc(delay, func() { s.fire(j.ID) })
	s.mu.Unlock()
}

// fire consumes a due job: the row is removed first so a crash between
// removal and execution loses the trigger rather than replaying it
// (the dedup guard would reject a replay anyway).
func (s *Service) fire(id string) {
	ctx := s.runCtx
	if ctx == nil || ctx.Err() != nil {
		return
	}

	s.mu.Lock()
	delete(s.timers, id)
	s.mu.Unlock()

	j, ok, err := s.store.GetJob(ctx, id)
	if err != nil || !ok {
		if err != nil {
			s.log.Warn().Err(err).Str("job", id).Msg("job lookup failed at fire time")
		}
		return
	}
	if err := s.store.RemoveJob(ctx, id); err != nil {
		s.log.Warn().Err(err).Str("job", id).Msg("job removal failed")
	}

	switch j.Kind {
	case storage.JobPrepare:
		cctx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		if _, err := s.player.Prepare(cctx); err != nil {
			s.log.Warn().Err(err).Str("job", id).Msg("prepare failed")
		}
	case storage.JobPlay:
		var p playPayload
		_ = json.Unmarshal([]byte(j.Payload), &p)
		file := p.File
		if file == "" {
			file = s.cfg.DefaultFile
		}
		cctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		defer cancel()
		res := s.player.Trigger(cctx, playback.Request{Event: j.Event, File: file})
		s.log.Info().Str("job", id).Str("status", string(res.Status)).
			Str("reason", res.Reason).Msg("play job fired")
	case storage.JobMissedRecovery:
		var p recoveryPayload
		_ = json.Unmarshal([]byte(j.Payload), &p)
		s.runRecovery(ctx, j.Day, p.Attempts)
	}
}

type playPayload struct {
	File string `json:"file"`
}

type recoveryPayload struct {
	Attempts int `json:"attempts"`
}

// armRecovery installs (or re-installs) the recovery job for day with
// the interval appropriate to the attempt count.
func (s *Service) armRecovery(ctx context.Context, day string, attempts int) {
	j := storage.Job{
		ID:        storage.RecoveryJobID(day),
		Kind:      storage.JobMissedRecovery,
		Day:       day,
		TriggerAt: s.now().Add(s.recoveryInterval(attempts)),
		Payload:   fmt.Sprintf(`{"attempts":%d}`, attempts),
	}
	if err := s.store.UpsertJob(ctx, j); err != nil {
		s.log.Warn().Err(err).Str("job", j.ID).Msg("recovery job upsert failed")
		return
	}
	s.armTimerAt(j, s.now())
}

// recoveryInterval widens after RecoveryMaxAttempts unsuccessful tries
// so a long oracle outage does not cause unbounded tight polling.
func (s *Service) recoveryInterval(attempts int) time.Duration {
	if attempts >= s.cfg.RecoveryMaxAttempts {
		return s.cfg.RecoverySlowInterval
	}
	return s.cfg.RecoveryInterval
}

// runRecovery re-attempts today's scheduling pass. On success the
// recovery job disappears and the daily job is reconfirmed; otherwise
// the job is re-armed with an incremented attempt count.
func (s *Service) runRecovery(ctx context.Context, day string, attempts int) {
	today := s.today().Format(dateLayout)
	if day != today {
		// The date rolled over while recovering; the daily pass owns
		// scheduling now.
		_ = s.store.RemoveJob(ctx, storage.RecoveryJobID(day))
		return
	}

	installed, err := s.ScheduleForDate(ctx, s.today())
	if err == nil && installed > 0 {
		s.log.Info().Int("installed", installed).Int("attempts", attempts).
			Msg("missed-schedule recovery succeeded")
		_ = s.store.RemoveJob(ctx, storage.RecoveryJobID(day))
		s.confirmDailyJob(ctx)
		return
	}

	attempts++
	s.log.Warn().Err(err).Int("attempts", attempts).
		Dur("next_in", s.recoveryInterval(attempts)).
		Msg("missed-schedule recovery attempt unsuccessful")
	s.armRecovery(ctx, day, attempts)
}
