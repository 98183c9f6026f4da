package scheduler

import (
	"context"
	"fmt"
	"time"

	"bilal/internal/praytimes"
	"bilal/internal/storage"
)

// ScheduleForDate fetches the day's slot times and installs a
// prepare+play job pair per future, unsatisfied event. The operation is
// idempotent: job ids are deterministic per (kind, day, event), so
// repeated passes upsert rather than duplicate. The returned count is
// the number of play jobs installed or reconfirmed.
func (s *Service) ScheduleForDate(ctx context.Context, date time.Time) (int, error) {
	date = date.In(s.zone)
	day := date.Format(dateLayout)
	lg := s.log.With().Str("day", day).Logger()

	times, err := s.oracle.Times(ctx, date, s.location)
	if err != nil {
		return 0, fmt.Errorf("slot times for %s: %w", day, err)
	}

	now := s.now().In(s.zone)
	installed := 0

	for _, event := range s.cfg.Events {
		hhmm, ok := times[event]
		if !ok {
			lg.Warn().Str("event", event).Msg("no slot time for event")
			continue
		}
		slot, err := praytimes.At(date, hhmm, s.zone)
		if err != nil {
			lg.Warn().Str("event", event).Str("at", hhmm).Err(err).Msg("unparseable slot time")
			continue
		}

		if !slot.After(now) {
			lg.Debug().Str("event", event).Time("at", slot).Msg("slot already passed")
			continue
		}

		near, err := s.store.PlayedNear(ctx, day, event, slot, s.cfg.Tolerance)
		if err != nil {
			lg.Warn().Str("event", event).Err(err).Msg("ledger lookup failed")
		} else if near {
			lg.Debug().Str("event", event).Msg("slot already satisfied")
			continue
		}

		if prepAt := slot.Add(-s.cfg.PrepareLead); prepAt.After(now) {
			prep := storage.Job{
				ID:        storage.SlotJobID(storage.JobPrepare, day, event),
				Kind:      storage.JobPrepare,
				Day:       day,
				Event:     event,
				TriggerAt: prepAt,
			}
			if err := s.store.UpsertJob(ctx, prep); err != nil {
				lg.Warn().Str("event", event).Err(err).Msg("prepare job upsert failed")
			} else {
				s.armTimerAt(prep, now)
			}
		}

		play := storage.Job{
			ID:        storage.SlotJobID(storage.JobPlay, day, event),
			Kind:      storage.JobPlay,
			Day:       day,
			Event:     event,
			TriggerAt: slot,
			Payload:   fmt.Sprintf(`{"file":%q}`, s.cfg.DefaultFile),
		}
		if err := s.store.UpsertJob(ctx, play); err != nil {
			lg.Error().Str("event", event).Err(err).Msg("play job upsert failed")
			continue
		}
		s.armTimerAt(play, now)
		installed++
		lg.Info().Str("event", event).Time("at", slot).Msg("slot scheduled")
	}

	return installed, nil
}
