// Package praytimes is the call boundary to the daily time computation.
//
// The primary source is the AlAdhan HTTP API; when it is unreachable or
// returns malformed output, a local solar-position fallback computes the
// same events from (lat, lon, method). When both fail the caller gets
// ErrUnavailable and must treat the date as unscheduled and retry later.
package praytimes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"bilal/internal/config"
)

// ErrUnavailable means no source could produce times for the date.
var ErrUnavailable = errors.New("time source unavailable")

// Times maps event name (lowercase, e.g. "fajr") to local "HH:MM".
type Times map[string]string

type Location struct {
	Latitude  float64
	Longitude float64
	Method    string // calculation method, e.g. "MWL", "ISNA", "Makkah"
	Zone      *time.Location
}

// Source computes the named times for one calendar date.
type Source interface {
	Times(ctx context.Context, date time.Time, loc Location) (Times, error)
}

// Oracle tries the primary source first and falls back to the local
// computation, logging each failure.
type Oracle struct {
	primary  Source
	fallback Source
	log      zerolog.Logger
}

func NewOracle(primary, fallback Source, log zerolog.Logger) *Oracle {
	return &Oracle{primary: primary, fallback: fallback, log: log}
}

func (o *Oracle) Times(ctx context.Context, date time.Time, loc Location) (Times, error) {
	if o.primary != nil {
		t, err := o.primary.Times(ctx, date, loc)
		if err == nil {
			return t, nil
		}
		o.log.Warn().Err(err).Str("date", date.Format("2006-01-02")).
			Msg("primary time source failed, using local fallback")
	}
	if o.fallback != nil {
		t, err := o.fallback.Times(ctx, date, loc)
		if err == nil {
			return t, nil
		}
		o.log.Error().Err(err).Str("date", date.Format("2006-01-02")).
			Msg("fallback time source failed")
	}
	return nil, ErrUnavailable
}

// At anchors an "HH:MM" value onto the given calendar date in zone.
func At(date time.Time, hhmm string, zone *time.Location) (time.Time, error) {
	h, m, err := config.ParseHHMM(hhmm)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(date.Year(), date.Month(), date.Day(), h, m, 0, 0, zone), nil
}

func validate(t Times, events []string) error {
	for _, ev := range events {
		raw, ok := t[ev]
		if !ok {
			return fmt.Errorf("missing event %q", ev)
		}
		if _, _, err := config.ParseHHMM(raw); err != nil {
			return fmt.Errorf("event %q: %w", ev, err)
		}
	}
	return nil
}
