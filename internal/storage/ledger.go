package storage

import (
	"context"
	"time"
)

// PlayedMarker records one confirmed broadcast start. Append-only; rows
// older than the retention window are pruned opportunistically.
type PlayedMarker struct {
	Day       string    `json:"day"` // "2006-01-02" in the scheduler's timezone
	Event     string    `json:"event"`
	At        time.Time `json:"at"`
	File      string    `json:"file"`
	SessionID string    `json:"session_id,omitempty"`
}

func (s *Store) AppendPlayed(ctx context.Context, m PlayedMarker) error {
	if m.At.IsZero() {
		m.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO played_markers(day, event, at, file, session_id) VALUES(?,?,?,?,?)`,
		m.Day, m.Event, m.At.UTC().Format(time.RFC3339Nano), m.File, m.SessionID,
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
		_ = s.prunePlayed(pctx)
		cancel()
	}
	return err
}

// HasPlayed reports whether any marker exists for (day, event).
func (s *Store) HasPlayed(ctx context.Context, day, event string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM played_markers WHERE day = ? AND event = ?`, day, event).Scan(&n)
	return n > 0, err
}

// PlayedNear reports whether a marker for (day, event) exists within
// tolerance of the given slot time. The window keeps unrelated manual
// test-plays from being mistaken for the real event.
func (s *Store) PlayedNear(ctx context.Context, day, event string, slot time.Time, tolerance time.Duration) (bool, error) {
	lo := slot.Add(-tolerance).UTC().Format(time.RFC3339Nano)
	hi := slot.Add(tolerance).UTC().Format(time.RFC3339Nano)
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM played_markers WHERE day = ? AND event = ? AND at >= ? AND at <= ?`,
		day, event, lo, hi).Scan(&n)
	return n > 0, err
}

// ListPlayed returns markers for the last `days` days, newest first.
func (s *Store) ListPlayed(ctx context.Context, days int, loc *time.Location) ([]PlayedMarker, error) {
	if days < 1 {
		days = 1
	}
	cutoff := time.Now().In(loc).AddDate(0, 0, -(days - 1)).Format("2006-01-02")
	rows, err := s.db.QueryContext(ctx,
		`SELECT day, event, at, file, session_id FROM played_markers WHERE day >= ? ORDER BY at DESC`,
		cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PlayedMarker
	for rows.Next() {
		var m PlayedMarker
		var at string
		if err := rows.Scan(&m.Day, &m.Event, &at, &m.File, &m.SessionID); err != nil {
			return nil, err
		}
		if t, perr := time.Parse(time.RFC3339Nano, at); perr == nil {
			m.At = t
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) prunePlayed(ctx context.Context) error {
	cutoff := time.Now().Add(-s.retention).UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `DELETE FROM played_markers WHERE at < ?`, cutoff)
	return err
}
