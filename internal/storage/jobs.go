package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type JobKind string

const (
	JobPrepare         JobKind = "prepare"
	JobPlay            JobKind = "play"
	JobDailyReschedule JobKind = "daily-reschedule"
	JobMissedRecovery  JobKind = "missed-recovery"
)

// Job is a durable (trigger-time, action) pair. The id is deterministic
// per (kind, day, event) so recomputing a day's schedule never duplicates.
type Job struct {
	ID        string
	Kind      JobKind
	Day       string // "2006-01-02"; empty for the daily reschedule job
	Event     string
	TriggerAt time.Time
	Payload   string // JSON, kind-specific
}

// DailyRescheduleID is fixed so reinstalling the daily job replaces it.
const DailyRescheduleID = "daily-reschedule"

func SlotJobID(kind JobKind, day, event string) string {
	return fmt.Sprintf("%s-%s-%s", kind, day, event)
}

func RecoveryJobID(day string) string {
	return fmt.Sprintf("%s-%s", JobMissedRecovery, day)
}

// UpsertJob installs or replaces the job with the same id.
func (s *Store) UpsertJob(ctx context.Context, j Job) error {
	if j.ID == "" {
		return errors.New("job id is required")
	}
	payload := j.Payload
	if payload == "" {
		payload = "{}"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(id, kind, day, event, trigger_at, payload) VALUES(?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   kind=excluded.kind, day=excluded.day, event=excluded.event,
		   trigger_at=excluded.trigger_at, payload=excluded.payload`,
		j.ID, string(j.Kind), j.Day, j.Event, j.TriggerAt.Format(time.RFC3339Nano), payload,
	)
	return err
}

func (s *Store) RemoveJob(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	return err
}

func (s *Store) GetJob(ctx context.Context, id string) (Job, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, kind, day, event, trigger_at, payload FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, err
	}
	return j, true, nil
}

// ListJobs returns all installed jobs ordered by trigger time.
func (s *Store) ListJobs(ctx context.Context) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, day, event, trigger_at, payload FROM jobs ORDER BY trigger_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (Job, error) {
	var j Job
	var kind, at string
	if err := r.Scan(&j.ID, &kind, &j.Day, &j.Event, &at, &j.Payload); err != nil {
		return Job{}, err
	}
	j.Kind = JobKind(kind)
	t, err := time.Parse(time.RFC3339Nano, at)
	if err != nil {
		return Job{}, fmt.Errorf("job %s: bad trigger_at %q: %w", j.ID, at, err)
	}
	j.TriggerAt = t
	return j, nil
}
