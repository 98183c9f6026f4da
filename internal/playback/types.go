package playback

import (
	"context"
	"errors"
	"time"

	"bilal/internal/storage"
)

// Status is the terse operator-facing outcome of a trigger.
type Status string

const (
	StatusStarted  Status = "started"
	StatusSkipped  Status = "skipped"
	StatusRejected Status = "rejected"
	StatusFailed   Status = "failed"
)

var (
	ErrNoDevices         = errors.New("no devices found")
	ErrSnapshotFailed    = errors.New("snapshot failed for all devices")
	ErrStartNotConfirmed = errors.New("playback start not confirmed")
	ErrSessionInProgress = errors.New("session already in progress")
)

// Request triggers one broadcast. Force bypasses the dedup check and
// suppresses the played-marker write (operator replays).
type Request struct {
	Event string
	File  string
	Force bool
}

// Result is returned to the trigger caller. Detailed diagnostics go to
// the log, not here.
type Result struct {
	Status    Status
	Reason    string
	SessionID string
}

// Ledger is the slice of the store the orchestrator needs.
type Ledger interface {
	HasPlayed(ctx context.Context, day, event string) (bool, error)
	AppendPlayed(ctx context.Context, m storage.PlayedMarker) error
}

// Notifier receives operator-facing session events. Implementations must
// be non-blocking best-effort; a nil Notifier is allowed.
type Notifier interface {
	Notify(ctx context.Context, text string)
}

// Config tunes the session state machine.
type Config struct {
	// Volume is the fixed broadcast volume applied to the whole group.
	Volume int

	SettleDelay  time.Duration // wait before start verification; default 2s
	PollInterval time.Duration // monitoring poll; default 3s

	// DefaultTimeout bounds a session when the file duration is unknown.
	DefaultTimeout time.Duration // default 5m
	// TimeoutMargin is added to a known file duration. The watchdog's
	// fail-safe secondary margin is twice this value.
	TimeoutMargin time.Duration // default 30s
}

func (c Config) withDefaults() Config {
	if c.Volume <= 0 {
		c.Volume = 45
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = 2 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 3 * time.Second
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 5 * time.Minute
	}
	if c.TimeoutMargin <= 0 {
		c.TimeoutMargin = 30 * time.Second
	}
	return c
}
