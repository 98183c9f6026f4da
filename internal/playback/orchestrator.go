// Package playback supervises one broadcast at a time: group formation,
// start verification, interruption recovery, timeout enforcement and
// device-state restoration.
package playback

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"bilal/internal/sonos"
	"bilal/internal/storage"
)

const dateLayout = "2006-01-02"

// Orchestrator owns the session lifecycle. At most one session runs at a
// time, enforced by an in-process flag that is finer-grained than the
// cross-process leader lock: even inside the leader, overlapping
// broadcasts are serialized.
type Orchestrator struct {
	ctrl     sonos.Controller
	ledger   Ledger
	notifier Notifier
	log      zerolog.Logger
	zone     *time.Location
	cfg      Config

	// audioURL resolves a file name to the URI devices should fetch.
	audioURL func(file string) string

	// volume is held separately from cfg so config reloads can adjust it
	// without racing an active session.
	volume atomic.Int32

	busy atomic.Bool

	runCtx    context.Context
	runCancel context.CancelFunc
	monitorWG sync.WaitGroup
}

func New(ctrl sonos.Controller, ledger Ledger, audioURL func(string) string, zone *time.Location, cfg Config, log zerolog.Logger) *Orchestrator {
	if zone == nil {
		zone = time.Local
	}
	o := &Orchestrator{
		ctrl:     ctrl,
		ledger:   ledger,
		audioURL: audioURL,
		zone:     zone,
		cfg:      cfg.withDefaults(),
		log:      log,
	}
	o.volume.Store(int32(o.cfg.Volume))
	return o
}

// SetVolume adjusts the broadcast volume for subsequent sessions.
func (o *Orchestrator) SetVolume(level int) {
	if level < 0 || level > 100 {
		return
	}
	o.volume.Store(int32(level))
}

// SetNotifier installs an optional operator notifier.
func (o *Orchestrator) SetNotifier(n Notifier) { o.notifier = n }

func (o *Orchestrator) Start(ctx context.Context) {
	o.runCtx, o.runCancel = context.WithCancel(ctx)
}

// Stop cancels the monitor goroutine (its restore pass still runs on a
// short grace context) and waits for it to exit.
func (o *Orchestrator) Stop(ctx context.Context) {
	if o.runCancel != nil {
		o.runCancel()
	}
	done := make(chan struct{})
	go func() {
		o.monitorWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Trigger runs the play state machine for a scheduled or manual request.
// Single-attempt semantics throughout: a failed start is surfaced, never
// retried, because a retry near prayer time risks overlapping a manual
// correction.
func (o *Orchestrator) Trigger(ctx context.Context, req Request) Result {
	day := time.Now().In(o.zone).Format(dateLayout)
	lg := o.log.With().Str("event", req.Event).Str("file", req.File).Str("day", day).Logger()

	// Dedup guard. Checked before any device work; the marker write
	// below happens only after a confirmed start, so the check-then-write
	// pair is ordered around confirmation.
	if !req.Force && req.Event != "" {
		played, err := o.ledger.HasPlayed(ctx, day, req.Event)
		if err != nil {
			lg.Warn().Err(err).Msg("dedup lookup failed, proceeding")
		} else if played {
			lg.Info().Msg("already played today, skipping")
			return Result{Status: StatusSkipped, Reason: "already played today"}
		}
	}

	devices, err := o.ctrl.Discover(ctx)
	if err != nil || len(devices) == 0 {
		lg.Error().Err(err).Msg("no devices found")
		return Result{Status: StatusFailed, Reason: ErrNoDevices.Error()}
	}

	if !o.busy.CompareAndSwap(false, true) {
		lg.Info().Msg("session already in progress, rejecting")
		return Result{Status: StatusRejected, Reason: ErrSessionInProgress.Error()}
	}
	// The flag is cleared by the monitor goroutine after restoration,
	// or right here on any pre-monitoring failure.

	sess := &session{
		id:    uuid.NewString(),
		event: req.Event,
		day:   day,
		file:  req.File,
		uri:   o.audioURL(req.File),
	}
	lg = lg.With().Str("session", sess.id).Logger()

	sess.snapshots = o.capture(ctx, devices)
	if len(sess.snapshots) == 0 {
		o.busy.Store(false)
		lg.Error().Int("devices", len(devices)).Msg("could not snapshot any device")
		return Result{Status: StatusFailed, Reason: ErrSnapshotFailed.Error()}
	}

	sess.coordinator = electCoordinator(devices)
	for _, d := range devices {
		if d.ID() == sess.coordinator.ID() {
			continue
		}
		sess.members = append(sess.members, d)
		if err := d.JoinGroup(ctx, sess.coordinator.ID()); err != nil {
			lg.Warn().Str("device", d.Name()).Err(err).Msg("group join failed")
		}
	}

	level := int(o.volume.Load())
	for _, d := range devices {
		if err := d.SetVolume(ctx, level); err != nil {
			lg.Warn().Str("device", d.Name()).Err(err).Msg("broadcast volume set failed")
		}
	}

	md := &sonos.Metadata{Title: broadcastTitle(req.Event), Artist: "Bilal"}
	if err := sess.coordinator.Play(ctx, sess.uri, md); err != nil {
		o.busy.Store(false)
		lg.Error().Err(err).Msg("play command failed")
		return Result{Status: StatusFailed, Reason: ErrStartNotConfirmed.Error()}
	}

	if !sleepCtx(ctx, o.cfg.SettleDelay) {
		o.busy.Store(false)
		return Result{Status: StatusFailed, Reason: ctx.Err().Error()}
	}

	tr, err := sess.coordinator.Transport(ctx)
	if err != nil || (tr.URI != sess.uri && tr.State != sonos.StatePlaying) {
		o.busy.Store(false)
		lg.Error().Err(err).Str("state", string(tr.State)).Str("uri", tr.URI).
			Msg("start not confirmed")
		return Result{Status: StatusFailed, Reason: ErrStartNotConfirmed.Error()}
	}

	sess.startedAt = time.Now()
	sess.timeout = o.cfg.DefaultTimeout
	if info, terr := sess.coordinator.Track(ctx); terr == nil && info.Duration > 0 {
		sess.timeout = info.Duration + o.cfg.TimeoutMargin
	}

	// Confirmed start: record the marker now, before monitoring, so a
	// concurrent duplicate trigger is skipped from this point on.
	// Forced runs opt out of the marker along with the dedup check.
	if !req.Force && req.Event != "" {
		if err := o.ledger.AppendPlayed(ctx, storage.PlayedMarker{
			Day:       day,
			Event:     req.Event,
			At:        sess.startedAt,
			File:      req.File,
			SessionID: sess.id,
		}); err != nil {
			lg.Warn().Err(err).Msg("played marker write failed")
		}
	}

	lg.Info().Str("coordinator", sess.coordinator.Name()).
		Int("members", len(sess.members)).Dur("timeout", sess.timeout).
		Msg("broadcast confirmed, monitoring")

	runCtx := o.runCtx
	if runCtx == nil {
		runCtx = context.Background()
	}
	o.monitorWG.Add(1)
	go func() {
		defer o.monitorWG.Done()
		o.monitor(runCtx, sess)
	}()

	return Result{Status: StatusStarted, SessionID: sess.id}
}

// Prepare pre-forms the speaker group ahead of the event (fired by the
// prepare job one lead-time early). Returns the coordinator name.
func (o *Orchestrator) Prepare(ctx context.Context) (string, error) {
	devices, err := o.ctrl.Discover(ctx)
	if err != nil || len(devices) == 0 {
		return "", ErrNoDevices
	}
	coordinator := electCoordinator(devices)
	for _, d := range devices {
		if d.ID() == coordinator.ID() {
			continue
		}
		if err := d.JoinGroup(ctx, coordinator.ID()); err != nil {
			o.log.Warn().Str("device", d.Name()).Err(err).Msg("prepare: join failed")
		}
	}
	o.log.Info().Str("coordinator", coordinator.Name()).Int("devices", len(devices)).
		Msg("zones grouped")
	return coordinator.Name(), nil
}

// StopAll is the operator's independent stop + unjoin action. It is not
// a session cancellation: an active monitor notices the stopped
// transport on its next poll and winds down through restoration.
func (o *Orchestrator) StopAll(ctx context.Context) error {
	devices, err := o.ctrl.Discover(ctx)
	if err != nil || len(devices) == 0 {
		return ErrNoDevices
	}
	for _, d := range devices {
		if d.IsCoordinator() {
			if err := d.Stop(ctx); err != nil {
				o.log.Warn().Str("device", d.Name()).Err(err).Msg("stop failed")
			}
		} else {
			if err := d.LeaveGroup(ctx); err != nil {
				o.log.Warn().Str("device", d.Name()).Err(err).Msg("unjoin failed")
			}
		}
	}
	return nil
}

// Busy reports whether a session is in flight.
func (o *Orchestrator) Busy() bool { return o.busy.Load() }

func electCoordinator(devices []sonos.Device) sonos.Device {
	for _, d := range devices {
		if d.IsCoordinator() {
			return d
		}
	}
	return devices[0]
}

func broadcastTitle(event string) string {
	if event == "" {
		return "Azan"
	}
	return "Azan - " + event
}

func (o *Orchestrator) notify(ctx context.Context, text string) {
	if o.notifier != nil {
		o.notifier.Notify(ctx, text)
	}
}

// sleepCtx sleeps d unless ctx is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
