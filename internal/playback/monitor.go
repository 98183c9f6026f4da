package playback

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"bilal/internal/sonos"
)

// monitor supervises a confirmed session until it ends naturally, is
// force-stopped by the watchdog, or the process shuts down. It always
// runs the restore pass and clears the session flag on the way out, so a
// new session cannot begin mid-restore.
func (o *Orchestrator) monitor(ctx context.Context, sess *session) {
	lg := o.log.With().Str("session", sess.id).Str("event", sess.event).Logger()

	defer func() {
		// Restoration must run even when ctx was cancelled by shutdown.
		rctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		o.restore(rctx, sess)
		cancel()
		o.busy.Store(false)
	}()

	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	secondaryMargin := 2 * o.cfg.TimeoutMargin

	for {
		select {
		case <-ctx.Done():
			lg.Info().Msg("monitor cancelled by shutdown")
			return
		case <-ticker.C:
		}

		tr, trErr := sess.coordinator.Transport(ctx)
		info, infoErr := sess.coordinator.Track(ctx)
		elapsed := time.Since(sess.startedAt)

		if trErr != nil {
			lg.Warn().Err(trErr).Msg("monitor poll failed")
			// Without a reported transport state the session is
			// unverifiable, even when track info still answers; only the
			// watchdog's secondary margin ends it then.
			if elapsed > sess.timeout+secondaryMargin {
				lg.Warn().Dur("elapsed", elapsed).
					Msg("watchdog: timeout in unverifiable state, forcing stop")
				o.forceStop(ctx, sess, lg)
				return
			}
			continue
		}

		onTarget := tr.URI == sess.uri || (infoErr == nil && info.URI == sess.uri)
		if infoErr == nil && onTarget && info.Position > 0 {
			sess.lastPosition = info.Position
		}

		// Natural end: the target finished, or position ran past the
		// known file duration. Both need a successful poll behind them.
		if onTarget && !tr.State.Active() {
			lg.Info().Str("state", string(tr.State)).Msg("playback finished")
			o.notify(ctx, fmt.Sprintf("Azan %s finished", sess.event))
			return
		}
		if infoErr == nil && onTarget && info.Duration > 0 && info.Position >= info.Duration {
			lg.Info().Msg("playback reached file duration")
			o.notify(ctx, fmt.Sprintf("Azan %s finished", sess.event))
			return
		}

		// Something else took over the coordinator. One bounded resume
		// per session; a second divergence is accepted as operator intent.
		if !onTarget && !sess.resumeDone {
			sess.resumeDone = true
			lg.Warn().Str("uri", tr.URI).Dur("pos", sess.lastPosition).
				Msg("broadcast interrupted, attempting single resume")
			o.resume(ctx, sess, lg)
			continue
		}

		// Watchdog.
		if elapsed > sess.timeout {
			if onTarget {
				lg.Warn().Dur("elapsed", elapsed).Dur("timeout", sess.timeout).
					Msg("watchdog: broadcast overran, forcing stop")
				o.forceStop(ctx, sess, lg)
				o.notify(ctx, fmt.Sprintf("Azan %s force-stopped by watchdog", sess.event))
				return
			}
			if elapsed > sess.timeout+secondaryMargin {
				// Cannot confirm what is playing; stop anyway as a
				// fail-safe, accepting the small risk that it is
				// unrelated playback.
				lg.Warn().Dur("elapsed", elapsed).
					Msg("watchdog: timeout in ambiguous state, forcing stop")
				o.forceStop(ctx, sess, lg)
				return
			}
		}
	}
}

// resume re-issues the broadcast once: stop, play, best-effort seek to
// the last known position, rejoin dropped members. A failed seek is
// logged and not retried, to avoid an infinite restart-from-zero loop.
func (o *Orchestrator) resume(ctx context.Context, sess *session, lg zerolog.Logger) {
	if err := sess.coordinator.Stop(ctx); err != nil {
		lg.Warn().Err(err).Msg("resume: stop failed")
	}
	if err := sess.coordinator.Play(ctx, sess.uri, &sonos.Metadata{Title: broadcastTitle(sess.event), Artist: "Bilal"}); err != nil {
		lg.Warn().Err(err).Msg("resume: replay failed")
		return
	}
	if sess.lastPosition > 0 {
		if err := sess.coordinator.Seek(ctx, sess.lastPosition); err != nil {
			lg.Warn().Err(err).Dur("pos", sess.lastPosition).Msg("resume: seek failed, continuing from start")
		}
	}
	for _, m := range sess.members {
		tr, err := m.Transport(ctx)
		if err == nil && tr.URI == sess.uri {
			continue
		}
		if err := m.JoinGroup(ctx, sess.coordinator.ID()); err != nil {
			lg.Warn().Str("device", m.Name()).Err(err).Msg("resume: rejoin failed")
		}
	}
}

// forceStop halts the coordinator and detaches members. This is a
// corrective action, not an error; the restore pass still runs afterwards.
func (o *Orchestrator) forceStop(ctx context.Context, sess *session, lg zerolog.Logger) {
	if err := sess.coordinator.Stop(ctx); err != nil {
		lg.Warn().Err(err).Msg("force stop failed")
	}
	for _, m := range sess.members {
		if err := m.LeaveGroup(ctx); err != nil {
			lg.Warn().Str("device", m.Name()).Err(err).Msg("force unjoin failed")
		}
	}
}
