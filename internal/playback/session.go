package playback

import (
	"context"
	"time"

	"bilal/internal/sonos"
)

// zoneSnapshot captures one device's state at session start so it can be
// put back afterwards. Held in memory only, discarded after restoration.
type zoneSnapshot struct {
	device sonos.Device

	volume     int
	hasVolume  bool
	uri        string
	position   time.Duration
	state      sonos.TransportState
	wasPlaying bool
}

// session is one complete broadcast lifecycle, owned exclusively by the
// monitoring goroutine that supervises it.
type session struct {
	id    string
	event string
	day   string
	file  string
	uri   string

	coordinator sonos.Device
	members     []sonos.Device
	snapshots   map[string]*zoneSnapshot

	startedAt time.Time
	timeout   time.Duration

	// lastPosition is the most recent confirmed broadcast position,
	// used as the resume seek target.
	lastPosition time.Duration
	resumeDone   bool
}

// capture snapshots every reachable device. Per-device failures are
// tolerated; the caller aborts only when no device could be captured.
func (o *Orchestrator) capture(ctx context.Context, devices []sonos.Device) map[string]*zoneSnapshot {
	snaps := make(map[string]*zoneSnapshot, len(devices))
	for _, d := range devices {
		snap := &zoneSnapshot{device: d, state: sonos.StateUnknown}
		ok := false

		if v, err := d.Volume(ctx); err == nil {
			snap.volume = v
			snap.hasVolume = true
			ok = true
		} else {
			o.log.Warn().Str("device", d.Name()).Err(err).Msg("snapshot: volume query failed")
		}
		if tr, err := d.Transport(ctx); err == nil {
			snap.state = tr.State
			snap.uri = tr.URI
			snap.wasPlaying = tr.State.Active()
			ok = true
		} else {
			o.log.Warn().Str("device", d.Name()).Err(err).Msg("snapshot: transport query failed")
		}
		if snap.wasPlaying {
			if info, err := d.Track(ctx); err == nil {
				if info.URI != "" {
					snap.uri = info.URI
				}
				snap.position = info.Position
			}
		}

		if ok {
			snaps[d.ID()] = snap
		}
	}
	return snaps
}

// restore puts every snapshotted device back: volume first, then group
// membership, then prior playback. Seeking is skipped for stream URIs.
// Each step is best-effort per device.
func (o *Orchestrator) restore(ctx context.Context, sess *session) {
	for id, snap := range sess.snapshots {
		d := snap.device
		lg := o.log.With().Str("session", sess.id).Str("device", d.Name()).Logger()

		if snap.hasVolume {
			if err := d.SetVolume(ctx, snap.volume); err != nil {
				lg.Warn().Err(err).Msg("restore: set volume failed")
			}
		}
		if id != sess.coordinator.ID() {
			if err := d.LeaveGroup(ctx); err != nil {
				lg.Warn().Err(err).Msg("restore: leave group failed")
			}
		}
		if snap.wasPlaying && snap.uri != "" && snap.uri != sess.uri {
			if err := d.Play(ctx, snap.uri, nil); err != nil {
				lg.Warn().Err(err).Msg("restore: prior playback failed")
				continue
			}
			if !sonos.IsStreamURI(snap.uri) && snap.position > 0 {
				if err := d.Seek(ctx, snap.position); err != nil {
					lg.Warn().Err(err).Dur("pos", snap.position).Msg("restore: seek failed")
				}
			}
		}
	}
	o.log.Info().Str("session", sess.id).Msg("device state restored")
}
