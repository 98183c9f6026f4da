// Package sonos defines the speaker capability boundary: a fixed Device
// interface with typed results, implemented by an adapter over the
// control transport. The orchestrator drives this interface and never
// sees the wire protocol behind it.
package sonos

import (
	"context"
	"time"
)

type TransportState string

const (
	StatePlaying       TransportState = "PLAYING"
	StatePaused        TransportState = "PAUSED_PLAYBACK"
	StateStopped       TransportState = "STOPPED"
	StateTransitioning TransportState = "TRANSITIONING"
	StateUnknown       TransportState = "UNKNOWN"
)

// Active reports whether the state counts as in-progress playback.
func (s TransportState) Active() bool {
	return s == StatePlaying || s == StateTransitioning
}

// Transport is the result of a transport-state query.
type Transport struct {
	State TransportState
	URI   string
}

// TrackInfo describes the current track on a device.
type TrackInfo struct {
	URI      string
	Position time.Duration
	Duration time.Duration
}

// Metadata is the minimal descriptive info attached to a play command
// for on-device display.
type Metadata struct {
	Title  string `json:"title,omitempty"`
	Artist string `json:"artist,omitempty"`
}

// Device is one reachable speaker. Every call may fail independently;
// callers treat multi-device operations as best-effort per device.
type Device interface {
	ID() string
	Name() string
	// IsCoordinator reports whether the device already leads a group.
	IsCoordinator() bool

	Play(ctx context.Context, uri string, md *Metadata) error
	Stop(ctx context.Context) error
	Seek(ctx context.Context, pos time.Duration) error

	Volume(ctx context.Context) (int, error)
	SetVolume(ctx context.Context, level int) error

	Transport(ctx context.Context) (Transport, error)
	Track(ctx context.Context) (TrackInfo, error)

	JoinGroup(ctx context.Context, coordinatorID string) error
	LeaveGroup(ctx context.Context) error
}

// Controller enumerates the reachable devices.
type Controller interface {
	Discover(ctx context.Context) ([]Device, error)
}

// IsStreamURI reports whether the URI is a live stream. Streams have no
// defined seek semantics, so playback position is never restored on them.
func IsStreamURI(uri string) bool {
	for _, p := range []string{
		"x-rincon-mp3radio:",
		"x-sonosapi-stream:",
		"x-sonosapi-radio:",
		"x-sonosapi-hls:",
	} {
		if len(uri) >= len(p) && uri[:len(p)] == p {
			return true
		}
	}
	for _, suffix := range []string{".m3u8", ".aac"} {
		if len(uri) >= len(suffix) && uri[len(uri)-len(suffix):] == suffix {
			return true
		}
	}
	return false
}
