package playback

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"bilal/internal/sonos"
	"bilal/internal/storage"
)

type fakeDevice struct {
	mu sync.Mutex

	id          string
	name        string
	coordinator bool

	volume   int
	uri      string
	state    sonos.TransportState
	position time.Duration
	duration time.Duration
	joinedTo string

	playURIs   []string
	seeks      []time.Duration
	volumesSet []int
	stops      int
	leaves     int

	failPlay      bool
	failSnapshot  bool
	failTransport bool
}

func (d *fakeDevice) ID() string          { return d.id }
func (d *fakeDevice) Name() string        { return d.name }
func (d *fakeDevice) IsCoordinator() bool { return d.coordinator }

func (d *fakeDevice) Play(_ context.Context, uri string, _ *sonos.Metadata) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failPlay {
		return errors.New("play refused")
	}
	d.playURIs = append(d.playURIs, uri)
	d.uri = uri
	d.state = sonos.StatePlaying
	d.position = 0
	return nil
}

func (d *fakeDevice) Stop(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stops++
	d.state = sonos.StateStopped
	return nil
}

func (d *fakeDevice) Seek(_ context.Context, pos time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seeks = append(d.seeks, pos)
	d.position = pos
	return nil
}

func (d *fakeDevice) Volume(context.Context) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failSnapshot {
		return 0, errors.New("volume query failed")
	}
	return d.volume, nil
}

func (d *fakeDevice) SetVolume(_ context.Context, level int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.volumesSet = append(d.volumesSet, level)
	d.volume = level
	return nil
}

func (d *fakeDevice) Transport(context.Context) (sonos.Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failSnapshot || d.failTransport {
		return sonos.Transport{}, errors.New("transport query failed")
	}
	return sonos.Transport{State: d.state, URI: d.uri}, nil
}

func (d *fakeDevice) Track(context.Context) (sonos.TrackInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failSnapshot {
		return sonos.TrackInfo{}, errors.New("track query failed")
	}
	return sonos.TrackInfo{URI: d.uri, Position: d.position, Duration: d.duration}, nil
}

func (d *fakeDevice) JoinGroup(_ context.Context, coordinatorID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.joinedTo = coordinatorID
	return nil
}

func (d *fakeDevice) LeaveGroup(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.leaves++
	d.joinedTo = ""
	return nil
}

func (d *fakeDevice) setTransport(state sonos.TransportState, uri string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = state
	d.uri = uri
}

func (d *fakeDevice) setFailTransport(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failTransport = v
}

func (d *fakeDevice) snapshot() *fakeDevice {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := &fakeDevice{
		volume:     d.volume,
		uri:        d.uri,
		state:      d.state,
		joinedTo:   d.joinedTo,
		stops:      d.stops,
		leaves:     d.leaves,
		playURIs:   append([]string(nil), d.playURIs...),
		seeks:      append([]time.Duration(nil), d.seeks...),
		volumesSet: append([]int(nil), d.volumesSet...),
	}
	return cp
}

type fakeController struct {
	mu      sync.Mutex
	devices []sonos.Device
	err     error
}

func (c *fakeController) Discover(context.Context) ([]sonos.Device, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.devices, c.err
}

type fakeLedger struct {
	mu      sync.Mutex
	markers []storage.PlayedMarker
}

func (l *fakeLedger) HasPlayed(_ context.Context, day, event string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, m := range l.markers {
		if m.Day == day && m.Event == event {
			return true, nil
		}
	}
	return false, nil
}

func (l *fakeLedger) AppendPlayed(_ context.Context, m storage.PlayedMarker) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.markers = append(l.markers, m)
	return nil
}

func (l *fakeLedger) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.markers)
}

func testAudioURL(file string) string {
	return "http://192.168.1.2:5000/audio/" + file
}

var testConfig = Config{
	Volume:         45,
	SettleDelay:    10 * time.Millisecond,
	PollInterval:   20 * time.Millisecond,
	DefaultTimeout: 400 * time.Millisecond,
	TimeoutMargin:  40 * time.Millisecond,
}

func newTestOrchestrator(t *testing.T, ctrl sonos.Controller, ledger Ledger) *Orchestrator {
	t.Helper()
	o := New(ctrl, ledger, testAudioURL, time.UTC, testConfig, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	o.Start(ctx)
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		o.Stop(stopCtx)
		stopCancel()
		cancel()
	})
	return o
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestTriggerSkipsWhenAlreadyPlayed(t *testing.T) {
	t.Parallel()

	day := time.Now().UTC().Format("2006-01-02")
	ledger := &fakeLedger{markers: []storage.PlayedMarker{{Day: day, Event: "maghrib"}}}
	dev := &fakeDevice{id: "RINCON_1", name: "Living Room", coordinator: true}
	ctrl := &fakeController{devices: []sonos.Device{dev}}
	o := newTestOrchestrator(t, ctrl, ledger)

	res := o.Trigger(context.Background(), Request{Event: "maghrib", File: "azan.mp3"})
	if res.Status != StatusSkipped {
		t.Fatalf("status = %s, want skipped", res.Status)
	}
	if got := dev.snapshot(); len(got.playURIs) != 0 {
		t.Fatalf("skipped trigger still played: %v", got.playURIs)
	}
	if o.Busy() {
		t.Fatal("skipped trigger left the session flag set")
	}
}

func TestTriggerFailsWithoutDevices(t *testing.T) {
	t.Parallel()

	ledger := &fakeLedger{}
	ctrl := &fakeController{}
	o := newTestOrchestrator(t, ctrl, ledger)

	res := o.Trigger(context.Background(), Request{Event: "asr", File: "azan.mp3"})
	if res.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", res.Status)
	}
	if res.Reason != ErrNoDevices.Error() {
		t.Fatalf("reason = %q", res.Reason)
	}
	if o.Busy() {
		t.Fatal("failed discovery left the session flag set")
	}
	if ledger.count() != 0 {
		t.Fatal("marker written without a confirmed start")
	}
}

func TestTriggerHappyPathGroupsPlaysAndRestores(t *testing.T) {
	t.Parallel()

	coord := &fakeDevice{id: "RINCON_1", name: "Living Room", coordinator: true, volume: 20, state: sonos.StateStopped}
	member := &fakeDevice{id: "RINCON_2", name: "Kitchen", volume: 30, state: sonos.StateStopped}
	ctrl := &fakeController{devices: []sonos.Device{member, coord}}
	ledger := &fakeLedger{}
	o := newTestOrchestrator(t, ctrl, ledger)

	res := o.Trigger(context.Background(), Request{Event: "maghrib", File: "azan.mp3"})
	if res.Status != StatusStarted {
		t.Fatalf("status = %s (%s), want started", res.Status, res.Reason)
	}
	if res.SessionID == "" {
		t.Fatal("no session id")
	}

	wantURI := testAudioURL("azan.mp3")
	got := coord.snapshot()
	if len(got.playURIs) != 1 || got.playURIs[0] != wantURI {
		t.Fatalf("coordinator played %v, want %q", got.playURIs, wantURI)
	}
	if m := member.snapshot(); m.joinedTo != "RINCON_1" {
		t.Fatalf("member joined %q, want coordinator", m.joinedTo)
	}
	if got.volume != 45 || member.snapshot().volume != 45 {
		t.Fatal("broadcast volume not applied to the group")
	}
	if ledger.count() != 1 {
		t.Fatalf("markers = %d, want 1 after confirmed start", ledger.count())
	}

	// Let the broadcast end naturally, then check restoration.
	coord.setTransport(sonos.StateStopped, wantURI)
	waitFor(t, "session teardown", func() bool { return !o.Busy() })

	if got := coord.snapshot(); got.volume != 20 {
		t.Fatalf("coordinator volume restored to %d, want 20", got.volume)
	}
	m := member.snapshot()
	if m.volume != 30 {
		t.Fatalf("member volume restored to %d, want 30", m.volume)
	}
	if m.leaves == 0 {
		t.Fatal("member never left the broadcast group")
	}
}

func TestTriggerForceBypassesLedger(t *testing.T) {
	t.Parallel()

	day := time.Now().UTC().Format("2006-01-02")
	ledger := &fakeLedger{markers: []storage.PlayedMarker{{Day: day, Event: "isha"}}}
	coord := &fakeDevice{id: "RINCON_1", name: "Living Room", coordinator: true, state: sonos.StateStopped}
	ctrl := &fakeController{devices: []sonos.Device{coord}}
	o := newTestOrchestrator(t, ctrl, ledger)

	res := o.Trigger(context.Background(), Request{Event: "isha", File: "azan.mp3", Force: true})
	if res.Status != StatusStarted {
		t.Fatalf("status = %s (%s), want started", res.Status, res.Reason)
	}
	// A forced replay leaves no marker of its own.
	if ledger.count() != 1 {
		t.Fatalf("markers = %d, want the pre-existing 1", ledger.count())
	}

	coord.setTransport(sonos.StateStopped, testAudioURL("azan.mp3"))
	waitFor(t, "session teardown", func() bool { return !o.Busy() })
}

func TestTriggerRejectsConcurrentSession(t *testing.T) {
	t.Parallel()

	coord := &fakeDevice{id: "RINCON_1", name: "Living Room", coordinator: true, state: sonos.StateStopped}
	ctrl := &fakeController{devices: []sonos.Device{coord}}
	ledger := &fakeLedger{}
	o := newTestOrchestrator(t, ctrl, ledger)

	res := o.Trigger(context.Background(), Request{Event: "maghrib", File: "azan.mp3"})
	if res.Status != StatusStarted {
		t.Fatalf("first trigger: %s (%s)", res.Status, res.Reason)
	}

	res2 := o.Trigger(context.Background(), Request{Event: "isha", File: "azan.mp3"})
	if res2.Status != StatusRejected {
		t.Fatalf("second trigger = %s, want rejected", res2.Status)
	}

	coord.setTransport(sonos.StateStopped, testAudioURL("azan.mp3"))
	waitFor(t, "session teardown", func() bool { return !o.Busy() })
}

func TestTriggerStartNotConfirmed(t *testing.T) {
	t.Parallel()

	coord := &fakeDevice{id: "RINCON_1", name: "Living Room", coordinator: true, failPlay: true, state: sonos.StateStopped}
	ctrl := &fakeController{devices: []sonos.Device{coord}}
	ledger := &fakeLedger{}
	o := newTestOrchestrator(t, ctrl, ledger)

	res := o.Trigger(context.Background(), Request{Event: "fajr", File: "azan.mp3"})
	if res.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", res.Status)
	}
	if ledger.count() != 0 {
		t.Fatal("marker written for an unconfirmed start")
	}
	if o.Busy() {
		t.Fatal("failed start left the session flag set")
	}
}

func TestTriggerFailsWhenNoDeviceSnapshots(t *testing.T) {
	t.Parallel()

	coord := &fakeDevice{id: "RINCON_1", name: "Living Room", coordinator: true, failSnapshot: true}
	ctrl := &fakeController{devices: []sonos.Device{coord}}
	o := newTestOrchestrator(t, ctrl, &fakeLedger{})

	res := o.Trigger(context.Background(), Request{Event: "dhuhr", File: "azan.mp3"})
	if res.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", res.Status)
	}
	if res.Reason != ErrSnapshotFailed.Error() {
		t.Fatalf("reason = %q", res.Reason)
	}
	if o.Busy() {
		t.Fatal("failed snapshot left the session flag set")
	}
}

func TestRestoreResumesPriorFilePlayback(t *testing.T) {
	t.Parallel()

	prior := "x-file-cifs://nas/music/track.flac"
	coord := &fakeDevice{
		id: "RINCON_1", name: "Living Room", coordinator: true,
		volume: 25, uri: prior, state: sonos.StatePlaying, position: 90 * time.Second,
	}
	ctrl := &fakeController{devices: []sonos.Device{coord}}
	o := newTestOrchestrator(t, ctrl, &fakeLedger{})

	res := o.Trigger(context.Background(), Request{Event: "asr", File: "azan.mp3"})
	if res.Status != StatusStarted {
		t.Fatalf("status = %s (%s)", res.Status, res.Reason)
	}

	coord.setTransport(sonos.StateStopped, testAudioURL("azan.mp3"))
	waitFor(t, "session teardown", func() bool { return !o.Busy() })

	got := coord.snapshot()
	if len(got.playURIs) != 2 || got.playURIs[1] != prior {
		t.Fatalf("prior playback not resumed: %v", got.playURIs)
	}
	if len(got.seeks) != 1 || got.seeks[0] != 90*time.Second {
		t.Fatalf("prior position not restored: %v", got.seeks)
	}
	if got.volume != 25 {
		t.Fatalf("volume restored to %d, want 25", got.volume)
	}
}

func TestRestoreNeverSeeksStreams(t *testing.T) {
	t.Parallel()

	prior := "x-sonosapi-stream:s12345?sid=254"
	coord := &fakeDevice{
		id: "RINCON_1", name: "Living Room", coordinator: true,
		volume: 25, uri: prior, state: sonos.StatePlaying, position: 42 * time.Second,
	}
	ctrl := &fakeController{devices: []sonos.Device{coord}}
	o := newTestOrchestrator(t, ctrl, &fakeLedger{})

	res := o.Trigger(context.Background(), Request{Event: "asr", File: "azan.mp3"})
	if res.Status != StatusStarted {
		t.Fatalf("status = %s (%s)", res.Status, res.Reason)
	}

	coord.setTransport(sonos.StateStopped, testAudioURL("azan.mp3"))
	waitFor(t, "session teardown", func() bool { return !o.Busy() })

	got := coord.snapshot()
	if len(got.playURIs) != 2 || got.playURIs[1] != prior {
		t.Fatalf("prior stream not resumed: %v", got.playURIs)
	}
	if len(got.seeks) != 0 {
		t.Fatalf("seek issued on a stream: %v", got.seeks)
	}
}

func TestMonitorResumesOnceThenAccepts(t *testing.T) {
	t.Parallel()

	coord := &fakeDevice{id: "RINCON_1", name: "Living Room", coordinator: true, state: sonos.StateStopped}
	ctrl := &fakeController{devices: []sonos.Device{coord}}
	o := newTestOrchestrator(t, ctrl, &fakeLedger{})

	res := o.Trigger(context.Background(), Request{Event: "maghrib", File: "azan.mp3"})
	if res.Status != StatusStarted {
		t.Fatalf("status = %s (%s)", res.Status, res.Reason)
	}
	target := testAudioURL("azan.mp3")

	// Something else grabs the coordinator. The monitor replays the
	// broadcast exactly once.
	coord.setTransport(sonos.StatePlaying, "x-rincon-mp3radio://radio.example/live")
	waitFor(t, "single resume", func() bool {
		got := coord.snapshot()
		return len(got.playURIs) == 2 && got.playURIs[1] == target
	})

	// A second interruption is operator intent: no further replays, and
	// the watchdog eventually winds the session down.
	coord.setTransport(sonos.StatePlaying, "x-rincon-mp3radio://radio.example/live")
	waitFor(t, "session teardown", func() bool { return !o.Busy() })

	if got := coord.snapshot(); len(got.playURIs) != 2 {
		t.Fatalf("resumed more than once: %v", got.playURIs)
	}
}

func TestMonitorSurvivesTransportQueryFailure(t *testing.T) {
	t.Parallel()

	coord := &fakeDevice{
		id: "RINCON_1", name: "Living Room", coordinator: true,
		state: sonos.StateStopped, duration: time.Hour,
	}
	ctrl := &fakeController{devices: []sonos.Device{coord}}
	o := newTestOrchestrator(t, ctrl, &fakeLedger{})

	res := o.Trigger(context.Background(), Request{Event: "fajr", File: "azan.mp3"})
	if res.Status != StatusStarted {
		t.Fatalf("status = %s (%s)", res.Status, res.Reason)
	}

	// Transport queries start failing while track info still reports the
	// broadcast in flight. That is not a finished broadcast; the session
	// must stay up until the state is verifiable again.
	coord.setFailTransport(true)
	time.Sleep(8 * testConfig.PollInterval)
	if !o.Busy() {
		t.Fatal("session ended while the transport state was unverifiable")
	}
	if got := coord.snapshot(); got.stops != 0 {
		t.Fatalf("coordinator stopped %d times during transport outage", got.stops)
	}

	// Queries recover and report a real stop: now the session ends.
	coord.setFailTransport(false)
	coord.setTransport(sonos.StateStopped, testAudioURL("azan.mp3"))
	waitFor(t, "session teardown", func() bool { return !o.Busy() })
}

func TestStopAllStopsCoordinatorAndUnjoinsMembers(t *testing.T) {
	t.Parallel()

	coord := &fakeDevice{id: "RINCON_1", name: "Living Room", coordinator: true, state: sonos.StatePlaying}
	member := &fakeDevice{id: "RINCON_2", name: "Kitchen", joinedTo: "RINCON_1"}
	ctrl := &fakeController{devices: []sonos.Device{coord, member}}
	o := newTestOrchestrator(t, ctrl, &fakeLedger{})

	if err := o.StopAll(context.Background()); err != nil {
		t.Fatalf("StopAll: %v", err)
	}
	if got := coord.snapshot(); got.stops != 1 {
		t.Fatalf("coordinator stops = %d", got.stops)
	}
	if got := member.snapshot(); got.leaves != 1 || got.joinedTo != "" {
		t.Fatalf("member not unjoined: %+v", got)
	}
}

func TestPrepareGroupsDevices(t *testing.T) {
	t.Parallel()

	coord := &fakeDevice{id: "RINCON_1", name: "Living Room", coordinator: true}
	member := &fakeDevice{id: "RINCON_2", name: "Kitchen"}
	ctrl := &fakeController{devices: []sonos.Device{member, coord}}
	o := newTestOrchestrator(t, ctrl, &fakeLedger{})

	name, err := o.Prepare(context.Background())
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if name != "Living Room" {
		t.Fatalf("coordinator = %q", name)
	}
	if got := member.snapshot(); got.joinedTo != "RINCON_1" {
		t.Fatalf("member joined %q", got.joinedTo)
	}
}
