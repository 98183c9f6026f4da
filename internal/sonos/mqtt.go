package sonos

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// MQTTController implements Controller over an MQTT broker.
//
// Topic scheme (speaker agents are the other side):
//   - speakers/<id>/state   retained announce: {id, name, coordinator}
//   - speakers/<id>/cmd     command: {req_id, action, ...args}
//   - speakers/<id>/reply   reply:   {req_id, ok, error, result}
type MQTTController struct {
	client  mqtt.Client
	log     zerolog.Logger
	limiter *rate.Limiter

	discoverTimeout time.Duration
	commandTimeout  time.Duration

	mu      sync.Mutex
	pending map[string]chan commandReply

	amu      sync.Mutex
	announce map[string]announcement
}

type MQTTOptions struct {
	Broker          string
	ClientID        string
	DiscoverTimeout time.Duration // default 3s
	CommandTimeout  time.Duration // default 5s
	RatePerSec      int           // default 10
}

type announcement struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Coordinator bool   `json:"coordinator"`
	seenAt      time.Time
}

type command struct {
	ReqID  string `json:"req_id"`
	Action string `json:"action"`

	URI         string    `json:"uri,omitempty"`
	Metadata    *Metadata `json:"metadata,omitempty"`
	Level       *int      `json:"level,omitempty"`
	Position    string    `json:"position,omitempty"`
	Coordinator string    `json:"coordinator,omitempty"`
}

type commandReply struct {
	ReqID string `json:"req_id"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`

	Result struct {
		State    string `json:"state,omitempty"`
		URI      string `json:"uri,omitempty"`
		Position string `json:"position,omitempty"`
		Duration string `json:"duration,omitempty"`
		Level    int    `json:"level,omitempty"`
	} `json:"result"`
}

func NewMQTTController(opts MQTTOptions, log zerolog.Logger) (*MQTTController, error) {
	c := &MQTTController{
		log:             log,
		discoverTimeout: opts.DiscoverTimeout,
		commandTimeout:  opts.CommandTimeout,
		pending:         map[string]chan commandReply{},
		announce:        map[string]announcement{},
	}
	if c.discoverTimeout <= 0 {
		c.discoverTimeout = 3 * time.Second
	}
	if c.commandTimeout <= 0 {
		c.commandTimeout = 5 * time.Second
	}
	perSec := opts.RatePerSec
	if perSec <= 0 {
		perSec = 10
	}
	c.limiter = rate.NewLimiter(rate.Limit(perSec), perSec)

	clientID := opts.ClientID
	if clientID == "" {
		clientID = "bilald-" + uuid.NewString()[:8]
	}

	mopts := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second).
		SetOrderMatters(false)
	mopts.OnConnect = func(cl mqtt.Client) {
		log.Info().Str("broker", opts.Broker).Msg("mqtt connected")
		if tok := cl.Subscribe("speakers/+/reply", 1, c.onReply); tok.Wait() && tok.Error() != nil {
			log.Error().Err(tok.Error()).Msg("mqtt reply subscribe failed")
		}
		if tok := cl.Subscribe("speakers/+/state", 1, c.onAnnounce); tok.Wait() && tok.Error() != nil {
			log.Error().Err(tok.Error()).Msg("mqtt state subscribe failed")
		}
	}
	mopts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Msg("mqtt connection lost")
	}

	c.client = mqtt.NewClient(mopts)
	if tok := c.client.Connect(); tok.Wait() && tok.Error() != nil {
		return nil, fmt.Errorf("mqtt connect: %w", tok.Error())
	}
	return c, nil
}

func (c *MQTTController) Close() {
	c.client.Disconnect(250)
}

func (c *MQTTController) onAnnounce(_ mqtt.Client, msg mqtt.Message) {
	// An empty retained payload is the agent clearing its announcement
	// on shutdown; the device id is the middle topic segment.
	if len(msg.Payload()) == 0 {
		parts := strings.Split(msg.Topic(), "/")
		if len(parts) == 3 {
			c.amu.Lock()
			delete(c.announce, parts[1])
			c.amu.Unlock()
		}
		return
	}
	var a announcement
	if err := json.Unmarshal(msg.Payload(), &a); err != nil || a.ID == "" {
		return
	}
	a.seenAt = time.Now()
	c.amu.Lock()
	c.announce[a.ID] = a
	c.amu.Unlock()
}

func (c *MQTTController) onReply(_ mqtt.Client, msg mqtt.Message) {
	var r commandReply
	if err := json.Unmarshal(msg.Payload(), &r); err != nil || r.ReqID == "" {
		return
	}
	c.mu.Lock()
	ch := c.pending[r.ReqID]
	delete(c.pending, r.ReqID)
	c.mu.Unlock()
	if ch != nil {
		ch <- r
	}
}

// Discover waits one announce window and returns every speaker that has
// a live retained announcement, coordinators first.
func (c *MQTTController) Discover(ctx context.Context) ([]Device, error) {
	// Retained announcements arrive right after subscribe; give the
	// broker one window to deliver them on a fresh connection.
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(c.discoverTimeout):
	}

	const staleAfter = 10 * time.Minute

	c.amu.Lock()
	var coordinators, members []Device
	for _, a := range c.announce {
		if time.Since(a.seenAt) > staleAfter {
			continue
		}
		d := &mqttDevice{ctrl: c, id: a.ID, name: a.Name, coordinator: a.Coordinator}
		if a.Coordinator {
			coordinators = append(coordinators, d)
		} else {
			members = append(members, d)
		}
	}
	c.amu.Unlock()

	return append(coordinators, members...), nil
}

func (c *MQTTController) request(ctx context.Context, deviceID string, cmd command) (commandReply, error) {
	cmd.ReqID = uuid.NewString()

	if err := c.limiter.Wait(ctx); err != nil {
		return commandReply{}, err
	}

	payload, err := json.Marshal(cmd)
	if err != nil {
		return commandReply{}, err
	}

	ch := make(chan commandReply, 1)
	c.mu.Lock()
	c.pending[cmd.ReqID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, cmd.ReqID)
		c.mu.Unlock()
	}()

	topic := fmt.Sprintf("speakers/%s/cmd", deviceID)
	tok := c.client.Publish(topic, 1, false, payload)
	if tok.Wait() && tok.Error() != nil {
		return commandReply{}, fmt.Errorf("publish %s: %w", topic, tok.Error())
	}

	timer := time.NewTimer(c.commandTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return commandReply{}, ctx.Err()
	case <-timer.C:
		return commandReply{}, fmt.Errorf("device %s: %s timed out", deviceID, cmd.Action)
	case r := <-ch:
		if !r.OK {
			return commandReply{}, fmt.Errorf("device %s: %s: %s", deviceID, cmd.Action, r.Error)
		}
		return r, nil
	}
}

type mqttDevice struct {
	ctrl        *MQTTController
	id          string
	name        string
	coordinator bool
}

func (d *mqttDevice) ID() string          { return d.id }
func (d *mqttDevice) Name() string        { return d.name }
func (d *mqttDevice) IsCoordinator() bool { return d.coordinator }

func (d *mqttDevice) Play(ctx context.Context, uri string, md *Metadata) error {
	_, err := d.ctrl.request(ctx, d.id, command{Action: "play", URI: uri, Metadata: md})
	return err
}

func (d *mqttDevice) Stop(ctx context.Context) error {
	_, err := d.ctrl.request(ctx, d.id, command{Action: "stop"})
	return err
}

func (d *mqttDevice) Seek(ctx context.Context, pos time.Duration) error {
	_, err := d.ctrl.request(ctx, d.id, command{Action: "seek", Position: FormatClock(pos)})
	return err
}

func (d *mqttDevice) Volume(ctx context.Context) (int, error) {
	r, err := d.ctrl.request(ctx, d.id, command{Action: "get_volume"})
	if err != nil {
		return 0, err
	}
	return r.Result.Level, nil
}

func (d *mqttDevice) SetVolume(ctx context.Context, level int) error {
	_, err := d.ctrl.request(ctx, d.id, command{Action: "set_volume", Level: &level})
	return err
}

func (d *mqttDevice) Transport(ctx context.Context) (Transport, error) {
	r, err := d.ctrl.request(ctx, d.id, command{Action: "transport"})
	if err != nil {
		return Transport{}, err
	}
	state := TransportState(r.Result.State)
	switch state {
	case StatePlaying, StatePaused, StateStopped, StateTransitioning:
	default:
		state = StateUnknown
	}
	return Transport{State: state, URI: r.Result.URI}, nil
}

func (d *mqttDevice) Track(ctx context.Context) (TrackInfo, error) {
	r, err := d.ctrl.request(ctx, d.id, command{Action: "track"})
	if err != nil {
		return TrackInfo{}, err
	}
	info := TrackInfo{URI: r.Result.URI}
	if pos, perr := ParseClock(r.Result.Position); perr == nil {
		info.Position = pos
	}
	if dur, derr := ParseClock(r.Result.Duration); derr == nil {
		info.Duration = dur
	}
	return info, nil
}

func (d *mqttDevice) JoinGroup(ctx context.Context, coordinatorID string) error {
	_, err := d.ctrl.request(ctx, d.id, command{Action: "join", Coordinator: coordinatorID})
	return err
}

func (d *mqttDevice) LeaveGroup(ctx context.Context) error {
	_, err := d.ctrl.request(ctx, d.id, command{Action: "leave"})
	return err
}
