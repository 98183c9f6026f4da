package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

// Config is the on-disk YAML configuration.
//
// All duration fields are Go duration strings (e.g. "5m", "3s").
// Validate() must pass before the config is used.
type Config struct {
	Timezone string         `yaml:"timezone"`
	Location LocationConfig `yaml:"location"`

	// Events lists the named daily events, in firing order.
	// Empty means the standard five prayers.
	Events []string `yaml:"events,omitempty"`

	Audio     AudioConfig     `yaml:"audio"`
	Playback  PlaybackConfig  `yaml:"playback"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Storage   StorageConfig   `yaml:"storage"`
	Leader    LeaderConfig    `yaml:"leader"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	HTTP      HTTPConfig      `yaml:"http"`
	Logging   LoggingConfig   `yaml:"logging"`
	Notify    NotifyConfig    `yaml:"notify,omitempty"`
}

type LocationConfig struct {
	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`
	// Method is the calculation method passed to the time source
	// (e.g. "MWL", "ISNA", "Makkah").
	Method string `yaml:"method"`
}

type AudioConfig struct {
	// Dir holds the broadcast audio files served under /audio/.
	Dir         string `yaml:"dir"`
	DefaultFile string `yaml:"default_file"`
	// BaseURL overrides the advertised audio URL prefix. If empty, the
	// server derives http://<local-ip>:<port> from the HTTP listen address.
	BaseURL string `yaml:"base_url,omitempty"`
}

type PlaybackConfig struct {
	// Volume is the fixed broadcast volume applied to the group.
	Volume int `yaml:"volume"`

	SettleDelay    string `yaml:"settle_delay,omitempty"`     // default "2s"
	PollInterval   string `yaml:"poll_interval,omitempty"`    // default "3s"
	DefaultTimeout string `yaml:"default_timeout,omitempty"`  // default "5m"
	TimeoutMargin  string `yaml:"timeout_margin,omitempty"`   // default "30s"
}

type SchedulerConfig struct {
	Enabled bool `yaml:"enabled"`

	// DailyAt is the HH:MM local time of the daily rescheduling pass.
	DailyAt string `yaml:"daily_at,omitempty"` // default "00:05"

	// PrepareLead is how long before the event the prepare job fires.
	PrepareLead string `yaml:"prepare_lead,omitempty"` // default "1m"

	// Tolerance is the played-marker match window around a slot time.
	Tolerance string `yaml:"tolerance,omitempty"` // default "5m"

	RecoveryInterval     string `yaml:"recovery_interval,omitempty"`      // default "5m"
	RecoveryMaxAttempts  int    `yaml:"recovery_max_attempts,omitempty"`  // default 6
	RecoverySlowInterval string `yaml:"recovery_slow_interval,omitempty"` // default "1h"
}

type StorageConfig struct {
	Path        string `yaml:"path"`
	BusyTimeout string `yaml:"busy_timeout,omitempty"`
	// Retention bounds played-marker history. Default "720h" (30 days).
	Retention string `yaml:"retention,omitempty"`
}

type LeaderConfig struct {
	// Backend selects the election mechanism: "flock" (default) or "redis".
	Backend  string `yaml:"backend,omitempty"`
	Resource string `yaml:"resource,omitempty"` // default "bilal-scheduler"

	// Path is the lock directory for the flock backend. Default is the
	// storage file's directory.
	Path string `yaml:"path,omitempty"`

	Redis RedisConfig `yaml:"redis,omitempty"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr,omitempty"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	// TTL caps how long a crashed holder can shadow the lock.
	TTL string `yaml:"ttl,omitempty"` // default "24h"
}

type MQTTConfig struct {
	Broker   string `yaml:"broker"` // e.g. "tcp://127.0.0.1:1883"
	ClientID string `yaml:"client_id,omitempty"`

	DiscoverTimeout string `yaml:"discover_timeout,omitempty"` // default "3s"
	CommandTimeout  string `yaml:"command_timeout,omitempty"`  // default "5s"
	// RatePerSec throttles outbound device commands.
	RatePerSec int `yaml:"rate_per_sec,omitempty"` // default 10
}

type HTTPConfig struct {
	Addr        string   `yaml:"addr,omitempty"` // default ":5000"
	CORSOrigins []string `yaml:"cors_origins,omitempty"`
}

type LoggingConfig struct {
	Level   string      `yaml:"level,omitempty"` // default "info"
	Console bool        `yaml:"console"`
	File    LoggingFile `yaml:"file,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path,omitempty"`
}

type NotifyConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token,omitempty"`
	ChatID  int64  `yaml:"chat_id,omitempty"`
}

// DefaultEvents are the five daily prayers in firing order.
var DefaultEvents = []string{"fajr", "dhuhr", "asr", "maghrib", "isha"}

// Load reads, decodes and validates the YAML config at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes config bytes strictly: unknown keys are an error so typos
// are caught at load time instead of silently ignored.
func Parse(b []byte) (*Config, error) {
	dec := yaml.NewDecoder(strings.NewReader(string(b)))
	dec.KnownFields(true)
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			return fmt.Errorf("timezone: %w", err)
		}
	}
	if c.Location.Latitude < -90 || c.Location.Latitude > 90 {
		return errors.New("location.latitude out of range")
	}
	if c.Location.Longitude < -180 || c.Location.Longitude > 180 {
		return errors.New("location.longitude out of range")
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return errors.New("storage.path is required")
	}
	if strings.TrimSpace(c.MQTT.Broker) == "" {
		return errors.New("mqtt.broker is required")
	}
	if c.Playback.Volume < 0 || c.Playback.Volume > 100 {
		return errors.New("playback.volume must be 0..100")
	}
	if c.Scheduler.DailyAt != "" {
		if _, _, err := ParseHHMM(c.Scheduler.DailyAt); err != nil {
			return fmt.Errorf("scheduler.daily_at: %w", err)
		}
	}
	switch strings.TrimSpace(c.Leader.Backend) {
	case "", "flock", "redis":
	default:
		return fmt.Errorf("leader.backend: unknown backend %q", c.Leader.Backend)
	}
	if c.Leader.Backend == "redis" && strings.TrimSpace(c.Leader.Redis.Addr) == "" {
		return errors.New("leader.redis.addr is required for the redis backend")
	}
	for _, f := range []struct {
		path string
		raw  string
	}{
		{"playback.settle_delay", c.Playback.SettleDelay},
		{"playback.poll_interval", c.Playback.PollInterval},
		{"playback.default_timeout", c.Playback.DefaultTimeout},
		{"playback.timeout_margin", c.Playback.TimeoutMargin},
		{"scheduler.prepare_lead", c.Scheduler.PrepareLead},
		{"scheduler.tolerance", c.Scheduler.Tolerance},
		{"scheduler.recovery_interval", c.Scheduler.RecoveryInterval},
		{"scheduler.recovery_slow_interval", c.Scheduler.RecoverySlowInterval},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"storage.retention", c.Storage.Retention},
		{"leader.redis.ttl", c.Leader.Redis.TTL},
		{"mqtt.discover_timeout", c.MQTT.DiscoverTimeout},
		{"mqtt.command_timeout", c.MQTT.CommandTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	if c.Notify.Enabled && strings.TrimSpace(c.Notify.Token) == "" {
		return errors.New("notify.token is required when notify.enabled")
	}
	return nil
}

// EventNames returns the configured event list or the default five.
func (c *Config) EventNames() []string {
	if len(c.Events) > 0 {
		return c.Events
	}
	return DefaultEvents
}

// Location resolves the configured timezone, falling back to time.Local.
func (c *Config) TimeLocation() *time.Location {
	tz := strings.TrimSpace(c.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Local
	}
	return loc
}
