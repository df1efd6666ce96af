package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/caarlos0/env/v11"

	"github.com/vango-dev/tether/internal/logging"
	"github.com/vango-dev/tether/pkg/moderation"
	"github.com/vango-dev/tether/pkg/server"
	"github.com/vango-dev/tether/pkg/transport"
)

const (
	// ConfigFileName is the name of the optional configuration file.
	ConfigFileName = "tether.json"

	// EnvPrefix prefixes every environment variable.
	EnvPrefix = "TETHER_"

	// DefaultHTTPAddress is the default address of the HTTP listener.
	DefaultHTTPAddress = ":8080"

	// DefaultRedisChannel is the default telemetry pub/sub channel.
	DefaultRedisChannel = "tether:telemetry"
)

// Duration is a time.Duration written as a Go duration string ("5s") in
// both JSON and the environment.
type Duration time.Duration

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Config is the complete daemon configuration.
type Config struct {
	// Listen contains listener configuration.
	Listen ListenConfig `json:"listen" envPrefix:"LISTEN_"`

	// Session contains per-session timing and queue configuration.
	Session SessionConfig `json:"session" envPrefix:"SESSION_"`

	// Limits contains admission limits.
	Limits LimitsConfig `json:"limits" envPrefix:"LIMIT_"`

	// World contains state publishing configuration.
	World WorldConfig `json:"world" envPrefix:"WORLD_"`

	// Log contains logging configuration.
	Log LogConfig `json:"log" envPrefix:"LOG_"`

	// Telemetry contains metrics, tracing and event export configuration.
	Telemetry TelemetryConfig `json:"telemetry" envPrefix:"TELEMETRY_"`

	// Moderation contains the outbound text filter configuration.
	Moderation ModerationConfig `json:"moderation" envPrefix:"MODERATION_"`

	// configPath stores the path where the config was loaded from.
	configPath string
}

// ListenConfig contains listener configuration.
type ListenConfig struct {
	// HTTP is the address serving WebSocket, /healthz and /metrics.
	// Empty disables HTTP.
	HTTP string `json:"http" env:"HTTP"`

	// WebSocketPath is the WebSocket endpoint path.
	WebSocketPath string `json:"websocketPath" env:"WS_PATH"`

	// TCP is the address of the length-prefixed stream listener.
	TCP string `json:"tcp,omitempty" env:"TCP"`

	// QUIC is the UDP address of the QUIC stream listener.
	QUIC string `json:"quic,omitempty" env:"QUIC"`

	// CertFile and KeyFile hold the QUIC TLS certificate. Without them a
	// self-signed certificate is generated.
	CertFile string `json:"certFile,omitempty" env:"CERT_FILE"`
	KeyFile  string `json:"keyFile,omitempty" env:"KEY_FILE"`

	// TrustedProxies lists proxy IPs or CIDRs whose forwarding headers are
	// believed.
	TrustedProxies []string `json:"trustedProxies,omitempty" env:"TRUSTED_PROXIES"`

	// AllowAnyOrigin disables the WebSocket same-origin check.
	AllowAnyOrigin bool `json:"allowAnyOrigin,omitempty" env:"ALLOW_ANY_ORIGIN"`

	// MaxFrameSize is the largest inbound frame accepted, in bytes.
	MaxFrameSize int `json:"maxFrameSize" env:"MAX_FRAME_SIZE"`
}

// SessionConfig contains per-session configuration.
type SessionConfig struct {
	HandshakeTimeout  Duration `json:"handshakeTimeout" env:"HANDSHAKE_TIMEOUT"`
	HeartbeatInterval Duration `json:"heartbeatInterval" env:"HEARTBEAT_INTERVAL"`
	IdleTimeout       Duration `json:"idleTimeout" env:"IDLE_TIMEOUT"`
	GracePeriod       Duration `json:"gracePeriod" env:"GRACE_PERIOD"`
	RetransmitAfter   Duration `json:"retransmitAfter" env:"RETRANSMIT_AFTER"`

	// InboundLimit bounds the inbound backlog; the oldest is dropped.
	InboundLimit int `json:"inboundLimit" env:"INBOUND_LIMIT"`

	// OutboundLimit bounds pending deltas before they collapse into a
	// resync.
	OutboundLimit int `json:"outboundLimit" env:"OUTBOUND_LIMIT"`

	// InboundRate and InboundBurst limit messages per second per
	// connection. A rate of 0 disables the limit.
	InboundRate  float64 `json:"inboundRate" env:"INBOUND_RATE"`
	InboundBurst int     `json:"inboundBurst" env:"INBOUND_BURST"`
}

// LimitsConfig contains admission limits. Zero means unlimited.
type LimitsConfig struct {
	MaxSessions          int `json:"maxSessions" env:"MAX_SESSIONS"`
	MaxSessionsPerIP     int `json:"maxSessionsPerIP" env:"MAX_SESSIONS_PER_IP"`
	ConnectionsPerMinute int `json:"connectionsPerMinute" env:"CONNECTIONS_PER_MINUTE"`
}

// WorldConfig contains state publishing configuration.
type WorldConfig struct {
	// Retention is the number of versions of history kept for deltas.
	Retention int `json:"retention" env:"RETENTION"`

	// TickInterval is how often sessions are pumped.
	TickInterval Duration `json:"tickInterval" env:"TICK_INTERVAL"`

	// SweepInterval is how often idle connections and expired sessions
	// are collected.
	SweepInterval Duration `json:"sweepInterval" env:"SWEEP_INTERVAL"`

	// TombstoneTTL is how long expired session tokens stay rejected.
	TombstoneTTL Duration `json:"tombstoneTTL" env:"TOMBSTONE_TTL"`

	// ShutdownTimeout bounds graceful HTTP shutdown.
	ShutdownTimeout Duration `json:"shutdownTimeout" env:"SHUTDOWN_TIMEOUT"`
}

// LogConfig contains logging configuration.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `json:"level" env:"LEVEL"`

	// Format is "json" or "console".
	Format string `json:"format" env:"FORMAT"`
}

// TelemetryConfig contains telemetry configuration.
type TelemetryConfig struct {
	// Metrics enables the Prometheus sink and /metrics.
	Metrics bool `json:"metrics" env:"METRICS"`

	// Tracing enables OpenTelemetry spans for session events.
	Tracing bool `json:"tracing" env:"TRACING"`

	// RedisURL enables publishing events to Redis, e.g.
	// redis://localhost:6379/0.
	RedisURL string `json:"redisURL,omitempty" env:"REDIS_URL"`

	// RedisChannel is the pub/sub channel events are published on.
	RedisChannel string `json:"redisChannel" env:"REDIS_CHANNEL"`

	// LogEvents logs every event at debug level.
	LogEvents bool `json:"logEvents,omitempty" env:"LOG_EVENTS"`
}

// ModerationConfig contains outbound text filter configuration.
type ModerationConfig struct {
	Enabled      bool     `json:"enabled" env:"ENABLED"`
	BlockedWords []string `json:"blockedWords,omitempty" env:"BLOCKED_WORDS"`
	Mask         string   `json:"mask,omitempty" env:"MASK"`
	MaxLength    int      `json:"maxLength,omitempty" env:"MAX_LENGTH"`
}

// New returns a Config with default values.
func New() *Config {
	sd := server.DefaultServerConfig()
	ss := sd.SessionConfig
	return &Config{
		Listen: ListenConfig{
			HTTP:          DefaultHTTPAddress,
			WebSocketPath: sd.WebSocketPath,
			MaxFrameSize:  transport.MaxFrameSize,
		},
		Session: SessionConfig{
			HandshakeTimeout:  Duration(ss.HandshakeTimeout),
			HeartbeatInterval: Duration(ss.HeartbeatInterval),
			IdleTimeout:       Duration(ss.IdleTimeout),
			GracePeriod:       Duration(ss.GracePeriod),
			RetransmitAfter:   Duration(ss.RetransmitAfter),
			InboundLimit:      ss.InboundLimit,
			OutboundLimit:     ss.OutboundLimit,
			InboundRate:       ss.InboundRate,
			InboundBurst:      ss.InboundBurst,
		},
		World: WorldConfig{
			Retention:       64,
			TickInterval:    Duration(sd.TickInterval),
			SweepInterval:   Duration(sd.SweepInterval),
			TombstoneTTL:    Duration(sd.TombstoneTTL),
			ShutdownTimeout: Duration(sd.ShutdownTimeout),
		},
		Log: LogConfig{
			Level:  "info",
			Format: string(logging.FormatJSON),
		},
		Telemetry: TelemetryConfig{
			Metrics:      true,
			RedisChannel: DefaultRedisChannel,
		},
		Moderation: ModerationConfig{
			Enabled: true,
		},
	}
}

// Load builds the configuration: defaults, then the file at path if it
// exists, then TETHER_* environment variables. An empty path looks for
// tether.json in the working directory.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = ConfigFileName
	}

	cfg := New()
	if _, err := os.Stat(path); err == nil || explicit {
		if cfg, err = LoadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(nil); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads configuration from the specified file path on top of the
// defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := New()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", filepath.Base(path), err)
	}
	cfg.configPath = path
	return cfg, nil
}

// ApplyEnv overrides fields from TETHER_* variables. A nil environ reads
// the process environment.
func (c *Config) ApplyEnv(environ map[string]string) error {
	opts := env.Options{Prefix: EnvPrefix, Environment: environ}
	if err := env.ParseWithOptions(c, opts); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Path returns the file the config was loaded from, if any.
func (c *Config) Path() string {
	return c.configPath
}

// SaveTo writes the configuration to the specified path.
func (c *Config) SaveTo(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0644)
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	var errs []error
	if c.Listen.HTTP == "" && c.Listen.TCP == "" && c.Listen.QUIC == "" {
		errs = append(errs, errors.New("config: no listener configured"))
	}
	if c.Listen.HTTP != "" && !strings.HasPrefix(c.Listen.WebSocketPath, "/") {
		errs = append(errs, fmt.Errorf("config: websocket path %q must start with /", c.Listen.WebSocketPath))
	}
	if (c.Listen.CertFile == "") != (c.Listen.KeyFile == "") {
		errs = append(errs, errors.New("config: certFile and keyFile must be set together"))
	}
	if c.Listen.MaxFrameSize < 0 {
		errs = append(errs, errors.New("config: maxFrameSize must not be negative"))
	}
	for name, d := range map[string]Duration{
		"handshakeTimeout":  c.Session.HandshakeTimeout,
		"heartbeatInterval": c.Session.HeartbeatInterval,
		"idleTimeout":       c.Session.IdleTimeout,
		"gracePeriod":       c.Session.GracePeriod,
		"tickInterval":      c.World.TickInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("config: %s must be positive", name))
		}
	}
	if c.Session.IdleTimeout <= c.Session.HeartbeatInterval {
		errs = append(errs, errors.New("config: idleTimeout must exceed heartbeatInterval"))
	}
	if c.World.Retention < 1 {
		errs = append(errs, errors.New("config: world retention must be at least 1"))
	}
	if c.Session.InboundRate < 0 {
		errs = append(errs, errors.New("config: inboundRate must not be negative"))
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("config: %w", err))
	}
	switch logging.Format(c.Log.Format) {
	case logging.FormatJSON, logging.FormatConsole:
	default:
		errs = append(errs, fmt.Errorf("config: invalid log format %q", c.Log.Format))
	}
	if c.Moderation.Mask != "" && utf8.RuneCountInString(c.Moderation.Mask) != 1 {
		errs = append(errs, fmt.Errorf("config: mask %q must be a single character", c.Moderation.Mask))
	}
	return errors.Join(errs...)
}

// ServerConfig maps the configuration onto a server.ServerConfig. The
// caller supplies the logger, telemetry sink, metrics gatherer, TLS and
// handler.
func (c *Config) ServerConfig() *server.ServerConfig {
	sc := server.DefaultServerConfig()
	sc.Address = c.Listen.HTTP
	sc.WebSocketPath = c.Listen.WebSocketPath
	sc.TCPAddress = c.Listen.TCP
	sc.QUICAddress = c.Listen.QUIC

	sc.Transport.MaxFrameSize = c.Listen.MaxFrameSize
	sc.Transport.TrustedProxies = append([]string(nil), c.Listen.TrustedProxies...)
	if c.Listen.AllowAnyOrigin {
		sc.Transport.CheckOrigin = func(*http.Request) bool { return true }
	}

	sc.SessionConfig = &server.SessionConfig{
		HandshakeTimeout:  time.Duration(c.Session.HandshakeTimeout),
		HeartbeatInterval: time.Duration(c.Session.HeartbeatInterval),
		IdleTimeout:       time.Duration(c.Session.IdleTimeout),
		GracePeriod:       time.Duration(c.Session.GracePeriod),
		RetransmitAfter:   time.Duration(c.Session.RetransmitAfter),
		InboundLimit:      c.Session.InboundLimit,
		OutboundLimit:     c.Session.OutboundLimit,
		InboundRate:       c.Session.InboundRate,
		InboundBurst:      c.Session.InboundBurst,
	}

	sc.MaxSessions = c.Limits.MaxSessions
	sc.MaxSessionsPerIP = c.Limits.MaxSessionsPerIP
	sc.ConnectionsPerMinute = c.Limits.ConnectionsPerMinute

	sc.TickInterval = time.Duration(c.World.TickInterval)
	sc.SweepInterval = time.Duration(c.World.SweepInterval)
	sc.TombstoneTTL = time.Duration(c.World.TombstoneTTL)
	sc.ShutdownTimeout = time.Duration(c.World.ShutdownTimeout)

	if c.Moderation.Enabled {
		sc.Filter = moderation.NewNormalizer(c.NormalizerConfig())
	}
	return sc
}

// NormalizerConfig returns the moderation filter configuration.
func (c *Config) NormalizerConfig() moderation.NormalizerConfig {
	nc := moderation.NormalizerConfig{
		Blocked:   append([]string(nil), c.Moderation.BlockedWords...),
		MaxLength: c.Moderation.MaxLength,
	}
	if r, _ := utf8.DecodeRuneInString(c.Moderation.Mask); r != utf8.RuneError {
		nc.Mask = r
	}
	return nc
}
