package server

import (
	"crypto/tls"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vango-dev/tether/pkg/moderation"
	"github.com/vango-dev/tether/pkg/telemetry"
	"github.com/vango-dev/tether/pkg/transport"
)

// SessionConfig holds configuration for individual sessions.
type SessionConfig struct {
	// Timeouts

	// HandshakeTimeout is the maximum time for the ClientHello to arrive.
	// Default: 5 seconds.
	HandshakeTimeout time.Duration

	// HeartbeatInterval is the time between server heartbeats. It is sent
	// to clients in ServerHello.
	// Default: 5 seconds.
	HeartbeatInterval time.Duration

	// IdleTimeout closes a connection that has received nothing, not even
	// a heartbeat, for this long. The session is detached, not destroyed.
	// Default: 20 seconds.
	IdleTimeout time.Duration

	// GracePeriod is how long a detached session waits to be resumed.
	// Default: 30 seconds.
	GracePeriod time.Duration

	// RetransmitAfter is how long unacknowledged state waits before it is
	// sent again.
	// Default: 1 second.
	RetransmitAfter time.Duration

	// Limits

	// InboundLimit bounds the inbound backlog; overflow drops the oldest
	// message.
	// Default: 100.
	InboundLimit int

	// OutboundLimit bounds each outbound class. Delta overflow collapses
	// into a single resync; control overflow drops the oldest message.
	// Default: 256.
	OutboundLimit int

	// InboundRate is the sustained number of messages per second a
	// connection may send. 0 disables the limit.
	// Default: 60.
	InboundRate float64

	// InboundBurst is the number of messages a connection may send back
	// to back.
	// Default: 120.
	InboundBurst int

	// MailboxSize is the capacity of the session actor's mailbox.
	// Default: 64.
	MailboxSize int
}

// DefaultSessionConfig returns a SessionConfig with sensible defaults.
func DefaultSessionConfig() *SessionConfig {
	return &SessionConfig{
		HandshakeTimeout:  5 * time.Second,
		HeartbeatInterval: 5 * time.Second,
		IdleTimeout:       20 * time.Second,
		GracePeriod:       30 * time.Second,
		RetransmitAfter:   time.Second,
		InboundLimit:      100,
		OutboundLimit:     256,
		InboundRate:       60,
		InboundBurst:      120,
		MailboxSize:       64,
	}
}

// Clone returns a copy of the SessionConfig.
func (c *SessionConfig) Clone() *SessionConfig {
	if c == nil {
		return nil
	}
	clone := *c
	return &clone
}

// withDefaults fills unset fields.
func (c *SessionConfig) withDefaults() *SessionConfig {
	d := DefaultSessionConfig()
	if c == nil {
		return d
	}
	out := c.Clone()
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = d.HandshakeTimeout
	}
	if out.HeartbeatInterval <= 0 {
		out.HeartbeatInterval = d.HeartbeatInterval
	}
	if out.IdleTimeout <= 0 {
		out.IdleTimeout = d.IdleTimeout
	}
	if out.GracePeriod <= 0 {
		out.GracePeriod = d.GracePeriod
	}
	if out.RetransmitAfter <= 0 {
		out.RetransmitAfter = d.RetransmitAfter
	}
	if out.InboundLimit <= 0 {
		out.InboundLimit = d.InboundLimit
	}
	if out.OutboundLimit <= 0 {
		out.OutboundLimit = d.OutboundLimit
	}
	if out.MailboxSize <= 0 {
		out.MailboxSize = d.MailboxSize
	}
	return out
}

// ServerConfig holds configuration for the server and its listeners.
type ServerConfig struct {
	// Listeners

	// Address is the HTTP address serving the WebSocket endpoint, metrics
	// and health checks. Empty disables HTTP.
	// Default: ":8080".
	Address string

	// WebSocketPath is the route upgraded to WebSocket.
	// Default: "/ws".
	WebSocketPath string

	// TCPAddress enables the length-prefixed TCP listener when set.
	TCPAddress string

	// QUICAddress enables the QUIC listener when set.
	QUICAddress string

	// TLSConfig is used by the QUIC listener. When nil a self-signed
	// certificate is generated at startup.
	TLSConfig *tls.Config

	// Transport configures connections on every listener.
	// Default: transport.DefaultConfig().
	Transport *transport.Config

	// Session configuration

	// SessionConfig is the configuration for individual sessions.
	// Default: DefaultSessionConfig().
	SessionConfig *SessionConfig

	// Limits

	// MaxSessions is the maximum number of live sessions, attached or
	// detached. New sessions beyond it are rejected.
	// 0 means no limit.
	MaxSessions int

	// MaxSessionsPerIP is the maximum number of sessions per client IP.
	// 0 means no limit.
	MaxSessionsPerIP int

	// ConnectionsPerMinute limits connection attempts per client IP.
	// 0 means no limit.
	ConnectionsPerMinute int

	// TombstoneTTL is how long the token of a session destroyed by the
	// grace sweep keeps being rejected as invalid.
	// Default: 10 minutes.
	TombstoneTTL time.Duration

	// Synchronization

	// TickInterval is how often sessions are checked for new state.
	// Default: 50 milliseconds.
	TickInterval time.Duration

	// SweepInterval is how often idle connections and expired sessions
	// are swept.
	// Default: 1 second.
	SweepInterval time.Duration

	// Server lifecycle

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	// Default: 10 seconds.
	ShutdownTimeout time.Duration

	// Integrations

	// Filter rewrites outbound Text messages. Default: none.
	Filter moderation.Filter

	// Telemetry receives operational events. Default: telemetry.Nop.
	Telemetry telemetry.Sink

	// Metrics, when set, is served on /metrics.
	Metrics prometheus.Gatherer

	// Handler receives application messages (Text, Request) from clients.
	Handler Handler

	// Logger is the base logger. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultServerConfig returns a ServerConfig with sensible defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Address:         ":8080",
		WebSocketPath:   "/ws",
		Transport:       transport.DefaultConfig(),
		SessionConfig:   DefaultSessionConfig(),
		TombstoneTTL:    10 * time.Minute,
		TickInterval:    50 * time.Millisecond,
		SweepInterval:   time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Clone returns a copy of the ServerConfig. Nested configs are copied;
// interfaces are shared.
func (c *ServerConfig) Clone() *ServerConfig {
	if c == nil {
		return nil
	}
	clone := *c
	clone.Transport = c.Transport.Clone()
	clone.SessionConfig = c.SessionConfig.Clone()
	return &clone
}

// withDefaults returns a copy with unset fields filled in.
func (c *ServerConfig) withDefaults() *ServerConfig {
	d := DefaultServerConfig()
	if c == nil {
		return d
	}
	out := c.Clone()
	if out.WebSocketPath == "" {
		out.WebSocketPath = d.WebSocketPath
	}
	if out.Transport == nil {
		out.Transport = d.Transport
	}
	out.SessionConfig = out.SessionConfig.withDefaults()
	if out.TombstoneTTL <= 0 {
		out.TombstoneTTL = d.TombstoneTTL
	}
	if out.TickInterval <= 0 {
		out.TickInterval = d.TickInterval
	}
	if out.SweepInterval <= 0 {
		out.SweepInterval = d.SweepInterval
	}
	if out.ShutdownTimeout <= 0 {
		out.ShutdownTimeout = d.ShutdownTimeout
	}
	if out.Telemetry == nil {
		out.Telemetry = telemetry.Nop{}
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}
