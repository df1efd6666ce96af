package server

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/quic-go/quic-go"
	"golang.org/x/sync/errgroup"

	"github.com/vango-dev/tether/internal/ratelimit"
	"github.com/vango-dev/tether/pkg/dispatch"
	"github.com/vango-dev/tether/pkg/protocol"
	"github.com/vango-dev/tether/pkg/statesync"
	"github.com/vango-dev/tether/pkg/telemetry"
	"github.com/vango-dev/tether/pkg/transport"
)

// Server accepts client connections on its transports, binds them to
// sessions and keeps every session in sync with a World.
type Server struct {
	world      *statesync.World
	registry   *Registry
	dispatcher *dispatch.Dispatcher
	config     *ServerConfig
	codec      protocol.Codec

	ipLimiter *ratelimit.IPLimiter
	conns     *connSet

	logger *slog.Logger
}

// New creates a Server publishing world to its clients.
func New(world *statesync.World, config *ServerConfig) *Server {
	config = config.withDefaults()
	logger := config.Logger.With("component", "server")

	s := &Server{
		world:      world,
		config:     config,
		codec:      protocol.DefaultCodec,
		dispatcher: dispatch.New(config.Telemetry),
		conns:      newConnSet(),
		logger:     logger,
	}
	if config.ConnectionsPerMinute > 0 {
		s.ipLimiter = ratelimit.NewIPLimiter(config.ConnectionsPerMinute, time.Minute)
	}
	s.registry = newRegistry(s)
	return s
}

// World returns the authoritative state the server publishes.
func (s *Server) World() *statesync.World { return s.world }

// Sessions returns the session registry.
func (s *Server) Sessions() *Registry { return s.registry }

// Dispatcher returns the message router.
func (s *Server) Dispatcher() *dispatch.Dispatcher { return s.dispatcher }

// Config returns the server configuration.
func (s *Server) Config() *ServerConfig { return s.config }

// Logger returns the server logger.
func (s *Server) Logger() *slog.Logger { return s.logger }

// Accept takes ownership of a new connection. It returns immediately;
// the handshake and the read loop run on their own goroutine.
func (s *Server) Accept(conn transport.Conn) {
	go s.serveConn(conn)
}

func (s *Server) serveConn(conn transport.Conn) {
	defer conn.Close()
	logger := s.logger.With("conn_id", conn.ID(), "transport", conn.Kind().String())
	ip := transport.RemoteIP(conn)

	if !s.ipLimiter.Allow(ip) {
		logger.Warn("connection rate limited", "ip", ip)
		s.config.Telemetry.Emit(telemetry.Event{
			Kind: telemetry.RateLimited, Transport: conn.Kind().String(), Value: 1, Time: time.Now(),
		})
		s.reject(conn, protocol.HandshakeRateLimited)
		return
	}

	next, stop := iter.Pull2(conn.Receive())
	defer stop()

	session, err := s.handshake(conn, next)
	if err != nil {
		logger.Debug("handshake failed", "ip", ip, "error", err)
		return
	}

	if err := s.dispatcher.Bind(conn.ID(), session.id); err != nil {
		// Destroyed between BeginSession and here.
		return
	}
	s.conns.add(conn)
	defer func() {
		s.conns.remove(conn.ID())
		s.registry.Detach(session.id, conn.ID())
	}()

	s.readLoop(conn, session, next, logger)
}

// handshake waits for the ClientHello and begins the session. Failures are
// answered with a rejecting ServerHello.
func (s *Server) handshake(conn transport.Conn, next func() ([]byte, error, bool)) (*Session, error) {
	timer := time.AfterFunc(s.config.SessionConfig.HandshakeTimeout, func() { conn.Close() })
	frame, err, ok := next()
	if !timer.Stop() {
		return nil, ErrHandshakeTimeout
	}
	if !ok {
		return nil, ErrInvalidHandshake
	}
	if err != nil {
		return nil, err
	}
	s.emitFrame(telemetry.BytesReceived, "", conn, len(frame))

	msg, err := s.codec.Decode(frame)
	if err != nil {
		status := protocol.HandshakeInvalidFormat
		var de *protocol.DecodingError
		if errors.As(err, &de) && de.Kind == protocol.VersionMismatch {
			status = protocol.HandshakeProtocolVersionUnsupported
		}
		s.reject(conn, status)
		return nil, fmt.Errorf("%w: %w", ErrInvalidHandshake, err)
	}
	hello, isHello := msg.(*protocol.ClientHello)
	if !isHello {
		s.reject(conn, protocol.HandshakeInvalidFormat)
		return nil, fmt.Errorf("%w: got %s", ErrInvalidHandshake, msg.Tag())
	}

	session, err := s.registry.BeginSession(hello, conn)
	if err != nil {
		s.reject(conn, handshakeStatus(err))
		return nil, err
	}
	return session, nil
}

// reject answers a failed handshake.
func (s *Server) reject(conn transport.Conn, status protocol.HandshakeStatus) {
	data, err := s.codec.Encode(protocol.NewHandshakeError(status))
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if conn.Send(ctx, data) == nil {
		s.emitFrame(telemetry.BytesSent, "", conn, len(data))
	}
}

// readLoop decodes frames from conn and routes them to session until the
// connection ends or sends something fatal.
func (s *Server) readLoop(conn transport.Conn, session *Session, next func() ([]byte, error, bool), logger *slog.Logger) {
	sc := s.config.SessionConfig
	limiter := ratelimit.NewInboundLimiter(sc.InboundRate, sc.InboundBurst)

	for {
		frame, err, ok := next()
		if !ok {
			return
		}
		if err != nil {
			logger.Warn("receive failed", "session_id", session.id, "error", err)
			return
		}
		s.emitFrame(telemetry.BytesReceived, session.id, conn, len(frame))

		if allowed, warn := limiter.Allow(time.Now()); !allowed {
			s.emit(telemetry.RateLimited, session, 1)
			if warn {
				logger.Warn("inbound rate limited", "session_id", session.id, "dropped", limiter.Dropped())
			}
			continue
		}

		msg, err := s.codec.Decode(frame)
		if err != nil {
			s.emit(telemetry.DecodeError, session, 1)
			var de *protocol.DecodingError
			if errors.As(err, &de) && de.Fatal() {
				logger.Warn("fatal decode error, closing", "session_id", session.id, "error", err)
				return
			}
			logger.Debug("dropping undecodable message", "session_id", session.id, "error", err)
			continue
		}
		if msg.Tag() == protocol.TagHeartbeat {
			continue
		}
		if err := s.dispatcher.RouteInbound(conn.ID(), msg); err != nil {
			// Unbound: the session moved to another connection or closed.
			return
		}
	}
}

// encode encodes m for the wire, passing Text bodies through the filter.
func (s *Server) encode(m protocol.Message) ([]byte, error) {
	if t, ok := m.(*protocol.Text); ok && s.config.Filter != nil {
		m = &protocol.Text{Channel: t.Channel, Body: s.config.Filter.Filter(t.Body)}
	}
	return s.codec.Encode(m)
}

func (s *Server) emit(kind telemetry.Kind, session *Session, value int64) {
	s.config.Telemetry.Emit(telemetry.NewEvent(kind, session.id, value))
}

func (s *Server) emitBytes(kind telemetry.Kind, session *Session, conn transport.Conn, n int) {
	s.emitFrame(kind, session.id, conn, n)
}

func (s *Server) emitFrame(kind telemetry.Kind, sessionID string, conn transport.Conn, n int) {
	s.config.Telemetry.Emit(telemetry.Event{
		Kind:      kind,
		SessionID: sessionID,
		Transport: conn.Kind().String(),
		Value:     int64(n),
		Time:      time.Now(),
	})
}

// Tick lets every session send what changed since its baseline. Sessions
// whose mailbox is full skip this tick.
func (s *Server) Tick(now time.Time) {
	for _, session := range s.registry.Sessions() {
		session.do(func() { session.pump(now) })
	}
}

// Sweep closes idle connections and destroys sessions whose grace period
// has elapsed.
func (s *Server) Sweep(now time.Time) {
	if n := transport.IdleSweep(s.conns.list(), s.config.SessionConfig.IdleTimeout, now); n > 0 {
		s.logger.Info("closed idle connections", "count", n)
	}
	s.registry.ExpireStaleSessions(now)
}

// SendText queues a Text message for one session.
func (s *Server) SendText(sessionID, channel, body string) error {
	return s.dispatcher.ScheduleOutbound(sessionID,
		&protocol.Text{Channel: channel, Body: body}, dispatch.PriorityControl)
}

// Broadcast queues a Text message for every session.
func (s *Server) Broadcast(channel, body string) {
	for _, session := range s.registry.Sessions() {
		session.SendText(channel, body)
	}
}

// Handler returns the HTTP routes: the WebSocket endpoint, /healthz and,
// when configured, /metrics.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle(s.config.WebSocketPath, transport.NewWebSocketHandler(s.Accept, s.config.Transport, s.config.Logger))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "ok sessions=%d version=%d\n", s.registry.Count(), s.world.Version())
	})
	if s.config.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.config.Metrics, promhttp.HandlerOpts{}))
	}
	return r
}

// Run serves every configured listener and the tick and sweep loops until
// ctx is cancelled or one of them fails, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	ls, err := s.listen()
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	if ls.http != nil {
		httpServer := &http.Server{
			Handler:           s.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			if err := httpServer.Serve(ls.http); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		})
	}
	if ls.tcp != nil {
		g.Go(func() error {
			return transport.ServeTCP(ctx, ls.tcp, s.Accept, s.config.Transport, s.config.Logger)
		})
	}
	if ls.quic != nil {
		g.Go(func() error {
			return transport.ServeQUIC(ctx, ls.quic, s.Accept, s.config.Transport, s.config.Logger)
		})
	}

	g.Go(func() error {
		return s.loop(ctx, s.config.TickInterval, s.Tick)
	})
	g.Go(func() error {
		return s.loop(ctx, s.config.SweepInterval, s.Sweep)
	})

	err = g.Wait()
	s.Shutdown()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

type listeners struct {
	http net.Listener
	tcp  net.Listener
	quic *quic.Listener
}

func (ls *listeners) close() {
	if ls.http != nil {
		ls.http.Close()
	}
	if ls.tcp != nil {
		ls.tcp.Close()
	}
	if ls.quic != nil {
		ls.quic.Close()
	}
}

// listen opens every configured listener, or none.
func (s *Server) listen() (_ *listeners, err error) {
	ls := &listeners{}
	defer func() {
		if err != nil {
			ls.close()
		}
	}()

	if s.config.Address != "" {
		if ls.http, err = net.Listen("tcp", s.config.Address); err != nil {
			return nil, err
		}
		s.logger.Info("http listening", "address", ls.http.Addr().String(), "websocket", s.config.WebSocketPath)
	}
	if s.config.TCPAddress != "" {
		if ls.tcp, err = net.Listen("tcp", s.config.TCPAddress); err != nil {
			return nil, err
		}
		s.logger.Info("tcp listening", "address", ls.tcp.Addr().String())
	}
	if s.config.QUICAddress != "" {
		tlsConf := s.config.TLSConfig
		if tlsConf == nil {
			if tlsConf, err = transport.SelfSignedTLS("localhost"); err != nil {
				return nil, err
			}
			s.logger.Warn("quic using a self-signed certificate")
		}
		if ls.quic, err = transport.ListenQUIC(s.config.QUICAddress, tlsConf); err != nil {
			return nil, err
		}
		s.logger.Info("quic listening", "address", ls.quic.Addr().String())
	}
	return ls, nil
}

func (s *Server) loop(ctx context.Context, every time.Duration, fn func(time.Time)) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			fn(now)
		case <-ctx.Done():
			return nil
		}
	}
}

// Shutdown closes every session and connection.
func (s *Server) Shutdown() {
	s.registry.Shutdown()
	for _, c := range s.conns.list() {
		c.Close()
	}
	s.logger.Info("server shutdown complete")
}
